package health

import (
	"sync/atomic"
	"time"
)

// State represents the state of a provider's circuit.
type State uint8

const (
	// Closed means the provider is healthy; requests flow through.
	Closed State = iota
	// Open means the circuit has tripped; the provider is skipped.
	Open
	// HalfOpen means the cooldown has elapsed; the next request is a probe.
	HalfOpen
)

// String returns the lowercase name used in logs and API responses.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// circuit is an immutable snapshot of one breaker. Transitions build a new
// value and install it with CompareAndSwap, so readers never see a torn
// state and writers never take a lock.
type circuit struct {
	state    State
	failures int       // consecutive failures while Closed
	openedAt time.Time // set whenever state is Open, kept through HalfOpen
}

// Arena holds one circuit per configured provider, indexed by the provider's
// stable integer id (its position in the config file). The slot slice is
// fixed at construction; a config reload builds a new arena and carries
// state over by provider name.
type Arena struct {
	threshold int
	cooldown  time.Duration

	slots  []*slot
	byName map[string]int

	// transition counters, exposed for metrics
	opened     atomic.Uint64
	halfOpened atomic.Uint64
	reclosed   atomic.Uint64
}

type slot struct {
	name string
	cur  atomic.Pointer[circuit]
}

// NewArena creates an arena with one closed circuit per provider name, in
// order. threshold is the consecutive-failure count that trips a circuit;
// cooldown is how long an open circuit waits before allowing a probe.
func NewArena(names []string, threshold int, cooldown time.Duration) *Arena {
	a := &Arena{
		threshold: threshold,
		cooldown:  cooldown,
		slots:     make([]*slot, len(names)),
		byName:    make(map[string]int, len(names)),
	}
	for i, name := range names {
		s := &slot{name: name}
		s.cur.Store(&circuit{state: Closed})
		a.slots[i] = s
		a.byName[name] = i
	}
	return a
}

// Rebuild creates an arena for a new provider list, preserving the circuit
// state of providers that exist in both by name. New providers start
// closed; removed providers are dropped.
func (a *Arena) Rebuild(names []string, threshold int, cooldown time.Duration) *Arena {
	next := NewArena(names, threshold, cooldown)
	for i, name := range names {
		if old, ok := a.byName[name]; ok {
			next.slots[i].cur.Store(a.slots[old].cur.Load())
		}
	}
	return next
}

// Len returns the number of circuits in the arena.
func (a *Arena) Len() int { return len(a.slots) }

// Name returns the provider name for a slot id.
func (a *Arena) Name(id int) string {
	if id < 0 || id >= len(a.slots) {
		return ""
	}
	return a.slots[id].name
}

// IndexOf returns the slot id for a provider name.
func (a *Arena) IndexOf(name string) (int, bool) {
	id, ok := a.byName[name]
	return id, ok
}

// load returns the current circuit for id, applying the lazy Open to
// HalfOpen transition when the cooldown has elapsed. The transition happens
// at read time; nothing ticks in the background.
func (a *Arena) load(id int) *circuit {
	s := a.slots[id]
	for {
		cur := s.cur.Load()
		if cur.state != Open || time.Since(cur.openedAt) < a.cooldown {
			return cur
		}
		next := &circuit{state: HalfOpen, openedAt: cur.openedAt}
		if s.cur.CompareAndSwap(cur, next) {
			a.halfOpened.Add(1)
			return next
		}
	}
}

// Observe returns the effective state of provider id.
func (a *Arena) Observe(id int) State {
	if id < 0 || id >= len(a.slots) {
		return Open
	}
	return a.load(id).state
}

// OpenedAt returns when provider id's circuit last opened. It is zero for a
// circuit that is closed or has never tripped.
func (a *Arena) OpenedAt(id int) time.Time {
	if id < 0 || id >= len(a.slots) {
		return time.Time{}
	}
	return a.load(id).openedAt
}

// ReportSuccess records a successful upstream exchange for provider id.
// A success closes a half-open circuit immediately and clears the failure
// count of a closed one. A success arriving for an open circuit is a
// straggler from before the trip and is ignored.
func (a *Arena) ReportSuccess(id int) {
	if id < 0 || id >= len(a.slots) {
		return
	}
	s := a.slots[id]
	for {
		cur := s.cur.Load()
		var next *circuit
		switch cur.state {
		case Closed:
			if cur.failures == 0 {
				return
			}
			next = &circuit{state: Closed}
		case HalfOpen:
			next = &circuit{state: Closed}
		default:
			return
		}
		if s.cur.CompareAndSwap(cur, next) {
			if cur.state == HalfOpen {
				a.reclosed.Add(1)
			}
			return
		}
	}
}

// ReportFailure records a failed upstream exchange for provider id. The
// threshold applies to consecutive failures while closed; a half-open probe
// failure reopens immediately and restarts the cooldown clock. Failures
// arriving for an already-open circuit do not extend the cooldown.
func (a *Arena) ReportFailure(id int) {
	if id < 0 || id >= len(a.slots) {
		return
	}
	s := a.slots[id]
	for {
		cur := s.cur.Load()
		var next *circuit
		switch cur.state {
		case Closed:
			next = &circuit{state: Closed, failures: cur.failures + 1}
			if next.failures >= a.threshold {
				next = &circuit{state: Open, openedAt: time.Now()}
			}
		case HalfOpen:
			next = &circuit{state: Open, openedAt: time.Now()}
		default:
			return
		}
		if s.cur.CompareAndSwap(cur, next) {
			if next.state == Open {
				a.opened.Add(1)
			}
			return
		}
	}
}

// CircuitView is a point-in-time view of one circuit, for status endpoints
// and metrics.
type CircuitView struct {
	ID       int       `json:"-"`
	Provider string    `json:"provider"`
	State    string    `json:"state"`
	Failures int       `json:"consecutive_failures,omitempty"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// SnapshotAll returns the effective state of every circuit in id order.
func (a *Arena) SnapshotAll() []CircuitView {
	out := make([]CircuitView, len(a.slots))
	for i := range a.slots {
		c := a.load(i)
		out[i] = CircuitView{
			ID:       i,
			Provider: a.slots[i].name,
			State:    c.state.String(),
			Failures: c.failures,
			OpenedAt: c.openedAt,
		}
	}
	return out
}

// Transitions returns the cumulative transition counters: circuits opened,
// probes allowed, and circuits closed again after a successful probe.
func (a *Arena) Transitions() (opened, halfOpened, reclosed uint64) {
	return a.opened.Load(), a.halfOpened.Load(), a.reclosed.Load()
}
