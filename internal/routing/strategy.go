package routing

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/gatemandev/gateman/internal/health"
)

// Candidate is one usable provider presented to a strategy: enabled, lists
// the model, and its circuit is closed or half open. Candidates arrive in
// declaration order, which is also the tie-break order.
type Candidate struct {
	Provider *Provider
	State    health.State
}

// Strategy picks one candidate from a non-empty usable set. Implementations
// may keep per-model state; each routed model gets its own instance.
type Strategy interface {
	Name() string
	Pick(cands []Candidate) int
}

func newStrategy(name string) (Strategy, error) {
	switch name {
	case "round_robin", "":
		return &roundRobin{}, nil
	case "weighted":
		return &weighted{intn: rand.IntN}, nil
	case "failover":
		return failover{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}

// roundRobin rotates through candidates with a monotonic per-model counter.
// The counter wraps naturally; candidate sets shrink and grow as circuits
// open and close, and the modulo is always taken over the current usable
// set.
type roundRobin struct {
	ctr atomic.Uint64
}

func (r *roundRobin) Name() string { return "round_robin" }

func (r *roundRobin) Pick(cands []Candidate) int {
	n := r.ctr.Add(1) - 1
	return int(n % uint64(len(cands)))
}

// weighted picks proportionally to the providers' integer weights. A weight
// of zero removes a candidate from the draw unless every weight is zero, in
// which case the pick is uniform.
type weighted struct {
	intn func(int) int
}

func (w *weighted) Name() string { return "weighted" }

func (w *weighted) Pick(cands []Candidate) int {
	total := 0
	for _, c := range cands {
		if c.Provider.Weight > 0 {
			total += c.Provider.Weight
		}
	}
	if total == 0 {
		return w.intn(len(cands))
	}
	n := w.intn(total)
	for i, c := range cands {
		if c.Provider.Weight <= 0 {
			continue
		}
		n -= c.Provider.Weight
		if n < 0 {
			return i
		}
	}
	return len(cands) - 1
}

// failover always takes the first usable candidate, so declaration order is
// the failover chain.
type failover struct{}

func (failover) Name() string { return "failover" }

func (failover) Pick(cands []Candidate) int { return 0 }
