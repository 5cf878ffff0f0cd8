package stats

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gatemandev/gateman/internal/recorder"
)

// SessionStats is the derived, in-memory aggregate for one session, rebuilt
// by folding its events. Token totals accumulate only from terminal events
// (complete or error), which carry the final counts for their request.
type SessionStats struct {
	SessionID string `json:"session_id"`

	Requests  int `json:"requests"`
	Errors    int `json:"errors"`
	Cancelled int `json:"cancelled"`

	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
	TotalTokens     int `json:"total_tokens"`

	ToolCalls map[string]int `json:"tool_calls,omitempty"`

	// Proxy overhead is the gateway's own time on either side of the
	// provider; ProviderMs is time spent waiting on the upstream.
	OverheadMs int64 `json:"overhead_ms"`
	ProviderMs int64 `json:"provider_ms"`

	FirstActivity time.Time `json:"first_activity"`
	LastActivity  time.Time `json:"last_activity"`
}

// Aggregator folds session events into bounded in-memory per-session stats.
// It is keyed by session id and capped by an LRU: the least recently updated
// session is evicted when the cap is exceeded. Durable history lives in the
// recorder's sinks and is unaffected by eviction.
type Aggregator struct {
	mu       sync.Mutex
	sessions *lru.Cache[string, *SessionStats]
}

// New creates an aggregator retaining at most maxSessions sessions.
func New(maxSessions int) (*Aggregator, error) {
	if maxSessions <= 0 {
		maxSessions = 100
	}
	cache, err := lru.New[string, *SessionStats](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("stats: creating LRU: %w", err)
	}
	return &Aggregator{sessions: cache}, nil
}

// Record folds one event. Events from concurrent sessions arrive interleaved
// and in no cross-request order; only per-request lifecycle order holds.
func (a *Aggregator) Record(ev *recorder.Event) {
	if ev == nil || ev.SessionID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions.Get(ev.SessionID)
	if !ok {
		s = &SessionStats{SessionID: ev.SessionID, FirstActivity: ev.Timestamp}
		a.sessions.Add(ev.SessionID, s)
	} else {
		// Touch for LRU recency even though we mutate in place.
		a.sessions.Add(ev.SessionID, s)
	}

	if ev.Timestamp.After(s.LastActivity) {
		s.LastActivity = ev.Timestamp
	}
	if s.FirstActivity.IsZero() || ev.Timestamp.Before(s.FirstActivity) {
		s.FirstActivity = ev.Timestamp
	}

	switch ev.Kind {
	case recorder.KindStart:
		s.Requests++
	case recorder.KindComplete, recorder.KindError:
		s.InputTokens += ev.InputTokens
		s.OutputTokens += ev.OutputTokens
		s.ReasoningTokens += ev.ReasoningTokens
		s.TotalTokens += ev.InputTokens + ev.OutputTokens + ev.ReasoningTokens
		s.OverheadMs += ev.PreProxyMs + ev.PostProxyMs
		s.ProviderMs += ev.ProviderMs
		for _, tc := range ev.ToolCalls {
			if s.ToolCalls == nil {
				s.ToolCalls = make(map[string]int)
			}
			s.ToolCalls[tc.Name] += tc.Count
		}
		if ev.Kind == recorder.KindError {
			s.Errors++
			if ev.Cancelled {
				s.Cancelled++
			}
		}
	}
}

// Snapshot returns a copy of one session's stats.
func (a *Aggregator) Snapshot(sessionID string) (SessionStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions.Peek(sessionID)
	if !ok {
		return SessionStats{}, false
	}
	return copyStats(s), true
}

// SnapshotAll returns a copy of every retained session's stats, least
// recently updated first.
func (a *Aggregator) SnapshotAll() []SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := a.sessions.Keys()
	out := make([]SessionStats, 0, len(keys))
	for _, k := range keys {
		if s, ok := a.sessions.Peek(k); ok {
			out = append(out, copyStats(s))
		}
	}
	return out
}

// Len returns the number of sessions currently retained.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions.Len()
}

func copyStats(s *SessionStats) SessionStats {
	cp := *s
	if s.ToolCalls != nil {
		cp.ToolCalls = make(map[string]int, len(s.ToolCalls))
		for k, v := range s.ToolCalls {
			cp.ToolCalls[k] = v
		}
	}
	return cp
}
