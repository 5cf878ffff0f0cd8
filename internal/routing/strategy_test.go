package routing

import (
	"testing"

	"github.com/gatemandev/gateman/internal/health"
)

func cands(weights ...int) []Candidate {
	out := make([]Candidate, len(weights))
	for i, w := range weights {
		out[i] = Candidate{
			Provider: &Provider{ID: i, Name: string(rune('a' + i)), Weight: w},
			State:    health.Closed,
		}
	}
	return out
}

func TestRoundRobin_RotatesInOrder(t *testing.T) {
	rr := &roundRobin{}
	set := cands(1, 1, 1)

	want := []int{0, 1, 2, 0, 1, 2}
	for i, w := range want {
		if got := rr.Pick(set); got != w {
			t.Errorf("pick %d: got %d, want %d", i, got, w)
		}
	}
}

func TestRoundRobin_ModuloFollowsSetSize(t *testing.T) {
	rr := &roundRobin{}
	three := cands(1, 1, 1)
	two := cands(1, 1)

	rr.Pick(three) // counter 0 -> 0
	rr.Pick(three) // counter 1 -> 1

	// A circuit opened; the set shrank. The counter keeps counting and the
	// modulo is over the new size.
	if got := rr.Pick(two); got != 0 {
		t.Errorf("pick over shrunk set: got %d, want 0 (counter 2 %% 2)", got)
	}
}

func TestWeighted_RespectsWeights(t *testing.T) {
	// Deterministic draws: walk the whole weight range and count.
	set := cands(1, 2, 1)
	counts := make([]int, 3)
	for draw := 0; draw < 4; draw++ {
		w := &weighted{intn: func(int) int { return draw }}
		counts[w.Pick(set)]++
	}

	if counts[0] != 1 || counts[1] != 2 || counts[2] != 1 {
		t.Errorf("draw distribution: got %v, want [1 2 1]", counts)
	}
}

func TestWeighted_ZeroWeightExcluded(t *testing.T) {
	set := cands(0, 3)
	for draw := 0; draw < 3; draw++ {
		w := &weighted{intn: func(int) int { return draw }}
		if got := w.Pick(set); got != 1 {
			t.Errorf("draw %d: got %d, want 1 (zero-weight candidate excluded)", draw, got)
		}
	}
}

func TestWeighted_AllZeroFallsBackToUniform(t *testing.T) {
	set := cands(0, 0, 0)
	w := &weighted{intn: func(n int) int {
		if n != 3 {
			t.Fatalf("uniform draw range: got %d, want 3", n)
		}
		return 2
	}}
	if got := w.Pick(set); got != 2 {
		t.Errorf("uniform pick: got %d, want 2", got)
	}
}

func TestFailover_AlwaysFirst(t *testing.T) {
	f := failover{}
	set := cands(1, 5, 9)
	for i := 0; i < 3; i++ {
		if got := f.Pick(set); got != 0 {
			t.Errorf("pick %d: got %d, want 0", i, got)
		}
	}
}

func TestNewStrategy(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted", "failover", ""} {
		if _, err := newStrategy(name); err != nil {
			t.Errorf("newStrategy(%q): %v", name, err)
		}
	}
	if _, err := newStrategy("fastest"); err == nil {
		t.Error("unknown strategy should error")
	}
}
