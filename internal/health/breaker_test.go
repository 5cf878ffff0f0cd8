package health

import (
	"sync"
	"testing"
	"time"
)

func TestArena_ClosedToOpen(t *testing.T) {
	a := NewArena([]string{"alpha"}, 3, time.Second)

	if a.Observe(0) != Closed {
		t.Fatalf("initial state: got %v, want Closed", a.Observe(0))
	}

	// Two failures: still closed.
	a.ReportFailure(0)
	a.ReportFailure(0)
	if a.Observe(0) != Closed {
		t.Fatalf("after 2 failures: got %v, want Closed", a.Observe(0))
	}

	// Third failure trips the circuit.
	a.ReportFailure(0)
	if a.Observe(0) != Open {
		t.Fatalf("after 3 failures: got %v, want Open", a.Observe(0))
	}
	if a.OpenedAt(0).IsZero() {
		t.Fatal("open circuit must carry its opened_at time")
	}
}

func TestArena_OpenToHalfOpenIsLazy(t *testing.T) {
	a := NewArena([]string{"alpha"}, 1, 50*time.Millisecond)

	a.ReportFailure(0)
	if a.Observe(0) != Open {
		t.Fatalf("expected Open, got %v", a.Observe(0))
	}

	time.Sleep(60 * time.Millisecond)

	// Nothing ran in the background; the next read performs the transition.
	if a.Observe(0) != HalfOpen {
		t.Fatalf("expected HalfOpen after cooldown, got %v", a.Observe(0))
	}

	_, halfOpened, _ := a.Transitions()
	if halfOpened != 1 {
		t.Errorf("halfOpened transitions: got %d, want 1", halfOpened)
	}
}

func TestArena_HalfOpenClosesOnOneSuccess(t *testing.T) {
	a := NewArena([]string{"alpha"}, 1, 10*time.Millisecond)

	a.ReportFailure(0)
	time.Sleep(15 * time.Millisecond)
	if a.Observe(0) != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", a.Observe(0))
	}

	a.ReportSuccess(0)
	if a.Observe(0) != Closed {
		t.Fatalf("one probe success should close the circuit, got %v", a.Observe(0))
	}
	if !a.OpenedAt(0).IsZero() {
		t.Error("closed circuit should not carry an opened_at time")
	}
}

func TestArena_HalfOpenFailureRestartsCooldown(t *testing.T) {
	a := NewArena([]string{"alpha"}, 1, 50*time.Millisecond)

	a.ReportFailure(0)
	firstOpen := a.OpenedAt(0)

	time.Sleep(60 * time.Millisecond)
	if a.Observe(0) != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", a.Observe(0))
	}

	a.ReportFailure(0)
	if a.Observe(0) != Open {
		t.Fatalf("probe failure should reopen, got %v", a.Observe(0))
	}
	if !a.OpenedAt(0).After(firstOpen) {
		t.Error("probe failure should restart the cooldown clock")
	}
}

func TestArena_SuccessResetsFailureCount(t *testing.T) {
	a := NewArena([]string{"alpha"}, 3, time.Second)

	a.ReportFailure(0)
	a.ReportFailure(0)
	a.ReportSuccess(0)
	a.ReportFailure(0)
	a.ReportFailure(0)

	if a.Observe(0) != Closed {
		t.Fatalf("expected Closed after reset, got %v", a.Observe(0))
	}
}

func TestArena_OpenIgnoresStragglers(t *testing.T) {
	a := NewArena([]string{"alpha"}, 1, time.Hour)

	a.ReportFailure(0)
	openedAt := a.OpenedAt(0)

	// Results from requests already in flight when the circuit tripped.
	a.ReportFailure(0)
	a.ReportSuccess(0)

	if a.Observe(0) != Open {
		t.Fatalf("stragglers must not move an open circuit, got %v", a.Observe(0))
	}
	if !a.OpenedAt(0).Equal(openedAt) {
		t.Error("straggler failure must not extend the cooldown")
	}
}

func TestArena_FiveConsecutiveFailuresByDefaultShape(t *testing.T) {
	a := NewArena([]string{"alpha", "beta"}, 5, time.Second)

	for i := 0; i < 4; i++ {
		a.ReportFailure(0)
	}
	if a.Observe(0) != Closed {
		t.Fatalf("4 failures should not trip a threshold of 5, got %v", a.Observe(0))
	}
	a.ReportFailure(0)
	if a.Observe(0) != Open {
		t.Fatalf("5th failure should trip, got %v", a.Observe(0))
	}

	// The other slot is untouched.
	if a.Observe(1) != Closed {
		t.Fatalf("beta should be unaffected, got %v", a.Observe(1))
	}
}

func TestArena_SnapshotAll(t *testing.T) {
	a := NewArena([]string{"alpha", "beta", "gamma"}, 1, time.Hour)
	a.ReportFailure(1)

	views := a.SnapshotAll()
	if len(views) != 3 {
		t.Fatalf("views: got %d, want 3", len(views))
	}
	if views[0].Provider != "alpha" || views[0].State != "closed" {
		t.Errorf("views[0]: got %+v", views[0])
	}
	if views[1].Provider != "beta" || views[1].State != "open" {
		t.Errorf("views[1]: got %+v", views[1])
	}
	if views[1].OpenedAt.IsZero() {
		t.Error("open view must carry opened_at")
	}
	if views[2].ID != 2 {
		t.Errorf("views[2].ID: got %d, want 2", views[2].ID)
	}
}

func TestArena_RebuildKeepsStateByName(t *testing.T) {
	a := NewArena([]string{"alpha", "beta"}, 1, time.Hour)
	a.ReportFailure(1) // beta opens

	// beta moves to slot 0, gamma is new, alpha is gone.
	b := a.Rebuild([]string{"beta", "gamma"}, 1, time.Hour)

	if b.Observe(0) != Open {
		t.Fatalf("beta should stay open across rebuild, got %v", b.Observe(0))
	}
	if b.Observe(1) != Closed {
		t.Fatalf("gamma should start closed, got %v", b.Observe(1))
	}
	if id, ok := b.IndexOf("alpha"); ok {
		t.Fatalf("alpha should be gone, got id %d", id)
	}
	if b.Name(0) != "beta" {
		t.Errorf("Name(0): got %q, want beta", b.Name(0))
	}
}

func TestArena_OutOfRangeIDs(t *testing.T) {
	a := NewArena([]string{"alpha"}, 1, time.Second)

	// Out-of-range ids read as Open so routing never picks them, and
	// reports are dropped.
	if a.Observe(-1) != Open || a.Observe(5) != Open {
		t.Error("out-of-range ids should observe as Open")
	}
	a.ReportFailure(7)
	a.ReportSuccess(-2)
	if a.Observe(0) != Closed {
		t.Errorf("slot 0 should be untouched, got %v", a.Observe(0))
	}
}

func TestArena_ConcurrentReports(t *testing.T) {
	a := NewArena([]string{"alpha"}, 1000, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.ReportFailure(0)
			}
		}()
	}
	wg.Wait()

	// 800 failures against a threshold of 1000: closed, with every report
	// accounted for despite the concurrent swaps.
	views := a.SnapshotAll()
	if views[0].State != "closed" {
		t.Fatalf("state: got %s, want closed", views[0].State)
	}
	if views[0].Failures != 800 {
		t.Errorf("failures: got %d, want 800", views[0].Failures)
	}
}
