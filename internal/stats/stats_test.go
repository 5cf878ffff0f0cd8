package stats

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gatemandev/gateman/internal/dialect"
	"github.com/gatemandev/gateman/internal/recorder"
)

func ev(session string, kind recorder.Kind, in, out int) *recorder.Event {
	return &recorder.Event{
		SessionID:    session,
		RequestID:    "req",
		Kind:         kind,
		Timestamp:    time.Now().UTC(),
		InputTokens:  in,
		OutputTokens: out,
	}
}

func TestTotalsMatchTerminalEvents(t *testing.T) {
	a, err := New(10)
	if err != nil {
		t.Fatal(err)
	}

	// Start and first-byte events carry no token accounting.
	a.Record(ev("s1", recorder.KindStart, 0, 0))
	a.Record(ev("s1", recorder.KindFirstByte, 0, 0))
	a.Record(ev("s1", recorder.KindComplete, 100, 50))
	a.Record(ev("s1", recorder.KindStart, 0, 0))
	a.Record(ev("s1", recorder.KindError, 30, 7))

	s, ok := a.Snapshot("s1")
	if !ok {
		t.Fatal("session missing")
	}
	if s.TotalTokens != 187 {
		t.Errorf("total tokens = %d, want 187", s.TotalTokens)
	}
	if s.Requests != 2 {
		t.Errorf("requests = %d, want 2", s.Requests)
	}
	if s.Errors != 1 {
		t.Errorf("errors = %d, want 1", s.Errors)
	}
}

func TestToolCallCounts(t *testing.T) {
	a, err := New(10)
	if err != nil {
		t.Fatal(err)
	}

	e := ev("s1", recorder.KindComplete, 0, 0)
	e.ToolCalls = []dialect.ToolCallSummary{{Name: "search", Count: 2}, {Name: "fetch", Count: 1}}
	a.Record(e)
	e2 := ev("s1", recorder.KindComplete, 0, 0)
	e2.ToolCalls = []dialect.ToolCallSummary{{Name: "search", Count: 1}}
	a.Record(e2)

	s, _ := a.Snapshot("s1")
	if s.ToolCalls["search"] != 3 || s.ToolCalls["fetch"] != 1 {
		t.Errorf("tool calls = %v", s.ToolCalls)
	}
}

func TestLRUEviction(t *testing.T) {
	a, err := New(2)
	if err != nil {
		t.Fatal(err)
	}

	a.Record(ev("s1", recorder.KindComplete, 1, 0))
	a.Record(ev("s2", recorder.KindComplete, 1, 0))
	// Touch s1 so s2 is the least recently updated.
	a.Record(ev("s1", recorder.KindComplete, 1, 0))
	a.Record(ev("s3", recorder.KindComplete, 1, 0))

	if a.Len() != 2 {
		t.Errorf("retained %d sessions, want 2", a.Len())
	}
	if _, ok := a.Snapshot("s2"); ok {
		t.Error("s2 should have been evicted")
	}
	if _, ok := a.Snapshot("s1"); !ok {
		t.Error("s1 should survive")
	}
	if _, ok := a.Snapshot("s3"); !ok {
		t.Error("s3 should survive")
	}
}

func TestInterleavedSessions(t *testing.T) {
	a, err := New(100)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", n%4)
			for j := 0; j < 50; j++ {
				a.Record(ev(session, recorder.KindStart, 0, 0))
				a.Record(ev(session, recorder.KindComplete, 1, 1))
			}
		}(i)
	}
	wg.Wait()

	var total int
	for _, s := range a.SnapshotAll() {
		total += s.TotalTokens
	}
	if total != 8*50*2 {
		t.Errorf("total tokens across sessions = %d, want %d", total, 8*50*2)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	e := ev("s1", recorder.KindComplete, 1, 1)
	e.ToolCalls = []dialect.ToolCallSummary{{Name: "search", Count: 1}}
	a.Record(e)

	snap, _ := a.Snapshot("s1")
	snap.ToolCalls["search"] = 999
	snap.TotalTokens = 999

	again, _ := a.Snapshot("s1")
	if again.ToolCalls["search"] != 1 || again.TotalTokens != 2 {
		t.Error("snapshot mutation leaked into aggregator state")
	}
}
