package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateman.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(session, request, kind, ts string) *SessionEvent {
	return &SessionEvent{
		SessionID:    session,
		RequestID:    request,
		EventKind:    kind,
		Timestamp:    ts,
		StartedAt:    ts,
		ProviderID:   0,
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		EntryDialect: "anthropic",
		Strategy:     "round_robin",
		Passthrough:  true,
		TokensIn:     10,
		TokensOut:    20,
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)

	var version int
	err := s.Reader().QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version)
	if err != nil {
		t.Fatalf("querying migrations: %v", err)
	}
	if version != 1 {
		t.Errorf("migration version = %d, want 1", version)
	}
}

func TestInsertAndQueryBySession(t *testing.T) {
	s := openTestStore(t)

	ts := time.Now().UTC().Format(time.RFC3339)
	events := []*SessionEvent{
		testEvent("sess-1", "req-1", "start", ts),
		testEvent("sess-1", "req-1", "complete", ts),
		testEvent("sess-2", "req-2", "start", ts),
	}
	if err := s.InsertEvents(events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	got, err := s.EventsBySession("sess-1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events for sess-1, want 2", len(got))
	}
	if got[0].Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", got[0].Model)
	}
	if !got[0].Passthrough {
		t.Error("passthrough flag not round-tripped")
	}
}

func TestInsertEventsIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)

	ts := time.Now().UTC().Format(time.RFC3339)
	ev := testEvent("sess-1", "req-1", "start", ts)
	if err := s.InsertEvents([]*SessionEvent{ev}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// A recorder replay delivers the same event again.
	if err := s.InsertEvents([]*SessionEvent{ev}); err != nil {
		t.Fatalf("replay insert: %v", err)
	}

	n, err := s.CountEvents()
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("event count = %d, want 1", n)
	}
}

func TestEventsByDateRange(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -10).Format(time.RFC3339)
	recent := time.Now().UTC().Format(time.RFC3339)
	events := []*SessionEvent{
		testEvent("sess-old", "req-old", "complete", old),
		testEvent("sess-new", "req-new", "complete", recent),
	}
	if err := s.InsertEvents(events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	from := time.Now().UTC().AddDate(0, 0, -1).Format(time.RFC3339)
	to := time.Now().UTC().AddDate(0, 0, 1).Format(time.RFC3339)
	got, err := s.EventsByDateRange(from, to)
	if err != nil {
		t.Fatalf("EventsByDateRange: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess-new" {
		t.Errorf("date range query returned %d events, want 1 recent", len(got))
	}
}

func TestEventsByModel(t *testing.T) {
	s := openTestStore(t)

	ts := time.Now().UTC().Format(time.RFC3339)
	a := testEvent("sess-1", "req-1", "complete", ts)
	b := testEvent("sess-2", "req-2", "complete", ts)
	b.Model = "gpt-4o"
	if err := s.InsertEvents([]*SessionEvent{a, b}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	got, err := s.EventsByModel("gpt-4o", 10)
	if err != nil {
		t.Fatalf("EventsByModel: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess-2" {
		t.Errorf("model query returned %d events", len(got))
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -40).Format(time.RFC3339)
	recent := time.Now().UTC().Format(time.RFC3339)
	events := []*SessionEvent{
		testEvent("sess-old", "req-old", "complete", old),
		testEvent("sess-new", "req-new", "complete", recent),
	}
	if err := s.InsertEvents(events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	deleted, err := s.Prune(30)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("pruned %d rows, want 1", deleted)
	}

	n, err := s.CountEvents()
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("remaining events = %d, want 1", n)
	}
}
