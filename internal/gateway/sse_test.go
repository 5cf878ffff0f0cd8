package gateway

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gatemandev/gateman/internal/dialect"
)

func TestSSEReader_ParsesEventsAndJoinsMultilineData(t *testing.T) {
	input := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start"}`,
		"",
		": this is a comment",
		"data: line one",
		"data: line two",
		"",
	}, "\n")

	r := NewSSEReader(strings.NewReader(input))

	first, err := r.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if first.Event != "message_start" || first.Data != `{"type":"message_start"}` {
		t.Errorf("unexpected first event: %+v", first)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if second.Data != "line one\nline two" {
		t.Errorf("multiline data not joined: %q", second.Data)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestSSEReader_FlushesTrailingEventWithoutBlankLine(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: tail"))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("expected trailing event, got %v", err)
	}
	if ev.Data != "tail" {
		t.Errorf("expected tail, got %q", ev.Data)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF after trailing event, got %v", err)
	}
}

func TestSSEWriter_FramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	if err := w.WriteEvent(&dialect.StreamEvent{Event: "ping", Data: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteEvent(&dialect.StreamEvent{Data: "[DONE]"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := rec.Body.String()
	want := "event: ping\ndata: x\n\ndata: [DONE]\n\n"
	if got != want {
		t.Errorf("unexpected framing:\ngot  %q\nwant %q", got, want)
	}
}

func TestSSERoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	events := []dialect.StreamEvent{
		{Event: "message_start", Data: `{"a":1}`},
		{Data: `{"b":2}`, ID: "7"},
	}
	for i := range events {
		if err := w.WriteEvent(&events[i]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	r := NewSSEReader(strings.NewReader(rec.Body.String()))
	for i := range events {
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if ev.Event != events[i].Event || ev.Data != events[i].Data || ev.ID != events[i].ID {
			t.Errorf("event %d mismatch: got %+v want %+v", i, ev, events[i])
		}
	}
}
