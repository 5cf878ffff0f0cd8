package gateway

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gatemandev/gateman/internal/dialect"
)

// SSEReader reads Server-Sent Events from an upstream body, parsing the SSE
// wire format (event:, data:, id: lines separated by blank lines) into the
// dialect stream event shape.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a new SSEReader. The scanner buffer is sized at 64KB
// initial / 10MB max to handle large SSE lines containing tool call
// arguments, code blocks, or base64-encoded content.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next reads and returns the next complete SSE event from the stream.
// An event is terminated by a blank line. Returns io.EOF when the stream
// ends. Lines beginning with ":" (comment lines) are silently skipped.
func (s *SSEReader) Next() (*dialect.StreamEvent, error) {
	var evt dialect.StreamEvent
	hasData := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// A blank line signals the end of an event.
		if line == "" {
			if hasData || evt.Event != "" || evt.ID != "" {
				return &evt, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseSSELine(line)
		switch field {
		case "event":
			evt.Event = value
		case "data":
			if hasData {
				evt.Data += "\n" + value
			} else {
				evt.Data = value
				hasData = true
			}
		case "id":
			evt.ID = value
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}

	// If we accumulated an event before EOF, return it.
	if hasData || evt.Event != "" || evt.ID != "" {
		return &evt, nil
	}

	return nil, io.EOF
}

// parseSSELine splits an SSE line into its field name and value.
// The format is "field: value" where the space after the colon is optional.
func parseSSELine(line string) (field, value string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}

// SSEWriter writes Server-Sent Events to an http.ResponseWriter, flushing
// after each event for real-time delivery to the client.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSEWriter. It checks if the http.ResponseWriter
// supports the http.Flusher interface for real-time event delivery.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteEvent writes a single SSE event and flushes. The event type line is
// only written if evt.Event is non-empty; the id line only if evt.ID is
// non-empty. Multiline data is split across data: lines per the SSE spec.
func (s *SSEWriter) WriteEvent(evt *dialect.StreamEvent) error {
	if evt.Event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", evt.Event); err != nil {
			return fmt.Errorf("writing SSE event type: %w", err)
		}
	}

	if evt.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", evt.ID); err != nil {
			return fmt.Errorf("writing SSE event id: %w", err)
		}
	}

	for _, dl := range strings.Split(evt.Data, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", dl); err != nil {
			return fmt.Errorf("writing SSE data line: %w", err)
		}
	}

	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return fmt.Errorf("writing SSE event terminator: %w", err)
	}

	s.Flush()
	return nil
}

// Flush flushes the underlying ResponseWriter if it supports http.Flusher.
func (s *SSEWriter) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
