package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

// DayLogSink appends events to per-session JSONL files grouped by calendar
// day: <dir>/<YYYY-MM-DD>/<session_id>.jsonl, one serialized event per line.
// Files are opened per batch group; nothing stays open between flushes.
type DayLogSink struct {
	dir string
}

// NewDayLogSink creates the sink rooted at dir, creating it if needed.
func NewDayLogSink(dir string) (*DayLogSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("daylog: create directory %s: %w", dir, err)
	}
	return &DayLogSink{dir: dir}, nil
}

// Name identifies the sink in logs.
func (d *DayLogSink) Name() string { return "daylog" }

// Dir returns the sink's root directory.
func (d *DayLogSink) Dir() string { return d.dir }

// Write appends the batch, grouped by day and session so each target file is
// opened once per flush.
func (d *DayLogSink) Write(events []*Event) error {
	type fileKey struct {
		day     string
		session string
	}
	groups := make(map[fileKey][]*Event)
	var order []fileKey
	for _, ev := range events {
		k := fileKey{day: ev.Timestamp.UTC().Format("2006-01-02"), session: ev.SessionID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	var firstErr error
	for _, k := range order {
		if err := d.appendGroup(k.day, k.session, groups[k]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *DayLogSink) appendGroup(day, session string, events []*Event) error {
	dayDir := filepath.Join(d.dir, day)
	if err := os.MkdirAll(dayDir, 0o700); err != nil {
		return fmt.Errorf("daylog: create day directory %s: %w", dayDir, err)
	}

	path := filepath.Join(dayDir, sessionFilename(session))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("daylog: open %s: %w", path, err)
	}
	defer f.Close()

	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("daylog: marshal event %s/%s: %w", ev.SessionID, ev.RequestID, err)
		}
		line = append(line, '\n')
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("daylog: append %s: %w", path, err)
		}
	}
	return nil
}

// Close is a no-op; Write leaves no file handles open.
func (d *DayLogSink) Close() error { return nil }

// Prune removes day directories older than retentionDays. It returns how
// many directories were removed.
func (d *DayLogSink) Prune(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("daylog: read directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Day directories sort lexicographically by date.
		if _, err := time.Parse("2006-01-02", e.Name()); err != nil {
			continue
		}
		if e.Name() >= cutoff {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.dir, e.Name())); err != nil {
			return removed, fmt.Errorf("daylog: remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// sessionFilename sanitizes a session id for use as a file name. Session ids
// are client-supplied, so path separators and traversal dots are replaced.
func sessionFilename(session string) string {
	if session == "" {
		session = "unknown"
	}
	out := make([]rune, 0, len(session))
	for _, r := range session {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out) + ".jsonl"
}
