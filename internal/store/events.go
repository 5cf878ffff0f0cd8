package store

import (
	"database/sql"
	"fmt"
)

// SessionEvent is one row of the session_events table: a single lifecycle
// point of one request within a session. Timestamps are RFC3339 strings in
// UTC, matching the text columns they are stored in.
type SessionEvent struct {
	SessionID       string
	RequestID       string
	EventKind       string
	Timestamp       string
	StartedAt       string
	ProviderID      int
	Provider        string
	Model           string
	EntryDialect    string
	TargetDialect   string
	Strategy        string
	Passthrough     bool
	Retried         bool
	TokensIn        int64
	TokensOut       int64
	TokensReasoning int64
	PreProxyMs      int64
	ProviderMs      int64
	PostProxyMs     int64
	ToolCalls       string // JSON array of {name, count}
	StatusCode      int
	ErrorKind       string
	ErrorDetail     string
	Cancelled       bool
}

const eventColumns = `session_id, request_id, event_kind, ts, started_at,
	provider_id, provider, model_used, entry_dialect, target_dialect,
	strategy, passthrough, retried,
	tokens_in, tokens_out, tokens_reasoning,
	pre_proxy_ms, provider_ms, post_proxy_ms,
	tool_calls, status_code, error_kind, error_detail, cancelled`

// InsertEvents stores a batch of session events inside one transaction.
// Duplicate keys are ignored so an at-least-once recorder can safely replay.
func (s *Store) InsertEvents(events []*SessionEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("store: begin insert events: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO session_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert events: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.Exec(
			e.SessionID, e.RequestID, e.EventKind, e.Timestamp, e.StartedAt,
			e.ProviderID, e.Provider, e.Model, e.EntryDialect, e.TargetDialect,
			e.Strategy, boolInt(e.Passthrough), boolInt(e.Retried),
			e.TokensIn, e.TokensOut, e.TokensReasoning,
			e.PreProxyMs, e.ProviderMs, e.PostProxyMs,
			e.ToolCalls, e.StatusCode, e.ErrorKind, e.ErrorDetail, boolInt(e.Cancelled),
		)
		if err != nil {
			return fmt.Errorf("store: insert event %s/%s: %w", e.SessionID, e.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit insert events: %w", err)
	}
	return nil
}

// EventsBySession returns every event of one session in timestamp order.
func (s *Store) EventsBySession(sessionID string) ([]*SessionEvent, error) {
	rows, err := s.reader.Query(`
		SELECT `+eventColumns+`
		FROM session_events
		WHERE session_id = ?
		ORDER BY ts ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: events by session: %w", err)
	}
	return scanEvents(rows)
}

// EventsByDateRange returns events whose request started within [from, to),
// both RFC3339 timestamps, ordered by start time.
func (s *Store) EventsByDateRange(from, to string) ([]*SessionEvent, error) {
	rows, err := s.reader.Query(`
		SELECT `+eventColumns+`
		FROM session_events
		WHERE started_at >= ? AND started_at < ?
		ORDER BY started_at ASC`, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("store: events by date range: %w", err)
	}
	return scanEvents(rows)
}

// EventsByModel returns the most recent events for the given model, newest
// first, capped at limit.
func (s *Store) EventsByModel(model string, limit int) ([]*SessionEvent, error) {
	rows, err := s.reader.Query(`
		SELECT `+eventColumns+`
		FROM session_events
		WHERE model_used = ?
		ORDER BY ts DESC
		LIMIT ?`, model, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: events by model: %w", err)
	}
	return scanEvents(rows)
}

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents() (int64, error) {
	var n int64
	if err := s.reader.QueryRow("SELECT COUNT(*) FROM session_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// scanEvents reads every row into SessionEvent values and closes the rows.
func scanEvents(rows *sql.Rows) ([]*SessionEvent, error) {
	defer rows.Close()

	var results []*SessionEvent
	for rows.Next() {
		e := &SessionEvent{}
		var passthrough, retried, cancelled int
		err := rows.Scan(
			&e.SessionID, &e.RequestID, &e.EventKind, &e.Timestamp, &e.StartedAt,
			&e.ProviderID, &e.Provider, &e.Model, &e.EntryDialect, &e.TargetDialect,
			&e.Strategy, &passthrough, &retried,
			&e.TokensIn, &e.TokensOut, &e.TokensReasoning,
			&e.PreProxyMs, &e.ProviderMs, &e.PostProxyMs,
			&e.ToolCalls, &e.StatusCode, &e.ErrorKind, &e.ErrorDetail, &cancelled,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Passthrough = passthrough != 0
		e.Retried = retried != 0
		e.Cancelled = cancelled != 0
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return results, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
