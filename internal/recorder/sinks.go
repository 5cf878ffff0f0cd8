package recorder

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/gatemandev/gateman/internal/store"
)

// StoreSink writes events to the SQLite analytics store.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink wraps an open store as a recorder sink.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

// Name identifies the sink in logs.
func (s *StoreSink) Name() string { return "store" }

// Write inserts the batch in one transaction.
func (s *StoreSink) Write(events []*Event) error {
	rows := make([]*store.SessionEvent, len(events))
	for i, ev := range events {
		rows[i] = toRow(ev)
	}
	return s.store.InsertEvents(rows)
}

// Close is a no-op; the store's lifetime is owned by the daemon.
func (s *StoreSink) Close() error { return nil }

// toRow flattens an event into its session_events row.
func toRow(ev *Event) *store.SessionEvent {
	row := &store.SessionEvent{
		SessionID:       ev.SessionID,
		RequestID:       ev.RequestID,
		EventKind:       string(ev.Kind),
		Timestamp:       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		StartedAt:       ev.StartedAt.UTC().Format(time.RFC3339Nano),
		ProviderID:      ev.ProviderID,
		Provider:        ev.Provider,
		Model:           ev.Model,
		EntryDialect:    ev.EntryDialect,
		TargetDialect:   ev.TargetDialect,
		Strategy:        ev.Strategy,
		Passthrough:     ev.Passthrough,
		Retried:         ev.Retried,
		TokensIn:        int64(ev.InputTokens),
		TokensOut:       int64(ev.OutputTokens),
		TokensReasoning: int64(ev.ReasoningTokens),
		PreProxyMs:      ev.PreProxyMs,
		ProviderMs:      ev.ProviderMs,
		PostProxyMs:     ev.PostProxyMs,
		StatusCode:      ev.StatusCode,
		ErrorKind:       ev.ErrorKind,
		ErrorDetail:     ev.ErrorDetail,
		Cancelled:       ev.Cancelled,
	}
	if len(ev.ToolCalls) > 0 {
		if data, err := json.Marshal(ev.ToolCalls); err == nil {
			row.ToolCalls = string(data)
		}
	}
	return row
}
