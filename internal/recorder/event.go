package recorder

import (
	"time"

	"github.com/gatemandev/gateman/internal/dialect"
)

// Kind is the lifecycle point an event describes.
type Kind string

const (
	KindStart     Kind = "start"
	KindFirstByte Kind = "first_byte"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
)

// Event is one append-only fact about one request within a session. The
// pipeline creates events at defined lifecycle points and never mutates them
// afterward; the recorder and the stats aggregator consume them.
type Event struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Kind      Kind      `json:"event_kind"`
	Timestamp time.Time `json:"ts"`
	StartedAt time.Time `json:"started_at"`

	ProviderID    int    `json:"provider_id"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	EntryDialect  string `json:"entry_dialect,omitempty"`
	TargetDialect string `json:"target_dialect,omitempty"`
	Strategy      string `json:"strategy,omitempty"`
	Passthrough   bool   `json:"passthrough,omitempty"`
	Retried       bool   `json:"retried,omitempty"`

	InputTokens     int `json:"input_tokens,omitempty"`
	OutputTokens    int `json:"output_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`

	PreProxyMs  int64 `json:"pre_proxy_ms,omitempty"`
	ProviderMs  int64 `json:"provider_ms,omitempty"`
	PostProxyMs int64 `json:"post_proxy_ms,omitempty"`

	ToolCalls []dialect.ToolCallSummary `json:"tool_calls,omitempty"`

	StatusCode  int    `json:"status_code,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

// Span marks one detected region within redacted text.
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Kind  string `json:"kind"`
}

// Redactor removes sensitive content from text before it is persisted. The
// detection algorithm itself is an external collaborator; the recorder only
// calls through this interface.
type Redactor interface {
	Redact(text string) (string, []Span)
}

// NopRedactor passes text through unchanged. It is the default when
// redaction is disabled.
type NopRedactor struct{}

// Redact returns the text as-is with no detected spans.
func (NopRedactor) Redact(text string) (string, []Span) { return text, nil }
