package store

// SQL schema constants for the gateman analytics store.

const schemaSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    session_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    event_kind TEXT NOT NULL,
    ts TEXT NOT NULL,
    started_at TEXT NOT NULL,
    provider_id INTEGER NOT NULL DEFAULT -1,
    provider TEXT NOT NULL DEFAULT '',
    model_used TEXT NOT NULL DEFAULT '',
    entry_dialect TEXT NOT NULL DEFAULT '',
    target_dialect TEXT NOT NULL DEFAULT '',
    strategy TEXT NOT NULL DEFAULT '',
    passthrough INTEGER NOT NULL DEFAULT 0,
    retried INTEGER NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    tokens_reasoning INTEGER NOT NULL DEFAULT 0,
    pre_proxy_ms INTEGER NOT NULL DEFAULT 0,
    provider_ms INTEGER NOT NULL DEFAULT 0,
    post_proxy_ms INTEGER NOT NULL DEFAULT 0,
    tool_calls TEXT NOT NULL DEFAULT '',
    status_code INTEGER NOT NULL DEFAULT 0,
    error_kind TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    cancelled INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, request_id, event_kind, ts)
);
CREATE INDEX IF NOT EXISTS idx_events_started_at ON session_events(started_at);
CREATE INDEX IF NOT EXISTS idx_events_model_used ON session_events(model_used);
CREATE INDEX IF NOT EXISTS idx_events_ts ON session_events(ts);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas lists every DDL block applied by the initial migration.
var allSchemas = []string{
	schemaSessionEvents,
}
