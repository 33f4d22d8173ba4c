package store

const schemaRequests = `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    service TEXT NOT NULL,
    operation TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    degraded TEXT NOT NULL DEFAULT '',
    attempts TEXT NOT NULL DEFAULT '[]',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
`

const schemaBreakerSnapshots = `
CREATE TABLE IF NOT EXISTS breaker_snapshots (
    provider TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT NOT NULL DEFAULT '',
    open_threshold INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    schema_version INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// initialSchema is the version-1 layout.
var initialSchema = []string{
	schemaRequests,
	schemaBreakerSnapshots,
}
