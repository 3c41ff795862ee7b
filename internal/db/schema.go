package db

import "github.com/jmoiron/sqlx"

// Schema for the agent orchestration tables. Timestamps are stored as
// RFC3339 UTC text.
const schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	id                TEXT PRIMARY KEY,
	node_id           TEXT NOT NULL UNIQUE,
	workspace_id      TEXT NOT NULL DEFAULT '',
	adapter_type      TEXT NOT NULL,
	process_id        INTEGER,
	status            TEXT NOT NULL DEFAULT 'idle',
	claude_session_id TEXT,
	started_at        TEXT NOT NULL,
	ended_at          TEXT
);

CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions(status);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	node_id      TEXT NOT NULL,
	sender_type  TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	content      TEXT NOT NULL,
	message_type TEXT NOT NULL,
	metadata     TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_node_created ON messages(node_id, created_at);

CREATE TABLE IF NOT EXISTS nodes (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	context      TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
`

// InitSchema creates the tables and indexes if they do not exist.
func InitSchema(writer *sqlx.DB) error {
	_, err := writer.Exec(schema)
	return err
}
