// Package session persists agent session records in SQLite.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/agent"
	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/db"
)

// Store reads and writes agent_sessions rows. The database is the source
// of truth for session status; the process registry only knows about live
// handles.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore builds a session store on the shared pool.
func NewStore(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "session-store")),
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Upsert creates or replaces the session row for a node. claude_session_id
// is always reset to NULL: the id Claude CLI actually uses arrives later in
// the init event and is stored via UpdateClaudeSessionID. The session id we
// pass on the command line must never be trusted for resume.
func (s *Store) Upsert(ctx context.Context, nodeID, workspaceID, sessionID string, adapterType agent.AdapterType, status agent.SessionStatus) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO agent_sessions (id, node_id, workspace_id, adapter_type, status, started_at, claude_session_id)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(node_id) DO UPDATE SET
		   id = excluded.id,
		   status = excluded.status,
		   started_at = excluded.started_at,
		   claude_session_id = NULL`,
		sessionID, nodeID, workspaceID, adapterType.String(), status.String(), nowRFC3339())
	if err != nil {
		return fmt.Errorf("upsert session for node %s: %w", nodeID, err)
	}
	s.logger.Debug("Upserted agent session, claude_session_id reset until init event",
		zap.String("node_id", nodeID),
		zap.String("session_id", sessionID))
	return nil
}

// GetByNode returns the session for a node, or nil when none exists.
func (s *Store) GetByNode(ctx context.Context, nodeID string) (*agent.Session, error) {
	var sess agent.Session
	err := s.pool.Reader().GetContext(ctx, &sess,
		`SELECT id, node_id, workspace_id, adapter_type, process_id, status, claude_session_id, started_at, ended_at
		 FROM agent_sessions WHERE node_id = ?`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session for node %s: %w", nodeID, err)
	}
	return &sess, nil
}

// ClaudeSessionForNode returns the captured Claude session id and the
// current status for a node. The id is empty until the init event has been
// seen. The bool reports whether a session row exists at all.
func (s *Store) ClaudeSessionForNode(ctx context.Context, nodeID string) (string, agent.SessionStatus, bool, error) {
	var row struct {
		ClaudeSessionID string `db:"claude_session_id"`
		Status          string `db:"status"`
	}
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT COALESCE(claude_session_id, '') AS claude_session_id, status
		 FROM agent_sessions WHERE node_id = ?`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get claude session for node %s: %w", nodeID, err)
	}
	return row.ClaudeSessionID, agent.SessionStatus(row.Status), true, nil
}

// UpdateStatus sets the session status for a node and stamps ended_at.
// When success is false the stored status is forced to failed regardless
// of what the caller asked for.
func (s *Store) UpdateStatus(ctx context.Context, nodeID string, status agent.SessionStatus, success bool) error {
	final := status
	if !success {
		final = agent.StatusFailed
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE agent_sessions SET status = ?, ended_at = ? WHERE node_id = ?`,
		final.String(), nowRFC3339(), nodeID)
	if err != nil {
		return fmt.Errorf("update session status for node %s: %w", nodeID, err)
	}
	return nil
}

// UpdateClaudeSessionID stores the session id reported by Claude CLI's
// init event. Resume depends on this value matching what the CLI actually
// uses, not what was passed with --session-id.
func (s *Store) UpdateClaudeSessionID(ctx context.Context, nodeID, claudeSessionID string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE agent_sessions SET claude_session_id = ? WHERE node_id = ?`,
		claudeSessionID, nodeID)
	if err != nil {
		return fmt.Errorf("update claude session id for node %s: %w", nodeID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Warn("No session row to receive claude session id",
			zap.String("node_id", nodeID),
			zap.String("claude_session_id", claudeSessionID))
	}
	return nil
}

// ResetStale moves every non-idle session back to idle with ended_at
// cleared. Runs once at startup so status reflects the current process
// lifetime only.
func (s *Store) ResetStale(ctx context.Context) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE agent_sessions SET status = 'idle', ended_at = NULL WHERE status != 'idle'`)
	if err != nil {
		return 0, fmt.Errorf("reset stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns all sessions, newest first.
func (s *Store) List(ctx context.Context) ([]agent.Session, error) {
	var sessions []agent.Session
	err := s.pool.Reader().SelectContext(ctx, &sessions,
		`SELECT id, node_id, workspace_id, adapter_type, process_id, status, claude_session_id, started_at, ended_at
		 FROM agent_sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetBatch returns the sessions for the given nodes in one query.
func (s *Store) GetBatch(ctx context.Context, nodeIDs []string) ([]agent.Session, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, node_id, workspace_id, adapter_type, process_id, status, claude_session_id, started_at, ended_at
		 FROM agent_sessions WHERE node_id IN (?)`, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("build batch session query: %w", err)
	}
	var sessions []agent.Session
	if err := s.pool.Reader().SelectContext(ctx, &sessions, s.pool.Reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("batch get sessions: %w", err)
	}
	return sessions, nil
}
