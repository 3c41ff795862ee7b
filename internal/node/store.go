// Package node persists node records. A node is a git worktree a user
// works in; agents run against nodes.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/db"
)

// Node is a stored node record. Context is the auto-generated summary of
// what the node's task is about.
type Node struct {
	ID          string  `db:"id" json:"id"`
	DisplayName string  `db:"display_name" json:"display_name"`
	Context     *string `db:"context" json:"context,omitempty"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
	UpdatedAt   string  `db:"updated_at" json:"updated_at"`
}

// Store reads and writes nodes rows.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore builds a node store on the shared pool.
func NewStore(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "node-store")),
	}
}

// Upsert creates a node or updates its display name.
func (s *Store) Upsert(ctx context.Context, id, displayName string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO nodes (id, display_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = excluded.display_name,
		   updated_at = excluded.updated_at`,
		id, displayName, now, now)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", id, err)
	}
	return nil
}

// Get returns a node, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	var n Node
	err := s.pool.Reader().GetContext(ctx, &n,
		`SELECT id, display_name, context, created_at, updated_at FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &n, nil
}

// UpdateContext replaces a node's context summary.
func (s *Store) UpdateContext(ctx context.Context, id, nodeContext string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE nodes SET context = ?, updated_at = ? WHERE id = ?`,
		nodeContext, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update context for node %s: %w", id, err)
	}
	return nil
}
