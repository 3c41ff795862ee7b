// Package chat persists conversation messages for nodes.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/db"
)

// SenderType distinguishes human messages from agent output.
type SenderType string

const (
	SenderHuman SenderType = "human"
	SenderAgent SenderType = "agent"
)

// MessageType classifies message content for rendering.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeSystem MessageType = "system"
	TypeCode   MessageType = "code"
	TypeError  MessageType = "error"
)

// Message is a stored chat message. Metadata is a raw JSON string when
// present.
type Message struct {
	ID          string  `db:"id" json:"id"`
	WorkspaceID string  `db:"workspace_id" json:"workspace_id"`
	NodeID      string  `db:"node_id" json:"node_id"`
	SenderType  string  `db:"sender_type" json:"sender_type"`
	SenderID    string  `db:"sender_id" json:"sender_id"`
	Content     string  `db:"content" json:"content"`
	MessageType string  `db:"message_type" json:"message_type"`
	Metadata    *string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
}

// dedupWindow is how far back Insert looks for an identical message
// before skipping the write. Agent restarts can replay the same line.
const dedupWindow = 5 * time.Second

// Store reads and writes messages rows.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore builds a message store on the shared pool.
func NewStore(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "chat-store")),
	}
}

// Insert stores a message unless an identical one from the same sender
// exists within the dedup window. Blank content is skipped. Returns the
// new message id, or "" when nothing was written.
func (s *Store) Insert(ctx context.Context, workspaceID, nodeID string, sender SenderType, senderID, content string, msgType MessageType, metadata *string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}

	dup, err := s.isDuplicate(ctx, nodeID, senderID, content, msgType)
	if err != nil {
		// A failed dedup check must not drop output.
		s.logger.WithError(err).Error("Duplicate check failed, inserting anyway")
	} else if dup {
		return "", nil
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO messages (id, workspace_id, node_id, sender_type, sender_id, content, message_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, workspaceID, nodeID, string(sender), senderID, content, string(msgType), metadata, now)
	if err != nil {
		return "", fmt.Errorf("insert message for node %s: %w", nodeID, err)
	}
	return id, nil
}

func (s *Store) isDuplicate(ctx context.Context, nodeID, senderID, content string, msgType MessageType) (bool, error) {
	threshold := time.Now().UTC().Add(-dedupWindow).Format(time.RFC3339)
	var count int
	err := s.pool.Reader().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages
		 WHERE node_id = ? AND sender_id = ? AND content = ? AND message_type = ? AND created_at > ?`,
		nodeID, senderID, content, string(msgType), threshold)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListForNode returns a node's messages oldest first.
func (s *Store) ListForNode(ctx context.Context, nodeID string) ([]Message, error) {
	var msgs []Message
	err := s.pool.Reader().SelectContext(ctx, &msgs,
		`SELECT id, workspace_id, node_id, sender_type, sender_id, content, message_type, metadata, created_at
		 FROM messages WHERE node_id = ? ORDER BY created_at ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list messages for node %s: %w", nodeID, err)
	}
	return msgs, nil
}

// LatestAgentContents returns the content of the node's most recent agent
// messages, newest first, capped at limit.
func (s *Store) LatestAgentContents(ctx context.Context, nodeID string, limit int) ([]string, error) {
	var contents []string
	err := s.pool.Reader().SelectContext(ctx, &contents,
		`SELECT content FROM messages
		 WHERE node_id = ? AND sender_type = 'agent'
		 ORDER BY created_at DESC LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest agent messages for node %s: %w", nodeID, err)
	}
	return contents, nil
}

// LatestUserInputRequest returns the content and metadata of the most
// recent message flagged as a user input request, or ok=false when none
// exists.
func (s *Store) LatestUserInputRequest(ctx context.Context, nodeID string) (content, metadata string, ok bool, err error) {
	var row struct {
		Content  string  `db:"content"`
		Metadata *string `db:"metadata"`
	}
	err = s.pool.Reader().GetContext(ctx, &row,
		`SELECT content, metadata FROM messages
		 WHERE node_id = ? AND metadata LIKE '%user_input_request%'
		 ORDER BY created_at DESC LIMIT 1`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("latest user input request for node %s: %w", nodeID, err)
	}
	if row.Metadata != nil {
		metadata = *row.Metadata
	}
	return row.Content, metadata, true, nil
}
