package database

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// MatchedMessage is one queued match result awaiting collection by the
// owning worker. Payload is the JSON-encoded match event.
type MatchedMessage struct {
	ID        uint      `db:"id"`
	NodeID    string    `db:"node_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// Store defines the queue operations used by the router.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Enqueue appends a match payload to a node's queue.
	Enqueue(ctx context.Context, nodeID, payload string) error

	// Drain returns and removes all queued payloads for a node, oldest
	// first. Returning and deleting happen in one transaction.
	Drain(ctx context.Context, nodeID string) ([]string, error)

	// DeleteForNode drops a node's queue, used on deregistration.
	DeleteForNode(ctx context.Context, nodeID string) error

	// PruneOlderThan removes queued payloads older than the cutoff and
	// returns how many were removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) Enqueue(ctx context.Context, nodeID, payload string) error {
	if nodeID == "" {
		return fmt.Errorf("cannot enqueue for empty node id")
	}
	if payload == "" {
		return fmt.Errorf("cannot enqueue empty payload")
	}

	query := `INSERT INTO matched_messages (node_id, payload, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, nodeID, payload, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue matched message", "node_id", nodeID, "error", err)
		return fmt.Errorf("failed to enqueue matched message: %w", err)
	}
	return nil
}

func (s *sqlxStore) Drain(ctx context.Context, nodeID string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var rows []MatchedMessage
	query := `SELECT id, node_id, payload, created_at FROM matched_messages WHERE node_id = ? ORDER BY id ASC`
	if err := tx.SelectContext(ctx, &rows, query, nodeID); err != nil {
		return nil, fmt.Errorf("failed to select queued messages: %w", err)
	}

	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM matched_messages WHERE node_id = ?`, nodeID); err != nil {
		return nil, fmt.Errorf("failed to delete drained messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}

	payloads := make([]string, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, row.Payload)
	}
	return payloads, nil
}

func (s *sqlxStore) DeleteForNode(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM matched_messages WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to delete queue for node %s: %w", nodeID, err)
	}
	return nil
}

func (s *sqlxStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM matched_messages WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune matched messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	for _, stmt := range []string{"ANALYZE", "VACUUM"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("maintenance statement %s failed: %w", stmt, err)
		}
	}
	s.logger.InfoContext(ctx, "database maintenance completed")
	return nil
}
