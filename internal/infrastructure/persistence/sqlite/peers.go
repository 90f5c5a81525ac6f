package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const electLeaderQuery = `
	INSERT INTO backlog_peers (name, node, started_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (name) DO UPDATE
		SET expires_at = excluded.expires_at
		WHERE backlog_peers.node = excluded.node`

func (s *Store) ElectLeader(ctx context.Context, name, node string, ttl time.Duration) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin election: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`DELETE FROM backlog_peers WHERE name = ? AND expires_at < ?`, name, encodeTime(now))
	if err != nil {
		return false, "", fmt.Errorf("failed to clear expired lease: %w", classify(err))
	}

	_, err = tx.ExecContext(ctx, electLeaderQuery,
		name, node, encodeTime(now), encodeTime(now.Add(ttl)))
	if err != nil {
		return false, "", fmt.Errorf("failed to contend for leadership: %w", classify(err))
	}

	var leaderNode string
	err = tx.QueryRowContext(ctx,
		`SELECT node FROM backlog_peers WHERE name = ?`, name).Scan(&leaderNode)
	if err != nil {
		return false, "", fmt.Errorf("failed to read leader row: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("failed to commit election: %w", classify(err))
	}
	return leaderNode == node, leaderNode, nil
}

func (s *Store) FindLeaderNode(ctx context.Context, name string) (string, error) {
	var node string
	err := s.db.QueryRowContext(ctx, `
		SELECT node FROM backlog_peers
		WHERE name = ? AND expires_at >= ?`, name, encodeTime(time.Now())).Scan(&node)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find leader: %w", classify(err))
	}
	return node, nil
}

func (s *Store) DeleteLeader(ctx context.Context, name, node string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM backlog_peers WHERE name = ? AND node = ?`, name, node)
	if err != nil {
		return fmt.Errorf("failed to delete leader row: %w", classify(err))
	}
	return nil
}
