package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// electLeaderQuery contends for the name's row. The conditional upsert only
// refreshes the lease when we already hold it, so a live leader can never be
// displaced by a follower's tick.
const electLeaderQuery = `
	INSERT INTO backlog_peers (name, node, started_at, expires_at)
	VALUES ($1, $2, now(), now() + $3)
	ON CONFLICT (name) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE backlog_peers.node = EXCLUDED.node`

func (s *Store) ElectLeader(ctx context.Context, name, node string, ttl time.Duration) (bool, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin election: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Expired leases are cleared first so a dead leader's row cannot block
	// the insert.
	_, err = tx.Exec(ctx, `DELETE FROM backlog_peers WHERE name = $1 AND expires_at < now()`, name)
	if err != nil {
		return false, "", fmt.Errorf("failed to clear expired lease: %w", classify(err))
	}

	if _, err := tx.Exec(ctx, electLeaderQuery, name, node, ttl); err != nil {
		return false, "", fmt.Errorf("failed to contend for leadership: %w", classify(err))
	}

	var leaderNode string
	err = tx.QueryRow(ctx, `SELECT node FROM backlog_peers WHERE name = $1`, name).Scan(&leaderNode)
	if err != nil {
		return false, "", fmt.Errorf("failed to read leader row: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return false, "", fmt.Errorf("failed to commit election: %w", classify(err))
	}
	return leaderNode == node, leaderNode, nil
}

func (s *Store) FindLeaderNode(ctx context.Context, name string) (string, error) {
	var node string
	err := s.pool.QueryRow(ctx, `
		SELECT node FROM backlog_peers
		WHERE name = $1 AND expires_at >= now()`, name).Scan(&node)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find leader: %w", classify(err))
	}
	return node, nil
}

func (s *Store) DeleteLeader(ctx context.Context, name, node string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM backlog_peers WHERE name = $1 AND node = $2`, name, node)
	if err != nil {
		return fmt.Errorf("failed to delete leader row: %w", classify(err))
	}
	return nil
}
