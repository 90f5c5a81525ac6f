package domain

import "time"

// PeerInfo is one row of the peers table. The row whose expires_at is in the
// future marks the current leader for the instance name; a missing or expired
// row means no leader.
type PeerInfo struct {
	Name      string
	Node      string
	StartedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the leadership lease has lapsed at now.
func (p PeerInfo) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}
