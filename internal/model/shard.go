package model

import "time"

// Shard is one partition of the workflow ID hash space. ownerIdentity and
// leaseExpiresAt are set together or not at all; an expired lease is
// equivalent to an unowned shard.
type Shard struct {
	ShardID        int        `json:"shard_id" db:"shard_id"`
	OwnerIdentity  *string    `json:"owner_identity,omitempty" db:"owner_identity"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	AcquiredAt     *time.Time `json:"acquired_at,omitempty" db:"acquired_at"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	RangeStart     int64      `json:"range_start" db:"range_start"`
	RangeEnd       int64      `json:"range_end" db:"range_end"`
}

// DefaultShardCount must be fixed at deploy time per cluster.
const DefaultShardCount = 512

// LeasedBy reports whether the shard is held by owner with an unexpired lease.
func (s *Shard) LeasedBy(owner string, now time.Time) bool {
	return s.OwnerIdentity != nil && *s.OwnerIdentity == owner &&
		s.LeaseExpiresAt != nil && s.LeaseExpiresAt.After(now)
}
