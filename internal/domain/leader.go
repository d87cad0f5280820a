package domain

import "time"

// LeaderLease is the singleton row backing leader election. At most one row
// exists per singleton key; whoever owns a non-expired row is the leader.
type LeaderLease struct {
	SingletonKey string
	LeaderID     string
	ElectedAt    time.Time
	ExpiresAt    time.Time
}
