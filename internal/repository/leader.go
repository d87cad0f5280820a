package repository

import (
	"context"
	"time"
)

type LeaderRepository interface {
	// TryAcquire takes the lease when it is free, expired, or already ours.
	TryAcquire(ctx context.Context, singletonKey, leaderID string, lease time.Duration) (bool, error)
	// Renew extends the lease; false means the lease was lost.
	Renew(ctx context.Context, singletonKey, leaderID string, lease time.Duration) (bool, error)
	// Release drops the lease if we still hold it. Best effort.
	Release(ctx context.Context, singletonKey, leaderID string) error
}
