package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/askarbek/duraq/internal/metrics"
	"github.com/askarbek/duraq/internal/repository"
	"github.com/google/uuid"
)

// LeaderElection maintains a lease-based singleton over the store. One
// elected instance at a time runs leader-only duties (the periodic engine).
// Every heartbeat either tries to take the lease or renews it; any error is
// treated as "not leader", so a flaky database demotes rather than
// split-brains.
type LeaderElection struct {
	repo         repository.LeaderRepository
	singletonKey string
	leaderID     string
	lease        time.Duration
	heartbeat    *IntervalScheduler
	logger       *slog.Logger

	isLeader atomic.Bool

	mu       sync.Mutex
	onBecome []func()
	onLose   []func()
}

// LeaderOptions configure the election. Heartbeat should be well under half
// the lease so a leader survives a missed beat.
type LeaderOptions struct {
	SingletonKey      string
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
}

func NewLeaderElection(repo repository.LeaderRepository, opts LeaderOptions, logger *slog.Logger) *LeaderElection {
	hostname, _ := os.Hostname()
	le := &LeaderElection{
		repo:         repo,
		singletonKey: opts.SingletonKey,
		leaderID:     fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		lease:        opts.LeaseDuration,
		logger:       logger.With("component", "leader_election"),
	}
	le.heartbeat = NewIntervalScheduler("leader-heartbeat", opts.HeartbeatInterval, true, le.tick, logger)
	return le
}

// OnBecomeLeader registers a hook fired on each transition into leadership.
// Register hooks before Start.
func (le *LeaderElection) OnBecomeLeader(fn func()) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.onBecome = append(le.onBecome, fn)
}

// OnLoseLeadership registers a hook fired on each transition out.
func (le *LeaderElection) OnLoseLeadership(fn func()) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.onLose = append(le.onLose, fn)
}

func (le *LeaderElection) IsLeader() bool { return le.isLeader.Load() }

// LeaderID returns this instance's identity (host:pid:rand).
func (le *LeaderElection) LeaderID() string { return le.leaderID }

func (le *LeaderElection) Start(ctx context.Context) {
	le.heartbeat.Start(ctx)
}

func (le *LeaderElection) tick(ctx context.Context) error {
	if !le.isLeader.Load() {
		acquired, err := le.repo.TryAcquire(ctx, le.singletonKey, le.leaderID, le.lease)
		if err != nil {
			le.logger.Warn("leadership acquire failed", "error", err)
			return nil
		}
		if acquired {
			le.becomeLeader()
		}
		return nil
	}

	renewed, err := le.repo.Renew(ctx, le.singletonKey, le.leaderID, le.lease)
	if err != nil {
		le.logger.Warn("leadership renew failed", "error", err)
		le.loseLeadership()
		return nil
	}
	if !renewed {
		le.loseLeadership()
	}
	return nil
}

func (le *LeaderElection) becomeLeader() {
	le.isLeader.Store(true)
	metrics.LeaderStatus.Set(1)
	le.logger.Info("became leader", "leader_id", le.leaderID)
	le.mu.Lock()
	hooks := append([]func(){}, le.onBecome...)
	le.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (le *LeaderElection) loseLeadership() {
	le.isLeader.Store(false)
	metrics.LeaderStatus.Set(0)
	le.logger.Warn("lost leadership", "leader_id", le.leaderID)
	le.mu.Lock()
	hooks := append([]func(){}, le.onLose...)
	le.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Stop halts the heartbeat and, when leader, releases the lease so a peer
// can take over without waiting out the expiry. Release is best effort.
func (le *LeaderElection) Stop(ctx context.Context) {
	le.heartbeat.Stop()
	if !le.isLeader.Load() {
		return
	}
	if err := le.repo.Release(ctx, le.singletonKey, le.leaderID); err != nil {
		le.logger.Warn("lease release failed", "error", err)
	}
	le.loseLeadership()
}
