package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/askarbek/duraq/internal/engine"
)

func newElection(repo *fakeLeaderRepo, heartbeat time.Duration) *engine.LeaderElection {
	return engine.NewLeaderElection(repo, engine.LeaderOptions{
		SingletonKey:      "duraq",
		HeartbeatInterval: heartbeat,
		LeaseDuration:     30 * time.Second,
	}, testLogger())
}

func TestLeaderElection_AcquiresAndFiresHook(t *testing.T) {
	repo := &fakeLeaderRepo{acquires: []bool{true}, renews: []bool{true}}
	le := newElection(repo, time.Hour)

	became := make(chan struct{})
	le.OnBecomeLeader(func() { close(became) })

	le.Start(context.Background())
	defer le.Stop(context.Background())

	select {
	case <-became:
	case <-time.After(2 * time.Second):
		t.Fatal("never became leader")
	}
	if !le.IsLeader() {
		t.Fatal("IsLeader() = false after acquire")
	}
}

func TestLeaderElection_LostRenewDemotes(t *testing.T) {
	repo := &fakeLeaderRepo{acquires: []bool{true, false}, renews: []bool{false}}
	le := newElection(repo, 10*time.Millisecond)

	lost := make(chan struct{})
	le.OnLoseLeadership(func() { close(lost) })

	le.Start(context.Background())
	defer le.Stop(context.Background())

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost-renew never demoted")
	}
	if le.IsLeader() {
		t.Fatal("IsLeader() = true after losing the lease")
	}
}

func TestLeaderElection_AcquireErrorMeansNotLeader(t *testing.T) {
	repo := &fakeLeaderRepo{tryErr: errors.New("db unreachable")}
	le := newElection(repo, 10*time.Millisecond)

	le.Start(context.Background())
	defer le.Stop(context.Background())

	time.Sleep(60 * time.Millisecond)
	if le.IsLeader() {
		t.Fatal("errors must be treated as not-leader")
	}
}

func TestLeaderElection_StopReleasesHeldLease(t *testing.T) {
	repo := &fakeLeaderRepo{acquires: []bool{true}, renews: []bool{true}}
	le := newElection(repo, time.Hour)

	became := make(chan struct{})
	le.OnBecomeLeader(func() { close(became) })
	le.Start(context.Background())
	<-became

	le.Stop(context.Background())
	if repo.releaseCount() != 1 {
		t.Fatalf("release calls = %d, want 1", repo.releaseCount())
	}
	if le.IsLeader() {
		t.Fatal("IsLeader() = true after Stop")
	}
}

func TestLeaderElection_StopWithoutLeaseDoesNotRelease(t *testing.T) {
	repo := &fakeLeaderRepo{acquires: []bool{false}}
	le := newElection(repo, time.Hour)

	le.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	le.Stop(context.Background())

	if repo.releaseCount() != 0 {
		t.Fatalf("release calls = %d, want 0", repo.releaseCount())
	}
}

func TestLeaderElection_IdentityShape(t *testing.T) {
	le := newElection(&fakeLeaderRepo{}, time.Hour)
	parts := strings.Split(le.LeaderID(), ":")
	if len(parts) != 3 {
		t.Fatalf("leader id %q, want host:pid:rand", le.LeaderID())
	}
	if len(parts[2]) != 8 {
		t.Fatalf("random suffix %q, want 8 chars", parts[2])
	}
}
