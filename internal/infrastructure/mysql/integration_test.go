package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests run against a real MySQL. They skip unless
// DURAQ_TEST_MYSQL_DSN is set, e.g.
//
//	DURAQ_TEST_MYSQL_DSN='root:root@tcp(127.0.0.1:3306)/duraq_test' go test ./...
//
// Each test migrates into its own table prefix and drops it afterwards.
func openTestStore(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dsn := os.Getenv("DURAQ_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("DURAQ_TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, dsn)
	require.NoError(t, err)

	prefix := fmt.Sprintf("t%06d_", rand.Intn(1_000_000))
	migrator := NewMigrator(db, prefix, testLogger())
	require.NoError(t, migrator.Run(ctx))

	t.Cleanup(func() {
		_ = migrator.Destroy(ctx)
		db.Close()
	})
	return db, prefix
}

func createTestQueue(t *testing.T, db *sql.DB, prefix, name string, mutate func(*domain.Queue)) *domain.Queue {
	t.Helper()
	q := &domain.Queue{
		Name:              name,
		PartitionKey:      "default",
		MaxRetries:        3,
		MinDelay:          time.Second,
		BackoffMultiplier: 2,
		MaxDuration:       5 * time.Second,
	}
	if mutate != nil {
		mutate(q)
	}
	created, err := NewQueueRepository(db, prefix, testLogger()).Upsert(context.Background(), q)
	require.NoError(t, err)
	return created
}

func TestIntegration_DedupAcrossStates(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "emails", nil)
	jobs := NewJobRepository(db, prefix, testLogger())

	key := "k"
	newJob := func() []domain.NewJob {
		return []domain.NewJob{{Name: "x", PendingDedupKey: &key}}
	}

	res, err := jobs.AddJobs(ctx, nil, "emails", "default", newJob())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = jobs.AddJobs(ctx, nil, "emails", "default", newJob())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Deduplicated)

	claimed, err := jobs.ClaimPending(ctx, queue.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	affected, err := jobs.MarkCompleted(ctx, nil, []string{claimed[0].ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	// The completed row no longer occupies the live-dedup index.
	res, err = jobs.AddJobs(ctx, nil, "emails", "default", newJob())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestIntegration_IdempotentKeyHoldsAcrossTerminalStates(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "emails", nil)
	jobs := NewJobRepository(db, prefix, testLogger())

	key := "report-2026-08-24"
	add := func() (int, int) {
		res, err := jobs.AddJobs(ctx, nil, "emails", "default",
			[]domain.NewJob{{Name: "daily", IdempotentKey: &key}})
		require.NoError(t, err)
		return res.Inserted, res.Deduplicated
	}

	inserted, _ := add()
	assert.Equal(t, 1, inserted)

	claimed, err := jobs.ClaimPending(ctx, queue.ID, 1, false)
	require.NoError(t, err)
	_, err = jobs.MarkCompleted(ctx, nil, []string{claimed[0].ID})
	require.NoError(t, err)

	// Unlike the pending-dedup key, the idempotent key stays taken forever.
	inserted, deduplicated := add()
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 1, deduplicated)
}

func TestIntegration_PriorityBreaksTiesWithinSameInstant(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "emails", nil)
	jobs := NewJobRepository(db, prefix, testLogger())

	_, err := jobs.AddJobs(ctx, nil, "emails", "default", []domain.NewJob{
		{Name: "priority-1", Priority: 1},
		{Name: "priority-2", Priority: 2},
		{Name: "priority-3", Priority: 3},
	})
	require.NoError(t, err)

	// Collapse created_at so only priority decides.
	_, err = db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %sjobs SET created_at = '2026-01-01 00:00:00.000'", prefix))
	require.NoError(t, err)

	claimed, err := jobs.ClaimPending(ctx, queue.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "priority-3", claimed[0].Name)
	assert.Equal(t, "priority-2", claimed[1].Name)
	assert.Equal(t, "priority-1", claimed[2].Name)
}

func TestIntegration_RetryBackoffAndTerminalFailure(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "flaky", func(q *domain.Queue) {
		q.MaxRetries = 4
	})
	jobs := NewJobRepository(db, prefix, testLogger())

	_, err := jobs.AddJobs(ctx, nil, "flaky", "default", []domain.NewJob{{Name: "always-fails"}})
	require.NoError(t, err)

	makeDue := func() {
		_, err := db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sjobs SET start_after = NOW(3)", prefix))
		require.NoError(t, err)
	}

	var jobID string
	for attempt := 1; attempt <= 4; attempt++ {
		makeDue()
		claimed, err := jobs.ClaimPending(ctx, queue.ID, 1, false)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d must be claimable", attempt)
		jobID = claimed[0].ID

		before := time.Now()
		err = jobs.FailJobs(ctx, nil, []string{jobID}, queue.RetryPolicy(),
			domain.ErrorDetail{Name: "Error", Message: "boom"})
		require.NoError(t, err)

		job, err := jobs.GetByID(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)
		assert.Len(t, job.Errors, attempt)
		assert.Equal(t, attempt, job.Errors[attempt-1].Attempt)
		assert.Equal(t, "Error", job.Errors[attempt-1].Error.Name)

		if attempt < 4 {
			require.Equal(t, domain.JobPending, job.Status)
			// Delay doubles per attempt: 1s, 2s, 4s.
			wantDelay := time.Duration(1<<(attempt-1)) * time.Second
			gotDelay := job.StartAfter.Sub(before)
			assert.InDelta(t, wantDelay.Seconds(), gotDelay.Seconds(), 0.5,
				"attempt %d backoff", attempt)
		} else {
			require.Equal(t, domain.JobFailed, job.Status)
			assert.NotNil(t, job.FailedAt)
		}
	}
}

func TestIntegration_RescuePathFollowsRetryStateMachine(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "stuck", func(q *domain.Queue) {
		q.MaxRetries = 2
	})
	jobs := NewJobRepository(db, prefix, testLogger())

	_, err := jobs.AddJobs(ctx, nil, "stuck", "default", []domain.NewJob{{Name: "hang"}})
	require.NoError(t, err)

	forceStuck := func() {
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %sjobs SET status = 'running', running_at = DATE_SUB(NOW(3), INTERVAL 40000 SECOND)", prefix))
		require.NoError(t, err)
	}

	rescueOnce := func() *domain.Job {
		forceStuck()
		stuck, err := jobs.StuckRunning(ctx, time.Hour, 100)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		require.NoError(t, jobs.FailJobs(ctx, nil, []string{stuck[0].ID}, queue.RetryPolicy(),
			domain.ErrorDetail{Name: "RescuerError", Message: "Job stuck in running state and was rescued"}))
		job, err := jobs.GetByID(ctx, stuck[0].ID)
		require.NoError(t, err)
		return job
	}

	job := rescueOnce()
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, "RescuerError", job.Errors[0].Error.Name)

	job = rescueOnce()
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Len(t, job.Errors, 2)
}

func TestIntegration_SequentialKeySerializes(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "ordered", func(q *domain.Queue) {
		q.Sequential = true
	})
	jobs := NewJobRepository(db, prefix, testLogger())

	key := "u:1"
	_, err := jobs.AddJobs(ctx, nil, "ordered", "default", []domain.NewJob{
		{Name: "k1", SequentialKey: &key},
		{Name: "k2", SequentialKey: &key},
		{Name: "k3", SequentialKey: &key},
		{Name: "free1"},
		{Name: "free2"},
	})
	require.NoError(t, err)

	names := func(batch []*domain.Job) map[string]bool {
		out := make(map[string]bool, len(batch))
		for _, j := range batch {
			out[j.Name] = true
		}
		return out
	}

	// First pass: the oldest keyed job plus all unkeyed ones.
	first, err := jobs.ClaimPending(ctx, queue.ID, 10, true)
	require.NoError(t, err)
	got := names(first)
	assert.True(t, got["k1"], "oldest keyed job claimable")
	assert.False(t, got["k2"] || got["k3"], "later keyed jobs withheld")
	assert.True(t, got["free1"] && got["free2"], "null keys unconstrained")

	// While k1 runs, its siblings stay invisible.
	second, err := jobs.ClaimPending(ctx, queue.ID, 10, true)
	require.NoError(t, err)
	assert.Empty(t, second)

	var k1 string
	for _, j := range first {
		if j.Name == "k1" {
			k1 = j.ID
		}
	}
	_, err = jobs.MarkCompleted(ctx, nil, []string{k1})
	require.NoError(t, err)

	third, err := jobs.ClaimPending(ctx, queue.ID, 10, true)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "k2", third[0].Name)
}

func TestIntegration_ConcurrentClaimsAreDisjoint(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "busy", nil)
	jobs := NewJobRepository(db, prefix, testLogger())

	batch := make([]domain.NewJob, 20)
	for i := range batch {
		batch[i] = domain.NewJob{Name: fmt.Sprintf("job-%02d", i)}
	}
	_, err := jobs.AddJobs(ctx, nil, "busy", "default", batch)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := jobs.ClaimPending(ctx, queue.ID, 5, false)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, j := range claimed {
				seen[j.ID]++
			}
		}()
	}
	wg.Wait()

	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
	assert.Len(t, seen, 20)
}

func TestIntegration_ErrorEntryShape(t *testing.T) {
	db, prefix := openTestStore(t)
	ctx := context.Background()
	queue := createTestQueue(t, db, prefix, "shapes", nil)
	jobs := NewJobRepository(db, prefix, testLogger())

	_, err := jobs.AddJobs(ctx, nil, "shapes", "default", []domain.NewJob{{Name: "x"}})
	require.NoError(t, err)
	claimed, err := jobs.ClaimPending(ctx, queue.ID, 1, false)
	require.NoError(t, err)

	require.NoError(t, jobs.FailJobs(ctx, nil, []string{claimed[0].ID}, queue.RetryPolicy(),
		domain.ErrorDetail{Name: "TimeoutError", Message: "Job execution exceed the timeout of 5000"}))

	var raw []byte
	err = db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT errors FROM %sjobs WHERE id = ?", prefix), claimed[0].ID).Scan(&raw)
	require.NoError(t, err)

	var entries []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0]["at"]), "T")
	assert.Equal(t, "1", string(entries[0]["attempt"]))

	var detail domain.ErrorDetail
	require.NoError(t, json.Unmarshal(entries[0]["error"], &detail))
	assert.Equal(t, "TimeoutError", detail.Name)
}
