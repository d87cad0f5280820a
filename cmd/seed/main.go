// seed creates the demo queues and enqueues a batch of jobs against the
// local dev database. Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/askarbek/duraq"
)

type jobSpec struct {
	name          string
	priority      int
	idempotentKey string
	sequentialKey string
	delay         time.Duration
}

var jobs = []jobSpec{
	// Immediate, mixed priority — claim order is creation order first,
	// priority second.
	{name: "send-welcome", priority: 1},
	{name: "send-welcome", priority: 3},
	{name: "send-welcome", priority: 2},

	// Idempotent re-runs of seed collapse to one row each.
	{name: "daily-report", idempotentKey: "report-2026-08-24"},
	{name: "daily-report", idempotentKey: "report-2026-08-24"},

	// Per-user ordering on the sequential queue.
	{name: "sync-account", sequentialKey: "user:42"},
	{name: "sync-account", sequentialKey: "user:42"},
	{name: "sync-account", sequentialKey: "user:42"},
	{name: "sync-account", sequentialKey: "user:7"},
	{name: "sync-account"},

	// Deferred.
	{name: "send-reminder", delay: time.Minute},
	{name: "send-reminder", delay: 2 * time.Minute},
}

func main() {
	ctx := context.Background()

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		log.Fatal("DATABASE_DSN is not set — run: direnv allow")
	}

	client, err := duraq.Open(ctx, duraq.Options{DSN: dsn, RescuerDisabled: true})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer client.Close(ctx)

	if _, err := client.CreateQueue(ctx, "demo", duraq.QueueOptions{}); err != nil {
		log.Fatalf("create demo queue: %v", err)
	}
	if _, err := client.CreateQueue(ctx, "demo-sequential", duraq.QueueOptions{Sequential: true}); err != nil {
		log.Fatalf("create sequential queue: %v", err)
	}

	var inserted, deduplicated int
	for i, spec := range jobs {
		payload, _ := json.Marshal(map[string]any{"seed": i})
		job := duraq.NewJob{
			Name:     spec.name,
			Payload:  payload,
			Priority: spec.priority,
		}
		if spec.idempotentKey != "" {
			key := spec.idempotentKey
			job.IdempotentKey = &key
		}
		if spec.sequentialKey != "" {
			key := spec.sequentialKey
			job.SequentialKey = &key
		}
		if spec.delay > 0 {
			job.StartAfter = time.Now().Add(spec.delay)
		}

		queue := "demo"
		if spec.sequentialKey != "" || spec.name == "sync-account" {
			queue = "demo-sequential"
		}

		res, err := client.Enqueue(ctx, queue, job)
		if err != nil {
			log.Fatalf("enqueue %s: %v", spec.name, err)
		}
		inserted += res.Inserted
		deduplicated += res.Deduplicated
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs created:  %d  (deduplicated %d)\n", inserted, deduplicated)
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  go run ./cmd/worker   # drains the demo queue")
	fmt.Println()
	fmt.Println("  What to expect:")
	fmt.Println("    send-welcome     →  three runs, priority 3 first within the same instant")
	fmt.Println("    daily-report     →  one run only (idempotent key collapsed the second)")
	fmt.Println("    sync-account     →  user:42 jobs never overlap; the keyless one may")
	fmt.Println("    send-reminder    →  runs after its startAfter delay")
}
