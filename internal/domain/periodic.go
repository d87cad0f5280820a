package domain

import (
	"encoding/json"
	"time"
)

// CatchUpStrategy decides what happens with runs missed while no engine was
// scheduling a periodic definition.
type CatchUpStrategy string

const (
	// CatchUpNone drops missed runs.
	CatchUpNone CatchUpStrategy = "none"
	// CatchUpLatest enqueues a single job for the latest missed instant.
	CatchUpLatest CatchUpStrategy = "latest"
	// CatchUpAll enqueues every missed run in chronological order, capped
	// at the definition's MaxCatchUp.
	CatchUpAll CatchUpStrategy = "all"
)

// PeriodicDefinition is the registered description of a recurring enqueue.
type PeriodicDefinition struct {
	Name                 string          `json:"name"`
	Queue                string          `json:"queue"`
	CronExpr             string          `json:"cronExpr"`
	JobName              string          `json:"jobName"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Priority             int             `json:"priority,omitempty"`
	CatchUp              CatchUpStrategy `json:"catchUp,omitempty"`
	MaxCatchUp           int             `json:"maxCatchUp,omitempty"`
	IncludeScheduledTime bool            `json:"includeScheduledTime,omitempty"`
}

// PeriodicState is the persisted scheduling position of a definition.
type PeriodicState struct {
	Name       string
	Definition json.RawMessage
	LastRunAt  *time.Time
	NextRunAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
