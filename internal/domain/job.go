package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// isoMillis is the wire format for timestamps embedded in the errors JSON
// column: ISO-8601 with millisecond precision, always UTC.
const isoMillis = "2006-01-02T15:04:05.000Z"

// ISOTime marshals as ISO-8601 with millisecond precision. Job error entries
// use it so the stored JSON is stable across processes and languages.
type ISOTime time.Time

func (t ISOTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(isoMillis))
}

func (t *ISOTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(isoMillis, s)
	if err != nil {
		// Older rows may carry full RFC 3339 offsets.
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
	}
	*t = ISOTime(parsed)
	return nil
}

func (t ISOTime) Time() time.Time { return time.Time(t) }

// FormatISOMillis renders t in the same wire format as ISOTime.
func FormatISOMillis(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ErrorDetail is the error object stored per failed attempt.
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// AttemptError is one entry of a job's append-only errors list.
type AttemptError struct {
	At      ISOTime     `json:"at"`
	Attempt int         `json:"attempt"`
	Error   ErrorDetail `json:"error"`
}

type Job struct {
	ID       string
	QueueID  string
	Name     string
	Payload  json.RawMessage
	Priority int

	Status     JobStatus
	CreatedAt  time.Time
	StartAfter time.Time

	RunningAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	Attempts int
	Errors   []AttemptError

	IdempotentKey   *string
	PendingDedupKey *string
	SequentialKey   *string
}

// NewJob describes a job to insert. Zero StartAfter means "runnable now".
type NewJob struct {
	Name            string
	Payload         json.RawMessage
	Priority        int
	StartAfter      time.Time
	IdempotentKey   *string
	PendingDedupKey *string
	SequentialKey   *string
}
