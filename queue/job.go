// Package queue implements the job abstraction (component A), its two
// interchangeable backends (component B: an in-database polling queue and
// an external key/value-store queue), and the process-wide supervisor
// that owns their lifecycle (component C).
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of work, identified stably across retries.
type Job struct {
	ID         string
	Name       string
	Payload    json.RawMessage
	Attempts   int
	MaxAttempts int
	Priority   int
	RunAt      time.Time
	Key        string // deduplication key, empty if none
}

// AddOptions configures a single Queue.Add call.
type AddOptions struct {
	// Delay postpones the job's first eligible run time.
	Delay time.Duration
	// MaxAttempts bounds retries; both backends use 3 when it is unset.
	MaxAttempts int
	// Priority orders dequeue in the in-DB backend: lower values run
	// sooner. The kv-store backend stores it but orders ready jobs by run
	// time only.
	Priority int
	// DeduplicationKey, when non-empty, ensures at most one live job
	// with that key exists in the queue at a time.
	DeduplicationKey string
}

// Status is the uniform {waiting, active, completed, failed} shape both
// backends report.
type Status struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// Queue enqueues work for a named job family. Both backends implement
// this contract identically from the caller's perspective, apart from
// the Priority ordering noted on AddOptions.
type Queue interface {
	// Add enqueues a job. If opts.DeduplicationKey is set and a live job
	// with that key already exists, Add returns the existing Job without
	// creating a duplicate.
	Add(ctx context.Context, jobName string, payload any, opts AddOptions) (*Job, error)
	Status(ctx context.Context) (Status, error)
	Close() error
}

// ProcessFunc handles one job. Returning an error marks the attempt
// failed; the backend decides whether to retry based on MaxAttempts.
type ProcessFunc func(ctx context.Context, job *Job) error

// Worker polls a single queue name and invokes a registered processor for
// each job it dequeues, emitting the three observable events below.
type Worker interface {
	// Start begins processing. Calling Start more than once is a no-op;
	// the processor argument on a second call to Supervisor.Worker for
	// the same name is ignored there (per the supervisor's caching
	// contract), not here.
	Start(ctx context.Context) error
	Stop()
	OnCompleted(func(job *Job))
	OnFailed(func(job *Job, err error))
	OnError(func(err error))
}
