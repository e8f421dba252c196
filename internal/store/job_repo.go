package store

import (
	"time"
)

// JobStatus is where a scheduled session job stands.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts bounds how often an idle check is retried after a
// handler error before the job is left failed.
const DefaultJobMaxAttempts = 3

// JobKindSessionIdle ends a check-in once SESSION_IDLE_TIMEOUT passes
// without a turn. The payload is
// {"session_id", "turn_count"}; a session whose turn count moved on since
// scheduling is left alone. Jobs are deduplicated per session and turn
// ("idle:<session>:<turn>"), so a replayed turn never queues a second check.
const JobKindSessionIdle = "session_idle"

// Job is a persisted idle check. It outlives process restarts so a session
// abandoned mid-assessment is still closed and summarized.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo stores session jobs for the JobRunner. Both the SQLite and
// Postgres stores and the in-memory test store implement it.
type JobRepo interface {
	// EnqueueJob schedules a job at runAt. A live job with the same
	// dedupeKey wins: its ID is returned and nothing is inserted.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to
	// running and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	CompleteJob(id string) error

	// FailJob records errMsg. The job runs again at nextRunAt while attempts
	// remain and is failed for good after that.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// CancelJob drops a job that has not run yet.
	CancelJob(id string) error

	// RequeueStaleRunningJobs returns jobs claimed before staleBefore to the
	// queue. The runner calls it at startup after a crash.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	GetJob(id string) (*Job, error)
}
