// Package jobs defines the archive job model and its persistence stores.
// A job record is mutated by exactly one worker (the claimer); stores only
// guarantee that claim exclusivity and that pollers see consistent snapshots.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the job payload.
type Kind string

const (
	KindExtract Kind = "archive_extract"
	KindZip     Kind = "archive_zip"
)

// State is the job lifecycle state. Unknown is never persisted; it is what
// status endpoints report when a record has been evicted or never existed.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Progress holds the monotonic counters reported to pollers.
type Progress struct {
	FilesDone  int64 `json:"files_done"`
	Total      int64 `json:"total"`
	BytesDone  int64 `json:"bytes_done"`
	BytesTotal int64 `json:"bytes_total"`
}

// JobError is a user-safe failure detail. Retryable marks transient backend
// failures worth re-submitting; gate refusals and path escapes are not.
type JobError struct {
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Job is one asynchronous archive operation.
type Job struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	State           State           `json:"state"`
	OwnerID         int             `json:"owner_id"`
	Payload         json.RawMessage `json:"payload"`
	Progress        Progress        `json:"progress"`
	SkippedSymlinks int64           `json:"skipped_symlinks,omitempty"`
	Errors          []JobError      `json:"errors,omitempty"`
	ResultItemID    string          `json:"result_item_id,omitempty"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// New creates a queued job with a fresh ID.
func New(kind Kind, ownerID int, payload json.RawMessage) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		State:     StateQueued,
		OwnerID:   ownerID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MergeProgress applies new counters. Counters never move backwards so
// pollers cannot observe a regression even across store round-trips.
func (j *Job) MergeProgress(p Progress) {
	if p.FilesDone > j.Progress.FilesDone {
		j.Progress.FilesDone = p.FilesDone
	}
	if p.Total > j.Progress.Total {
		j.Progress.Total = p.Total
	}
	if p.BytesDone > j.Progress.BytesDone {
		j.Progress.BytesDone = p.BytesDone
	}
	if p.BytesTotal > j.Progress.BytesTotal {
		j.Progress.BytesTotal = p.BytesTotal
	}
}

// Fail records the failure detail and moves the job to its terminal failed
// state. Calling Fail on an already-terminal job is a no-op.
func (j *Job) Fail(jobErr JobError) {
	if j.State.Terminal() {
		return
	}
	j.State = StateFailed
	j.Errors = append(j.Errors, jobErr)
	now := time.Now().UTC()
	j.FinishedAt = &now
}

// Complete moves the job to done. A no-op on terminal jobs.
func (j *Job) Complete() {
	if j.State.Terminal() {
		return
	}
	j.State = StateDone
	now := time.Now().UTC()
	j.FinishedAt = &now
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (j *Job) Clone() *Job {
	out := *j
	if j.Payload != nil {
		out.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Errors != nil {
		out.Errors = append([]JobError(nil), j.Errors...)
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		out.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}
