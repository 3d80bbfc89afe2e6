package imager

import (
	"errors"
	"sync"
	"time"
)

// Stage is the imaging state machine position. Transitions only move forward
// within one job: idle -> wiping -> writing -> syncing -> done, with error
// reachable from any non-idle stage. A new job resets to wiping only after a
// terminal stage.
type Stage string

const (
	StageIdle    Stage = "idle"
	StageWiping  Stage = "wiping"
	StageWriting Stage = "writing"
	StageSyncing Stage = "syncing"
	StageDone    Stage = "done"
	StageError   Stage = "error"
)

// Terminal reports whether a stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageError
}

// ErrBusy is returned when a write is requested while a job is active.
// Requests are rejected, never queued: concurrent writes to one device are
// unsafe and queuing would hide operator intent.
var ErrBusy = errors.New("imaging job already in progress")

// Snapshot is a point-in-time copy of the job state, safe to serialize.
type Snapshot struct {
	JobID        string    `json:"job_id,omitempty"`
	Stage        Stage     `json:"stage"`
	Percent      int       `json:"percent"`
	BytesWritten int64     `json:"bytes_written"`
	BytesTotal   int64     `json:"bytes_total,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
}

// Job is the single-slot imaging job record. All mutation goes through its
// methods; the mutex is held only for the copy, never across I/O.
type Job struct {
	mu     sync.Mutex
	active bool
	snap   Snapshot
}

// NewJob returns an idle job slot.
func NewJob() *Job {
	return &Job{snap: Snapshot{Stage: StageIdle}}
}

// Begin claims the slot for a new job. It fails with ErrBusy unless the
// current stage is idle or terminal.
func (j *Job) Begin(jobID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active {
		return ErrBusy
	}

	j.active = true
	j.snap = Snapshot{
		JobID:     jobID,
		Stage:     StageWiping,
		Percent:   0,
		StartedAt: time.Now().UTC(),
	}
	return nil
}

// Snapshot returns a copy of the current state. Always available, including
// before any job has run.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

// Update advances stage, percent and message. Percent never decreases within
// a job; stale or out-of-order updates are clamped.
func (j *Job) Update(stage Stage, percent int, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if percent < j.snap.Percent {
		percent = j.snap.Percent
	}
	if percent > 100 {
		percent = 100
	}

	j.snap.Stage = stage
	j.snap.Percent = percent
	j.snap.Message = message
}

// SetTotal records the expected decompressed byte count, when known.
func (j *Job) SetTotal(total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.BytesTotal = total
}

// AddBytes accumulates written bytes and updates the percent estimate for the
// writing stage (10-95%). With an unknown total the percent holds while the
// byte count advances.
func (j *Job) AddBytes(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.snap.BytesWritten += n
	if j.snap.BytesTotal > 0 {
		percent := 10 + int(int64(85)*j.snap.BytesWritten/j.snap.BytesTotal)
		if percent > 95 {
			percent = 95
		}
		if percent > j.snap.Percent {
			j.snap.Percent = percent
		}
	}
}

// Finish moves the job to done and releases the slot.
func (j *Job) Finish(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.snap.Stage = StageDone
	j.snap.Percent = 100
	j.snap.Message = message
	j.active = false
}

// Fail moves the job to error with a retained operator-readable message and
// releases the slot. The job is never retried automatically.
func (j *Job) Fail(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.snap.Stage = StageError
	j.snap.Error = message
	j.snap.Message = message
	j.active = false
}
