package models

import (
	"math"
	"time"

	"gorm.io/gorm"
)

// ReelDurationSec is the fixed output length of every generated reel in seconds.
// The audio window, the planner's segment timeline and the quality gate all key
// off this value.
const ReelDurationSec = 30.0

// ReelWidth and ReelHeight are the fixed output frame size. Every reel is
// 9:16 vertical; the normalize stage letterboxes sources into this frame
// and the quality gate verifies it on the way out.
const (
	ReelWidth  = 1080
	ReelHeight = 1920
)

// ReelFPS is the fixed output frame rate.
const ReelFPS = 30

// windowEpsilon absorbs float noise when comparing audio window bounds.
const windowEpsilon = 1e-6

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued and waiting for a worker.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusUploading indicates the job's inputs are still being assembled.
	JobStatusUploading JobStatus = "UPLOADING"
	// JobStatusProcessing indicates a worker is running the pipeline.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusCompleted indicates the job produced its output reel.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates the job failed permanently.
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusCancelled indicates the job was cancelled by the user.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// jobTransitions is the authoritative status transition table. Every status
// write goes through this table before it reaches the database; terminal
// statuses map to nil and are absorbing. PROCESSING -> PROCESSING is allowed
// so a worker can re-enter a job whose visibility timeout expired.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusUploading:  {JobStatusPending, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusCompleted:  nil,
	JobStatusFailed:     nil,
	JobStatusCancelled:  nil,
}

// IsValid returns true if the status is a known job status.
func (s JobStatus) IsValid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// IsTerminal returns true for absorbing statuses.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition returns true if the state machine allows moving from one
// status to another.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies a job failure. The worker consults Retryable to decide
// between a delayed redelivery and a permanent FAILED transition.
type ErrorKind string

const (
	// ErrorKindInvalidInput indicates validation failed at job creation.
	ErrorKindInvalidInput ErrorKind = "InvalidInput"
	// ErrorKindStorageUnavailable indicates the metadata or blob store was unreachable.
	ErrorKindStorageUnavailable ErrorKind = "StorageUnavailable"
	// ErrorKindTransientTool indicates a tool failure worth retrying, including timeouts.
	ErrorKindTransientTool ErrorKind = "TransientTool"
	// ErrorKindFatalTool indicates a deterministic tool failure.
	ErrorKindFatalTool ErrorKind = "FatalTool"
	// ErrorKindAnalysisFailed indicates the beat analyzer could not produce a plan.
	ErrorKindAnalysisFailed ErrorKind = "AnalysisFailed"
	// ErrorKindPlanInfeasible indicates the cut planner could not produce a segment set.
	ErrorKindPlanInfeasible ErrorKind = "PlanInfeasible"
	// ErrorKindQualityGateFailed indicates the output failed the final check.
	ErrorKindQualityGateFailed ErrorKind = "QualityGateFailed"
	// ErrorKindCancelled indicates the job was cancelled by the user.
	ErrorKindCancelled ErrorKind = "Cancelled"
)

// Retryable returns true for error kinds where a later attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindStorageUnavailable, ErrorKindTransientTool:
		return true
	}
	return false
}

// JobError is the structured failure report persisted with a FAILED job.
type JobError struct {
	Kind      ErrorKind `gorm:"size:50" json:"kind,omitempty"`
	Stage     Stage     `gorm:"size:50" json:"stage,omitempty"`
	Message   string    `gorm:"size:4096" json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// IsZero returns true if no error has been recorded.
func (e JobError) IsZero() bool {
	return e.Kind == ""
}

// Job represents one reel-generation request from creation to its terminal
// status. Workers coordinate exclusively through guarded status transitions
// on this row; there is no other cross-worker shared state.
type Job struct {
	BaseModel

	// Status indicates the current lifecycle state of the job.
	Status JobStatus `gorm:"not null;default:'PENDING';size:20;index" json:"status"`

	// Style is the preset governing transitions and color grade.
	Style StyleName `gorm:"not null;size:50" json:"style"`

	// ClipCount is the number of input clips the reel is cut from.
	ClipCount int `gorm:"not null" json:"clip_count"`

	// AudioStartSec and AudioEndSec bound the soundtrack window within the
	// uploaded audio. The window is always exactly ReelDurationSec long.
	AudioStartSec float64 `json:"audio_start_sec"`
	AudioEndSec   float64 `json:"audio_end_sec"`

	// Progress is the completion percentage, 0-100. Monotonic: the
	// repository's guarded update rejects any write that would decrease it.
	Progress int `gorm:"not null;default:0" json:"progress"`

	// CurrentStep is a short human label of the active stage.
	CurrentStep string `gorm:"size:255" json:"current_step,omitempty"`

	// StartedAt is the timestamp of the first worker pickup.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is the timestamp of the terminal transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationMs is the wall-clock time from first pickup to terminal status.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// AttemptCount is incremented on every worker pickup.
	AttemptCount int `gorm:"default:0" json:"attempt_count"`

	// MaxAttempts bounds whole-job retries for retryable failures.
	MaxAttempts int `gorm:"default:2" json:"max_attempts"`

	// LastPickupAt is the timestamp of the most recent worker lease. The
	// scheduler uses it to re-enqueue jobs whose worker died mid-run.
	LastPickupAt *time.Time `gorm:"index" json:"last_pickup_at,omitempty"`

	// PickedUpBy is the worker ID holding the current lease.
	PickedUpBy string `gorm:"size:100" json:"picked_up_by,omitempty"`

	// Error is the structured failure report; zero unless the job failed.
	Error JobError `gorm:"embedded;embeddedPrefix:error_" json:"error"`

	// OutputArtifactID references the final reel. Non-nil iff COMPLETED.
	OutputArtifactID *ULID `gorm:"type:varchar(26)" json:"output_artifact_id,omitempty"`

	// RetentionDeadline is the timestamp after which the reaper may delete
	// this job and everything it owns.
	RetentionDeadline *time.Time `gorm:"index" json:"retention_deadline,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// NewJob creates a pending job for the given style, clip count and audio window.
func NewJob(style StyleName, clipCount int, audioStartSec, audioEndSec float64) *Job {
	return &Job{
		Status:        JobStatusPending,
		Style:         style,
		ClipCount:     clipCount,
		AudioStartSec: audioStartSec,
		AudioEndSec:   audioEndSec,
		MaxAttempts:   2,
	}
}

// IsTerminal returns true if the job reached an absorbing status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsPending returns true if the job is waiting for a worker.
func (j *Job) IsPending() bool {
	return j.Status == JobStatusPending
}

// IsProcessing returns true if a worker holds the job.
func (j *Job) IsProcessing() bool {
	return j.Status == JobStatusProcessing
}

// CanTransitionTo returns true if the state machine allows moving this job
// to the given status.
func (j *Job) CanTransitionTo(to JobStatus) bool {
	return CanTransition(j.Status, to)
}

// CanRetry returns true if another whole-job attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.AttemptCount < j.MaxAttempts
}

// WindowDurationSec returns the length of the audio window.
func (j *Job) WindowDurationSec() float64 {
	return j.AudioEndSec - j.AudioStartSec
}

// MarkPickedUp records a worker lease: PROCESSING status, incremented attempt
// count and a fresh pickup timestamp. The caller must persist it through the
// repository's guarded transition so a racing worker loses cleanly.
func (j *Job) MarkPickedUp(workerID string) {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.AttemptCount++
	j.LastPickupAt = &now
	j.PickedUpBy = workerID
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
}

// MarkCompleted records a successful run with its output artifact.
func (j *Job) MarkCompleted(outputID ULID) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.Progress = 100
	j.CurrentStep = "done"
	j.OutputArtifactID = &outputID
	j.Error = JobError{}
	j.PickedUpBy = ""

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// MarkFailed records a permanent failure with its structured error.
func (j *Job) MarkFailed(jobErr JobError) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.Error = jobErr
	j.PickedUpBy = ""

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// MarkCancelled records a user-initiated cancellation.
func (j *Job) MarkCancelled() {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	j.Error = JobError{Kind: ErrorKindCancelled}
	j.PickedUpBy = ""

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// NextRetryDelay returns the redelivery delay for the next attempt.
// Uses exponential backoff: base * 2^(attemptCount-1), capped at max.
func (j *Job) NextRetryDelay(base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}

	// Ensure attemptCount is at least 1 to avoid negative shift
	attempts := j.AttemptCount
	if attempts < 1 {
		attempts = 1
	}

	multiplier := 1 << (attempts - 1) // 2^(attempts-1)
	if multiplier < 1 {
		multiplier = 1
	}

	delay := base * time.Duration(multiplier)
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// Validate performs basic validation on the job.
func (j *Job) Validate() error {
	if j.Status == "" {
		return ErrStatusRequired
	}
	if !j.Status.IsValid() {
		return ErrInvalidStatus
	}
	if j.Style == "" {
		return ErrStyleRequired
	}
	if !j.Style.IsValid() {
		return ErrInvalidStyle
	}
	if j.ClipCount < 1 {
		return ErrClipCountInvalid
	}
	if math.Abs(j.WindowDurationSec()-ReelDurationSec) > windowEpsilon || j.AudioStartSec < 0 {
		return ErrAudioWindowInvalid
	}
	if j.Progress < 0 || j.Progress > 100 {
		return ErrProgressOutOfRange
	}
	if j.Status == JobStatusCompleted && j.OutputArtifactID == nil {
		return ErrOutputArtifactMissing
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job and generates its ULID.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return j.Validate()
}

// BeforeUpdate is a GORM hook that validates the job before update.
func (j *Job) BeforeUpdate(tx *gorm.DB) error {
	return j.Validate()
}
