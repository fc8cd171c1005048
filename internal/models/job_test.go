package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_TableName(t *testing.T) {
	job := Job{}
	assert.Equal(t, "jobs", job.TableName())
}

func TestJobEvent_TableName(t *testing.T) {
	event := JobEvent{}
	assert.Equal(t, "job_events", event.TableName())
}

func TestJob_JobStatuses(t *testing.T) {
	// Verify job status constants are correct
	assert.Equal(t, JobStatus("PENDING"), JobStatusPending)
	assert.Equal(t, JobStatus("UPLOADING"), JobStatusUploading)
	assert.Equal(t, JobStatus("PROCESSING"), JobStatusProcessing)
	assert.Equal(t, JobStatus("COMPLETED"), JobStatusCompleted)
	assert.Equal(t, JobStatus("FAILED"), JobStatusFailed)
	assert.Equal(t, JobStatus("CANCELLED"), JobStatusCancelled)
}

func TestJobStatus_IsValid(t *testing.T) {
	for _, s := range []JobStatus{
		JobStatusPending, JobStatusUploading, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
	} {
		assert.True(t, s.IsValid(), "%s should be valid", s)
	}

	assert.False(t, JobStatus("RUNNING").IsValid())
	assert.False(t, JobStatus("").IsValid())
	assert.False(t, JobStatus("pending").IsValid(), "statuses are case sensitive")
}

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusPending, false},
		{JobStatusUploading, false},
		{JobStatusProcessing, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to processing", JobStatusPending, JobStatusProcessing, true},
		{"pending to completed", JobStatusPending, JobStatusCompleted, true},
		{"pending to failed", JobStatusPending, JobStatusFailed, true},
		{"pending to cancelled", JobStatusPending, JobStatusCancelled, true},
		{"pending to uploading", JobStatusPending, JobStatusUploading, false},
		{"pending to pending", JobStatusPending, JobStatusPending, false},

		{"uploading to pending", JobStatusUploading, JobStatusPending, true},
		{"uploading to cancelled", JobStatusUploading, JobStatusCancelled, true},
		{"uploading to processing", JobStatusUploading, JobStatusProcessing, false},
		{"uploading to completed", JobStatusUploading, JobStatusCompleted, false},

		{"processing re-entry after visibility expiry", JobStatusProcessing, JobStatusProcessing, true},
		{"processing to completed", JobStatusProcessing, JobStatusCompleted, true},
		{"processing to failed", JobStatusProcessing, JobStatusFailed, true},
		{"processing to cancelled", JobStatusProcessing, JobStatusCancelled, true},
		{"processing to pending", JobStatusProcessing, JobStatusPending, false},

		{"completed is absorbing", JobStatusCompleted, JobStatusProcessing, false},
		{"completed to failed", JobStatusCompleted, JobStatusFailed, false},
		{"completed to cancelled", JobStatusCompleted, JobStatusCancelled, false},
		{"failed is absorbing", JobStatusFailed, JobStatusPending, false},
		{"failed to processing", JobStatusFailed, JobStatusProcessing, false},
		{"cancelled is absorbing", JobStatusCancelled, JobStatusProcessing, false},
		{"cancelled to completed", JobStatusCancelled, JobStatusCompleted, false},

		{"unknown from", JobStatus("RUNNING"), JobStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))

			job := &Job{Status: tt.from}
			assert.Equal(t, tt.allowed, job.CanTransitionTo(tt.to))
		})
	}
}

func TestJob_StatusChecks(t *testing.T) {
	tests := []struct {
		name         string
		status       JobStatus
		isPending    bool
		isProcessing bool
		isTerminal   bool
	}{
		{"pending", JobStatusPending, true, false, false},
		{"uploading", JobStatusUploading, false, false, false},
		{"processing", JobStatusProcessing, false, true, false},
		{"completed", JobStatusCompleted, false, false, true},
		{"failed", JobStatusFailed, false, false, true},
		{"cancelled", JobStatusCancelled, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Status: tt.status}
			assert.Equal(t, tt.isPending, job.IsPending(), "IsPending")
			assert.Equal(t, tt.isProcessing, job.IsProcessing(), "IsProcessing")
			assert.Equal(t, tt.isTerminal, job.IsTerminal(), "IsTerminal")
		})
	}
}

func TestJob_CanRetry(t *testing.T) {
	tests := []struct {
		name         string
		attemptCount int
		maxAttempts  int
		want         bool
	}{
		{"first attempt pending", 0, 2, true},
		{"one attempt used", 1, 2, true},
		{"attempts exhausted", 2, 2, false},
		{"over the limit", 3, 2, false},
		{"no attempts allowed", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{AttemptCount: tt.attemptCount, MaxAttempts: tt.maxAttempts}
			assert.Equal(t, tt.want, job.CanRetry())
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{ErrorKindInvalidInput, false},
		{ErrorKindStorageUnavailable, true},
		{ErrorKindTransientTool, true},
		{ErrorKindFatalTool, false},
		{ErrorKindAnalysisFailed, false},
		{ErrorKindPlanInfeasible, false},
		{ErrorKindQualityGateFailed, false},
		{ErrorKindCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.kind.Retryable())
		})
	}
}

func TestJobError_IsZero(t *testing.T) {
	assert.True(t, JobError{}.IsZero())
	assert.False(t, JobError{Kind: ErrorKindFatalTool}.IsZero())
}

func TestNewJob(t *testing.T) {
	job := NewJob(StyleEnergeticDance, 3, 12.5, 42.5)

	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, StyleEnergeticDance, job.Style)
	assert.Equal(t, 3, job.ClipCount)
	assert.Equal(t, 12.5, job.AudioStartSec)
	assert.Equal(t, 42.5, job.AudioEndSec)
	assert.Equal(t, 2, job.MaxAttempts)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Equal(t, 0, job.Progress)
	assert.NoError(t, job.Validate())
}

func TestJob_MarkPickedUp(t *testing.T) {
	job := NewJob(StyleCinematicDrama, 2, 0, 30)

	job.MarkPickedUp("worker-1")

	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, "worker-1", job.PickedUpBy)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.LastPickupAt)

	// A second pickup keeps the original start time
	firstStart := *job.StartedAt
	time.Sleep(time.Millisecond)
	job.MarkPickedUp("worker-2")

	assert.Equal(t, 2, job.AttemptCount)
	assert.Equal(t, "worker-2", job.PickedUpBy)
	assert.Equal(t, firstStart, *job.StartedAt)
	assert.True(t, job.LastPickupAt.After(firstStart) || job.LastPickupAt.Equal(firstStart))
}

func TestJob_MarkCompleted(t *testing.T) {
	job := NewJob(StyleLuxeTravel, 2, 0, 30)
	job.MarkPickedUp("worker-1")
	job.Error = JobError{Kind: ErrorKindTransientTool, Message: "earlier attempt"}

	// Wait a tiny bit to ensure duration is measurable
	time.Sleep(time.Millisecond)
	outputID := NewULID()
	job.MarkCompleted(outputID)

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.OutputArtifactID)
	assert.Equal(t, outputID, *job.OutputArtifactID)
	assert.True(t, job.Error.IsZero(), "completion clears a stale error")
	assert.Empty(t, job.PickedUpBy)
	assert.GreaterOrEqual(t, job.DurationMs, int64(0))
	assert.NoError(t, job.Validate())
}

func TestJob_MarkFailed(t *testing.T) {
	job := NewJob(StyleModernMinimal, 2, 0, 30)
	job.MarkPickedUp("worker-1")

	job.MarkFailed(JobError{
		Kind:    ErrorKindFatalTool,
		Stage:   StageMux,
		Message: "ffmpeg exited 1: invalid stream mapping",
	})

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, ErrorKindFatalTool, job.Error.Kind)
	assert.Equal(t, StageMux, job.Error.Stage)
	assert.False(t, job.Error.Retryable)
	assert.Empty(t, job.PickedUpBy)
	assert.Nil(t, job.OutputArtifactID)
}

func TestJob_MarkCancelled(t *testing.T) {
	job := NewJob(StyleCinematicDrama, 1, 0, 30)
	job.MarkPickedUp("worker-1")

	job.MarkCancelled()

	assert.Equal(t, JobStatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, ErrorKindCancelled, job.Error.Kind)
	assert.Empty(t, job.PickedUpBy)
}

func TestJob_NextRetryDelay(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute

	tests := []struct {
		name         string
		attemptCount int
		want         time.Duration
	}{
		{"first attempt", 1, 30 * time.Second},
		{"second attempt doubles", 2, 60 * time.Second},
		{"third attempt quadruples", 3, 120 * time.Second},
		{"delay capped at max", 10, 10 * time.Minute},
		{"zero attempts treated as first", 0, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{AttemptCount: tt.attemptCount}
			assert.Equal(t, tt.want, job.NextRetryDelay(base, max))
		})
	}

	t.Run("zero base falls back to default", func(t *testing.T) {
		job := &Job{AttemptCount: 1}
		assert.Equal(t, 30*time.Second, job.NextRetryDelay(0, max))
	})
}

func TestJob_WindowDurationSec(t *testing.T) {
	job := NewJob(StyleCinematicDrama, 2, 15, 45)
	assert.InDelta(t, 30.0, job.WindowDurationSec(), 1e-9)
}

func TestJob_Validate(t *testing.T) {
	valid := func() *Job {
		return NewJob(StyleCinematicDrama, 2, 10, 40)
	}

	tests := []struct {
		name    string
		mutate  func(*Job)
		wantErr error
	}{
		{"valid job", func(j *Job) {}, nil},
		{"missing status", func(j *Job) { j.Status = "" }, ErrStatusRequired},
		{"unknown status", func(j *Job) { j.Status = "RUNNING" }, ErrInvalidStatus},
		{"missing style", func(j *Job) { j.Style = "" }, ErrStyleRequired},
		{"unknown style", func(j *Job) { j.Style = "vaporwave" }, ErrInvalidStyle},
		{"zero clip count", func(j *Job) { j.ClipCount = 0 }, ErrClipCountInvalid},
		{"short audio window", func(j *Job) { j.AudioEndSec = j.AudioStartSec + 29 }, ErrAudioWindowInvalid},
		{"negative window start", func(j *Job) { j.AudioStartSec = -1; j.AudioEndSec = 29 }, ErrAudioWindowInvalid},
		{"progress over 100", func(j *Job) { j.Progress = 101 }, ErrProgressOutOfRange},
		{"negative progress", func(j *Job) { j.Progress = -1 }, ErrProgressOutOfRange},
		{"completed without output", func(j *Job) { j.Status = JobStatusCompleted }, ErrOutputArtifactMissing},
		{"completed with output", func(j *Job) {
			j.Status = JobStatusCompleted
			j.OutputArtifactID = ULIDPtr(NewULID())
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid()
			tt.mutate(job)
			err := job.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewJobEvent(t *testing.T) {
	jobID := NewULID()
	event := NewJobEvent(jobID, JobStatusPending, JobStatusProcessing, 1, "worker-1")

	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, JobStatusPending, event.FromStatus)
	assert.Equal(t, JobStatusProcessing, event.ToStatus)
	assert.Equal(t, 1, event.Attempt)
	assert.Equal(t, "worker-1", event.Note)
}

func TestJob_Integration(t *testing.T) {
	// Integration test: simulate a retried job lifecycle
	job := NewJob(StyleEnergeticDance, 3, 5, 35)
	require.NoError(t, job.Validate())
	require.True(t, job.IsPending())

	// First pickup
	require.True(t, job.CanTransitionTo(JobStatusProcessing))
	job.MarkPickedUp("worker-1")
	require.True(t, job.IsProcessing())
	require.Equal(t, 1, job.AttemptCount)

	// First attempt hits a transient failure; attempts remain, so the worker
	// leaves the row PROCESSING and redelivers with backoff
	require.True(t, job.CanRetry())
	require.Equal(t, 30*time.Second, job.NextRetryDelay(30*time.Second, 10*time.Minute))

	// Redelivery re-enters PROCESSING
	require.True(t, job.CanTransitionTo(JobStatusProcessing))
	job.MarkPickedUp("worker-2")
	require.Equal(t, 2, job.AttemptCount)
	require.False(t, job.CanRetry(), "second attempt is the last")

	// Second attempt succeeds
	require.True(t, job.CanTransitionTo(JobStatusCompleted))
	job.MarkCompleted(NewULID())
	require.True(t, job.IsTerminal())
	require.NoError(t, job.Validate())

	// Terminal status is absorbing
	require.False(t, job.CanTransitionTo(JobStatusProcessing))
	require.False(t, job.CanTransitionTo(JobStatusCancelled))
}
