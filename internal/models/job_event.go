package models

// JobEvent records one status transition for diagnosis. Rows are append
// only; the reaper removes them together with their job.
type JobEvent struct {
	BaseModel

	// JobID is the job this event belongs to.
	JobID ULID `gorm:"not null;index" json:"job_id"`

	// FromStatus is the status before the transition. Empty for creation.
	FromStatus JobStatus `gorm:"size:20" json:"from_status,omitempty"`

	// ToStatus is the status after the transition.
	ToStatus JobStatus `gorm:"not null;size:20" json:"to_status"`

	// Attempt is the job's attempt count at the time of the transition.
	Attempt int `json:"attempt"`

	// Note carries optional context such as the worker ID or error kind.
	Note string `gorm:"size:1024" json:"note,omitempty"`
}

// TableName returns the table name for JobEvent.
func (JobEvent) TableName() string {
	return "job_events"
}

// NewJobEvent creates a transition record for the given job.
func NewJobEvent(jobID ULID, from, to JobStatus, attempt int, note string) *JobEvent {
	return &JobEvent{
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		Attempt:    attempt,
		Note:       note,
	}
}
