package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrInvalidStatus indicates an unknown job status value.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidTransition indicates a status transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStyleRequired indicates a required style field is empty.
	ErrStyleRequired = errors.New("style is required")

	// ErrInvalidStyle indicates an unknown style preset name.
	ErrInvalidStyle = errors.New("invalid style: must be one of cinematic_drama, energetic_dance, luxe_travel, modern_minimal")

	// ErrClipCountInvalid indicates a clip count outside the allowed range.
	ErrClipCountInvalid = errors.New("clip_count must be at least 1")

	// ErrAudioWindowInvalid indicates an audio window that is not exactly the reel length.
	ErrAudioWindowInvalid = errors.New("audio window must be exactly 30 seconds")

	// ErrProgressOutOfRange indicates a progress value outside 0-100.
	ErrProgressOutOfRange = errors.New("progress must be between 0 and 100")

	// ErrArtifactNameRequired indicates a required artifact name field is empty.
	ErrArtifactNameRequired = errors.New("artifact name is required")

	// ErrBlobKeyRequired indicates a required blob key field is empty.
	ErrBlobKeyRequired = errors.New("blob_key is required")

	// ErrInvalidStage indicates an unknown pipeline stage name.
	ErrInvalidStage = errors.New("invalid stage name")

	// ErrInvalidContentKind indicates an unknown artifact content kind.
	ErrInvalidContentKind = errors.New("invalid content kind: must be video, audio, image or json")

	// ErrJobIDRequired indicates a required job ID field is zero.
	ErrJobIDRequired = errors.New("job_id is required")

	// ErrStatusRequired indicates a required status field is empty.
	ErrStatusRequired = errors.New("status is required")

	// ErrOutputArtifactMissing indicates a completed job without an output artifact.
	ErrOutputArtifactMissing = errors.New("completed job requires an output artifact")
)
