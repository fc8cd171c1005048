package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Stage identifies a pipeline step. Artifacts are keyed by the stage that
// produced them; uploads carry StageInput.
type Stage string

const (
	// StageInput marks artifacts uploaded by the user.
	StageInput Stage = "input"
	// StageAudioSlice extracts the 30 second soundtrack window.
	StageAudioSlice Stage = "audio_slice"
	// StageBeats runs the beat analyzer over the sliced audio.
	StageBeats Stage = "beats"
	// StagePlan runs the cut planner over the beat plan.
	StagePlan Stage = "plan"
	// StageNormalize conforms one clip to the vertical output format.
	StageNormalize Stage = "normalize"
	// StageCutAndConcat assembles the planned segments into one timeline.
	StageCutAndConcat Stage = "cut_and_concat"
	// StageStyleGrade applies the style preset's color grade.
	StageStyleGrade Stage = "style_grade"
	// StageMux combines the graded video with the sliced audio.
	StageMux Stage = "mux"
	// StageQualityGate verifies the finished reel against the output contract.
	StageQualityGate Stage = "quality_gate"
)

// PipelineStages lists the processing stages in DAG declaration order.
// StageInput is not part of the pipeline.
var PipelineStages = []Stage{
	StageAudioSlice,
	StageBeats,
	StagePlan,
	StageNormalize,
	StageCutAndConcat,
	StageStyleGrade,
	StageMux,
	StageQualityGate,
}

// IsValid returns true if the stage is a known stage name.
func (s Stage) IsValid() bool {
	if s == StageInput {
		return true
	}
	for _, stage := range PipelineStages {
		if stage == s {
			return true
		}
	}
	return false
}

// String returns the stage name.
func (s Stage) String() string {
	return string(s)
}

// ContentKind classifies an artifact's payload.
type ContentKind string

const (
	// ContentKindVideo marks a video artifact.
	ContentKindVideo ContentKind = "video"
	// ContentKindAudio marks an audio artifact.
	ContentKindAudio ContentKind = "audio"
	// ContentKindImage marks a still-image artifact.
	ContentKindImage ContentKind = "image"
	// ContentKindJSON marks a JSON document artifact such as a beat plan.
	ContentKindJSON ContentKind = "json"
)

// IsValid returns true if the content kind is known.
func (k ContentKind) IsValid() bool {
	switch k {
	case ContentKindVideo, ContentKindAudio, ContentKindImage, ContentKindJSON:
		return true
	}
	return false
}

// Canonical artifact names. Stage bodies address each other's outputs by
// these names, never by blob keys; the job service renames uploads to the
// canonical input names when it attaches them.
const (
	// InputAudioName is the job's audio track at stage input.
	InputAudioName = "soundtrack"
	// SlicedAudioName is the 30 second soundtrack window at stage audio_slice.
	SlicedAudioName = "sliced_audio"
	// BeatPlanName is the analyzer's JSON output at stage beats.
	BeatPlanName = "beat_plan"
	// SegmentsName is the planner's JSON output at stage plan.
	SegmentsName = "segments"
	// ConcatenatedName is the assembled silent timeline at stage cut_and_concat.
	ConcatenatedName = "concatenated"
	// GradedName is the color-graded timeline at stage style_grade.
	GradedName = "graded"
	// MuxedName is the finished reel at stage mux.
	MuxedName = "muxed"
)

// InputClipName returns the canonical name input clip i is stored under.
// Uploads are renamed on attach so clip order survives arbitrary filenames.
func InputClipName(i int) string {
	return fmt.Sprintf("clip_%d", i)
}

// NormalizedClipName returns the canonical name of clip i's conformed
// rendition produced by the normalize stage.
func NormalizedClipName(i int) string {
	return fmt.Sprintf("normalized_%d", i)
}

// Artifact is the metadata row for one stored blob. Uploads start unattached
// (nil JobID) and are linked to a job at creation time; every other artifact
// is written by a pipeline stage and owned by its job from the start.
type Artifact struct {
	BaseModel

	// JobID is the owning job. Nil for uploads that have not been attached
	// to a job yet; the reaper prunes those on its own horizon.
	JobID *ULID `gorm:"type:varchar(26);index;uniqueIndex:idx_artifacts_job_stage_name" json:"job_id,omitempty"`

	// Stage is the pipeline step that produced this artifact.
	Stage Stage `gorm:"not null;size:30;uniqueIndex:idx_artifacts_job_stage_name" json:"stage"`

	// Name is the artifact's filename within its job and stage.
	Name string `gorm:"not null;size:255;uniqueIndex:idx_artifacts_job_stage_name" json:"name"`

	// BlobKey locates the payload in the blob store.
	BlobKey string `gorm:"not null;size:512;index" json:"blob_key"`

	// Size is the payload size in bytes.
	Size int64 `gorm:"not null;default:0" json:"size"`

	// ContentKind classifies the payload.
	ContentKind ContentKind `gorm:"not null;size:20" json:"content_kind"`
}

// TableName returns the table name for Artifact.
func (Artifact) TableName() string {
	return "artifacts"
}

// IsAttached returns true if the artifact belongs to a job.
func (a *Artifact) IsAttached() bool {
	return a.JobID != nil && !a.JobID.IsZero()
}

// Ref returns the artifact's addressable name, {job_id}/{stage}/{name} for
// attached artifacts and {stage}/{name} for unattached uploads.
func (a *Artifact) Ref() string {
	if a.IsAttached() {
		return fmt.Sprintf("%s/%s/%s", a.JobID.String(), a.Stage, a.Name)
	}
	return fmt.Sprintf("%s/%s", a.Stage, a.Name)
}

// Validate performs basic validation on the artifact.
func (a *Artifact) Validate() error {
	if a.Name == "" {
		return ErrArtifactNameRequired
	}
	if a.BlobKey == "" {
		return ErrBlobKeyRequired
	}
	if !a.Stage.IsValid() {
		return ErrInvalidStage
	}
	if !a.ContentKind.IsValid() {
		return ErrInvalidContentKind
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the artifact and generates its ULID.
func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if err := a.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return a.Validate()
}

// BeforeUpdate is a GORM hook that validates the artifact before update.
func (a *Artifact) BeforeUpdate(tx *gorm.DB) error {
	return a.Validate()
}
