package pipeline

import (
	"sync"

	"github.com/reelforge/reelforge/internal/models"
)

// runState carries everything the stages of one run share. Fan-out siblings
// write concurrently, so all access goes through the mutex.
type runState struct {
	job     *models.Job
	style   models.Style
	scratch string

	mu        sync.Mutex
	artifacts map[string]*models.Artifact
	paths     map[string]string
	plan      *models.BeatPlan
	segments  []models.Segment
	output    *models.Artifact
}

func newRunState(job *models.Job, style models.Style, scratch string) *runState {
	return &runState{
		job:       job,
		style:     style,
		scratch:   scratch,
		artifacts: make(map[string]*models.Artifact),
		paths:     make(map[string]string),
	}
}

// putArtifact records a published artifact and its resolved blob path under
// its canonical name.
func (st *runState) putArtifact(name string, artifact *models.Artifact, path string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.artifacts[name] = artifact
	st.paths[name] = path
}

func (st *runState) artifact(name string) *models.Artifact {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.artifacts[name]
}

func (st *runState) artifactPath(name string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	path, ok := st.paths[name]
	return path, ok
}

func (st *runState) setBeatPlan(plan *models.BeatPlan) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.plan = plan
}

func (st *runState) beatPlan() *models.BeatPlan {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.plan
}

func (st *runState) setSegments(segments []models.Segment) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.segments = segments
}

func (st *runState) segmentsList() []models.Segment {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.segments
}

func (st *runState) setOutput(artifact *models.Artifact) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.output = artifact
}

func (st *runState) outputArtifact() *models.Artifact {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.output
}
