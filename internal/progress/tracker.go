// Package progress turns stage lifecycle events into job progress: a
// weighted percent and the current step label, persisted through the
// repository's monotonic guard and fanned out to subscribers for the SSE
// stream. DB writes are coalesced; subscribers see every accepted update.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/observability"
	"github.com/reelforge/reelforge/internal/pipeline"
	"github.com/reelforge/reelforge/internal/repository"
)

const (
	defaultFlushInterval = 250 * time.Millisecond

	// subscriberBuffer sizes each subscriber channel; a full run emits a few
	// dozen updates, slow consumers drop rather than block the pipeline.
	subscriberBuffer = 32
)

// stageWeights apportions the 100 points across the pipeline. The normalize
// weight is split evenly across the job's clips.
var stageWeights = map[models.Stage]int{
	models.StageAudioSlice:   10,
	models.StageBeats:        10,
	models.StagePlan:         5,
	models.StageNormalize:    25,
	models.StageCutAndConcat: 20,
	models.StageStyleGrade:   15,
	models.StageMux:          10,
	models.StageQualityGate:  5,
}

// Update is one accepted progress change.
type Update struct {
	JobID   models.ULID `json:"job_id"`
	Percent int         `json:"percent"`
	Step    string      `json:"step"`
}

// Subscriber receives updates for one job. Events is closed when the job
// detaches or the subscriber is removed.
type Subscriber struct {
	ID     string
	JobID  models.ULID
	Events chan Update
}

// Tracker accounts progress for running jobs. It implements
// pipeline.Reporter; the worker attaches a job at pickup and detaches it
// when the run ends.
type Tracker struct {
	jobs          repository.JobRepository
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu          sync.Mutex
	states      map[models.ULID]*jobState
	subscribers map[string]*Subscriber
}

type jobState struct {
	clipCount     int
	normalizeDone int
	stagesDone    map[models.Stage]bool

	step    string
	percent int

	lastWrite       time.Time
	lastWrittenStep string
}

// NewTracker creates a tracker writing through the given repository.
func NewTracker(jobs repository.JobRepository, flushInterval time.Duration, logger *slog.Logger) *Tracker {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		jobs:          jobs,
		flushInterval: flushInterval,
		logger:        observability.WithComponent(logger, "progress"),
		now:           time.Now,
		states:        make(map[models.ULID]*jobState),
		subscribers:   make(map[string]*Subscriber),
	}
}

// Attach starts tracking a job. Called by the worker at pickup, before the
// pipeline emits any event.
func (t *Tracker) Attach(jobID models.ULID, clipCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[jobID] = &jobState{
		clipCount:  clipCount,
		stagesDone: make(map[models.Stage]bool),
	}
}

// Detach stops tracking a job and closes its subscribers, ending their SSE
// streams.
func (t *Tracker) Detach(jobID models.ULID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, jobID)
	for id, sub := range t.subscribers {
		if sub.JobID == jobID {
			close(sub.Events)
			delete(t.subscribers, id)
		}
	}
}

// StageStarted implements pipeline.Reporter.
func (t *Tracker) StageStarted(ctx context.Context, jobID models.ULID, stage models.Stage) {
	t.apply(ctx, jobID, func(s *jobState) {
		s.step = string(stage)
	})
}

// StageDone implements pipeline.Reporter.
func (t *Tracker) StageDone(ctx context.Context, jobID models.ULID, stage models.Stage) {
	t.apply(ctx, jobID, func(s *jobState) {
		if stage == models.StageNormalize {
			if s.normalizeDone < s.clipCount {
				s.normalizeDone++
			}
			return
		}
		s.stagesDone[stage] = true
	})
}

// Subscribe registers a consumer for one job's updates.
func (t *Tracker) Subscribe(jobID models.ULID) *Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &Subscriber{
		ID:     models.NewULID().String(),
		JobID:  jobID,
		Events: make(chan Update, subscriberBuffer),
	}
	t.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// after Detach already removed it.
func (t *Tracker) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subscribers[id]; ok {
		close(sub.Events)
		delete(t.subscribers, id)
	}
}

// Snapshot returns the current progress of a tracked job.
func (t *Tracker) Snapshot(jobID models.ULID) (Update, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[jobID]
	if !ok {
		return Update{}, false
	}
	return Update{JobID: jobID, Percent: s.percent, Step: s.step}, true
}

// apply mutates a job's state and, when something actually changed, notifies
// subscribers and decides whether to write through. The DB sees at most one
// write per flush interval unless the step label changed or the job reached
// 100.
func (t *Tracker) apply(ctx context.Context, jobID models.ULID, mutate func(*jobState)) {
	t.mu.Lock()
	s, ok := t.states[jobID]
	if !ok {
		t.mu.Unlock()
		t.logger.DebugContext(ctx, "progress event for untracked job",
			slog.String("job_id", jobID.String()))
		return
	}

	prevStep, prevPercent := s.step, s.percent
	mutate(s)
	s.percent = s.computePercent()
	if s.step == prevStep && s.percent == prevPercent {
		t.mu.Unlock()
		return
	}

	update := Update{JobID: jobID, Percent: s.percent, Step: s.step}
	t.notifyLocked(update)

	write := update.Percent == 100 ||
		update.Step != s.lastWrittenStep ||
		t.now().Sub(s.lastWrite) >= t.flushInterval
	if write {
		s.lastWrite = t.now()
		s.lastWrittenStep = update.Step
	}
	t.mu.Unlock()

	if !write {
		return
	}
	accepted, err := t.jobs.UpdateProgress(ctx, jobID, update.Percent, update.Step)
	if err != nil {
		t.logger.WarnContext(ctx, "progress write failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !accepted {
		t.logger.DebugContext(ctx, "progress write rejected by monotonic guard",
			slog.String("job_id", jobID.String()),
			slog.Int("percent", update.Percent),
		)
	}
}

// notifyLocked fans an update out to the job's subscribers without blocking;
// a full channel drops the update for that subscriber only.
func (t *Tracker) notifyLocked(update Update) {
	for _, sub := range t.subscribers {
		if sub.JobID != update.JobID {
			continue
		}
		select {
		case sub.Events <- update:
		default:
			t.logger.Warn("subscriber channel full, dropping progress update",
				slog.String("subscriber_id", sub.ID),
				slog.String("job_id", update.JobID.String()),
			)
		}
	}
}

// computePercent derives the weighted percent from completed stages.
func (s *jobState) computePercent() int {
	p := 0
	for stage, weight := range stageWeights {
		if stage == models.StageNormalize {
			continue
		}
		if s.stagesDone[stage] {
			p += weight
		}
	}
	if s.clipCount > 0 {
		p += stageWeights[models.StageNormalize] * s.normalizeDone / s.clipCount
	}
	return p
}

var _ pipeline.Reporter = (*Tracker)(nil)
