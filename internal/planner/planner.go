// Package planner turns a beat plan into the segment list the concat stage
// assembles. Boundaries prefer strong cut candidates, fall back to nearby
// beats and finally to the evenly spaced ideal; identical inputs always
// produce identical plans.
package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/observability"
)

// ErrPlanInfeasible marks inputs no coherent segment set exists for. The
// stage runner reports it as fatal.
var ErrPlanInfeasible = errors.New("cut plan infeasible")

// boundEpsilon absorbs float noise in the strictly-increasing guard.
const boundEpsilon = 1e-9

// Planner chooses segment boundaries on the reel timeline.
type Planner struct {
	maxClipCount int
	logger       *slog.Logger
}

// NewPlanner creates a planner that accepts 1..maxClipCount clips.
func NewPlanner(maxClipCount int, logger *slog.Logger) *Planner {
	return &Planner{
		maxClipCount: maxClipCount,
		logger:       observability.WithComponent(logger, "planner"),
	}
}

// Plan derives one segment per clip. The target length is an even split of
// the reel; each interior boundary snaps to the best cut candidate within
// a quarter target length, else the nearest beat within half, else stays
// on the grid. A snap that would not keep boundaries strictly increasing
// falls back to the grid too. The style assigns every non-final boundary
// transition; overlap durations are capped at half the shorter adjacent
// span, in whole milliseconds rounded down.
func (p *Planner) Plan(beatPlan *models.BeatPlan, clipCount int, style models.Style) ([]models.Segment, error) {
	if clipCount < 1 {
		return nil, fmt.Errorf("%w: clip_count %d must be at least 1", ErrPlanInfeasible, clipCount)
	}
	if clipCount > p.maxClipCount {
		return nil, fmt.Errorf("%w: clip_count %d exceeds the limit of %d", ErrPlanInfeasible, clipCount, p.maxClipCount)
	}
	if beatPlan == nil {
		return nil, fmt.Errorf("%w: no beat plan", ErrPlanInfeasible)
	}

	targetLen := models.ReelDurationSec / float64(clipCount)

	// Candidate order decides snap ties, so sort a copy rather than trust
	// the stored artifact.
	cands := make([]models.CutCandidate, len(beatPlan.CutCandidates))
	copy(cands, beatPlan.CutCandidates)
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].TimeSec < cands[j].TimeSec
	})

	bounds := make([]float64, clipCount+1)
	bounds[clipCount] = models.ReelDurationSec
	for k := 1; k < clipCount; k++ {
		ideal := float64(k) * targetLen
		t := snapBoundary(cands, beatPlan.Beats, ideal, targetLen)
		if t <= bounds[k-1]+boundEpsilon {
			t = ideal
		}
		bounds[k] = t
	}

	segments := make([]models.Segment, clipCount)
	for i := range segments {
		span := bounds[i+1] - bounds[i]

		transition := models.Transition{Kind: models.TransitionHardCut}
		if i < clipCount-1 {
			transition = boundaryTransition(style, span, bounds[i+2]-bounds[i+1])
		}

		// The normalized clip is exactly targetLen long, so the slice tops
		// out there; the concat stage freeze-pads any shortfall.
		sourceOut := span + transition.DurationSec()
		if sourceOut > targetLen {
			sourceOut = targetLen
		}

		segments[i] = models.Segment{
			Index:              i,
			SourceArtifactName: models.NormalizedClipName(i),
			SourceOutSec:       sourceOut,
			TargetOutSec:       bounds[i+1],
			TransitionOut:      transition,
		}
	}

	if err := models.ValidateSegments(segments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanInfeasible, err)
	}

	p.logger.Debug("cut plan ready",
		slog.Int("segments", len(segments)),
		slog.String("style", string(style.Name)))

	return segments, nil
}

// snapBoundary picks the boundary for one grid point: the best-scoring
// candidate within a quarter target length, else the nearest beat within
// half, else the grid point itself. Candidates must already be sorted by
// descending score, ties by earlier time.
func snapBoundary(cands []models.CutCandidate, beats []float64, ideal, targetLen float64) float64 {
	for _, c := range cands {
		if math.Abs(c.TimeSec-ideal) <= targetLen/4 {
			return c.TimeSec
		}
	}

	bestTime, bestDist := 0.0, math.Inf(1)
	for _, b := range beats {
		if d := math.Abs(b - ideal); d <= targetLen/2 && d < bestDist {
			bestTime, bestDist = b, d
		}
	}
	if !math.IsInf(bestDist, 1) {
		return bestTime
	}
	return ideal
}

// boundaryTransition applies the style default to one boundary. Overlap
// transitions are capped at half the shorter adjacent span so both sides
// can pay for the overlap with material.
func boundaryTransition(style models.Style, leftSpan, rightSpan float64) models.Transition {
	tr := models.Transition{Kind: style.Transition, DurationMs: style.TransitionDurationMs}
	if tr.Kind == models.TransitionHardCut {
		tr.DurationMs = 0
		return tr
	}

	if tr.DurationMs < 0 {
		tr.DurationMs = 0
	}
	if capMs := int(math.Min(leftSpan, rightSpan) / 2 * 1000); tr.DurationMs > capMs {
		tr.DurationMs = capMs
	}
	return tr
}
