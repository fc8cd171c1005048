package models

import (
	"fmt"
	"math"
)

// planEpsilon absorbs float noise when comparing plan timeline bounds.
const planEpsilon = 1e-6

// CutCandidate is one beat proposed as a cut point, with its salience score.
type CutCandidate struct {
	// TimeSec is the candidate's position within the audio window.
	TimeSec float64 `json:"time_sec"`

	// Score is the salience in [0,1]. Candidates are ordered by descending
	// score; the planner prefers higher-scored candidates when snapping.
	Score float64 `json:"score"`
}

// BeatPlan is the beat analyzer's output, stored as a JSON artifact at the
// beats stage.
type BeatPlan struct {
	// TempoBPM is the estimated tempo.
	TempoBPM float64 `json:"tempo_bpm"`

	// Beats are beat times in seconds within the window, strictly increasing.
	Beats []float64 `json:"beats"`

	// CutCandidates is a subset of Beats sorted by descending score,
	// ties broken by earlier time.
	CutCandidates []CutCandidate `json:"cut_candidates"`
}

// Validate checks the beat plan's invariants against the window length.
func (p *BeatPlan) Validate(windowSec float64) error {
	if p.TempoBPM <= 0 {
		return fmt.Errorf("tempo_bpm must be positive, got %g", p.TempoBPM)
	}
	for i, b := range p.Beats {
		if b < -planEpsilon || b > windowSec+planEpsilon {
			return fmt.Errorf("beat %d at %gs outside window [0, %gs]", i, b, windowSec)
		}
		if i > 0 && b <= p.Beats[i-1] {
			return fmt.Errorf("beats must be strictly increasing, beat %d at %gs after %gs", i, b, p.Beats[i-1])
		}
	}
	for i, c := range p.CutCandidates {
		if c.Score < 0 || c.Score > 1 {
			return fmt.Errorf("candidate %d score %g outside [0,1]", i, c.Score)
		}
		if i > 0 {
			prev := p.CutCandidates[i-1]
			if c.Score > prev.Score || (c.Score == prev.Score && c.TimeSec < prev.TimeSec) {
				return fmt.Errorf("candidates must be sorted by descending score then time, violated at %d", i)
			}
		}
	}
	return nil
}

// Transition describes how a segment hands off to its successor.
type Transition struct {
	Kind       TransitionKind `json:"kind"`
	DurationMs int            `json:"duration_ms"`
}

// DurationSec returns the transition length in seconds.
func (t Transition) DurationSec() float64 {
	return float64(t.DurationMs) / 1000.0
}

// Segment is one planned slice of a normalized clip on the output timeline.
// The segment list is stored as a JSON artifact at the plan stage.
type Segment struct {
	// Index is the segment's position, 0-based.
	Index int `json:"index"`

	// SourceArtifactName names the normalized clip this segment is cut from.
	SourceArtifactName string `json:"source_artifact_name"`

	// SourceInSec and SourceOutSec bound the slice within the source clip.
	// The slice is longer than the segment's own span by the outgoing
	// transition duration so crossfade overlap is paid for by material.
	SourceInSec  float64 `json:"source_in_sec"`
	SourceOutSec float64 `json:"source_out_sec"`

	// TargetOutSec is the segment's end boundary on the output timeline.
	TargetOutSec float64 `json:"target_out_sec"`

	// TransitionOut joins this segment to the next. The final segment
	// always carries a zero-length hard cut.
	TransitionOut Transition `json:"transition_out"`
}

// SourceDurationSec returns the length of the source slice.
func (s Segment) SourceDurationSec() float64 {
	return s.SourceOutSec - s.SourceInSec
}

// ValidateSegments checks a planned segment list against the output contract:
// contiguous coverage of [0, ReelDurationSec], positive spans, and transition
// durations no longer than half the shorter adjacent segment.
func ValidateSegments(segments []Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("segment list is empty")
	}

	prevOut := 0.0
	for i, seg := range segments {
		if seg.Index != i {
			return fmt.Errorf("segment %d carries index %d", i, seg.Index)
		}
		if seg.SourceArtifactName == "" {
			return fmt.Errorf("segment %d has no source artifact", i)
		}
		span := seg.TargetOutSec - prevOut
		if span <= planEpsilon {
			return fmt.Errorf("segment %d span %gs is not positive", i, span)
		}
		if seg.SourceDurationSec() <= planEpsilon {
			return fmt.Errorf("segment %d source slice %gs is not positive", i, seg.SourceDurationSec())
		}
		if !seg.TransitionOut.Kind.IsValid() {
			return fmt.Errorf("segment %d transition kind %q unknown", i, seg.TransitionOut.Kind)
		}
		if seg.TransitionOut.DurationMs < 0 {
			return fmt.Errorf("segment %d transition duration negative", i)
		}

		last := i == len(segments)-1
		if last {
			if seg.TransitionOut.Kind != TransitionHardCut || seg.TransitionOut.DurationMs != 0 {
				return fmt.Errorf("final segment must end with a zero-length hard cut")
			}
			if math.Abs(seg.TargetOutSec-ReelDurationSec) > planEpsilon {
				return fmt.Errorf("final boundary %gs does not close the %gs timeline", seg.TargetOutSec, ReelDurationSec)
			}
		} else {
			next := segments[i+1]
			nextSpan := next.TargetOutSec - seg.TargetOutSec
			shorter := math.Min(span, nextSpan)
			if seg.TransitionOut.DurationSec() > shorter/2+planEpsilon {
				return fmt.Errorf("segment %d transition %gs exceeds half the shorter adjacent span %gs",
					i, seg.TransitionOut.DurationSec(), shorter)
			}
		}

		prevOut = seg.TargetOutSec
	}
	return nil
}
