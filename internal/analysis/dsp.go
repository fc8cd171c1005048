package analysis

import (
	"errors"
	"math"
	"sort"

	"github.com/reelforge/reelforge/internal/models"
)

const (
	// sampleRate is the mono PCM rate the audio slice is decoded to.
	sampleRate = 22050

	// hopSize is the envelope resolution in samples, about 23 ms per hop.
	hopSize = 512

	// hopDuration is one hop in seconds.
	hopDuration = hopSize / float64(sampleRate)

	// minTempoBPM and maxTempoBPM bound the autocorrelation lag search.
	minTempoBPM = 60.0
	maxTempoBPM = 200.0

	// beatsPerBar drives the downbeat bonus.
	beatsPerBar = 4

	// minSpacingSec is the window inside which a lower-scored candidate
	// is suppressed by an already-kept one.
	minSpacingSec  = 0.8
	spacingPenalty = 0.25

	// downbeatBonus is added to every beatsPerBar-th beat counted from
	// the strongest beat.
	downbeatBonus = 0.25

	// snapRadiusHops bounds how far a grid point may move to reach the
	// local envelope maximum.
	snapRadiusHops = 2

	// logGain compresses RMS energy before the flux difference.
	logGain = 100.0
)

var errNoPeriodicity = errors.New("onset envelope has no periodicity")

// onsetEnvelope reduces mono samples to a per-hop onset strength curve:
// RMS energy, log compression, half-wave-rectified flux, normalized so the
// strongest onset is 1.
func onsetEnvelope(samples []float64) []float64 {
	hops := len(samples) / hopSize
	env := make([]float64, hops)

	prev := 0.0
	for i := 0; i < hops; i++ {
		sum := 0.0
		for _, s := range samples[i*hopSize : (i+1)*hopSize] {
			sum += s * s
		}
		energy := math.Log1p(logGain * math.Sqrt(sum/hopSize))
		if flux := energy - prev; flux > 0 {
			env[i] = flux
		}
		prev = energy
	}

	peak := 0.0
	for _, v := range env {
		if v > peak {
			peak = v
		}
	}
	if peak > 0 {
		for i := range env {
			env[i] /= peak
		}
	}
	return env
}

// smooth applies a 3-hop moving average. Tempo estimation runs on the
// smoothed curve so grid jitter from non-integer beat periods does not
// split autocorrelation peaks; beat snapping keeps the raw curve.
func smooth(env []float64) []float64 {
	out := make([]float64, len(env))
	for i := range env {
		sum, n := env[i], 1.0
		if i > 0 {
			sum += env[i-1]
			n++
		}
		if i+1 < len(env) {
			sum += env[i+1]
			n++
		}
		out[i] = sum / n
	}
	return out
}

// estimateTempo autocorrelates the envelope over lags covering the tempo
// range. A lag whose half-lag correlates strongly is the two-beat reading
// of a faster tempo, so each lag is scored against half its own strength
// at lag/2 before the highest peak wins; the winner is refined
// parabolically for sub-hop precision.
func estimateTempo(env []float64) (float64, error) {
	sm := smooth(env)

	minLag := int(math.Floor(60.0 / maxTempoBPM / hopDuration))
	maxLag := int(math.Ceil(60.0 / minTempoBPM / hopDuration))
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(sm) {
		maxLag = len(sm) - 1
	}
	if maxLag <= minLag {
		return 0, errNoPeriodicity
	}

	halfMin := minLag / 2
	if halfMin < 1 {
		halfMin = 1
	}
	ac := make([]float64, maxLag+2)
	for lag := halfMin; lag <= maxLag; lag++ {
		sum := 0.0
		for i := 0; i+lag < len(sm); i++ {
			sum += sm[i] * sm[i+lag]
		}
		ac[lag] = sum / float64(len(sm)-lag)
	}

	chosen, best := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		subharmonic := math.Max(ac[lag/2], ac[lag/2+1])
		if score := ac[lag] - 0.5*subharmonic; score > best {
			chosen, best = lag, score
		}
	}
	if chosen == 0 {
		// Every lag is dominated by its half-lag; fall back to the raw peak.
		for lag := minLag; lag <= maxLag; lag++ {
			if ac[lag] > best {
				chosen, best = lag, ac[lag]
			}
		}
	}
	if chosen == 0 {
		return 0, errNoPeriodicity
	}

	refined := float64(chosen)
	if chosen > minLag && chosen < maxLag && ac[chosen] >= ac[chosen-1] && ac[chosen] >= ac[chosen+1] {
		denom := ac[chosen-1] - 2*ac[chosen] + ac[chosen+1]
		if denom < 0 {
			refined += 0.5 * (ac[chosen-1] - ac[chosen+1]) / denom
		}
	}

	bpm := 60.0 / (refined * hopDuration)
	if bpm < minTempoBPM {
		bpm = minTempoBPM
	}
	if bpm > maxTempoBPM {
		bpm = maxTempoBPM
	}
	return bpm, nil
}

// beatGrid seeds at the strongest onset, steps by the beat period in both
// directions and snaps every grid point to the local envelope maximum.
// Returned hop indices are strictly increasing.
func beatGrid(env []float64, bpm float64) []int {
	if len(env) == 0 {
		return nil
	}

	seed := 0
	for i, v := range env {
		if v > env[seed] {
			seed = i
		}
	}
	period := 60.0 / bpm / hopDuration

	var hops []int
	for t := float64(seed); t < float64(len(env)); t += period {
		hops = append(hops, snapToPeak(env, int(math.Round(t))))
	}
	for t := float64(seed) - period; t >= 0; t -= period {
		hops = append(hops, snapToPeak(env, int(math.Round(t))))
	}

	sort.Ints(hops)
	out := hops[:0]
	for i, h := range hops {
		if i == 0 || h > out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

// snapToPeak returns the hop with the strongest envelope within the snap
// radius around center. Ties resolve to the earliest hop.
func snapToPeak(env []float64, center int) int {
	lo := center - snapRadiusHops
	if lo < 0 {
		lo = 0
	}
	hi := center + snapRadiusHops
	if hi > len(env)-1 {
		hi = len(env) - 1
	}

	bestHop := lo
	for h := lo + 1; h <= hi; h++ {
		if env[h] > env[bestHop] {
			bestHop = h
		}
	}
	return bestHop
}

// scoreCandidates turns beat hops into cut candidates: onset strength as
// the base score, a downbeat bonus every beatsPerBar beats counted from
// the strongest beat, then one greedy pass by descending score where any
// candidate inside the spacing window of an already-kept one has its
// score cut to a quarter. The result is sorted by score descending, ties
// by earlier time.
func scoreCandidates(env []float64, beatHops []int) []models.CutCandidate {
	if len(beatHops) == 0 {
		return nil
	}

	strongest := 0
	for i, h := range beatHops {
		if env[h] > env[beatHops[strongest]] {
			strongest = i
		}
	}

	cands := make([]models.CutCandidate, len(beatHops))
	for i, h := range beatHops {
		score := env[h]
		if (i-strongest)%beatsPerBar == 0 {
			score += downbeatBonus
		}
		if score > 1 {
			score = 1
		}
		cands[i] = models.CutCandidate{TimeSec: float64(h) * hopDuration, Score: score}
	}

	sortCandidates(cands)

	var kept []float64
	for i := range cands {
		suppressed := false
		for _, kt := range kept {
			if math.Abs(cands[i].TimeSec-kt) < minSpacingSec {
				suppressed = true
				break
			}
		}
		if suppressed {
			cands[i].Score *= spacingPenalty
		} else {
			kept = append(kept, cands[i].TimeSec)
		}
	}

	sortCandidates(cands)
	return cands
}

func sortCandidates(cands []models.CutCandidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].TimeSec < cands[j].TimeSec
	})
}
