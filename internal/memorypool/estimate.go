package memorypool

// DefaultModelFootprints is the static per-model base memory footprint
// table (GB), used until calibration samples exist for a (gpu,model)
// pair. Ordering mirrors the glossary's small-first model ranking.
var DefaultModelFootprints = map[string]float64{
	"tiny":     1.0,
	"base":     1.5,
	"small":    2.5,
	"medium":   5.0,
	"large":    10.0,
	"large-v2": 10.5,
	"large-v3": 11.0,
	"turbo":    6.5,
}

// ModelSizeRank is the static small-first ordering used by the scheduler's
// model-bucket priority (spec.md §4.4). Lower is smaller/scheduled first.
var ModelSizeRank = map[string]int{
	"tiny":     0,
	"base":     1,
	"small":    2,
	"medium":   3,
	"large":    4,
	"large-v2": 5,
	"large-v3": 6,
	"turbo":    7,
}

// durationFactor implements spec.md §4.2's
// "1 + max(0, d/standard - 1) * slope" audio-duration scaling.
func (p *Pool) durationFactor(audioSeconds float64) float64 {
	ratio := audioSeconds/p.standardDurationSec - 1
	if ratio < 0 {
		ratio = 0
	}
	return 1 + ratio*p.durationSlope
}

// MinModelEstimate returns the smallest plausible per-task footprint
// (GB) across all known models at standard audio duration, used by the
// scheduler to cheaply pre-filter GPUs with no realistic room before
// running the authoritative CanAdmit check (spec.md §4.4, step 2).
func (p *Pool) MinModelEstimate() float64 {
	min := -1.0
	for _, gb := range DefaultModelFootprints {
		scaled := gb * p.confidenceFactor
		if min < 0 || scaled < min {
			min = scaled
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// EstimateFor returns the memory estimate (GB) for model transcribing
// audioSeconds on gpu. If at least minRawSamplesForMeanStddev calibrated
// samples exist for (gpu,model), it returns mean + stddev*confidence;
// with one to four samples it returns the Kalman-smoothed estimate
// instead, not mean + stddev*confidence. Without samples it falls back
// to the static footprint table scaled by the duration factor and
// confidence multiplier (spec.md §4.2).
func (p *Pool) EstimateFor(gpu, model string, audioSeconds float64) float64 {
	if e, ok := p.entry(gpu); ok {
		e.mu.Lock()
		c, ok := e.calib[model]
		e.mu.Unlock()
		if ok && c.count() > 0 {
			return c.estimate(p.confidenceFactor)
		}
	}
	base, ok := DefaultModelFootprints[model]
	if !ok {
		base = DefaultModelFootprints["base"]
	}
	return base * p.durationFactor(audioSeconds) * p.confidenceFactor
}
