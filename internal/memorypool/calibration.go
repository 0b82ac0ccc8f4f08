package memorypool

import (
	"math"

	kalman "github.com/llm-inferno/kalman-filter"
)

// minRawSamplesForMeanStddev is the point at which the calibrator trusts
// the raw sample mean/stddev over the Kalman-smoothed estimate. Below
// this count, variance from so few points is too noisy to size a
// reservation against.
const minRawSamplesForMeanStddev = 5

// calibrator tracks observed peak usage samples for one (gpu,model)
// pair: a fixed-capacity ring (spec.md §4.2, CALIBRATION_SAMPLE_SIZE)
// plus running sum/sum-of-squares so mean and stddev are O(1) to
// recompute on every insert rather than rescanning the ring.
//
// While fewer than minRawSamplesForMeanStddev samples have landed, a
// scalar Kalman filter smooths the single most recent observation
// against the static table estimate, giving a less noisy first few
// admissions than a raw 1-2 sample mean would.
type calibrator struct {
	cap     int
	samples []float64
	next    int // ring write cursor
	sum     float64
	sumSq   float64

	kf *kalman.Filter
}

func newCalibrator(capacity int, priorEstimate float64) *calibrator {
	return &calibrator{
		cap: capacity,
		kf:  kalman.New(priorEstimate, priorEstimate*priorEstimate, 0.01, 0.25),
	}
}

// observe appends a new peak-usage sample (GB), evicting the oldest
// sample once the ring is full.
func (c *calibrator) observe(gb float64) {
	c.kf.Update(gb)

	if len(c.samples) < c.cap {
		c.samples = append(c.samples, gb)
		c.sum += gb
		c.sumSq += gb * gb
		return
	}
	evicted := c.samples[c.next]
	c.samples[c.next] = gb
	c.next = (c.next + 1) % c.cap
	c.sum += gb - evicted
	c.sumSq += gb*gb - evicted*evicted
}

func (c *calibrator) count() int {
	return len(c.samples)
}

func (c *calibrator) mean() float64 {
	if len(c.samples) == 0 {
		return 0
	}
	return c.sum / float64(len(c.samples))
}

func (c *calibrator) stddev() float64 {
	n := float64(len(c.samples))
	if n < 2 {
		return 0
	}
	mean := c.mean()
	variance := c.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// estimate returns mean + stddev*confidence once enough raw samples have
// accumulated, else the Kalman-smoothed single-point estimate.
func (c *calibrator) estimate(confidence float64) float64 {
	if c.count() < minRawSamplesForMeanStddev {
		return c.kf.Estimate()
	}
	return c.mean() + c.stddev()*confidence
}

// Calibrate appends an observed peak-usage sample for (gpu,model),
// recomputing mean/stddev so it is visible to the next EstimateFor call
// (spec.md §4.2).
func (p *Pool) Calibrate(gpu, model string, observedGB float64) {
	e, ok := p.entry(gpu)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.calib[model]
	if !ok {
		prior, known := DefaultModelFootprints[model]
		if !known {
			prior = DefaultModelFootprints["base"]
		}
		c = newCalibrator(p.calibSampleCap, prior)
		e.calib[model] = c
	}

	// Overshoot handling (Design Notes "reservations vs real usage"): if
	// the live reservation for this task's model undershot the observed
	// peak by more than a stddev, throttle further admissions on this
	// GPU until Release brings allocated back in range.
	if c.count() >= 2 && observedGB > c.mean()+c.stddev() {
		e.throttled = true
	}

	c.observe(observedGB)
}
