// Package healthtrend implements the health trend analyzer: a bounded
// per-(service,instance) history of health scores, fed into a
// least-squares linear fit that classifies direction, reports R-squared,
// predicts future scores, and estimates time-to-threshold. The circuit
// breaker's health-based and adaptive strategies consult Analyze (through a
// breaker.HealthFunc) to steer their decisions. The load balancer does not
// call Analyze; it works from the health scores its caller supplies.
package healthtrend

import (
	"sync"
	"time"
)

// Direction classifies the slope of a fitted trend.
type Direction int

const (
	Unknown Direction = iota
	Improving
	Stable
	Degrading
)

func (d Direction) String() string {
	switch d {
	case Improving:
		return "improving"
	case Stable:
		return "stable"
	case Degrading:
		return "degrading"
	default:
		return "unknown"
	}
}

// Config controls the analyzer's window, minimum sample count, and
// classification thresholds.
type Config struct {
	Window               time.Duration // default 1 hour
	MinPoints            int           // default 10
	ImprovementThreshold float64       // score/minute, default 0.1
	DegradationThreshold float64       // score/minute, default -0.1
	AlertThreshold       float64       // default 0.3, used by TimeToThreshold
	PredictionHorizon    time.Duration // default 10 minutes
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.MinPoints <= 0 {
		c.MinPoints = 10
	}
	if c.ImprovementThreshold == 0 {
		c.ImprovementThreshold = 0.1
	}
	if c.DegradationThreshold == 0 {
		c.DegradationThreshold = -0.1
	}
	if c.AlertThreshold == 0 {
		c.AlertThreshold = 0.3
	}
	if c.PredictionHorizon <= 0 {
		c.PredictionHorizon = 10 * time.Minute
	}
	return c
}

// Prediction is one future (offset, score) pair, sampled at one-minute
// steps up to the analyzer's horizon.
type Prediction struct {
	At    time.Duration
	Score float64
}

// Trend is the result of analyzing one (service, instance)'s history.
type Trend struct {
	Direction       Direction
	Slope           float64
	RSquared        float64
	Predictions     []Prediction
	TimeToThreshold *time.Duration
}

type sample struct {
	at    time.Time
	score float64
}

type key struct{ service, instance string }

// Analyzer holds bounded per-(service,instance) history and derives trends
// from it. The zero value is not ready; use New.
type Analyzer struct {
	cfg  Config
	mu   sync.Mutex
	hist map[key][]sample
	now  func() time.Time
}

func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults(), hist: make(map[key][]sample), now: time.Now}
}

// Record appends a new health sample for (service, instance), discarding any
// points that fall outside the configured window.
func (a *Analyzer) Record(service, instance string, score float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{service, instance}
	now := a.now()
	pts := append(a.hist[k], sample{at: now, score: score})
	cutoff := now.Add(-a.cfg.Window)
	kept := pts[:0]
	for _, p := range pts {
		if !p.at.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	a.hist[k] = kept
}

// Analyze fits y = a*x + b over the retained samples (x = seconds since the
// first sample) and classifies the result. With fewer than MinPoints
// samples, Direction is Unknown and every other field is zero-valued.
func (a *Analyzer) Analyze(service, instance string) Trend {
	a.mu.Lock()
	pts := append([]sample(nil), a.hist[key{service, instance}]...)
	a.mu.Unlock()

	if len(pts) < a.cfg.MinPoints {
		return Trend{Direction: Unknown}
	}

	t0 := pts[0].at
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.at.Sub(t0).Seconds()
		ys[i] = p.score
	}

	slope, intercept, rsq := leastSquares(xs, ys)

	// Slope is fitted in score-per-second; the classification thresholds
	// are expressed in score-per-minute, the same granularity the
	// predictions step at.
	perMinute := slope * 60
	dir := Stable
	switch {
	case perMinute >= a.cfg.ImprovementThreshold:
		dir = Improving
	case perMinute <= a.cfg.DegradationThreshold:
		dir = Degrading
	}

	lastX := xs[len(xs)-1]
	var preds []Prediction
	for step := time.Minute; step <= a.cfg.PredictionHorizon; step += time.Minute {
		x := lastX + step.Seconds()
		preds = append(preds, Prediction{At: step, Score: clip01(slope*x + intercept)})
	}

	trend := Trend{Direction: dir, Slope: slope, RSquared: rsq, Predictions: preds}
	if tt := timeToThreshold(slope, intercept, lastX, a.cfg.AlertThreshold); tt != nil {
		trend.TimeToThreshold = tt
	}
	return trend
}

// Predict returns the fitted score at t seconds past the last sample,
// clipped to [0,1]. It returns (0, false) when there is no fitted trend yet.
func (a *Analyzer) Predict(service, instance string, t time.Duration) (float64, bool) {
	a.mu.Lock()
	pts := append([]sample(nil), a.hist[key{service, instance}]...)
	a.mu.Unlock()
	if len(pts) < a.cfg.MinPoints {
		return 0, false
	}
	t0 := pts[0].at
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.at.Sub(t0).Seconds()
		ys[i] = p.score
	}
	slope, intercept, _ := leastSquares(xs, ys)
	x := xs[len(xs)-1] + t.Seconds()
	return clip01(slope*x + intercept), true
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// leastSquares fits y = a*x + b by ordinary least squares and returns the
// slope, intercept, and R².
func leastSquares(xs, ys []float64) (slope, intercept, rsq float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i := range xs {
		fitted := slope*xs[i] + intercept
		ssRes += (ys[i] - fitted) * (ys[i] - fitted)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		rsq = 1
	} else {
		rsq = 1 - ssRes/ssTot
	}
	return slope, intercept, rsq
}

// timeToThreshold returns the positive root of a*t+b = threshold measured
// from lastX, or nil if the trend's sign never implies a future crossing.
func timeToThreshold(slope, intercept, lastX, threshold float64) *time.Duration {
	if slope == 0 {
		return nil
	}
	x := (threshold - intercept) / slope
	delta := x - lastX
	if delta <= 0 {
		return nil
	}
	// A crossing only "implies a future crossing" if the trend is heading
	// toward the threshold rather than away from it.
	currentValue := slope*lastX + intercept
	headingDown := slope < 0 && currentValue > threshold
	headingUp := slope > 0 && currentValue < threshold
	if !headingDown && !headingUp {
		return nil
	}
	d := time.Duration(delta * float64(time.Second))
	return &d
}
