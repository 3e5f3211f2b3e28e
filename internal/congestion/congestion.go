// Package congestion implements the AIMD controller of spec.md §4.6:
// adapts the batcher's delta_timer_ms from observed RTT and loss
// without oscillation, driven by a nominal attractor rather than pure
// additive-increase/multiplicative-decrease.
//
// Grounded on AetherFlow's SendBuffer.updateRTO (RFC 6298-style
// EMA smoothing of srtt/rttvar, clamped into [MinRTO, MaxRTO]); the
// decision thresholds (severe/healthy/moderate bands, the legacy
// nominal==min override) are spec.md §4.6's own description, since no
// repo in the pack implements a nominal-attractor AIMD controller.
package congestion

import (
	"math"
	"time"
)

// Config holds the controller's tunables (spec.md §6
// congestionControl block).
type Config struct {
	Enabled           bool
	TargetRTTMs       float64
	NominalTimerMs     float64
	MinTimerMs         float64
	MaxTimerMs         float64
	SmoothingFactor   float64 // α, default 0.2
	AdjustInterval    time.Duration
	MaxAdjustment     float64 // default 0.20

	LossHigh       float64 // default 0.05
	LossLow        float64 // default 0.01
	RTTHighMult    float64 // default 1.5
	HealthyRTTMult float64 // default 0.8
	DecreaseFactor float64 // default 1.5
	IncreaseFactor float64 // default 0.95
	BackoffFactor  float64 // default 1.05
	ModerateAboveFactor float64 // default 0.98
	ModerateBelowFactor float64 // default 1.02
}

// DefaultConfig matches every default spec.md §4.6 names inline.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		TargetRTTMs:         200,
		NominalTimerMs:      250,
		MinTimerMs:          50,
		MaxTimerMs:          2000,
		SmoothingFactor:     0.2,
		AdjustInterval:      5 * time.Second,
		MaxAdjustment:       0.20,
		LossHigh:            0.05,
		LossLow:             0.01,
		RTTHighMult:         1.5,
		HealthyRTTMult:      0.8,
		DecreaseFactor:      1.5,
		IncreaseFactor:      0.95,
		BackoffFactor:       1.05,
		ModerateAboveFactor: 0.98,
		ModerateBelowFactor: 1.02,
	}
}

// State is CongestionState from spec.md §3, exposed for metrics and
// tests.
type State struct {
	CurrentTimerMs float64
	NominalTimerMs float64
	AvgRTTMs       float64
	AvgLossMs      float64 // avg_loss (ratio, not ms — named to match avg_rtt_ms field pairing)
	LastAdjustAt   time.Time
	ManualMode     bool
}

// Controller implements the decision procedure of spec.md §4.6. Not
// safe for concurrent use; driven from a single executor per
// spec.md §5.
type Controller struct {
	cfg Config
	now func() time.Time

	currentTimerMs float64
	avgRTTMs       float64
	avgLoss        float64
	haveRTT        bool
	haveLoss       bool
	lastAdjustAt   time.Time
	manualMode     bool
}

// New constructs a Controller seeded at the nominal timer.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:            cfg,
		now:            time.Now,
		currentTimerMs: cfg.NominalTimerMs,
	}
}

// SetClock overrides the time source for deterministic tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// ObserveRTT folds an RTT sample (ms) into the EMA. Negative samples
// are ignored per spec.md §4.6.
func (c *Controller) ObserveRTT(rttMs float64) {
	if rttMs < 0 {
		return
	}
	if !c.haveRTT {
		c.avgRTTMs = rttMs
		c.haveRTT = true
		return
	}
	c.avgRTTMs = c.cfg.SmoothingFactor*rttMs + (1-c.cfg.SmoothingFactor)*c.avgRTTMs
}

// ObserveLoss folds a loss-ratio sample (0..1) into the EMA. Negative
// samples are ignored per spec.md §4.6.
func (c *Controller) ObserveLoss(loss float64) {
	if loss < 0 {
		return
	}
	if !c.haveLoss {
		c.avgLoss = loss
		c.haveLoss = true
		return
	}
	c.avgLoss = c.cfg.SmoothingFactor*loss + (1-c.cfg.SmoothingFactor)*c.avgLoss
}

// SetManual fixes the timer at value and inhibits automatic
// adjustment until EnableAuto is called.
func (c *Controller) SetManual(valueMs float64) {
	c.manualMode = true
	c.currentTimerMs = clamp(valueMs, c.cfg.MinTimerMs, c.cfg.MaxTimerMs)
}

// EnableAuto resumes automatic adjustment.
func (c *Controller) EnableAuto() {
	c.manualMode = false
}

// CurrentTimerMs is the batcher's current delta_timer_ms.
func (c *Controller) CurrentTimerMs() float64 {
	return c.currentTimerMs
}

// State returns a snapshot of the controller's CongestionState.
func (c *Controller) State() State {
	return State{
		CurrentTimerMs: c.currentTimerMs,
		NominalTimerMs: c.cfg.NominalTimerMs,
		AvgRTTMs:       c.avgRTTMs,
		AvgLossMs:      c.avgLoss,
		LastAdjustAt:   c.lastAdjustAt,
		ManualMode:     c.manualMode,
	}
}

// MaybeAdjust evaluates the decision rule if enough time has elapsed
// since the last adjustment, if automatic adjustment is enabled, and
// if the controller is enabled at all. It returns true if an
// adjustment was applied.
func (c *Controller) MaybeAdjust() bool {
	if !c.cfg.Enabled || c.manualMode {
		return false
	}
	now := c.now()
	if !c.lastAdjustAt.IsZero() && now.Sub(c.lastAdjustAt) < c.cfg.AdjustInterval {
		return false
	}
	c.lastAdjustAt = now
	c.applyDecision()
	return true
}

func (c *Controller) applyDecision() {
	factor := c.decisionFactor()
	if factor == 1.0 {
		return
	}
	old := c.currentTimerMs
	next := old * factor
	next = clamp(next, c.cfg.MinTimerMs, c.cfg.MaxTimerMs)

	maxDelta := c.cfg.MaxAdjustment * old
	if math.Abs(next-old) > maxDelta {
		if next > old {
			next = old + maxDelta
		} else {
			next = old - maxDelta
		}
		next = clamp(next, c.cfg.MinTimerMs, c.cfg.MaxTimerMs)
	}
	c.currentTimerMs = math.Round(next)
}

func (c *Controller) decisionFactor() float64 {
	nominal := c.cfg.NominalTimerMs
	cur := c.currentTimerMs

	severeRTT := c.haveRTT && c.avgRTTMs > c.cfg.TargetRTTMs*c.cfg.RTTHighMult
	severeLoss := c.haveLoss && c.avgLoss > c.cfg.LossHigh
	if severeLoss || severeRTT {
		return c.cfg.DecreaseFactor
	}

	healthyLoss := c.haveLoss && c.avgLoss < c.cfg.LossLow
	healthyRTT := c.haveRTT && c.avgRTTMs > 0 && c.avgRTTMs < c.cfg.TargetRTTMs*c.cfg.HealthyRTTMult
	if healthyLoss && healthyRTT {
		if nominal == c.cfg.MinTimerMs {
			// Legacy override (spec.md §4.6): configurations pinning
			// nominal to the floor always drive toward it in healthy
			// conditions. New code must not depend on this branch ever
			// firing for any other configuration.
			return c.cfg.IncreaseFactor
		}
		if cur > nominal {
			return c.cfg.IncreaseFactor
		}
		if cur < nominal {
			return c.cfg.BackoffFactor
		}
		return 1.0
	}

	if cur > nominal {
		return c.cfg.ModerateAboveFactor
	}
	if cur < nominal {
		return c.cfg.ModerateBelowFactor
	}
	return 1.0
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
