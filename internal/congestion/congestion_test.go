package congestion

import (
	"testing"
	"time"
)

func testController() *Controller {
	cfg := DefaultConfig()
	cfg.AdjustInterval = 0 // allow MaybeAdjust to fire every call in tests
	return New(cfg)
}

func TestSevereCongestionIncreasesTimer(t *testing.T) {
	c := testController()
	c.ObserveLoss(0.20) // above loss_high 0.05
	start := c.CurrentTimerMs()
	c.MaybeAdjust()
	if c.CurrentTimerMs() <= start {
		t.Fatalf("expected timer to increase (slow down) under severe loss, got %v -> %v", start, c.CurrentTimerMs())
	}
}

func TestSevereCongestionFromHighRTT(t *testing.T) {
	c := testController()
	c.ObserveRTT(400) // target_rtt=200, rtt_high_mult=1.5 -> threshold 300
	start := c.CurrentTimerMs()
	c.MaybeAdjust()
	if c.CurrentTimerMs() <= start {
		t.Fatalf("expected timer to increase under severe RTT, got %v -> %v", start, c.CurrentTimerMs())
	}
}

func TestHealthyAboveNominalDecreasesTowardNominal(t *testing.T) {
	c := testController()
	c.currentTimerMs = 400 // above nominal (250)
	c.ObserveLoss(0.001)
	c.ObserveRTT(50) // well below target_rtt*0.8=160
	c.MaybeAdjust()
	if c.CurrentTimerMs() >= 400 {
		t.Fatalf("expected timer to move down toward nominal, got %v", c.CurrentTimerMs())
	}
	if c.CurrentTimerMs() < c.cfg.NominalTimerMs {
		t.Fatalf("expected timer not to overshoot past nominal in one step, got %v", c.CurrentTimerMs())
	}
}

func TestHealthyBelowNominalIncreasesTowardNominal(t *testing.T) {
	c := testController()
	c.currentTimerMs = 100 // below nominal (250)
	c.ObserveLoss(0.001)
	c.ObserveRTT(50)
	c.MaybeAdjust()
	if c.CurrentTimerMs() <= 100 {
		t.Fatalf("expected timer to move up toward nominal, got %v", c.CurrentTimerMs())
	}
}

func TestLegacyNominalEqualsMinOverride(t *testing.T) {
	// spec.md §4.6's legacy override: when nominal==min and current
	// already sits exactly at nominal, plain AIMD would return "no
	// change" (cur is neither above nor below nominal); the override
	// instead keeps applying increase_factor. The two are
	// observationally identical after min/max clamping, so the
	// override is verified directly against decisionFactor rather
	// than against CurrentTimerMs() post-clamp.
	cfg := DefaultConfig()
	cfg.NominalTimerMs = cfg.MinTimerMs
	c := New(cfg)
	c.currentTimerMs = cfg.MinTimerMs // cur == nominal == min
	c.ObserveLoss(0.001)
	c.ObserveRTT(50)
	if got := c.decisionFactor(); got != cfg.IncreaseFactor {
		t.Fatalf("expected legacy override to return increase_factor %v, got %v", cfg.IncreaseFactor, got)
	}
}

func TestNoOverrideWhenNominalAboveMin(t *testing.T) {
	// With nominal strictly above min, cur==nominal in healthy
	// conditions must fall through to "no change" (factor 1.0) — the
	// override is pinned to the nominal==min configuration only.
	cfg := DefaultConfig()
	c := New(cfg)
	c.currentTimerMs = cfg.NominalTimerMs
	c.ObserveLoss(0.001)
	c.ObserveRTT(50)
	if got := c.decisionFactor(); got != 1.0 {
		t.Fatalf("expected no-change factor 1.0, got %v", got)
	}
}

func TestModerateConditionsWeakRestoringForce(t *testing.T) {
	c := testController()
	c.currentTimerMs = 400
	c.ObserveLoss(0.03) // between loss_low and loss_high: moderate
	c.ObserveRTT(250)   // between target_rtt*0.8 and target_rtt*1.5: moderate
	before := c.CurrentTimerMs()
	c.MaybeAdjust()
	if c.CurrentTimerMs() >= before {
		t.Fatalf("expected weak restoring force downward, got %v -> %v", before, c.CurrentTimerMs())
	}
}

func TestClampedToMinMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdjustInterval = 0
	cfg.MaxAdjustment = 1.0 // disable per-step clamp to isolate min/max clamp
	c := New(cfg)
	c.currentTimerMs = cfg.MinTimerMs
	c.ObserveLoss(0.5) // severe: would multiply below min is impossible since factor>1, so test max instead
	for i := 0; i < 50; i++ {
		c.MaybeAdjust()
	}
	if c.CurrentTimerMs() > cfg.MaxTimerMs {
		t.Fatalf("expected timer clamped to max %v, got %v", cfg.MaxTimerMs, c.CurrentTimerMs())
	}
	if c.CurrentTimerMs() < cfg.MinTimerMs {
		t.Fatalf("expected timer clamped to min %v, got %v", cfg.MinTimerMs, c.CurrentTimerMs())
	}
}

func TestMaxAdjustmentBoundsSingleStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdjustInterval = 0
	cfg.MaxAdjustment = 0.20
	c := New(cfg)
	c.currentTimerMs = 1000
	c.ObserveLoss(0.5) // severe -> decrease_factor 1.5 would give 1500, a 50% jump
	c.MaybeAdjust()
	maxAllowed := 1000 * 1.20
	if c.CurrentTimerMs() > maxAllowed+0.5 {
		t.Fatalf("expected step bounded to %v, got %v", maxAllowed, c.CurrentTimerMs())
	}
}

func TestManualModeInhibitsAutoAdjust(t *testing.T) {
	c := testController()
	c.SetManual(300)
	c.ObserveLoss(0.5)
	c.MaybeAdjust()
	if c.CurrentTimerMs() != 300 {
		t.Fatalf("expected manual timer to remain fixed, got %v", c.CurrentTimerMs())
	}
	c.EnableAuto()
	c.MaybeAdjust()
	if c.CurrentTimerMs() == 300 {
		t.Fatalf("expected auto adjustment to resume after EnableAuto")
	}
}

func TestAdjustCadenceRespected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdjustInterval = time.Minute
	c := New(cfg)
	c.ObserveLoss(0.5)
	if !c.MaybeAdjust() {
		t.Fatal("expected first adjustment to apply")
	}
	if c.MaybeAdjust() {
		t.Fatal("expected second adjustment within the interval to be suppressed")
	}
}

func TestNegativeSamplesIgnored(t *testing.T) {
	c := testController()
	c.ObserveRTT(100)
	c.ObserveRTT(-50)
	if c.State().AvgRTTMs != 100 {
		t.Fatalf("expected negative RTT sample ignored, got %v", c.State().AvgRTTMs)
	}
	c.ObserveLoss(0.02)
	c.ObserveLoss(-1)
	if c.State().AvgLossMs != 0.02 {
		t.Fatalf("expected negative loss sample ignored, got %v", c.State().AvgLossMs)
	}
}
