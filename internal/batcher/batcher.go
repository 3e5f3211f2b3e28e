// Package batcher implements the smart batcher of spec.md §4.5:
// aggregate per-delta updates into MTU-safe batches, balancing
// compression gain against latency.
//
// No teacher equivalent exists (RakNet frames one RPC per packet); the
// EMA-smoothed sizing style is enriched from gomcp's
// updateRTTMetrics-style exponential smoothing and AetherFlow's
// SendBuffer EMA bookkeeping, both already grounded in
// internal/congestion.
package batcher

import (
	"marinelink/internal/telemetry"
)

const (
	emaAlpha            = 0.2
	initialAvgBytes     = 200.0
	maxDeltasCeiling     = 50
	mtuUtilizationFactor = 0.85
)

// Config holds the batcher's tunables (the target MTU). The delta
// timer is not part of Config; it is passed to each Append call.
type Config struct {
	MTU int
}

// DefaultConfig matches the MTU spec.md §4.5 names inline (1400).
func DefaultConfig() Config {
	return Config{MTU: 1400}
}

// TimerScheduler lets the batcher schedule a flush-on-timer-fire
// callback without blocking its own state transitions, matching
// seqtrack's scheduler abstraction (spec.md §5's non-suspending
// critical section requirement).
type TimerScheduler interface {
	Schedule(deltaTimerMs int64, fire func()) TimerHandle
}

// TimerHandle cancels a previously scheduled timer.
type TimerHandle interface {
	Cancel()
}

// FlushFunc builds and emits one packet from the pending delta list.
// It is called both on early-send (pending reaches the derived cap)
// and on timer fire.
type FlushFunc func(pending []telemetry.Update)

// Batcher implements the EMA-driven batching algorithm of spec.md
// §4.5. It is not safe for concurrent use; per spec.md §5 it is driven
// from a single executor.
type Batcher struct {
	cfg       Config
	scheduler TimerScheduler
	flush     FlushFunc

	avgBytesPerDelta  float64
	pending           []telemetry.Update
	timer             TimerHandle
	overshootCount    int
}

// New constructs a Batcher. The delta timer is not fixed here: each
// Append call passes the congestion controller's current value, so
// the live value is always used, never a snapshot taken at
// construction.
func New(cfg Config, scheduler TimerScheduler, flush FlushFunc) *Batcher {
	return &Batcher{
		cfg:              cfg,
		scheduler:        scheduler,
		flush:            flush,
		avgBytesPerDelta: initialAvgBytes,
	}
}

// maxDeltasPerBatch derives spec.md §4.5's clamp formula from the
// current EMA.
func (b *Batcher) maxDeltasPerBatch() int {
	if b.avgBytesPerDelta <= 0 {
		return maxDeltasCeiling
	}
	n := int(float64(b.cfg.MTU) * mtuUtilizationFactor / b.avgBytesPerDelta)
	if n < 1 {
		return 1
	}
	if n > maxDeltasCeiling {
		return maxDeltasCeiling
	}
	return n
}

// Append adds a delta to the pending list, arming or re-checking the
// flush timer, and early-sending when the derived cap is reached.
// deltaTimerMs is the congestion controller's current delta timer,
// read by the caller immediately before each Append so adjustments
// take effect on the next flush decision.
func (b *Batcher) Append(update telemetry.Update, deltaTimerMs int64) {
	b.pending = append(b.pending, update)
	if len(b.pending) >= b.maxDeltasPerBatch() {
		b.flushNow()
		return
	}
	if b.timer == nil {
		b.armTimer(deltaTimerMs)
	}
}

func (b *Batcher) armTimer(deltaTimerMs int64) {
	b.timer = b.scheduler.Schedule(deltaTimerMs, func() {
		b.timer = nil
		b.flushNow()
	})
}

func (b *Batcher) flushNow() {
	if len(b.pending) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Cancel()
		b.timer = nil
	}
	pending := b.pending
	b.pending = nil
	b.flush(pending)
}

// RecordSent folds one flushed batch's actual wire size back into the
// EMA, per spec.md §4.5: bytes_per_delta = packet_size / delta_count,
// then an α=0.2 exponential smoothing step. exceededMTU should be true
// when the built packet was larger than the configured MTU, which
// increments the overshoot counter without affecting the EMA update
// itself — the EMA's own reaction is what prevents sustained
// overshoot.
func (b *Batcher) RecordSent(packetSize int, deltaCount int, exceededMTU bool) {
	if deltaCount <= 0 {
		return
	}
	sample := float64(packetSize) / float64(deltaCount)
	b.avgBytesPerDelta = emaAlpha*sample + (1-emaAlpha)*b.avgBytesPerDelta
	if exceededMTU {
		b.overshootCount++
	}
}

// OvershootCount reports how many flushed batches exceeded the MTU.
func (b *Batcher) OvershootCount() int {
	return b.overshootCount
}

// AvgBytesPerDelta exposes the current EMA, for tests and metrics.
func (b *Batcher) AvgBytesPerDelta() float64 {
	return b.avgBytesPerDelta
}

// MaxDeltasPerBatch exposes the current derived cap, for tests and
// metrics.
func (b *Batcher) MaxDeltasPerBatch() int {
	return b.maxDeltasPerBatch()
}

// PendingCount reports the number of deltas currently buffered.
func (b *Batcher) PendingCount() int {
	return len(b.pending)
}

// Flush forces an immediate flush of any pending deltas, used for
// graceful shutdown.
func (b *Batcher) Flush() {
	b.flushNow()
}
