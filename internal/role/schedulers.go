package role

import (
	"time"

	"marinelink/internal/batcher"
	"marinelink/internal/seqtrack"
)

// SeqtrackScheduler adapts an Executor to seqtrack.TimerScheduler, so
// NAK timers fire back onto the same executor goroutine that owns the
// tracker's state.
type SeqtrackScheduler struct {
	Executor *Executor
}

func (s SeqtrackScheduler) Schedule(d time.Duration, fire func()) seqtrack.TimerHandle {
	return s.Executor.Schedule(d, fire)
}

// BatcherScheduler adapts an Executor to batcher.TimerScheduler. The
// batcher schedules in milliseconds (its delta_timer_ms is read live
// from the congestion controller), so this converts to the
// Executor's time.Duration API.
type BatcherScheduler struct {
	Executor *Executor
}

func (s BatcherScheduler) Schedule(deltaTimerMs int64, fire func()) batcher.TimerHandle {
	return s.Executor.Schedule(time.Duration(deltaTimerMs)*time.Millisecond, fire)
}
