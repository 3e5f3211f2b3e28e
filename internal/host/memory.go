package host

import (
	"sync"

	"marinelink/internal/telemetry"
)

// MemoryHost is an in-process Host used by tests and the cmd/ demo
// entrypoints: it records every call instead of talking to a real
// embedding environment.
type MemoryHost struct {
	mu sync.Mutex

	Deltas        []ReceivedDelta
	OutputCounts  []int
	DebugMessages []string
	ErrorMessages []string
}

// ReceivedDelta is one EmitDeltaToHost call captured by MemoryHost.
type ReceivedDelta struct {
	Context string
	Delta   telemetry.Envelope
}

// NewMemoryHost returns an empty MemoryHost.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{}
}

func (h *MemoryHost) EmitDeltaToHost(context string, delta telemetry.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Deltas = append(h.Deltas, ReceivedDelta{Context: context, Delta: delta})
}

func (h *MemoryHost) ReportOutputMessages(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OutputCounts = append(h.OutputCounts, count)
}

func (h *MemoryHost) LogDebug(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DebugMessages = append(h.DebugMessages, msg)
}

func (h *MemoryHost) LogError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ErrorMessages = append(h.ErrorMessages, msg)
}

// DeltaCount reports how many deltas have been emitted so far.
func (h *MemoryHost) DeltaCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Deltas)
}

// MemorySource is an in-process OutgoingSource: tests push updates
// through Emit and MemorySource fans them out to subscribers.
type MemorySource struct {
	mu          sync.Mutex
	subscribers []func(telemetry.Update)
}

// NewMemorySource returns an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

func (s *MemorySource) Subscribe(callback func(update telemetry.Update)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, callback)
	idx := len(s.subscribers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subscribers[idx] = nil
	}
}

// Emit delivers update to every live subscriber.
func (s *MemorySource) Emit(update telemetry.Update) {
	s.mu.Lock()
	subs := append([]func(telemetry.Update){}, s.subscribers...)
	s.mu.Unlock()
	for _, cb := range subs {
		if cb != nil {
			cb(update)
		}
	}
}
