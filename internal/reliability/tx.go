// Package reliability implements the TX/RX reliability loop of
// spec.md §4.4: the client-side send path (serialize, compress,
// encrypt, frame, archive, emit) and the server-side receive path
// (parse, classify, decrypt, decompress, deliver), tying together
// every leaf package built for this transport.
//
// Grounded on source/protocol/raknet.go's Session send/receive
// pipeline (HandleDataPacket's decode-then-dispatch shape, and
// SendReliable's frame-then-archive shape) generalized from RakNet's
// per-channel ordering to the single cumulative v2 sequence space.
package reliability

import (
	"context"
	"fmt"
	"time"

	"marinelink/internal/aead"
	"marinelink/internal/batcher"
	"marinelink/internal/bonding"
	"marinelink/internal/compress"
	"marinelink/internal/congestion"
	"marinelink/internal/host"
	"marinelink/internal/metrics"
	"marinelink/internal/retransmit"
	"marinelink/internal/telemetry"
	"marinelink/internal/wire"
)

// Submitter hands fn back to the owning role's single executor
// (spec.md §5); TX uses it to deliver worker-pool compression results
// without ever blocking the executor goroutine on a compress call.
type Submitter interface {
	Submit(fn func())
}

// Sender transmits a framed datagram over the named bonded link.
type Sender func(link bonding.LinkID, data []byte) error

// TXConfig groups the TX half's tunables, sourced from
// config.Reliability (spec.md §4.4/§6).
type TXConfig struct {
	EnvelopeContext string
	MTU             int

	RetransmitMaxAge        time.Duration
	RetransmitMinAge        time.Duration
	RetransmitRTTMultiplier float64
	AckIdleDrainAge         time.Duration
	ForceDrainAfterAckIdle  bool
	ForceDrainAfterMs       time.Duration

	RecoveryBurstEnabled bool
	RecoveryBurstSize    int
	RecoveryAckGap       int

	// V1Passthrough selects the legacy encrypt-only path (spec.md §4.8,
	// config.ProtocolV1): no header, no sequence, no retransmit archive,
	// no ACK/NAK feedback — just compress, seal, send.
	V1Passthrough bool
}

// TX is the client-side half of the reliability loop. Construction is
// two-phase by necessity: the batcher passed in must already hold a
// FlushFunc that forwards to this TX's FlushBatch, which means the
// caller predeclares a *TX variable, builds the batcher around a
// closure over it, then calls NewTX — see cmd/marinelink-client for
// the wiring.
type TX struct {
	cfg    TXConfig
	cipher *aead.Cipher
	pool   *compress.Pool
	queue  *retransmit.Queue
	batch  *batcher.Batcher
	cong   *congestion.Controller
	bond   *bonding.Manager
	send   Sender
	host   host.Host
	exec   Submitter
	now    func() time.Time

	nextSeq         uint32
	lastAckAt       time.Time
	packetsSinceAck int
}

// NewTX constructs the TX half. batch must already be wired to call
// this TX's FlushBatch on flush.
func NewTX(cfg TXConfig, cipher *aead.Cipher, pool *compress.Pool, queue *retransmit.Queue, batch *batcher.Batcher, cong *congestion.Controller, bond *bonding.Manager, send Sender, h host.Host, exec Submitter) *TX {
	return &TX{
		cfg:    cfg,
		cipher: cipher,
		pool:   pool,
		queue:  queue,
		batch:  batch,
		cong:   cong,
		bond:   bond,
		send:   send,
		host:   h,
		exec:   exec,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for deterministic tests.
func (tx *TX) SetClock(now func() time.Time) {
	tx.now = now
}

// Enqueue hands one outgoing delta update to the batcher, reading the
// congestion controller's live delta timer so a controller adjustment
// takes effect on the very next flush decision (spec.md §4.5).
func (tx *TX) Enqueue(update telemetry.Update) {
	tx.batch.Append(update, int64(tx.cong.CurrentTimerMs()))
}

// FlushBatch is the batcher's FlushFunc: serialize, then hand off to
// the compression worker pool so the executor is never blocked on the
// CPU-heavy step (spec.md §5).
func (tx *TX) FlushBatch(pending []telemetry.Update) {
	env := telemetry.Envelope{Context: tx.cfg.EnvelopeContext, Updates: pending}
	data, err := telemetry.Marshal(env)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("SerializeFailure").Inc()
		tx.host.LogError(fmt.Sprintf("reliability: marshal envelope: %v", err))
		return
	}

	seq := tx.nextSeq
	tx.nextSeq++
	deltaCount := len(pending)

	resultCh := tx.pool.CompressAsync(context.Background(), data)
	go func() {
		res := <-resultCh
		tx.exec.Submit(func() { tx.onCompressed(seq, deltaCount, res) })
	}()
}

func (tx *TX) onCompressed(seq uint32, deltaCount int, res compress.Result) {
	if res.Err != nil {
		metrics.ErrorCount.WithLabelValues("CompressFailure").Inc()
		tx.host.LogError(fmt.Sprintf("reliability: compress: %v", res.Err))
		return
	}
	sealed, err := tx.cipher.Seal(res.Data)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("EncryptFailure").Inc()
		tx.host.LogError(fmt.Sprintf("reliability: seal: %v", err))
		return
	}

	var frame []byte
	if tx.cfg.V1Passthrough {
		// v1 has no framing, no sequence space, and so nothing to
		// archive for retransmit: the sealed ciphertext goes straight
		// out as the whole datagram.
		frame = sealed
	} else {
		frame = wire.BuildData(sealed, wire.FlagCompressed|wire.FlagEncrypted, seq)
		tx.queue.Add(seq, frame)
		metrics.RetransmitQueueSize.Set(float64(tx.queue.Len()))
	}

	tx.emit(frame)
	tx.packetsSinceAck++

	exceededMTU := len(frame) > tx.cfg.MTU
	tx.batch.RecordSent(len(frame), deltaCount, exceededMTU)
	if exceededMTU {
		metrics.BatchOvershootCount.Inc()
	}
	metrics.BatchDeltasPerPacket.Observe(float64(deltaCount))
	tx.host.ReportOutputMessages(deltaCount)
}

func (tx *TX) emit(frame []byte) {
	tx.sendOn(tx.bond.ActiveLink(), frame)
}

func (tx *TX) sendOn(link bonding.LinkID, data []byte) {
	if tx.send == nil {
		return
	}
	if err := tx.send(link, data); err != nil {
		metrics.ErrorCount.WithLabelValues("SendFailure").Inc()
		tx.host.LogError(fmt.Sprintf("reliability: send on %v: %v", link, err))
	}
}

// OnPacket dispatches an inbound datagram that arrived on link:
// ACK, NAK, or a bonding heartbeat probe/echo.
func (tx *TX) OnPacket(link bonding.LinkID, data []byte) {
	if tx.cfg.V1Passthrough {
		// No ACK/NAK/heartbeat framing exists on the v1 path; nothing
		// ever arrives here for a v1 sender to act on.
		return
	}
	parsed, err := wire.Parse(data)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("ParseError").Inc()
		return
	}
	if handleHeartbeat(parsed, link, tx.bond, func(reply []byte) { tx.sendOn(link, reply) }) {
		return
	}
	switch parsed.Header.Type {
	case wire.KindACK:
		tx.handleACK(parsed)
	case wire.KindNAK:
		tx.handleNAK(parsed)
	}
}

func (tx *TX) handleACK(parsed wire.Parsed) {
	cumSeq, err := wire.ACKPayload(parsed.Payload)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("ParseError").Inc()
		return
	}
	entry, found := tx.queue.Lookup(cumSeq)
	tx.queue.Acknowledge(cumSeq)
	tx.lastAckAt = tx.now()
	tx.packetsSinceAck = 0
	metrics.RetransmitQueueSize.Set(float64(tx.queue.Len()))

	if found {
		rtt := tx.now().Sub(entry.FirstSentAt)
		tx.cong.ObserveRTT(float64(rtt.Milliseconds()))
		metrics.CongestionAvgRTTMs.Set(tx.cong.State().AvgRTTMs)
	}
}

func (tx *TX) handleNAK(parsed wire.Parsed) {
	missing, err := wire.NAKPayload(parsed.Payload)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("ParseError").Inc()
		return
	}
	for _, r := range tx.queue.Retransmit(missing) {
		tx.emit(r.Bytes)
	}
	if len(missing) > 0 {
		sample := float64(len(missing)) / float64(max(1, tx.packetsSinceAck+len(missing)))
		tx.cong.ObserveLoss(sample)
		metrics.CongestionAvgLoss.Set(tx.cong.State().AvgLossMs)
	}
	metrics.RetransmitQueueSize.Set(float64(tx.queue.Len()))
}

// RecoveryBurstTick is driven every recovery_burst_interval: while
// ACKs are idle longer than recovery_ack_gap packets, opportunistically
// retransmit the oldest up-to-burst_size queued sequences (spec.md
// §4.4).
func (tx *TX) RecoveryBurstTick() {
	if !tx.cfg.RecoveryBurstEnabled {
		return
	}
	if tx.packetsSinceAck <= tx.cfg.RecoveryAckGap {
		return
	}
	for _, r := range tx.queue.Retransmit(tx.queue.OldestSequences(tx.cfg.RecoveryBurstSize)) {
		tx.emit(r.Bytes)
	}
}

// ExpireTick is driven every expire_tick: ages out queue entries using
// a dynamic age derived from RTT, per spec.md §4.4.
func (tx *TX) ExpireTick() {
	idleFor := tx.now().Sub(tx.lastAckAt)
	if tx.cfg.ForceDrainAfterAckIdle && tx.lastAckAt.IsZero() == false && idleFor > tx.cfg.ForceDrainAfterMs {
		tx.queue.Clear()
		metrics.RetransmitQueueSize.Set(0)
		return
	}

	age := tx.cfg.RetransmitMaxAge
	if state := tx.cong.State(); state.AvgRTTMs > 0 {
		age = clampDuration(time.Duration(state.AvgRTTMs*tx.cfg.RetransmitRTTMultiplier)*time.Millisecond, tx.cfg.RetransmitMinAge, tx.cfg.RetransmitMaxAge)
	}
	if !tx.lastAckAt.IsZero() && idleFor > tx.cfg.AckIdleDrainAge {
		age /= 2
	}

	evicted := tx.queue.ExpireOld(age)
	if evicted > 0 {
		metrics.RetransmitEvictedCount.Add(float64(evicted))
	}
	metrics.RetransmitQueueSize.Set(float64(tx.queue.Len()))
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
