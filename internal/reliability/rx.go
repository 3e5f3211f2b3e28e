package reliability

import (
	"context"
	"fmt"
	"net"
	"time"

	"marinelink/internal/aead"
	"marinelink/internal/bonding"
	"marinelink/internal/compress"
	"marinelink/internal/host"
	"marinelink/internal/metrics"
	"marinelink/internal/seqtrack"
	"marinelink/internal/telemetry"
	"marinelink/internal/wire"
)

// RXConfig groups the RX half's tunables, sourced from
// config.Reliability (spec.md §4.4/§6).
type RXConfig struct {
	AckInterval       time.Duration
	AckResendInterval time.Duration

	// V1Passthrough mirrors TXConfig.V1Passthrough: every inbound
	// datagram is treated as a raw AEAD-sealed blob with no header, no
	// sequence tracking, and no ACK/NAK in reply.
	V1Passthrough bool
}

// RX is the server-side half of the reliability loop. Unlike TX, it
// needs no predeclared variable from its caller: NewRX builds the
// sequence tracker itself and wires its LossCallback to the new *RX.
type RX struct {
	cfg     RXConfig
	cipher  *aead.Cipher
	pool    *compress.Pool
	tracker *seqtrack.Tracker
	bond    *bonding.Manager
	send    Sender
	host    host.Host
	exec    Submitter
	now     func() time.Time

	lastLink     bonding.LinkID
	lastPeerAddr net.Addr
	lastDataAt   time.Time
}

// NewRX constructs the RX half, including its sequence tracker. The
// tracker's LossCallback closes over the *RX being constructed (a
// two-phase wiring kept inside this package since the callback needs
// rx.onLoss, unexported), rather than handing callers a tracker to
// assemble themselves.
func NewRX(cfg RXConfig, cipher *aead.Cipher, pool *compress.Pool, trackerCfg seqtrack.Config, scheduler seqtrack.TimerScheduler, bond *bonding.Manager, send Sender, h host.Host, exec Submitter) *RX {
	rx := &RX{
		cfg:    cfg,
		cipher: cipher,
		pool:   pool,
		bond:   bond,
		send:   send,
		host:   h,
		exec:   exec,
		now:    time.Now,
	}
	rx.tracker = seqtrack.New(trackerCfg, scheduler, func(missing []uint32) { rx.onLoss(missing) })
	return rx
}

// Tracker exposes the RX half's sequence tracker for metrics and
// tests.
func (rx *RX) Tracker() *seqtrack.Tracker {
	return rx.tracker
}

// SetClock overrides the time source, for deterministic tests.
func (rx *RX) SetClock(now func() time.Time) {
	rx.now = now
}

// PeerAddr reports the address of the most recent inbound datagram,
// per spec.md §4.4's "track sender's address from the datagram
// metadata; subsequent ACK/NAK are sent to that address."
func (rx *RX) PeerAddr() net.Addr {
	return rx.lastPeerAddr
}

// OnPacket dispatches an inbound datagram that arrived on link from
// addr: a bonding heartbeat probe/echo, or a DATA packet to classify
// and, unless it's a duplicate, decrypt/decompress/deliver.
func (rx *RX) OnPacket(link bonding.LinkID, data []byte, addr net.Addr) {
	rx.lastLink = link
	if rx.cfg.V1Passthrough {
		rx.lastPeerAddr = addr
		rx.lastDataAt = rx.now()
		rx.decodeAndDeliverRaw(data)
		return
	}

	parsed, err := wire.Parse(data)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("ParseError").Inc()
		return
	}
	if handleHeartbeat(parsed, link, rx.bond, func(reply []byte) { rx.sendOn(link, reply) }) {
		return
	}
	if parsed.Header.Type != wire.KindData {
		return
	}

	rx.lastPeerAddr = addr
	rx.lastDataAt = rx.now()

	result := rx.tracker.Observe(parsed.Header.Sequence)
	switch result.Classification {
	case seqtrack.Duplicate:
		metrics.ErrorCount.WithLabelValues("Duplicate").Inc()
		return
	case seqtrack.Resynced:
		metrics.ResyncCount.Inc()
	case seqtrack.OutOfOrder:
		if len(result.Missing) > 0 {
			metrics.GapDetectedCount.Add(float64(len(result.Missing)))
		}
	}

	rx.decodeAndDeliver(parsed)
}

// onLoss is the tracker's LossCallback: a scheduled NAK timer fired
// and the seq is still missing, so NAK it on the link the data has
// been arriving on (spec.md §4.4: "emit a NAK immediately").
func (rx *RX) onLoss(missing []uint32) {
	rx.sendOn(rx.lastLink, wire.BuildNAK(missing))
}

func (rx *RX) decodeAndDeliver(parsed wire.Parsed) {
	seq := parsed.Header.Sequence
	plaintext, err := rx.cipher.Open(parsed.Payload)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("AuthFailure").Inc()
		return
	}
	resultCh := rx.pool.DecompressAsync(context.Background(), plaintext)
	go func() {
		res := <-resultCh
		rx.exec.Submit(func() { rx.onDecompressed(seq, res) })
	}()
}

// decodeAndDeliverRaw is decodeAndDeliver's v1 counterpart: the whole
// datagram is the sealed ciphertext, with no header to strip and no
// sequence to track.
func (rx *RX) decodeAndDeliverRaw(sealed []byte) {
	plaintext, err := rx.cipher.Open(sealed)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("AuthFailure").Inc()
		return
	}
	resultCh := rx.pool.DecompressAsync(context.Background(), plaintext)
	go func() {
		res := <-resultCh
		rx.exec.Submit(func() { rx.onDecompressed(0, res) })
	}()
}

func (rx *RX) onDecompressed(_ uint32, res compress.Result) {
	if res.Err != nil {
		metrics.ErrorCount.WithLabelValues("DecompressFailure").Inc()
		return
	}
	env, err := telemetry.Unmarshal(res.Data)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("ParseError").Inc()
		return
	}
	rx.deliver(env)
}

func (rx *RX) deliver(env telemetry.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			rx.host.LogError(fmt.Sprintf("reliability: host callback panic: %v", r))
		}
	}()
	rx.host.EmitDeltaToHost(env.Context, env)
}

// AckTick emits a cumulative ACK every ack_interval, carrying
// expected_seq-1 (spec.md §4.4). A no-op before the tracker has seen
// its first packet.
func (rx *RX) AckTick() {
	seq, initialized := rx.tracker.ExpectedSeq()
	if !initialized {
		return
	}
	rx.sendAck(seq - 1)
}

// AckResendTick re-emits the same cumulative ACK while no data has
// arrived for ack_resend_interval, to recover from a lost ACK
// (spec.md §4.4).
func (rx *RX) AckResendTick() {
	seq, initialized := rx.tracker.ExpectedSeq()
	if !initialized {
		return
	}
	if !rx.lastDataAt.IsZero() && rx.now().Sub(rx.lastDataAt) < rx.cfg.AckResendInterval {
		return
	}
	rx.sendAck(seq - 1)
}

func (rx *RX) sendAck(cumSeq uint32) {
	rx.sendOn(rx.lastLink, wire.BuildACK(cumSeq))
}

func (rx *RX) sendOn(link bonding.LinkID, data []byte) {
	if rx.send == nil {
		return
	}
	if err := rx.send(link, data); err != nil {
		metrics.ErrorCount.WithLabelValues("SendFailure").Inc()
		rx.host.LogError(fmt.Sprintf("reliability: send on %v: %v", link, err))
	}
}
