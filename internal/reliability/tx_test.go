package reliability

import (
	"testing"
	"time"

	"marinelink/internal/aead"
	"marinelink/internal/batcher"
	"marinelink/internal/bonding"
	"marinelink/internal/compress"
	"marinelink/internal/congestion"
	"marinelink/internal/host"
	"marinelink/internal/retransmit"
	"marinelink/internal/telemetry"
	"marinelink/internal/wire"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// syncSubmitter hands each submitted fn to the test goroutine over a
// channel instead of running it inline, so tests can deterministically
// drain exactly one pending continuation at a time.
type syncSubmitter struct {
	calls chan func()
}

func newSyncSubmitter() *syncSubmitter {
	return &syncSubmitter{calls: make(chan func(), 16)}
}

func (s *syncSubmitter) Submit(fn func()) { s.calls <- fn }

func (s *syncSubmitter) runOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-s.calls:
		fn()
	case <-time.After(time.Second):
		t.Fatal("expected a submitted continuation, got none")
	}
}

type fakeSender struct {
	sent []sentFrame
}

type sentFrame struct {
	link bonding.LinkID
	data []byte
}

func (f *fakeSender) send(link bonding.LinkID, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, sentFrame{link: link, data: cp})
	return nil
}

func noopHeartbeatSender(bonding.LinkID, uint32) {}
func noopNotifier(string, bonding.LinkID, bonding.LinkID, string) {}

func newTestTX(t *testing.T) (*TX, *fakeSender, *host.MemoryHost, *retransmit.Queue, *congestion.Controller, *syncSubmitter) {
	t.Helper()
	cipher, err := aead.New(testKey())
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	pool := compress.NewPool(2)
	queue := retransmit.New(retransmit.Config{MaxSize: 16, MaxRetransmits: 4})
	cong := congestion.New(congestion.DefaultConfig())
	bond := bonding.New(bonding.DefaultConfig(), noopHeartbeatSender, noopNotifier)
	sender := &fakeSender{}
	h := host.NewMemoryHost()
	submitter := newSyncSubmitter()

	var tx *TX
	b := batcher.New(batcher.DefaultConfig(), fakeBatchScheduler{}, func(pending []telemetry.Update) { tx.FlushBatch(pending) })
	tx = NewTX(TXConfig{
		EnvelopeContext:      "telemetry",
		MTU:                  1400,
		RetransmitMaxAge:     5 * time.Second,
		RetransmitMinAge:     200 * time.Millisecond,
		RecoveryBurstEnabled: true,
		RecoveryBurstSize:    4,
		RecoveryAckGap:       1,
	}, cipher, pool, queue, b, cong, bond, sender.send, h, submitter)
	return tx, sender, h, queue, cong, submitter
}

// fakeBatchScheduler never fires the scheduled callback; tests drive
// flushes by calling FlushBatch directly instead.
type fakeBatchScheduler struct{}

type fakeBatchTimer struct{}

func (fakeBatchTimer) Cancel() {}

func (fakeBatchScheduler) Schedule(int64, func()) batcher.TimerHandle { return fakeBatchTimer{} }

func TestFlushBatchFramesArchivesAndEmits(t *testing.T) {
	tx, sender, h, queue, _, submitter := newTestTX(t)

	tx.FlushBatch([]telemetry.Update{{Timestamp: 1, Values: []telemetry.Value{{Path: "nav.sog", Value: 6.2}}}})
	submitter.runOne(t)

	if queue.Len() != 1 {
		t.Fatalf("expected one archived entry, got %d", queue.Len())
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one emitted frame, got %d", len(sender.sent))
	}
	parsed, err := wire.Parse(sender.sent[0].data)
	if err != nil {
		t.Fatalf("wire.Parse: %v", err)
	}
	if parsed.Header.Type != wire.KindData {
		t.Fatalf("expected DATA, got %v", parsed.Header.Type)
	}
	if parsed.Header.Flags&wire.FlagCompressed == 0 || parsed.Header.Flags&wire.FlagEncrypted == 0 {
		t.Fatalf("expected compressed+encrypted flags, got 0x%02x", parsed.Header.Flags)
	}
	if len(h.OutputCounts) != 1 || h.OutputCounts[0] != 1 {
		t.Fatalf("expected ReportOutputMessages called once with 1, got %+v", h.OutputCounts)
	}
}

func TestHandleACKAcknowledgesQueueAndRecordsRTT(t *testing.T) {
	tx, _, _, queue, cong, submitter := newTestTX(t)
	now := time.Unix(100, 0)
	tx.SetClock(func() time.Time { return now })
	queue.SetClock(func() time.Time { return now })

	tx.FlushBatch([]telemetry.Update{{Timestamp: 1}})
	submitter.runOne(t)

	now = now.Add(80 * time.Millisecond)
	tx.OnPacket(bonding.LinkPrimary, wire.BuildACK(0))

	if queue.Len() != 0 {
		t.Fatalf("expected queue drained after ACK, got %d", queue.Len())
	}
	if !cong.State().ManualMode && cong.State().AvgRTTMs != 80 {
		t.Fatalf("expected RTT sample of 80ms folded into congestion controller, got %v", cong.State().AvgRTTMs)
	}
}

func TestHandleNAKRetransmitsMissing(t *testing.T) {
	tx, sender, _, _, _, submitter := newTestTX(t)

	tx.FlushBatch([]telemetry.Update{{Timestamp: 1}})
	submitter.runOne(t)
	sender.sent = nil

	tx.OnPacket(bonding.LinkPrimary, wire.BuildNAK([]uint32{0}))

	if len(sender.sent) != 1 {
		t.Fatalf("expected one retransmitted frame, got %d", len(sender.sent))
	}
	parsed, err := wire.Parse(sender.sent[0].data)
	if err != nil {
		t.Fatalf("wire.Parse: %v", err)
	}
	if parsed.Header.Sequence != 0 {
		t.Fatalf("expected retransmit of seq 0, got %d", parsed.Header.Sequence)
	}
}

func TestRecoveryBurstTickRetransmitsWhenAckIdle(t *testing.T) {
	tx, sender, _, _, _, submitter := newTestTX(t)

	tx.FlushBatch([]telemetry.Update{{Timestamp: 1}})
	submitter.runOne(t)
	tx.FlushBatch([]telemetry.Update{{Timestamp: 2}})
	submitter.runOne(t)
	sender.sent = nil

	// RecoveryAckGap is 1; two packets have been sent since the last
	// (nonexistent) ACK, so a burst tick should retransmit both.
	tx.RecoveryBurstTick()
	if len(sender.sent) != 2 {
		t.Fatalf("expected recovery burst to retransmit both queued entries, got %d", len(sender.sent))
	}
}

func TestExpireTickEvictsOldEntries(t *testing.T) {
	tx, _, _, queue, _, submitter := newTestTX(t)
	now := time.Unix(100, 0)
	tx.SetClock(func() time.Time { return now })
	queue.SetClock(func() time.Time { return now })

	tx.FlushBatch([]telemetry.Update{{Timestamp: 1}})
	submitter.runOne(t)

	now = now.Add(10 * time.Second) // past RetransmitMaxAge (5s)
	tx.ExpireTick()

	if queue.Len() != 0 {
		t.Fatalf("expected entry expired, got queue len %d", queue.Len())
	}
}

func TestHeartbeatProbeIsEchoedWithProbeSequence(t *testing.T) {
	var sentSeq uint32
	origin := bonding.New(bonding.DefaultConfig(), func(_ bonding.LinkID, seq uint32) { sentSeq = seq }, noopNotifier)
	origin.Tick() // arms a pending heartbeat on both links at seq 0

	peerTX, peerSender, _, _, _, _ := newTestTX(t)

	probe := wire.BuildHeartbeat(sentSeq)
	peerTX.OnPacket(bonding.LinkPrimary, probe)
	if len(peerSender.sent) != 1 {
		t.Fatalf("expected peer to echo the heartbeat, got %d frames", len(peerSender.sent))
	}
	echo, err := wire.Parse(peerSender.sent[0].data)
	if err != nil {
		t.Fatalf("wire.Parse echo: %v", err)
	}
	if echo.Header.Type != wire.KindHeartbeat || echo.Header.Flags&wire.FlagHeartbeatEcho == 0 {
		t.Fatalf("expected a flagged heartbeat echo, got type %v flags 0x%02x", echo.Header.Type, echo.Header.Flags)
	}
	if echo.Header.Sequence != sentSeq {
		t.Fatalf("expected echo to carry the probe's sequence %d, got %d", sentSeq, echo.Header.Sequence)
	}

	origin.OnHeartbeatEcho(bonding.LinkPrimary, echo.Header.Sequence)
	if origin.LinkStatus(bonding.LinkPrimary) == bonding.StatusDown {
		t.Fatal("origin link should not be DOWN after a successful heartbeat echo")
	}
}

func TestV1PassthroughSkipsFramingAndArchive(t *testing.T) {
	cipher, err := aead.New(testKey())
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	pool := compress.NewPool(2)
	queue := retransmit.New(retransmit.Config{MaxSize: 16, MaxRetransmits: 4})
	cong := congestion.New(congestion.DefaultConfig())
	bond := bonding.New(bonding.DefaultConfig(), noopHeartbeatSender, noopNotifier)
	sender := &fakeSender{}
	h := host.NewMemoryHost()
	submitter := newSyncSubmitter()

	var tx *TX
	b := batcher.New(batcher.DefaultConfig(), fakeBatchScheduler{}, func(pending []telemetry.Update) { tx.FlushBatch(pending) })
	tx = NewTX(TXConfig{
		EnvelopeContext: "telemetry",
		MTU:             1400,
		V1Passthrough:   true,
	}, cipher, pool, queue, b, cong, bond, sender.send, h, submitter)

	tx.FlushBatch([]telemetry.Update{{Timestamp: 1, Values: []telemetry.Value{{Path: "nav.sog", Value: 6.2}}}})
	submitter.runOne(t)

	if queue.Len() != 0 {
		t.Fatalf("expected nothing archived on the v1 path, got %d", queue.Len())
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one emitted datagram, got %d", len(sender.sent))
	}
	if wire.IsV2(sender.sent[0].data) {
		t.Fatal("expected a raw sealed blob with no v2 header on the v1 path")
	}

	// No ACK/NAK feedback channel exists on the v1 path; this must be a
	// silent no-op rather than attempt to parse a v2 header.
	tx.OnPacket(bonding.LinkPrimary, wire.BuildACK(0))
}
