package bonding

import (
	"testing"
	"time"
)

type notification struct {
	id       string
	from, to LinkID
	reason   string
}

func newTestManager(cfg Config) (*Manager, *time.Time, *[]notification) {
	now := time.Unix(0, 0)
	var notifications []notification
	m := New(cfg, func(link LinkID, seq uint32) {}, func(id string, from, to LinkID, reason string) {
		notifications = append(notifications, notification{id: id, from: from, to: to, reason: reason})
	})
	m.SetClock(func() time.Time { return now })
	return m, &now, &notifications
}

func clearPending(m *Manager) {
	m.links[LinkPrimary].pendingHeartbeats = make(map[uint32]time.Time)
	m.links[LinkBackup].pendingHeartbeats = make(map[uint32]time.Time)
}

func TestInitialStateExactlyOneActive(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	if m.ActiveLink() != LinkPrimary {
		t.Fatalf("expected primary active at start, got %v", m.ActiveLink())
	}
	if m.LinkStatus(LinkPrimary) != StatusActive {
		t.Fatalf("expected primary status ACTIVE, got %v", m.LinkStatus(LinkPrimary))
	}
	if m.LinkStatus(LinkBackup) != StatusStandby {
		t.Fatalf("expected backup status STANDBY, got %v", m.LinkStatus(LinkBackup))
	}
}

func TestFailoverOnHighRTT(t *testing.T) {
	// spec.md §8 scenario 4: primary RTT rises to 550ms (threshold
	// 500); backup becomes ACTIVE within one health-check tick.
	m, now, notifications := newTestManager(DefaultConfig())

	// Seed a heartbeat RTT sample of 550ms on the primary link.
	m.Tick() // sends heartbeat seq 0 on both links at t=0
	*now = now.Add(550 * time.Millisecond)
	m.OnHeartbeatEcho(LinkPrimary, 0)
	m.OnHeartbeatEcho(LinkBackup, 0)

	*now = now.Add(450 * time.Millisecond) // advance to next health-check tick
	m.Tick()

	if m.ActiveLink() != LinkBackup {
		t.Fatalf("expected failover to backup, got %v active", m.ActiveLink())
	}
	if len(*notifications) != 1 || (*notifications)[0].reason != "failover" {
		t.Fatalf("expected one failover notification, got %+v", *notifications)
	}
	if (*notifications)[0].from != LinkPrimary || (*notifications)[0].to != LinkBackup {
		t.Fatalf("expected failover from primary to backup, got %+v", (*notifications)[0])
	}
}

func TestFailbackHysteresis(t *testing.T) {
	// spec.md §8 scenario 5: after failover, primary RTT recovers to
	// 450ms (below threshold but above threshold*0.8=400) — failback
	// must not occur even after 31s; once RTT drops to 350ms, failback
	// occurs on the next tick.
	//
	// The RTT EMA is seeded directly rather than reconstructed from
	// repeated simulated heartbeats, to test the failback predicate
	// (hysteresis thresholds, failback_delay gating) independently of
	// how many real samples it would take the EMA to converge.
	cfg := DefaultConfig()
	m, now, notifications := newTestManager(cfg)

	// Force a failover to backup.
	m.links[LinkPrimary].haveRTT = true
	m.links[LinkPrimary].avgRTT = 550 * time.Millisecond
	m.Tick()
	if m.ActiveLink() != LinkBackup {
		t.Fatalf("expected backup active after forced failover, got %v", m.ActiveLink())
	}
	*notifications = nil

	// Primary recovers to 450ms (between threshold*0.8=400 and
	// threshold=500): not healthy enough for failback even after 31s.
	// Pending heartbeats from the prior tick are cleared first so the
	// large time jump doesn't age them past heartbeat_timeout and
	// register as spurious loss.
	clearPending(m)
	m.links[LinkPrimary].avgRTT = 450 * time.Millisecond
	*now = now.Add(31 * time.Second)
	m.Tick()
	if m.ActiveLink() != LinkBackup {
		t.Fatalf("expected no failback at 450ms RTT even after 31s, got %v active", m.ActiveLink())
	}
	if len(*notifications) != 0 {
		t.Fatalf("expected no failback notification yet, got %+v", *notifications)
	}

	// Primary RTT now drops to 350ms (below threshold*0.8=400):
	// failback occurs on the next tick.
	clearPending(m)
	m.links[LinkPrimary].avgRTT = 350 * time.Millisecond
	m.Tick()
	if m.ActiveLink() != LinkPrimary {
		t.Fatalf("expected failback to primary once RTT is healthy, got %v active", m.ActiveLink())
	}
	if len(*notifications) != 1 || (*notifications)[0].reason != "failback" {
		t.Fatalf("expected one failback notification, got %+v", *notifications)
	}
}

func TestBothLinksDownKeepsSendingOnLastActive(t *testing.T) {
	m, now, _ := newTestManager(DefaultConfig())
	m.Tick()
	*now = now.Add(6 * time.Second) // exceed heartbeat_timeout (5s) with no echoes
	m.Tick()

	if m.LinkStatus(LinkPrimary) != StatusDown {
		t.Fatalf("expected primary DOWN after heartbeat timeout, got %v", m.LinkStatus(LinkPrimary))
	}
	if m.LinkStatus(LinkBackup) != StatusDown {
		t.Fatalf("expected backup DOWN after heartbeat timeout, got %v", m.LinkStatus(LinkBackup))
	}
	if m.ActiveLink() != LinkPrimary {
		t.Fatalf("expected manager to keep the last-active link selected, got %v", m.ActiveLink())
	}
}

func TestLossWarningFiresOnceThenRearms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LossWarningThreshold = 0.05
	m, _, notifications := newTestManager(cfg)

	// Force the primary link's loss ratio above the warning threshold
	// without touching RTT or the failover threshold, so only the
	// warning path fires.
	m.links[LinkPrimary].sent = 10
	m.links[LinkPrimary].dropped = 1 // 10% loss > 5% warning threshold, not above the 10% failover threshold

	m.checkLossWarning(LinkPrimary)
	m.checkLossWarning(LinkPrimary)
	if len(*notifications) != 1 || (*notifications)[0].reason != "lossWarning" {
		t.Fatalf("expected exactly one lossWarning notification, got %+v", *notifications)
	}
	if (*notifications)[0].from != LinkPrimary || (*notifications)[0].to != LinkPrimary {
		t.Fatalf("expected lossWarning to name the affected link on both sides, got %+v", (*notifications)[0])
	}

	// Ratio recovers: re-arms, so the next crossing notifies again.
	m.links[LinkPrimary].sent = 100
	m.links[LinkPrimary].dropped = 1
	m.checkLossWarning(LinkPrimary)
	if len(*notifications) != 1 {
		t.Fatalf("expected no new notification while under threshold, got %+v", *notifications)
	}

	m.links[LinkPrimary].sent = 10
	m.links[LinkPrimary].dropped = 1
	m.checkLossWarning(LinkPrimary)
	if len(*notifications) != 2 {
		t.Fatalf("expected a second lossWarning after re-arming, got %+v", *notifications)
	}
}

func TestLossWarningDisabledWhenThresholdZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LossWarningThreshold = 0
	m, _, notifications := newTestManager(cfg)
	m.links[LinkPrimary].sent = 10
	m.links[LinkPrimary].dropped = 5

	m.checkLossWarning(LinkPrimary)
	if len(*notifications) != 0 {
		t.Fatalf("expected no notification with the warning disabled, got %+v", *notifications)
	}
}

func TestHeartbeatEchoRecoversDownLinkToStandby(t *testing.T) {
	m, now, _ := newTestManager(DefaultConfig())
	m.Tick()
	*now = now.Add(6 * time.Second)
	m.Tick() // both links DOWN
	seq := m.links[LinkBackup].nextSeq
	m.Tick() // new heartbeats sent
	m.OnHeartbeatEcho(LinkBackup, seq)
	if m.LinkStatus(LinkBackup) != StatusStandby {
		t.Fatalf("expected backup to recover to STANDBY on echo, got %v", m.LinkStatus(LinkBackup))
	}
}
