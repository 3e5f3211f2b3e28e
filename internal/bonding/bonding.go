// Package bonding implements the active/standby link-bonding manager
// of spec.md §4.7: two independent links (primary/backup), one active
// at a time, health-checked via heartbeats, with hysteresis against
// flapping.
//
// The pack's only literal multi-WAN-bonding component,
// MultiWANBond's packet-processor.go, has no failover state machine of
// its own (its reorder-buffer shape already grounds internal/seqtrack
// instead); the state machine and its thresholds are spec.md §4.7's
// own description. Health-check pacing is left to the caller, which
// calls Tick (in cmd/*, from a repeating deadline on the role
// executor); notification IDs use github.com/rs/xid, grounded
// on runZeroInc-sockstats's xid.New().String() usage.
package bonding

import (
	"time"

	"github.com/rs/xid"
)

// Status is a link's position in the STANDBY -> ACTIVE -> DEGRADED ->
// DOWN -> STANDBY state machine of spec.md §4.7.
type Status int

const (
	StatusStandby Status = iota
	StatusActive
	StatusDegraded
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusStandby:
		return "STANDBY"
	case StatusActive:
		return "ACTIVE"
	case StatusDegraded:
		return "DEGRADED"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// LinkID names one of the two bonded links. Mode "main-backup"
// (spec.md §6) treats LinkPrimary as the preferred link: failback
// always steers back toward it, never toward the backup.
type LinkID int

const (
	LinkPrimary LinkID = iota
	LinkBackup
)

func (l LinkID) String() string {
	if l == LinkPrimary {
		return "primary"
	}
	return "backup"
}

// Config holds the bonding manager's health-check and hysteresis
// tunables (spec.md §6 bonding.failover block).
type Config struct {
	RTTThreshold        time.Duration
	LossThreshold       float64
	HealthCheckInterval time.Duration
	FailbackDelay       time.Duration
	HeartbeatTimeout    time.Duration
	EMAAlpha            float64

	// RTTHysteresis and LossHysteresis scale down RTTThreshold and
	// LossThreshold for the failback decision (spec.md §4.7), so a
	// link hovering just under the failover threshold doesn't trigger
	// immediate failback and ping-pong.
	RTTHysteresis  float64
	LossHysteresis float64

	// LossWarningThreshold is a lower, non-failover loss ratio (spec.md
	// §7) that raises a "notifications.<id>.lossWarning" delta instead
	// of switching links, so the host can surface a degrading link
	// before it actually fails over. Zero disables the warning.
	LossWarningThreshold float64
}

// DefaultConfig matches the defaults spec.md §4.7 names inline.
func DefaultConfig() Config {
	return Config{
		RTTThreshold:        500 * time.Millisecond,
		LossThreshold:       0.10,
		HealthCheckInterval: 1 * time.Second,
		FailbackDelay:       30 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		EMAAlpha:            0.2,
		RTTHysteresis:       0.8,
		LossHysteresis:      0.5,
		LossWarningThreshold: 0.05,
	}
}

// linkState is the health bookkeeping of one link.
type linkState struct {
	status Status

	avgRTT    time.Duration
	haveRTT   bool
	sent      int
	dropped   int
	responses int

	pendingHeartbeats map[uint32]time.Time
	nextSeq           uint32

	// lossWarned edge-triggers the lossWarning notification: it fires
	// once when the ratio crosses LossWarningThreshold, then stays
	// quiet until the ratio recovers back under it.
	lossWarned bool
}

func newLinkState() *linkState {
	return &linkState{
		status:            StatusStandby,
		pendingHeartbeats: make(map[uint32]time.Time),
	}
}

// lossRatio is dropped/sent over the trailing window, per spec.md
// §4.7.
func (l *linkState) lossRatio() float64 {
	if l.sent == 0 {
		return 0
	}
	return float64(l.dropped) / float64(l.sent)
}

// HeartbeatSender emits a HEARTBEAT packet carrying seq on the named
// link.
type HeartbeatSender func(link LinkID, seq uint32)

// NotificationEmitter hands a bonding-state notification delta to the
// host (spec.md §6A supplemented feature). id is an xid-generated
// correlation identifier for the transition.
type NotificationEmitter func(id string, fromLink, toLink LinkID, reason string)

// Manager runs the two-link state machine. Not safe for concurrent
// use; driven from a single executor per spec.md §5.
type Manager struct {
	cfg Config
	now func() time.Time

	links  [2]*linkState
	active LinkID

	lastFailoverAt time.Time
	haveFailedOver bool

	send   HeartbeatSender
	notify NotificationEmitter
}

// New constructs a Manager with the primary link selected ACTIVE and
// the backup STANDBY, matching "one active at a time" from process
// start (spec.md §8's bonding-exclusivity property).
func New(cfg Config, send HeartbeatSender, notify NotificationEmitter) *Manager {
	m := &Manager{
		cfg:    cfg,
		now:    time.Now,
		links:  [2]*linkState{newLinkState(), newLinkState()},
		active: LinkPrimary,
		send:   send,
		notify: notify,
	}
	m.links[LinkPrimary].status = StatusActive
	return m
}

// SetClock overrides the time source for deterministic tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ActiveLink reports the currently active link.
func (m *Manager) ActiveLink() LinkID {
	return m.active
}

// LinkStatus reports a link's current state-machine status.
func (m *Manager) LinkStatus(link LinkID) Status {
	return m.links[link].status
}

// Tick runs one health-check cycle for both links: send a heartbeat,
// expire stale pending heartbeats as loss, then evaluate failover and
// (if applicable) failback.
func (m *Manager) Tick() {
	for _, link := range []LinkID{LinkPrimary, LinkBackup} {
		m.sendHeartbeat(link)
		m.expireStale(link)
		m.checkLossWarning(link)
	}
	if !m.evaluateFailover() {
		m.evaluateFailback()
	}
}

// checkLossWarning raises a "lossWarning" notification the first time
// link's loss ratio crosses LossWarningThreshold, and re-arms once the
// ratio falls back under it, so a flapping link doesn't notify on
// every tick (spec.md §7: "periodic alerts when loss exceeds a warning
// threshold").
func (m *Manager) checkLossWarning(link LinkID) {
	if m.cfg.LossWarningThreshold <= 0 {
		return
	}
	ls := m.links[link]
	if ls.lossRatio() > m.cfg.LossWarningThreshold {
		if !ls.lossWarned {
			ls.lossWarned = true
			if m.notify != nil {
				m.notify(xid.New().String(), link, link, "lossWarning")
			}
		}
		return
	}
	ls.lossWarned = false
}

func (m *Manager) sendHeartbeat(link LinkID) {
	ls := m.links[link]
	seq := ls.nextSeq
	ls.nextSeq++
	ls.pendingHeartbeats[seq] = m.now()
	ls.sent++
	if m.send != nil {
		m.send(link, seq)
	}
}

// OnHeartbeatEcho records a successful heartbeat response, folding RTT
// into the link's EMA and transitioning DOWN links back to STANDBY per
// spec.md §4.7's "any successful heartbeat response" rule.
func (m *Manager) OnHeartbeatEcho(link LinkID, seq uint32) {
	ls := m.links[link]
	sentAt, ok := ls.pendingHeartbeats[seq]
	if !ok {
		return
	}
	delete(ls.pendingHeartbeats, seq)
	ls.responses++
	rtt := m.now().Sub(sentAt)
	if !ls.haveRTT {
		ls.avgRTT = rtt
		ls.haveRTT = true
	} else {
		ls.avgRTT = time.Duration(m.cfg.EMAAlpha*float64(rtt) + (1-m.cfg.EMAAlpha)*float64(ls.avgRTT))
	}
	if ls.status == StatusDown {
		ls.status = StatusStandby
	}
}

// expireStale drops pending heartbeats older than HeartbeatTimeout,
// counting each as a loss. A link goes DOWN the moment a heartbeat
// times out while the link is already DEGRADED (a further failure), or
// while it has never once echoed back (spec.md §4.7 "heartbeat timeout
// with zero responses") — not when its pending map happens to be
// empty, since a fresh heartbeat is queued every tick and the map would
// otherwise never empty out.
func (m *Manager) expireStale(link LinkID) {
	ls := m.links[link]
	cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
	staleCount := 0
	for seq, sentAt := range ls.pendingHeartbeats {
		if sentAt.Before(cutoff) {
			delete(ls.pendingHeartbeats, seq)
			ls.dropped++
			staleCount++
		}
	}
	if staleCount > 0 && (ls.status == StatusDegraded || ls.responses == 0) {
		ls.status = StatusDown
	}
}

// isFailingActive reports spec.md §4.7's failover predicate for the
// currently active link.
func (m *Manager) isFailingActive() bool {
	active := m.links[m.active]
	return active.status == StatusDown ||
		(active.haveRTT && active.avgRTT > m.cfg.RTTThreshold) ||
		active.lossRatio() > m.cfg.LossThreshold
}

// evaluateFailover is spec.md §4.7's decision rule, run on every
// health-check tick: failover away from the active link iff it fails
// any health threshold and the other link is not DOWN. Returns true if
// a transition occurred.
func (m *Manager) evaluateFailover() bool {
	if !m.isFailingActive() {
		return false
	}
	other := otherLink(m.active)
	otherLs := m.links[other]
	if otherLs.status == StatusDown {
		// Both down: keep sending on the last-active link while
		// continuing to probe, per spec.md §7's LinkDown handling.
		return false
	}

	from := m.active
	if m.links[from].status != StatusDown {
		m.links[from].status = StatusDegraded
	}
	m.active = other
	otherLs.status = StatusActive
	m.lastFailoverAt = m.now()
	m.haveFailedOver = true

	if m.notify != nil {
		m.notify(xid.New().String(), from, other, "failover")
	}
	return true
}

// evaluateFailback is spec.md §4.7's failback rule: only considered
// after failback_delay since the last failover, and only steers back
// to the primary link (main-backup mode never prefers the backup).
func (m *Manager) evaluateFailback() bool {
	if m.active == LinkPrimary {
		return false
	}
	if !m.haveFailedOver || m.now().Sub(m.lastFailoverAt) < m.cfg.FailbackDelay {
		return false
	}
	primary := m.links[LinkPrimary]
	if primary.status == StatusDown {
		return false
	}
	rttOK := !primary.haveRTT || primary.avgRTT < time.Duration(float64(m.cfg.RTTThreshold)*m.cfg.RTTHysteresis)
	lossOK := primary.lossRatio() < m.cfg.LossThreshold*m.cfg.LossHysteresis
	if !rttOK || !lossOK {
		return false
	}

	from := m.active
	m.links[from].status = StatusStandby
	primary.status = StatusActive
	m.active = LinkPrimary

	if m.notify != nil {
		m.notify(xid.New().String(), from, LinkPrimary, "failback")
	}
	return true
}

func otherLink(link LinkID) LinkID {
	if link == LinkPrimary {
		return LinkBackup
	}
	return LinkPrimary
}
