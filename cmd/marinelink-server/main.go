// Command marinelink-server runs the receive side of the marine
// telemetry transport: it listens on the bonded primary/backup UDP
// links, runs the single-executor reliability loop, and delivers
// decoded telemetry to the embedding host.
//
// Grounded on core/main.go's flag/env startup, signal handling, and
// graceful-shutdown shape; source/server/server.go's Start/listen
// (net.ListenUDP, a per-packet read loop dispatching into the
// protocol layer) for the UDP side.
package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"marinelink/internal/aead"
	"marinelink/internal/bonding"
	"marinelink/internal/compress"
	"marinelink/internal/config"
	"marinelink/internal/host"
	"marinelink/internal/metrics"
	"marinelink/internal/reliability"
	"marinelink/internal/role"
	"marinelink/internal/seqtrack"
	"marinelink/internal/telemetry"
	"marinelink/internal/wire"
	"marinelink/pkg/logger"
)

const version = "2.0.0"

func main() {
	logger.Section("marinelink-server " + version)

	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration: %v", err)
	}

	srv, err := newServerRole(cfg)
	if err != nil {
		logger.Fatal("failed to start: %v", err)
	}
	logger.Success("listening: primary=%s backup=%s", srv.links[bonding.LinkPrimary].conn.LocalAddr(), addrOrNone(srv.links[bonding.LinkBackup]))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Warn("shutting down")
	srv.stop()
}

func addrOrNone(l *linkSocket) string {
	if l == nil {
		return "none"
	}
	return l.conn.LocalAddr().String()
}

// loadConfig builds a Config from environment variables, falling back
// to spec.md §6's documented defaults. A real deployment would load
// this from a file; env vars keep this entrypoint runnable standalone.
func loadConfig() config.Config {
	cfg := config.Config{
		ServerType:        config.ServerTypeServer,
		SecretKey:         secretKeyFromEnv("MARINELINK_SECRET_KEY"),
		UDPPort:           envInt("MARINELINK_UDP_PORT", 9400),
		ProtocolVersion:   config.ProtocolVersion(envInt("MARINELINK_PROTOCOL_VERSION", int(config.ProtocolV2))),
		Reliability:       config.DefaultReliability(),
		CongestionControl: config.DefaultCongestionControl(),
		Bonding:           config.DefaultBonding(),
	}
	cfg.Bonding.Enabled = envOr("MARINELINK_BACKUP_ADDR", "") != ""
	cfg.Bonding.Primary = config.LinkEndpoint{Address: "0.0.0.0", Port: cfg.UDPPort}
	if cfg.Bonding.Enabled {
		cfg.Bonding.Backup = config.LinkEndpoint{Address: "0.0.0.0", Port: envInt("MARINELINK_BACKUP_PORT", cfg.UDPPort+1)}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// secretKeyFromEnv reads a 64-character hex-encoded 32-byte key from
// env, or falls back to a fixed 32-byte development key so this
// entrypoint runs standalone without any configuration.
func secretKeyFromEnv(key string) []byte {
	if v := os.Getenv(key); v != "" {
		if decoded, err := hex.DecodeString(v); err == nil && len(decoded) == 32 {
			return decoded
		}
	}
	devKey := make([]byte, 32)
	for i := range devKey {
		devKey[i] = byte(i*7 + 1)
	}
	return devKey
}

// linkSocket pairs a bonded link's UDP socket with the address it
// most recently heard from, since the server doesn't know a client's
// address until the first datagram arrives on that link.
type linkSocket struct {
	conn *net.UDPConn

	mu       sync.Mutex
	lastAddr *net.UDPAddr
}

func (l *linkSocket) remember(addr *net.UDPAddr) {
	l.mu.Lock()
	l.lastAddr = addr
	l.mu.Unlock()
}

func (l *linkSocket) send(data []byte) error {
	l.mu.Lock()
	addr := l.lastAddr
	l.mu.Unlock()
	if addr == nil {
		return fmt.Errorf("marinelink-server: no known peer address yet")
	}
	_, err := l.conn.WriteToUDP(data, addr)
	return err
}

type serverRole struct {
	exec  *role.Executor
	links map[bonding.LinkID]*linkSocket
}

func newServerRole(cfg config.Config) (*serverRole, error) {
	exec := role.New()
	h := host.NewMemoryHost()

	cipher, err := aead.New(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("aead.New: %w", err)
	}
	pool := compress.NewPool(4)

	links := map[bonding.LinkID]*linkSocket{}
	primaryConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(cfg.Bonding.Primary.Address), Port: cfg.Bonding.Primary.Port})
	if err != nil {
		return nil, fmt.Errorf("listen primary: %w", err)
	}
	links[bonding.LinkPrimary] = &linkSocket{conn: primaryConn}

	if cfg.Bonding.Enabled {
		backupConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(cfg.Bonding.Backup.Address), Port: cfg.Bonding.Backup.Port})
		if err != nil {
			return nil, fmt.Errorf("listen backup: %w", err)
		}
		links[bonding.LinkBackup] = &linkSocket{conn: backupConn}
	}

	send := func(link bonding.LinkID, data []byte) error {
		l, ok := links[link]
		if !ok {
			return fmt.Errorf("marinelink-server: link %v not configured", link)
		}
		return l.send(data)
	}

	bondCfg := bonding.Config{
		RTTThreshold:        cfg.Bonding.Failover.RTTThreshold,
		LossThreshold:       cfg.Bonding.Failover.LossThreshold,
		HealthCheckInterval: cfg.Bonding.Failover.HealthCheckInterval,
		FailbackDelay:       cfg.Bonding.Failover.FailbackDelay,
		HeartbeatTimeout:    cfg.Bonding.Failover.HeartbeatTimeout,
		EMAAlpha:            cfg.Bonding.Failover.EMAAlpha,
		RTTHysteresis:        cfg.Bonding.Failover.RTTHysteresis,
		LossHysteresis:       cfg.Bonding.Failover.LossHysteresis,
		LossWarningThreshold: cfg.Bonding.Failover.LossWarningThreshold,
	}
	notify := func(id string, from, to bonding.LinkID, reason string) {
		h.EmitDeltaToHost("bonding", notificationEnvelope(id, from, to, reason))
		if reason != "lossWarning" {
			metrics.BondingFailoverCount.WithLabelValues(to.String()).Inc()
		}
	}
	// bonding.Manager never needs a reference to rx or tx: its
	// HeartbeatSender only needs the raw send function, built above
	// independently of both halves of the reliability loop.
	bond := bonding.New(bondCfg, func(link bonding.LinkID, seq uint32) {
		_ = send(link, wire.BuildHeartbeat(seq))
	}, notify)

	rx := reliability.NewRX(reliability.RXConfig{
		AckInterval:       cfg.Reliability.AckInterval,
		AckResendInterval: cfg.Reliability.AckResendInterval,
		V1Passthrough:     cfg.ProtocolVersion == config.ProtocolV1,
	}, cipher, pool, seqtrack.Config{
		MaxOutOfOrder:         1024,
		BehindResyncThreshold: 1 << 20,
		MaxGapTracking:        1 << 20,
		NakTimeout:            cfg.Reliability.NakTimeout,
	}, role.SeqtrackScheduler{Executor: exec}, bond, send, h, exec)

	for id, l := range links {
		go readLoop(exec, rx, id, l)
	}

	scheduleRepeating(exec, cfg.Reliability.AckInterval, rx.AckTick)
	scheduleRepeating(exec, cfg.Reliability.AckResendInterval, rx.AckResendTick)
	scheduleRepeating(exec, cfg.Bonding.Failover.HealthCheckInterval, bond.Tick)

	go exec.Run()

	return &serverRole{exec: exec, links: links}, nil
}

func readLoop(exec *role.Executor, rx *reliability.RX, link bonding.LinkID, l *linkSocket) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.remember(addr)
		exec.Submit(func() { rx.OnPacket(link, data, addr) })
	}
}

func scheduleRepeating(exec *role.Executor, d time.Duration, fn func()) {
	var tick func()
	tick = func() {
		fn()
		exec.Schedule(d, tick)
	}
	exec.Schedule(d, tick)
}

// notificationEnvelope wraps a bonding transition into the DeltaEnvelope
// shape spec.md §6A describes for bonding notifications, so it travels
// to the host through the same EmitDeltaToHost call as telemetry. The
// context path and message text are scenario 4's literal
// "notifications.<id>.linkFailover" / "Link switched: primary to
// backup" shape, generalized across all three reasons bonding emits.
func notificationEnvelope(id string, from, to bonding.LinkID, reason string) telemetry.Envelope {
	var suffix, message string
	switch reason {
	case "failover":
		suffix = "linkFailover"
		message = fmt.Sprintf("Link switched: %s to %s", from, to)
	case "failback":
		suffix = "linkFailback"
		message = fmt.Sprintf("Link switched: %s to %s", from, to)
	case "lossWarning":
		suffix = "lossWarning"
		message = fmt.Sprintf("Loss ratio on %s link exceeds warning threshold", from)
	default:
		suffix = reason
		message = reason
	}
	return telemetry.Envelope{
		Context: fmt.Sprintf("notifications.%s.%s", id, suffix),
		Updates: []telemetry.Update{{
			Values: []telemetry.Value{
				{Path: "id", Value: id},
				{Path: "fromLink", Value: from.String()},
				{Path: "toLink", Value: to.String()},
				{Path: "reason", Value: reason},
				{Path: "message", Value: message},
			},
		}},
	}
}

func (s *serverRole) stop() {
	for _, l := range s.links {
		l.conn.Close()
	}
	s.exec.Stop()
}
