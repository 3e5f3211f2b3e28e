package reliability

import (
	"marinelink/internal/bonding"
	"marinelink/internal/wire"
)

// handleHeartbeat answers an inbound probe with an immediate echo, or
// feeds an inbound echo to the bonding manager's RTT tracking. The
// echo is a HEARTBEAT frame with FlagHeartbeatEcho set that carries
// the probe's sequence, not an ACK, so it stays out of the DATA
// cumulative-ACK sequence space. Both peers run the same bonding state
// machine, so a HEARTBEAT frame arriving with FlagHeartbeatEcho unset
// is always a fresh probe, and one arriving with it set is always a
// reply. Reports whether parsed was a heartbeat frame at all.
func handleHeartbeat(parsed wire.Parsed, link bonding.LinkID, mgr *bonding.Manager, reply func([]byte)) bool {
	if parsed.Header.Type != wire.KindHeartbeat {
		return false
	}
	if parsed.Header.Flags&wire.FlagHeartbeatEcho != 0 {
		mgr.OnHeartbeatEcho(link, parsed.Header.Sequence)
		return true
	}
	if reply != nil {
		reply(wire.BuildHeartbeatEcho(parsed.Header.Sequence))
	}
	return true
}
