// Package host defines the narrow capability contract the embedding
// environment must satisfy (spec.md §6): delivering decoded deltas,
// accounting for sent messages, diagnostic sinks, and a subscription
// source for outgoing deltas. Everything outside this contract
// (config persistence, HTTP endpoints, the dashboard, file watching,
// the RTT monitor) is explicitly out of scope per spec.md §1.
//
// Grounded on the teacher's own packet-handler callback shape
// (Server.handleGamePacket registered via raknet.SetPacketHandler)
// generalized into an interface so reliability doesn't import a
// concrete server type; the loop-prevention filter is grounded on
// MultiWANBond's own-traffic filtering in packet-processor.go.
package host

import "marinelink/internal/telemetry"

// Host is the capability surface reliability and the cmd entrypoints'
// bonding notifications call into. Implementations must be safe for concurrent use only to the
// extent the owning role's executor calls them from — spec.md §5
// keeps all host calls on a single goroutine per role, so a
// synchronous in-process implementation never needs its own locking.
type Host interface {
	// EmitDeltaToHost hands a decoded delta to the embedding
	// environment on the server side, once it has cleared decrypt,
	// decompress, and deserialize.
	EmitDeltaToHost(context string, delta telemetry.Envelope)

	// ReportOutputMessages is called on the client side for
	// accounting each time a batch of messages is sent.
	ReportOutputMessages(count int)

	// LogDebug and LogError are diagnostic sinks; neither may block
	// the calling role's executor.
	LogDebug(msg string)
	LogError(msg string)
}

// OutgoingSource is the client-side subscription source: it invokes
// callback for each outgoing delta update. Loop prevention is not part
// of this interface; DeltaFilter, given this system's own source
// label, drops updates that carry it.
type OutgoingSource interface {
	Subscribe(callback func(update telemetry.Update)) (unsubscribe func())
}

// DeltaFilter drops updates whose Source label matches selfSource,
// preventing a delta this system itself emitted from being
// re-ingested as new outgoing traffic (spec.md §6's loop-prevention
// requirement).
func DeltaFilter(selfSource string) func(update telemetry.Update) bool {
	return func(update telemetry.Update) bool {
		return update.Source != selfSource
	}
}
