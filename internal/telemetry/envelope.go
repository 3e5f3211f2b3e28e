// Package telemetry holds the DeltaEnvelope wire shapes (spec.md §3):
// opaque host-supplied records the core serializes and ships, never
// interprets.
//
// The teacher repo never carries a JSON envelope of its own (RakNet's
// wire format is pure binary), so this package's plain encoding/json
// struct-tag style is grounded on bc-dunia-mcpdrill's
// internal/telemetry/types.go (OpLog/CorrelationKeys: flat JSON
// structs with omitempty optional fields).
package telemetry

import "encoding/json"

// Value is a single path/value pair within an Update.
type Value struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// Update is one timestamped group of values within a DeltaEnvelope.
// Source is optional and, on the outgoing side, is compared against
// this system's own identity to prevent feedback loops (spec.md §6).
type Update struct {
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source,omitempty"`
	Values    []Value `json:"values"`
}

// Envelope is the DeltaEnvelope of spec.md §3: a host-supplied record
// with a context label and a list of updates. The transport treats the
// contents as opaque JSON; it never interprets Values beyond framing
// and reliability bookkeeping.
type Envelope struct {
	Context string   `json:"context"`
	Updates []Update `json:"updates"`
}

// Marshal serializes an Envelope to the JSON bytes carried inside a
// DATA payload before compression (spec.md §6).
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal reverses Marshal. Malformed JSON is surfaced to the caller
// to count as a parse failure (spec.md §7); it is never handed to the
// host.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// HelloInfo is the small JSON object carried by a HELLO packet
// (spec.md §6: `{protocolVersion, clientId?, timestamp}`).
type HelloInfo struct {
	ProtocolVersion int    `json:"protocolVersion"`
	ClientID        string `json:"clientId,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// MarshalHello serializes a HelloInfo for wire.BuildHello.
func MarshalHello(h HelloInfo) ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalHello reverses MarshalHello.
func UnmarshalHello(data []byte) (HelloInfo, error) {
	var h HelloInfo
	if err := json.Unmarshal(data, &h); err != nil {
		return HelloInfo{}, err
	}
	return h, nil
}
