// Package wire implements the v2 framed datagram format: a 16-byte
// CRC-protected header followed by a payload. For the v1 legacy
// passthrough it offers only IsV2; the v1 send/receive path itself
// lives in internal/reliability.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 16
	MagicByte0 = 0x53
	MagicByte1 = 0x4B
	Version2   = 0x02
)

// Kind identifies the packet type carried in a v2 header.
type Kind byte

const (
	KindData      Kind = 1
	KindACK       Kind = 2
	KindNAK       Kind = 3
	KindHeartbeat Kind = 4
	KindHello     Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindACK:
		return "ACK"
	case KindNAK:
		return "NAK"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindHello:
		return "HELLO"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Flags bits, per spec.md §4.1.
const (
	FlagCompressed     byte = 0x01
	FlagEncrypted      byte = 0x02
	FlagMessagePack    byte = 0x04
	FlagPathDictionary byte = 0x08

	// FlagHeartbeatEcho distinguishes a bonding heartbeat reply from the
	// originating probe on a HEARTBEAT packet: the reliability loop's
	// handling of "HEARTBEAT acting as echo" (spec.md §4.4) needs to
	// tell its own outbound probes apart from the peer's replies, since
	// both travel as KindHeartbeat over the same link.
	FlagHeartbeatEcho byte = 0x10
)

// Errors returned by Parse. Callers should count these per-kind via
// internal/metrics and drop the packet; none are fatal.
var (
	ErrTooSmall      = errors.New("wire: packet smaller than header")
	ErrBadMagic      = errors.New("wire: bad magic bytes")
	ErrBadVersion    = errors.New("wire: unsupported version")
	ErrUnknownType   = errors.New("wire: unknown packet type")
	ErrCrcMismatch   = errors.New("wire: header crc mismatch")
	ErrLengthMismatch = errors.New("wire: payload length mismatch")
)

// Header is the decoded 16-byte v2 header.
type Header struct {
	Version  byte
	Type     Kind
	Flags    byte
	Sequence uint32
	Length   uint32
}

// Parsed is a decoded packet: the header plus a view into the
// payload region of the original buffer (no copy).
type Parsed struct {
	Header  Header
	Payload []byte
}

// IsV2 cheaply discriminates a v2 framed datagram from a v1 raw
// encrypted blob: enough bytes for a header, and the first three
// bytes match magic+version.
func IsV2(data []byte) bool {
	return len(data) >= HeaderSize &&
		data[0] == MagicByte0 && data[1] == MagicByte1 && data[2] == Version2
}

func encodeHeader(buf []byte, kind Kind, flags byte, seq uint32, payloadLen int) {
	buf[0] = MagicByte0
	buf[1] = MagicByte1
	buf[2] = Version2
	buf[3] = byte(kind)
	buf[4] = flags
	binary.BigEndian.PutUint32(buf[5:9], seq)
	binary.BigEndian.PutUint32(buf[9:13], uint32(payloadLen))
	// buf[13] is reserved padding to keep the CRC region at 14 bytes;
	// kept zero.
	buf[13] = 0
	crc := crc16CCITT(buf[:14])
	binary.BigEndian.PutUint16(buf[14:16], crc)
}

func build(kind Kind, flags byte, seq uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	encodeHeader(out, kind, flags, seq, len(payload))
	copy(out[HeaderSize:], payload)
	return out
}

// BuildData frames a DATA packet. The caller owns sequence assignment;
// this function does not mutate any shared counter.
func BuildData(payload []byte, flags byte, seq uint32) []byte {
	return build(KindData, flags, seq, payload)
}

// BuildACK frames an ACK packet whose payload is the 4-byte cumulative
// acknowledged sequence.
func BuildACK(cumSeq uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, cumSeq)
	return build(KindACK, 0, 0, payload)
}

// BuildNAK frames a NAK packet whose payload is N*4 bytes of missing
// sequences, N may be zero.
func BuildNAK(missing []uint32) []byte {
	payload := make([]byte, 4*len(missing))
	for i, seq := range missing {
		binary.BigEndian.PutUint32(payload[i*4:], seq)
	}
	return build(KindNAK, 0, 0, payload)
}

// BuildHeartbeat frames a zero-length HEARTBEAT carrying seq for RTT
// matching by the originator.
func BuildHeartbeat(seq uint32) []byte {
	return build(KindHeartbeat, 0, seq, nil)
}

// BuildHeartbeatEcho frames a HEARTBEAT reply carrying the same seq as
// the probe it answers, flagged so the peer can tell its own probe
// apart from this reply.
func BuildHeartbeatEcho(seq uint32) []byte {
	return build(KindHeartbeat, FlagHeartbeatEcho, seq, nil)
}

// BuildHello frames a HELLO packet whose payload is caller-supplied
// JSON bytes (informational only; the core does not interpret it
// beyond framing).
func BuildHello(jsonPayload []byte) []byte {
	return build(KindHello, 0, 0, jsonPayload)
}

// Parse validates and decodes a v2 packet. The returned Payload aliases
// data; callers that retain it past the next read must copy.
func Parse(data []byte) (Parsed, error) {
	if len(data) < HeaderSize {
		return Parsed{}, ErrTooSmall
	}
	if data[0] != MagicByte0 || data[1] != MagicByte1 {
		return Parsed{}, ErrBadMagic
	}
	if data[2] != Version2 {
		return Parsed{}, ErrBadVersion
	}
	kind := Kind(data[3])
	switch kind {
	case KindData, KindACK, KindNAK, KindHeartbeat, KindHello:
	default:
		return Parsed{}, ErrUnknownType
	}

	wantCRC := crc16CCITT(data[:14])
	gotCRC := binary.BigEndian.Uint16(data[14:16])
	if wantCRC != gotCRC {
		return Parsed{}, ErrCrcMismatch
	}

	flags := data[4]
	seq := binary.BigEndian.Uint32(data[5:9])
	length := binary.BigEndian.Uint32(data[9:13])

	if int(length) != len(data)-HeaderSize {
		return Parsed{}, ErrLengthMismatch
	}

	return Parsed{
		Header: Header{
			Version:  data[2],
			Type:     kind,
			Flags:    flags,
			Sequence: seq,
			Length:   length,
		},
		Payload: data[HeaderSize:],
	}, nil
}

// ACKPayload decodes an ACK packet's payload into the cumulative seq.
func ACKPayload(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: ack payload wrong size: %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// NAKPayload decodes a NAK packet's payload into the missing sequence
// list; len(payload) == 0 is valid and yields an empty slice.
func NAKPayload(payload []byte) ([]uint32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("wire: nak payload not a multiple of 4: %d", len(payload))
	}
	out := make([]uint32, len(payload)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(payload[i*4:])
	}
	return out, nil
}
