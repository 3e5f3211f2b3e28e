package wire

import (
	"bytes"
	"testing"
)

func TestBuildParseData(t *testing.T) {
	payload := []byte("hello")
	framed := BuildData(payload, FlagCompressed, 42)

	parsed, err := Parse(framed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Header.Type != KindData {
		t.Errorf("expected DATA, got %s", parsed.Header.Type)
	}
	if parsed.Header.Flags != FlagCompressed {
		t.Errorf("expected flags 0x%02X, got 0x%02X", FlagCompressed, parsed.Header.Flags)
	}
	if parsed.Header.Sequence != 42 {
		t.Errorf("expected sequence 42, got %d", parsed.Header.Sequence)
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Errorf("expected payload %q, got %q", payload, parsed.Payload)
	}
}

func TestBuildParseACK(t *testing.T) {
	framed := BuildACK(7)
	parsed, err := Parse(framed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cum, err := ACKPayload(parsed.Payload)
	if err != nil {
		t.Fatalf("ACKPayload failed: %v", err)
	}
	if cum != 7 {
		t.Errorf("expected cum seq 7, got %d", cum)
	}
}

func TestBuildParseNAK(t *testing.T) {
	missing := []uint32{2, 9, 100}
	framed := BuildNAK(missing)
	parsed, err := Parse(framed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got, err := NAKPayload(parsed.Payload)
	if err != nil {
		t.Fatalf("NAKPayload failed: %v", err)
	}
	if len(got) != len(missing) {
		t.Fatalf("expected %d missing seqs, got %d", len(missing), len(got))
	}
	for i := range missing {
		if got[i] != missing[i] {
			t.Errorf("index %d: expected %d, got %d", i, missing[i], got[i])
		}
	}
}

func TestBuildNAKEmpty(t *testing.T) {
	framed := BuildNAK(nil)
	parsed, err := Parse(framed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got, err := NAKPayload(parsed.Payload)
	if err != nil {
		t.Fatalf("NAKPayload failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 missing seqs, got %d", len(got))
	}
}

func TestHeaderCRCScenario(t *testing.T) {
	// spec.md §8 scenario 1: header bytes 53 4B 02 01 00 00000000
	// 00000005 <crc>, payload "hello".
	framed := BuildData([]byte("hello"), 0, 0)
	parsed, err := Parse(framed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Header.Type != KindData || parsed.Header.Version != Version2 ||
		parsed.Header.Flags != 0 || parsed.Header.Sequence != 0 || parsed.Header.Length != 5 {
		t.Fatalf("unexpected header: %+v", parsed.Header)
	}

	for i := 0; i < HeaderSize; i++ {
		if i == 14 || i == 15 {
			continue // the CRC field itself; flipping it is the trivial case
		}
		corrupt := append([]byte(nil), framed...)
		corrupt[i] ^= 0xFF
		if _, err := Parse(corrupt); err == nil {
			t.Errorf("flipping byte %d did not produce an error", i)
		}
	}
}

func TestIsV2(t *testing.T) {
	framed := BuildHeartbeat(1)
	if !IsV2(framed) {
		t.Error("expected v2 framed packet to be detected as v2")
	}
	raw := bytes.Repeat([]byte{0x01}, 40) // looks like a v1 AEAD blob
	if IsV2(raw) {
		t.Error("expected non-v2 blob to not be detected as v2")
	}
	if IsV2(framed[:4]) {
		t.Error("expected too-short buffer to not be detected as v2")
	}
}

func TestParseErrors(t *testing.T) {
	framed := BuildData([]byte("x"), 0, 1)

	if _, err := Parse(framed[:10]); err != ErrTooSmall {
		t.Errorf("expected ErrTooSmall, got %v", err)
	}

	badMagic := append([]byte(nil), framed...)
	badMagic[0] = 0x00
	if _, err := Parse(badMagic); err != ErrBadMagic {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}

	badVersion := append([]byte(nil), framed...)
	badVersion[2] = 0x01
	if _, err := Parse(badVersion); err != ErrBadVersion {
		t.Errorf("expected ErrBadVersion, got %v", err)
	}

	badType := append([]byte(nil), framed...)
	badType[3] = 0x99
	encodeHeader(badType[:16], Kind(0x99), badType[4], 1, 1)
	if _, err := Parse(badType); err != ErrUnknownType {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}
