package voiceproto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderMarshalLayout(t *testing.T) {
	h := Header{Sequence: 0x0102, Timestamp: 0x03040506, SSRC: 0x0708090A}
	b := h.Marshal()

	want := []byte{0x80, 0x78, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}
	if !bytes.Equal(b[:], want) {
		t.Fatalf("header layout mismatch:\n got %x\nwant %x", b, want)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
	}{
		{"zero", Header{}},
		{"typical", Header{Sequence: 4242, Timestamp: 960 * 100, SSRC: 123456}},
		{"max", Header{Sequence: 0xFFFF, Timestamp: 0xFFFFFFFF, SSRC: 0xFFFFFFFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.hdr.Marshal()
			got, err := ParseHeader(raw[:])
			if err != nil {
				t.Fatalf("ParseHeader: %v", err)
			}
			if diff := cmp.Diff(tt.hdr, got); diff != "" {
				t.Fatalf("header mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseHeaderRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x80, 0x78, 0x00}},
		{"bad version byte", []byte{0x81, 0x78, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"bad payload type", []byte{0x80, 0x79, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHeader(tt.data); err == nil {
				t.Fatalf("ParseHeader accepted %x", tt.data)
			}
		})
	}
}

func TestNonceIsPaddedHeader(t *testing.T) {
	h := Header{Sequence: 7, Timestamp: 8, SSRC: 9}
	n := h.Nonce()
	raw := h.Marshal()

	if !bytes.Equal(n[:HeaderSize], raw[:]) {
		t.Fatalf("nonce prefix is not the wire header")
	}
	for i := HeaderSize; i < NonceSize; i++ {
		if n[i] != 0 {
			t.Fatalf("nonce byte %d = %#x, want zero padding", i, n[i])
		}
	}
}

func TestDiscoveryRequestLayout(t *testing.T) {
	b := DiscoveryRequest(0xDEADBEEF)
	if len(b) != DiscoverySize {
		t.Fatalf("request is %d bytes, want %d", len(b), DiscoverySize)
	}
	if typ := binary.BigEndian.Uint16(b[0:2]); typ != 0x01 {
		t.Fatalf("request type = %#x, want 0x01", typ)
	}
	if l := binary.BigEndian.Uint16(b[2:4]); l != 70 {
		t.Fatalf("request length field = %d, want 70", l)
	}
	if ssrc := binary.BigEndian.Uint32(b[4:8]); ssrc != 0xDEADBEEF {
		t.Fatalf("request ssrc = %#x", ssrc)
	}
}

func TestParseDiscoveryResponse(t *testing.T) {
	resp := make([]byte, DiscoverySize)
	binary.BigEndian.PutUint16(resp[0:2], 0x02)
	binary.BigEndian.PutUint16(resp[2:4], 70)
	binary.BigEndian.PutUint32(resp[4:8], 42)
	copy(resp[8:], "203.0.113.5")
	binary.BigEndian.PutUint16(resp[DiscoverySize-2:], 50000)

	addr, port, err := ParseDiscoveryResponse(resp, 42)
	if err != nil {
		t.Fatalf("ParseDiscoveryResponse: %v", err)
	}
	if addr != "203.0.113.5" || port != 50000 {
		t.Fatalf("got %q:%d, want 203.0.113.5:50000", addr, port)
	}

	if _, _, err := ParseDiscoveryResponse(resp, 43); err == nil {
		t.Fatal("accepted response for wrong ssrc")
	}
	if _, _, err := ParseDiscoveryResponse(resp[:10], 42); err == nil {
		t.Fatal("accepted truncated response")
	}
}
