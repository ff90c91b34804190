package voiceproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// IP discovery: after the voice server assigns an SSRC, the client sends a
// 74-byte request over the media socket and the server echoes back the
// client's public address and port. Layout (all big endian):
// [type:u16][length:u16=70][ssrc:u32][address:64 bytes, NUL padded][port:u16].
const (
	DiscoverySize = 74

	discoveryRequest  = 0x01
	discoveryResponse = 0x02
	discoveryBodyLen  = 70
	discoveryAddrSize = 64
)

// DiscoveryRequest builds the hole-punch/IP discovery request packet.
func DiscoveryRequest(ssrc uint32) []byte {
	b := make([]byte, DiscoverySize)
	binary.BigEndian.PutUint16(b[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(b[2:4], discoveryBodyLen)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	return b
}

// ParseDiscoveryResponse extracts the externally visible address and port
// from a discovery response.
func ParseDiscoveryResponse(b []byte, ssrc uint32) (addr string, port uint16, err error) {
	if len(b) < DiscoverySize {
		return "", 0, fmt.Errorf("voiceproto: discovery response too short: %d bytes", len(b))
	}
	if typ := binary.BigEndian.Uint16(b[0:2]); typ != discoveryResponse {
		return "", 0, fmt.Errorf("voiceproto: unexpected discovery packet type %#04x", typ)
	}
	if got := binary.BigEndian.Uint32(b[4:8]); got != ssrc {
		return "", 0, fmt.Errorf("voiceproto: discovery response for ssrc %d, want %d", got, ssrc)
	}
	raw := b[8 : 8+discoveryAddrSize]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) == 0 {
		return "", 0, fmt.Errorf("voiceproto: discovery response missing address")
	}
	port = binary.BigEndian.Uint16(b[DiscoverySize-2 : DiscoverySize])
	return string(raw), port, nil
}
