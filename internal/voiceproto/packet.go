package voiceproto

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// SampleRate and Channels are fixed by the voice protocol.
	SampleRate = 48000
	Channels   = 2

	// FrameDuration is the fixed length of one audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	// The media timestamp advances by this amount per packet.
	FrameSamples = SampleRate / 1000 * 20 // 960

	// HeaderSize is the size of the media packet header on the wire.
	HeaderSize = 12

	// NonceSize is the secretbox nonce length. Media nonces are the
	// 12-byte header right-padded with zeros to this length.
	NonceSize = 24

	// MaxPacketSize bounds a full media packet (header + sealed payload)
	// to a safe UDP MTU.
	MaxPacketSize = 1460

	versionByte = 0x80
	payloadType = 0x78
)

// EncryptionMode is the payload encryption mode negotiated during the
// handshake.
const EncryptionMode = "xsalsa20_poly1305"

// SilenceFrame is the canonical encoded Opus silence frame. Senders emit
// SilenceFrameCount of these before clearing the speaking flag so remote
// decoders flush their state cleanly.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

const SilenceFrameCount = 5

// Header is the 12-byte media packet header.
// Layout: [0x80][0x78][sequence:u16 BE][timestamp:u32 BE][ssrc:u32 BE].
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// Marshal writes the header into its wire representation.
func (h Header) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = versionByte
	b[1] = payloadType
	binary.BigEndian.PutUint16(b[2:4], h.Sequence)
	binary.BigEndian.PutUint32(b[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], h.SSRC)
	return b
}

// Nonce returns the secretbox nonce for this header: the wire header
// right-padded with zeros to NonceSize bytes.
func (h Header) Nonce() [NonceSize]byte {
	var n [NonceSize]byte
	b := h.Marshal()
	copy(n[:], b[:])
	return n
}

// ParseHeader parses a media packet header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("voiceproto: packet too short: %d bytes", len(b))
	}
	if b[0] != versionByte || b[1] != payloadType {
		return Header{}, fmt.Errorf("voiceproto: unexpected header bytes %#02x %#02x", b[0], b[1])
	}
	return Header{
		Sequence:  binary.BigEndian.Uint16(b[2:4]),
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
		SSRC:      binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
