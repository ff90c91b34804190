// Package crypt frames encoded audio into the voice transport's wire
// format and seals/opens payloads under the session's symmetric key.
//
// Nonces are derived deterministically from the packet header (sequence,
// timestamp, ssrc), never randomly, so uniqueness under a single key holds
// exactly as long as the counters never repeat. The sealer therefore
// refuses to seal once the timestamp counter approaches wraparound and
// demands a re-key instead.
package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/voicecall-lab/internal/voiceproto"
)

// KeySize is the symmetric session key length.
const KeySize = 32

var (
	// ErrAuthentication reports a payload whose authentication tag did
	// not verify. The packet is dropped; the session continues.
	ErrAuthentication = errors.New("crypt: packet authentication failed")

	// ErrRekeyRequired reports that sealing another packet would risk
	// nonce reuse under the current key. The session must re-key before
	// any further audio is sent.
	ErrRekeyRequired = errors.New("crypt: counter exhaustion, session re-key required")

	// ErrPayloadTooLarge reports an encoded frame that would exceed the
	// transport MTU once sealed.
	ErrPayloadTooLarge = errors.New("crypt: sealed packet would exceed MTU")
)

// SequenceError reports a packet whose sequence number is wildly outside
// the acceptable window: a possible replay or corruption. Dropped, logged,
// session continues.
type SequenceError struct {
	SSRC uint32
	Seq  uint16
	Last uint16
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("crypt: ssrc %d sequence %d outside window (last %d)", e.SSRC, e.Seq, e.Last)
}

// DefaultRekeyLimit is how many packets may be sealed under one key. The
// timestamp advances by one frame of samples per packet and wraps its u32
// after SampleRate*20ms steps; stopping one frame short guarantees no
// (key, nonce) pair ever repeats.
const DefaultRekeyLimit = (1 << 32) / voiceproto.FrameSamples

// Sealer owns the outbound counters and seals opus frames into wire
// packets. Not safe for concurrent use; the outbound send loop is the
// only caller.
type Sealer struct {
	key    [KeySize]byte
	ssrc   uint32
	seq    uint16
	ts     uint32
	sealed uint64
	limit  uint64
}

// NewSealer creates a sealer for our ssrc under the session key. Initial
// sequence and timestamp are randomized per the transport convention.
func NewSealer(ssrc uint32, key [KeySize]byte) *Sealer {
	var seed [6]byte
	_, _ = rand.Read(seed[:])
	return &Sealer{
		key:   key,
		ssrc:  ssrc,
		seq:   binary.BigEndian.Uint16(seed[0:2]),
		ts:    binary.BigEndian.Uint32(seed[2:6]),
		limit: DefaultRekeyLimit,
	}
}

// SetRekeyLimit lowers the per-key seal budget. Only useful in tests and
// for operators wanting earlier rotation.
func (s *Sealer) SetRekeyLimit(n uint64) {
	if n > 0 && n < DefaultRekeyLimit {
		s.limit = n
	}
}

// Seal increments the sequence and timestamp counters, derives the nonce
// from the resulting header and returns a wire-ready packet.
func (s *Sealer) Seal(opusFrame []byte) ([]byte, error) {
	if s.sealed >= s.limit {
		return nil, ErrRekeyRequired
	}
	if voiceproto.HeaderSize+len(opusFrame)+secretbox.Overhead > voiceproto.MaxPacketSize {
		return nil, ErrPayloadTooLarge
	}

	s.seq++
	s.ts += voiceproto.FrameSamples
	s.sealed++

	hdr := voiceproto.Header{Sequence: s.seq, Timestamp: s.ts, SSRC: s.ssrc}
	raw := hdr.Marshal()
	nonce := hdr.Nonce()

	pkt := make([]byte, voiceproto.HeaderSize, voiceproto.HeaderSize+len(opusFrame)+secretbox.Overhead)
	copy(pkt, raw[:])
	return secretbox.Seal(pkt, opusFrame, &nonce, &s.key), nil
}

// Rekey installs a fresh session key and resets the per-key seal budget.
// Counters are never reset: they only ever increase within a session.
func (s *Sealer) Rekey(key [KeySize]byte) {
	s.key = key
	s.sealed = 0
}

// Sequence returns the current outbound sequence counter.
func (s *Sealer) Sequence() uint16 { return s.seq }

// Timestamp returns the current outbound timestamp counter.
func (s *Sealer) Timestamp() uint32 { return s.ts }

// Zero wipes the key material. The sealer is unusable afterwards.
func (s *Sealer) Zero() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.sealed = s.limit
}

// Opener authenticates and decrypts inbound wire packets under the
// session key.
type Opener struct {
	key [KeySize]byte
}

func NewOpener(key [KeySize]byte) *Opener {
	return &Opener{key: key}
}

// Open parses the packet header, verifies the authentication tag and
// returns the decrypted opus payload.
func (o *Opener) Open(pkt []byte) (voiceproto.Header, []byte, error) {
	hdr, err := voiceproto.ParseHeader(pkt)
	if err != nil {
		return voiceproto.Header{}, nil, err
	}
	nonce := hdr.Nonce()
	opus, ok := secretbox.Open(nil, pkt[voiceproto.HeaderSize:], &nonce, &o.key)
	if !ok {
		return voiceproto.Header{}, nil, ErrAuthentication
	}
	return hdr, opus, nil
}

// Rekey installs a fresh session key for inbound packets.
func (o *Opener) Rekey(key [KeySize]byte) { o.key = key }

// Zero wipes the key material.
func (o *Opener) Zero() {
	for i := range o.key {
		o.key[i] = 0
	}
}

// SequenceWindow tracks the highest sequence seen on one remote stream
// and rejects packets far outside the acceptable range. One instance per
// speaker; owned by that speaker's decode context.
type SequenceWindow struct {
	primed bool
	last   uint16
	span   uint16
}

// DefaultSequenceSpan is how far (in packets, either direction) a
// sequence number may stray from the last accepted one.
const DefaultSequenceSpan = 512

func NewSequenceWindow(span uint16) *SequenceWindow {
	if span == 0 {
		span = DefaultSequenceSpan
	}
	return &SequenceWindow{span: span}
}

// Check accepts or rejects a sequence number. Accepted forward numbers
// advance the window.
func (w *SequenceWindow) Check(ssrc uint32, seq uint16) error {
	if !w.primed {
		w.primed = true
		w.last = seq
		return nil
	}
	dist := int16(seq - w.last)
	if dist > int16(w.span) || dist < -int16(w.span) {
		return &SequenceError{SSRC: ssrc, Seq: seq, Last: w.last}
	}
	if dist > 0 {
		w.last = seq
	}
	return nil
}
