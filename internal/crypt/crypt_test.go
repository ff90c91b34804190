package crypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/voicecall-lab/internal/voiceproto"
)

func testKey(seed byte) [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(1)
	s := NewSealer(42, key)
	o := NewOpener(key)

	payload := []byte("not really opus but good enough")
	pkt, err := s.Seal(payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	hdr, opus, err := o.Open(pkt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if hdr.SSRC != 42 {
		t.Fatalf("ssrc = %d, want 42", hdr.SSRC)
	}
	if !bytes.Equal(opus, payload) {
		t.Fatalf("payload mismatch: got %q", opus)
	}
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	key := testKey(2)
	s := NewSealer(7, key)
	o := NewOpener(key)

	first, err := s.Seal([]byte("frame one"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	second, err := s.Seal([]byte("frame two"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := make([]byte, len(first))
	copy(tampered, first)
	tampered[len(tampered)-1] ^= 0x01

	if _, _, err := o.Open(tampered); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("tampered packet: err = %v, want ErrAuthentication", err)
	}

	// A dropped packet must not affect subsequent processing.
	if _, opus, err := o.Open(second); err != nil || string(opus) != "frame two" {
		t.Fatalf("subsequent packet: opus=%q err=%v", opus, err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	s := NewSealer(7, testKey(3))
	o := NewOpener(testKey(4))

	pkt, err := s.Seal([]byte("frame"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, _, err := o.Open(pkt); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong key: err = %v, want ErrAuthentication", err)
	}
}

func TestNoncesNeverRepeatUnderOneKey(t *testing.T) {
	s := NewSealer(1, testKey(5))
	s.SetRekeyLimit(2000)

	seen := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		pkt, err := s.Seal([]byte{0xF8, 0xFF, 0xFE})
		if err != nil {
			t.Fatalf("Seal %d: %v", i, err)
		}
		nonce := string(pkt[:voiceproto.HeaderSize])
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce repeated at packet %d", i)
		}
		seen[nonce] = struct{}{}
	}

	// Budget exhausted: the sealer must demand a re-key, not reuse.
	if _, err := s.Seal([]byte{0x00}); !errors.Is(err, ErrRekeyRequired) {
		t.Fatalf("past budget: err = %v, want ErrRekeyRequired", err)
	}

	// After a re-key the counters continue, never reset.
	seq := s.Sequence()
	s.Rekey(testKey(6))
	pkt, err := s.Seal([]byte{0x00})
	if err != nil {
		t.Fatalf("Seal after rekey: %v", err)
	}
	if got := s.Sequence(); got != seq+1 {
		t.Fatalf("sequence after rekey = %d, want %d", got, seq+1)
	}
	if _, _, err := NewOpener(testKey(6)).Open(pkt); err != nil {
		t.Fatalf("Open after rekey: %v", err)
	}
}

func TestCountersOnlyIncrease(t *testing.T) {
	s := NewSealer(9, testKey(7))
	prevSeq := s.Sequence()
	prevTS := s.Timestamp()
	for i := 0; i < 100; i++ {
		if _, err := s.Seal([]byte{1}); err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if s.Sequence() != prevSeq+1 {
			t.Fatalf("sequence did not advance by 1: %d -> %d", prevSeq, s.Sequence())
		}
		if s.Timestamp() != prevTS+voiceproto.FrameSamples {
			t.Fatalf("timestamp did not advance by frame: %d -> %d", prevTS, s.Timestamp())
		}
		prevSeq, prevTS = s.Sequence(), s.Timestamp()
	}
}

func TestSealRejectsOversizedPayload(t *testing.T) {
	s := NewSealer(1, testKey(8))
	big := make([]byte, voiceproto.MaxPacketSize)
	if _, err := s.Seal(big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSequenceWindow(t *testing.T) {
	tests := []struct {
		name string
		seqs []uint16
		last int // index of the first rejected sequence, -1 for none
	}{
		{"in order", []uint16{100, 101, 102, 103}, -1},
		{"reordered within window", []uint16{100, 102, 101, 105}, -1},
		{"wraparound", []uint16{65534, 65535, 0, 1}, -1},
		{"far ahead", []uint16{100, 30000}, 1},
		{"far behind", []uint16{30000, 100}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewSequenceWindow(0)
			for i, seq := range tt.seqs {
				err := w.Check(1, seq)
				if tt.last == i {
					var serr *SequenceError
					if !errors.As(err, &serr) {
						t.Fatalf("seq %d: err = %v, want SequenceError", seq, err)
					}
					return
				}
				if err != nil {
					t.Fatalf("seq %d unexpectedly rejected: %v", seq, err)
				}
			}
			if tt.last != -1 {
				t.Fatalf("expected rejection at index %d", tt.last)
			}
		})
	}
}

func TestSequenceErrorMessage(t *testing.T) {
	err := &SequenceError{SSRC: 5, Seq: 10, Last: 40000}
	want := "crypt: ssrc 5 sequence 10 outside window (last 40000)"
	if err.Error() != want {
		t.Fatalf("message = %q", err.Error())
	}
}
