package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/voicecall-lab/internal/codec"
	"github.com/voicecall-lab/internal/crypt"
	"github.com/voicecall-lab/internal/voiceproto"
)

// silenceSource yields opus silence frames forever.
type silenceSource struct{}

func (silenceSource) Next() ([]byte, error) { return voiceproto.SilenceFrame, nil }

// encodeFrames produces n real opus packets of silence, each an
// independent copy.
func encodeFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := codec.NewEncoder(64000)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	out := make([][]byte, n)
	for i := range out {
		b, err := enc.Encode(codec.SilenceFrame())
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out[i] = append([]byte(nil), b...)
	}
	return out
}

type sunkFrame struct {
	ssrc    uint32
	userID  string
	silence bool
	samples int
}

func TestDecodePipelineConcealsGaps(t *testing.T) {
	s := New(testCreds("chan-1"), Config{JitterDepth: 2})

	var got []sunkFrame
	s.SetSink(func(ssrc uint32, userID string, frame codec.Frame) {
		got = append(got, sunkFrame{ssrc: ssrc, userID: userID, silence: frame.Silence, samples: len(frame.PCM)})
	})

	s.mu.Lock()
	s.users[42] = "user-42"
	s.mu.Unlock()

	dc, err := s.speaker(42)
	if err != nil {
		t.Fatalf("speaker: %v", err)
	}

	// Five frames with sequence 3 lost in transit.
	frames := encodeFrames(t, 5)
	now := time.Now()
	seqs := []uint16{1, 2, 4, 5}
	for i, seq := range seqs {
		dc.mu.Lock()
		if err := dc.window.Check(42, seq); err != nil {
			dc.mu.Unlock()
			t.Fatalf("window rejected seq %d: %v", seq, err)
		}
		if !dc.buf.Push(seq, frames[i], now) {
			dc.mu.Unlock()
			t.Fatalf("push seq %d rejected", seq)
		}
		dc.mu.Unlock()
	}

	for i := 0; i < 6; i++ {
		s.decodeTick(now)
	}

	if len(got) != 5 {
		t.Fatalf("sink received %d frames, want 5", len(got))
	}
	for i, f := range got {
		if f.ssrc != 42 || f.userID != "user-42" {
			t.Fatalf("frame %d attributed to ssrc=%d user=%q", i, f.ssrc, f.userID)
		}
		if f.samples != codec.FrameSize {
			t.Fatalf("frame %d has %d samples, want %d", i, f.samples, codec.FrameSize)
		}
	}
	// The third slot is the lost packet: concealed, not decoded.
	wantSilence := []bool{false, false, true, false, false}
	for i, f := range got {
		if f.silence != wantSilence[i] {
			t.Fatalf("frame %d silence = %v, want %v", i, f.silence, wantSilence[i])
		}
	}
}

func TestDecodePipelineSeparatesSpeakers(t *testing.T) {
	s := New(testCreds("chan-1"), Config{JitterDepth: 1})

	counts := make(map[uint32]int)
	s.SetSink(func(ssrc uint32, _ string, _ codec.Frame) { counts[ssrc]++ })

	now := time.Now()
	for _, ssrc := range []uint32{7, 8} {
		dc, err := s.speaker(ssrc)
		if err != nil {
			t.Fatalf("speaker %d: %v", ssrc, err)
		}
		for i, f := range encodeFrames(t, 3) {
			dc.mu.Lock()
			dc.buf.Push(uint16(i+1), f, now)
			dc.mu.Unlock()
		}
	}

	if speakers := s.Speakers(); len(speakers) != 2 {
		t.Fatalf("Speakers() = %v, want two entries", speakers)
	}

	for i := 0; i < 4; i++ {
		s.decodeTick(now)
	}
	if counts[7] != 3 || counts[8] != 3 {
		t.Fatalf("per-speaker frame counts = %v, want 3 each", counts)
	}
}

func TestIdleSpeakerEvicted(t *testing.T) {
	s := New(testCreds("chan-1"), Config{JitterDepth: 1, SpeakerIdleTimeout: 100 * time.Millisecond})

	var notified []sunkFrame
	s.SetSpeakingFunc(func(ssrc uint32, userID string, speaking bool) {
		if !speaking {
			notified = append(notified, sunkFrame{ssrc: ssrc, userID: userID})
		}
	})

	dc, err := s.speaker(99)
	if err != nil {
		t.Fatalf("speaker: %v", err)
	}
	start := time.Now()
	dc.mu.Lock()
	dc.buf.Push(1, encodeFrames(t, 1)[0], start)
	dc.mu.Unlock()

	s.evictIdle(start.Add(50 * time.Millisecond))
	if len(s.Speakers()) != 1 {
		t.Fatal("speaker evicted before the idle window elapsed")
	}

	s.evictIdle(start.Add(200 * time.Millisecond))
	if len(s.Speakers()) != 0 {
		t.Fatal("idle speaker not evicted")
	}
	if len(notified) != 1 || notified[0].ssrc != 99 {
		t.Fatalf("eviction notifications = %v, want one for ssrc 99", notified)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(testCreds("chan-1"), Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want %v", s.State(), StateClosed)
	}
}

func TestOutboundEncoderIsSingleInstance(t *testing.T) {
	s := New(testCreds("chan-1"), Config{})

	const callers = 8
	encoders := make([]*codec.Encoder, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			enc, err := s.outboundEncoder()
			if err != nil {
				t.Errorf("outboundEncoder: %v", err)
				return
			}
			encoders[i] = enc
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if encoders[i] != encoders[0] {
			t.Fatalf("caller %d got a different encoder instance", i)
		}
	}
}

func TestCloseDuringHandshakeStaysClosed(t *testing.T) {
	r := NewRegistry(Config{})
	s, err := r.Acquire(testCreds("chan-1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The handshake is mid-flight when the channel is released.
	if !s.transition(StateConnecting, StateHandshaking) {
		t.Fatal("could not enter handshaking")
	}
	if err := r.Release("chan-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state after Release = %v, want %v", s.State(), StateClosed)
	}

	// The handshake completing afterwards must not resurrect the session.
	if s.transition(StateHandshaking, StateReady) {
		t.Fatal("closed session transitioned to ready")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, closed is terminal", s.State())
	}

	// The session context is cancelled, so an in-flight handshake's
	// derived context dies with it.
	select {
	case <-s.ctx.Done():
	default:
		t.Fatal("session context still live after Close")
	}
}

func TestCloseSkipsDrainWhenLoopsNeverRan(t *testing.T) {
	// A large pacer queue means a long drain budget; an unconnected
	// session has nothing to drain and must not pay it.
	s := New(testCreds("chan-1"), Config{PacerDepth: 50})

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Close of unconnected session took %v", elapsed)
	}
}

func rekeyPayload(t *testing.T, mode string, keyLen int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(voiceproto.SessionDescription{
		Mode:      mode,
		SecretKey: make([]uint8, keyLen),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestRekeyRejectsUnnegotiatedMode(t *testing.T) {
	s := New(testCreds("chan-1"), Config{})

	s.acceptRekey(rekeyPayload(t, "aead_aes256_gcm", crypt.KeySize))
	select {
	case <-s.rekeyCh:
		t.Fatal("key installed for an unnegotiated mode")
	default:
	}

	s.acceptRekey(rekeyPayload(t, voiceproto.EncryptionMode, crypt.KeySize-1))
	select {
	case <-s.rekeyCh:
		t.Fatal("truncated key accepted")
	default:
	}

	s.acceptRekey(rekeyPayload(t, voiceproto.EncryptionMode, crypt.KeySize))
	select {
	case <-s.rekeyCh:
	default:
		t.Fatal("valid session description not delivered")
	}
}

func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateConnecting:  "connecting",
		StateHandshaking: "handshaking",
		StateReady:       "ready",
		StateSpeaking:    "speaking",
		StateClosing:     "closing",
		StateClosed:      "closed",
	}
	for st, want := range states {
		if st.String() != want {
			t.Fatalf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
