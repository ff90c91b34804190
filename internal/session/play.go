package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/voicecall-lab/internal/codec"
	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/voiceproto"
)

// Play streams pre-encoded opus frames into the channel. It blocks until
// the source is exhausted and the paced queue has drained, then reverts
// the session to ready. A source error aborts this playback request only;
// the session stays usable.
func (s *Session) Play(ctx context.Context, src OpusSource) error {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	if !s.transition(StateReady, StateSpeaking) {
		if s.State() >= StateClosing {
			return ErrClosed
		}
		return ErrNotReady
	}
	defer s.transition(StateSpeaking, StateReady)

	cid := uuid.NewString()
	fields := append(logging.SessionFields(s.creds.GuildID, s.creds.ChannelID), "correlation_id", cid)
	logging.Infow("session: playback started", fields...)

	if err := s.setSpeaking(true); err != nil {
		return err
	}
	defer func() {
		if err := s.setSpeaking(false); err != nil {
			logging.Debugw("session: clearing speaking flag failed", append(fields, "err", err)...)
		}
	}()

	s.pacer.BeginStream()
	defer s.pacer.EndStream()

	frames := 0
	for {
		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.Warnw("session: playback aborted", append(fields, "err", err, "frames", frames)...)
			return err
		}
		if err := s.pacer.Offer(ctx, frame); err != nil {
			return err
		}
		frames++
	}

	// Trailing silence lets remote decoders flush cleanly before the
	// speaking flag clears.
	for i := 0; i < voiceproto.SilenceFrameCount; i++ {
		if err := s.pacer.Offer(ctx, voiceproto.SilenceFrame); err != nil {
			return err
		}
	}

	s.drainPaced(ctx)
	logging.Infow("session: playback finished", append(fields, "frames", frames, "silence_inserted", s.pacer.SilenceInserted())...)
	return nil
}

// PlayPCM encodes and streams a PCM frame sequence. A frame that fails
// to encode is replaced with silence; the stream continues.
func (s *Session) PlayPCM(ctx context.Context, src PCMSource) error {
	enc, err := s.outboundEncoder()
	if err != nil {
		return err
	}
	return s.Play(ctx, &encodingSource{src: src, enc: enc})
}

// outboundEncoder lazily creates the session's single outbound encoder.
// Concurrent playback requests race to get here before playMu serializes
// them, so creation is a sync.Once.
func (s *Session) outboundEncoder() (*codec.Encoder, error) {
	s.encOnce.Do(func() {
		s.encoder, s.encErr = codec.NewEncoder(s.cfg.Bitrate)
	})
	return s.encoder, s.encErr
}

// drainPaced waits for the paced queue to empty. Bounded: the pacer
// releases one frame per interval, so the wait is at most the queue
// depth plus slack.
func (s *Session) drainPaced(ctx context.Context) {
	budget := s.cfg.PacerDepth + voiceproto.SilenceFrameCount + 2
	for i := 0; i < budget && s.pacer.Len() > 0; i++ {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-time.After(voiceproto.FrameDuration):
		}
	}
}

func (s *Session) setSpeaking(on bool) error {
	flag := 0
	if on {
		flag = 1
	}
	return s.send(voiceproto.OpSpeaking, voiceproto.Speaking{Speaking: flag, Delay: 0, SSRC: s.ssrc})
}

// encodingSource adapts a PCM sequence to encoded frames using the
// session's single outbound encoder.
type encodingSource struct {
	src PCMSource
	enc *codec.Encoder
}

func (e *encodingSource) Next() ([]byte, error) {
	f, err := e.src.Next()
	if err != nil {
		return nil, err
	}
	b, encErr := e.enc.Encode(f)
	if encErr != nil {
		var cerr *codec.Error
		if errors.As(encErr, &cerr) {
			logging.Warnw("session: frame failed to encode, substituting silence", "err", encErr)
			return voiceproto.SilenceFrame, nil
		}
		return nil, encErr
	}
	// The encoder reuses its buffer between calls; the pacer queues
	// frames, so hand it a copy.
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
