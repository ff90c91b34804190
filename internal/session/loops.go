package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/voicecall-lab/internal/codec"
	"github.com/voicecall-lab/internal/crypt"
	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/voiceproto"
)

// recvLoop blocks on the media socket and feeds the per-speaker reorder
// buffers. It never blocks on decode or consumer backpressure: decoding
// happens on the decode tick, and the bounded ring drops the oldest
// frames under sustained overload.
func (s *Session) recvLoop() {
	defer s.wg.Done()

	// Decode ticks interleave with socket reads on a second goroutine so
	// a quiet socket cannot stall playback of already-buffered frames.
	s.wg.Add(1)
	go s.decodeLoop()

	buf := make([]byte, voiceproto.MaxPacketSize)
	for {
		n, err := s.udp.Read(buf)
		if err != nil {
			if s.State() >= StateClosing {
				return
			}
			s.fail(err)
			return
		}
		if n < voiceproto.HeaderSize {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		hdr, opus, err := s.opener.Open(pkt)
		if err != nil {
			if errors.Is(err, crypt.ErrAuthentication) {
				s.authDrops.Add(1)
				logging.Warnw("session: dropping unauthenticated packet", "len", n)
			} else {
				logging.Debugw("session: dropping unparseable packet", "err", err)
			}
			continue
		}

		dc, err := s.speaker(hdr.SSRC)
		if err != nil {
			logging.Errorw("session: cannot create decode state", logging.SpeakerFields(hdr.SSRC, "")...)
			continue
		}

		dc.mu.Lock()
		if err := dc.window.Check(hdr.SSRC, hdr.Sequence); err != nil {
			dc.mu.Unlock()
			s.seqDrops.Add(1)
			logging.Warnw("session: dropping out-of-window packet", "err", err)
			continue
		}
		dc.buf.Push(hdr.Sequence, opus, time.Now())
		dc.mu.Unlock()
	}
}

// decodeLoop pops one frame per speaker per frame interval, decodes it
// (concealing gaps) and hands it to the sink. It also evicts speakers
// that have been idle past the configured window.
func (s *Session) decodeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(voiceproto.FrameDuration)
	defer ticker.Stop()
	evictEvery := time.Second
	lastEvict := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.decodeTick(now)
			if now.Sub(lastEvict) >= evictEvery {
				s.evictIdle(now)
				lastEvict = now
			}
		}
	}
}

func (s *Session) decodeTick(now time.Time) {
	s.mu.Lock()
	contexts := make([]*decodeContext, 0, len(s.speakers))
	for _, dc := range s.speakers {
		contexts = append(contexts, dc)
	}
	s.mu.Unlock()

	sink, _ := s.sink.Load().(Sink)

	for _, dc := range contexts {
		dc.mu.Lock()
		opus, ok := dc.buf.Pop(now)
		dc.mu.Unlock()
		if !ok {
			continue
		}

		var frame codec.Frame
		var err error
		if opus == nil {
			// Gap beyond the reorder window: conceal to keep the
			// decoder's continuity state valid.
			frame, err = dc.dec.Conceal()
		} else {
			frame, err = dc.dec.Decode(opus)
		}
		if err != nil {
			// A single bad frame is not fatal to the stream.
			logging.Warnw("session: decode failed, substituting silence",
				append(logging.SpeakerFields(dc.ssrc, s.userFor(dc.ssrc)), "err", err)...)
			frame = codec.SilenceFrame()
		}
		if sink != nil {
			sink(dc.ssrc, s.userFor(dc.ssrc), frame)
		}
	}
}

// evictIdle removes decode contexts for speakers silent past the idle
// window. Eviction runs on a slow cadence, not per frame.
func (s *Session) evictIdle(now time.Time) {
	var evicted []*decodeContext
	s.mu.Lock()
	for ssrc, dc := range s.speakers {
		dc.mu.Lock()
		idle := dc.buf.Idle(now, s.cfg.SpeakerIdleTimeout)
		dc.mu.Unlock()
		if idle {
			delete(s.speakers, ssrc)
			evicted = append(evicted, dc)
		}
	}
	s.mu.Unlock()

	onSpeaking, _ := s.onSpeaking.Load().(SpeakingFunc)
	for _, dc := range evicted {
		logging.Infow("session: evicting idle speaker", logging.SpeakerFields(dc.ssrc, s.userFor(dc.ssrc))...)
		if onSpeaking != nil {
			onSpeaking(dc.ssrc, s.userFor(dc.ssrc), false)
		}
	}
}

// sendLoop wakes at the fixed pacing interval and releases frames from
// the pacer to the sealed media socket. Only this loop touches the
// outbound counters.
func (s *Session) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(voiceproto.FrameDuration)
	defer ticker.Stop()

	err := s.pacer.Pace(s.ctx, ticker.C, func(frame []byte, silence bool) error {
		pkt, err := s.sealer.Seal(frame)
		if errors.Is(err, crypt.ErrRekeyRequired) {
			if rerr := s.requestRekey(s.ctx); rerr != nil {
				return rerr
			}
			pkt, err = s.sealer.Seal(frame)
		}
		if err != nil {
			return err
		}
		_, err = s.udp.Write(pkt)
		return err
	})
	if err != nil && s.State() < StateClosing {
		s.fail(err)
	}
}

// wsReadLoop consumes post-handshake gateway traffic: speaking updates,
// heartbeat acks and re-keys.
func (s *Session) wsReadLoop() {
	defer s.wg.Done()
	for {
		_ = s.ws.SetReadDeadline(time.Now().Add(s.heartbeatInterval * 3))
		var env voiceproto.Envelope
		if err := s.ws.ReadJSON(&env); err != nil {
			if s.State() >= StateClosing {
				return
			}
			s.fail(err)
			return
		}
		switch env.Op {
		case voiceproto.OpSpeaking:
			var sp struct {
				Speaking int    `json:"speaking"`
				SSRC     uint32 `json:"ssrc"`
				UserID   string `json:"user_id"`
			}
			if err := json.Unmarshal(env.Data, &sp); err != nil {
				continue
			}
			s.mu.Lock()
			s.users[sp.SSRC] = sp.UserID
			s.mu.Unlock()
			if f, _ := s.onSpeaking.Load().(SpeakingFunc); f != nil {
				f(sp.SSRC, sp.UserID, sp.Speaking != 0)
			}

		case voiceproto.OpHeartbeatACK:
			s.lastAck.Store(time.Now().UnixMilli())

		case voiceproto.OpSessionDescription:
			s.acceptRekey(env.Data)
		}
	}
}

// acceptRekey validates a fresh session description and hands the key to
// the waiting send loop. The negotiated encryption mode is fixed for the
// session's lifetime; a description for any other mode is rejected so a
// key is never installed for an unnegotiated cipher.
func (s *Session) acceptRekey(data json.RawMessage) {
	var sd voiceproto.SessionDescription
	if err := json.Unmarshal(data, &sd); err != nil {
		return
	}
	if sd.Mode != voiceproto.EncryptionMode {
		logging.Warnw("session: rejecting session description for unnegotiated mode",
			append(logging.SessionFields(s.creds.GuildID, s.creds.ChannelID), "mode", sd.Mode)...)
		return
	}
	if len(sd.SecretKey) != crypt.KeySize {
		return
	}
	var key [crypt.KeySize]byte
	copy(key[:], sd.SecretKey)
	select {
	case s.rekeyCh <- key:
	default:
	}
}

// heartbeatLoop keeps the gateway connection alive at the interval the
// server requested during the handshake.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	s.lastAck.Store(time.Now().UnixMilli())
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(voiceproto.OpHeartbeat, time.Now().UnixMilli()); err != nil {
				if s.State() < StateClosing {
					s.fail(err)
				}
				return
			}
			if last := s.lastAck.Load(); last > 0 {
				if time.Since(time.UnixMilli(last)) > s.heartbeatInterval*3 {
					s.fail(errors.New("session: heartbeat acks stopped"))
					return
				}
			}
		}
	}
}
