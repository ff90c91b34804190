// Package session owns a single joined voice channel: the websocket
// handshake that establishes key material, the encrypted UDP media
// socket, per-speaker decode state and the concurrent send/receive
// loops. A process-wide Registry enforces at most one session per
// channel.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicecall-lab/internal/codec"
	"github.com/voicecall-lab/internal/crypt"
	"github.com/voicecall-lab/internal/jitter"
	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/voiceproto"
)

// Credentials is everything the control-plane gateway hands us to join
// one voice channel. The core never obtains these itself.
type Credentials struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// Config carries the session tuning knobs.
type Config struct {
	HandshakeTimeout   time.Duration
	JitterDepth        int
	PacerDepth         int
	SpeakerIdleTimeout time.Duration
	Bitrate            int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.JitterDepth <= 0 {
		c.JitterDepth = 3
	}
	if c.PacerDepth <= 0 {
		c.PacerDepth = jitter.DefaultDepth
	}
	if c.SpeakerIdleTimeout <= 0 {
		c.SpeakerIdleTimeout = 30 * time.Second
	}
	return c
}

// Sink consumes decoded inbound audio, one frame per speaker per frame
// interval. It is called from the decode loop and must not block; hand
// frames off to a channel or goroutine for slow consumers.
type Sink func(ssrc uint32, userID string, frame codec.Frame)

// SpeakingFunc is notified when a remote speaker starts or stops
// speaking, and when an idle speaker's decode state is evicted.
type SpeakingFunc func(ssrc uint32, userID string, speaking bool)

// PCMSource is a lazy sequence of PCM frames to play. Next returns
// io.EOF when the sequence ends.
type PCMSource interface {
	Next() (codec.Frame, error)
}

// OpusSource is a lazy sequence of pre-encoded opus frames to play.
type OpusSource interface {
	Next() ([]byte, error)
}

// decodeContext is the per-remote-speaker decode state: one opus decoder
// instance (exclusively owned), a reorder window and a sequence guard.
// Created on the first packet from a new SSRC, evicted after the idle
// timeout.
type decodeContext struct {
	mu     sync.Mutex
	ssrc   uint32
	dec    *codec.Decoder
	buf    *jitter.Inbound
	window *crypt.SequenceWindow
}

// Session is one joined-channel voice connection.
type Session struct {
	creds Credentials
	cfg   Config

	state atomic.Int32

	connMu sync.Mutex // guards ws/udp assignment against Close
	ws     *websocket.Conn
	wsMu   sync.Mutex // serializes websocket writes
	udp    net.Conn
	ssrc   uint32

	sealer *crypt.Sealer
	opener *crypt.Opener

	pacer   *jitter.Pacer
	encoder *codec.Encoder
	encOnce sync.Once
	encErr  error

	loopsStarted atomic.Bool

	mu       sync.Mutex
	speakers map[uint32]*decodeContext
	users    map[uint32]string

	sink       atomic.Value // Sink
	onSpeaking atomic.Value // SpeakingFunc

	rekeyCh chan [crypt.KeySize]byte

	heartbeatInterval time.Duration
	lastAck           atomic.Int64

	playMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
	onClosed  func()
	reasonMu  sync.Mutex
	reason    error

	authDrops atomic.Int64
	seqDrops  atomic.Int64
}

// New creates an unconnected session. Call Connect to run the handshake
// and start the media loops.
func New(creds Credentials, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		creds:    creds,
		cfg:      cfg,
		pacer:    jitter.NewPacer(cfg.PacerDepth),
		speakers: make(map[uint32]*decodeContext),
		users:    make(map[uint32]string),
		rekeyCh:  make(chan [crypt.KeySize]byte, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ChannelID returns the joined channel's identity.
func (s *Session) ChannelID() string { return s.creds.ChannelID }

// GuildID returns the guild owning the joined channel.
func (s *Session) GuildID() string { return s.creds.GuildID }

// SetSink installs the consumer for decoded inbound audio.
func (s *Session) SetSink(sink Sink) { s.sink.Store(sink) }

// SetSpeakingFunc installs the remote speaker activity callback.
func (s *Session) SetSpeakingFunc(f SpeakingFunc) { s.onSpeaking.Store(f) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		logging.Debugw("session: state transition",
			append(logging.SessionFields(s.creds.GuildID, s.creds.ChannelID),
				"from", old.String(), "to", st.String())...)
	}
}

// transition moves to the target state only from an expected one.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// fail records a fatal session error and tears the session down without
// blocking the calling loop.
func (s *Session) fail(err error) {
	s.reasonMu.Lock()
	if s.reason == nil {
		s.reason = err
	}
	s.reasonMu.Unlock()
	logging.Errorw("session: fatal error",
		append(logging.SessionFields(s.creds.GuildID, s.creds.ChannelID), "err", err)...)
	go func() { _ = s.Close() }()
}

// CloseReason returns the error that tore the session down, if any.
func (s *Session) CloseReason() error {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// Close tears the session down: both loops are signalled to exit, the
// pacer drains its queue within a bounded number of intervals, the
// sockets are closed and the key material is zeroed. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()

		// Taking connMu orders this read against the loop start in
		// Connect: either the loops are running (drain, then wait for
		// them) or they will never start.
		s.connMu.Lock()
		started := s.loopsStarted.Load()
		s.connMu.Unlock()

		// The pacer drain is bounded by its queue depth, so give the
		// loops that many intervals plus slack before yanking sockets.
		// A session that never reached ready has nothing to drain.
		if started {
			drainBudget := time.Duration(s.cfg.PacerDepth+2) * voiceproto.FrameDuration
			time.Sleep(drainBudget)
		}

		s.closeSockets()

		s.wg.Wait()

		if s.sealer != nil {
			s.sealer.Zero()
		}
		if s.opener != nil {
			s.opener.Zero()
		}
		s.mu.Lock()
		s.speakers = make(map[uint32]*decodeContext)
		s.mu.Unlock()

		s.setState(StateClosed)
		logging.Infow("session: closed",
			append(logging.SessionFields(s.creds.GuildID, s.creds.ChannelID),
				"auth_drops", s.authDrops.Load(), "seq_drops", s.seqDrops.Load())...)
		s.closeErr = s.CloseReason()
		if s.onClosed != nil {
			s.onClosed()
		}
	})
	return s.closeErr
}

// closeSockets tears down the media and gateway sockets. Safe to call
// more than once; Connect calls it again when its handshake loses a
// race with Close and opened sockets Close never saw.
func (s *Session) closeSockets() {
	s.connMu.Lock()
	udp, ws := s.udp, s.ws
	s.connMu.Unlock()

	if udp != nil {
		_ = udp.Close()
	}
	if ws != nil {
		s.wsMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.wsMu.Unlock()
		_ = ws.Close()
	}
}

// speaker returns the decode context for an SSRC, creating it on the
// first packet from a new speaker.
func (s *Session) speaker(ssrc uint32) (*decodeContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dc, ok := s.speakers[ssrc]; ok {
		return dc, nil
	}
	dec, err := codec.NewDecoder()
	if err != nil {
		return nil, err
	}
	dc := &decodeContext{
		ssrc:   ssrc,
		dec:    dec,
		buf:    jitter.NewInbound(s.cfg.JitterDepth),
		window: crypt.NewSequenceWindow(0),
	}
	s.speakers[ssrc] = dc
	logging.Debugw("session: new speaker stream", logging.SpeakerFields(ssrc, s.users[ssrc])...)
	return dc, nil
}

func (s *Session) userFor(ssrc uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[ssrc]
}

// Speakers returns the SSRCs with live decode state. Mostly useful for
// silence monitoring and diagnostics.
func (s *Session) Speakers() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.speakers))
	for ssrc := range s.speakers {
		out = append(out, ssrc)
	}
	return out
}
