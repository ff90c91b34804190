package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicecall-lab/internal/crypt"
	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/voiceproto"
)

// Connect runs endpoint discovery and the key-exchange handshake, then
// starts the media loops. No audio flows until the handshake completes.
// The handshake has a hard timeout; on expiry the session fails fatally.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() != StateConnecting {
		return ErrNotReady
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	// Close cancels s.ctx; an in-flight handshake must observe that
	// instead of running to completion on its own timeout.
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	deadline, _ := ctx.Deadline()

	if err := s.handshake(ctx, deadline); err != nil {
		s.reasonMu.Lock()
		s.reason = err
		s.reasonMu.Unlock()
		s.closeSockets()
		_ = s.Close()
		return err
	}

	// Closed is terminal. If Close won the race mid-handshake it may have
	// missed sockets opened after it looked, so tear them down here.
	if !s.transition(StateHandshaking, StateReady) {
		s.closeSockets()
		return ErrClosed
	}

	// The loop start is ordered against Close through connMu so wg.Add
	// can never race Close's wg.Wait.
	s.connMu.Lock()
	closing := s.State() >= StateClosing
	if !closing {
		s.loopsStarted.Store(true)
		s.wg.Add(4)
	}
	s.connMu.Unlock()
	if closing {
		s.closeSockets()
		return ErrClosed
	}

	logging.Infow("session: ready",
		append(logging.SessionFields(s.creds.GuildID, s.creds.ChannelID), "ssrc", s.ssrc)...)

	go s.wsReadLoop()
	go s.heartbeatLoop()
	go s.recvLoop()
	go s.sendLoop()
	return nil
}

func (s *Session) handshake(ctx context.Context, deadline time.Time) error {
	// The endpoint arrives with a legacy :80 suffix; the gateway listens
	// on wss regardless.
	endpoint := strings.TrimSuffix(s.creds.Endpoint, ":80")
	url := fmt.Sprintf("wss://%s/?v=%s", endpoint, voiceproto.GatewayVersion)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return &HandshakeError{Stage: "dial", Err: err}
	}
	s.connMu.Lock()
	s.ws = ws
	s.connMu.Unlock()
	if !s.transition(StateConnecting, StateHandshaking) {
		return ErrClosed
	}

	if err := s.send(voiceproto.OpIdentify, voiceproto.Identify{
		ServerID:  s.creds.GuildID,
		UserID:    s.creds.UserID,
		SessionID: s.creds.SessionID,
		Token:     s.creds.Token,
	}); err != nil {
		return &HandshakeError{Stage: "identify", Err: err}
	}

	var (
		ready    *voiceproto.Ready
		haveKey  bool
		selected bool
	)
	for !haveKey {
		_ = ws.SetReadDeadline(deadline)
		var env voiceproto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return &HandshakeError{Stage: "gateway read", Err: err}
		}
		switch env.Op {
		case voiceproto.OpHello:
			var hello voiceproto.Hello
			if err := json.Unmarshal(env.Data, &hello); err != nil {
				return &HandshakeError{Stage: "hello", Err: err}
			}
			s.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond

		case voiceproto.OpReady:
			var r voiceproto.Ready
			if err := json.Unmarshal(env.Data, &r); err != nil {
				return &HandshakeError{Stage: "ready", Err: err}
			}
			ready = &r
			s.ssrc = r.SSRC
			if err := s.openMedia(ctx, ready); err != nil {
				return err
			}
			selected = true

		case voiceproto.OpSessionDescription:
			if !selected {
				return &HandshakeError{Stage: "session description", Err: fmt.Errorf("arrived before protocol selection")}
			}
			var sd voiceproto.SessionDescription
			if err := json.Unmarshal(env.Data, &sd); err != nil {
				return &HandshakeError{Stage: "session description", Err: err}
			}
			if sd.Mode != voiceproto.EncryptionMode {
				return &HandshakeError{Stage: "session description", Err: fmt.Errorf("server selected mode %q", sd.Mode)}
			}
			if len(sd.SecretKey) != crypt.KeySize {
				return &HandshakeError{Stage: "session description", Err: fmt.Errorf("secret key is %d bytes", len(sd.SecretKey))}
			}
			var key [crypt.KeySize]byte
			copy(key[:], sd.SecretKey)
			s.sealer = crypt.NewSealer(s.ssrc, key)
			s.opener = crypt.NewOpener(key)
			for i := range key {
				key[i] = 0
			}
			haveKey = true

		default:
			// Heartbeat ACKs and unknown ops during handshake are noise.
		}
	}
	if s.heartbeatInterval <= 0 {
		return &HandshakeError{Stage: "hello", Err: fmt.Errorf("no heartbeat interval received")}
	}
	return nil
}

// openMedia opens the UDP media socket, runs hole-punch/IP discovery and
// commits to the encryption mode.
func (s *Session) openMedia(ctx context.Context, ready *voiceproto.Ready) error {
	supported := false
	for _, m := range ready.Modes {
		if m == voiceproto.EncryptionMode {
			supported = true
			break
		}
	}
	if !supported {
		return &HandshakeError{Stage: "select protocol", Err: fmt.Errorf("server offers none of our encryption modes: %v", ready.Modes)}
	}

	var d net.Dialer
	udp, err := d.DialContext(ctx, "udp", net.JoinHostPort(ready.IP, strconv.Itoa(ready.Port)))
	if err != nil {
		return &HandshakeError{Stage: "udp dial", Err: err}
	}
	s.connMu.Lock()
	s.udp = udp
	s.connMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = udp.SetDeadline(deadline)
	if _, err := udp.Write(voiceproto.DiscoveryRequest(s.ssrc)); err != nil {
		return &HandshakeError{Stage: "ip discovery", Err: err}
	}
	buf := make([]byte, voiceproto.DiscoverySize)
	n, err := udp.Read(buf)
	if err != nil {
		return &HandshakeError{Stage: "ip discovery", Err: err}
	}
	addr, port, err := voiceproto.ParseDiscoveryResponse(buf[:n], s.ssrc)
	if err != nil {
		return &HandshakeError{Stage: "ip discovery", Err: err}
	}
	_ = udp.SetDeadline(time.Time{})

	return s.send(voiceproto.OpSelectProtocol, voiceproto.SelectProtocol{
		Protocol: "udp",
		Data: voiceproto.SelectProtocolData{
			Address: addr,
			Port:    port,
			Mode:    voiceproto.EncryptionMode,
		},
	})
}

// send marshals and writes one gateway message. Websocket writes are
// serialized; the heartbeat and speaking paths share the connection.
func (s *Session) send(op int, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteJSON(voiceproto.Envelope{Op: op, Data: raw})
}

// requestRekey re-selects the protocol so the server issues a fresh
// session description, then installs the new key on both directions.
// Called by the send loop when the sealer's per-key budget runs out.
func (s *Session) requestRekey(ctx context.Context) error {
	logging.Warnw("session: counter budget exhausted, rotating session key",
		logging.SessionFields(s.creds.GuildID, s.creds.ChannelID)...)
	if err := s.send(voiceproto.OpSelectProtocol, voiceproto.SelectProtocol{
		Protocol: "udp",
		Data: voiceproto.SelectProtocolData{Mode: voiceproto.EncryptionMode},
	}); err != nil {
		return err
	}
	select {
	case key := <-s.rekeyCh:
		s.sealer.Rekey(key)
		s.opener.Rekey(key)
		for i := range key {
			key[i] = 0
		}
		return nil
	case <-time.After(s.cfg.HandshakeTimeout):
		return &HandshakeError{Stage: "re-key", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return ctx.Err()
	}
}
