// Package gateway adapts the chat platform's control-plane client to the
// narrow credentials contract the voice core consumes. The control-plane
// handshake itself (identify, resume, voice state signalling) is entirely
// discordgo's job; this package only waits for the two events that carry
// a voice session's credentials and channel endpoint.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/session"
)

// Connector bridges a discordgo session to voice credentials.
type Connector struct {
	s *discordgo.Session

	mu      sync.Mutex
	waiters map[string]*credWaiter // keyed by guild ID
}

type credWaiter struct {
	channelID string
	sessionID chan string
	server    chan *discordgo.VoiceServerUpdate
}

// NewConnector registers the voice credential handlers on the discordgo
// session. Call before opening the session.
func NewConnector(s *discordgo.Session) *Connector {
	c := &Connector{
		s:       s,
		waiters: make(map[string]*credWaiter),
	}
	s.AddHandler(c.HandleVoiceStateUpdate)
	s.AddHandler(c.HandleVoiceServerUpdate)
	return c
}

// VoiceCredentials asks the control plane to move us into the channel and
// waits for the session id and voice server assignment. The returned
// credentials are everything the voice core needs to run its own
// handshake.
func (c *Connector) VoiceCredentials(ctx context.Context, guildID, channelID string) (session.Credentials, error) {
	w := &credWaiter{
		channelID: channelID,
		sessionID: make(chan string, 1),
		server:    make(chan *discordgo.VoiceServerUpdate, 1),
	}
	c.mu.Lock()
	c.waiters[guildID] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[guildID] == w {
			delete(c.waiters, guildID)
		}
		c.mu.Unlock()
	}()

	if err := c.s.ChannelVoiceJoinManual(guildID, channelID, false, false); err != nil {
		return session.Credentials{}, fmt.Errorf("gateway: voice state update: %w", err)
	}

	var (
		sessionID string
		server    *discordgo.VoiceServerUpdate
	)
	for sessionID == "" || server == nil {
		select {
		case sessionID = <-w.sessionID:
		case server = <-w.server:
		case <-ctx.Done():
			return session.Credentials{}, fmt.Errorf("gateway: waiting for voice credentials: %w", ctx.Err())
		}
	}

	return session.Credentials{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    c.botUserID(),
		SessionID: sessionID,
		Token:     server.Token,
		Endpoint:  server.Endpoint,
	}, nil
}

// Leave asks the control plane to drop our voice state in the guild.
func (c *Connector) Leave(guildID string) error {
	return c.s.ChannelVoiceJoinManual(guildID, "", false, false)
}

// HandleVoiceStateUpdate captures our own session id when the control
// plane confirms the channel move.
func (c *Connector) HandleVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e == nil || e.UserID != c.botUserID() {
		return
	}
	c.mu.Lock()
	w := c.waiters[e.GuildID]
	c.mu.Unlock()
	if w == nil || e.ChannelID != w.channelID {
		return
	}
	select {
	case w.sessionID <- e.SessionID:
	default:
	}
}

// HandleVoiceServerUpdate captures the voice token and endpoint for a
// pending join.
func (c *Connector) HandleVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	if e == nil {
		return
	}
	c.mu.Lock()
	w := c.waiters[e.GuildID]
	c.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.server <- e:
	default:
	}
	logging.Debugw("gateway: voice server assigned", "guild.id", e.GuildID, "endpoint", e.Endpoint)
}

func (c *Connector) botUserID() string {
	if c.s.State != nil && c.s.State.User != nil {
		return c.s.State.User.ID
	}
	return ""
}

// ActiveVoiceChannels scans cached guild state for channels where the bot
// user still holds a voice state, e.g. after a process restart with a
// stale control-plane presence. Used to rejoin on startup.
func (c *Connector) ActiveVoiceChannels() map[string]string {
	out := make(map[string]string)
	uid := c.botUserID()
	if uid == "" || c.s.State == nil {
		return out
	}
	for _, g := range c.s.State.Guilds {
		for _, vs := range g.VoiceStates {
			if vs.UserID == uid && vs.ChannelID != "" {
				out[g.ID] = vs.ChannelID
			}
		}
	}
	return out
}

// WaitTimeout is a sensible default deadline for VoiceCredentials.
const WaitTimeout = 10 * time.Second
