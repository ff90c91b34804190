package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/voicecall-lab/internal/codec"
	"github.com/voicecall-lab/internal/config"
	"github.com/voicecall-lab/internal/gateway"
	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/session"
	"github.com/voicecall-lab/internal/soundbank"
	"github.com/voicecall-lab/internal/transcode"
)

type bot struct {
	cfg       *config.DiscordConfig
	registry  *session.Registry
	connector *gateway.Connector
	bridge    *transcode.Bridge
}

// join acquires a session for the channel, runs the voice handshake and
// plays the greeting sequence. replyTo is the text channel for status
// messages ("" during startup rejoins).
func (b *bot) join(ctx context.Context, s *discordgo.Session, guildID, channelID, replyTo string) error {
	credCtx, cancel := context.WithTimeout(ctx, gateway.WaitTimeout)
	creds, err := b.connector.VoiceCredentials(credCtx, guildID, channelID)
	cancel()
	if err != nil {
		return err
	}

	sess, err := b.registry.Acquire(creds)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyActive) && replyTo != "" {
			b.reply(s, replyTo, "already on a call in that channel")
		}
		return err
	}

	sess.SetSpeakingFunc(func(ssrc uint32, userID string, speaking bool) {
		logging.Debugw("bot: speaker activity",
			append(logging.SpeakerFields(ssrc, userID), "speaking", speaking)...)
	})

	if err := sess.Connect(ctx); err != nil {
		_ = b.registry.Release(channelID)
		_ = b.connector.Leave(guildID)
		return err
	}

	// Ordered greeting sequence, full paths, before we start listening.
	for _, clip := range soundbank.List(b.cfg.CallAudioDir) {
		if err := b.playInto(ctx, sess, clip); err != nil {
			logging.Warnw("bot: greeting clip failed", "clip", clip, "err", err)
		}
	}

	if replyTo != "" {
		b.reply(s, replyTo, "📞 joined the call")
	}
	return nil
}

// leave plays a random hang-up clip, then tears down the session and the
// control-plane voice state.
func (b *bot) leave(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	channelID := b.activeChannelIn(m.GuildID)
	if channelID == "" {
		b.reply(s, m.ChannelID, "not on a call")
		return
	}
	sess, ok := b.registry.Get(channelID)
	if ok {
		if clip := soundbank.PickRandom(b.cfg.HangupAudioDir); clip != "" {
			if err := b.playInto(ctx, sess, clip); err != nil {
				logging.Debugw("bot: hang-up clip failed", "clip", clip, "err", err)
			}
		}
	}
	if err := b.registry.Release(channelID); err != nil && !errors.Is(err, session.ErrNotActive) {
		logging.Warnw("bot: release failed", "channel.id", channelID, "err", err)
	}
	_ = b.connector.Leave(m.GuildID)
	b.reply(s, m.ChannelID, "📴 hung up")
}

// play streams an arbitrary source into the guild's active call.
func (b *bot) play(ctx context.Context, guildID, source string) error {
	channelID := b.activeChannelIn(guildID)
	if channelID == "" {
		return session.ErrNotActive
	}
	sess, ok := b.registry.Get(channelID)
	if !ok {
		return session.ErrNotActive
	}
	return b.playInto(ctx, sess, source)
}

// playInto picks the cheapest path for a source: local Ogg/Opus files
// stream pre-encoded frames straight to the pacer, everything else goes
// through the transcoder.
func (b *bot) playInto(ctx context.Context, sess *session.Session, source string) error {
	if isLocalOgg(source) {
		f, err := os.Open(source)
		if err != nil {
			return err
		}
		defer f.Close()
		return sess.Play(ctx, transcode.NewOggOpusReader(f))
	}

	pcm, err := b.bridge.ToPCM(ctx, source)
	if err != nil {
		return err
	}
	defer pcm.Close()
	return sess.PlayPCM(ctx, pcmSource{pcm})
}

// pcmSource narrows *transcode.PCMReader to the session's source
// contract.
type pcmSource struct{ r *transcode.PCMReader }

func (p pcmSource) Next() (codec.Frame, error) { return p.r.Next() }

// activeChannelIn returns the channel of the guild's live session, if
// any. One session per channel; a guild holds at most one call.
func (b *bot) activeChannelIn(guildID string) string {
	for _, cid := range b.registry.Channels() {
		if sess, ok := b.registry.Get(cid); ok && sess.GuildID() == guildID {
			return cid
		}
	}
	return ""
}

func isLocalOgg(source string) bool {
	if strings.Contains(source, "://") {
		return false
	}
	lower := strings.ToLower(source)
	return strings.HasSuffix(lower, ".ogg") || strings.HasSuffix(lower, ".opus")
}

func (b *bot) reply(s *discordgo.Session, channelID, msg string) {
	if channelID == "" {
		return
	}
	if _, err := s.ChannelMessageSend(channelID, msg); err != nil {
		logging.Debugw("bot: reply failed", "channel.id", channelID, "err", err)
	}
}
