package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/voicecall-lab/internal/config"
	"github.com/voicecall-lab/internal/gateway"
	"github.com/voicecall-lab/internal/logging"
	"github.com/voicecall-lab/internal/session"
	"github.com/voicecall-lab/internal/transcode"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer func() { _ = logging.Sync() }()

	ctx := context.Background()
	dcfg, err := config.NewDiscordConfigFromEnv(ctx)
	if err != nil {
		logging.Errorw("config: discord", "err", err)
		os.Exit(1)
	}
	vcfg, err := config.NewVoiceConfigFromEnv(ctx)
	if err != nil {
		logging.Errorw("config: voice", "err", err)
		os.Exit(1)
	}

	dg, err := discordgo.New("Bot " + dcfg.Token)
	if err != nil {
		logging.Errorw("discord: create session", "err", err)
		os.Exit(1)
	}
	dg.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	b := &bot{
		cfg:       dcfg,
		registry:  session.NewRegistry(vcfg.SessionConfig()),
		connector: gateway.NewConnector(dg),
		bridge:    transcode.NewBridge(vcfg.FFmpegPath),
	}
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessage)

	if err := dg.Open(); err != nil {
		logging.Errorw("discord: open gateway", "err", err)
		os.Exit(1)
	}
	logging.Infow("bot: connected")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Infow("bot: shutting down")
	b.registry.CloseAll()
	_ = dg.Close()
}

// onReady heals stale voice presences: if the control plane still shows
// us in a voice channel from a previous process, rejoin it.
func (b *bot) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	if !b.cfg.ReconnectOnUp {
		return
	}
	for guildID, channelID := range b.connector.ActiveVoiceChannels() {
		guildID, channelID := guildID, channelID
		go func() {
			logging.Infow("bot: rejoining stale voice presence", logging.SessionFields(guildID, channelID)...)
			if err := b.join(context.Background(), s, guildID, channelID, ""); err != nil {
				logging.Warnw("bot: rejoin failed", append(logging.SessionFields(guildID, channelID), "err", err)...)
			}
		}()
	}
}

func (b *bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if !strings.HasPrefix(m.Content, b.cfg.CommandPrefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(m.Content, b.cfg.CommandPrefix))
	if len(fields) == 0 {
		return
	}

	ctx := context.Background()
	switch strings.ToLower(fields[0]) {
	case "join", "call":
		channelID := voiceChannelOf(s, m.GuildID, m.Author.ID)
		if channelID == "" {
			b.reply(s, m.ChannelID, "join a voice channel first")
			return
		}
		go func() {
			if err := b.join(ctx, s, m.GuildID, channelID, m.ChannelID); err != nil {
				b.reply(s, m.ChannelID, "could not join: "+err.Error())
			}
		}()

	case "leave", "hangup":
		go b.leave(ctx, s, m)

	case "play":
		if len(fields) < 2 {
			b.reply(s, m.ChannelID, "usage: "+b.cfg.CommandPrefix+"play <file or url>")
			return
		}
		source := fields[1]
		go func() {
			if err := b.play(ctx, m.GuildID, source); err != nil {
				b.reply(s, m.ChannelID, "playback failed: "+err.Error())
			}
		}()
	}
}

// voiceChannelOf finds the voice channel a user currently occupies.
func voiceChannelOf(s *discordgo.Session, guildID, userID string) string {
	g, err := s.State.Guild(guildID)
	if err != nil || g == nil {
		return ""
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}
