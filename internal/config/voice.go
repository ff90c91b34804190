package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/voicecall-lab/internal/session"
)

type VoiceConfig struct {
	HandshakeTimeout   time.Duration `env:"VOICE_HANDSHAKE_TIMEOUT, default=10s"`
	JitterDepth        int           `env:"VOICE_JITTER_DEPTH, default=3"`
	PacerDepth         int           `env:"VOICE_PACER_DEPTH, default=4"`
	SpeakerIdleTimeout time.Duration `env:"VOICE_SPEAKER_IDLE_TIMEOUT, default=30s"`
	Bitrate            int           `env:"VOICE_OPUS_BITRATE, default=64000"`
	FFmpegPath         string        `env:"FFMPEG_PATH, default=ffmpeg"`
}

func NewVoiceConfigFromEnv(ctx context.Context) (*VoiceConfig, error) {
	var cfg VoiceConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionConfig maps the environment tuning onto the session package's
// config.
func (c *VoiceConfig) SessionConfig() session.Config {
	return session.Config{
		HandshakeTimeout:   c.HandshakeTimeout,
		JitterDepth:        c.JitterDepth,
		PacerDepth:         c.PacerDepth,
		SpeakerIdleTimeout: c.SpeakerIdleTimeout,
		Bitrate:            c.Bitrate,
	}
}
