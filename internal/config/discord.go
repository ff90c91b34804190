package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type DiscordConfig struct {
	Token          string `env:"DISCORD_TOKEN, required"`
	CommandPrefix  string `env:"COMMAND_PREFIX, default=!"`
	ReconnectOnUp  bool   `env:"RECONNECT_ON_STARTUP, default=true"`
	CallAudioDir   string `env:"CALL_AUDIO_DIR"`
	HangupAudioDir string `env:"HANGUP_AUDIO_DIR"`
}

func NewDiscordConfigFromEnv(ctx context.Context) (*DiscordConfig, error) {
	var cfg DiscordConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
