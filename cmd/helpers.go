package cmd

import (
	"fmt"

	"github.com/dayuer/convai-widget/internal/chat"
	"github.com/dayuer/convai-widget/internal/config"
)

// loadConfig resolves settings: config file → environment → (flags, applied by callers).
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	config.ApplyEnv(&cfg)
	return cfg, nil
}

// chatOptions maps configured timing onto the session machine.
func chatOptions(cfg config.Config) chat.Options {
	opts := chat.DefaultOptions()
	if d := cfg.Chat.FlushDelay(); d > 0 {
		opts.FlushDelay = d
	}
	if d := cfg.Chat.FocusDelay(); d > 0 {
		opts.FocusDelay = d
	}
	opts.ResponseTimeout = cfg.Chat.ResponseTimeout()
	return opts
}
