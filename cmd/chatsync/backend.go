package main

import (
	"fmt"
	"time"

	"github.com/user/chatsync/internal/config"
	"github.com/user/chatsync/internal/gateway"
	"github.com/user/chatsync/internal/realtime"
	"github.com/user/chatsync/internal/rest"
)

func reconnectPolicy(cfg *config.Config) *gateway.RetryPolicy {
	p := gateway.ReconnectPolicy()
	r := cfg.Chat.Reconnect
	if r.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(r.InitialDelayMs) * time.Millisecond
	}
	if r.Multiplier >= 1 {
		p.Multiplier = r.Multiplier
	}
	if r.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	p.MaxAttempts = r.MaxAttempts
	return p
}

func restClient(cfg *config.Config) *rest.Client {
	return rest.NewClient(rest.ClientConfig{
		BaseURL: cfg.Server.BaseURL,
		APIKey:  cfg.Server.APIKey,
	})
}

func realtimeClient(cfg *config.Config) (*realtime.Client, error) {
	endpoint, err := cfg.RealtimeEndpoint()
	if err != nil {
		return nil, err
	}
	rt, err := realtime.New(realtime.Config{
		URL:       endpoint,
		APIKey:    cfg.Server.APIKey,
		Heartbeat: cfg.Chat.Heartbeat,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime client: %w", err)
	}
	return rt, nil
}

func channelArg(cfg *config.Config, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return cfg.Chat.Channel
}
