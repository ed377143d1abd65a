package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/chatsync/internal/scheduler"
	"github.com/user/chatsync/internal/types"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Server   struct {
		BaseURL     string `json:"base_url"`
		RealtimeURL string `json:"realtime_url"`
		APIKey      string `json:"api_key"`
	} `json:"server"`
	Chat struct {
		Channel           string `json:"channel"`
		BackfillLimit     int    `json:"backfill_limit"`
		MaxInflightWrites int    `json:"max_inflight_writes"`
		Heartbeat         string `json:"heartbeat"`
		Reconnect         struct {
			InitialDelayMs int     `json:"initial_delay_ms"`
			Multiplier     float64 `json:"multiplier"`
			MaxDelayMs     int     `json:"max_delay_ms"`
			MaxAttempts    int     `json:"max_attempts"`
		} `json:"reconnect"`
	} `json:"chat"`
	Relay struct {
		Listen        string  `json:"listen"`
		DSN           string  `json:"dsn"`
		RedisURL      string  `json:"redis_url"`
		APIKey        string  `json:"api_key"`
		RateLimit     float64 `json:"rate_limit"`
		RateBurst     int     `json:"rate_burst"`
		AutoInit      bool    `json:"auto_init"`
		StatsSchedule string  `json:"stats_schedule"`
	} `json:"relay"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".chatsync"),
		LogLevel: "info",
	}
	cfg.Server.BaseURL = "http://127.0.0.1:8080"
	cfg.Chat.Channel = "general"
	cfg.Chat.BackfillLimit = 100
	cfg.Chat.MaxInflightWrites = 4
	cfg.Chat.Heartbeat = "@every 25s"
	cfg.Chat.Reconnect.InitialDelayMs = 500
	cfg.Chat.Reconnect.Multiplier = 2.0
	cfg.Chat.Reconnect.MaxDelayMs = 10000
	cfg.Relay.Listen = "127.0.0.1:8080"
	cfg.Relay.RateLimit = 5
	cfg.Relay.RateBurst = 10
	cfg.Relay.StatsSchedule = "@every 1m"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"CHATSYNC_BASE_URL", &cfg.Server.BaseURL},
		{"CHATSYNC_REALTIME_URL", &cfg.Server.RealtimeURL},
		{"CHATSYNC_API_KEY", &cfg.Server.APIKey},
		{"CHATSYNC_CHANNEL", &cfg.Chat.Channel},
		{"CHATSYNC_LOG_LEVEL", &cfg.LogLevel},
		{"CHATSYNC_RELAY_DSN", &cfg.Relay.DSN},
		{"CHATSYNC_REDIS_URL", &cfg.Relay.RedisURL},
		{"CHATSYNC_RELAY_API_KEY", &cfg.Relay.APIKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports values that would only fail later, at connect or serve
// time.
func (c *Config) Validate() error {
	if err := types.ValidateChannel(c.Chat.Channel); err != nil {
		return fmt.Errorf("chat.channel: %w", err)
	}
	if c.Chat.BackfillLimit <= 0 {
		return fmt.Errorf("chat.backfill_limit must be positive, got %d", c.Chat.BackfillLimit)
	}
	if c.Chat.Heartbeat != "" {
		if err := scheduler.Validate(c.Chat.Heartbeat); err != nil {
			return fmt.Errorf("chat.heartbeat: %w", err)
		}
	}
	if c.Relay.StatsSchedule != "" {
		if err := scheduler.Validate(c.Relay.StatsSchedule); err != nil {
			return fmt.Errorf("relay.stats_schedule: %w", err)
		}
	}
	if _, err := c.RealtimeEndpoint(); err != nil {
		return err
	}
	return nil
}

// RealtimeEndpoint returns the websocket URL of the realtime service. When
// not configured it is derived from the base URL.
func (c *Config) RealtimeEndpoint() (string, error) {
	if c.Server.RealtimeURL != "" {
		return c.Server.RealtimeURL, nil
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	return u.String(), nil
}

// RelayDSN returns the relay store DSN, defaulting to a sqlite file in the
// data directory.
func (c *Config) RelayDSN() string {
	if c.Relay.DSN != "" {
		return c.Relay.DSN
	}
	return "sqlite://" + filepath.Join(c.DataDir, "relay.db")
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under key in the config file, creating
// the file with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(raw, key)
	if !ok {
		return nil, unknownKey(key)
	}
	return v, nil
}

// SetValue stores value under key in an existing config file. Only keys
// that Defaults has are accepted. String settings take value verbatim;
// everything else must be JSON of the matching type. The result has to
// pass Validate before it is written.
func SetValue(path, key, value string) error {
	defaults, err := ToMap(Defaults())
	if err != nil {
		return err
	}
	def, ok := lookup(defaults, key)
	if !ok {
		return unknownKey(key)
	}
	var parsed any = value
	if _, isString := def.(string); !isString {
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}

	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	assign(raw, key, parsed)
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, data)
}
