package config

import (
	"slices"
	"testing"
)

func TestMask(t *testing.T) {
	cases := []struct {
		key  string
		in   any
		want any
	}{
		{"server.api_key", "sk-chat-1234", "***1234"},
		{"relay.api_key", "abcd", "***"},
		{"relay.api_key", "", ""},
		{"relay.dsn", "postgres://chat:hunter2@db:5432/chat?sslmode=disable", "postgres://chat:xxxxx@db:5432/chat?sslmode=disable"},
		{"relay.dsn", "sqlite:///var/lib/chatsync/relay.db", "sqlite:///var/lib/chatsync/relay.db"},
		{"relay.redis_url", "redis://:s3cret@cache:6379/0", "redis://:xxxxx@cache:6379/0"},
		{"relay.redis_url", "redis://cache:6379/0", "redis://cache:6379/0"},
		{"relay.dsn", "postgres://chat:pw@[::1", "***"},
		{"chat.channel", "general", "general"},
		{"chat.backfill_limit", float64(100), float64(100)},
	}
	for _, tc := range cases {
		if got := Mask(tc.key, tc.in); got != tc.want {
			t.Errorf("Mask(%s, %v) = %v, want %v", tc.key, tc.in, got, tc.want)
		}
	}
}

func TestEntries(t *testing.T) {
	cfg := Defaults()
	cfg.Server.APIKey = "sk-chat-1234"
	cfg.Relay.DSN = "postgres://chat:hunter2@db/chat"

	masked, err := Entries(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	byKey := make(map[string]Entry)
	var keys []string
	for _, e := range masked {
		byKey[e.Key] = e
		keys = append(keys, e.Key)
	}
	if !slices.IsSorted(keys) {
		t.Errorf("entries not sorted: %v", keys)
	}
	if e := byKey["server.api_key"]; e.Value != "***1234" || !e.Secret {
		t.Errorf("server.api_key = %+v", e)
	}
	if e := byKey["relay.dsn"]; e.Value != "postgres://chat:xxxxx@db/chat" || !e.Secret {
		t.Errorf("relay.dsn = %+v", e)
	}
	if e := byKey["chat.reconnect.initial_delay_ms"]; e.Value != float64(500) || e.Secret {
		t.Errorf("chat.reconnect.initial_delay_ms = %+v", e)
	}

	plain, err := Entries(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range plain {
		if e.Key == "relay.dsn" && e.Value != cfg.Relay.DSN {
			t.Errorf("unmasked relay.dsn = %v", e.Value)
		}
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	for _, want := range []string{"chat.channel", "chat.reconnect.max_attempts", "relay.dsn", "relay.stats_schedule", "server.base_url"} {
		if !slices.Contains(keys, want) {
			t.Errorf("Keys() missing %s", want)
		}
	}
	for _, section := range []string{"chat", "relay", "chat.reconnect"} {
		if slices.Contains(keys, section) {
			t.Errorf("Keys() lists section %s", section)
		}
	}
}

func TestAssignCreatesSections(t *testing.T) {
	m := map[string]any{"log_level": "info"}
	assign(m, "chat.reconnect.max_attempts", 3)
	v, ok := lookup(m, "chat.reconnect.max_attempts")
	if !ok || v != 3 {
		t.Fatalf("lookup = %v, %v", v, ok)
	}
	if m["log_level"] != "info" {
		t.Error("sibling value lost")
	}
}
