package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

type secretKind int

const (
	notSecret secretKind = iota
	// secretToken values are shown by their last four characters.
	secretToken
	// secretURL values are connection strings; only the password is hidden.
	secretURL
)

var secretKeys = map[string]secretKind{
	"server.api_key":  secretToken,
	"relay.api_key":   secretToken,
	"relay.dsn":       secretURL,
	"relay.redis_url": secretURL,
}

// Entry is one settable value of the config file.
type Entry struct {
	Key    string
	Value  any
	Secret bool
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key] != notSecret
}

// Mask returns v as it may be displayed for key.
func Mask(key string, v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	switch secretKeys[key] {
	case secretToken:
		if len(s) <= 4 {
			return "***"
		}
		return "***" + s[len(s)-4:]
	case secretURL:
		u, err := url.Parse(s)
		if err != nil {
			return "***"
		}
		return u.Redacted()
	}
	return v
}

// Entries lists every value of cfg in key order.
func Entries(cfg *Config, masked bool) ([]Entry, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	var out []Entry
	walk("", m, func(key string, v any) {
		if masked {
			v = Mask(key, v)
		}
		out = append(out, Entry{Key: key, Value: v, Secret: IsSecretKey(key)})
	})
	return out, nil
}

// Keys returns the dot-separated names of every config value.
func Keys() []string {
	entries, _ := Entries(Defaults(), false)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// walk calls fn for every leaf of the nested map m, sorted by key.
func walk(prefix string, m map[string]any, fn func(key string, v any)) {
	for _, name := range slices.Sorted(maps.Keys(m)) {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if section, ok := m[name].(map[string]any); ok {
			walk(key, section, fn)
			continue
		}
		fn(key, m[name])
	}
}

// lookup returns the value under a dot-separated key. Sections are not
// values.
func lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		section, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = section[part]; !ok {
			return nil, false
		}
	}
	if _, ok := cur.(map[string]any); ok {
		return nil, false
	}
	return cur, true
}

// assign stores v under a dot-separated key, creating sections that the
// file does not have yet.
func assign(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		section, ok := m[part].(map[string]any)
		if !ok {
			section = make(map[string]any)
			m[part] = section
		}
		m = section
	}
	m[parts[len(parts)-1]] = v
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key: %s", key)
}
