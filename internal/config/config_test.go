package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil, lookupFromMap(map[string]string{
		"AUTH_MODE":  "static",
		"CHAT_APP_STATIC_TOKENS": "tok=alice",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.RingTimeout != DefaultRingTimeout {
		t.Errorf("RingTimeout = %v, want %v", cfg.RingTimeout, DefaultRingTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Errorf("MaxSignalingMessageBytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.StaticTokens["tok"] != "alice" {
		t.Errorf("StaticTokens = %v", cfg.StaticTokens)
	}
}

func TestLoad_EnvOverridesAndFlagsWin(t *testing.T) {
	env := map[string]string{
		"AUTH_MODE":               "jwt",
		"JWT_SECRET":              "shh",
		"CHAT_APP_LISTEN_ADDR":    "127.0.0.1:9999",
		"CHAT_APP_LOG_FORMAT":     "json",
		"CHAT_APP_LOG_LEVEL":      "debug",
		"CHAT_APP_RING_TIMEOUT":   "10s",
		"CHAT_APP_MAX_SIGNALING_MESSAGES_PER_SECOND": "7",
	}
	cfg, err := load([]string{"-listen-addr", ":7070"}, lookupFromMap(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("flag should win over env: ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.RingTimeout != 10*time.Second {
		t.Errorf("RingTimeout = %v, want 10s", cfg.RingTimeout)
	}
	if cfg.MaxSignalingMessagesPerSecond != 7 {
		t.Errorf("MaxSignalingMessagesPerSecond = %d, want 7", cfg.MaxSignalingMessagesPerSecond)
	}
}

func TestLoad_YAMLFileActsAsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
listenAddr: ":6060"
authMode: static
staticTokens:
  tok: bob
logFormat: json
ringTimeout: 90s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load([]string{"-config", path}, lookupFromMap(map[string]string{
		// Env still wins over the file.
		"CHAT_APP_LOG_FORMAT": "text",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want :6060", cfg.ListenAddr)
	}
	if cfg.StaticTokens["tok"] != "bob" {
		t.Errorf("StaticTokens = %v", cfg.StaticTokens)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("env should win over file: LogFormat = %q", cfg.LogFormat)
	}
	if cfg.RingTimeout != 90*time.Second {
		t.Errorf("RingTimeout = %v, want 90s", cfg.RingTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"jwt mode without secret", map[string]string{"AUTH_MODE": "jwt"}},
		{"static mode without tokens", map[string]string{"AUTH_MODE": "static"}},
		{"unknown auth mode", map[string]string{"AUTH_MODE": "mutual_tls"}},
		{"bad log level", map[string]string{"AUTH_MODE": "static", "CHAT_APP_STATIC_TOKENS": "t=u", "CHAT_APP_LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"AUTH_MODE": "static", "CHAT_APP_STATIC_TOKENS": "t=u", "CHAT_APP_LOG_FORMAT": "xml"}},
		{"bad static tokens", map[string]string{"AUTH_MODE": "static", "CHAT_APP_STATIC_TOKENS": "justatoken"}},
		{"bad ring timeout", map[string]string{"AUTH_MODE": "static", "CHAT_APP_STATIC_TOKENS": "t=u", "CHAT_APP_RING_TIMEOUT": "soon"}},
		{"bad message rate", map[string]string{"AUTH_MODE": "static", "CHAT_APP_STATIC_TOKENS": "t=u", "CHAT_APP_MAX_SIGNALING_MESSAGES_PER_SECOND": "-1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(nil, lookupFromMap(tc.env)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseStaticTokens(t *testing.T) {
	tokens, err := parseStaticTokens("a=alice, b=bob ,")
	if err != nil {
		t.Fatalf("parseStaticTokens: %v", err)
	}
	if len(tokens) != 2 || tokens["a"] != "alice" || tokens["b"] != "bob" {
		t.Errorf("tokens = %v", tokens)
	}

	if _, err := parseStaticTokens("a=alice,a=again"); err == nil {
		t.Errorf("expected duplicate token error")
	}
}
