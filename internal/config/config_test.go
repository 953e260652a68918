package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "LOG_LEVEL", "JWT_SECRET", "ALLOWED_ORIGINS", "MONGO_URI", "MONGO_DB",
		"REDIS_ADDR", "FANOUT_CHANNEL", "SYNC_DELAY_MS", "EVICT_GRACE", "EVICT_SCHEDULE",
		"MESSAGES_PER_SECOND", "MESSAGE_BURST", "JUDGE_URL", "JUDGE_API_KEY", "JUDGE_API_HOST",
		"JUDGE_POLL_INTERVAL", "STUN_SERVERS", "TURN_URL", "TURN_USERNAME", "TURN_PASSWORD",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" || cfg.Addr() != ":8080" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
	if cfg.SyncDelay != 400*time.Millisecond {
		t.Fatalf("expected 400ms sync delay, got %s", cfg.SyncDelay)
	}
	if cfg.RedisAddr != "" || cfg.MongoURI != "" {
		t.Fatalf("expected external stores disabled by default")
	}
	if len(cfg.STUNServers) != 2 {
		t.Fatalf("expected default stun servers, got %v", cfg.STUNServers)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("SYNC_DELAY_MS", "0")
	t.Setenv("EVICT_GRACE", "30s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MESSAGE_BURST", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "9000" || cfg.SyncDelay != 0 || cfg.EvictGrace != 30*time.Second || cfg.MessageBurst != 5 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "coide.yaml")
	data := []byte("port: \"7000\"\nredisAddr: redis:6379\nevictGrace: 5m\nfanoutChannel: from-file\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("FANOUT_CHANNEL", "from-env")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "7000" || cfg.RedisAddr != "redis:6379" || cfg.EvictGrace != 5*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.FanoutChannel != "from-env" {
		t.Fatalf("expected env to win over file, got %s", cfg.FanoutChannel)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"PORT":                "http",
		"SYNC_DELAY_MS":       "soon",
		"EVICT_GRACE":         "forever",
		"MESSAGES_PER_SECOND": "-1",
		"JUDGE_POLL_INTERVAL": "0s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("UNIT_TEST_ENV", "value")
	if got := getEnvOrDefault("UNIT_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("expected env value, got %s", got)
	}

	t.Setenv("UNIT_TEST_ENV", "")
	if got := getEnvOrDefault("UNIT_TEST_ENV", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}
