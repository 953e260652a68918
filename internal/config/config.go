package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server reads at startup. Values come from an
// optional YAML file named by CONFIG_FILE and are then overridden by the
// environment.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	JWTSecret      string   `yaml:"jwtSecret"`
	AllowedOrigins []string `yaml:"allowedOrigins"`

	MongoURI string `yaml:"mongoUri"`
	MongoDB  string `yaml:"mongoDb"`

	RedisAddr     string `yaml:"redisAddr"`
	FanoutChannel string `yaml:"fanoutChannel"`

	SyncDelay     time.Duration `yaml:"syncDelay"`
	EvictGrace    time.Duration `yaml:"evictGrace"`
	EvictSchedule string        `yaml:"evictSchedule"`

	MessagesPerSecond float64 `yaml:"messagesPerSecond"`
	MessageBurst      int     `yaml:"messageBurst"`

	JudgeURL          string        `yaml:"judgeUrl"`
	JudgeAPIKey       string        `yaml:"judgeApiKey"`
	JudgeAPIHost      string        `yaml:"judgeApiHost"`
	JudgePollInterval time.Duration `yaml:"judgePollInterval"`

	STUNServers  []string `yaml:"stunServers"`
	TURNURL      string   `yaml:"turnUrl"`
	TURNUsername string   `yaml:"turnUsername"`
	TURNPassword string   `yaml:"turnPassword"`
}

func defaults() *Config {
	return &Config{
		Port:              "8080",
		JWTSecret:         "your-secret-key", // Default for development
		AllowedOrigins:    []string{"http://localhost:5173"},
		MongoDB:           "coide",
		FanoutChannel:     "coide:fanout",
		SyncDelay:         400 * time.Millisecond,
		EvictGrace:        10 * time.Minute,
		EvictSchedule:     "@every 1m",
		MessagesPerSecond: 100,
		MessageBurst:      200,
		JudgePollInterval: 2 * time.Second,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
	}
}

// LoadConfig builds the configuration from CONFIG_FILE (if set) and the
// environment.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.AllowedOrigins = getListOrDefault("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.MongoURI = getEnvOrDefault("MONGO_URI", cfg.MongoURI)
	cfg.MongoDB = getEnvOrDefault("MONGO_DB", cfg.MongoDB)
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.FanoutChannel = getEnvOrDefault("FANOUT_CHANNEL", cfg.FanoutChannel)
	cfg.EvictSchedule = getEnvOrDefault("EVICT_SCHEDULE", cfg.EvictSchedule)
	cfg.JudgeURL = getEnvOrDefault("JUDGE_URL", cfg.JudgeURL)
	cfg.JudgeAPIKey = getEnvOrDefault("JUDGE_API_KEY", cfg.JudgeAPIKey)
	cfg.JudgeAPIHost = getEnvOrDefault("JUDGE_API_HOST", cfg.JudgeAPIHost)
	cfg.STUNServers = getListOrDefault("STUN_SERVERS", cfg.STUNServers)
	cfg.TURNURL = getEnvOrDefault("TURN_URL", cfg.TURNURL)
	cfg.TURNUsername = getEnvOrDefault("TURN_USERNAME", cfg.TURNUsername)
	cfg.TURNPassword = getEnvOrDefault("TURN_PASSWORD", cfg.TURNPassword)

	var err error
	if v := os.Getenv("SYNC_DELAY_MS"); v != "" {
		ms, convErr := strconv.Atoi(v)
		if convErr != nil {
			return nil, fmt.Errorf("SYNC_DELAY_MS: %w", convErr)
		}
		cfg.SyncDelay = time.Duration(ms) * time.Millisecond
	}
	if cfg.EvictGrace, err = getDurationOrDefault("EVICT_GRACE", cfg.EvictGrace); err != nil {
		return nil, err
	}
	if cfg.JudgePollInterval, err = getDurationOrDefault("JUDGE_POLL_INTERVAL", cfg.JudgePollInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("MESSAGES_PER_SECOND"); v != "" {
		if cfg.MessagesPerSecond, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("MESSAGES_PER_SECOND: %w", err)
		}
	}
	if v := os.Getenv("MESSAGE_BURST"); v != "" {
		if cfg.MessageBurst, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("MESSAGE_BURST: %w", err)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("invalid port %q", cfg.Port)
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.SyncDelay < 0 {
		return errors.New("sync delay must not be negative")
	}
	if cfg.MessagesPerSecond <= 0 || cfg.MessageBurst <= 0 {
		return errors.New("message rate and burst must be positive")
	}
	if cfg.JudgePollInterval <= 0 {
		return errors.New("judge poll interval must be positive")
	}
	return nil
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string { return ":" + c.Port }

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
