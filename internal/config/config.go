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

// ConfigPath is the default config location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string `yaml:"port"`
	DatabaseURL               string `yaml:"databaseURL"`
	RedisAddr                 string `yaml:"redisAddr"`
	RedisPassword             string `yaml:"redisPassword"`
	TokenSecret               string `yaml:"tokenSecret"`
	AccessTTL                 string `yaml:"accessTTL"`
	RefreshTTL                string `yaml:"refreshTTL"`
	LogLevel                  string `yaml:"logLevel"`
	MaxPushBatch              int    `yaml:"maxPushBatch"`
	QueueStream               string `yaml:"queueStream"`
	QueueGroup                string `yaml:"queueGroup"`
	WorkerConcurrency         int    `yaml:"workerConcurrency"`
	RegisterRateLimitPerMin   int    `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute   int    `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute int    `yaml:"refreshRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SYNC_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("SYNC_ACCESS_TTL"); v != "" {
		cfg.AccessTTL = v
	}
	if v := os.Getenv("SYNC_REFRESH_TTL"); v != "" {
		cfg.RefreshTTL = v
	}
	if v := os.Getenv("SYNC_MAX_PUSH_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPushBatch = n
		}
	}
	if v := os.Getenv("SYNC_QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("SYNC_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("SYNC_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("SYNC_REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMin = n
		}
	}
	if v := os.Getenv("SYNC_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SYNC_REFRESH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RefreshRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return errors.New("config: tokenSecret is required (set SYNC_TOKEN_SECRET)")
	}
	if cfg.MaxPushBatch < 0 {
		return errors.New("config: maxPushBatch must be >= 0")
	}
	if cfg.WorkerConcurrency < 0 {
		return errors.New("config: workerConcurrency must be >= 0")
	}
	if cfg.RegisterRateLimitPerMin < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseAccessTTL parses optional access token TTL duration string.
func ParseAccessTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid accessTTL duration: %w", err)
	}
	return dur, nil
}

// ParseRefreshTTL parses optional refresh token TTL duration string.
func ParseRefreshTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid refreshTTL duration: %w", err)
	}
	return dur, nil
}
