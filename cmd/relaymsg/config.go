package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	APIToken   string `yaml:"api_token"`
	DeviceID   string `yaml:"device_id"`
	StoreDSN   string `yaml:"store_dsn"`
	SpoolDir   string `yaml:"spool_dir"`
	LogLevel   string `yaml:"log_level"`

	Collector CollectorConfig `yaml:"collector"`
	Sync      SyncConfig      `yaml:"sync"`
	Capture   CaptureConfig   `yaml:"capture"`
	Alert     AlertConfig     `yaml:"alert"`
}

type CollectorConfig struct {
	BaseURL   string `yaml:"base_url"`
	DeviceKey string `yaml:"device_key"`
}

type SyncConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	BatchSize          int           `yaml:"batch_size"`
	RetryCeiling       int           `yaml:"retry_ceiling"`
	PacingDelay        time.Duration `yaml:"pacing_delay"`
	DeliveredRetention time.Duration `yaml:"delivered_retention"`
	SafetyNetRetention time.Duration `yaml:"safety_net_retention"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

type CaptureConfig struct {
	Pidfile           string   `yaml:"pidfile"`
	StartCommand      []string `yaml:"start_command"`
	PermissionCommand []string `yaml:"permission_command"`
}

type AlertConfig struct {
	RaiseCommand []string `yaml:"raise_command"`
	ClearCommand []string `yaml:"clear_command"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		StoreDSN:   "file:relaymsg.db",
		LogLevel:   "info",
		Sync: SyncConfig{
			Enabled:            true,
			Interval:           15 * time.Minute,
			BatchSize:          50,
			RetryCeiling:       100,
			PacingDelay:        100 * time.Millisecond,
			DeliveredRetention: 7 * 24 * time.Hour,
			SafetyNetRetention: 30 * 24 * time.Hour,
			RetryDelay:         time.Minute,
		},
	}
}

// loadConfig layers the YAML file, if any, over the defaults and the
// environment over both.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&config)
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func applyEnv(config *Config) {
	config.ListenAddr = stringEnv("RELAYMSG_ADDR", config.ListenAddr)
	config.APIToken = stringEnv("RELAYMSG_API_TOKEN", config.APIToken)
	config.DeviceID = stringEnv("RELAYMSG_DEVICE_ID", config.DeviceID)
	config.StoreDSN = stringEnv("RELAYMSG_STORE_DSN", config.StoreDSN)
	config.SpoolDir = stringEnv("RELAYMSG_SPOOL_DIR", config.SpoolDir)
	config.LogLevel = stringEnv("RELAYMSG_LOG_LEVEL", config.LogLevel)
	config.Collector.BaseURL = stringEnv("RELAYMSG_COLLECTOR_URL", config.Collector.BaseURL)
	config.Collector.DeviceKey = stringEnv("RELAYMSG_DEVICE_KEY", config.Collector.DeviceKey)
	config.Sync.Enabled = boolEnv("RELAYMSG_SYNC_ENABLED", config.Sync.Enabled)
	config.Sync.Interval = durationEnv("RELAYMSG_SYNC_INTERVAL", config.Sync.Interval)
	config.Sync.BatchSize = intEnv("RELAYMSG_SYNC_BATCH_SIZE", config.Sync.BatchSize)
	config.Sync.RetryCeiling = intEnv("RELAYMSG_SYNC_RETRY_CEILING", config.Sync.RetryCeiling)
	config.Sync.PacingDelay = durationEnv("RELAYMSG_SYNC_PACING_DELAY", config.Sync.PacingDelay)
	config.Sync.DeliveredRetention = durationEnv("RELAYMSG_RETENTION_DELIVERED", config.Sync.DeliveredRetention)
	config.Sync.SafetyNetRetention = durationEnv("RELAYMSG_RETENTION_SAFETY_NET", config.Sync.SafetyNetRetention)
	config.Sync.RetryDelay = durationEnv("RELAYMSG_SYNC_RETRY_DELAY", config.Sync.RetryDelay)
	config.Capture.Pidfile = stringEnv("RELAYMSG_CAPTURE_PIDFILE", config.Capture.Pidfile)
}

func (c Config) validate() error {
	if c.Sync.Enabled {
		if strings.TrimSpace(c.Collector.BaseURL) == "" {
			return errors.New("collector.base_url is required when sync is enabled")
		}
		if strings.TrimSpace(c.DeviceID) == "" {
			return errors.New("device_id is required when sync is enabled")
		}
	}
	if c.Sync.Interval <= 0 || c.Sync.BatchSize <= 0 || c.Sync.RetryCeiling <= 0 {
		return errors.New("sync interval, batch size, and retry ceiling must be positive")
	}
	if c.Sync.DeliveredRetention <= 0 || c.Sync.SafetyNetRetention <= 0 {
		return errors.New("retention windows must be positive")
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		return errors.New("store_dsn is required")
	}
	return nil
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
