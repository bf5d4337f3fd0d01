package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RELAYMSG_SYNC_ENABLED", "false")
	config, err := loadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if config.ListenAddr != ":8080" || config.StoreDSN != "file:relaymsg.db" {
		t.Errorf("defaults = %+v", config)
	}
	if config.Sync.Interval != 15*time.Minute || config.Sync.BatchSize != 50 ||
		config.Sync.RetryCeiling != 100 || config.Sync.PacingDelay != 100*time.Millisecond {
		t.Errorf("sync defaults = %+v", config.Sync)
	}
	if config.Sync.DeliveredRetention != 7*24*time.Hour || config.Sync.SafetyNetRetention != 30*24*time.Hour {
		t.Errorf("retention defaults = %+v", config.Sync)
	}
}

func TestLoadConfigFileAndEnvLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
listen_addr: ":9090"
device_id: dev-1
api_token: file-token
collector:
  base_url: https://collector.example.com
sync:
  batch_size: 10
  enabled: true
  interval: 5m
  retry_ceiling: 100
  pacing_delay: 100ms
  delivered_retention: 168h
  safety_net_retention: 720h
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAYMSG_SYNC_BATCH_SIZE", "25")
	t.Setenv("RELAYMSG_API_TOKEN", "env-token")

	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if config.ListenAddr != ":9090" || config.Sync.Interval != 5*time.Minute {
		t.Errorf("file values not applied: %+v", config)
	}
	if config.Sync.BatchSize != 25 {
		t.Errorf("batch size = %d, want env override 25", config.Sync.BatchSize)
	}
	if config.APIToken != "env-token" {
		t.Errorf("api token = %q, want env override", config.APIToken)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	// Sync enabled by default, so a bare config needs a collector.
	if _, err := loadConfig(""); err == nil {
		t.Error("expected error for sync enabled without collector url")
	}

	t.Setenv("RELAYMSG_COLLECTOR_URL", "https://collector.example.com")
	if _, err := loadConfig(""); err == nil {
		t.Error("expected error for sync enabled without device id")
	}

	t.Setenv("RELAYMSG_DEVICE_ID", "dev-1")
	if _, err := loadConfig(""); err != nil {
		t.Errorf("complete config rejected: %v", err)
	}

	t.Setenv("RELAYMSG_SYNC_INTERVAL", "-1m")
	if _, err := loadConfig(""); err == nil {
		t.Error("expected error for negative interval")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("RELAYMSG_TEST_INT", "not-a-number")
	if got := intEnv("RELAYMSG_TEST_INT", 7); got != 7 {
		t.Errorf("intEnv fallback = %d, want 7", got)
	}
	t.Setenv("RELAYMSG_TEST_BOOL", "yes-ish")
	if got := boolEnv("RELAYMSG_TEST_BOOL", true); got != true {
		t.Errorf("boolEnv fallback = %t, want true", got)
	}
	t.Setenv("RELAYMSG_TEST_DUR", "90")
	if got := durationEnv("RELAYMSG_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("durationEnv fallback = %s, want 1s", got)
	}
}
