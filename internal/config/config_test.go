package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_Defaults tests that a missing config file yields usable defaults.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != ".rosterd" {
		t.Errorf("DataDir = %q, want .rosterd", cfg.DataDir)
	}
	if cfg.Remote.Timeout() != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cfg.Remote.Timeout())
	}
	if cfg.Backup.MaxCount != 20 {
		t.Errorf("MaxCount = %d, want 20", cfg.Backup.MaxCount)
	}
	if cfg.Sync.Interval() != 5*time.Minute {
		t.Errorf("sync interval = %v, want 5m", cfg.Sync.Interval())
	}
}

// TestLoad_File tests reading rosterd.yaml.
func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
data_dir: /var/lib/rosterd
device_id: test-device
remote:
  base_url: https://sync.example.com
  secret: hunter2
  timeout_seconds: 10
backup:
  max_count: 5
  max_age_days: 7
sync:
  interval_seconds: 60
inbox_dir: /var/lib/rosterd/inbox
`
	if err := os.WriteFile(filepath.Join(dir, "rosterd.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/rosterd" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.DeviceID != "test-device" {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.Remote.BaseURL != "https://sync.example.com" {
		t.Errorf("BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout() != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", cfg.Remote.Timeout())
	}
	if cfg.Backup.MaxCount != 5 || cfg.Backup.MaxAgeDays != 7 {
		t.Errorf("backup = %+v", cfg.Backup)
	}
	if cfg.Sync.IntervalSeconds != 60 {
		t.Errorf("interval = %d, want 60", cfg.Sync.IntervalSeconds)
	}
}

// TestLoad_Malformed tests that broken YAML is an error, not silently
// defaulted.
func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rosterd.yaml"), []byte("data_dir: [unclosed"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Error("Load() accepted malformed YAML")
	}
}
