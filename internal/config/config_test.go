package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Role != "controller" || cfg.FlushSize != 120 || cfg.FlushInterval != 120*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HandshakeTimeout != 30*time.Second || len(cfg.BeaconTargets) != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COPILOT_ROLE", "base")
	t.Setenv("COPILOT_USER_ID", "rory")
	t.Setenv("COPILOT_FLUSH_SIZE", "10")
	t.Setenv("COPILOT_FLUSH_INTERVAL", "5s")
	t.Setenv("COPILOT_UPLINK_ENABLED", "true")
	t.Setenv("COPILOT_API_BASE", "https://api.example.test")
	t.Setenv("COPILOT_BEACON_TARGETS", "10.0.0.255:4611,10.0.1.255:4611")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Role != "base" || cfg.UserID != "rory" || cfg.FlushSize != 10 || cfg.FlushInterval != 5*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !cfg.UplinkEnabled || cfg.APIBase != "https://api.example.test" {
		t.Fatalf("uplink env not applied: %+v", cfg)
	}
	if len(cfg.BeaconTargets) != 2 || cfg.BeaconTargets[1] != "10.0.1.255:4611" {
		t.Fatalf("unexpected beacon targets %v", cfg.BeaconTargets)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copilot.json")
	if err := os.WriteFile(path, []byte(`{"ROLE":"base","SERVER_ADDR":":9090"}`), 0600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("COPILOT_CONFIG", path)
	t.Setenv("COPILOT_SERVER_ADDR", ":7070")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Role != "base" {
		t.Fatalf("file value not applied: %+v", cfg)
	}
	if cfg.ServerAddr != ":7070" {
		t.Fatalf("env should win over file, got %s", cfg.ServerAddr)
	}

	t.Setenv("COPILOT_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := Load()
	cases := map[string]func(*Config){
		"role":       func(c *Config) { c.Role = "pillion" },
		"user":       func(c *Config) { c.UserID = "" },
		"flush":      func(c *Config) { c.FlushSize = 0 },
		"interval":   func(c *Config) { c.FlushInterval = -time.Second },
		"uplink":     func(c *Config) { c.UplinkEnabled = true },
		"negative":   func(c *Config) { c.HandshakeTimeout = -1 },
		"beacon":     func(c *Config) { c.BeaconInterval = 0 },
		"empty home": func(c *Config) { c.Home = "" },
	}
	for name, mutate := range cases {
		c := cfg
		c.UserID = "rory"
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	base := cfg
	base.Role = "base"
	if err := base.Validate(); err != nil {
		t.Fatalf("base station needs no user id: %v", err)
	}
}
