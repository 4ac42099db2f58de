package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zapgate/zapgate/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZAPGATE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:3000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.ReconnectDelaySeconds != 5 || cfg.ConnectErrorDelaySeconds != 15 {
		t.Errorf("delays = %d/%d", cfg.ReconnectDelaySeconds, cfg.ConnectErrorDelaySeconds)
	}
	if cfg.ConnectErrorDelay() <= cfg.ReconnectDelay() {
		t.Error("connect-error delay must be longer than the reconnect delay")
	}
	if !strings.Contains(cfg.MessageTemplate, "{name}") {
		t.Errorf("default template lacks placeholder: %q", cfg.MessageTemplate)
	}
	if !filepath.IsAbs(cfg.StorePath) {
		t.Errorf("StorePath not resolved under home: %q", cfg.StorePath)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("rate limit should default to enabled")
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZAPGATE_HOME", home)

	yaml := "bind_addr: 0.0.0.0:8080\nlog_level: debug\nreconnect_delay_seconds: 2\nmessage_template: \"Oi {name}\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ZAPGATE_BIND_ADDR", "127.0.0.1:9999")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Errorf("env override lost: %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.ReconnectDelaySeconds != 2 {
		t.Errorf("ReconnectDelaySeconds = %d", cfg.ReconnectDelaySeconds)
	}
	if got := cfg.RenderMessage("Ana"); got != "Oi Ana" {
		t.Errorf("RenderMessage = %q", got)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZAPGATE_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZAPGATE_HOME", home)
	a, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint not deterministic")
	}
	b.BindAddr = "0.0.0.0:80"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint ignores bind_addr")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Errorf("fingerprint format: %q", a.Fingerprint())
	}
}
