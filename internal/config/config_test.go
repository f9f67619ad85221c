package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "statsd.yaml")
	body := "queue_capacity: 5000\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueCapacity != 5000 {
		t.Errorf("expected overlay to apply, got queue_capacity=%d", cfg.QueueCapacity)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected overlay log_level=debug, got %s", cfg.LogLevel)
	}
	// fields absent from the fixture keep their defaults
	if cfg.DefaultCooldownNS != 1_000_000_000 {
		t.Errorf("expected default_cooldown_ns to retain its default, got %d", cfg.DefaultCooldownNS)
	}
}

func TestValidateAccumulatesAllViolations(t *testing.T) {
	cfg := &Config{
		SocketPath:           "",
		QueueCapacity:        0,
		DefaultCooldownNS:    -1,
		DefaultPullTimeoutNS: 0,
		AlarmAlignmentNS:     0,
		LogLossHistoryCap:    0,
		OverflowHistoryCap:   0,
		MaxSubscribersPerTag: -1,
		OperatorSocketPath:   "",
		MetricsAddr:          "",
		ArchivePath:          "",
		ArchiveRetentionDays: 0,
		LogLevel:             "trace",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a combined validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"socket_path", "queue_capacity", "default_cooldown_ns", "default_pull_timeout_ns",
		"alarm_alignment_ns", "log_loss_history_cap", "overflow_history_cap",
		"max_subscribers_per_tag", "operator_socket_path", "metrics_addr",
		"archive_path", "archive_retention_days", "log_level",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected combined error to mention %q, got: %s", want, msg)
		}
	}
}

func TestDestructiveDiff(t *testing.T) {
	a := Defaults()
	b := Defaults()
	if a.DestructiveDiff(b) {
		t.Fatal("identical configs should not report a destructive diff")
	}

	b.SocketPath = "/dev/socket/other"
	if !a.DestructiveDiff(b) {
		t.Error("expected socket_path change to be destructive")
	}

	c := Defaults()
	c.DefaultCooldownNS = 5
	if a.DestructiveDiff(c) {
		t.Error("expected default_cooldown_ns change to be non-destructive")
	}
}

func TestApplyNonDestructive(t *testing.T) {
	live := Defaults()
	incoming := Defaults()
	incoming.DefaultCooldownNS = 42
	incoming.LogLevel = "warn"
	incoming.SocketPath = "/dev/socket/ignored"

	live.ApplyNonDestructive(incoming)

	if live.DefaultCooldownNS != 42 || live.LogLevel != "warn" {
		t.Errorf("expected non-destructive fields applied, got %+v", live)
	}
	if live.SocketPath != Defaults().SocketPath {
		t.Error("expected destructive field socket_path to be left untouched")
	}
}
