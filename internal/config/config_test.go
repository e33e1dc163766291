package config

import (
	"strings"
	"testing"
	"time"
)

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  name: bodega_test\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Host != "127.0.0.1" {
		t.Errorf("Database.Host = %q, want default 127.0.0.1", cfg.Database.Host)
	}
	if cfg.Database.Port != 3306 {
		t.Errorf("Database.Port = %d, want 3306", cfg.Database.Port)
	}
	if cfg.PriorityStrategy != PriorityTabPrice {
		t.Errorf("PriorityStrategy = %q, want %q", cfg.PriorityStrategy, PriorityTabPrice)
	}
	if cfg.MaxOrderTimeLimit.Std() != 48*time.Hour {
		t.Errorf("MaxOrderTimeLimit = %s, want 48h", cfg.MaxOrderTimeLimit.Std())
	}
	if cfg.Workers.Count != DefaultWorkerCount {
		t.Errorf("Workers.Count = %d, want %d", cfg.Workers.Count, DefaultWorkerCount)
	}
}

func TestParse_Durations(t *testing.T) {
	yaml := `
workers:
  count: 2
  poll_interval: 500ms
  grace_window: 12h
max_order_time_limit: 96h
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Workers.PollInterval.Std() != 500*time.Millisecond {
		t.Errorf("PollInterval = %s, want 500ms", cfg.Workers.PollInterval.Std())
	}
	if cfg.Workers.GraceWindow.Std() != 12*time.Hour {
		t.Errorf("GraceWindow = %s, want 12h", cfg.Workers.GraceWindow.Std())
	}
	if cfg.MaxOrderTimeLimit.Std() != 96*time.Hour {
		t.Errorf("MaxOrderTimeLimit = %s, want 96h", cfg.MaxOrderTimeLimit.Std())
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("max_order_time_limit: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestParse_BadPriorityStrategy(t *testing.T) {
	_, err := Parse([]byte("priority_strategy: coin_flip\n"))
	if err == nil {
		t.Fatal("expected error for unknown priority strategy")
	}
	if !strings.Contains(err.Error(), "priority_strategy") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_DiscordRequiresChannel(t *testing.T) {
	_, err := Parse([]byte("discord:\n  enabled: true\n"))
	if err == nil {
		t.Fatal("expected error for discord without channel_id")
	}
	if !strings.Contains(err.Error(), "channel_id") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_GitHubRequiresRepo(t *testing.T) {
	_, err := Parse([]byte("github:\n  owner: zulandar\n"))
	if err == nil {
		t.Fatal("expected error for github owner without repo")
	}
}
