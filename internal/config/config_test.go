package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timeouts.Planning.D() != 2*time.Minute || cfg.Timeouts.Execution.D() != time.Hour {
		t.Fatalf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Polling.ActiveInterval.D() != 3*time.Second || cfg.Polling.IdleInterval.D() != 7*time.Second {
		t.Fatalf("unexpected polling intervals: %+v", cfg.Polling)
	}
	if cfg.Polling.TaskTimeout.D() != 30*time.Minute || cfg.Monitor.Interval.D() != 5*time.Second {
		t.Fatalf("unexpected ceilings")
	}
	if cfg.History.Limit != 100 {
		t.Fatalf("expected history limit 100, got %d", cfg.History.Limit)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
scripts:
  interpreter: bash
  dir: /opt/orderline
timeouts:
  planning: 90s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Timeouts.Planning.D() != 90*time.Second {
		t.Fatalf("expected 90s planning timeout, got %s", cfg.Timeouts.Planning.D())
	}
	if cfg.Timeouts.Execution.D() != time.Hour {
		t.Fatalf("execution default lost: %s", cfg.Timeouts.Execution.D())
	}
	if got := cfg.ScriptPath(cfg.Scripts.PM); got != "/opt/orderline/scripts/pm.sh" {
		t.Fatalf("unexpected script path %s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":      "timeouts:\n  planning: soon\n",
		"zero interval":     "monitor:\n  interval: 0s\n",
		"inverted polling":  "polling:\n  active_interval: 10s\n  idle_interval: 5s\n",
		"no history":        "history:\n  limit: 0\n",
		"relative basepath": "server:\n  base_path: v0\n",
		"log format":        "log:\n  format: xml\n",
		"webhook scheme":    "webhooks:\n  - url: ftp://example.com\n",
		"webhook url":       "webhooks:\n  - events: [complete]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected defaults, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := os.WriteFile(filepath.Join(dir, "orderline.yml"), []byte("ai:\n  model: opus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AI.Model != "opus" {
		t.Fatalf("expected model override, got %s", cfg.AI.Model)
	}
}

func TestWebhookActive(t *testing.T) {
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: http://127.0.0.1:9000/a
    timeout: 2s
  - url: http://127.0.0.1:9000/b
    enabled: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("expected 2 webhooks, got %d", len(cfg.Webhooks))
	}
	if !cfg.Webhooks[0].Active() || cfg.Webhooks[1].Active() {
		t.Fatalf("unexpected active flags")
	}
	if cfg.Webhooks[0].Timeout.D() != 2*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Webhooks[0].Timeout.D())
	}
}
