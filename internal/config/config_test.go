package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ApprovalTTL() != 30*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.ApprovalTTL())
	}
	if cfg.Approval.Threshold != "high" {
		t.Fatalf("unexpected threshold %s", cfg.Approval.Threshold)
	}
	if cfg.Rules.MinBufferMinutes != 15 || cfg.Rules.MaxDailyMinutes != 600 {
		t.Fatalf("unexpected rules %+v", cfg.Rules)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("approval:\n  ttl: 5m\n  threshold: medium\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ApprovalTTL() != 5*time.Minute || cfg.Approval.Threshold != "medium" {
		t.Fatalf("overrides not applied: %+v", cfg.Approval)
	}
	if cfg.Rules.MaxDailyMinutes != 600 {
		t.Fatalf("defaults lost: %+v", cfg.Rules)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"threshold": "approval:\n  threshold: extreme\n",
		"ttl":       "approval:\n  ttl: soon\n",
		"late_end":  "rules:\n  late_end: 25h\n",
		"stream":    "taskbus:\n  redis_url: redis://localhost:6379\n  stream: \"\"\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tripgate.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
