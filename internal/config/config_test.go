package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	doc := `
server:
  addr: ":9000"
llm:
  model: gpt-4o
  timeout: 30s
drafts:
  confirm_window: 10m
worker:
  max_attempts: 5
work_items:
  priorities:
    member_review: high
    policy_follow_up: urgent
`
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr not overridden: %s", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("omitted fields must keep defaults, got %s", cfg.Server.BasePath)
	}
	if cfg.LLM.Timeout.Std() != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.LLM.Timeout.Std())
	}
	if cfg.Drafts.ConfirmWindow.Std() != 10*time.Minute {
		t.Fatalf("expected 10m confirm window, got %v", cfg.Drafts.ConfirmWindow.Std())
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.WorkItems.Priorities["policy_follow_up"] != "urgent" {
		t.Fatalf("priorities not overridden: %v", cfg.WorkItems.Priorities)
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	if _, err := FromYAML([]byte("drafts:\n  confirm_window: soonish\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	cfg := Default()
	cfg.WorkItems.Priorities["member_review"] = "whenever"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown priority") {
		t.Fatalf("expected priority error, got %v", err)
	}
}

func TestValidateRejectsNonPositiveBudgets(t *testing.T) {
	cfg := Default()
	cfg.Worker.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected max_attempts error")
	}
	cfg = Default()
	cfg.LLM.MaxTurns = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected max_turns error")
	}
}
