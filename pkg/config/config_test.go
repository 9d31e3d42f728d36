package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "covenant.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Delegation.MaxDelegationDepth != 5 {
		t.Fatalf("default max depth: %d", cfg.Delegation.MaxDelegationDepth)
	}
	if cfg.Security.GamingWindow() != 24*time.Hour {
		t.Fatalf("default gaming window: %v", cfg.Security.GamingWindow())
	}
	if cfg.Firebreak.HighValueLimit != 10000 {
		t.Fatalf("default high value limit: %f", cfg.Firebreak.HighValueLimit)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "delegation:\n  max_delegation_depth: 3\nsecurity:\n  max_actions: 7\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Delegation.MaxDelegationDepth != 3 {
		t.Fatalf("override lost: %d", cfg.Delegation.MaxDelegationDepth)
	}
	if cfg.Security.MaxActions != 7 {
		t.Fatalf("override lost: %d", cfg.Security.MaxActions)
	}
	// Untouched sections keep their defaults.
	if cfg.Security.MemoryCapMB != 8192 {
		t.Fatalf("default clobbered: %d", cfg.Security.MemoryCapMB)
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	path := writeConfig(t, "delegation:\n  max_delegaton_depth: 3\n")
	if _, err := Load(path); err == nil {
		t.Fatal("typo'd key must be rejected")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATA_DIR", "/tmp/covenant-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LOG_LEVEL ignored: %q", cfg.LogLevel)
	}
	if !strings.HasPrefix(cfg.ContractDBPath(), "/tmp/covenant-test") {
		t.Fatalf("DATA_DIR ignored: %q", cfg.ContractDBPath())
	}
}

func TestValidation(t *testing.T) {
	cases := []string{
		"log_level: loud\n",
		"delegation:\n  max_delegation_depth: -1\n",
		"reputation:\n  initial_score: 1.5\n",
		"firebreak:\n  supervisor_depth: 9\n  manager_depth: 5\n  executive_depth: 7\n  emergency_depth: 10\n",
	}
	for _, content := range cases {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Fatalf("config %q should fail validation", content)
		}
	}
}
