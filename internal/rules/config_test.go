package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	return path
}

func TestLoadRuleSetPartialOverride(t *testing.T) {
	path := writeRuleFile(t, `
authentication_attacks:
  brute_force:
    enabled: true
    name: Brute Force Attack
    description: override
    severity: CRITICAL
    threshold: 10
    time_window_seconds: 120
`)

	rs, err := LoadRuleSet(path)
	if err != nil {
		t.Fatalf("LoadRuleSet: %v", err)
	}

	bf := rs.AuthenticationAttacks.BruteForce
	if bf.Threshold != 10 || bf.TimeWindowSeconds != 120 || bf.Severity != "CRITICAL" {
		t.Errorf("override not applied: %+v", bf)
	}

	// Untouched rules keep their defaults.
	def := DefaultRuleSet().PrivilegeEscalation.SuspiciousSudo
	if rs.PrivilegeEscalation.SuspiciousSudo != def {
		t.Errorf("unmentioned rule changed: %+v", rs.PrivilegeEscalation.SuspiciousSudo)
	}
}

func TestLoadRuleSetRejectsBadValues(t *testing.T) {
	path := writeRuleFile(t, `
authentication_attacks:
  brute_force:
    enabled: true
    name: Brute Force Attack
    severity: EXTREME
    threshold: 0
    time_window_seconds: 300
`)

	if _, err := LoadRuleSet(path); err == nil {
		t.Fatal("want validation error, got nil")
	}
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	if _, err := LoadRuleSet(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing file, got nil")
	}
}

func TestDefaultRuleSetValidates(t *testing.T) {
	if err := DefaultRuleSet().validate(); err != nil {
		t.Fatalf("default rule set invalid: %v", err)
	}
}
