// Package rules implements the correlation rule engine: a fixed battery of
// windowed aggregation rules evaluated concurrently over the event snapshot,
// producing detections and promoting high/critical findings to alerts.
package rules

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule parameterizes one detection rule. Threshold and window semantics are
// rule-specific; see the rule functions in rules.go.
type Rule struct {
	Enabled           bool   `yaml:"enabled"`
	Name              string `yaml:"name"`
	Description       string `yaml:"description"`
	Severity          string `yaml:"severity"`
	Threshold         int    `yaml:"threshold"`
	TimeWindowSeconds int    `yaml:"time_window_seconds"`
}

// RuleSet is the full rule-definition document, grouped by category the way
// detections report their rule_category.
type RuleSet struct {
	AuthenticationAttacks struct {
		BruteForce            Rule `yaml:"brute_force"`
		PasswordSpraying      Rule `yaml:"password_spraying"`
		SuccessfulAfterFailed Rule `yaml:"successful_after_failed"`
	} `yaml:"authentication_attacks"`
	PrivilegeEscalation struct {
		SuspiciousSudo    Rule `yaml:"suspicious_sudo"`
		FailedSu          Rule `yaml:"failed_su"`
		UnusualRootAccess Rule `yaml:"unusual_root_access"`
	} `yaml:"privilege_escalation"`
	SuspiciousBehavior struct {
		ConcurrentSessions Rule `yaml:"concurrent_sessions"`
	} `yaml:"suspicious_behavior"`
	LogSeverity struct {
		CriticalErrorLog Rule `yaml:"critical_error_log"`
		HighSeverityLog  Rule `yaml:"high_severity_log"`
	} `yaml:"log_severity"`
}

// DefaultRuleSet returns the shipped rule battery with every rule enabled.
func DefaultRuleSet() RuleSet {
	var rs RuleSet
	rs.AuthenticationAttacks.BruteForce = Rule{
		Enabled: true, Name: "Brute Force Attack",
		Description: "Multiple failed login attempts from same source",
		Severity:    "HIGH", Threshold: 5, TimeWindowSeconds: 300,
	}
	rs.AuthenticationAttacks.PasswordSpraying = Rule{
		Enabled: true, Name: "Password Spraying",
		Description: "Failed logins against many accounts from same source",
		Severity:    "HIGH", Threshold: 5, TimeWindowSeconds: 600,
	}
	rs.AuthenticationAttacks.SuccessfulAfterFailed = Rule{
		Enabled: true, Name: "Successful Login After Failures",
		Description: "Successful login following repeated failures",
		Severity:    "CRITICAL", Threshold: 3, TimeWindowSeconds: 600,
	}
	rs.PrivilegeEscalation.SuspiciousSudo = Rule{
		Enabled: true, Name: "Suspicious Sudo Activity",
		Description: "Burst of sudo commands",
		Severity:    "MEDIUM", Threshold: 10, TimeWindowSeconds: 300,
	}
	rs.PrivilegeEscalation.FailedSu = Rule{
		Enabled: true, Name: "Failed Privilege Escalation",
		Description: "Repeated failed su attempts",
		Severity:    "HIGH", Threshold: 3, TimeWindowSeconds: 300,
	}
	rs.PrivilegeEscalation.UnusualRootAccess = Rule{
		Enabled: true, Name: "Unusual Root Access",
		Description: "Root login from non-loopback source",
		Severity:    "CRITICAL", Threshold: 1, TimeWindowSeconds: 3600,
	}
	rs.SuspiciousBehavior.ConcurrentSessions = Rule{
		Enabled: true, Name: "Concurrent Sessions",
		Description: "Same account active from multiple source addresses",
		Severity:    "MEDIUM", Threshold: 3, TimeWindowSeconds: 1800,
	}
	rs.LogSeverity.CriticalErrorLog = Rule{
		Enabled: true, Name: "Critical Log Entry",
		Description: "Log entry at critical severity",
		Severity:    "CRITICAL", Threshold: 1, TimeWindowSeconds: 60,
	}
	rs.LogSeverity.HighSeverityLog = Rule{
		Enabled: true, Name: "High Severity Log Entry",
		Description: "Log entry at error severity",
		Severity:    "HIGH", Threshold: 1, TimeWindowSeconds: 60,
	}
	return rs
}

// LoadRuleSet reads a YAML rule-definition document. Fields absent from the
// file keep their defaults, so a partial document only overrides what it
// names.
func LoadRuleSet(path string) (RuleSet, error) {
	rs := DefaultRuleSet()

	data, err := os.ReadFile(path)
	if err != nil {
		return rs, fmt.Errorf("read rule file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return rs, fmt.Errorf("parse rule file: %w", err)
	}
	if err := rs.validate(); err != nil {
		return rs, fmt.Errorf("invalid rule file: %w", err)
	}
	return rs, nil
}

// validate rejects rule documents with nonsensical parameters. Every problem
// is reported, not just the first.
func (rs RuleSet) validate() error {
	var errs []error
	check := func(key string, r Rule) {
		if !r.Enabled {
			return
		}
		if r.Threshold < 1 {
			errs = append(errs, fmt.Errorf("%s: threshold must be >= 1, got %d", key, r.Threshold))
		}
		if r.TimeWindowSeconds < 1 {
			errs = append(errs, fmt.Errorf("%s: time_window_seconds must be >= 1, got %d", key, r.TimeWindowSeconds))
		}
		switch r.Severity {
		case "LOW", "MEDIUM", "HIGH", "CRITICAL":
		default:
			errs = append(errs, fmt.Errorf("%s: unknown severity %q", key, r.Severity))
		}
	}

	check("brute_force", rs.AuthenticationAttacks.BruteForce)
	check("password_spraying", rs.AuthenticationAttacks.PasswordSpraying)
	check("successful_after_failed", rs.AuthenticationAttacks.SuccessfulAfterFailed)
	check("suspicious_sudo", rs.PrivilegeEscalation.SuspiciousSudo)
	check("failed_su", rs.PrivilegeEscalation.FailedSu)
	check("unusual_root_access", rs.PrivilegeEscalation.UnusualRootAccess)
	check("concurrent_sessions", rs.SuspiciousBehavior.ConcurrentSessions)
	check("critical_error_log", rs.LogSeverity.CriticalErrorLog)
	check("high_severity_log", rs.LogSeverity.HighSeverityLog)

	return errors.Join(errs...)
}
