package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nexus-siem/backend/internal/storage"
)

// EventSource supplies the event snapshot a rule aggregates over. The
// Postgres store satisfies it; tests use an in-memory fake.
type EventSource interface {
	EventsWithin(ctx context.Context, window time.Duration) ([]storage.Event, error)
}

// ruleFunc evaluates one rule over the source and returns its detections.
type ruleFunc func(ctx context.Context, src EventSource) ([]storage.Detection, error)

var loopbackIPs = map[string]bool{
	"127.0.0.1": true,
	"::1":       true,
}

var usernameRe = regexp.MustCompile(`(?i)for\s+(?:invalid user\s+)?([A-Za-z0-9_.-]+)`)

func window(r Rule) time.Duration {
	return time.Duration(r.TimeWindowSeconds) * time.Second
}

func isFailedAuth(e storage.Event) bool {
	if e.EventType != storage.EventTypeAuthentication {
		return false
	}
	m := strings.ToLower(e.Message)
	return strings.Contains(m, "failed") ||
		strings.Contains(m, "invalid") ||
		strings.Contains(m, "incorrect password") ||
		strings.Contains(m, "authentication failure")
}

func isSuccessfulAuth(e storage.Event) bool {
	if e.EventType != storage.EventTypeAuthentication {
		return false
	}
	m := strings.ToLower(e.Message)
	return strings.Contains(m, "accepted") || strings.Contains(m, "successful")
}

// hasRealSrcIP filters out events carrying only the absent-address sentinel.
func hasRealSrcIP(e storage.Event) bool {
	return e.SrcIP != "" && e.SrcIP != storage.DefaultSrcIP
}

// extractUsername pulls the account name out of an auth message
// ("Accepted password for alice from ..."). Falls back to the whole message
// when no account is recognizable, so distinct unmatched messages never
// collapse into one bucket.
func extractUsername(message string) string {
	if m := usernameRe.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return message
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// lastTimestamp returns the latest event timestamp in the group.
func lastTimestamp(events []storage.Event) time.Time {
	var last time.Time
	for _, e := range events {
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last
}

func eventIDs(events []storage.Event) []int64 {
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

// detectBruteForce flags source IPs with >= threshold failed authentication
// events inside the window.
func detectBruteForce(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("brute force: %w", err)
		}

		byIP := map[string][]storage.Event{}
		for _, e := range events {
			if isFailedAuth(e) && hasRealSrcIP(e) {
				byIP[e.SrcIP] = append(byIP[e.SrcIP], e)
			}
		}

		var out []storage.Detection
		for ip, group := range byIP {
			if len(group) < r.Threshold {
				continue
			}
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "authentication_attacks",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: %d failed attempts from %s", r.Description, len(group), ip),
				EventIDs:     eventIDs(group),
				SrcIP:        ip,
				Timestamp:    lastTimestamp(group),
				Metadata: mustJSON(map[string]any{
					"attempt_count": len(group),
					"time_window":   r.TimeWindowSeconds,
				}),
			})
		}
		return out, nil
	}
}

// detectPasswordSpraying flags source IPs whose failures span >= threshold
// distinct accounts inside the window.
func detectPasswordSpraying(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("password spraying: %w", err)
		}

		type bucket struct {
			events   []storage.Event
			accounts map[string]bool
		}
		byIP := map[string]*bucket{}
		for _, e := range events {
			if !isFailedAuth(e) || !hasRealSrcIP(e) {
				continue
			}
			b := byIP[e.SrcIP]
			if b == nil {
				b = &bucket{accounts: map[string]bool{}}
				byIP[e.SrcIP] = b
			}
			b.events = append(b.events, e)
			b.accounts[extractUsername(e.Message)] = true
		}

		var out []storage.Detection
		for ip, b := range byIP {
			if len(b.accounts) < r.Threshold {
				continue
			}
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "authentication_attacks",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: %d different login attempts from %s", r.Description, len(b.accounts), ip),
				EventIDs:     eventIDs(b.events),
				SrcIP:        ip,
				Timestamp:    lastTimestamp(b.events),
				Metadata: mustJSON(map[string]any{
					"unique_attempts": len(b.accounts),
					"total_attempts":  len(b.events),
					"time_window":     r.TimeWindowSeconds,
				}),
			})
		}
		return out, nil
	}
}

// detectSuccessfulAfterFailed flags source IPs with >= threshold failures
// chronologically followed by at least one success inside the window.
func detectSuccessfulAfterFailed(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("successful after failed: %w", err)
		}

		type bucket struct {
			failed    []storage.Event
			successes []storage.Event
		}
		byIP := map[string]*bucket{}
		for _, e := range events {
			if !hasRealSrcIP(e) {
				continue
			}
			switch {
			case isFailedAuth(e):
				b := byIP[e.SrcIP]
				if b == nil {
					b = &bucket{}
					byIP[e.SrcIP] = b
				}
				b.failed = append(b.failed, e)
			case isSuccessfulAuth(e):
				b := byIP[e.SrcIP]
				if b == nil {
					b = &bucket{}
					byIP[e.SrcIP] = b
				}
				b.successes = append(b.successes, e)
			}
		}

		var out []storage.Detection
		for ip, b := range byIP {
			if len(b.failed) < r.Threshold {
				continue
			}
			// At least one success must postdate some failure.
			var successTime time.Time
			matched := false
			for _, s := range b.successes {
				for _, f := range b.failed {
					if s.Timestamp.After(f.Timestamp) {
						matched = true
						if s.Timestamp.After(successTime) {
							successTime = s.Timestamp
						}
						break
					}
				}
			}
			if !matched {
				continue
			}

			ids := eventIDs(b.failed)
			ids = append(ids, eventIDs(b.successes)...)
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "authentication_attacks",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: %d failed attempts followed by success from %s", r.Description, len(b.failed), ip),
				EventIDs:     ids,
				SrcIP:        ip,
				Timestamp:    successTime,
				Metadata: mustJSON(map[string]any{
					"failed_count": len(b.failed),
					"time_window":  r.TimeWindowSeconds,
				}),
			})
		}
		return out, nil
	}
}

// detectSuspiciousSudo flags (hostname, src IP) pairs with >= threshold sudo
// command events inside the window.
func detectSuspiciousSudo(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("suspicious sudo: %w", err)
		}

		type key struct{ host, ip string }
		groups := map[key][]storage.Event{}
		for _, e := range events {
			if e.Service == "sudo" && strings.Contains(strings.ToLower(e.Message), "command") {
				groups[key{e.Hostname, e.SrcIP}] = append(groups[key{e.Hostname, e.SrcIP}], e)
			}
		}

		var out []storage.Detection
		for k, group := range groups {
			if len(group) < r.Threshold {
				continue
			}
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "privilege_escalation",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: %d sudo commands in %d seconds on %s", r.Description, len(group), r.TimeWindowSeconds, k.host),
				EventIDs:     eventIDs(group),
				SrcIP:        k.ip,
				Username:     k.host,
				Timestamp:    lastTimestamp(group),
				Metadata: mustJSON(map[string]any{
					"sudo_count":  len(group),
					"time_window": r.TimeWindowSeconds,
				}),
			})
		}
		return out, nil
	}
}

// detectFailedSu flags (hostname, src IP) pairs with >= threshold failed su
// events inside the window.
func detectFailedSu(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("failed su: %w", err)
		}

		type key struct{ host, ip string }
		groups := map[key][]storage.Event{}
		for _, e := range events {
			if e.EventType != storage.EventTypeAuthentication {
				continue
			}
			m := strings.ToLower(e.Message)
			if strings.Contains(m, "su:") && strings.Contains(m, "failed") {
				groups[key{e.Hostname, e.SrcIP}] = append(groups[key{e.Hostname, e.SrcIP}], e)
			}
		}

		var out []storage.Detection
		for k, group := range groups {
			if len(group) < r.Threshold {
				continue
			}
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "privilege_escalation",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: %d failed su attempts on %s", r.Description, len(group), k.host),
				EventIDs:     eventIDs(group),
				SrcIP:        k.ip,
				Username:     k.host,
				Timestamp:    lastTimestamp(group),
				Metadata: mustJSON(map[string]any{
					"failed_count": len(group),
					"time_window":  r.TimeWindowSeconds,
				}),
			})
		}
		return out, nil
	}
}

// detectUnusualRootAccess flags any successful root authentication from a
// non-loopback source. Presence check, not a count threshold.
func detectUnusualRootAccess(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("unusual root access: %w", err)
		}

		type key struct{ ip, host string }
		groups := map[key][]storage.Event{}
		for _, e := range events {
			if e.EventType != storage.EventTypeAuthentication {
				continue
			}
			m := strings.ToLower(e.Message)
			if !strings.Contains(m, "accepted") || !strings.Contains(m, "root") {
				continue
			}
			if !hasRealSrcIP(e) || loopbackIPs[e.SrcIP] {
				continue
			}
			groups[key{e.SrcIP, e.Hostname}] = append(groups[key{e.SrcIP, e.Hostname}], e)
		}

		var out []storage.Detection
		for k, group := range groups {
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "privilege_escalation",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: Root login from external IP %s", r.Description, k.ip),
				EventIDs:     eventIDs(group),
				SrcIP:        k.ip,
				Username:     "root",
				Timestamp:    lastTimestamp(group),
				Metadata: mustJSON(map[string]any{
					"access_count": len(group),
				}),
			})
		}
		return out, nil
	}
}

// detectConcurrentSessions flags accounts with successful logins from >=
// threshold distinct source IPs inside the window.
func detectConcurrentSessions(r Rule) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("concurrent sessions: %w", err)
		}

		type bucket struct {
			events []storage.Event
			ips    map[string]bool
		}
		byUser := map[string]*bucket{}
		for _, e := range events {
			if !isSuccessfulAuth(e) || !hasRealSrcIP(e) {
				continue
			}
			user := extractUsername(e.Message)
			b := byUser[user]
			if b == nil {
				b = &bucket{ips: map[string]bool{}}
				byUser[user] = b
			}
			b.events = append(b.events, e)
			b.ips[e.SrcIP] = true
		}

		var out []storage.Detection
		for user, b := range byUser {
			if len(b.ips) < r.Threshold {
				continue
			}
			ips := make([]string, 0, len(b.ips))
			for ip := range b.ips {
				ips = append(ips, ip)
			}
			sort.Strings(ips)
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: "suspicious_behavior",
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: User logged in from %d different IPs concurrently", r.Description, len(b.ips)),
				EventIDs:     eventIDs(b.events),
				SrcIP:        ips[0],
				Username:     user,
				Timestamp:    lastTimestamp(b.events),
				Metadata: mustJSON(map[string]any{
					"ip_count":    len(b.ips),
					"ips":         ips,
					"time_window": r.TimeWindowSeconds,
				}),
			})
		}
		return out, nil
	}
}

// detectSeverityPassthrough promotes every event at or above the given
// numeric severity code in the last minute directly to a detection,
// regardless of correlation.
func detectSeverityPassthrough(r Rule, category string, match func(storage.Event) bool) ruleFunc {
	return func(ctx context.Context, src EventSource) ([]storage.Detection, error) {
		events, err := src.EventsWithin(ctx, window(r))
		if err != nil {
			return nil, fmt.Errorf("severity passthrough: %w", err)
		}

		var out []storage.Detection
		for _, e := range events {
			if !match(e) {
				continue
			}
			srcIP := e.SrcIP
			if srcIP == storage.DefaultSrcIP {
				srcIP = ""
			}
			out = append(out, storage.Detection{
				RuleName:     r.Name,
				RuleCategory: category,
				Severity:     r.Severity,
				Description:  fmt.Sprintf("%s: %s", r.Description, e.Message),
				EventIDs:     []int64{e.ID},
				SrcIP:        srcIP,
				Timestamp:    e.Timestamp,
				Metadata: mustJSON(map[string]any{
					"original_severity": storage.SeverityCode(e.Severity),
				}),
			})
		}
		return out, nil
	}
}
