// Package normalize turns raw log lines into typed events. Each supported
// (device type, log type) pair has a Normalizer variant; the Registry maps
// sanitized type keys to variants and caches instances.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nexus-siem/backend/internal/storage"
)

// Normalizer parses one raw log line into an event. A nil return means the
// line is unparseable and should be skipped, never fabricated.
type Normalizer interface {
	Normalize(line string) *storage.Event
}

var (
	servicePartRe = regexp.MustCompile(`^([^([]+)(?:\(([^)]+)\))?(?:\[(\d+)\])?$`)
	rhostRe       = regexp.MustCompile(`rhost=([0-9.]+)`)
	fromRe        = regexp.MustCompile(`(?i)from\s+([0-9.]+)`)
	toRe          = regexp.MustCompile(`(?i)to\s+([0-9.]+)`)
	bareIPRe      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv4Re        = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

// serviceInfo is the decomposition of a syslog tag like "sshd(pam_unix)[123]".
type serviceInfo struct {
	Service string
	Module  string
	PID     int
	Process string
}

// parseServicePart splits a syslog tag into service, optional parenthesised
// module, and optional bracketed pid. A tag that does not match the grammar
// comes back whole as the service name.
func parseServicePart(part string) serviceInfo {
	m := servicePartRe.FindStringSubmatch(part)
	if m == nil {
		trimmed := strings.TrimSpace(part)
		return serviceInfo{Service: trimmed, Process: trimmed}
	}

	info := serviceInfo{
		Service: strings.TrimSpace(m[1]),
		Module:  strings.TrimSpace(m[2]),
	}
	if m[3] != "" {
		info.PID, _ = strconv.Atoi(m[3])
	}
	info.Process = info.Service
	if info.PID > 0 {
		info.Process = info.Service + "[" + m[3] + "]"
	}
	return info
}

// extractIPs pulls source and destination addresses out of a message body.
// Precedence for the source: rhost=, then "from <ip>", then any bare IPv4
// when neither field matched. "to <ip>" always feeds the destination.
func extractIPs(message string) (srcIP, destIP string) {
	if m := rhostRe.FindStringSubmatch(message); m != nil {
		srcIP = m[1]
	}
	if srcIP == "" {
		if m := fromRe.FindStringSubmatch(message); m != nil {
			srcIP = m[1]
		}
	}
	if m := toRe.FindStringSubmatch(message); m != nil {
		destIP = m[1]
	}
	if srcIP == "" && destIP == "" {
		srcIP = bareIPRe.FindString(message)
	}
	return srcIP, destIP
}

// classifyEventType assigns the single highest-priority label matching the
// message and service. Authentication outranks session, session outranks
// network, network outranks error; everything else is system.
func classifyEventType(message, service string) storage.EventType {
	lower := strings.ToLower(message)
	svc := strings.ToLower(service)

	switch {
	case strings.Contains(lower, "authentication"),
		strings.Contains(lower, "login"),
		strings.Contains(lower, "accepted"),
		strings.Contains(lower, "denied"),
		strings.Contains(lower, "invalid user"),
		strings.Contains(svc, "sshd"),
		strings.Contains(svc, "auth"):
		return storage.EventTypeAuthentication
	case strings.Contains(lower, "session opened"),
		strings.Contains(lower, "session closed"),
		strings.Contains(lower, "new session"):
		return storage.EventTypeSession
	case strings.Contains(lower, "connection"),
		strings.Contains(lower, "rhost"),
		strings.Contains(lower, "network"):
		return storage.EventTypeNetwork
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "failed"),
		strings.Contains(lower, "failure"):
		return storage.EventTypeError
	}
	return storage.EventTypeSystem
}

// mapSeverity assigns a textual severity from message keywords. ERROR
// keywords win over WARNING keywords; no match means INFO.
func mapSeverity(message string) storage.Severity {
	lower := strings.ToLower(message)

	for _, kw := range []string{"error", "failed", "failure", "denied",
		"invalid", "alert", "critical", "fatal"} {
		if strings.Contains(lower, kw) {
			return storage.SeverityError
		}
	}
	for _, kw := range []string{"warn", "warning", "timeout"} {
		if strings.Contains(lower, kw) {
			return storage.SeverityWarning
		}
	}
	return storage.SeverityInfo
}

// validIPv4 reports whether s is a well-formed dotted-quad with every octet
// in 0-255.
func validIPv4(s string) bool {
	if !ipv4Re.MatchString(s) {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
