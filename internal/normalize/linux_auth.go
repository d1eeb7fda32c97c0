package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/nexus-siem/backend/internal/storage"
)

// Line grammars accepted by the Linux normalizers. The ISO form is what
// journald-exported and rsyslog RFC 5424 style files carry; the classic form
// is the traditional "Mon DD HH:MM:SS" syslog header with no year.
var (
	isoLineRe = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\S*)\s+(\S+)\s+([^:\s]+):\s*(\S.*)?$`)
	syslogLineRe = regexp.MustCompile(
		`^([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+([^:\s]+):\s*(\S.*)?$`)
)

// LinuxAuth normalizes Linux authentication logs (auth.log, secure).
type LinuxAuth struct {
	Module string

	// now is swappable for deterministic syslog-year tests.
	now func() time.Time
}

// NewLinuxAuth returns a normalizer for Linux auth logs.
func NewLinuxAuth() *LinuxAuth {
	return &LinuxAuth{Module: "linux_auth", now: time.Now}
}

// Normalize parses one auth log line. Lines matching neither the ISO nor the
// classic syslog grammar return nil.
func (n *LinuxAuth) Normalize(line string) *storage.Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var m []string
	isoFormat := true
	if m = isoLineRe.FindStringSubmatch(trimmed); m == nil {
		isoFormat = false
		if m = syslogLineRe.FindStringSubmatch(trimmed); m == nil {
			return nil
		}
	}

	rawTS, hostname, servicePart := m[1], m[2], m[3]
	message := strings.TrimSpace(m[4])

	ts, ok := n.parseTimestamp(rawTS, isoFormat)
	if !ok {
		return nil
	}

	info := parseServicePart(servicePart)
	srcIP, destIP := extractIPs(message)
	if !validIPv4(srcIP) {
		srcIP = ""
	}
	if !validIPv4(destIP) {
		destIP = ""
	}

	module := info.Module
	if module == "" {
		module = n.Module
	}

	return &storage.Event{
		Timestamp:  ts,
		IngestedAt: n.now(),
		Severity:   mapSeverity(message),
		Message:    message,
		EventType:  classifyEventType(message, info.Service),
		SrcIP:      srcIP,
		DestIP:     destIP,
		Hostname:   hostname,
		Service:    info.Service,
		Process:    info.Process,
		PID:        info.PID,
		Module:     module,
	}
}

// parseTimestamp converts the matched header timestamp. ISO timestamps are
// truncated to second precision; classic syslog timestamps carry no year, so
// the current year is assumed.
func (n *LinuxAuth) parseTimestamp(raw string, iso bool) (time.Time, bool) {
	if iso {
		// Strip any fractional seconds / zone suffix: the grammar guarantees
		// the first 19 bytes are the date-time.
		ts, err := time.Parse("2006-01-02T15:04:05", raw[:19])
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}

	ts, err := time.Parse("Jan 2 15:04:05", strings.Join(strings.Fields(raw), " "))
	if err != nil {
		return time.Time{}, false
	}
	return ts.AddDate(n.now().Year(), 0, 0), true
}
