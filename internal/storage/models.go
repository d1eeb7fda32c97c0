// Package storage provides the PostgreSQL-backed persistence layer for the
// Nexus SIEM backend. It exposes typed model structs for the pipeline tables
// (events, detections, resolved_incidents, alerts, notifications, raw_logs,
// devices) and a Store that wraps a pgxpool connection pool. All multi-step
// writes run inside a single transaction.
package storage

import (
	"encoding/json"
	"time"
)

// Severity is the textual severity of a normalized event.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Numeric severity codes as stored in the events table. Code 4 is reserved
// for sources that emit an explicit critical level.
const (
	SeverityCodeInfo     = 1
	SeverityCodeWarning  = 2
	SeverityCodeError    = 3
	SeverityCodeCritical = 4
)

// SeverityCode maps a textual severity to its stored numeric code.
// Unknown values map to INFO.
func SeverityCode(s Severity) int16 {
	switch s {
	case SeverityError:
		return SeverityCodeError
	case SeverityWarning:
		return SeverityCodeWarning
	default:
		return SeverityCodeInfo
	}
}

// SeverityFromCode maps a stored numeric code back to its textual severity.
// Codes at or above ERROR (including the reserved critical code) read back
// as ERROR.
func SeverityFromCode(code int16) Severity {
	switch {
	case code >= SeverityCodeError:
		return SeverityError
	case code == SeverityCodeWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// EventType is the single-label classification of a normalized event.
type EventType string

const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeSession        EventType = "session"
	EventTypeNetwork        EventType = "network"
	EventTypeError          EventType = "error"
	EventTypeSystem         EventType = "system"
)

// DefaultSrcIP is the sentinel stored when a normalized event carries no
// well-formed source address. Absent values are never empty strings.
const DefaultSrcIP = "0.0.0.0"

// Event is one normalized log record. The events table is a snapshot of the
// most recently ingested batch: Replace truncates and reloads it on every
// sync cycle, reassigning ids from 1.
type Event struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	IngestedAt  time.Time `json:"ingestion_timestamp"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	EventType   EventType `json:"event_type"`
	SrcIP       string    `json:"src_ip"`
	DestIP      string    `json:"dest_ip,omitempty"` // empty == SQL NULL
	Hostname    string    `json:"hostname,omitempty"`
	Service     string    `json:"source_service"`
	Process     string    `json:"source_process"`
	PID         int       `json:"source_process_id"`
	Module      string    `json:"source_module"`
	DeviceID    string    `json:"device_id,omitempty"`
	LogID       int64     `json:"log_id,omitempty"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// IP matches the src/dest address exactly or the message as a substring.
// Within is a relative window anchored at NOW(); Start/End are absolute
// bounds. Limit defaults to 100 when <= 0. Results are always ordered by
// ingestion time descending.
type EventQuery struct {
	IP        string
	Severity  Severity
	Hostname  string
	EventType EventType
	Within    time.Duration
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}

// EventStats summarises the current event snapshot for the dashboard.
type EventStats struct {
	Total      int64            `json:"total"`
	BySeverity map[string]int64 `json:"by_severity"`
	ByType     map[string]int64 `json:"by_type"`
	BySrcIP    map[string]int64 `json:"by_src_ip"`
}

// DetectionStatus is the triage state of a detection.
type DetectionStatus string

const (
	DetectionStatusNew           DetectionStatus = "new"
	DetectionStatusInvestigating DetectionStatus = "investigating"
	DetectionStatusResolved      DetectionStatus = "resolved"
	DetectionStatusFalsePositive DetectionStatus = "false_positive"
)

// ValidDetectionStatus reports whether s is an accepted triage state.
func ValidDetectionStatus(s DetectionStatus) bool {
	switch s {
	case DetectionStatusNew, DetectionStatusInvestigating,
		DetectionStatusResolved, DetectionStatusFalsePositive:
		return true
	}
	return false
}

// Detection is a correlation rule's finding, pre-triage. Severity here is
// free text (LOW/MEDIUM/HIGH/CRITICAL) taken from the rule definition, not
// the numeric event code.
type Detection struct {
	ID           int64           `json:"id"`
	RuleName     string          `json:"rule_name"`
	RuleCategory string          `json:"rule_category"`
	Severity     string          `json:"severity"`
	Description  string          `json:"description"`
	EventIDs     []int64         `json:"event_ids"`
	SrcIP        string          `json:"src_ip,omitempty"`
	Username     string          `json:"username,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Status       DetectionStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DetectionQuery carries the filter parameters for QueryDetections.
type DetectionQuery struct {
	Severity string
	Category string
	Status   DetectionStatus
	SrcIP    string
	Start    time.Time
	End      time.Time
	Limit    int
	Offset   int
}

// DetectionStats is the aggregate view returned by DetectionStats.
type DetectionStats struct {
	Total         int64            `json:"total"`
	Critical      int64            `json:"critical"`
	High          int64            `json:"high"`
	Medium        int64            `json:"medium"`
	Low           int64            `json:"low"`
	New           int64            `json:"new"`
	Investigating int64            `json:"investigating"`
	Resolved      int64            `json:"resolved"`
	ByCategory    map[string]int64 `json:"by_category"`
}

// AlertStatus is the lifecycle state of an alert. There is no resolved row:
// resolving an alert moves it into resolved_incidents.
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert is an actionable, trackable open security issue. Severity is the
// numeric 1-4 code (4 = critical). StageChecks is the ordered set of
// completed incident-response stages, serialized as JSON at the storage
// boundary. DetectionID and EventID are weak back-references for lineage.
type Alert struct {
	ID              int64       `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	Severity        int16       `json:"severity"`
	Status          AlertStatus `json:"status"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Source          string      `json:"source"`
	EventID         int64       `json:"event_id,omitempty"`
	DetectionID     int64       `json:"detection_id,omitempty"`
	StageChecks     []string    `json:"stage_checks"`
	ReviewNotes     string      `json:"review_notes,omitempty"`
	LastEscalatedAt *time.Time  `json:"last_escalated_at,omitempty"`
}

// ResolvedIncident is the terminal, immutable-after-creation record unifying
// resolved detections and resolved alerts.
type ResolvedIncident struct {
	ID                  int64           `json:"id"`
	OriginalDetectionID int64           `json:"original_detection_id,omitempty"`
	RuleName            string          `json:"rule_name"`
	RuleCategory        string          `json:"rule_category"`
	Severity            string          `json:"severity"`
	Description         string          `json:"description"`
	EventIDs            []int64         `json:"event_ids"`
	SrcIP               string          `json:"src_ip,omitempty"`
	Username            string          `json:"username,omitempty"`
	DetectionTimestamp  time.Time       `json:"detection_timestamp"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	ResolutionNotes     string          `json:"resolution_notes,omitempty"`
	ResolvedBy          string          `json:"resolved_by"`
	ResolvedAt          time.Time       `json:"resolved_at"`
}

// ResolvedQuery carries the filter parameters for QueryResolved.
type ResolvedQuery struct {
	Severity string
	SrcIP    string
	Limit    int
	Offset   int
}

// SystemResolver is the sentinel recorded as resolved_by when no human actor
// is supplied.
const SystemResolver = "System"

// NotificationType categorises entries on the notification side-channel.
type NotificationType string

const (
	NotificationIncidentReport NotificationType = "incident_report"
	NotificationEscalation     NotificationType = "escalation"
	NotificationAdminAlert     NotificationType = "admin_alert"
	NotificationInfo           NotificationType = "info"
	NotificationSuccess        NotificationType = "success"
)

// Notification is an ephemeral side-channel record consumed by the display
// layer. Recovery is the derived checklist completion percentage for the
// referenced alert.
type Notification struct {
	ID        int64            `json:"id"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Source    string           `json:"source"`
	Severity  string           `json:"severity"`
	Recovery  int              `json:"recovery"`
	Stage     string           `json:"stage,omitempty"`
	AlertID   int64            `json:"alert_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Device is a registered log source host.
type Device struct {
	ID        string    `json:"device_id"`
	Type      string    `json:"device_type"`
	IPAddress string    `json:"ip_address,omitempty"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
}

// RawLog is one collected raw log blob. Payload is the base64-encoded file
// content as delivered by the collector; the orchestrator decodes it before
// normalization. One row exists per (device, log type) and is overwritten on
// every collection pass.
type RawLog struct {
	LogID       int64     `json:"log_id"`
	LogType     string    `json:"log_type"`
	DeviceID    string    `json:"device_id"`
	DeviceType  string    `json:"device_type"`
	Payload     string    `json:"payload"`
	CollectedAt time.Time `json:"collected_at"`
}
