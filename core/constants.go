package core

import (
	"fmt"
	"strings"
)

// AlertStatus represents the status of an alert
type AlertStatus string

const (
	// AlertStatusOpen is the status of every freshly created alert
	AlertStatusOpen AlertStatus = "OPEN"
	// AlertStatusAcknowledged indicates an analyst has seen the alert
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	// AlertStatusResolved is the final state
	AlertStatusResolved AlertStatus = "RESOLVED"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	default:
		return false
	}
}

// Severity is the totally ordered alert classification LOW < MEDIUM < HIGH < CRITICAL.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// Severities lists every valid severity in ascending order.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsValid reports whether s is one of the four defined levels.
func (s Severity) IsValid() bool {
	_, ok := severityNames[s]
	return ok
}

// AtLeast reports whether s is as severe as or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(value string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(value))
	for sev, name := range severityNames {
		if name == upper {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", value)
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("cannot marshal invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RuleID identifies one of the eleven fixed detection rules.
type RuleID string

const (
	RuleBruteForce           RuleID = "BRUTE_FORCE"
	RuleSuspiciousIP         RuleID = "SUSPICIOUS_IP"
	RulePrivilegeEscalation  RuleID = "PRIVILEGE_ESCALATION"
	RuleDataExfiltration     RuleID = "DATA_EXFILTRATION"
	RuleNetworkScanning      RuleID = "NETWORK_SCANNING"
	RuleAnomalousTimeAccess  RuleID = "ANOMALOUS_TIME_ACCESS"
	RuleFailedPrivilegedAuth RuleID = "PRIVILEGED_ACCOUNT_FAILED_AUTH"
	RuleSQLInjection         RuleID = "SQL_INJECTION"
	RuleAPIRateLimit         RuleID = "API_RATE_LIMIT"
	RuleCredentialStuffing   RuleID = "CREDENTIAL_STUFFING"
	RuleGeoAnomaly           RuleID = "GEO_ANOMALY"
)

// RuleIDs returns the closed set of rule identifiers in evaluation order.
func RuleIDs() []RuleID {
	return []RuleID{
		RuleBruteForce,
		RuleSuspiciousIP,
		RulePrivilegeEscalation,
		RuleDataExfiltration,
		RuleNetworkScanning,
		RuleAnomalousTimeAccess,
		RuleFailedPrivilegedAuth,
		RuleSQLInjection,
		RuleAPIRateLimit,
		RuleCredentialStuffing,
		RuleGeoAnomaly,
	}
}

// IsValid reports whether r belongs to the fixed rule catalog.
func (r RuleID) IsValid() bool {
	for _, id := range RuleIDs() {
		if id == r {
			return true
		}
	}
	return false
}

// EventType classifies an observed action.
type EventType string

const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeAPIRequest     EventType = "api_request"
	EventTypeFileAccess     EventType = "file_access"
	EventTypeAdminAction    EventType = "admin_action"
	EventTypeNetwork        EventType = "network"
)

// Actions recognised by the detection rules
const (
	ActionLoginFailed  = "login_failed"
	ActionLoginSuccess = "login_success"
	ActionScan         = "scan"
	ActionProbe        = "probe"
)

// CorrelationKey is the attribute used to group events for windowed rules.
type CorrelationKey string

const (
	CorrelationKeySourceIP CorrelationKey = "source_ip"
	CorrelationKeyUser     CorrelationKey = "user"
)
