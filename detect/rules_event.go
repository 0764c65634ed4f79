package detect

import (
	"context"
	"fmt"
	"strings"

	"threatwatch/core"
)

// Single-event rules: each decision depends only on the event and settings.

type suspiciousIP struct{}

func (suspiciousIP) Rule() core.RuleID       { return core.RuleSuspiciousIP }
func (suspiciousIP) Severity() core.Severity { return core.SeverityMedium }

func (r suspiciousIP) Evaluate(_ context.Context, event *core.Event, _ EventQuery, s *Settings) (*Candidate, error) {
	entry, ok := s.Denylist.Match(event.SourceIP)
	if !ok {
		return nil, nil
	}
	return newCandidate(r, event, fmt.Sprintf("Request from suspicious IP: %s", event.SourceIP), map[string]interface{}{
		"sourceIp":     event.SourceIP,
		"matchedEntry": entry,
		"action":       event.Action,
		"resource":     event.Resource,
	}), nil
}

type privilegeEscalation struct{}

func (privilegeEscalation) Rule() core.RuleID       { return core.RulePrivilegeEscalation }
func (privilegeEscalation) Severity() core.Severity { return core.SeverityCritical }

func (r privilegeEscalation) Evaluate(_ context.Context, event *core.Event, _ EventQuery, s *Settings) (*Candidate, error) {
	if event.EventType != core.EventTypeAdminAction || event.User == "" {
		return nil, nil
	}
	if s.AdminUsers.Contains(event.User) {
		return nil, nil
	}
	return newCandidate(r, event, fmt.Sprintf("Privilege escalation attempt by %s", event.User), map[string]interface{}{
		"user":     event.User,
		"action":   event.Action,
		"resource": event.Resource,
	}), nil
}

type dataExfiltration struct{}

func (dataExfiltration) Rule() core.RuleID       { return core.RuleDataExfiltration }
func (dataExfiltration) Severity() core.Severity { return core.SeverityHigh }

func (r dataExfiltration) Evaluate(_ context.Context, event *core.Event, _ EventQuery, s *Settings) (*Candidate, error) {
	if event.BytesTransferred == nil || *event.BytesTransferred <= s.ExfiltrationBytes {
		return nil, nil
	}
	bytes := *event.BytesTransferred
	return newCandidate(r, event, fmt.Sprintf("Large data transfer detected: %d bytes", bytes), map[string]interface{}{
		"bytes":     bytes,
		"threshold": s.ExfiltrationBytes,
		"sourceIp":  event.SourceIP,
		"resource":  event.Resource,
		"user":      event.User,
	}), nil
}

type anomalousTime struct{}

func (anomalousTime) Rule() core.RuleID       { return core.RuleAnomalousTimeAccess }
func (anomalousTime) Severity() core.Severity { return core.SeverityLow }

func (r anomalousTime) Evaluate(_ context.Context, event *core.Event, _ EventQuery, s *Settings) (*Candidate, error) {
	hour := event.HourUTC()
	if hour < s.AnomalousStartHour || hour >= s.AnomalousEndHour {
		return nil, nil
	}
	if !containsAny(event.Resource, s.SensitiveResources) {
		return nil, nil
	}
	return newCandidate(r, event, "Access to sensitive resource during unusual hours", map[string]interface{}{
		"time":     event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
		"resource": event.Resource,
		"user":     event.User,
	}), nil
}

type failedPrivilegedAuth struct{}

func (failedPrivilegedAuth) Rule() core.RuleID       { return core.RuleFailedPrivilegedAuth }
func (failedPrivilegedAuth) Severity() core.Severity { return core.SeverityMedium }

func (r failedPrivilegedAuth) Evaluate(_ context.Context, event *core.Event, _ EventQuery, s *Settings) (*Candidate, error) {
	if !event.IsFailedLogin() || !s.PrivilegedAccounts.Contains(event.User) {
		return nil, nil
	}
	return newCandidate(r, event, fmt.Sprintf("Failed authentication on privileged account: %s", event.User), map[string]interface{}{
		"user":     event.User,
		"sourceIp": event.SourceIP,
	}), nil
}

type sqlInjection struct{}

func (sqlInjection) Rule() core.RuleID       { return core.RuleSQLInjection }
func (sqlInjection) Severity() core.Severity { return core.SeverityHigh }

func (r sqlInjection) Evaluate(_ context.Context, event *core.Event, _ EventQuery, s *Settings) (*Candidate, error) {
	var timeoutErr error
	for _, field := range inspectedFields(event.Resource, event.UserAgent, event.Metadata) {
		pattern, ok, err := s.SQLSignatures.Match(field.value)
		if err != nil {
			timeoutErr = err
			continue
		}
		if !ok {
			continue
		}
		return newCandidate(r, event, "Potential SQL injection detected in request", map[string]interface{}{
			"patternMatched": pattern,
			"field":          field.name,
			"resource":       event.Resource,
			"sourceIp":       event.SourceIP,
			"userAgent":      event.UserAgent,
		}), nil
	}
	return nil, timeoutErr
}

func containsAny(value string, needles []string) bool {
	if value == "" {
		return false
	}
	lower := strings.ToLower(value)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
