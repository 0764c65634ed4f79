package detect

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"threatwatch/core"
)

// Windowed rules: each decision depends on the store's view of recent
// events sharing a correlation key with the triggering event.

type bruteForce struct{}

func (bruteForce) Rule() core.RuleID       { return core.RuleBruteForce }
func (bruteForce) Severity() core.Severity { return core.SeverityHigh }

func (r bruteForce) Evaluate(ctx context.Context, event *core.Event, q EventQuery, s *Settings) (*Candidate, error) {
	if !event.IsFailedLogin() {
		return nil, nil
	}
	events, err := window(ctx, q, core.CorrelationKeySourceIP, event, s.BruteForce.Window, core.WindowFilter{FailedLoginsOnly: true})
	if err != nil {
		return nil, err
	}

	attempts := len(events)
	if attempts < s.BruteForce.Threshold {
		return nil, nil
	}
	return keyed(newCandidate(r, event, fmt.Sprintf("Brute force attack detected from %s", event.SourceIP), map[string]interface{}{
		"attemptCount": attempts,
		"timeWindow":   s.BruteForce.Window.String(),
		"targetUser":   event.User,
		"sourceIp":     event.SourceIP,
	}), core.CorrelationKeySourceIP), nil
}

type networkScanning struct{}

func (networkScanning) Rule() core.RuleID       { return core.RuleNetworkScanning }
func (networkScanning) Severity() core.Severity { return core.SeverityMedium }

func (r networkScanning) Evaluate(ctx context.Context, event *core.Event, q EventQuery, s *Settings) (*Candidate, error) {
	description := fmt.Sprintf("Network scanning detected from %s", event.SourceIP)

	if event.EventType == core.EventTypeNetwork && (event.Action == core.ActionScan || event.Action == core.ActionProbe) {
		return newCandidate(r, event, description, map[string]interface{}{
			"scanType": event.Action,
			"target":   event.DestinationIP,
			"resource": event.Resource,
		}), nil
	}

	if event.StatusCode != http.StatusNotFound {
		return nil, nil
	}

	if containsAny(event.Resource, s.ProbePaths) {
		return newCandidate(r, event, "Potential directory traversal or scanning attempt", map[string]interface{}{
			"scanType": "probe_path",
			"target":   event.Resource,
			"sourceIp": event.SourceIP,
		}), nil
	}

	events, err := window(ctx, q, core.CorrelationKeySourceIP, event, s.NotFound.Window, core.WindowFilter{StatusCode: http.StatusNotFound})
	if err != nil {
		return nil, err
	}
	notFound := len(events)
	if notFound < s.NotFound.Threshold {
		return nil, nil
	}
	return keyed(newCandidate(r, event, description, map[string]interface{}{
		"scanType":      "not_found_burst",
		"target":        event.Resource,
		"notFoundCount": notFound,
		"timeWindow":    s.NotFound.Window.String(),
		"sourceIp":      event.SourceIP,
	}), core.CorrelationKeySourceIP), nil
}

type apiRateLimit struct{}

func (apiRateLimit) Rule() core.RuleID       { return core.RuleAPIRateLimit }
func (apiRateLimit) Severity() core.Severity { return core.SeverityMedium }

func (r apiRateLimit) Evaluate(ctx context.Context, event *core.Event, q EventQuery, s *Settings) (*Candidate, error) {
	events, err := window(ctx, q, core.CorrelationKeySourceIP, event, s.RateLimit.Window, core.WindowFilter{})
	if err != nil {
		return nil, err
	}
	count := len(events)
	if count < s.RateLimit.Threshold {
		return nil, nil
	}
	return keyed(newCandidate(r, event, fmt.Sprintf("Excessive requests from %s: %d in %s", event.SourceIP, count, s.RateLimit.Window), map[string]interface{}{
		"sourceIp":     event.SourceIP,
		"requestCount": count,
		"threshold":    s.RateLimit.Threshold,
		"timeWindow":   s.RateLimit.Window.String(),
	}), core.CorrelationKeySourceIP), nil
}

type credentialStuffing struct{}

func (credentialStuffing) Rule() core.RuleID       { return core.RuleCredentialStuffing }
func (credentialStuffing) Severity() core.Severity { return core.SeverityHigh }

func (r credentialStuffing) Evaluate(ctx context.Context, event *core.Event, q EventQuery, s *Settings) (*Candidate, error) {
	if !event.IsFailedLogin() {
		return nil, nil
	}
	events, err := window(ctx, q, core.CorrelationKeySourceIP, event, s.CredentialStuffing.Window, core.WindowFilter{FailedLoginsOnly: true})
	if err != nil {
		return nil, err
	}

	users := make(map[string]struct{})
	for _, e := range events {
		if e.User != "" {
			users[e.User] = struct{}{}
		}
	}
	if len(users) < s.CredentialStuffing.Threshold {
		return nil, nil
	}
	return keyed(newCandidate(r, event, fmt.Sprintf("Credential stuffing attack from %s", event.SourceIP), map[string]interface{}{
		"sourceIp":        event.SourceIP,
		"uniqueUsernames": len(users),
		"totalAttempts":   len(events),
		"timeWindow":      s.CredentialStuffing.Window.String(),
	}), core.CorrelationKeySourceIP), nil
}

type geoAnomaly struct{}

func (geoAnomaly) Rule() core.RuleID       { return core.RuleGeoAnomaly }
func (geoAnomaly) Severity() core.Severity { return core.SeverityMedium }

// Evaluate compares the event's location with the user's most recent prior
// authentication that has a known location. The pair is implausible when the
// implied travel speed exceeds the configured maximum.
func (r geoAnomaly) Evaluate(ctx context.Context, event *core.Event, q EventQuery, s *Settings) (*Candidate, error) {
	if event.EventType != core.EventTypeAuthentication || event.User == "" {
		return nil, nil
	}
	current, ok := s.Geo.Locate(event)
	if !ok {
		return nil, nil
	}
	events, err := window(ctx, q, core.CorrelationKeyUser, event, s.GeoWindow, core.WindowFilter{EventType: core.EventTypeAuthentication})
	if err != nil {
		return nil, err
	}

	for i := len(events) - 1; i >= 0; i-- {
		prior := events[i]
		if prior.EventID == event.EventID || prior.EventType != core.EventTypeAuthentication {
			continue
		}
		if prior.Timestamp.After(event.Timestamp) {
			continue
		}
		previous, ok := s.Geo.Locate(prior)
		if !ok {
			continue
		}

		distance := distanceKm(previous, current)
		elapsed := event.Timestamp.Sub(prior.Timestamp)
		speed := math.Inf(1)
		if elapsed > 0 {
			speed = distance / elapsed.Hours()
		}
		if distance == 0 || speed <= s.GeoMaxSpeedKmh {
			return nil, nil
		}
		return keyed(newCandidate(r, event, fmt.Sprintf("User %s accessing from unusual geographic location", event.User), map[string]interface{}{
			"user":             event.User,
			"sourceIp":         event.SourceIP,
			"previousSourceIp": prior.SourceIP,
			"previousEventId":  prior.EventID,
			"fromLocation":     previous.Name,
			"toLocation":       current.Name,
			"distanceKm":       math.Round(distance),
			"elapsed":          elapsed.String(),
			"speedKmh":         roundSpeed(speed),
		}), core.CorrelationKeyUser), nil
	}
	return nil, nil
}

// roundSpeed keeps details JSON-encodable when the interval is zero
func roundSpeed(speed float64) interface{} {
	if math.IsInf(speed, 0) {
		return "instant"
	}
	return math.Round(speed)
}
