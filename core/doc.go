// Package core defines the domain model shared by the threat detection engine.
//
// # Overview
//
// The core package provides:
//   - Domain types (Event, Alert, RuleID, Severity, AlertStatus)
//   - The forward-only alert lifecycle (OPEN → ACKNOWLEDGED → RESOLVED)
//   - The error taxonomy used across detection, storage and notification
//   - A circuit breaker used by notification transports
//
// Events are immutable once stored. Alerts reference exactly one triggering event and are
// deduplicated on the (rule, source event) pair, see Alert.DedupKey.
package core
