package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threatwatch/core"
	"threatwatch/metrics"

	"go.uber.org/zap"
)

const alertColumns = `alert_id, rule, severity, description, details, source_event_id,
	source_event, status, ts, created_at, updated_at`

// SQLiteAlertStore implements AlertStore on SQLite.
// Uniqueness of (rule, source_event_id) is enforced by idx_alerts_dedup.
type SQLiteAlertStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewSQLiteAlertStore creates a SQLite-backed alert store
func NewSQLiteAlertStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStore {
	return &SQLiteAlertStore{db: db, logger: logger, now: time.Now}
}

// InsertIfAbsent persists alert unless one with the same dedup key exists
func (s *SQLiteAlertStore) InsertIfAbsent(ctx context.Context, alert *core.Alert) (InsertResult, error) {
	start := time.Now()
	defer observe("alerts", "insert", start)

	details, err := json.Marshal(alert.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal details for alert %s: %w", alert.AlertID, err)
	}
	sourceEvent, err := json.Marshal(alert.SourceEvent)
	if err != nil {
		return 0, fmt.Errorf("marshal source event for alert %s: %w", alert.AlertID, err)
	}

	result, err := s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule, source_event_id) DO NOTHING`,
		alert.AlertID,
		string(alert.Rule),
		int(alert.Severity),
		alert.Description,
		string(details),
		alert.SourceEventID,
		string(sourceEvent),
		string(alert.Status),
		alert.Timestamp.UTC().UnixNano(),
		alert.CreatedAt.UTC().UnixNano(),
		alert.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("alerts", "insert").Inc()
		return 0, classify("insert alert", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert alert rows affected: %w", err)
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

// QueryBySeverity returns alerts of exactly the given severity, newest first
func (s *SQLiteAlertStore) QueryBySeverity(ctx context.Context, severity core.Severity, since *time.Time) ([]*core.Alert, error) {
	start := time.Now()
	defer observe("alerts", "query", start)

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE severity = ?`
	args := []interface{}{int(severity)}
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC().UnixNano())
	}
	query += ` ORDER BY created_at DESC, alert_id`

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("alerts", "query").Inc()
		return nil, classify("query alerts", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate alerts", err)
	}
	return alerts, nil
}

// CountBySeverity returns alert counts per severity; every severity is present in the result
func (s *SQLiteAlertStore) CountBySeverity(ctx context.Context, since *time.Time) (map[core.Severity]int, error) {
	start := time.Now()
	defer observe("alerts", "count", start)

	query := `SELECT severity, COUNT(*) FROM alerts`
	var args []interface{}
	if since != nil {
		query += ` WHERE created_at >= ?`
		args = append(args, since.UTC().UnixNano())
	}
	query += ` GROUP BY severity`

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("alerts", "count").Inc()
		return nil, classify("count alerts", err)
	}
	defer rows.Close()

	counts := emptySeverityCounts()
	for rows.Next() {
		var severity, count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[core.Severity(severity)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate alert counts", err)
	}
	return counts, nil
}

// Get returns a single alert by ID
func (s *SQLiteAlertStore) Get(ctx context.Context, alertID string) (*core.Alert, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// UpdateStatus moves the alert forward in its lifecycle and returns the updated alert
func (s *SQLiteAlertStore) UpdateStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error) {
	start := time.Now()
	defer observe("alerts", "update_status", start)

	var updated *core.Alert
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)
		alert, err := scanAlert(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlertNotFound
		}
		if err != nil {
			return err
		}

		if err := alert.TransitionTo(status, s.now()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE alerts SET status = ?, updated_at = ? WHERE alert_id = ?`,
			string(alert.Status), alert.UpdatedAt.UnixNano(), alertID)
		if err != nil {
			return classify("update alert status", err)
		}
		updated = alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		alert                        core.Alert
		rule, status                 string
		severity                     int
		details, sourceEvent         sql.NullString
		ts, createdAt, updatedAtNano int64
	)
	err := row.Scan(
		&alert.AlertID,
		&rule,
		&severity,
		&alert.Description,
		&details,
		&alert.SourceEventID,
		&sourceEvent,
		&status,
		&ts,
		&createdAt,
		&updatedAtNano,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan alert", err)
	}

	alert.Rule = core.RuleID(rule)
	alert.Severity = core.Severity(severity)
	alert.Status = core.AlertStatus(status)
	alert.Timestamp = time.Unix(0, ts).UTC()
	alert.CreatedAt = time.Unix(0, createdAt).UTC()
	alert.UpdatedAt = time.Unix(0, updatedAtNano).UTC()

	if details.Valid && strings.TrimSpace(details.String) != "" {
		if err := json.Unmarshal([]byte(details.String), &alert.Details); err != nil {
			return nil, fmt.Errorf("decode details for alert %s: %w", alert.AlertID, err)
		}
	}
	if sourceEvent.Valid && sourceEvent.String != "" {
		if err := json.Unmarshal([]byte(sourceEvent.String), &alert.SourceEvent); err != nil {
			return nil, fmt.Errorf("decode source event for alert %s: %w", alert.AlertID, err)
		}
	}
	return &alert, nil
}

func emptySeverityCounts() map[core.Severity]int {
	counts := make(map[core.Severity]int, 4)
	for _, sev := range core.Severities() {
		counts[sev] = 0
	}
	return counts
}
