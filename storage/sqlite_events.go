package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"threatwatch/core"
	"threatwatch/metrics"

	"go.uber.org/zap"
)

const eventColumns = `event_id, ts, event_type, source_ip, destination_ip, user_name, action,
	resource, status_code, bytes_transferred, user_agent, metadata`

// keyColumns maps a correlation key to its indexed column
var keyColumns = map[core.CorrelationKey]string{
	core.CorrelationKeySourceIP: "source_ip",
	core.CorrelationKeyUser:     "user_name",
}

// SQLiteEventStore implements EventStore on SQLite
type SQLiteEventStore struct {
	db            *SQLite
	maxWindowRows int
	logger        *zap.SugaredLogger
	now           func() time.Time
}

// NewSQLiteEventStore creates an event store. maxWindowRows caps every window query.
func NewSQLiteEventStore(db *SQLite, maxWindowRows int, logger *zap.SugaredLogger) *SQLiteEventStore {
	return &SQLiteEventStore{
		db:            db,
		maxWindowRows: maxWindowRows,
		logger:        logger,
		now:           time.Now,
	}
}

// Append inserts the event; re-appending an existing EventID is a no-op
func (s *SQLiteEventStore) Append(ctx context.Context, event *core.Event) error {
	start := time.Now()
	defer observe("events", "append", start)

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for event %s: %w", event.EventID, err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	var bytesTransferred sql.NullInt64
	if event.BytesTransferred != nil {
		bytesTransferred = sql.NullInt64{Int64: *event.BytesTransferred, Valid: true}
	}

	_, err := s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		event.EventID,
		event.Timestamp.UTC().UnixNano(),
		string(event.EventType),
		event.SourceIP,
		event.DestinationIP,
		event.User,
		event.Action,
		event.Resource,
		event.StatusCode,
		bytesTransferred,
		event.UserAgent,
		metadata,
		s.now().UTC().UnixNano(),
	)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("events", "append").Inc()
		return classify("append event", err)
	}
	return nil
}

// Get returns a single event by ID
func (s *SQLiteEventStore) Get(ctx context.Context, eventID string) (*core.Event, error) {
	start := time.Now()
	defer observe("events", "get", start)

	row := s.db.ReadDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("events", "get").Inc()
		return nil, classify("get event", err)
	}
	return event, nil
}

// EventsInWindow returns the newest maxWindowRows events in [since, until]
// that pass filter, in ascending order
func (s *SQLiteEventStore) EventsInWindow(ctx context.Context, key core.CorrelationKey, value string, since, until time.Time, filter core.WindowFilter) ([]*core.Event, error) {
	column, ok := keyColumns[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, key)
	}
	if value == "" {
		return nil, nil
	}

	start := time.Now()
	defer observe("events", "window", start)

	// column comes from keyColumns, never from input
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE ` + column + ` = ? AND ts >= ? AND ts <= ?`
	args := []interface{}{value, since.UTC().UnixNano(), until.UTC().UnixNano()}
	if filter.FailedLoginsOnly {
		query += ` AND event_type = ? AND action = ?`
		args = append(args, string(core.EventTypeAuthentication), core.ActionLoginFailed)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.EventType))
	}
	if filter.StatusCode != 0 {
		query += ` AND status_code = ?`
		args = append(args, filter.StatusCode)
	}
	query += ` ORDER BY ts DESC, event_id DESC LIMIT ?`
	args = append(args, s.maxWindowRows)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("events", "window").Inc()
		return nil, classify("query window", err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan window", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("events", "window").Inc()
		return nil, classify("iterate window", err)
	}

	if len(events) == s.maxWindowRows {
		s.logger.Debugw("Correlation window truncated",
			"key", key,
			"value", value,
			"max_rows", s.maxWindowRows)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// RetentionSweep deletes events older than the cutoff and returns how many were removed
func (s *SQLiteEventStore) RetentionSweep(ctx context.Context, olderThan time.Time) (int64, error) {
	start := time.Now()
	defer observe("events", "retention", start)

	result, err := s.db.WriteDB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, olderThan.UTC().UnixNano())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("events", "retention").Inc()
		return 0, classify("retention sweep", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retention sweep rows affected: %w", err)
	}
	metrics.EventsExpired.Add(float64(removed))
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*core.Event, error) {
	var (
		event            core.Event
		ts               int64
		eventType        string
		bytesTransferred sql.NullInt64
		metadata         sql.NullString
	)
	err := row.Scan(
		&event.EventID,
		&ts,
		&eventType,
		&event.SourceIP,
		&event.DestinationIP,
		&event.User,
		&event.Action,
		&event.Resource,
		&event.StatusCode,
		&bytesTransferred,
		&event.UserAgent,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	event.Timestamp = time.Unix(0, ts).UTC()
	event.EventType = core.EventType(eventType)
	if bytesTransferred.Valid {
		b := bytesTransferred.Int64
		event.BytesTransferred = &b
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for event %s: %w", event.EventID, err)
		}
	}
	return &event, nil
}

func observe(store, operation string, start time.Time) {
	metrics.StoreQueryDuration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
}
