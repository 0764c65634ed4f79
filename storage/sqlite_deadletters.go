package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"threatwatch/metrics"

	"go.uber.org/zap"
)

// DeadLetter is a batch payload that could not be processed and was
// removed from its delivery channel
type DeadLetter struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"` // "nats" or "http"
	Reason    string    `json:"reason"` // "undecodable" or "max_deliveries"
	Details   string    `json:"details"`
	Payload   []byte    `json:"payload"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeadLetterStore parks failed batch payloads for inspection and replay
type DeadLetterStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewDeadLetterStore creates a dead-letter store on db
func NewDeadLetterStore(db *SQLite, logger *zap.SugaredLogger) *DeadLetterStore {
	return &DeadLetterStore{db: db, logger: logger, now: time.Now}
}

// Add writes a dead letter
func (d *DeadLetterStore) Add(ctx context.Context, dl *DeadLetter) error {
	start := time.Now()
	defer observe("dead_letters", "add", start)

	res, err := d.db.WriteDB.ExecContext(ctx, `
		INSERT INTO dead_letters (source, reason, details, payload, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dl.Source, dl.Reason, dl.Details, dl.Payload, dl.Attempt, d.now().UTC().UnixNano())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dead_letters", "add").Inc()
		return classify("insert dead letter", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		dl.ID = id
	}

	metrics.DeadLetters.WithLabelValues(dl.Source, dl.Reason).Inc()
	d.logger.Warnw("Batch moved to dead-letter table",
		"id", dl.ID,
		"source", dl.Source,
		"reason", dl.Reason,
		"attempt", dl.Attempt,
		"bytes", len(dl.Payload))
	return nil
}

// List returns up to limit dead letters, newest first
func (d *DeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.ReadDB.QueryContext(ctx, `
		SELECT id, source, reason, details, payload, attempt, created_at
		FROM dead_letters
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify("list dead letters", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			created int64
		)
		if err := rows.Scan(&dl.ID, &dl.Source, &dl.Reason, &dl.Details, &dl.Payload, &dl.Attempt, &created); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// Get returns one dead letter
func (d *DeadLetterStore) Get(ctx context.Context, id int64) (*DeadLetter, error) {
	var (
		dl      DeadLetter
		created int64
	)
	err := d.db.ReadDB.QueryRowContext(ctx, `
		SELECT id, source, reason, details, payload, attempt, created_at
		FROM dead_letters WHERE id = ?`, id).
		Scan(&dl.ID, &dl.Source, &dl.Reason, &dl.Details, &dl.Payload, &dl.Attempt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %d: %w", id, ErrDeadLetterNotFound)
	}
	if err != nil {
		return nil, classify("get dead letter", err)
	}
	dl.CreatedAt = time.Unix(0, created).UTC()
	return &dl, nil
}

// Delete removes a dead letter after it has been replayed
func (d *DeadLetterStore) Delete(ctx context.Context, id int64) error {
	res, err := d.db.WriteDB.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return classify("delete dead letter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %d: %w", id, ErrDeadLetterNotFound)
	}
	return nil
}
