package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds separate read and write pools over one database file.
// WAL mode allows concurrent readers next to the single writer.
type SQLite struct {
	WriteDB *sql.DB // MaxOpenConns=1, WAL single writer
	ReadDB  *sql.DB // query_only, concurrent reads
	Path    string
	Logger  *zap.SugaredLogger
}

// requiredIndexes are the indexes correlation queries depend on.
// EnsureIndexes refuses to run the engine without them.
var requiredIndexes = []string{
	"idx_events_source_ip_ts",
	"idx_events_user_ts",
	"idx_alerts_dedup",
}

func isInMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// buildDSN applies per-connection pragmas through the driver so that every
// pooled connection gets them, not only the first.
func buildDSN(dbPath string, readOnly bool) string {
	actual := dbPath
	if dbPath == ":memory:" {
		actual = "file::memory:?cache=shared"
	}
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
	}
	if !isInMemory(dbPath) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if readOnly {
		pragmas = append(pragmas, "_pragma=query_only(1)")
	}

	sep := "?"
	if strings.Contains(actual, "?") {
		sep = "&"
	}
	return actual + sep + strings.Join(pragmas, "&")
}

// configureSQLiteConnection verifies the pragmas took effect on the pool
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases use "memory" journal mode, not "wal"
	if !isInMemory(dbPath) && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("failed to query busy timeout: %w", err)
	}
	if busyTimeout <= 0 {
		return fmt.Errorf("busy timeout not set on %s pool", poolType)
	}

	logger.Debugw("SQLite pool configured",
		"pool", poolType,
		"journal_mode", journalMode,
		"busy_timeout_ms", busyTimeout)
	return nil
}

// NewSQLite opens the database, creates the schema and verifies its indexes
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if !isInMemory(dbPath) {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	writeDB, err := sql.Open("sqlite", buildDSN(dbPath, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // in-memory databases vanish with their last connection
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	s := &SQLite{
		WriteDB: writeDB,
		Path:    dbPath,
		Logger:  logger,
	}

	// Schema must exist before the query_only pool touches it
	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	readDB, err := sql.Open("sqlite", buildDSN(dbPath, true))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	var queryOnly int
	if err := readDB.QueryRow("PRAGMA query_only").Scan(&queryOnly); err != nil || queryOnly != 1 {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("query_only mode not enabled on read pool (got: %d, err: %v)", queryOnly, err)
	}
	s.ReadDB = readDB

	if err := s.EnsureIndexes(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

// WithTransaction executes fn within a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// createTables creates the event and alert tables with their indexes
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL, -- unix nanoseconds, UTC
		event_type TEXT NOT NULL DEFAULT '',
		source_ip TEXT NOT NULL DEFAULT '',
		destination_ip TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		bytes_transferred INTEGER, -- NULL when not reported
		user_agent TEXT NOT NULL DEFAULT '',
		metadata TEXT, -- JSON object
		ingested_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_source_ip_ts ON events(source_ip, ts);
	CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events(user_name, ts);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

	CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		severity INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		details TEXT, -- JSON object
		source_event_id TEXT NOT NULL,
		source_event TEXT, -- JSON summary
		status TEXT NOT NULL,
		ts INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(rule, source_event_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity_created ON alerts(severity, created_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		reason TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// EnsureIndexes verifies the indexes windowed queries and dedup rely on are present
func (s *SQLite) EnsureIndexes(ctx context.Context) error {
	rows, err := s.ReadDB.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'index'")
	if err != nil {
		return classify("list indexes", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan index name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}

	var missing []string
	for _, name := range requiredIndexes {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required indexes missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Close closes the SQLite database connections (both read and write pools)
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}

	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}

// validateDatabasePath rejects paths that could escape the data directory
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if isInMemory(dbPath) {
		return nil
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	return nil
}
