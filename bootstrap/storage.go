package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"threatwatch/config"
	"threatwatch/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	AlertBackendSQLite = "sqlite"
	AlertBackendRedis  = "redis"
)

// Storage groups the persistence components
type Storage struct {
	SQLite      *storage.SQLite
	Events      *storage.SQLiteEventStore
	Alerts      storage.AlertStore
	DeadLetters *storage.DeadLetterStore
	Redis       *redis.Client // nil unless alerts live in Redis
	Retention   *storage.RetentionManager
}

// InitSQLite opens the database; NewSQLite refuses to return without the
// indexes windowed queries depend on
func InitSQLite(dbPath string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	if err := EnsureDataDirectory(dbPath, sugar); err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(dbPath, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, dbPath))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", dbPath)
	return sqlite, nil
}

// InitAlertStore builds the configured alert backend behind the dedup cache
func InitAlertStore(ctx context.Context, cfg *config.Config, sqlite *storage.SQLite, sugar *zap.SugaredLogger) (storage.AlertStore, *redis.Client, error) {
	var (
		backend storage.AlertStore
		client  *redis.Client
	)

	switch strings.ToLower(cfg.Storage.AlertBackend) {
	case "", AlertBackendSQLite:
		backend = storage.NewSQLiteAlertStore(sqlite, sugar)
	case AlertBackendRedis:
		r := cfg.Storage.Redis
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var err error
		client, err = storage.NewRedisClient(pingCtx, r.Addr, r.Password, r.DB, r.PoolSize)
		if err != nil {
			printFatal("Redis Connection Failed", ClassifyConnectionError("Redis", err, r.Addr))
			return nil, nil, err
		}
		backend = storage.NewRedisAlertStore(client, r.KeyPrefix, sugar)
	default:
		return nil, nil, fmt.Errorf("unknown alert backend %q", cfg.Storage.AlertBackend)
	}

	cached, err := storage.NewDedupCache(backend, cfg.Storage.DedupCacheSize)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, nil, err
	}

	sugar.Infow("Alert store initialized",
		"backend", cfg.Storage.AlertBackend,
		"dedup_cache_size", cfg.Storage.DedupCacheSize)
	return cached, client, nil
}

// InitStorage initializes every store the service needs
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*Storage, error) {
	sqlite, err := InitSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, err
	}

	alerts, client, err := InitAlertStore(ctx, cfg, sqlite, sugar)
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	events := storage.NewSQLiteEventStore(sqlite, cfg.Storage.MaxWindowRows, sugar)
	return &Storage{
		SQLite:      sqlite,
		Events:      events,
		Alerts:      alerts,
		DeadLetters: storage.NewDeadLetterStore(sqlite, sugar),
		Redis:       client,
		Retention:   storage.NewRetentionManager(events, cfg.Storage.EventRetention, cfg.Storage.RetentionSweep, sugar),
	}, nil
}

// Close releases the database connections
func (s *Storage) Close(sugar *zap.SugaredLogger) {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
}

func printFatal(title, msg string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
