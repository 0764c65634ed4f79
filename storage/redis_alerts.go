package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"threatwatch/core"
	"threatwatch/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// insertAlertScript claims the dedup key and writes the alert in one step, so
// a failed write never leaves a claimed key without an alert behind it.
//
// KEYS[1] dedup key, KEYS[2] alert hash, KEYS[3] severity index
// ARGV[1] alert id, ARGV[2] alert json, ARGV[3] status, ARGV[4] created score
var insertAlertScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], 'data', ARGV[2], 'status', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

const maxStatusUpdateRetries = 3

// RedisAlertStore implements AlertStore on Redis
type RedisAlertStore struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRedisAlertStore creates a Redis-backed alert store
func NewRedisAlertStore(client *redis.Client, prefix string, logger *zap.SugaredLogger) *RedisAlertStore {
	if prefix == "" {
		prefix = "threatwatch"
	}
	return &RedisAlertStore{client: client, prefix: prefix, logger: logger, now: time.Now}
}

// NewRedisClient creates a client and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisAlertStore) dedupKey(k core.DedupKey) string {
	return fmt.Sprintf("%s:alert:dedup:%s", s.prefix, k.String())
}

func (s *RedisAlertStore) alertKey(alertID string) string {
	return fmt.Sprintf("%s:alert:%s", s.prefix, alertID)
}

func (s *RedisAlertStore) severityKey(sev core.Severity) string {
	return fmt.Sprintf("%s:alerts:severity:%s", s.prefix, sev.String())
}

// score is microseconds so it stays exact in a float64
func score(t time.Time) float64 {
	return float64(t.UTC().UnixMicro())
}

// InsertIfAbsent persists alert unless one with the same dedup key exists
func (s *RedisAlertStore) InsertIfAbsent(ctx context.Context, alert *core.Alert) (InsertResult, error) {
	start := time.Now()
	defer observe("redis_alerts", "insert", start)

	data, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("marshal alert %s: %w", alert.AlertID, err)
	}

	keys := []string{
		s.dedupKey(alert.DedupKey()),
		s.alertKey(alert.AlertID),
		s.severityKey(alert.Severity),
	}
	created, err := insertAlertScript.Run(ctx, s.client, keys,
		alert.AlertID, string(data), string(alert.Status), score(alert.CreatedAt)).Int()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("redis_alerts", "insert").Inc()
		return 0, classifyRedis("insert alert", err)
	}
	if created == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

// QueryBySeverity returns alerts of exactly the given severity, newest first
func (s *RedisAlertStore) QueryBySeverity(ctx context.Context, severity core.Severity, since *time.Time) ([]*core.Alert, error) {
	start := time.Now()
	defer observe("redis_alerts", "query", start)

	minScore := "-inf"
	if since != nil {
		minScore = fmt.Sprintf("%.0f", score(*since))
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.severityKey(severity), &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("redis_alerts", "query").Inc()
		return nil, classifyRedis("query alerts", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.alertKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, classifyRedis("load alerts", err)
	}

	alerts := make([]*core.Alert, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			s.logger.Warnw("Severity index references missing alert", "alert_id", ids[i])
			continue
		}
		if err != nil {
			return nil, classifyRedis("load alert", err)
		}
		var alert core.Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", ids[i], err)
		}
		alerts = append(alerts, &alert)
	}
	return alerts, nil
}

// CountBySeverity returns alert counts per severity; every severity is present in the result
func (s *RedisAlertStore) CountBySeverity(ctx context.Context, since *time.Time) (map[core.Severity]int, error) {
	minScore := "-inf"
	if since != nil {
		minScore = fmt.Sprintf("%.0f", score(*since))
	}

	pipe := s.client.Pipeline()
	cmds := make(map[core.Severity]*redis.IntCmd, 4)
	for _, sev := range core.Severities() {
		cmds[sev] = pipe.ZCount(ctx, s.severityKey(sev), minScore, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreErrors.WithLabelValues("redis_alerts", "count").Inc()
		return nil, classifyRedis("count alerts", err)
	}

	counts := emptySeverityCounts()
	for sev, cmd := range cmds {
		counts[sev] = int(cmd.Val())
	}
	return counts, nil
}

// Get returns a single alert by ID
func (s *RedisAlertStore) Get(ctx context.Context, alertID string) (*core.Alert, error) {
	data, err := s.client.HGet(ctx, s.alertKey(alertID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, classifyRedis("get alert", err)
	}
	var alert core.Alert
	if err := json.Unmarshal([]byte(data), &alert); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// UpdateStatus moves the alert forward in its lifecycle using optimistic locking
func (s *RedisAlertStore) UpdateStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error) {
	start := time.Now()
	defer observe("redis_alerts", "update_status", start)

	key := s.alertKey(alertID)
	var updated *core.Alert

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, "data").Result()
		if errors.Is(err, redis.Nil) {
			return ErrAlertNotFound
		}
		if err != nil {
			return err
		}

		var alert core.Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			return fmt.Errorf("decode alert %s: %w", alertID, err)
		}
		if err := alert.TransitionTo(status, s.now()); err != nil {
			return err
		}
		encoded, err := json.Marshal(&alert)
		if err != nil {
			return fmt.Errorf("marshal alert %s: %w", alertID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", string(encoded), "status", string(alert.Status))
			return nil
		})
		if err == nil {
			updated = &alert
		}
		return err
	}

	for attempt := 0; attempt < maxStatusUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrAlertNotFound) || errors.Is(err, core.ErrInvalidTransition) {
			return nil, err
		}
		return nil, classifyRedis("update alert status", err)
	}
	return nil, fmt.Errorf("update alert status: %w: concurrent modification of %s", core.ErrTransientStore, alertID)
}

func classifyRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	transient := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	if !transient {
		msg := err.Error()
		for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN"} {
			if strings.HasPrefix(msg, prefix) {
				transient = true
				break
			}
		}
	}
	if transient {
		return fmt.Errorf("%s: %w: %v", op, core.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
