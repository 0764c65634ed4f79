package performance

// Load tests for the ingest pipeline against a file-backed SQLite store.
// They run the full path: event append, rule evaluation with windowed
// queries, and alert persistence. Skipped with -short.

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var loadBase = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func newLoadPipeline(tb testing.TB) *ingest.Pipeline {
	tb.Helper()
	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLite(filepath.Join(tb.TempDir(), "load.db"), logger)
	require.NoError(tb, err)
	tb.Cleanup(func() { db.Close() })

	settings, err := detect.NewSettings(config.Defaults().Detection, 100*time.Millisecond)
	require.NoError(tb, err)

	events := storage.NewSQLiteEventStore(db, 5000, logger)
	alerts, err := storage.NewDedupCache(storage.NewSQLiteAlertStore(db, logger), 10000)
	require.NoError(tb, err)

	orchestrator := detect.NewOrchestrator(events, alerts, detect.StaticSettings(settings), nil,
		detect.Options{MaxConcurrency: 16, QueryTimeout: 2 * time.Second}, logger)
	return ingest.NewPipeline(events, orchestrator, logger)
}

// loadBatch builds a batch where every tenth event is a failed login from
// the producer's attacker address
func loadBatch(producer, seq, size int) []*core.Event {
	batch := make([]*core.Event, 0, size)
	for i := 0; i < size; i++ {
		n := seq*size + i
		e := &core.Event{
			EventID:    fmt.Sprintf("p%d-%d", producer, n),
			Timestamp:  loadBase.Add(time.Duration(n) * 100 * time.Millisecond),
			SourceIP:   fmt.Sprintf("198.51.%d.%d", producer, 1+n%50),
			User:       fmt.Sprintf("user%d", n%25),
			EventType:  core.EventTypeAPIRequest,
			Action:     "GET",
			Resource:   "/api/orders",
			StatusCode: 200,
		}
		if n%10 == 0 {
			e.SourceIP = fmt.Sprintf("203.0.113.%d", producer)
			e.EventType = core.EventTypeAuthentication
			e.Action = core.ActionLoginFailed
			e.Resource = "/login"
			e.StatusCode = 401
		}
		batch = append(batch, e)
	}
	return batch
}

func TestPerformance_ConcurrentBatches(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode (use -short=false to run)")
	}

	const (
		producers     = 4
		batchesEach   = 50
		batchSize     = 50
		maxLatencyP99 = 2 * time.Second
	)

	pipeline := newLoadPipeline(t)

	var (
		evaluated  atomic.Int64
		alerts     atomic.Int64
		failures   atomic.Int64
		latencies  []time.Duration
		latencyMu  sync.Mutex
		peakMemory atomic.Uint64
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	memDone := make(chan struct{})
	go monitorMemoryUsage(ctx, &peakMemory, memDone)

	start := time.Now()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for seq := 0; seq < batchesEach; seq++ {
				batchStart := time.Now()
				result, err := pipeline.Handle(ctx, "load", loadBatch(producer, seq, batchSize), 1)
				elapsed := time.Since(batchStart)
				if err != nil {
					failures.Add(1)
					continue
				}
				evaluated.Add(int64(result.Evaluated))
				alerts.Add(int64(len(result.Alerts)))

				latencyMu.Lock()
				latencies = append(latencies, elapsed)
				latencyMu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	close(memDone)
	elapsed := time.Since(start)

	p50, p95, p99 := calculatePercentiles(latencies)
	rate := float64(evaluated.Load()) / elapsed.Seconds()

	t.Logf("Duration:        %v", elapsed)
	t.Logf("Events:          %d (%.0f events/sec)", evaluated.Load(), rate)
	t.Logf("Alerts:          %d", alerts.Load())
	t.Logf("Batch latency:   p50=%v p95=%v p99=%v", p50, p95, p99)
	t.Logf("Peak heap:       %.1f MiB", float64(peakMemory.Load())/(1024*1024))

	assert.Zero(t, failures.Load(), "no batch may fail")
	assert.Equal(t, int64(producers*batchesEach*batchSize), evaluated.Load())
	assert.Positive(t, alerts.Load(), "the failed logins must raise brute force alerts")
	assert.LessOrEqual(t, p99, maxLatencyP99)
}

func TestPerformance_RedeliveryIsIdempotentUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode (use -short=false to run)")
	}

	pipeline := newLoadPipeline(t)
	ctx := context.Background()

	first := 0
	for seq := 0; seq < 20; seq++ {
		result, err := pipeline.Handle(ctx, "load", loadBatch(1, seq, 50), 1)
		require.NoError(t, err)
		first += len(result.Alerts)
	}
	require.Positive(t, first)

	// Replay everything concurrently, as a broker would after a crash
	var (
		wg        sync.WaitGroup
		replayed  atomic.Int64
		duplicate atomic.Int64
	)
	for seq := 0; seq < 20; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			result, err := pipeline.Handle(ctx, "load", loadBatch(1, seq, 50), 2)
			if !assert.NoError(t, err) {
				return
			}
			replayed.Add(int64(len(result.Alerts)))
			duplicate.Add(int64(result.Duplicates))
		}(seq)
	}
	wg.Wait()

	assert.Zero(t, replayed.Load(), "redelivery must not create alerts")
	assert.Equal(t, int64(first), duplicate.Load())
}

func BenchmarkPipeline_Batch50(b *testing.B) {
	pipeline := newLoadPipeline(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pipeline.Handle(ctx, "bench", loadBatch(0, i, 50), 1); err != nil {
			b.Fatal(err)
		}
	}
}

func monitorMemoryUsage(ctx context.Context, peakMemory *atomic.Uint64, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			for {
				peak := peakMemory.Load()
				if m.Alloc <= peak || peakMemory.CompareAndSwap(peak, m.Alloc) {
					break
				}
			}
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func calculatePercentiles(latencies []time.Duration) (p50, p95, p99 time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	return sorted[len(sorted)*50/100], sorted[len(sorted)*95/100], sorted[len(sorted)*99/100]
}
