package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"threatwatch/bootstrap"
	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/notify"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// localEngine runs detection in-process against a SQLite database
type localEngine struct {
	stores     *bootstrap.Storage
	pipeline   *ingest.Pipeline
	dispatcher *notify.Dispatcher
	cleanup    func()
}

func (e *localEngine) Close() {
	if e.dispatcher != nil {
		e.dispatcher.Stop()
	}
	closeStorage(e.stores)
	if e.cleanup != nil {
		e.cleanup()
	}
}

// newLocalEngine builds the detection stack from cfg. An empty dbPath uses a
// throwaway database that is removed on Close.
func newLocalEngine(ctx context.Context, cfg *config.Config, dbPath string, withNotify bool, logger *zap.SugaredLogger) (*localEngine, error) {
	engine := &localEngine{}
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "threatwatch-replay-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		engine.cleanup = func() { os.RemoveAll(dir) }
		dbPath = filepath.Join(dir, "replay.db")
	}
	cfg.Storage.SQLitePath = dbPath

	stores, err := bootstrap.InitStorage(ctx, cfg, logger)
	if err != nil {
		if engine.cleanup != nil {
			engine.cleanup()
		}
		return nil, err
	}
	engine.stores = stores

	holder, err := detect.NewSettingsHolder(cfg)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("invalid detection settings: %w", err)
	}

	var dispatcher detect.AlertDispatcher
	if withNotify {
		d, router, err := bootstrap.InitNotifications(config.NewStaticManager(cfg, logger), nil, logger)
		if err != nil {
			engine.Close()
			return nil, err
		}
		engine.dispatcher = d
		dispatcher = router
	}

	orchestrator := detect.NewOrchestrator(stores.Events, stores.Alerts, holder, dispatcher, detect.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		QueryTimeout:   cfg.Storage.QueryTimeout,
	}, logger)
	engine.pipeline = ingest.NewPipeline(stores.Events, orchestrator, logger)
	return engine, nil
}

func readBatchFile(path string, in io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(io.LimitReader(in, maxImportFileSize))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > maxImportFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxImportFileSize)
	}
	return os.ReadFile(path)
}

func chunk(events []*core.Event, size int) [][]*core.Event {
	if size <= 0 || size >= len(events) {
		return [][]*core.Event{events}
	}
	var batches [][]*core.Event
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		batches = append(batches, events[start:end])
	}
	return batches
}

// replayReport is the --json output of replay
type replayReport struct {
	Batches    int           `json:"batches"`
	Evaluated  int           `json:"evaluated"`
	Rejected   int           `json:"rejected"`
	Faults     int           `json:"faults"`
	Duplicates int           `json:"duplicates"`
	Alerts     []*core.Alert `json:"alerts"`
}

// newReplayCmd creates the 'replay' subcommand
func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		dbPath    string
		batchSize int
		attempt   int
		publish   bool
		withAlert bool
		progress  bool
	)

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Run a batch file through detection",
		Long: `Decode a batch file ({"events": [...]}) and evaluate it.

By default the batch is processed in-process against a scratch database, so
windowed rules only see the events in the file. Use --db to evaluate against
an existing database, or --publish to send the batches to the NATS subject
the service consumes. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			data, err := readBatchFile(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			events, err := ingest.DecodePayload(data)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger()
			batches := chunk(events, batchSize)

			// The spinner only draws when stderr is a terminal
			var s *spinner.Spinner
			if progress && !opts.outputJSON {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = fmt.Sprintf(" Processing %d events...", len(events))
				s.Start()
			}
			stopSpinner := func() {
				if s != nil {
					s.Stop()
				}
			}
			defer stopSpinner()

			if publish {
				pub, err := ingest.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.Subject, cfg.NATS.Encoding)
				if err != nil {
					return err
				}
				defer pub.Close()
				for _, batch := range batches {
					if err := pub.Publish(ctx, batch); err != nil {
						return err
					}
				}
				stopSpinner()
				printOK(out, "Published %d events in %d batches to %s", len(events), len(batches), cfg.NATS.Subject)
				return nil
			}

			engine, err := newLocalEngine(ctx, cfg, dbPath, withAlert, logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			report := replayReport{Alerts: []*core.Alert{}}
			results := make([]*detect.BatchResult, 0, len(batches))
			for i, batch := range batches {
				result, err := engine.pipeline.Handle(ctx, ingest.SourceReplay, batch, attempt)
				if err != nil {
					return fmt.Errorf("batch %d failed: %w", i+1, err)
				}
				report.Batches++
				report.Evaluated += result.Evaluated
				report.Rejected += len(result.Rejected)
				report.Faults += len(result.Faults)
				report.Duplicates += result.Duplicates
				report.Alerts = append(report.Alerts, result.Alerts...)
				results = append(results, result)
			}
			stopSpinner()

			if opts.outputJSON {
				return outputAsJSON(out, report)
			}
			for i, result := range results {
				renderBatchResult(out, i+1, result)
			}
			fmt.Fprintln(out)
			printOK(out, "%d events in %d batches produced %d alerts", report.Evaluated, report.Batches, len(report.Alerts))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to evaluate against (default: scratch database)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Split the file into batches of this many events (0: one batch)")
	cmd.Flags().IntVar(&attempt, "attempt", 1, "Delivery attempt number to process the batches as")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish the batches to NATS instead of evaluating locally")
	cmd.Flags().BoolVar(&withAlert, "notify", false, "Send notifications for new alerts using the configured routing")
	cmd.Flags().BoolVar(&progress, "progress", true, "Show progress indicator")

	return cmd
}
