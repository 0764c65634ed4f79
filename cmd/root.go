// Package cmd provides the threatwatch command-line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"threatwatch/bootstrap"
	"threatwatch/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

const (
	maxImportFileSize = 64 * 1024 * 1024 // replay files are read into memory
	defaultTimeout    = 5 * time.Minute
)

// rootOptions are the persistent flags shared by every command
type rootOptions struct {
	configFile string
	outputJSON bool
	noColor    bool
	verbose    bool
}

// loadConfig reads the config file named by --config, or searches the
// default locations when it is empty
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger is silent unless --verbose is set so it does not mix with command output
func (o *rootOptions) logger() *zap.SugaredLogger {
	if !o.verbose {
		return zap.NewNop().Sugar()
	}
	_, sugar, level := bootstrap.InitLogger()
	_ = bootstrap.SetLogLevel(level, "debug")
	return sugar
}

// NewRootCmd creates the threatwatch command with all subcommands.
// Without a subcommand it runs the service.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "threatwatch",
		Short: "Rule-based security event detection",
		Long: `threatwatch evaluates batches of security events against a fixed set of
detection rules, persists the resulting alerts and routes notifications
by severity.

Run without a subcommand to start the service.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stdout while running CLI commands")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newReplayCmd(opts))
	rootCmd.AddCommand(newAlertsCmd(opts))
	rootCmd.AddCommand(newDeadLettersCmd(opts))
	rootCmd.AddCommand(newValidateConfigCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))

	return rootCmd
}

// newServeCmd creates the 'serve' subcommand
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection service",
		Long:  "Start the HTTP API, the NATS consumer (when enabled) and the notification workers, and run until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.noColor {
		color.NoColor = true
	}

	app, err := bootstrap.NewApp(ctx, opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

// openAlertStore opens the configured alert backend for read and update commands
func openAlertStore(ctx context.Context, opts *rootOptions) (*bootstrap.Storage, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	return bootstrap.InitStorage(ctx, cfg, opts.logger())
}

func closeStorage(s *bootstrap.Storage) {
	s.Close(zap.NewNop().Sugar())
}

func printOK(w io.Writer, format string, args ...interface{}) {
	successColor.Fprint(w, "✓ ")
	fmt.Fprintf(w, format+"\n", args...)
}
