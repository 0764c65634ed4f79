package cmd

import (
	"context"
	"fmt"
	"time"

	"threatwatch/core"

	"github.com/spf13/cobra"
)

// parseSince accepts a lookback duration ("24h") or an RFC3339 instant
func parseSince(value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	var t time.Time
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return nil, fmt.Errorf("--since duration must be positive")
		}
		t = now.Add(-d)
	} else if t, err = time.Parse(time.RFC3339, value); err != nil {
		return nil, fmt.Errorf("--since must be a duration like 24h or an RFC3339 time: %q", value)
	}
	if !core.TimestampInRange(t) {
		return nil, fmt.Errorf("--since %q is outside %d-%d", value, core.MinTimestamp.Year(), core.MaxTimestamp.Year())
	}
	return &t, nil
}

// newAlertsCmd creates the 'alerts' command with its subcommands
func newAlertsCmd(opts *rootOptions) *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:     "alerts",
		Aliases: []string{"alert"},
		Short:   "Query and triage stored alerts",
	}

	alertsCmd.AddCommand(newAlertsListCmd(opts))
	alertsCmd.AddCommand(newAlertsSummaryCmd(opts))
	alertsCmd.AddCommand(newAlertsShowCmd(opts))
	alertsCmd.AddCommand(newAlertsTransitionCmd(opts, "ack", core.AlertStatusAcknowledged))
	alertsCmd.AddCommand(newAlertsTransitionCmd(opts, "resolve", core.AlertStatusResolved))

	return alertsCmd
}

func newAlertsListCmd(opts *rootOptions) *cobra.Command {
	var severity, since string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List alerts of one severity, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, err := core.ParseSeverity(severity)
			if err != nil {
				return err
			}
			sinceTime, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			stores, err := openAlertStore(ctx, opts)
			if err != nil {
				return err
			}
			defer closeStorage(stores)

			alerts, err := stores.Alerts.QueryBySeverity(ctx, sev, sinceTime)
			if err != nil {
				return fmt.Errorf("failed to query alerts: %w", err)
			}

			if opts.outputJSON {
				if alerts == nil {
					alerts = []*core.Alert{}
				}
				return outputAsJSON(cmd.OutOrStdout(), alerts)
			}
			renderAlertsTable(cmd.OutOrStdout(), alerts)
			return nil
		},
	}

	cmd.Flags().StringVarP(&severity, "severity", "s", "", "Severity to list: low, medium, high or critical")
	cmd.Flags().StringVar(&since, "since", "", "Only alerts at or after this time (duration like 24h, or RFC3339)")
	_ = cmd.MarkFlagRequired("severity")

	return cmd
}

func newAlertsSummaryCmd(opts *rootOptions) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count alerts by severity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			stores, err := openAlertStore(ctx, opts)
			if err != nil {
				return err
			}
			defer closeStorage(stores)

			counts, err := stores.Alerts.CountBySeverity(ctx, sinceTime)
			if err != nil {
				return fmt.Errorf("failed to count alerts: %w", err)
			}

			if opts.outputJSON {
				bySeverity := make(map[string]int, len(core.Severities()))
				total := 0
				for _, sev := range core.Severities() {
					bySeverity[sev.String()] = counts[sev]
					total += counts[sev]
				}
				return outputAsJSON(cmd.OutOrStdout(), map[string]interface{}{
					"bySeverity": bySeverity,
					"total":      total,
				})
			}
			renderSummary(cmd.OutOrStdout(), counts, sinceTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only alerts at or after this time (duration like 24h, or RFC3339)")
	return cmd
}

func newAlertsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <alert-id>",
		Short: "Show one alert with its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			stores, err := openAlertStore(ctx, opts)
			if err != nil {
				return err
			}
			defer closeStorage(stores)

			alert, err := stores.Alerts.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get alert: %w", err)
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), alert)
			}
			renderAlertsTable(cmd.OutOrStdout(), []*core.Alert{alert})
			infoColor.Fprintln(cmd.OutOrStdout(), alert.Description)
			return outputAsJSON(cmd.OutOrStdout(), alert.Details)
		},
	}
}

func newAlertsTransitionCmd(opts *rootOptions, use string, target core.AlertStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <alert-id>",
		Short: fmt.Sprintf("Move an alert to %s", target),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			stores, err := openAlertStore(ctx, opts)
			if err != nil {
				return err
			}
			defer closeStorage(stores)

			alert, err := stores.Alerts.UpdateStatus(ctx, args[0], target)
			if err != nil {
				return fmt.Errorf("failed to update alert: %w", err)
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), alert)
			}
			printOK(cmd.OutOrStdout(), "Alert %s is now %s", alert.AlertID, formatStatus(alert.Status))
			return nil
		},
	}
}
