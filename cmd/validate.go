package cmd

import (
	"fmt"
	"strings"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/notify"

	"github.com/spf13/cobra"
)

// validationReport is the --json output of validate-config
type validationReport struct {
	Valid      bool                `json:"valid"`
	Error      string              `json:"error,omitempty"`
	Routing    map[string][]string `json:"routing,omitempty"`
	Violations []string            `json:"monotonicityViolations,omitempty"`
}

// newValidateConfigCmd creates the 'validate-config' subcommand
func newValidateConfigCmd(opts *rootOptions) *cobra.Command {
	var checkSecrets bool

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check a configuration file without starting the service",
		Long: `Load the configuration, compile the detection settings (denylist, SQL
signatures, geo table) and the notification routing table. Routing that is
not monotonic in severity is reported as a warning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			report, err := validateConfig(opts, checkSecrets)
			if opts.outputJSON {
				if jerr := outputAsJSON(out, report); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				errorColor.Fprint(out, "✗ ")
				fmt.Fprintln(out, err)
				return err
			}

			printOK(out, "Configuration is valid")
			for _, sev := range core.Severities() {
				dests := report.Routing[sev.String()]
				target := strings.Join(dests, ", ")
				if target == "" {
					target = "(none)"
				}
				fmt.Fprintf(out, "  %s -> %s\n", severityColor(sev).Sprint(fmt.Sprintf("%-9s", sev)), target)
			}
			for _, v := range report.Violations {
				warningColor.Fprintf(out, "  warning: %s\n", v)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkSecrets, "check-secrets", false, "Also resolve credentials through the configured secrets provider")
	return cmd
}

func validateConfig(opts *rootOptions, checkSecrets bool) (*validationReport, error) {
	report := &validationReport{}
	fail := func(err error) (*validationReport, error) {
		report.Error = err.Error()
		return report, err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return fail(err)
	}
	if checkSecrets {
		if err := config.LoadSecrets(cfg); err != nil {
			return fail(err)
		}
	}
	if _, err := detect.NewSettings(cfg.Detection, cfg.Engine.RegexTimeout); err != nil {
		return fail(fmt.Errorf("invalid detection settings: %w", err))
	}
	table, err := notify.NewRoutingTable(cfg.Notifications.Routing)
	if err != nil {
		return fail(fmt.Errorf("invalid notification routing: %w", err))
	}

	report.Valid = true
	report.Routing = make(map[string][]string, len(core.Severities()))
	for _, sev := range core.Severities() {
		report.Routing[sev.String()] = table.Destinations(sev)
	}
	report.Violations = table.Violations()
	return report, nil
}
