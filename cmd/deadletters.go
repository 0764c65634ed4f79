package cmd

import (
	"context"
	"fmt"
	"strconv"

	"threatwatch/core"
	"threatwatch/ingest"
	"threatwatch/storage"

	"github.com/spf13/cobra"
)

// newDeadLettersCmd creates the 'dead-letters' command with its subcommands
func newDeadLettersCmd(opts *rootOptions) *cobra.Command {
	dlCmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay batches removed from delivery",
	}

	dlCmd.AddCommand(newDeadLettersListCmd(opts))
	dlCmd.AddCommand(newDeadLettersDeleteCmd(opts))
	dlCmd.AddCommand(newDeadLettersReplayCmd(opts))
	return dlCmd
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid dead letter id %q", arg)
	}
	return id, nil
}

func newDeadLettersListCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead letters, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			stores, err := openAlertStore(ctx, opts)
			if err != nil {
				return err
			}
			defer closeStorage(stores)

			letters, err := stores.DeadLetters.List(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if opts.outputJSON {
				if letters == nil {
					letters = []*storage.DeadLetter{}
				}
				return outputAsJSON(cmd.OutOrStdout(), letters)
			}
			renderDeadLetters(cmd.OutOrStdout(), letters)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of dead letters to show")
	return cmd
}

func newDeadLettersDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Discard a dead letter",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
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

			if err := stores.DeadLetters.Delete(ctx, id); err != nil {
				return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
			}
			printOK(cmd.OutOrStdout(), "Deleted dead letter %d", id)
			return nil
		},
	}
}

func newDeadLettersReplayCmd(opts *rootOptions) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Evaluate a dead letter against the configured database",
		Long: `Decode a parked payload and run it through detection against the
configured database. The dead letter is deleted once the batch succeeds
unless --keep is given. Alerts already raised for the batch deduplicate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			engine, err := newLocalEngine(ctx, cfg, cfg.Storage.SQLitePath, false, opts.logger())
			if err != nil {
				return err
			}
			defer engine.Close()

			dl, err := engine.stores.DeadLetters.Get(ctx, id)
			if err != nil {
				return err
			}

			events, err := ingest.DecodePayload(dl.Payload)
			if err != nil {
				return fmt.Errorf("dead letter %d is still undecodable: %w", id, err)
			}
			result, err := engine.pipeline.Handle(ctx, ingest.SourceReplay, events, dl.Attempt+1)
			if err != nil {
				return fmt.Errorf("dead letter %d failed again: %w", id, err)
			}

			if !keep {
				if err := engine.stores.DeadLetters.Delete(ctx, id); err != nil {
					return err
				}
			}
			if opts.outputJSON {
				if result.Alerts == nil {
					result.Alerts = []*core.Alert{}
				}
				return outputAsJSON(cmd.OutOrStdout(), result.Alerts)
			}
			renderBatchResult(cmd.OutOrStdout(), 1, result)
			printOK(cmd.OutOrStdout(), "Replayed dead letter %d", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the dead letter after a successful replay")
	return cmd
}
