package cmd

import (
	"fmt"
	"time"

	"threatwatch/api"
	"threatwatch/config"

	"github.com/spf13/cobra"
)

type tokenOutput struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// newTokenCmd creates the 'token' subcommand
func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API bearer token",
		Long: `Sign an HS256 bearer token with api.jwt.secret.

The secret comes from the config file or, when empty there, from the
configured secret provider under "api_jwt_secret".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWT.Secret == "" {
				if err := config.LoadSecrets(cfg); err != nil {
					return err
				}
			}
			if cfg.API.JWT.Secret == "" {
				return fmt.Errorf("api.jwt.secret is not configured")
			}
			if ttl == 0 {
				ttl = cfg.API.JWT.TTL
			}

			now := time.Now().UTC()
			token, err := api.IssueToken(cfg.API.JWT.Secret, cfg.API.JWT.Issuer, subject, ttl, now)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return outputAsJSON(out, tokenOutput{Token: token, Subject: subject, ExpiresAt: now.Add(ttl)})
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Who the token is issued to (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: api.jwt.ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
