package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/auth"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/backfill"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/config"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newBackfillCommand() *cobra.Command {
	var (
		id         string
		maxBatches int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay the firehose into the projection from a dedicated checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, runErr := app.backfill.Run(ctx, backfill.Request{ID: id, MaxBatches: maxBatches})
			if err := writeBackfillReport(cmd.OutOrStdout(), result, runErr); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Backfill checkpoint id (defaults to backfill.id)")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "Batch limit for this run (defaults to backfill.max_batches)")
	return cmd
}

// writeBackfillReport prints the same JSON the admin endpoint returns.
func writeBackfillReport(w io.Writer, result backfill.Result, runErr error) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(backfill.NewReport(result, runErr))
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for the backfill endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Admin.SigningSecret),
				Issuer:        adminTokenIssuer,
				Audience:      adminTokenAudience,
				TokenTTL:      appConfig.Admin.TokenTTL,
			})
			if err != nil {
				return fmt.Errorf("admin.signing_secret must be configured: %w", err)
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Operator name recorded in the token subject")
	return cmd
}
