package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devicecheck/internal/config"
	"devicecheck/internal/metrics"
)

var errNotHealthy = errors.New("backend is not healthy yet")

var waitHealthyCmd = &cobra.Command{
	Use:   "wait-healthy",
	Short: "Check that the backend is ready",
	Long: `Poll the backend health until it is ready. Without --wait a single check is
made and the command fails when the backend is not ready yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := config.FromViper()
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if !cmd.Flags().Changed("timeout") {
			timeout = s.Health.Timeout
		}

		checker, waiter, err := newReadiness(s, metrics.New())
		if err != nil {
			return err
		}

		if wait {
			if err := waiter.WaitHealthy(cmd.Context(), timeout); err != nil {
				return err
			}
		} else {
			ok, err := checker.CheckHealthy(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			if !ok {
				return errNotHealthy
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backend for realm %s is healthy.\n", s.Realm)
		return nil
	},
}

func init() {
	waitHealthyCmd.Flags().Bool("wait", false, "Keep polling until healthy or the timeout passes")
	waitHealthyCmd.Flags().Duration("timeout", 10*time.Minute, "How long to wait with --wait")
	rootCmd.AddCommand(waitHealthyCmd)
}
