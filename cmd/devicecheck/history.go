package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"devicecheck/internal/config"
	"devicecheck/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show previous runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := config.FromViper()
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := db.NewSQLiteStore(s.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.RecentRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), historyTable(runs))
		return nil
	},
}

func historyTable(runs []db.Run) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "REALM", "START", "DURATION", "VERDICT", "FAILED")
	for _, r := range runs {
		verdict := "passed"
		if !r.Passed {
			verdict = "failed"
		}
		var failed []string
		if r.FailedPhase != "" {
			failed = append(failed, "("+r.FailedPhase+")")
		}
		for _, res := range r.Results {
			if res.Status != "passed" {
				failed = append(failed, res.Scenario)
			}
		}
		t.Row(r.RunID, r.Realm, r.Start.Local().Format(time.DateTime), r.Duration.Round(time.Second).String(),
			verdict, strings.Join(failed, ", "))
	}
	return t.String()
}

func init() {
	historyCmd.Flags().Int("limit", 10, "Number of runs to show")
	rootCmd.AddCommand(historyCmd)
}
