package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"devicecheck/internal/config"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the scenarios of a run in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := config.FromViper()
		if f := cmd.Flags(); f.Changed("only") {
			s.Only, _ = f.GetStringSlice("only")
		}
		if f := cmd.Flags(); f.Changed("iterations") {
			s.Iterations, _ = f.GetInt("iterations")
		}
		specs, err := loadSpecs(s)
		if err != nil {
			return err
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("SCENARIO", "CREDENTIAL", "MODE", "ARGS", "DESCRIPTION")
		for _, sp := range specs {
			args := strings.Join(sp.Args, " ")
			if len(sp.Features) > 0 {
				args = strings.TrimSpace("--features " + strings.Join(sp.Features, ",") + " " + args)
			}
			t.Row(sp.Name, string(sp.Credential), string(sp.Mode), args, sp.Description)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}

func init() {
	scenariosCmd.Flags().StringSlice("only", nil, "Show only these scenarios")
	scenariosCmd.Flags().Int("iterations", 0, "Iterations for bounded scenarios")
	rootCmd.AddCommand(scenariosCmd)
}
