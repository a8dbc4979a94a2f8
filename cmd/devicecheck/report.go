package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"devicecheck/internal/config"
	"devicecheck/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect run reports",
}

var reportShowCmd = &cobra.Command{
	Use:   "show <run-id|report.json>",
	Short: "Render a stored report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := config.FromViper()
		path := args[0]
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(s.WorkDir, args[0], report.JSONFile)
		}
		r, err := report.ReadJSON(path)
		if err != nil {
			return err
		}

		md := report.Markdown(r)
		if raw, _ := cmd.Flags().GetBool("markdown"); raw {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}
		style, _ := cmd.Flags().GetString("style")
		if s.NoColor {
			style = "notty"
		}
		width, _ := cmd.Flags().GetInt("width")
		out, err := report.RenderMarkdown(md, style, width)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	reportShowCmd.Flags().Bool("markdown", false, "Print raw markdown")
	reportShowCmd.Flags().String("style", "dark", "Glamour style: dark, light, notty")
	reportShowCmd.Flags().Int("width", 100, "Wrap width")
	reportCmd.AddCommand(reportShowCmd)
	rootCmd.AddCommand(reportCmd)
}
