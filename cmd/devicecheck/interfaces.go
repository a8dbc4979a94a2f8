package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"devicecheck/internal/config"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "Manage the interfaces of the realm under test",
}

var interfacesInstallCmd = &cobra.Command{
	Use:   "install [path...]",
	Short: "Install or upgrade interface definitions",
	Long: `Install the definitions found in the given files or directories (default:
interfaces.dir). Installing twice changes nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := config.FromViper()
		paths := args
		if len(paths) == 0 {
			paths = []string{s.InterfacesDir}
		}

		a, err := newApp(cmd.Context(), s)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.Installer.Install(cmd.Context(), paths)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, group := range []struct {
			label string
			names []string
		}{
			{"created", sum.Created},
			{"updated", sum.Updated},
			{"unchanged", sum.Unchanged},
		} {
			if len(group.names) > 0 {
				fmt.Fprintf(out, "%-10s %s\n", group.label, strings.Join(group.names, ", "))
			}
		}
		fmt.Fprintf(out, "%d interfaces in realm %s are up to date.\n", sum.Total(), s.Realm)
		return nil
	},
}

var interfacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the interfaces installed in the realm",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), config.FromViper())
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.Installer.Registry.ListInterfaces(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

func init() {
	interfacesCmd.AddCommand(interfacesInstallCmd, interfacesListCmd)
	rootCmd.AddCommand(interfacesCmd)
}
