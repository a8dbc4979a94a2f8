package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devicecheck/internal/config"
	"devicecheck/internal/orchestrator"
	"devicecheck/internal/telemetry"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "devicecheck",
	Short: "End-to-end validation driver for the device SDK",
	Long: `devicecheck waits for a freshly deployed backend to become healthy, installs
the test interfaces, provisions a device identity per scenario and runs every
SDK scenario program against the live realm. It exits 0 only when every phase
passed.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n=== CRITICAL ERROR: command panic ===\n")
			fmt.Fprintf(os.Stderr, "Error: %v\n", r)
			exit(1)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		// the report already lists failed scenarios
		if !errors.Is(err, orchestrator.ErrScenariosFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.String("log-file", "", "Also write JSON logs to this file")
	pf.Bool("no-color", false, "Disable colored output")
	pf.String("realm", "", "Realm under test")
	pf.String("domain", "", "Base domain of the backend")
	pf.Bool("insecure", false, "Use plain http towards the backend")
	pf.String("private-key", "", "Realm private key (PEM) used to sign API tokens")

	viper.BindPFlag("verbose", pf.Lookup("verbose"))
	viper.BindPFlag("log_file", pf.Lookup("log-file"))
	viper.BindPFlag("no_color", pf.Lookup("no-color"))
	viper.BindPFlag("realm", pf.Lookup("realm"))
	viper.BindPFlag("domain", pf.Lookup("domain"))
	viper.BindPFlag("insecure", pf.Lookup("insecure"))
	viper.BindPFlag("private_key_path", pf.Lookup("private-key"))
}

func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
		return
	}
	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
		return
	}
	telemetry.InitLogger(viper.GetBool("verbose"), viper.GetString("log_file"))
}
