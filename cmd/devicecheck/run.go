package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devicecheck/internal/config"
	"devicecheck/internal/orchestrator"
	"devicecheck/internal/report"
	"devicecheck/internal/runner"
	"devicecheck/internal/scenario"
	"devicecheck/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full validation sequence",
	Long: `Wait for the backend, install the interfaces, then provision and run every
scenario. Scenario failures do not stop the run; readiness and interface
failures do. The exit code is 0 only when every phase passed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidation(cmd, config.FromViper())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringSlice("only", nil, "Run only these scenarios (comma separated, catalog order is kept)")
	f.Int("iterations", 0, "Iterations for bounded scenarios (0 keeps the program default)")
	f.Int("parallel", 1, "Scenarios run concurrently after the interface install")
	f.Duration("job-timeout", 30*time.Minute, "Overall deadline for the run")
	f.Duration("scenario-timeout", 5*time.Minute, "Deadline of a single scenario")
	f.Duration("health-timeout", 10*time.Minute, "How long to wait for the backend")
	f.String("executor", "local", "Scenario executor: local or docker")
	f.String("interfaces", "", "Directory of interface definitions")
	f.String("scenarios-file", "", "YAML file replacing the built-in catalog")
	f.String("workdir", "", "Directory for run files")
	f.Bool("keep-configs", false, "Keep scenario configuration files after the run")

	viper.BindPFlag("scenarios.only", f.Lookup("only"))
	viper.BindPFlag("iterations", f.Lookup("iterations"))
	viper.BindPFlag("parallelism", f.Lookup("parallel"))
	viper.BindPFlag("job_timeout", f.Lookup("job-timeout"))
	viper.BindPFlag("scenario_timeout", f.Lookup("scenario-timeout"))
	viper.BindPFlag("health.timeout", f.Lookup("health-timeout"))
	viper.BindPFlag("executor", f.Lookup("executor"))
	viper.BindPFlag("interfaces.dir", f.Lookup("interfaces"))
	viper.BindPFlag("scenarios.file", f.Lookup("scenarios-file"))
	viper.BindPFlag("workdir", f.Lookup("workdir"))

	rootCmd.AddCommand(runCmd)
}

// loadSpecs resolves the scenarios of a run from the catalog, the selection
// and the run-wide overrides.
func loadSpecs(s config.Settings) ([]scenario.Spec, error) {
	specs := scenario.Catalog()
	if s.ScenariosFile != "" {
		var err error
		if specs, err = scenario.LoadCatalog(s.ScenariosFile); err != nil {
			return nil, err
		}
	}
	specs, err := scenario.Filter(specs, s.Only)
	if err != nil {
		return nil, err
	}
	return scenario.Apply(specs, scenario.Overrides{Iterations: s.Iterations, Timeout: s.ScenarioTimeout}), nil
}

func runValidation(cmd *cobra.Command, s config.Settings) error {
	specs, err := loadSpecs(s)
	if err != nil {
		return err
	}
	keep, _ := cmd.Flags().GetBool("keep-configs")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, s.JobTimeout)
	defer cancel()

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.Close()

	if s.MetricsPort > 0 {
		srv, err := telemetry.StartMetricsServer(s.MetricsPort, a.Metrics.Registry)
		if err != nil {
			telemetry.LogError("Failed to start metrics server", err, "port", s.MetricsPort)
		} else {
			defer srv.Shutdown(context.WithoutCancel(ctx))
		}
	}

	slog.Info("Configuration", "settings", s.String())
	o := &orchestrator.Orchestrator{
		Options: orchestrator.Options{
			RunID:          orchestrator.NewRunID(time.Now()),
			Env:            scenario.Env{Realm: s.Realm, PairingURL: s.PairingURL()},
			Specs:          specs,
			InterfacePaths: []string{s.InterfacesDir},
			HealthDeadline: s.Health.Timeout,
			WorkDir:        s.WorkDir,
			Parallelism:    s.Parallelism,
			KeepConfigs:    keep,
		},
		Waiter:       a.Waiter,
		Installer:    a.Installer,
		Provisioner:  a.Provisioner,
		Runner:       a.Runner,
		Sinks:        a.sinks(ctx, cmd.OutOrStdout()),
		ObservePhase: a.Metrics.ObservePhase,
		ObserveResult: func(r runner.RunResult) {
			a.Metrics.ObserveScenario(r.Scenario, string(r.Status), r.Duration)
		},
	}

	r, err := o.Run(ctx)
	if r != nil {
		telemetry.LogInfof("Report written to %s", filepath.Join(s.WorkDir, r.RunID, report.JSONFile))
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}
