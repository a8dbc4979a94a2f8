// Package orchestrator sequences a validation run: wait for the backend,
// install interfaces, then provision, configure and run each scenario.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"devicecheck/internal/identity"
	"devicecheck/internal/iface"
	"devicecheck/internal/runner"
	"devicecheck/internal/scenario"
)

// ConfigFile is the name of the per-scenario configuration.
const ConfigFile = "configuration.json"

// ReadinessWaiter blocks until the backend is healthy or the deadline passes.
type ReadinessWaiter interface {
	WaitHealthy(ctx context.Context, deadline time.Duration) error
}

// InterfaceInstaller syncs interface definitions.
type InterfaceInstaller interface {
	Install(ctx context.Context, paths []string) (iface.Summary, error)
}

// Provisioner creates a fresh device identity.
type Provisioner interface {
	Provision(ctx context.Context, scenario string, kind identity.Kind) (identity.Identity, error)
}

// ScenarioRunner executes one scenario.
type ScenarioRunner interface {
	Run(ctx context.Context, spec scenario.Spec, configPath string, mode scenario.Mode) runner.RunResult
}

// Sink publishes a finished report. Errors are logged and never change the
// outcome of the run.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r *Report) error
}

// Options is the run configuration, passed by value.
type Options struct {
	RunID          string
	Env            scenario.Env
	Specs          []scenario.Spec
	InterfacePaths []string
	HealthDeadline time.Duration
	WorkDir        string
	// Parallelism above 1 runs scenarios concurrently after the install phase.
	Parallelism int
	// KeepConfigs leaves configuration files on disk after their run.
	KeepConfigs bool
}

// RunDir is the directory holding this run's files.
func (o Options) RunDir() string {
	return filepath.Join(o.WorkDir, o.RunID)
}

// Orchestrator drives the state machine.
type Orchestrator struct {
	Options     Options
	Waiter      ReadinessWaiter
	Installer   InterfaceInstaller
	Provisioner Provisioner
	Runner      ScenarioRunner
	Sinks       []Sink

	// ObservePhase is called with the duration of each completed phase when set.
	ObservePhase func(phase string, d time.Duration)
	// ObserveResult is called once per scenario result, skipped and
	// provision failures included, when set.
	ObserveResult func(runner.RunResult)
}

// Run executes the whole sequence. The report is always returned, partial
// when the run was aborted. The error is a *PhaseError for a fatal phase,
// ErrScenariosFailed when a scenario did not pass, or nil.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	opts := o.Options
	report := &Report{
		RunID:      opts.RunID,
		Realm:      opts.Env.Realm,
		Start:      time.Now(),
		Readiness:  PhaseOutcome{Status: PhaseNotRun},
		Interfaces: PhaseOutcome{Status: PhaseNotRun},
	}
	total := len(opts.Specs)
	results := make([]runner.RunResult, total)

	var (
		state    = State{Phase: Init}
		fatalErr error
		// wall time of the scenarios phase, parallel or not
		scenariosStart time.Time
		scenariosDur   time.Duration
	)
	for !state.Terminal() {
		var ev event
		switch state.Phase {
		case Init:
			if err := os.MkdirAll(opts.RunDir(), 0o755); err != nil {
				slog.Warn("Failed to create run directory", "path", opts.RunDir(), "error", err)
			} else if err := WriteRunInfo(opts.RunDir(), NewRunInfo(opts.RunID, opts.Env.Realm, report.Start)); err != nil {
				slog.Warn("Failed to write run info", "error", err)
			}
			slog.Info("Starting run", "run_id", opts.RunID, "realm", opts.Env.Realm, "scenarios", total)
			ev = started{}

		case Waiting:
			err := o.timed(&report.Readiness, func() error {
				return o.Waiter.WaitHealthy(ctx, opts.HealthDeadline)
			})
			if err != nil {
				fatalErr = &PhaseError{Phase: Waiting.String(), Err: err}
			}
			ev = readinessDone{err: err}

		case InstallingInterfaces:
			err := o.timed(&report.Interfaces, func() error {
				sum, err := o.Installer.Install(ctx, opts.InterfacePaths)
				report.Installed = sum
				return err
			})
			if err != nil {
				fatalErr = &PhaseError{Phase: InstallingInterfaces.String(), Err: err}
			}
			ev = installDone{err: err}

		case RunningScenarios:
			if state.Index == 0 {
				scenariosStart = time.Now()
			}
			if state.Index == 0 && opts.Parallelism > 1 {
				o.runParallel(ctx, results)
			} else if results[state.Index].Scenario == "" {
				results[state.Index] = o.runScenario(ctx, opts.Specs[state.Index])
			}
			ev = scenarioDone{result: results[state.Index]}

		case Reporting:
			if !scenariosStart.IsZero() {
				scenariosDur = time.Since(scenariosStart)
			}
			o.finish(ctx, report, results, scenariosDur)
			ev = reportingDone{}
		}

		next, err := transition(state, ev, total)
		if err != nil {
			// Unreachable unless the loop above is wrong.
			panic(err)
		}
		slog.Debug("State transition", "from", state, "to", next)
		state = next
	}

	if state.Phase == Failed {
		report.FailedPhase = fatalErr.(*PhaseError).Phase
		o.finish(ctx, report, results, 0)
		return report, fatalErr
	}
	if !report.Passed {
		return report, ErrScenariosFailed
	}
	return report, nil
}

func (o *Orchestrator) timed(out *PhaseOutcome, fn func() error) error {
	start := time.Now()
	err := fn()
	out.Duration = time.Since(start)
	out.Status = PhaseOK
	if err != nil {
		out.Status = PhaseFailed
		out.Error = err.Error()
	}
	return err
}

// finish completes the report and hands it to every sink.
func (o *Orchestrator) finish(ctx context.Context, report *Report, results []runner.RunResult, scenarios time.Duration) {
	if report.FailedPhase == "" {
		report.Results = results
	}
	report.Duration = time.Since(report.Start)
	report.Passed = report.Succeeded()

	if o.ObservePhase != nil {
		o.ObservePhase(Waiting.String(), report.Readiness.Duration)
		if report.Interfaces.Status != PhaseNotRun {
			o.ObservePhase(InstallingInterfaces.String(), report.Interfaces.Duration)
		}
		if report.FailedPhase == "" {
			o.ObservePhase(RunningScenarios.String(), scenarios)
		}
	}
	if o.ObserveResult != nil {
		for _, r := range report.Results {
			o.ObserveResult(r)
		}
	}

	// Sinks still run when the job deadline has passed.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	for _, s := range o.Sinks {
		if err := s.Publish(pubCtx, report); err != nil {
			slog.Warn("Failed to publish report", "sink", s.Name(), "error", err)
		}
	}
	slog.Info("Run finished", "run_id", report.RunID, "verdict", report.Summary(), "duration", report.Duration.Round(time.Millisecond))
}

// runScenario provisions, configures and runs one scenario. It never fails:
// every problem ends up in the result.
func (o *Orchestrator) runScenario(ctx context.Context, spec scenario.Spec) runner.RunResult {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return runner.RunResult{Scenario: spec.Name, Status: runner.Skipped, Start: start, ExitCode: -1, Error: err.Error()}
	}
	logger := slog.With("scenario", spec.Name)

	dir := filepath.Join(o.Options.RunDir(), spec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runner.RunResult{Scenario: spec.Name, Status: runner.Failed, Start: start, ExitCode: -1, Error: err.Error()}
	}

	id, err := o.Provisioner.Provision(ctx, spec.Name, spec.Credential)
	if err != nil {
		return runner.RunResult{
			Scenario: spec.Name,
			Status:   runner.ProvisionError,
			Start:    start,
			Duration: time.Since(start),
			ExitCode: -1,
			Error:    err.Error(),
		}
	}
	logger.Info("Device provisioned", "device_id", id.DeviceID, "credential", id.Kind())

	cfg := scenario.Render(spec, id, o.Options.Env)
	path := filepath.Join(dir, ConfigFile)
	if err := cfg.Write(path); err != nil {
		return runner.RunResult{Scenario: spec.Name, Status: runner.Failed, Start: start, ExitCode: -1, Error: fmt.Sprintf("writing config: %v", err)}
	}
	if !o.Options.KeepConfigs {
		defer func() {
			if err := os.Remove(path); err != nil {
				logger.Warn("Failed to remove scenario config", "path", path, "error", err)
			}
		}()
	}

	return o.Runner.Run(ctx, spec, path, spec.Mode)
}

// runParallel fills results using up to Parallelism concurrent scenarios.
func (o *Orchestrator) runParallel(ctx context.Context, results []runner.RunResult) {
	var g errgroup.Group
	g.SetLimit(o.Options.Parallelism)
	for i, spec := range o.Options.Specs {
		g.Go(func() error {
			results[i] = o.runScenario(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()
}
