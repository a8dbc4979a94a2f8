package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"devicecheck/internal/scenario"
)

// OutputFile is the name of the captured output next to the scenario config.
const OutputFile = "output.log"

// Runner runs one scenario at a time through an Executor. It is safe for
// concurrent use when the Executor is.
type Runner struct {
	Executor Executor
}

// Run executes spec with the configuration at configPath. Failures of the
// scenario itself are recorded in the result, never returned.
func (r *Runner) Run(ctx context.Context, spec scenario.Spec, configPath string, mode scenario.Mode) RunResult {
	res := RunResult{
		Scenario:   spec.Name,
		Start:      time.Now(),
		OutputPath: filepath.Join(filepath.Dir(configPath), OutputFile),
		ExitCode:   -1,
	}
	logger := slog.With("scenario", spec.Name, "mode", mode)

	finish := func(status Status, err error) RunResult {
		res.Status = status
		res.Duration = time.Since(res.Start)
		if err != nil {
			res.Error = err.Error()
		}
		if status == Passed {
			logger.Info("Scenario passed", "duration", res.Duration.Round(time.Millisecond))
		} else {
			logger.Warn("Scenario failed", "exit_code", res.ExitCode, "error", res.Error, "output", res.OutputPath)
		}
		return res
	}

	out, err := os.Create(res.OutputPath)
	if err != nil {
		return finish(Failed, fmt.Errorf("creating output file: %w", err))
	}
	defer out.Close()

	inv := Invocation{Spec: spec, Mode: mode, ConfigPath: configPath}
	if b, ok := r.Executor.(Builder); ok && mode == scenario.Build {
		logger.Info("Building scenario")
		if err := b.Build(ctx, spec, out); err != nil {
			var buildErr *BuildError
			if errors.As(err, &buildErr) {
				res.ExitCode = buildErr.ExitCode
			}
			if ctx.Err() != nil {
				return finish(Failed, fmt.Errorf("interrupted: %w", ctx.Err()))
			}
			return finish(Failed, err)
		}
		inv.Mode = scenario.Prebuilt
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	logger.Info("Running scenario", "timeout", spec.Timeout)
	code, err := r.Executor.Execute(runCtx, inv, out)
	res.ExitCode = code

	var buildErr *BuildError
	switch {
	case ctx.Err() != nil:
		return finish(Failed, fmt.Errorf("interrupted: %w", ctx.Err()))
	case errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil:
		return finish(Failed, fmt.Errorf("timed out after %s", spec.Timeout))
	case errors.As(err, &buildErr):
		return finish(Failed, buildErr)
	case err != nil:
		return finish(Failed, err)
	case code != 0:
		return finish(Failed, fmt.Errorf("exited with status %d", code))
	default:
		return finish(Passed, nil)
	}
}
