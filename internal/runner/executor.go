package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"devicecheck/internal/docker"
	"devicecheck/internal/scenario"
)

// Invocation is one scenario program execution.
type Invocation struct {
	Spec       scenario.Spec
	Mode       scenario.Mode
	ConfigPath string
}

// Args returns the program arguments: the config flag followed by the
// scenario's own arguments.
func (inv Invocation) Args(configPath string) []string {
	return append([]string{"--config", configPath}, inv.Spec.Args...)
}

// Executor runs a scenario program, writing combined output to out, and
// returns its exit code. A non-nil error means the program could not be run
// to completion.
type Executor interface {
	Execute(ctx context.Context, inv Invocation, out io.Writer) (int, error)
}

// Builder is implemented by executors that can compile a program ahead of
// running it. Runner calls Build outside the scenario timeout.
type Builder interface {
	Build(ctx context.Context, spec scenario.Spec, out io.Writer) error
}

// BuildError reports a failed compilation in build mode.
type BuildError struct {
	Program  string
	ExitCode int
	Err      error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build of %s failed: %v", e.Program, e.Err)
	}
	return fmt.Sprintf("build of %s failed with exit code %d", e.Program, e.ExitCode)
}

func (e *BuildError) Unwrap() error { return e.Err }

// LocalExecutor builds with cargo and runs artifacts on the host.
type LocalExecutor struct {
	SDKDir    string
	TargetDir string
	Cargo     string
}

// ArtifactPath returns where the compiled program is expected.
func (l *LocalExecutor) ArtifactPath(program string) string {
	target := l.TargetDir
	if target == "" {
		target = "target"
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(l.SDKDir, target)
	}
	return filepath.Join(target, "debug", "examples", program)
}

// BuildArgs returns the cargo arguments compiling spec.
func BuildArgs(spec scenario.Spec) []string {
	args := []string{"build", "--example", spec.Program()}
	if len(spec.Features) > 0 {
		args = append(args, "--features", strings.Join(spec.Features, ","))
	}
	return args
}

// Build compiles the scenario program with its features in SDKDir.
func (l *LocalExecutor) Build(ctx context.Context, spec scenario.Spec, out io.Writer) error {
	cargo := l.Cargo
	if cargo == "" {
		cargo = "cargo"
	}
	fmt.Fprintf(out, "$ %s %s\n", cargo, strings.Join(BuildArgs(spec), " "))
	code, err := l.command(ctx, cargo, BuildArgs(spec), out)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil || code != 0 {
		return &BuildError{Program: spec.Program(), ExitCode: code, Err: err}
	}
	return nil
}

func (l *LocalExecutor) Execute(ctx context.Context, inv Invocation, out io.Writer) (int, error) {
	if inv.Mode == scenario.Build {
		if err := l.Build(ctx, inv.Spec, out); err != nil {
			var buildErr *BuildError
			if errors.As(err, &buildErr) {
				return buildErr.ExitCode, err
			}
			return -1, err
		}
	}

	// The child runs in SDKDir, so a relative path would resolve twice.
	artifact, err := filepath.Abs(l.ArtifactPath(inv.Spec.Program()))
	if err != nil {
		return -1, err
	}
	if _, err := os.Stat(artifact); err != nil {
		return -1, fmt.Errorf("scenario program not found: %w", err)
	}
	configPath, err := filepath.Abs(inv.ConfigPath)
	if err != nil {
		return -1, err
	}
	return l.command(ctx, artifact, inv.Args(configPath), out)
}

func (l *LocalExecutor) command(ctx context.Context, name string, args []string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = l.SDKDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// ContainerRunner is the part of the docker client the executor needs.
type ContainerRunner interface {
	Run(ctx context.Context, spec docker.RunSpec, out io.Writer) (int, error)
}

// DockerExecutor runs scenario programs in a container image holding the SDK
// sources and prebuilt examples. The scenario directory is mounted at /scenario.
type DockerExecutor struct {
	Client   ContainerRunner
	Image    string
	Platform string
}

const containerScenarioDir = "/scenario"

func (d *DockerExecutor) Execute(ctx context.Context, inv Invocation, out io.Writer) (int, error) {
	dir, err := filepath.Abs(filepath.Dir(inv.ConfigPath))
	if err != nil {
		return -1, err
	}
	cfg := containerScenarioDir + "/" + filepath.Base(inv.ConfigPath)

	var cmd []string
	if inv.Mode == scenario.Build {
		cmd = append([]string{"cargo", "run"}, BuildArgs(inv.Spec)[1:]...)
		cmd = append(cmd, "--")
		cmd = append(cmd, inv.Args(cfg)...)
	} else {
		cmd = append([]string{inv.Spec.Program()}, inv.Args(cfg)...)
	}

	return d.Client.Run(ctx, docker.RunSpec{
		Image:    d.Image,
		Platform: d.Platform,
		Cmd:      cmd,
		Binds:    []string{dir + ":" + containerScenarioDir},
	}, out)
}
