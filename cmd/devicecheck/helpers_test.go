package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"devicecheck/internal/config"
	"devicecheck/internal/health"
	"devicecheck/internal/identity"
	"devicecheck/internal/iface"
	"devicecheck/internal/metrics"
	"devicecheck/internal/orchestrator"
	"devicecheck/internal/runner"
	"devicecheck/internal/scenario"
)

// executeCommand executes a cobra command and returns its output.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	oldExit := exit
	exit = func(code int) {
		if code != 0 {
			panic(fmt.Sprintf("exit-%d", code))
		}
	}
	defer func() { exit = oldExit }()

	root.SetArgs(args)
	b := new(bytes.Buffer)
	root.SetOut(b)
	root.SetErr(b)
	err := root.Execute()
	return b.String(), err
}

// resetFlags resets all flags to their default values.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// isolate points every on-disk location at a temp dir and disables the
// optional sinks.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DEVICECHECK_WORKDIR", dir+"/runs")
	t.Setenv("DEVICECHECK_HISTORY_PATH", dir+"/history.db")
	t.Setenv("DEVICECHECK_NOTIFICATIONS_SLACK_ENABLED", "false")
	t.Setenv("DEVICECHECK_METRICS_PUSHGATEWAY", "")
	t.Setenv("DEVICECHECK_REPORT_S3_BUCKET", "")
	t.Setenv("DEVICECHECK_NO_COLOR", "true")
	t.Setenv("GITHUB_STEP_SUMMARY", "")
	return dir
}

type fakeWaiter struct {
	err   error
	calls int
}

func (f *fakeWaiter) WaitHealthy(context.Context, time.Duration) error {
	f.calls++
	return f.err
}

type fakeProvisioner struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeProvisioner) Provision(_ context.Context, name string, kind identity.Kind) (identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := identity.Identity{DeviceID: fmt.Sprintf("device-%d", len(f.ids))}
	f.ids = append(f.ids, id.DeviceID)
	if kind == identity.PairingToken {
		id.PairingToken = "token-" + name
	} else {
		id.CredentialsSecret = "secret-" + name
	}
	return id, nil
}

type fakeRunner struct {
	mu   sync.Mutex
	fail map[string]bool
	ran  []string
}

func (f *fakeRunner) Run(_ context.Context, spec scenario.Spec, _ string, _ scenario.Mode) runner.RunResult {
	f.mu.Lock()
	f.ran = append(f.ran, spec.Name)
	f.mu.Unlock()
	if f.fail[spec.Name] {
		return runner.RunResult{Scenario: spec.Name, Status: runner.Failed, ExitCode: 1, Error: "exited with status 1"}
	}
	return runner.RunResult{Scenario: spec.Name, Status: runner.Passed, Duration: time.Second}
}

type memRegistry struct {
	mu   sync.Mutex
	defs map[string]map[int]iface.Definition
}

func newMemRegistry() *memRegistry {
	return &memRegistry{defs: map[string]map[int]iface.Definition{}}
}

func (r *memRegistry) ListInterfaces(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (r *memRegistry) InterfaceVersions(_ context.Context, name string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var majors []int
	for m := range r.defs[name] {
		majors = append(majors, m)
	}
	if len(majors) == 0 {
		return nil, iface.ErrNotFound
	}
	sort.Ints(majors)
	return majors, nil
}

func (r *memRegistry) GetInterface(_ context.Context, name string, major int) (iface.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[name][major]
	if !ok {
		return iface.Definition{}, iface.ErrNotFound
	}
	return d, nil
}

func (r *memRegistry) CreateInterface(_ context.Context, def iface.Definition) error {
	return r.put(def)
}

func (r *memRegistry) UpdateInterface(_ context.Context, def iface.Definition) error {
	return r.put(def)
}

func (r *memRegistry) put(def iface.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defs[def.Name] == nil {
		r.defs[def.Name] = map[int]iface.Definition{}
	}
	r.defs[def.Name][def.Major] = def
	return nil
}

// fakeEnv replaces newApp with fakes for the duration of the test.
type fakeEnv struct {
	waiter      *fakeWaiter
	registry    *memRegistry
	provisioner *fakeProvisioner
	runner      *fakeRunner
	healthy     bool
	settings    config.Settings
}

func withFakeApp(t *testing.T) *fakeEnv {
	t.Helper()
	env := &fakeEnv{
		waiter:      &fakeWaiter{},
		registry:    newMemRegistry(),
		provisioner: &fakeProvisioner{},
		runner:      &fakeRunner{fail: map[string]bool{}},
	}
	origApp, origReadiness := newApp, newReadiness
	t.Cleanup(func() { newApp, newReadiness = origApp, origReadiness })
	newReadiness = func(s config.Settings, _ *metrics.Metrics) (health.Checker, orchestrator.ReadinessWaiter, error) {
		env.settings = s
		checker := health.CheckerFunc(func(context.Context) (bool, error) {
			return env.healthy, nil
		})
		return checker, env.waiter, nil
	}
	newApp = func(_ context.Context, s config.Settings) (*app, error) {
		env.settings = s
		return &app{
			Settings:    s,
			Metrics:     metrics.New(),
			Waiter:      env.waiter,
			Installer:   &iface.Installer{Registry: env.registry},
			Provisioner: env.provisioner,
			Runner:      env.runner,
		}, nil
	}
	return env
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}
