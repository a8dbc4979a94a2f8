package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicecheck/internal/health"
	"devicecheck/internal/identity"
	"devicecheck/internal/iface"
	"devicecheck/internal/runner"
	"devicecheck/internal/scenario"
)

// pollChecker becomes healthy on the given poll.
type pollChecker struct {
	polls     atomic.Int32
	healthyOn int32
}

func (c *pollChecker) CheckHealthy(context.Context) (bool, error) {
	n := c.polls.Add(1)
	return c.healthyOn > 0 && n >= c.healthyOn, nil
}

type fakeInstaller struct {
	calls int
	err   error
}

func (f *fakeInstaller) Install(context.Context, []string) (iface.Summary, error) {
	f.calls++
	if f.err != nil {
		return iface.Summary{}, f.err
	}
	return iface.Summary{Created: []string{"org.example.Sensor:0.1"}}, nil
}

type fakeBackend struct {
	mu      sync.Mutex
	devices map[string]int
}

func (b *fakeBackend) RegisterDevice(_ context.Context, id string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[id]++
	return "secret-" + id, nil
}

func (b *fakeBackend) PairingToken(context.Context, string) (string, error) {
	return "pairing-token", nil
}

// scriptedExecutor exits with the configured code per program and records
// the configuration each scenario was given.
type scriptedExecutor struct {
	mu       sync.Mutex
	exits    map[string]int
	order    []string
	configs  map[string]scenario.Config
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (e *scriptedExecutor) Execute(ctx context.Context, inv runner.Invocation, out io.Writer) (int, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	cfg, err := scenario.ReadConfig(inv.ConfigPath)
	if err != nil {
		return -1, err
	}
	e.mu.Lock()
	e.order = append(e.order, inv.Spec.Name)
	e.configs[inv.Spec.Name] = cfg
	code := e.exits[inv.Spec.Name]
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	fmt.Fprintf(out, "%s done\n", inv.Spec.Name)
	return code, nil
}

type recordingSink struct {
	reports []*Report
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, r *Report) error {
	s.reports = append(s.reports, r)
	return s.err
}

type harness struct {
	orch      *Orchestrator
	checker   *pollChecker
	installer *fakeInstaller
	backend   *fakeBackend
	exec      *scriptedExecutor
	sink      *recordingSink
}

func newHarness(t *testing.T, exits map[string]int) *harness {
	t.Helper()
	h := &harness{
		checker:   &pollChecker{healthyOn: 3},
		installer: &fakeInstaller{},
		backend:   &fakeBackend{devices: make(map[string]int)},
		exec:      &scriptedExecutor{exits: exits, configs: make(map[string]scenario.Config)},
		sink:      &recordingSink{err: errors.New("slack is down")},
	}
	h.orch = &Orchestrator{
		Options: Options{
			RunID:          "run-1",
			Env:            scenario.Env{Realm: "test", PairingURL: "http://api.autotest.local/pairing"},
			Specs:          scenario.Catalog(),
			InterfacePaths: []string{"interfaces"},
			HealthDeadline: time.Second,
			WorkDir:        t.TempDir(),
			KeepConfigs:    true,
		},
		Waiter:      &health.Waiter{Checker: h.checker, Interval: time.Millisecond},
		Installer:   h.installer,
		Provisioner: &identity.Provisioner{Registrar: h.backend, Tokens: h.backend, Scope: ".*::.*"},
		Runner:      &runner.Runner{Executor: h.exec},
		Sinks:       []Sink{h.sink},
	}
	return h
}

var catalogOrder = []string{"registration", "retention", "individual_datastream", "object_datastream", "individual_properties"}

func TestRun_AllScenariosPass(t *testing.T) {
	h := newHarness(t, map[string]int{})

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(3), h.checker.polls.Load(), "healthy on the third poll")
	assert.Equal(t, 1, h.installer.calls)
	assert.True(t, report.Passed)
	assert.Equal(t, PhaseOK, report.Readiness.Status)
	assert.Equal(t, PhaseOK, report.Interfaces.Status)
	require.Len(t, report.Results, 5)
	for i, res := range report.Results {
		assert.Equal(t, catalogOrder[i], res.Scenario)
		assert.Equal(t, runner.Passed, res.Status)
	}
	passed, failed := report.Counts()
	assert.Equal(t, 5, passed)
	assert.Zero(t, failed)
	assert.Equal(t, catalogOrder, h.exec.order)

	// A failing sink does not change the outcome.
	require.Len(t, h.sink.reports, 1)
	assert.Same(t, report, h.sink.reports[0])

	reg := h.exec.configs["registration"]
	assert.Equal(t, "test", reg.Realm)
	assert.Equal(t, "pairing-token", reg.PairingToken)
	assert.Empty(t, reg.CredentialsSecret)
	ret := h.exec.configs["retention"]
	assert.Equal(t, "secret-"+ret.DeviceID, ret.CredentialsSecret)
	assert.Empty(t, ret.PairingToken)

	_, err = os.Stat(filepath.Join(h.orch.Options.RunDir(), "run.json"))
	assert.NoError(t, err)
}

func TestRun_ObjectDatastreamFails(t *testing.T) {
	h := newHarness(t, map[string]int{"object_datastream": 1})

	report, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScenariosFailed)
	var pe *PhaseError
	assert.False(t, errors.As(err, &pe), "a scenario failure is not fatal")

	assert.False(t, report.Passed)
	passed, failed := report.Counts()
	assert.Equal(t, 4, passed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"object_datastream"}, report.FailedScenarios())
	assert.Equal(t, 1, report.Results[3].ExitCode)
	assert.Equal(t, runner.Passed, report.Results[4].Status)
	assert.Contains(t, h.exec.order, "individual_properties", "scenarios after the failure still run")
}

func TestRun_FailAtEnd(t *testing.T) {
	h := newHarness(t, map[string]int{"retention": 2})

	report, err := h.orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrScenariosFailed)
	assert.Equal(t, catalogOrder, h.exec.order)
	require.Len(t, report.Results, 5)
	assert.Equal(t, runner.Failed, report.Results[1].Status)
	for _, i := range []int{2, 3, 4} {
		assert.Equal(t, runner.Passed, report.Results[i].Status)
	}
	assert.Contains(t, report.Summary(), "4 passed, 1 failed")
}

func TestRun_ReadinessTimeoutIsFatal(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.checker.healthyOn = 0
	h.orch.Options.HealthDeadline = 30 * time.Millisecond

	report, err := h.orch.Run(context.Background())
	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "readiness", pe.Phase)
	assert.ErrorIs(t, err, health.ErrReadinessTimeout)

	assert.Equal(t, "readiness", report.FailedPhase)
	assert.Equal(t, PhaseFailed, report.Readiness.Status)
	assert.Equal(t, PhaseNotRun, report.Interfaces.Status)
	assert.Zero(t, h.installer.calls)
	assert.Empty(t, h.exec.order)
	assert.False(t, report.Passed)
	assert.Len(t, h.sink.reports, 1, "partial report is still published")
}

func TestRun_InstallErrorIsFatal(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.installer.err = &iface.InstallError{Interface: "org.example.Sensor:0.1", Err: errors.New("rejected")}

	report, err := h.orch.Run(context.Background())
	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "interfaces", pe.Phase)
	var ie *iface.InstallError
	assert.True(t, errors.As(err, &ie))
	assert.Empty(t, h.exec.order, "no scenario runs without interfaces")
	assert.Empty(t, h.backend.devices)
	assert.Empty(t, report.Results)
}

type flakyProvisioner struct {
	Provisioner
	failFor string
}

func (f *flakyProvisioner) Provision(ctx context.Context, name string, kind identity.Kind) (identity.Identity, error) {
	if name == f.failFor {
		return identity.Identity{}, &identity.ProvisionError{Scenario: name, Kind: kind, Op: "register", Err: errors.New("503")}
	}
	return f.Provisioner.Provision(ctx, name, kind)
}

func TestRun_ProvisionErrorIsScenarioFatal(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.orch.Provisioner = &flakyProvisioner{Provisioner: h.orch.Provisioner, failFor: "individual_datastream"}

	report, err := h.orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrScenariosFailed)
	assert.Equal(t, runner.ProvisionError, report.Results[2].Status)
	assert.Contains(t, report.Results[2].Error, "503")
	assert.NotContains(t, h.exec.order, "individual_datastream")
	assert.Len(t, h.exec.order, 4)
}

func TestRun_UniqueIdentities(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.orch.Options.Parallelism = 5
	h.exec.delay = 20 * time.Millisecond

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Greater(t, h.exec.maxSeen.Load(), int32(1), "scenarios overlapped")

	seen := make(map[string]string)
	for name, cfg := range h.exec.configs {
		other, dup := seen[cfg.DeviceID]
		assert.False(t, dup, "%s and %s share device id", name, other)
		seen[cfg.DeviceID] = name
	}
	assert.Len(t, seen, 5)
	for id, n := range h.backend.devices {
		assert.Equal(t, 1, n, "device %s registered once", id)
	}
	for i, res := range report.Results {
		assert.Equal(t, catalogOrder[i], res.Scenario, "results keep catalog order")
	}
}

func TestRun_JobDeadlineSkipsRemaining(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.exec.delay = time.Second
	h.orch.Options.Specs = scenario.Apply(scenario.Catalog(), scenario.Overrides{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := h.orch.Run(ctx)
	assert.Less(t, time.Since(start), 2*time.Second, "must not hang past the job deadline")
	assert.ErrorIs(t, err, ErrScenariosFailed)
	require.Len(t, report.Results, 5)
	assert.Equal(t, runner.Failed, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "interrupted")
	for _, res := range report.Results[1:] {
		assert.Equal(t, runner.Skipped, res.Status)
	}
	assert.Len(t, h.sink.reports, 1)
}

func TestRun_ConfigsRemovedAfterRun(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.orch.Options.KeepConfigs = false

	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	for _, name := range catalogOrder {
		dir := filepath.Join(h.orch.Options.RunDir(), name)
		_, err := os.Stat(filepath.Join(dir, ConfigFile))
		assert.True(t, os.IsNotExist(err), name)
		_, err = os.Stat(filepath.Join(dir, runner.OutputFile))
		assert.NoError(t, err, name)
	}
}

func TestRun_NoScenarios(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.orch.Options.Specs = nil

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Results)
}

func TestRun_ObservePhase(t *testing.T) {
	h := newHarness(t, map[string]int{})
	phases := map[string]bool{}
	h.orch.ObservePhase = func(p string, _ time.Duration) { phases[p] = true }

	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"readiness": true, "interfaces": true, "scenarios": true}, phases)
}

func TestRun_ObserveResultSeesEveryStatus(t *testing.T) {
	t.Run("provision error", func(t *testing.T) {
		h := newHarness(t, map[string]int{"retention": 1})
		h.orch.Provisioner = &flakyProvisioner{Provisioner: h.orch.Provisioner, failFor: "individual_datastream"}
		seen := map[runner.Status]int{}
		h.orch.ObserveResult = func(r runner.RunResult) { seen[r.Status]++ }

		_, err := h.orch.Run(context.Background())
		assert.ErrorIs(t, err, ErrScenariosFailed)
		assert.Equal(t, map[runner.Status]int{runner.Passed: 3, runner.Failed: 1, runner.ProvisionError: 1}, seen)
	})

	t.Run("skipped after job deadline", func(t *testing.T) {
		h := newHarness(t, map[string]int{})
		h.exec.delay = time.Second
		h.orch.Options.Specs = scenario.Apply(scenario.Catalog(), scenario.Overrides{})
		seen := map[runner.Status]int{}
		h.orch.ObserveResult = func(r runner.RunResult) { seen[r.Status]++ }

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := h.orch.Run(ctx)
		assert.ErrorIs(t, err, ErrScenariosFailed)
		assert.Equal(t, map[runner.Status]int{runner.Failed: 1, runner.Skipped: 4}, seen)
	})

	t.Run("fatal phase observes nothing", func(t *testing.T) {
		h := newHarness(t, map[string]int{})
		h.orch.Options.HealthDeadline = 5 * time.Millisecond
		h.checker.healthyOn = 0
		var calls int
		h.orch.ObserveResult = func(runner.RunResult) { calls++ }
		phases := map[string]bool{}
		h.orch.ObservePhase = func(p string, _ time.Duration) { phases[p] = true }

		_, err := h.orch.Run(context.Background())
		var phaseErr *PhaseError
		require.ErrorAs(t, err, &phaseErr)
		assert.Zero(t, calls)
		assert.Equal(t, map[string]bool{"readiness": true}, phases)
	})
}

func TestRun_ParallelScenariosPhaseIsWallTime(t *testing.T) {
	h := newHarness(t, map[string]int{})
	h.orch.Options.Parallelism = 5
	h.exec.delay = 100 * time.Millisecond
	var phase time.Duration
	h.orch.ObservePhase = func(p string, d time.Duration) {
		if p == "scenarios" {
			phase = d
		}
	}

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	var sum time.Duration
	for _, r := range report.Results {
		sum += r.Duration
	}
	assert.GreaterOrEqual(t, phase, 100*time.Millisecond)
	assert.Less(t, phase, sum)
}
