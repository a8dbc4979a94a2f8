package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"devicecheck/internal/astarte"
	"devicecheck/internal/config"
	"devicecheck/internal/db"
	"devicecheck/internal/docker"
	"devicecheck/internal/health"
	"devicecheck/internal/identity"
	"devicecheck/internal/iface"
	"devicecheck/internal/k8s"
	"devicecheck/internal/metrics"
	"devicecheck/internal/notify"
	"devicecheck/internal/orchestrator"
	"devicecheck/internal/report"
	"devicecheck/internal/runner"
)

// app holds the collaborators of one invocation.
type app struct {
	Settings    config.Settings
	Metrics     *metrics.Metrics
	Waiter      orchestrator.ReadinessWaiter
	Installer   *iface.Installer
	Provisioner orchestrator.Provisioner
	Runner      orchestrator.ScenarioRunner

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Debug("close failed", "error", err)
		}
	}
}

// newApp and newReadiness are replaced in tests.
var (
	newApp       = buildApp
	newReadiness = buildReadiness
)

func buildApp(ctx context.Context, s config.Settings) (*app, error) {
	m := metrics.New()
	a := &app{Settings: s, Metrics: m}

	_, waiter, err := newReadiness(s, m)
	if err != nil {
		return nil, err
	}
	a.Waiter = waiter

	signer, err := astarte.LoadTokenSigner(s.PrivateKeyPath, s.TokenTTL)
	if err != nil {
		return nil, err
	}
	client := astarte.NewClient(s.APIURL(), s.Realm, signer, m.InstrumentTransport(nil))

	a.Installer = &iface.Installer{
		Registry: client,
		Observe: func(action iface.Action) {
			m.InterfacesSynced.WithLabelValues(string(action)).Inc()
		},
	}

	a.Provisioner = &identity.Provisioner{
		Registrar: client,
		Tokens:    signer,
		Scope:     s.PairingScope,
		Observe: func(kind identity.Kind, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.ProvisionedDevices.WithLabelValues(string(kind), result).Inc()
		},
	}

	exec, err := a.newExecutor(s)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Runner = &runner.Runner{Executor: exec}
	return a, nil
}

// buildReadiness builds the health checker and its waiter. Health endpoints
// are unauthenticated, so neither the realm key nor a docker daemon is needed.
func buildReadiness(s config.Settings, m *metrics.Metrics) (health.Checker, orchestrator.ReadinessWaiter, error) {
	client := astarte.NewClient(s.APIURL(), s.Realm, nil, m.InstrumentTransport(nil))
	checker, err := newChecker(s, client)
	if err != nil {
		return nil, nil, err
	}
	return checker, &health.Waiter{Checker: checker, Interval: s.Health.Interval, Observe: m.ObservePoll}, nil
}

func newChecker(s config.Settings, client *astarte.Client) (health.Checker, error) {
	api := &astarte.HealthChecker{Client: client, Services: s.Health.Services}
	cluster := func() (health.Checker, error) {
		c, err := k8s.NewClient(s.Health.K8sConfig, s.Health.K8sNamespace, s.Health.K8sDeployment)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		return c, nil
	}

	switch s.Health.Mode {
	case "", "http":
		return api, nil
	case "k8s":
		return cluster()
	case "both":
		c, err := cluster()
		if err != nil {
			return nil, err
		}
		return health.All(c, api), nil
	default:
		return nil, fmt.Errorf("unknown health mode %q", s.Health.Mode)
	}
}

func (a *app) newExecutor(s config.Settings) (runner.Executor, error) {
	switch s.Executor {
	case "", "local":
		return &runner.LocalExecutor{SDKDir: s.SDK.Dir, TargetDir: s.SDK.TargetDir, Cargo: s.SDK.Cargo}, nil
	case "docker":
		if s.Docker.Image == "" {
			return nil, fmt.Errorf("docker executor needs docker.image")
		}
		cli, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cli.Close)
		return &runner.DockerExecutor{Client: cli, Image: s.Docker.Image, Platform: s.Docker.Platform}, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", s.Executor)
	}
}

// sinks builds the report sinks enabled by the settings. A sink that cannot be
// built is skipped with a warning so reporting never blocks a run.
func (a *app) sinks(ctx context.Context, out io.Writer) []orchestrator.Sink {
	s := a.Settings
	sinks := []orchestrator.Sink{
		&report.TerminalSink{Out: out, NoColor: s.NoColor},
		&report.JSONFileSink{Dir: s.WorkDir},
	}

	if s.HistoryPath != "" {
		store, err := db.NewSQLiteStore(s.HistoryPath)
		if err != nil {
			slog.Warn("History disabled", "path", s.HistoryPath, "error", err)
		} else {
			a.closers = append(a.closers, store.Close)
			sinks = append(sinks, &report.HistorySink{Store: store})
		}
	}

	if s.Slack.Enabled {
		var n *notify.SlackNotifier
		if hook := os.Getenv("SLACK_WEBHOOK_URL"); hook != "" {
			n = notify.NewSlackWebhookNotifier(hook)
		} else {
			n = notify.NewSlackNotifier(s.Slack.Token, s.Slack.Channel)
		}
		sinks = append(sinks, &report.SlackSink{Notifier: n, OnlyFailures: s.Slack.OnlyFailures})
	}

	if s.PushGateway != "" {
		sinks = append(sinks, &report.PushSink{Metrics: a.Metrics, URL: s.PushGateway, Job: s.MetricsJob})
	}

	if s.ReportS3.Bucket != "" {
		s3Sink, err := report.NewS3Sink(ctx, s.ReportS3.Region, s.ReportS3.Bucket, s.ReportS3.Prefix)
		if err != nil {
			slog.Warn("S3 upload disabled", "bucket", s.ReportS3.Bucket, "error", err)
		} else {
			sinks = append(sinks, s3Sink)
		}
	}

	if path := os.Getenv("GITHUB_STEP_SUMMARY"); path != "" {
		sinks = append(sinks, &report.StepSummarySink{Path: path})
	}
	return sinks
}
