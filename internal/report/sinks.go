package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"devicecheck/internal/db"
	"devicecheck/internal/metrics"
	"devicecheck/internal/notify"
	"devicecheck/internal/orchestrator"
)

// JSONFile is the name of the machine readable report in the run directory.
const JSONFile = "report.json"

// TerminalSink prints the report table.
type TerminalSink struct {
	Out     io.Writer
	NoColor bool
}

func (s *TerminalSink) Name() string { return "terminal" }

func (s *TerminalSink) Publish(_ context.Context, r *orchestrator.Report) error {
	return Render(s.Out, r, s.NoColor)
}

// JSONFileSink writes report.json into Dir/<run id>.
type JSONFileSink struct {
	Dir string
}

func (s *JSONFileSink) Name() string { return "json" }

// Path returns where the report of runID is written.
func (s *JSONFileSink) Path(runID string) string {
	return filepath.Join(s.Dir, runID, JSONFile)
}

func (s *JSONFileSink) Publish(_ context.Context, r *orchestrator.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	path := s.Path(r.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadJSON loads a report written by JSONFileSink.
func ReadJSON(path string) (*orchestrator.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r orchestrator.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &r, nil
}

// HistorySink appends the run to the history store.
type HistorySink struct {
	Store db.Store
}

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) Publish(ctx context.Context, r *orchestrator.Report) error {
	return s.Store.SaveRun(ctx, ToRun(r))
}

// ToRun converts a report to its stored form.
func ToRun(r *orchestrator.Report) db.Run {
	run := db.Run{
		RunID:       r.RunID,
		Realm:       r.Realm,
		Start:       r.Start,
		Duration:    r.Duration,
		Passed:      r.Passed,
		FailedPhase: r.FailedPhase,
	}
	for _, res := range r.Results {
		run.Results = append(run.Results, db.Result{
			Scenario: res.Scenario,
			Status:   string(res.Status),
			ExitCode: res.ExitCode,
			Duration: res.Duration,
			Error:    res.Error,
		})
	}
	return run
}

// SlackSink posts a short verdict to Slack.
type SlackSink struct {
	Notifier notify.Notifier
	// OnlyFailures suppresses messages for passing runs.
	OnlyFailures bool
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Publish(ctx context.Context, r *orchestrator.Report) error {
	if s.OnlyFailures && r.Passed {
		return nil
	}
	return s.Notifier.Notify(ctx, SlackMessage(r))
}

// SlackMessage formats the verdict in Slack mrkdwn.
func SlackMessage(r *orchestrator.Report) string {
	icon := ":white_check_mark:"
	if !r.Passed {
		icon = ":x:"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *devicecheck* `%s` on realm `%s`: %s", icon, r.RunID, r.Realm, r.Summary())
	if r.FailedPhase != "" {
		fmt.Fprintf(&b, "\nfailed phase: *%s*", r.FailedPhase)
	}
	if failed := r.FailedScenarios(); len(failed) > 0 {
		fmt.Fprintf(&b, "\nfailed scenarios: %s", strings.Join(failed, ", "))
	}
	return b.String()
}

// PushSink sends the run metrics to a Pushgateway.
type PushSink struct {
	Metrics *metrics.Metrics
	URL     string
	Job     string
}

func (s *PushSink) Name() string { return "pushgateway" }

func (s *PushSink) Publish(ctx context.Context, r *orchestrator.Report) error {
	s.Metrics.SetRunPassed(r.Passed)
	job := s.Job
	if job == "" {
		job = "devicecheck"
	}
	return s.Metrics.Push(ctx, s.URL, job, map[string]string{"realm": r.Realm})
}

// StepSummarySink appends the markdown report to a file such as
// $GITHUB_STEP_SUMMARY.
type StepSummarySink struct {
	Path string
}

func (s *StepSummarySink) Name() string { return "step-summary" }

func (s *StepSummarySink) Publish(_ context.Context, r *orchestrator.Report) error {
	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, Markdown(r)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
