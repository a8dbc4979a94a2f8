package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"devicecheck/internal/iface"
	"devicecheck/internal/runner"
)

// PhaseStatus is the outcome of a run-wide phase.
type PhaseStatus string

const (
	PhaseNotRun PhaseStatus = "not_run"
	PhaseOK     PhaseStatus = "ok"
	PhaseFailed PhaseStatus = "failed"
)

// PhaseOutcome records one run-wide phase.
type PhaseOutcome struct {
	Status   PhaseStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the result of a run. Results are in scenario order.
type Report struct {
	RunID      string             `json:"run_id"`
	Realm      string             `json:"realm"`
	Start      time.Time          `json:"start"`
	Duration   time.Duration      `json:"duration"`
	Readiness  PhaseOutcome       `json:"readiness"`
	Interfaces PhaseOutcome       `json:"interfaces"`
	Installed  iface.Summary      `json:"installed"`
	Results    []runner.RunResult `json:"results"`
	// FailedPhase names the fatal phase that aborted the run, if any.
	FailedPhase string `json:"failed_phase,omitempty"`
	Passed      bool   `json:"passed"`
}

// Succeeded is the conjunction of readiness, interface install and every
// scenario result.
func (r *Report) Succeeded() bool {
	if r.Readiness.Status != PhaseOK || r.Interfaces.Status != PhaseOK {
		return false
	}
	for _, res := range r.Results {
		if !res.OK() {
			return false
		}
	}
	return true
}

// Counts returns the number of passed and not passed scenarios.
func (r *Report) Counts() (passed, failed int) {
	for _, res := range r.Results {
		if res.OK() {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// FailedScenarios returns the names of scenarios that did not pass.
func (r *Report) FailedScenarios() []string {
	var names []string
	for _, res := range r.Results {
		if !res.OK() {
			names = append(names, res.Scenario)
		}
	}
	return names
}

// Summary is a one line verdict.
func (r *Report) Summary() string {
	passed, failed := r.Counts()
	switch {
	case r.FailedPhase != "":
		return fmt.Sprintf("FAILED in phase %s", r.FailedPhase)
	case failed > 0:
		return fmt.Sprintf("FAILED: %d passed, %d failed", passed, failed)
	default:
		return fmt.Sprintf("PASSED: %d scenarios", passed)
	}
}

// PhaseError wraps the error that aborted a run.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrScenariosFailed is returned by Run when every phase completed but at
// least one scenario did not pass.
var ErrScenariosFailed = errors.New("one or more scenarios failed")
