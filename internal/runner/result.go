// Package runner executes scenario programs and records their outcome.
package runner

import "time"

// Status is the outcome of one scenario.
type Status string

const (
	Passed         Status = "passed"
	Failed         Status = "failed"
	ProvisionError Status = "provision_error"
	Skipped        Status = "skipped"
)

// RunResult is the record of one scenario attempt.
type RunResult struct {
	Scenario   string        `json:"scenario"`
	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Start      time.Time     `json:"start"`
	Duration   time.Duration `json:"duration"`
	OutputPath string        `json:"output_path,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// OK reports whether the scenario passed.
func (r RunResult) OK() bool {
	return r.Status == Passed
}
