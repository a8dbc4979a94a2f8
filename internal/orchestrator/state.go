package orchestrator

import (
	"fmt"

	"devicecheck/internal/runner"
)

// Phase is a step of a run.
type Phase int

const (
	Init Phase = iota
	Waiting
	InstallingInterfaces
	RunningScenarios
	Reporting
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Waiting:
		return "readiness"
	case InstallingInterfaces:
		return "interfaces"
	case RunningScenarios:
		return "scenarios"
	case Reporting:
		return "reporting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the current phase plus, while running scenarios, the index of
// the next scenario.
type State struct {
	Phase Phase
	Index int
}

func (s State) String() string {
	if s.Phase == RunningScenarios {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Index)
	}
	return s.Phase.String()
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s.Phase == Done || s.Phase == Failed
}

// event is the outcome of the work done in a state.
type event interface{ isEvent() }

type (
	started       struct{}
	readinessDone struct{ err error }
	installDone   struct{ err error }
	scenarioDone  struct{ result runner.RunResult }
	reportingDone struct{}
)

func (started) isEvent()       {}
func (readinessDone) isEvent() {}
func (installDone) isEvent()   {}
func (scenarioDone) isEvent()  {}
func (reportingDone) isEvent() {}

// transition returns the state following s after ev. Only the readiness and
// install events carry an error, so a scenario outcome can never move the
// machine to Failed. total is the number of scenarios.
func transition(s State, ev event, total int) (State, error) {
	switch e := ev.(type) {
	case started:
		if s.Phase == Init {
			return State{Phase: Waiting}, nil
		}
	case readinessDone:
		if s.Phase == Waiting {
			if e.err != nil {
				return State{Phase: Failed}, nil
			}
			return State{Phase: InstallingInterfaces}, nil
		}
	case installDone:
		if s.Phase == InstallingInterfaces {
			if e.err != nil {
				return State{Phase: Failed}, nil
			}
			return firstScenario(total), nil
		}
	case scenarioDone:
		if s.Phase == RunningScenarios {
			if s.Index+1 >= total {
				return State{Phase: Reporting}, nil
			}
			return State{Phase: RunningScenarios, Index: s.Index + 1}, nil
		}
	case reportingDone:
		if s.Phase == Reporting {
			return State{Phase: Done}, nil
		}
	}
	return s, fmt.Errorf("invalid event %T in state %s", ev, s)
}

func firstScenario(total int) State {
	if total == 0 {
		return State{Phase: Reporting}
	}
	return State{Phase: RunningScenarios}
}
