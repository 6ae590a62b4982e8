package supervisor

import (
	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/metrics"
	"missionctl/internal/terminal"
)

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// RunResult is everything a finished run leaves behind.
type RunResult struct {
	RunID          string                       `json:"run_id"`
	Goal           string                       `json:"goal"`
	Status         RunStatus                    `json:"status"`
	Reason         string                       `json:"reason,omitempty"`
	Order          []string                     `json:"order"`
	Levels         map[string]int               `json:"levels"`
	TerminalStates []terminal.TerminalState     `json:"terminal_states"`
	Interventions  []LogEntry                   `json:"interventions"`
	Outputs        map[string]map[string]string `json:"outputs"`
	Budget         []budget.Allocation          `json:"budget"`
	BudgetSummary  budget.Summary               `json:"budget_summary"`
	Breakers       map[string]breaker.Stats     `json:"breakers"`
	Metrics        *metrics.RunMetrics          `json:"metrics,omitempty"`
}

func (r *RunResult) abort(reason string) {
	if r.Status == RunAborted {
		return
	}
	r.Status = RunAborted
	r.Reason = reason
}

// LastTerminalState returns the terminal state of the last mission that
// reached one.
func (r *RunResult) LastTerminalState() (terminal.TerminalState, bool) {
	if len(r.TerminalStates) == 0 {
		return terminal.TerminalState{}, false
	}
	return r.TerminalStates[len(r.TerminalStates)-1], true
}

// TerminalState looks up the terminal state of one mission.
func (r *RunResult) TerminalState(missionID string) (terminal.TerminalState, bool) {
	for _, ts := range r.TerminalStates {
		if ts.MissionID == missionID {
			return ts, true
		}
	}
	return terminal.TerminalState{}, false
}
