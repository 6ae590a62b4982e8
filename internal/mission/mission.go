package mission

import "strings"

const (
	DefaultType     = "general"
	DefaultPriority = 5
	MinPriority     = 0
	MaxPriority     = 10
)

type SubMission struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Goal            string   `json:"goal"`
	Requirements    []string `json:"requirements"`
	SuccessCriteria []string `json:"success_criteria"`
	Dependencies    []string `json:"dependencies"`
	Priority        int      `json:"priority"`
	EstimatedCost   float64  `json:"estimated_cost"`
}

// Steps are the trackable units of a mission for checkpointing. A mission
// without requirements is a single step: its goal.
func (m SubMission) Steps() []string {
	if len(m.Requirements) == 0 {
		return []string{m.Goal}
	}
	out := make([]string, len(m.Requirements))
	copy(out, m.Requirements)
	return out
}

// Enhanced returns a copy with the goal and requirements rewritten. ID,
// dependencies and priority are preserved.
func (m SubMission) Enhanced(goal string, requirements []string) SubMission {
	out := m.Clone()
	if strings.TrimSpace(goal) != "" {
		out.Goal = goal
	}
	if requirements != nil {
		out.Requirements = append([]string(nil), requirements...)
	}
	return out
}

func (m SubMission) Clone() SubMission {
	out := m
	out.Requirements = append([]string(nil), m.Requirements...)
	out.SuccessCriteria = append([]string(nil), m.SuccessCriteria...)
	out.Dependencies = append([]string(nil), m.Dependencies...)
	return out
}

func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Role is an executing persona a mission is dispatched to.
type Role struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Task is what the Leader hands the execution capability for one attempt.
type Task struct {
	MissionID       string
	Role            Role
	Description     string
	Requirements    []string
	SuccessCriteria []string
	// DependencyOutputs holds the outputs of completed dependencies, keyed by
	// mission id. It is the only data a mission sees from other missions.
	DependencyOutputs map[string]map[string]string
	// Context carries run-level values such as the initial context and the
	// quality threshold.
	Context map[string]string
}

// Result is the execution capability's structured answer.
type Result struct {
	Success          bool              `json:"success"`
	Outputs          map[string]string `json:"outputs"`
	ValidationPassed bool              `json:"validation_passed"`
	ValidationErrors []string          `json:"validation_errors"`
	// CompletedSteps names the steps finished by this attempt, even when it
	// failed overall.
	CompletedSteps   []string          `json:"completed_steps,omitempty"`
}
