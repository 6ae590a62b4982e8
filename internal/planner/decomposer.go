// Package planner turns a goal into sub-missions, either by asking a
// completion model or by loading a mission file.
package planner

import (
	"context"
	"fmt"

	"missionctl/internal/logger"
	"missionctl/internal/mission"
	"missionctl/internal/resolver"
)

// Completer is the text-completion capability decomposition relies on.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

const DefaultEstimatedCost = 1.0

type Decomposer struct {
	llm Completer
	// DefaultCost is used for missions that omit estimated_cost and for the
	// fallback mission.
	DefaultCost float64
}

func NewDecomposer(llm Completer) *Decomposer {
	return &Decomposer{llm: llm, DefaultCost: DefaultEstimatedCost}
}

// Decompose asks the model for a mission list. Any completion, parse or
// schema failure falls back to a single mission wrapping the goal. Only a
// dependency error in an otherwise valid response is returned.
func (d *Decomposer) Decompose(ctx context.Context, goal, initialContext string) ([]mission.SubMission, error) {
	if d.llm == nil {
		logger.Log.Warnf("[Planner] no completion model configured, using a single mission")
		return []mission.SubMission{d.Fallback(goal)}, nil
	}

	text, err := d.llm.Complete(ctx, buildDecomposePrompt(goal, initialContext))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("decomposition cancelled: %w", ctx.Err())
		}
		logger.Log.Warnf("[Planner] completion failed, falling back to a single mission: %v", err)
		return []mission.SubMission{d.Fallback(goal)}, nil
	}

	res := Parse(text, d.DefaultCost)
	if res.Status != ParseOK {
		logger.Log.Warnf("[Planner] %s, falling back to a single mission: %v", res.Status, res.Err)
		return []mission.SubMission{d.Fallback(goal)}, nil
	}

	if err := ValidateDependencies(res.Missions); err != nil {
		return nil, fmt.Errorf("decomposition rejected: %w", err)
	}
	logger.Log.Infof("[Planner] goal decomposed into %d missions", len(res.Missions))
	return res.Missions, nil
}

// Fallback wraps the whole goal verbatim as one general mission.
func (d *Decomposer) Fallback(goal string) mission.SubMission {
	return mission.SubMission{
		ID:              "mission_1",
		Type:            mission.DefaultType,
		Goal:            goal,
		Requirements:    []string{},
		SuccessCriteria: []string{},
		Dependencies:    []string{},
		Priority:        mission.DefaultPriority,
		EstimatedCost:   d.DefaultCost,
	}
}

// ValidateDependencies applies the resolver's existence and self-reference
// checks before missions are handed on.
func ValidateDependencies(missions []mission.SubMission) error {
	return resolver.Validate(missions)
}
