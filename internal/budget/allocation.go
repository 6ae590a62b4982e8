package budget

import (
	"errors"
	"time"
)

var (
	ErrEntityNotFound = errors.New("budget entity not found")
	ErrEntityExists   = errors.New("budget entity already allocated")
	ErrWrongLevel     = errors.New("parent allocation is not at the expected level")
	ErrInactive       = errors.New("budget entity is inactive")
	ErrInsufficient   = errors.New("insufficient budget")
)

type Level int

const (
	LevelSession Level = iota
	LevelMission
	LevelRole
	LevelAction
)

func (l Level) String() string {
	switch l {
	case LevelSession:
		return "session"
	case LevelMission:
		return "mission"
	case LevelRole:
		return "role"
	case LevelAction:
		return "action"
	default:
		return "unknown"
	}
}

// Allocation is one node of the Session -> Mission -> Role -> Action ledger.
// Allocations are never removed; exhausted ones become inactive.
type Allocation struct {
	Level              Level          `json:"level"`
	EntityID           string         `json:"entity_id"`
	ParentID           string         `json:"parent_id,omitempty"`
	TotalBudget        float64        `json:"total_budget"`
	AllocatedBudget    float64        `json:"allocated_budget"`
	ConsumedBudget     float64        `json:"consumed_budget"`
	Priority           int            `json:"priority"`
	StartTime          time.Time      `json:"start_time"`
	Timeout            *time.Duration `json:"timeout,omitempty"`
	IsActive           bool           `json:"is_active"`
	DowngradeTriggered bool           `json:"downgrade_triggered"`
}

func (a Allocation) Remaining() float64 {
	r := a.AllocatedBudget - a.ConsumedBudget
	if r < 0 {
		return 0
	}
	return r
}

func (a Allocation) UsageRatio() float64 {
	if a.AllocatedBudget <= 0 {
		if a.ConsumedBudget > 0 {
			return 1
		}
		return 0
	}
	return a.ConsumedBudget / a.AllocatedBudget
}

func (a Allocation) Expired(now time.Time) bool {
	return a.Timeout != nil && now.Sub(a.StartTime) > *a.Timeout
}

// Summary totals the ledger for display.
type Summary struct {
	SessionBudget   float64 `json:"session_budget"`
	SessionConsumed float64 `json:"session_consumed"`
	Allocations     int     `json:"allocations"`
	Inactive        int     `json:"inactive"`
	Downgraded      int     `json:"downgraded"`
}

// Summarize totals a set of allocations.
func Summarize(allocs []Allocation) Summary {
	var s Summary
	for _, a := range allocs {
		s.Allocations++
		if !a.IsActive {
			s.Inactive++
		}
		if a.DowngradeTriggered {
			s.Downgraded++
		}
		if a.Level == LevelSession {
			s.SessionBudget += a.AllocatedBudget
			s.SessionConsumed += a.ConsumedBudget
		}
	}
	return s
}

// Reallocation reports what reallocate-by-priority did to one mission.
type Reallocation struct {
	EntityID    string  `json:"entity_id"`
	Priority    int     `json:"priority"`
	Previous    float64 `json:"previous"`
	Allocated   float64 `json:"allocated"`
	Deactivated bool    `json:"deactivated"`
}
