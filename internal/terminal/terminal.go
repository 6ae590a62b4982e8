// Package terminal classifies how a mission ended and derives recovery
// guidance from that classification.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"missionctl/internal/logger"
	"missionctl/internal/store"
)

var ErrNoTerminalState = errors.New("no terminal state recorded")

type StateType string

const (
	Success        StateType = "success"
	PartialSuccess StateType = "partial_success"
	Failed         StateType = "failed"
	Timeout        StateType = "timeout"
	BudgetExceeded StateType = "budget_exceeded"
	Blocked        StateType = "blocked"
	Cancelled      StateType = "cancelled"
)

type TerminalState struct {
	MissionID           string            `json:"mission_id"`
	StateType           StateType         `json:"state_type"`
	CompletionRatio     float64           `json:"completion_ratio"`
	CompletedSteps      []string          `json:"completed_steps"`
	PendingSteps        []string          `json:"pending_steps"`
	FailedSteps         []string          `json:"failed_steps"`
	PartialOutputs      []string          `json:"partial_outputs"`
	Deliverables        map[string]string `json:"deliverables"`
	TerminationReason   string            `json:"termination_reason"`
	ErrorDetails        string            `json:"error_details,omitempty"`
	TotalCost           float64           `json:"total_cost"`
	Duration            time.Duration     `json:"duration"`
	CreatedAt           time.Time         `json:"created_at"`
	RecoverySuggestions []string          `json:"recovery_suggestions"`
}

// Outcome is the raw description of a finished mission handed to Classify.
type Outcome struct {
	MissionID       string
	Type            StateType
	CompletionRatio float64
	CompletedSteps  []string
	PendingSteps    []string
	FailedSteps     []string
	PartialOutputs  []string
	Deliverables    map[string]string
	Reason          string
	Err             error
	Cost            float64
	Duration        time.Duration
}

// PartialDeliverables is the reduced view handed to downstream consumers.
type PartialDeliverables struct {
	MissionID           string            `json:"mission_id"`
	Deliverables        map[string]string `json:"deliverables"`
	PartialOutputs      []string          `json:"partial_outputs"`
	CompletionRatio     float64           `json:"completion_ratio"`
	RecoverySuggestions []string          `json:"recovery_suggestions"`
}

type Config struct {
	// RemainingCostFactor estimates the cost still needed after a budget
	// overrun as a fraction of what was consumed.
	RemainingCostFactor float64
	// ResumeThreshold is the completion ratio above which resuming is
	// suggested over restarting.
	ResumeThreshold float64
}

func DefaultConfig() Config {
	return Config{RemainingCostFactor: 0.5, ResumeThreshold: 0.5}
}

type Manager struct {
	store store.Store
	cfg   Config
	now   func() time.Time

	mu     sync.Mutex
	states []TerminalState
	latest map[string]int
	keys   map[string]struct{}
}

func NewManager(st store.Store, cfg Config) *Manager {
	if st == nil {
		st = store.NewMemoryStore()
	}
	def := DefaultConfig()
	if cfg.RemainingCostFactor <= 0 {
		cfg.RemainingCostFactor = def.RemainingCostFactor
	}
	if cfg.ResumeThreshold <= 0 {
		cfg.ResumeThreshold = def.ResumeThreshold
	}
	return &Manager{store: st, cfg: cfg, now: time.Now, latest: make(map[string]int), keys: make(map[string]struct{})}
}

func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Classify builds a TerminalState without recording it. Recovery
// suggestions are fixed at this point and never change afterwards.
func (m *Manager) Classify(o Outcome) TerminalState {
	ts := TerminalState{
		MissionID:         o.MissionID,
		StateType:         o.Type,
		CompletionRatio:   clamp(o.CompletionRatio),
		CompletedSteps:    cloneOrEmpty(o.CompletedSteps),
		PendingSteps:      cloneOrEmpty(o.PendingSteps),
		FailedSteps:       cloneOrEmpty(o.FailedSteps),
		PartialOutputs:    cloneOrEmpty(o.PartialOutputs),
		Deliverables:      make(map[string]string, len(o.Deliverables)),
		TerminationReason: o.Reason,
		TotalCost:         o.Cost,
		Duration:          o.Duration,
		CreatedAt:         m.now().UTC(),
	}
	for k, v := range o.Deliverables {
		ts.Deliverables[k] = v
	}
	if o.Err != nil {
		ts.ErrorDetails = o.Err.Error()
	}
	ts.RecoverySuggestions = Suggestions(ts, m.cfg)
	return ts
}

// Record classifies the outcome, persists it and makes it the mission's
// current terminal state.
func (m *Manager) Record(ctx context.Context, o Outcome) (TerminalState, error) {
	ts := m.Classify(o)

	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.latest[ts.MissionID]; ok && !ts.CreatedAt.After(m.states[i].CreatedAt) {
		ts.CreatedAt = m.states[i].CreatedAt.Add(time.Nanosecond)
	}

	data, err := json.Marshal(ts)
	if err != nil {
		return ts, fmt.Errorf("marshal terminal state: %w", err)
	}
	key := store.Key(ts.MissionID, ts.CreatedAt)
	err = m.store.Append(ctx, store.Record{
		Key:       key,
		Kind:      store.KindTerminal,
		MissionID: ts.MissionID,
		CreatedAt: ts.CreatedAt,
		Data:      data,
	})
	m.states = append(m.states, ts)
	m.latest[ts.MissionID] = len(m.states) - 1
	m.keys[key] = struct{}{}
	logger.Log.Infof("[Terminal] mission %s ended %s (%.0f%% complete): %s",
		ts.MissionID, ts.StateType, ts.CompletionRatio*100, ts.TerminationReason)
	if err != nil {
		return ts, fmt.Errorf("persist terminal state: %w", err)
	}
	return ts, nil
}

func (m *Manager) Get(missionID string) (TerminalState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.latest[missionID]
	if !ok {
		return TerminalState{}, false
	}
	return m.states[i], true
}

// All returns every recorded state in creation order.
func (m *Manager) All() []TerminalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.states)
}

func (m *Manager) GetPartialDeliverables(missionID string) (PartialDeliverables, error) {
	ts, ok := m.Get(missionID)
	if !ok {
		return PartialDeliverables{}, fmt.Errorf("%w for mission %s", ErrNoTerminalState, missionID)
	}
	return PartialDeliverables{
		MissionID:           ts.MissionID,
		Deliverables:        ts.Deliverables,
		PartialOutputs:      ts.PartialOutputs,
		CompletionRatio:     ts.CompletionRatio,
		RecoverySuggestions: ts.RecoverySuggestions,
	}, nil
}

// Load reads a mission's persisted terminal states so a later process can
// answer Get and GetPartialDeliverables.
func (m *Manager) Load(ctx context.Context, missionID string) (bool, error) {
	recs, err := m.store.List(ctx, store.KindTerminal, missionID)
	if err != nil {
		return false, fmt.Errorf("read terminal states: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, rec := range recs {
		if _, seen := m.keys[rec.Key]; seen {
			found = true
			continue
		}
		var ts TerminalState
		if err := json.Unmarshal(rec.Data, &ts); err != nil {
			logger.Log.Warnf("[Terminal] skipping unreadable record %s: %v", rec.Key, err)
			continue
		}
		m.states = append(m.states, ts)
		m.keys[rec.Key] = struct{}{}
		found = true
		if i, ok := m.latest[ts.MissionID]; !ok || !ts.CreatedAt.Before(m.states[i].CreatedAt) {
			m.latest[ts.MissionID] = len(m.states) - 1
		}
	}
	return found, nil
}

// Suggestions derives recovery guidance from a terminal state. It depends
// only on its arguments.
func Suggestions(ts TerminalState, cfg Config) []string {
	var out []string
	switch ts.StateType {
	case PartialSuccess:
		out = append(out, "Resume from the latest checkpoint to finish the pending steps"+listSuffix(ts.PendingSteps))
	case Timeout:
		out = append(out,
			"Increase the mission time budget",
			"Investigate the slowest step"+lastSuffix(ts.CompletedSteps, ts.PendingSteps))
	case BudgetExceeded:
		estimate := ts.TotalCost * cfg.RemainingCostFactor
		out = append(out,
			fmt.Sprintf("Raise the budget by about %.2f to finish (estimated remaining cost)", estimate),
			"Use a lower-cost execution path for the remaining steps")
	case Blocked:
		out = append(out, "Check unmet dependencies"+listSuffix(ts.FailedSteps))
	case Failed:
		if ts.ErrorDetails != "" {
			out = append(out, "Inspect the error: "+ts.ErrorDetails)
		} else {
			out = append(out, "Inspect the validation errors of the last attempt")
		}
		out = append(out, "Retry the mission after fixing the cause")
	case Cancelled:
		out = append(out, "Re-run the mission; progress up to the stop is kept in its checkpoint")
	}
	if ts.StateType != Success && ts.CompletionRatio > cfg.ResumeThreshold {
		out = append(out, fmt.Sprintf("%.0f%% already complete: resume from checkpoint instead of restarting", ts.CompletionRatio*100))
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func listSuffix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return ": " + strings.Join(items, ", ")
}

func lastSuffix(completed, pending []string) string {
	if len(pending) > 0 {
		return " (stalled at " + pending[0] + ")"
	}
	if len(completed) > 0 {
		return " (last finished " + completed[len(completed)-1] + ")"
	}
	return ""
}

func clamp(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func cloneOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}
