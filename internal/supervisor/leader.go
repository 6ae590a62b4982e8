// Package supervisor runs the mission control loop: it orders missions by
// dependency, gates every attempt on budget and circuit state, dispatches
// to the execution capability and turns each outcome into an intervention
// and finally a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/checkpoint"
	"missionctl/internal/logger"
	"missionctl/internal/metrics"
	"missionctl/internal/mission"
	"missionctl/internal/resolver"
	"missionctl/internal/terminal"
)

var ErrRunInProgress = errors.New("a run is already in progress")

// Executor is the external execution capability.
type Executor interface {
	Execute(ctx context.Context, task mission.Task) (mission.Result, error)
}

// Decomposer turns a goal into sub-missions.
type Decomposer interface {
	Decompose(ctx context.Context, goal, initialContext string) ([]mission.SubMission, error)
}

type Config struct {
	BudgetLimit       float64
	MaxMissionRetries int
	// QualityThreshold is passed through to the execution capability.
	QualityThreshold float64
	ExecutionTimeout time.Duration
	RunTimeout       time.Duration
	// MissionTimeout bounds each mission allocation and helper lifetime.
	// Zero means no limit.
	MissionTimeout             time.Duration
	DefaultRole                string
	EnhanceOnValidationFailure bool
	EscalateAfter              int
	HelperBudgetFraction       float64
	RetryBackoff               time.Duration
	// ResumeFromCheckpoints continues missions from checkpoints found in the
	// store instead of starting them fresh.
	ResumeFromCheckpoints bool
}

func DefaultConfig() Config {
	return Config{
		BudgetLimit:          10,
		MaxMissionRetries:    3,
		QualityThreshold:     0.7,
		ExecutionTimeout:     2 * time.Minute,
		DefaultRole:          DefaultRoleName,
		HelperBudgetFraction: 0.5,
	}
}

// Deps are the collaborators of one run. Nil fields get fresh instances.
type Deps struct {
	Executor    Executor
	Decomposer  Decomposer
	Budget      *budget.Controller
	Breakers    *breaker.Registry
	Checkpoints *checkpoint.Manager
	Terminal    *terminal.Manager
	Roles       *RoleRegistry
}

type Leader struct {
	cfg         Config
	exec        Executor
	decomposer  Decomposer
	budget      *budget.Controller
	breakers    *breaker.Registry
	checkpoints *checkpoint.Manager
	terminal    *terminal.Manager
	roles       *RoleRegistry
	log         *InterventionLog
	now         func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(cfg Config, deps Deps) *Leader {
	if cfg.MaxMissionRetries <= 0 {
		cfg.MaxMissionRetries = 1
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = DefaultRoleName
	}
	if cfg.HelperBudgetFraction <= 0 || cfg.HelperBudgetFraction > 1 {
		cfg.HelperBudgetFraction = DefaultConfig().HelperBudgetFraction
	}
	l := &Leader{
		cfg:         cfg,
		exec:        deps.Executor,
		decomposer:  deps.Decomposer,
		budget:      deps.Budget,
		breakers:    deps.Breakers,
		checkpoints: deps.Checkpoints,
		terminal:    deps.Terminal,
		roles:       deps.Roles,
		log:         &InterventionLog{},
		now:         time.Now,
	}
	if l.budget == nil {
		l.budget = budget.NewController(budget.DefaultConfig())
	}
	if l.breakers == nil {
		l.breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if l.checkpoints == nil {
		l.checkpoints = checkpoint.NewManager(nil)
	}
	if l.terminal == nil {
		l.terminal = terminal.NewManager(nil, terminal.DefaultConfig())
	}
	if l.roles == nil {
		l.roles = NewRoleRegistry(DefaultRoles()...)
	}
	return l
}

// InterventionLog returns the log of the current or most recent run.
func (l *Leader) InterventionLog() *InterventionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log
}

// Cancel stops the run in progress. It reports whether one was running.
func (l *Leader) Cancel() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.cancel == nil {
		return false
	}
	l.cancel()
	return true
}

// Run decomposes the goal and executes the resulting missions.
func (l *Leader) Run(ctx context.Context, goal, initialContext string) (*RunResult, error) {
	if l.decomposer == nil {
		return nil, fmt.Errorf("leader has no decomposer")
	}
	missions, err := l.decomposer.Decompose(ctx, goal, initialContext)
	if err != nil {
		return nil, err
	}
	return l.Execute(ctx, goal, initialContext, missions)
}

// Execute runs already-decomposed missions. Graph errors abort before any
// mission starts; every per-mission failure ends up as a terminal state.
func (l *Leader) Execute(ctx context.Context, goal, initialContext string, missions []mission.SubMission) (*RunResult, error) {
	if l.exec == nil {
		return nil, fmt.Errorf("leader has no executor")
	}
	order, err := resolver.Sort(missions)
	if err != nil {
		return nil, err
	}
	levels, err := resolver.DependencyLevels(order)
	if err != nil {
		return nil, err
	}

	if l.cfg.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, l.cfg.RunTimeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil, ErrRunInProgress
	}
	l.running = true
	l.cancel = cancel
	l.log = &InterventionLog{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
	}()

	runID := uuid.New().String()[:8]
	if err := l.planBudget(runID, order); err != nil {
		return nil, fmt.Errorf("budget plan: %w", err)
	}

	res := &RunResult{
		RunID:   runID,
		Goal:    goal,
		Status:  RunCompleted,
		Levels:  levels,
		Outputs: make(map[string]map[string]string),
		Metrics: &metrics.RunMetrics{RunID: runID, Start: l.now()},
	}
	for _, m := range order {
		res.Order = append(res.Order, m.ID)
	}
	logger.Log.Infof("[Supervisor] Run %s: %d missions, order %v", runID, len(order), res.Order)

	for _, m := range order {
		if ctx.Err() != nil {
			res.abort(fmt.Sprintf("run stopped before mission %s: %v", m.ID, ctx.Err()))
			break
		}

		// missions waiting behind slow ones may have run out of time already
		l.budget.CheckTimeouts()

		if unmet := unmetDependencies(m, res.Outputs); len(unmet) > 0 {
			ts := l.recordTerminal(ctx, terminal.Outcome{
				MissionID:    m.ID,
				Type:         terminal.Blocked,
				PendingSteps: m.Steps(),
				FailedSteps:  unmet,
				Reason:       fmt.Sprintf("dependencies did not complete: %v", unmet),
			})
			res.TerminalStates = append(res.TerminalStates, ts)
			res.Metrics.Missions = append(res.Metrics.Missions, metrics.MissionMetrics{
				MissionID: m.ID, Start: l.now(), End: l.now(), Outcome: string(ts.StateType),
			})
			continue
		}

		run := l.runMission(ctx, runID, m, res.Outputs, initialContext)
		res.TerminalStates = append(res.TerminalStates, run.terminal)
		res.Metrics.Missions = append(res.Metrics.Missions, run.metrics)

		switch run.terminal.StateType {
		case terminal.Success:
			res.Outputs[m.ID] = run.outputs
		case terminal.Failed:
			res.abort(fmt.Sprintf("mission %s terminated: %s", m.ID, run.terminal.TerminationReason))
		case terminal.Cancelled:
			res.abort(fmt.Sprintf("mission %s cancelled", m.ID))
		}
		if res.Status == RunAborted {
			break
		}
	}

	if res.Status == RunCompleted && len(res.Outputs) < len(order) {
		res.abort(fmt.Sprintf("%d of %d missions did not complete", len(order)-len(res.Outputs), len(order)))
	}

	res.Interventions = l.log.Entries()
	res.Budget = l.runAllocations(runID)
	res.BudgetSummary = budget.Summarize(res.Budget)
	l.closeBudget(runID, order)
	res.Breakers = l.breakers.Stats()
	res.Metrics.Succeeded = res.Status == RunCompleted
	res.Metrics.Finalize(l.now())
	logger.Log.Infof("[Supervisor] Run %s finished: %s %s", runID, res.Status, res.Reason)
	return res, nil
}

// planBudget creates the session and one allocation per mission in
// resolver order, then redistributes by priority when the estimates do not
// fit the session budget.
func (l *Leader) planBudget(runID string, order []mission.SubMission) error {
	var total float64
	for _, m := range order {
		total += m.EstimatedCost
	}
	limit := l.cfg.BudgetLimit
	if limit <= 0 {
		limit = total
	}
	if _, err := l.budget.AllocateSession(runID, limit); err != nil {
		return err
	}

	var timeout *time.Duration
	if l.cfg.MissionTimeout > 0 {
		d := l.cfg.MissionTimeout
		timeout = &d
	}
	for _, m := range order {
		if _, err := l.budget.AllocateMission(runID, missionBudgetID(runID, m.ID), m.EstimatedCost, m.Priority, timeout); err != nil {
			return err
		}
	}
	if total > limit {
		logger.Log.Warnf("[Supervisor] Estimated cost %.2f exceeds budget %.2f; reallocating by priority", total, limit)
		l.budget.ReallocateByPriority(limit)
	}
	return nil
}

func (l *Leader) runAllocations(runID string) []budget.Allocation {
	root, ok := l.budget.Get(runID)
	if !ok {
		return nil
	}
	out := []budget.Allocation{root}
	for i := 0; i < len(out); i++ {
		out = append(out, l.budget.Children(out[i].EntityID)...)
	}
	return out
}

// closeBudget releases what the run's missions did not spend, so later
// reallocations only see live runs.
func (l *Leader) closeBudget(runID string, order []mission.SubMission) {
	for _, m := range order {
		if _, err := l.budget.Release(missionBudgetID(runID, m.ID)); err != nil {
			logger.Log.Warnf("[Supervisor] releasing budget of %s: %v", m.ID, err)
		}
	}
}

func unmetDependencies(m mission.SubMission, completed map[string]map[string]string) []string {
	var unmet []string
	for _, dep := range m.Dependencies {
		if _, ok := completed[dep]; !ok {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (l *Leader) recordTerminal(ctx context.Context, o terminal.Outcome) terminal.TerminalState {
	// a cancelled run still records its terminal states
	ts, err := l.terminal.Record(context.WithoutCancel(ctx), o)
	if err != nil {
		logger.Log.Warnf("[Supervisor] terminal state for %s not persisted: %v", o.MissionID, err)
	}
	return ts
}

func (l *Leader) appendLog(runID string, m mission.SubMission, iteration int, d Decision, role mission.Role, fallback bool) {
	l.log.Append(LogEntry{
		RunID:        runID,
		MissionID:    m.ID,
		Iteration:    iteration,
		Action:       d.Action,
		Reason:       d.Reason,
		Role:         role.Name,
		RoleFallback: fallback,
		Timestamp:    l.now(),
	})
	logger.Log.Infof("[Supervisor] mission %s iteration %d: %s (%s)", m.ID, iteration, d.Action, d.Reason)
}

// resolveRole finds the role for a mission type, falling back to the
// default role when it is not registered.
func (l *Leader) resolveRole(missionType string) (mission.Role, bool, error) {
	name := l.roles.RoleNameFor(missionType)
	role, err := l.roles.Lookup(name)
	if err == nil {
		return role, false, nil
	}
	if !errors.Is(err, ErrRoleNotFound) {
		return mission.Role{}, false, err
	}
	def, derr := l.roles.Lookup(l.cfg.DefaultRole)
	if derr != nil {
		return mission.Role{}, false, fmt.Errorf("default role: %w", derr)
	}
	logger.Log.Warnf("[Supervisor] %v; using default role %s", err, def.Name)
	return def, true, nil
}

func qualityString(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
