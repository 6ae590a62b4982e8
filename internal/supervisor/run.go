package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/checkpoint"
	"missionctl/internal/logger"
	"missionctl/internal/metrics"
	"missionctl/internal/mission"
	"missionctl/internal/terminal"
)

var errReportedFailure = errors.New("execution reported failure")

type missionRun struct {
	terminal terminal.TerminalState
	outputs  map[string]string
	metrics  metrics.MissionMetrics
}

// runMission drives one mission through its attempts until it completes or
// reaches another terminal state.
func (l *Leader) runMission(ctx context.Context, runID string, m mission.SubMission, completed map[string]map[string]string, initialContext string) missionRun {
	start := l.now()
	mm := metrics.MissionMetrics{MissionID: m.ID, Start: start}

	budgetID := missionBudgetID(runID, m.ID)
	cp, resume := l.beginCheckpoint(ctx, m)
	finish := func(o terminal.Outcome) missionRun {
		o.MissionID = m.ID
		o.Duration = l.now().Sub(start)
		if a, ok := l.budget.Get(budgetID); ok {
			o.Cost = a.ConsumedBudget
		}
		if o.Type != terminal.Success {
			l.fillProgress(&o, m, cp.CheckpointID)
		}
		ts := l.recordTerminal(ctx, o)
		mm.Outcome = string(ts.StateType)
		mm.Cost = o.Cost
		mm.Finalize(l.now())
		return missionRun{terminal: ts, outputs: o.Deliverables, metrics: mm}
	}

	role, fallback, err := l.resolveRole(m.Type)
	if err != nil {
		return finish(terminal.Outcome{Type: terminal.Failed, Reason: "no role can run this mission", Err: err})
	}

	maxAttempts := l.cfg.MaxMissionRetries
	charge := m.EstimatedCost / float64(maxAttempts)
	current := m
	esc := escalation{}
	var (
		lastResult mission.Result
		lastErr    error
	)
	defer func() {
		if esc.helperID != "" {
			if _, err := l.budget.Release(esc.helperID); err != nil {
				logger.Log.Warnf("[Supervisor] releasing %s: %v", esc.helperID, err)
			}
		}
	}()

	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return finish(cancelledOutcome(err))
		}
		if err := l.budget.CheckChain(budgetID); err != nil {
			if errors.Is(err, budget.ErrExpired) {
				return finish(terminal.Outcome{Type: terminal.Timeout, Reason: "mission budget timed out", Err: err})
			}
			return finish(terminal.Outcome{Type: terminal.BudgetExceeded, Reason: "mission budget is exhausted", Err: err})
		}

		execRole := esc.role(role)
		b := l.breakers.Get(execRole.Name)
		am := metrics.AttemptMetrics{Attempt: n, Role: execRole.Name, Start: l.now()}
		a := attempt{Number: n, MaxAttempts: maxAttempts, Escalated: esc.active()}

		if !b.AllowRequest() {
			a.Rejected = true
			am.Err = breaker.ErrCircuitOpen.Error()
		} else {
			if err := l.chargeAttempt(budgetID, m.Priority, &esc, n, charge); err != nil {
				am.Finalize(l.now())
				mm.Attempts = append(mm.Attempts, am)
				return finish(terminal.Outcome{
					Type:           terminal.BudgetExceeded,
					Reason:         fmt.Sprintf("attempt %d could not be charged", n),
					Err:            err,
					Deliverables:   lastResult.Outputs,
					PartialOutputs: outputLines(lastResult.Outputs),
				})
			}
			am.Charged = charge
			cp = l.reviseCheckpoint(ctx, cp, checkpoint.Patch{
				RoleName:  &execRole.Name,
				StateData: map[string]any{"attempt": n, "run_id": runID},
			})

			task := l.buildTask(current, execRole, completed, initialContext, resume)
			res, err := l.dispatch(ctx, b, task)
			switch {
			case errors.Is(err, breaker.ErrCircuitOpen):
				a.Rejected = true
			case errors.Is(err, errReportedFailure):
				a.Result = res
			default:
				a.ExecErr = err
				a.Result = res
			}
			if ctx.Err() != nil {
				am.Err = ctx.Err().Error()
				am.Finalize(l.now())
				mm.Attempts = append(mm.Attempts, am)
				return finish(cancelledOutcome(ctx.Err()))
			}
			if err != nil {
				am.Err = err.Error()
				lastErr = err
			}
			if res.Outputs != nil {
				lastResult = res
			}
			if len(res.CompletedSteps) > 0 {
				cp = l.markSteps(ctx, cp, res.CompletedSteps)
			}
		}

		d := decide(a, policy{
			EnhanceOnValidationFailure: l.cfg.EnhanceOnValidationFailure,
			EscalateAfter:              l.cfg.EscalateAfter,
		})
		am.Success = d.Action == ActionContinue
		am.Finalize(l.now())
		mm.Attempts = append(mm.Attempts, am)
		l.appendLog(runID, m, n, d, execRole, fallback)

		switch d.Action {
		case ActionContinue:
			outputs := a.Result.Outputs
			if outputs == nil {
				outputs = map[string]string{}
			}
			cp = l.completeCheckpoint(ctx, cp, outputs)
			return finish(terminal.Outcome{
				Type:            terminal.Success,
				CompletionRatio: 1,
				CompletedSteps:  m.Steps(),
				Deliverables:    outputs,
				PartialOutputs:  outputLines(outputs),
				Reason:          d.Reason,
			})
		case ActionTerminate:
			if lastErr == nil && a.ExecErr == nil && a.Rejected {
				lastErr = breaker.ErrCircuitOpen
			}
			return finish(terminal.Outcome{
				Type:           terminal.Failed,
				Reason:         d.Reason,
				Err:            lastErr,
				Deliverables:   lastResult.Outputs,
				PartialOutputs: outputLines(lastResult.Outputs),
			})
		case ActionEnhance:
			current = enhance(m, d.Enhancements)
		case ActionEscalate:
			l.escalate(budgetID, role, &esc)
		}
		if len(a.Result.ValidationErrors) > 0 {
			cp = l.reviseCheckpoint(ctx, cp, checkpoint.Patch{
				StateData: map[string]any{"validation_errors": a.Result.ValidationErrors},
			})
		}

		if l.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return finish(cancelledOutcome(ctx.Err()))
			case <-time.After(l.cfg.RetryBackoff):
			}
		}
	}

	// decide terminates on the last attempt, so this is only reached when
	// MaxMissionRetries changed underneath the loop.
	return finish(terminal.Outcome{Type: terminal.Failed, Reason: "no attempts left", Err: lastErr})
}

func cancelledOutcome(err error) terminal.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return terminal.Outcome{Type: terminal.Timeout, Reason: "run deadline reached", Err: err}
	}
	return terminal.Outcome{Type: terminal.Cancelled, Reason: "run cancelled", Err: err}
}

// dispatch runs one task behind the role's breaker. A result that reports
// failure counts against the breaker like an error.
func (l *Leader) dispatch(ctx context.Context, b *breaker.Breaker, task mission.Task) (mission.Result, error) {
	execCtx := ctx
	if l.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.ExecutionTimeout)
		defer cancel()
	}

	var res mission.Result
	err := b.Execute(func() error {
		r, err := l.exec.Execute(execCtx, task)
		if err != nil {
			return err
		}
		res = r
		if !r.Success {
			return errReportedFailure
		}
		return nil
	})
	return res, err
}

func (l *Leader) buildTask(m mission.SubMission, role mission.Role, completed map[string]map[string]string, initialContext, resume string) mission.Task {
	deps := make(map[string]map[string]string, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		deps[dep] = completed[dep]
	}
	taskCtx := map[string]string{
		"quality_threshold": qualityString(l.cfg.QualityThreshold),
	}
	if initialContext != "" {
		taskCtx["initial_context"] = initialContext
	}
	if resume != "" {
		taskCtx["resume"] = resume
	}
	return mission.Task{
		MissionID:         m.ID,
		Role:              role,
		Description:       m.Goal,
		Requirements:      m.Requirements,
		SuccessCriteria:   m.SuccessCriteria,
		DependencyOutputs: deps,
		Context:           taskCtx,
	}
}

// escalation tracks the helper role spawned for a struggling mission.
type escalation struct {
	helperID string
	helper   mission.Role
}

func (e *escalation) active() bool { return e.helperID != "" }

func (e *escalation) role(base mission.Role) mission.Role {
	if e.active() {
		return e.helper
	}
	return base
}

// escalate gives a mission a helper role funded with a fraction of the
// mission's remaining budget.
func (l *Leader) escalate(budgetID string, role mission.Role, esc *escalation) {
	a, ok := l.budget.Get(budgetID)
	if !ok || esc.active() {
		return
	}
	lifetime := l.cfg.MissionTimeout
	if lifetime <= 0 {
		lifetime = l.cfg.ExecutionTimeout * time.Duration(l.cfg.MaxMissionRetries)
	}
	var timeout *time.Duration
	if lifetime > 0 {
		timeout = &lifetime
	}

	helperID := fmt.Sprintf("%s/%s-helper", budgetID, role.Name)
	amount := a.Remaining() * l.cfg.HelperBudgetFraction
	if _, err := l.budget.AllocateRole(budgetID, helperID, amount, a.Priority, timeout); err != nil {
		logger.Log.Warnf("[Supervisor] could not fund helper for %s: %v", budgetID, err)
		return
	}
	esc.helperID = helperID
	esc.helper = mission.Role{
		Name:        role.Name + "-helper",
		Description: role.Description + "; steps in after repeated failures and works more carefully",
	}
	logger.Log.Infof("[Supervisor] %s escalated to %s with budget %.4f", budgetID, esc.helper.Name, amount)
}

// chargeAttempt pays for one attempt. With an active helper the charge goes
// through an action allocation under it; when the helper cannot pay, it is
// released and the mission pays directly.
func (l *Leader) chargeAttempt(budgetID string, priority int, esc *escalation, n int, amount float64) error {
	if esc.active() {
		actionID := fmt.Sprintf("%s/attempt-%d", esc.helperID, n)
		_, err := l.budget.AllocateAction(esc.helperID, actionID, amount, priority, nil)
		if err == nil {
			err = l.budget.Consume(actionID, amount)
		}
		if err == nil {
			return nil
		}
		logger.Log.Warnf("[Supervisor] helper %s cannot pay attempt %d: %v", esc.helperID, n, err)
		if _, rerr := l.budget.Release(esc.helperID); rerr != nil {
			logger.Log.Warnf("[Supervisor] releasing %s: %v", esc.helperID, rerr)
		}
		esc.helperID = ""
	}
	return l.budget.Consume(budgetID, amount)
}

// missionBudgetID scopes a mission's allocation to its run so one
// controller can serve many runs.
func missionBudgetID(runID, missionID string) string {
	return runID + "/" + missionID
}

// beginCheckpoint opens the progress record for a mission. When resuming
// is enabled and the store holds an unfinished checkpoint, that one is
// continued and summarised for the executor.
func (l *Leader) beginCheckpoint(ctx context.Context, m mission.SubMission) (checkpoint.Checkpoint, string) {
	steps := m.Steps()
	if l.cfg.ResumeFromCheckpoints {
		if _, err := l.checkpoints.Load(ctx, m.ID); err != nil {
			logger.Log.Warnf("[Supervisor] loading checkpoints for %s: %v", m.ID, err)
		}
		cp, ok := l.checkpoints.Latest(m.ID)
		switch {
		case !ok || len(cp.RemainingSteps) == 0:
		case !sameSteps(cp, steps):
			logger.Log.Warnf("[Supervisor] checkpoint %s belongs to a different plan for %s; starting over", cp.CheckpointID, m.ID)
		default:
			logger.Log.Infof("[Supervisor] resuming %s from checkpoint %s", m.ID, cp.CheckpointID)
			return cp, resumeSummary(cp)
		}
	}
	cp, err := l.checkpoints.Create(ctx, m.ID, checkpoint.Progress{
		Current:   steps[0],
		Remaining: steps,
	})
	if err != nil {
		logger.Log.Warnf("[Supervisor] checkpoint for %s not created: %v", m.ID, err)
	}
	return cp, ""
}

// sameSteps reports whether cp tracks exactly the given steps.
func sameSteps(cp checkpoint.Checkpoint, steps []string) bool {
	tracked := append(slices.Clone(cp.CompletedSteps), cp.RemainingSteps...)
	if len(tracked) != len(steps) {
		return false
	}
	for _, s := range steps {
		if !slices.Contains(tracked, s) {
			return false
		}
	}
	return true
}

func (l *Leader) reviseCheckpoint(ctx context.Context, cp checkpoint.Checkpoint, patch checkpoint.Patch) checkpoint.Checkpoint {
	if cp.CheckpointID == "" {
		return cp
	}
	next, err := l.checkpoints.Update(context.WithoutCancel(ctx), cp.CheckpointID, patch)
	if err != nil {
		logger.Log.Warnf("[Supervisor] checkpoint %s not updated: %v", cp.CheckpointID, err)
		return cp
	}
	return next
}

func (l *Leader) completeCheckpoint(ctx context.Context, cp checkpoint.Checkpoint, outputs map[string]string) checkpoint.Checkpoint {
	cp = l.markSteps(ctx, cp, cp.RemainingSteps)
	none := ""
	return l.reviseCheckpoint(ctx, cp, checkpoint.Patch{
		CurrentStep: &none,
		Outputs:     outputLines(outputs),
	})
}

// markSteps records finished steps one by one. Steps that are not pending
// are ignored; the current step moves to the next pending one.
func (l *Leader) markSteps(ctx context.Context, cp checkpoint.Checkpoint, steps []string) checkpoint.Checkpoint {
	if cp.CheckpointID == "" {
		return cp
	}
	for _, step := range slices.Clone(steps) {
		if !slices.Contains(cp.RemainingSteps, step) {
			continue
		}
		next, err := l.checkpoints.AddCompletedStep(context.WithoutCancel(ctx), cp.CheckpointID, step, "")
		if err != nil {
			logger.Log.Warnf("[Supervisor] checkpoint %s: step %q not recorded: %v", cp.CheckpointID, step, err)
			return cp
		}
		cp = next
	}
	if cp.CurrentStep == "" && len(cp.RemainingSteps) > 0 {
		nextStep := cp.RemainingSteps[0]
		cp = l.reviseCheckpoint(ctx, cp, checkpoint.Patch{CurrentStep: &nextStep})
	}
	return cp
}

// fillProgress copies step progress from the mission's checkpoint into an
// unsuccessful outcome.
func (l *Leader) fillProgress(o *terminal.Outcome, m mission.SubMission, checkpointID string) {
	cp, err := l.checkpoints.Get(checkpointID)
	if err != nil {
		o.PendingSteps = m.Steps()
		o.FailedSteps = m.Steps()[:1]
		return
	}
	o.CompletedSteps = cp.CompletedSteps
	o.PendingSteps = cp.RemainingSteps
	if cp.CurrentStep != "" {
		o.FailedSteps = []string{cp.CurrentStep}
	}
	if len(o.PartialOutputs) == 0 {
		o.PartialOutputs = cp.AccumulatedOutputs
	}
	if total := len(cp.CompletedSteps) + len(cp.RemainingSteps); total > 0 {
		o.CompletionRatio = float64(len(cp.CompletedSteps)) / float64(total)
	}
}

func resumeSummary(cp checkpoint.Checkpoint) string {
	var sb strings.Builder
	if len(cp.CompletedSteps) > 0 {
		sb.WriteString("Already completed: " + strings.Join(cp.CompletedSteps, "; ") + ".")
	}
	if cp.CurrentStep != "" {
		sb.WriteString(" Interrupted during: " + cp.CurrentStep + ".")
	}
	if len(cp.RemainingSteps) > 0 {
		sb.WriteString(" Still to do: " + strings.Join(cp.RemainingSteps, "; ") + ".")
	}
	if len(cp.AccumulatedOutputs) > 0 {
		sb.WriteString(" Earlier outputs: " + strings.Join(cp.AccumulatedOutputs, " | "))
	}
	return strings.TrimSpace(sb.String())
}

// outputLines renders outputs as sorted "key: value" lines.
func outputLines(outputs map[string]string) []string {
	if len(outputs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+": "+outputs[k])
	}
	return out
}
