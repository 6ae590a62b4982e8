package display

import (
	"fmt"
	"sort"
	"strings"

	"missionctl/internal/checkpoint"
	"missionctl/internal/supervisor"
	"missionctl/internal/terminal"
)

func FormatRunResult(res *supervisor.RunResult) string {
	if res == nil {
		return "No result."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run %s: %s\n", res.RunID, strings.ToUpper(string(res.Status))))
	if res.Reason != "" {
		sb.WriteString(fmt.Sprintf("Reason: %s\n", res.Reason))
	}
	sb.WriteString(fmt.Sprintf("Budget: %.2f of %.2f used\n", res.BudgetSummary.SessionConsumed, res.BudgetSummary.SessionBudget))
	sb.WriteString("--------------------------------------------------\n")
	for _, ts := range res.TerminalStates {
		sb.WriteString(formatTerminal(ts, maxFieldLength))
	}
	if len(res.Interventions) > 0 {
		sb.WriteString("Interventions:\n")
		for _, e := range res.Interventions {
			fallback := ""
			if e.RoleFallback {
				fallback = " (fallback role)"
			}
			sb.WriteString(fmt.Sprintf("  %s #%d %-9s %s%s: %s\n",
				e.MissionID, e.Iteration, e.Action, e.Role, fallback, formatValueForDisplay(e.Reason, maxFieldLength)))
		}
	}
	if len(res.Breakers) > 0 {
		names := make([]string, 0, len(res.Breakers))
		for name := range res.Breakers {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("Breakers:\n")
		for _, name := range names {
			st := res.Breakers[name]
			sb.WriteString(fmt.Sprintf("  %-20s calls=%d failed=%d\n", name, st.TotalCalls, st.FailedCalls))
		}
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

func formatTerminal(ts terminal.TerminalState, limit int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Mission %s: %s (%.0f%% complete, cost %.2f)\n",
		ts.MissionID, ts.StateType, ts.CompletionRatio*100, ts.TotalCost))
	if ts.StateType != terminal.Success && ts.TerminationReason != "" {
		sb.WriteString(fmt.Sprintf("    Reason: %s\n", formatValueForDisplay(ts.TerminationReason, limit)))
	}
	if ts.ErrorDetails != "" {
		sb.WriteString(fmt.Sprintf("    Error: %s\n", formatValueForDisplay(ts.ErrorDetails, limit)))
	}
	for _, s := range ts.RecoverySuggestions {
		sb.WriteString("    Suggestion: " + s + "\n")
	}
	return sb.String()
}

func FormatCheckpoint(rc checkpoint.ResumeContext) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Checkpoint %s for mission %s\n", rc.CheckpointID, rc.MissionID))
	sb.WriteString(fmt.Sprintf("Created: %s\n", rc.CreatedAt.Format("2006-01-02 15:04:05")))
	if rc.RoleName != "" {
		sb.WriteString(fmt.Sprintf("Role: %s\n", rc.RoleName))
	}
	sb.WriteString(fmt.Sprintf("Completed (%d):\n", len(rc.CompletedSteps)))
	for _, s := range rc.CompletedSteps {
		sb.WriteString("  ✓ " + s + "\n")
	}
	if rc.CurrentStep != "" {
		sb.WriteString("Current: " + rc.CurrentStep + "\n")
	}
	sb.WriteString(fmt.Sprintf("Remaining (%d):\n", len(rc.RemainingSteps)))
	for _, s := range rc.RemainingSteps {
		sb.WriteString("  · " + s + "\n")
	}
	if len(rc.AccumulatedOutputs) > 0 {
		sb.WriteString("Outputs:\n")
		for _, o := range rc.AccumulatedOutputs {
			sb.WriteString("  " + formatValueForDisplay(o, maxFieldLength) + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func FormatDeliverables(pd terminal.PartialDeliverables) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Deliverables of mission %s (%.0f%% complete):\n", pd.MissionID, pd.CompletionRatio*100))
	keys := make([]string, 0, len(pd.Deliverables))
	for k := range pd.Deliverables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", k, pd.Deliverables[k]))
	}
	if len(keys) == 0 && len(pd.PartialOutputs) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, o := range pd.PartialOutputs {
		if _, isKey := pd.Deliverables[strings.SplitN(o, ":", 2)[0]]; isKey {
			continue
		}
		sb.WriteString("  " + o + "\n")
	}
	for _, s := range pd.RecoverySuggestions {
		sb.WriteString("Suggestion: " + s + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
