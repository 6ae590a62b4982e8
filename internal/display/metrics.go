package display

import (
	"fmt"
	"strings"

	"missionctl/internal/metrics"
)

func FormatRunMetrics(rm *metrics.RunMetrics) string {
	if rm == nil {
		return "No metrics available."
	}
	var sb strings.Builder
	sb.WriteString("Execution metrics:\n")
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (success=%v, attempts=%d)\n", rm.DurationMs, rm.Succeeded, rm.TotalAttempts()))
	for _, m := range rm.Missions {
		sb.WriteString(fmt.Sprintf("  Mission %s: %d ms  %s  cost %.2f\n",
			m.MissionID, m.DurationMs, m.Outcome, m.Cost))
		for _, a := range m.Attempts {
			status := "ok"
			if !a.Success {
				status = "err"
			}
			sb.WriteString(fmt.Sprintf("    • #%-3d %-22s %5d ms  [%s]\n",
				a.Attempt, "("+a.Role+")", a.DurationMs, status))
		}
	}
	return sb.String()
}
