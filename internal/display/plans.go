package display

import (
	"fmt"
	"sort"
	"strings"

	"missionctl/internal/mission"
)

const maxFieldLength = 100

// FormatMissionsCatalog lists the missions found in a mission file.
func FormatMissionsCatalog(file string, missions []mission.SubMission) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d mission(s) in %s:\n", len(missions), file))
	for i, m := range missions {
		sb.WriteString(fmt.Sprintf("  %2d. %s  (type=%s, priority=%d, cost=%.2f, deps=%d)\n",
			i+1, m.ID, m.Type, m.Priority, m.EstimatedCost, len(m.Dependencies)))
	}
	return sb.String()
}

// stdout plan (truncated)
func FormatPlan(order []mission.SubMission, levels map[string]int) string {
	return formatPlanInternal(order, levels, maxFieldLength)
}

// full plan (no truncation), used for logs
func FormatPlanFull(order []mission.SubMission, levels map[string]int) string {
	return formatPlanInternal(order, levels, -1)
}

// formatPlanInternal groups missions by dependency level, keeping execution
// order inside a level.
func formatPlanInternal(order []mission.SubMission, levels map[string]int, limit int) string {
	byLevel := make(map[int][]mission.SubMission)
	for _, m := range order {
		byLevel[levels[m.ID]] = append(byLevel[levels[m.ID]], m)
	}
	keys := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		keys = append(keys, lvl)
	}
	sort.Ints(keys)

	var sb strings.Builder
	sb.WriteString("Proposed mission plan:\n")
	sb.WriteString("--------------------------------------------------\n")
	for _, lvl := range keys {
		sb.WriteString(fmt.Sprintf("Level %d:\n", lvl))
		for _, m := range byLevel[lvl] {
			sb.WriteString(fmt.Sprintf("  - Mission: %s [%s] (priority %d, cost %.2f)\n", m.ID, m.Type, m.Priority, m.EstimatedCost))
			sb.WriteString(fmt.Sprintf("    Goal: %s\n", formatValueForDisplay(m.Goal, limit)))
			if len(m.Dependencies) > 0 {
				sb.WriteString(fmt.Sprintf("    Depends on: %s\n", strings.Join(m.Dependencies, ", ")))
			}
			writeList(&sb, "Requirements", m.Requirements, limit)
			writeList(&sb, "Success criteria", m.SuccessCriteria, limit)
		}
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string, limit int) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("    " + title + ":\n")
	for _, item := range items {
		sb.WriteString("      * " + formatValueForDisplay(item, limit) + "\n")
	}
}

// Limit a field's stdout length (limit < 0 means no limit)
func formatValueForDisplay(value any, limit int) string {
	s := fmt.Sprintf("%v", value)
	s = strings.ReplaceAll(s, "\n", "\\n")
	if limit >= 0 && len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
