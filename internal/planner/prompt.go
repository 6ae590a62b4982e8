package planner

import (
	"fmt"
	"strings"
)

// Main prompt for decomposing a goal into missions
func buildDecomposePrompt(goal, initialContext string) string {
	var sb strings.Builder

	sb.WriteString("You are an expert mission planner. Break the user's goal into a small set of independently executable missions.\n")
	sb.WriteString("Respond ONLY with JSON. No extra text.\n\n")

	if strings.TrimSpace(initialContext) != "" {
		sb.WriteString("CONTEXT:\n")
		sb.WriteString(strings.TrimSpace(initialContext))
		sb.WriteString("\n\n")
	}

	sb.WriteString("OUTPUT JSON SCHEMA:\n")
	sb.WriteString("{\"missions\": [{\"id\": \"<slug>\", \"type\": \"<category>\", \"goal\": \"<string>\", \"requirements\": [\"<string>\"], \"success_criteria\": [\"<string>\"], \"dependencies\": [\"<mission id>\"], \"priority\": <int 0-10>, \"estimated_cost\": <number>}]}\n\n")

	sb.WriteString("SEMANTICS:\n")
	sb.WriteString("- Missions run in dependency order; a mission sees only the outputs of the missions it depends on.\n")
	sb.WriteString("- 'requirements' are the ordered steps of a mission; 'success_criteria' are checked after it runs.\n")
	sb.WriteString("- 'type' selects the executing role (e.g. research, analysis, writing, coding, review, general).\n")
	sb.WriteString("- Higher 'priority' gets budget first when the budget is tight.\n\n")

	sb.WriteString("HARD RULES:\n")
	sb.WriteString("1) IDS: short, unique, lowercase.\n")
	sb.WriteString("2) DEPENDENCIES: only ids defined in this list. A mission must never depend on itself. No cycles.\n")
	sb.WriteString("3) SIZE: prefer 2-6 missions. A trivial goal may be a single mission.\n")
	sb.WriteString("4) COST: 'estimated_cost' is a relative spend in currency units, greater than zero.\n\n")

	sb.WriteString("EXAMPLE:\n")
	sb.WriteString("Goal: \"Compare the pricing pages of two vendors and write a recommendation\"\n")
	sb.WriteString("Assistant: {\"missions\":[{\"id\":\"collect\",\"type\":\"research\",\"goal\":\"Collect pricing tiers from both vendors\",\"requirements\":[\"Read vendor A pricing\",\"Read vendor B pricing\"],\"success_criteria\":[\"Every tier has a price\"],\"dependencies\":[],\"priority\":8,\"estimated_cost\":2},")
	sb.WriteString("{\"id\":\"recommend\",\"type\":\"writing\",\"goal\":\"Write a recommendation from the collected tiers\",\"requirements\":[\"Compare tiers\",\"Write recommendation\"],\"success_criteria\":[\"Names one vendor\"],\"dependencies\":[\"collect\"],\"priority\":6,\"estimated_cost\":1}]}\n\n")

	sb.WriteString("Generate the missions now for this goal:\n")
	sb.WriteString(fmt.Sprintf("Goal: \"%s\"\n", goal))
	sb.WriteString("Assistant: ")

	return sb.String()
}
