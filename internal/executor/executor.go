// Package executor is the default execution capability: it hands a mission
// task to a completion model and reads back a structured result.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"missionctl/internal/logger"
	"missionctl/internal/mission"
	"missionctl/internal/planner"
)

// Completer is the text-completion capability the executor drives.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type LLMExecutor struct {
	llm   Completer
	pages *PageFetcher
	// MaxPages caps how many URLs from a task are fetched as context.
	MaxPages int
}

func NewLLMExecutor(llm Completer, pages *PageFetcher) *LLMExecutor {
	return &LLMExecutor{llm: llm, pages: pages, MaxPages: 5}
}

// Execute runs one attempt. Completion errors are returned as errors;
// everything the model answers becomes a Result.
func (e *LLMExecutor) Execute(ctx context.Context, task mission.Task) (mission.Result, error) {
	if e.llm == nil {
		return mission.Result{}, fmt.Errorf("executor has no completion model")
	}

	var pages []Page
	if e.pages != nil {
		urls := FindURLs(append([]string{task.Description}, task.Requirements...)...)
		if e.MaxPages > 0 && len(urls) > e.MaxPages {
			urls = urls[:e.MaxPages]
		}
		if len(urls) > 0 {
			logger.Log.Debugf("[Executor] fetching %d pages for mission %s", len(urls), task.MissionID)
			pages = e.pages.FetchAll(ctx, urls)
		}
	}

	text, err := e.llm.Complete(ctx, buildTaskPrompt(task, pages))
	if err != nil {
		return mission.Result{}, fmt.Errorf("mission %s execution: %w", task.MissionID, err)
	}
	return ParseResult(text), nil
}

type resultDoc struct {
	Success          *bool          `json:"success"`
	Outputs          map[string]any `json:"outputs"`
	ValidationPassed *bool          `json:"validation_passed"`
	ValidationErrors []string       `json:"validation_errors"`
	CompletedSteps   []string       `json:"completed_steps"`
}

// ParseResult reads a model answer. Answers that are not the expected JSON
// are kept as outputs["result"] and marked as failing validation.
func ParseResult(text string) mission.Result {
	payload := planner.ExtractJSON(text)
	var doc resultDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil || doc.Success == nil {
		return mission.Result{
			Success:          strings.TrimSpace(text) != "",
			Outputs:          map[string]string{"result": strings.TrimSpace(text)},
			ValidationPassed: false,
			ValidationErrors: []string{"response was not the expected JSON result"},
		}
	}

	res := mission.Result{
		Success:          *doc.Success,
		Outputs:          make(map[string]string, len(doc.Outputs)),
		ValidationErrors: doc.ValidationErrors,
		CompletedSteps:   doc.CompletedSteps,
	}
	for k, v := range doc.Outputs {
		switch t := v.(type) {
		case string:
			res.Outputs[k] = t
		default:
			b, _ := json.Marshal(t)
			res.Outputs[k] = string(b)
		}
	}
	if doc.ValidationPassed != nil {
		res.ValidationPassed = *doc.ValidationPassed
	} else {
		res.ValidationPassed = res.Success && len(res.ValidationErrors) == 0
	}
	if res.ValidationErrors == nil {
		res.ValidationErrors = []string{}
	}
	return res
}

func buildTaskPrompt(task mission.Task, pages []Page) string {
	var sb strings.Builder

	sb.WriteString("You are acting as the '" + task.Role.Name + "' role")
	if task.Role.Description != "" {
		sb.WriteString(": " + task.Role.Description)
	}
	sb.WriteString(".\nComplete the task below and check your own work against the success criteria.\n")
	sb.WriteString("Respond ONLY with JSON. No extra text.\n\n")

	sb.WriteString("TASK:\n" + task.Description + "\n\n")
	if len(task.Requirements) > 0 {
		sb.WriteString("STEPS:\n")
		for i, r := range task.Requirements {
			sb.WriteString(fmt.Sprintf("%d) %s\n", i+1, r))
		}
		sb.WriteString("List every step you finished in completed_steps, worded exactly as above.\n\n")
	}
	if len(task.SuccessCriteria) > 0 {
		sb.WriteString("SUCCESS CRITERIA:\n")
		for _, c := range task.SuccessCriteria {
			sb.WriteString("- " + c + "\n")
		}
		sb.WriteString("\n")
	}
	if q := task.Context["quality_threshold"]; q != "" {
		sb.WriteString("QUALITY THRESHOLD: " + q + " (0-1). Set validation_passed=false if the result is below it.\n\n")
	}
	if c := task.Context["initial_context"]; c != "" {
		sb.WriteString("CONTEXT:\n" + c + "\n\n")
	}
	if r := task.Context["resume"]; r != "" {
		sb.WriteString("PREVIOUS PROGRESS:\n" + r + "\n\n")
	}

	if len(task.DependencyOutputs) > 0 {
		sb.WriteString("RESULTS OF PREREQUISITE MISSIONS:\n")
		for _, id := range sortedKeys(task.DependencyOutputs) {
			sb.WriteString("[" + id + "]\n")
			outs := task.DependencyOutputs[id]
			for _, k := range sortedKeys(outs) {
				sb.WriteString(fmt.Sprintf("  %s: %s\n", k, outs[k]))
			}
		}
		sb.WriteString("\n")
	}

	for _, p := range pages {
		if p.Err != "" {
			sb.WriteString(fmt.Sprintf("PAGE %s could not be fetched: %s\n\n", p.URL, p.Err))
			continue
		}
		sb.WriteString(fmt.Sprintf("PAGE %s (%s):\n%s\n", p.URL, p.Title, p.Text))
		if len(p.Links) > 0 {
			sb.WriteString("Links: " + strings.Join(p.Links, " ") + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("OUTPUT JSON SCHEMA:\n")
	sb.WriteString("{\"success\": <bool>, \"outputs\": {\"<name>\": \"<string>\"}, \"validation_passed\": <bool>, \"validation_errors\": [\"<string>\"], \"completed_steps\": [\"<step>\"]}\n")
	sb.WriteString("Assistant: ")
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
