package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"missionctl/internal/mission"
)

var (
	ErrParse  = errors.New("decomposition response is not valid JSON")
	ErrSchema = errors.New("decomposition response does not match the mission schema")
)

type ParseStatus int

const (
	ParseOK ParseStatus = iota
	ParseFailed
	SchemaInvalid
)

func (s ParseStatus) String() string {
	switch s {
	case ParseOK:
		return "ok"
	case ParseFailed:
		return "parse_error"
	case SchemaInvalid:
		return "schema_error"
	default:
		return "unknown"
	}
}

// ParseResult is the tagged outcome of parsing a decomposition response.
// Missions is set only when Status is ParseOK; Err only otherwise.
type ParseResult struct {
	Status   ParseStatus
	Missions []mission.SubMission
	Err      error
}

var (
	jsonFenceRe = regexp.MustCompile("(?is)```json[ \\t]*\\n?(.*?)```")
	anyFenceRe  = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \\t]*\\n?(.*?)```")
)

// ExtractJSON picks the payload out of a model answer: a ```json fence if
// present, else the first fence of any kind, else the whole text.
func ExtractJSON(text string) string {
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

type missionDoc struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Goal            string   `json:"goal"`
	Requirements    []string `json:"requirements"`
	SuccessCriteria []string `json:"success_criteria"`
	Dependencies    []string `json:"dependencies"`
	Priority        *int     `json:"priority"`
	EstimatedCost   *float64 `json:"estimated_cost"`
}

// Parse decodes a decomposition response. It never falls back; callers
// decide what to do with a non-OK result.
func Parse(text string, defaultCost float64) ParseResult {
	payload := ExtractJSON(text)
	if payload == "" {
		return ParseResult{Status: ParseFailed, Err: fmt.Errorf("%w: empty response", ErrParse)}
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return ParseResult{Status: ParseFailed, Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}

	docs, err := decodeMissionList(raw)
	if err != nil {
		return ParseResult{Status: SchemaInvalid, Err: err}
	}
	missions, err := normalize(docs, defaultCost)
	if err != nil {
		return ParseResult{Status: SchemaInvalid, Err: err}
	}
	return ParseResult{Status: ParseOK, Missions: missions}
}

// decodeMissionList accepts {"missions":[...]} or a bare array.
func decodeMissionList(raw json.RawMessage) ([]missionDoc, error) {
	var obj struct {
		Missions *[]missionDoc `json:"missions"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Missions != nil {
		if len(*obj.Missions) == 0 {
			return nil, fmt.Errorf("%w: 'missions' is empty", ErrSchema)
		}
		return *obj.Missions, nil
	}

	var arr []missionDoc
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("%w: mission list is empty", ErrSchema)
		}
		return arr, nil
	}
	return nil, fmt.Errorf("%w: expected an object with a 'missions' array", ErrSchema)
}

func normalize(docs []missionDoc, defaultCost float64) ([]mission.SubMission, error) {
	out := make([]mission.SubMission, 0, len(docs))
	for i, d := range docs {
		goal := strings.TrimSpace(d.Goal)
		if goal == "" {
			return nil, fmt.Errorf("%w: mission #%d has no goal", ErrSchema, i+1)
		}
		id := strings.TrimSpace(d.ID)
		if id == "" {
			id = fmt.Sprintf("mission_%d", i+1)
		}
		typ := strings.ToLower(strings.TrimSpace(d.Type))
		if typ == "" {
			typ = mission.DefaultType
		}
		priority := mission.DefaultPriority
		if d.Priority != nil {
			priority = mission.ClampPriority(*d.Priority)
		}
		cost := defaultCost
		if d.EstimatedCost != nil {
			if *d.EstimatedCost < 0 {
				return nil, fmt.Errorf("%w: mission %s has a negative estimated_cost", ErrSchema, id)
			}
			cost = *d.EstimatedCost
		}
		out = append(out, mission.SubMission{
			ID:              id,
			Type:            typ,
			Goal:            goal,
			Requirements:    trimAll(d.Requirements),
			SuccessCriteria: trimAll(d.SuccessCriteria),
			Dependencies:    trimAll(d.Dependencies),
			Priority:        priority,
			EstimatedCost:   cost,
		})
	}
	return out, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
