package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"missionctl/internal/mission"
)

/*
LoadMissionsFromFile reads a hand-written mission list and skips model
decomposition. It supports these shapes:

 1. Object (preferred):
    { "missions": [ {..mission..}, ... ] }

 2. Bare array:
    [ {..mission..}, ... ]

Missions without an id are named "mission_<n>". Dependencies are validated
the same way as for decomposed missions.
*/
func LoadMissionsFromFile(path string) ([]mission.SubMission, error) {
	clean := filepath.Clean(path)
	if _, err := os.Stat(clean); err != nil {
		return nil, fmt.Errorf("missions file not found: %s", clean)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", clean, err)
	}
	docs, err := decodeMissionList(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	missions, err := normalize(docs, DefaultEstimatedCost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	if err := ValidateDependencies(missions); err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	return missions, nil
}
