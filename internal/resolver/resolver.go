// Package resolver orders missions so that every mission runs after the
// missions it depends on.
package resolver

import (
	"missionctl/internal/logger"
	"missionctl/internal/mission"
)

// Validate checks that ids are unique, every dependency exists and no mission
// depends on itself. These are decomposition errors, reported before any
// cycle detection.
func Validate(missions []mission.SubMission) error {
	ids := make(map[string]struct{}, len(missions))
	for _, m := range missions {
		if _, dup := ids[m.ID]; dup {
			return &DependencyError{Kind: KindDuplicate, MissionID: m.ID}
		}
		ids[m.ID] = struct{}{}
	}
	for _, m := range missions {
		for _, dep := range m.Dependencies {
			if dep == m.ID {
				return &DependencyError{Kind: KindSelf, MissionID: m.ID, DependencyID: dep}
			}
			if _, ok := ids[dep]; !ok {
				return &DependencyError{Kind: KindMissing, MissionID: m.ID, DependencyID: dep}
			}
		}
	}
	return nil
}

// Sort returns missions in dependency order using Kahn's algorithm. Among
// missions that become ready together, input order is kept.
func Sort(missions []mission.SubMission) ([]mission.SubMission, error) {
	if len(missions) == 0 {
		return []mission.SubMission{}, nil
	}
	if err := Validate(missions); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(missions))
	for i, m := range missions {
		index[m.ID] = i
	}

	// dependency -> dependents, in input order
	dependents := make([][]int, len(missions))
	inDegree := make([]int, len(missions))
	for i, m := range missions {
		for _, dep := range uniqueDeps(m.Dependencies) {
			d := index[dep]
			dependents[d] = append(dependents[d], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, len(missions))
	for i := range missions {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	ordered := make([]mission.SubMission, 0, len(missions))
	processed := make([]bool, len(missions))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed[cur] = true
		ordered = append(ordered, missions[cur])
		for _, next := range dependents[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(ordered) < len(missions) {
		path := findCycle(missions, index, processed)
		logger.Log.Warnf("[Resolver] Cycle detected among %d unresolved missions: %v", len(missions)-len(ordered), path)
		return nil, &CycleError{Path: path}
	}
	return ordered, nil
}

// findCycle walks dependency edges among unprocessed missions and returns the
// first cycle found, closed on its starting id (A -> B -> A).
func findCycle(missions []mission.SubMission, index map[string]int, processed []bool) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(missions))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = onStack
		stack = append(stack, i)
		for _, dep := range uniqueDeps(missions[i].Dependencies) {
			j := index[dep]
			if processed[j] {
				continue
			}
			switch state[j] {
			case onStack:
				start := 0
				for k, v := range stack {
					if v == j {
						start = k
						break
					}
				}
				for _, v := range stack[start:] {
					cycle = append(cycle, missions[v].ID)
				}
				cycle = append(cycle, missions[j].ID)
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for i := range missions {
		if processed[i] || state[i] != unvisited {
			continue
		}
		if visit(i) {
			return cycle
		}
	}
	return nil
}

// DependencyLevels assigns 0 to missions without dependencies and
// max(level of dependencies)+1 otherwise. Missions on the same level have no
// ordering constraint between them.
func DependencyLevels(missions []mission.SubMission) (map[string]int, error) {
	ordered, err := Sort(missions)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(ordered))
	for _, m := range ordered {
		level := 0
		for _, dep := range m.Dependencies {
			if l := levels[dep] + 1; l > level {
				level = l
			}
		}
		levels[m.ID] = level
	}
	return levels, nil
}

func uniqueDeps(deps []string) []string {
	if len(deps) < 2 {
		return deps
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
