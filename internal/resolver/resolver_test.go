package resolver

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/mission"
)

func m(id string, deps ...string) mission.SubMission {
	return mission.SubMission{ID: id, Goal: "goal " + id, Dependencies: deps}
}

func ids(ms []mission.SubMission) []string {
	out := make([]string, 0, len(ms))
	for _, x := range ms {
		out = append(out, x.ID)
	}
	return out
}

func TestSort(t *testing.T) {
	testCases := []struct {
		name     string
		missions []mission.SubMission
		want     []string
	}{
		{
			name:     "Empty input",
			missions: nil,
			want:     []string{},
		},
		{
			name:     "Linear chain given out of order",
			missions: []mission.SubMission{m("C", "B"), m("B", "A"), m("A")},
			want:     []string{"A", "B", "C"},
		},
		{
			name:     "Independent missions keep input order",
			missions: []mission.SubMission{m("x"), m("y"), m("z")},
			want:     []string{"x", "y", "z"},
		},
		{
			name:     "Diamond",
			missions: []mission.SubMission{m("D", "B", "C"), m("B", "A"), m("C", "A"), m("A")},
			want:     []string{"A", "B", "C", "D"},
		},
		{
			name:     "Duplicate dependency entries count once",
			missions: []mission.SubMission{m("B", "A", "A"), m("A")},
			want:     []string{"A", "B"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Sort(tc.missions)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, ids(got)); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSort_DependenciesPrecedeDependents(t *testing.T) {
	missions := []mission.SubMission{
		m("report", "analyze", "collect"),
		m("analyze", "collect", "clean"),
		m("clean", "collect"),
		m("collect"),
		m("publish", "report"),
		m("notify"),
	}

	got, err := Sort(missions)
	require.NoError(t, err)
	require.Len(t, got, len(missions))

	pos := make(map[string]int, len(got))
	for i, x := range got {
		_, seen := pos[x.ID]
		require.False(t, seen, "mission %s returned twice", x.ID)
		pos[x.ID] = i
	}
	for _, x := range missions {
		for _, dep := range x.Dependencies {
			assert.Less(t, pos[dep], pos[x.ID], "%s must come before %s", dep, x.ID)
		}
	}
}

func TestSort_Cycle(t *testing.T) {
	missions := []mission.SubMission{m("A"), m("B", "A", "D"), m("C", "B"), m("D", "C")}

	got, err := Sort(missions)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, ErrCircularDependency))
	assert.False(t, errors.Is(err, ErrMissingDependency))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	require.NotEmpty(t, cycleErr.Path)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.NotContains(t, cycleErr.Path, "A")
	assert.Contains(t, err.Error(), "->")
}

func TestSort_ValidationIsNotACycle(t *testing.T) {
	testCases := []struct {
		name     string
		missions []mission.SubMission
		wantErr  error
	}{
		{
			name:     "Self dependency",
			missions: []mission.SubMission{m("A", "A")},
			wantErr:  ErrSelfDependency,
		},
		{
			name:     "Unknown dependency",
			missions: []mission.SubMission{m("A"), m("B", "ghost")},
			wantErr:  ErrMissingDependency,
		},
		{
			name:     "Duplicate id",
			missions: []mission.SubMission{m("A"), m("A")},
			wantErr:  ErrDuplicateMission,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Sort(tc.missions)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.NotErrorIs(t, err, ErrCircularDependency)

			var depErr *DependencyError
			assert.True(t, errors.As(err, &depErr))
		})
	}
}

func TestDependencyLevels(t *testing.T) {
	missions := []mission.SubMission{m("A"), m("B", "A"), m("C", "A"), m("D", "B", "C"), m("E")}

	levels, err := DependencyLevels(missions)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 1, "D": 2, "E": 0}, levels)
}

func TestDependencyLevels_PropagatesErrors(t *testing.T) {
	_, err := DependencyLevels([]mission.SubMission{m("A", "B"), m("B", "A")})
	assert.ErrorIs(t, err, ErrCircularDependency)
}
