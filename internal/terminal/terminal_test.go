package terminal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/store"
)

func TestSuggestions(t *testing.T) {
	cfg := DefaultConfig()
	testCases := []struct {
		name     string
		state    TerminalState
		contains []string
		count    int
	}{
		{
			name:     "Partial success lists pending steps",
			state:    TerminalState{StateType: PartialSuccess, CompletionRatio: 0.4, PendingSteps: []string{"draft", "edit"}},
			contains: []string{"draft, edit"},
			count:    1,
		},
		{
			name:     "Timeout",
			state:    TerminalState{StateType: Timeout, PendingSteps: []string{"crawl"}},
			contains: []string{"time budget", "stalled at crawl"},
			count:    2,
		},
		{
			name:     "Budget exceeded estimates half of consumed",
			state:    TerminalState{StateType: BudgetExceeded, TotalCost: 10},
			contains: []string{"5.00", "lower-cost"},
			count:    2,
		},
		{
			name:     "Blocked lists failed dependencies",
			state:    TerminalState{StateType: Blocked, FailedSteps: []string{"A"}},
			contains: []string{"unmet dependencies: A"},
			count:    1,
		},
		{
			name:     "Failed mentions error",
			state:    TerminalState{StateType: Failed, ErrorDetails: "connection refused"},
			contains: []string{"connection refused", "Retry"},
			count:    2,
		},
		{
			name:     "Mostly complete adds resume",
			state:    TerminalState{StateType: Failed, CompletionRatio: 0.75},
			contains: []string{"75% already complete"},
			count:    3,
		},
		{
			name:  "Success has nothing to recover",
			state: TerminalState{StateType: Success, CompletionRatio: 1},
			count: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Suggestions(tc.state, cfg)
			assert.Len(t, got, tc.count)
			joined := strings.Join(got, "\n")
			for _, want := range tc.contains {
				assert.Contains(t, joined, want)
			}
			assert.Equal(t, got, Suggestions(tc.state, cfg), "must be deterministic")
		})
	}
}

func TestSuggestions_ConfigurableFactor(t *testing.T) {
	got := Suggestions(TerminalState{StateType: BudgetExceeded, TotalCost: 10}, Config{RemainingCostFactor: 0.25, ResumeThreshold: 0.5})
	assert.Contains(t, got[0], "2.50")
}

func TestRecord_AndPartialDeliverables(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := NewManager(st, DefaultConfig())

	ts, err := m.Record(ctx, Outcome{
		MissionID:       "B",
		Type:            Failed,
		CompletionRatio: 1.7,
		CompletedSteps:  []string{"a"},
		PartialOutputs:  []string{"partial.txt"},
		Deliverables:    map[string]string{"summary": "half done"},
		Reason:          "retries exhausted",
		Err:             errors.New("boom"),
		Cost:            3,
		Duration:        time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, ts.CompletionRatio, "ratio is clamped")
	assert.Equal(t, "boom", ts.ErrorDetails)
	assert.NotEmpty(t, ts.RecoverySuggestions)

	pd, err := m.GetPartialDeliverables("B")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"summary": "half done"}, pd.Deliverables)
	assert.Equal(t, []string{"partial.txt"}, pd.PartialOutputs)
	assert.Equal(t, ts.RecoverySuggestions, pd.RecoverySuggestions)

	_, err = m.GetPartialDeliverables("nope")
	assert.ErrorIs(t, err, ErrNoTerminalState)

	recs, err := st.List(ctx, store.KindTerminal, "B")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestGetReturnsLatest_AllKeepsOrder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, Config{})
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return frozen })

	_, err := m.Record(ctx, Outcome{MissionID: "A", Type: Cancelled})
	require.NoError(t, err)
	_, err = m.Record(ctx, Outcome{MissionID: "C", Type: Blocked})
	require.NoError(t, err)
	_, err = m.Record(ctx, Outcome{MissionID: "A", Type: Success, CompletionRatio: 1})
	require.NoError(t, err)

	got, ok := m.Get("A")
	require.True(t, ok)
	assert.Equal(t, Success, got.StateType)

	all := m.All()
	require.Len(t, all, 3)
	assert.Equal(t, []StateType{Cancelled, Blocked, Success}, []StateType{all[0].StateType, all[1].StateType, all[2].StateType})
}

func TestLoad_FromStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewManager(st, DefaultConfig()).Record(ctx, Outcome{MissionID: "A", Type: Timeout, PendingSteps: []string{"x"}})
	require.NoError(t, err)

	fresh := NewManager(st, DefaultConfig())
	found, err := fresh.Load(ctx, "A")
	require.NoError(t, err)
	require.True(t, found)

	pd, err := fresh.GetPartialDeliverables("A")
	require.NoError(t, err)
	assert.NotEmpty(t, pd.RecoverySuggestions)

	// loading again, or loading what this manager recorded, adds nothing
	found, err = fresh.Load(ctx, "A")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, fresh.All(), 1)

	_, err = fresh.Record(ctx, Outcome{MissionID: "A", Type: Success, CompletionRatio: 1})
	require.NoError(t, err)
	_, err = fresh.Load(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, fresh.All(), 2)
	latest, ok := fresh.Get("A")
	require.True(t, ok)
	assert.Equal(t, Success, latest.StateType)
}
