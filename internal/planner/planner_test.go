package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/mission"
	"missionctl/internal/resolver"
)

func constant(text string, err error) Completer {
	return CompleterFunc(func(context.Context, string) (string, error) { return text, err })
}

func TestExtractJSON(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "Labelled fence wins over earlier plain fence",
			in:   "```\nnot this\n```\nthen\n```json\n{\"a\":1}\n```",
			want: `{"a":1}`,
		},
		{
			name: "Upper-case label",
			in:   "Here:\n```JSON\n[1]\n```",
			want: `[1]`,
		},
		{
			name: "First unlabelled fence",
			in:   "```\n{\"b\":2}\n```\n```\n{\"c\":3}\n```",
			want: `{"b":2}`,
		},
		{
			name: "Raw text",
			in:   "  {\"missions\":[]}  ",
			want: `{"missions":[]}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSON(tc.in))
		})
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name   string
		in     string
		status ParseStatus
		ids    []string
	}{
		{
			name:   "Valid object",
			in:     "```json\n{\"missions\":[{\"id\":\"a\",\"goal\":\"do a\"},{\"id\":\"b\",\"goal\":\"do b\",\"dependencies\":[\"a\"]}]}\n```",
			status: ParseOK,
			ids:    []string{"a", "b"},
		},
		{
			name:   "Bare array with missing ids",
			in:     `[{"goal":"x"},{"goal":"y"}]`,
			status: ParseOK,
			ids:    []string{"mission_1", "mission_2"},
		},
		{name: "Not JSON", in: "I cannot help with that.", status: ParseFailed},
		{name: "Empty", in: "   ", status: ParseFailed},
		{name: "Empty list", in: `{"missions":[]}`, status: SchemaInvalid},
		{name: "Wrong shape", in: `{"plan":[1,2]}`, status: SchemaInvalid},
		{name: "Mission without goal", in: `{"missions":[{"id":"a"}]}`, status: SchemaInvalid},
		{name: "Negative cost", in: `{"missions":[{"goal":"a","estimated_cost":-1}]}`, status: SchemaInvalid},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := Parse(tc.in, 1)
			assert.Equal(t, tc.status, res.Status)
			if tc.status == ParseOK {
				require.NoError(t, res.Err)
				var ids []string
				for _, m := range res.Missions {
					ids = append(ids, m.ID)
				}
				assert.Equal(t, tc.ids, ids)
			} else {
				assert.Error(t, res.Err)
				assert.Nil(t, res.Missions)
			}
		})
	}
}

func TestParse_Normalizes(t *testing.T) {
	res := Parse(`{"missions":[{"id":" a ","type":"Research","goal":" look ","priority":42,"requirements":["x",""," y "]}]}`, 2.5)
	require.Equal(t, ParseOK, res.Status)
	m := res.Missions[0]
	assert.Equal(t, "a", m.ID)
	assert.Equal(t, "research", m.Type)
	assert.Equal(t, "look", m.Goal)
	assert.Equal(t, 10, m.Priority)
	assert.Equal(t, 2.5, m.EstimatedCost)
	assert.Equal(t, []string{"x", "y"}, m.Requirements)
}

func TestDecompose_Success(t *testing.T) {
	var prompt string
	llm := CompleterFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "```json\n{\"missions\":[{\"id\":\"collect\",\"type\":\"research\",\"goal\":\"collect\",\"priority\":8,\"estimated_cost\":2},{\"id\":\"write\",\"goal\":\"write\",\"dependencies\":[\"collect\"]}]}\n```", nil
	})

	got, err := NewDecomposer(llm).Decompose(context.Background(), "compare vendors", "budget is tight")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "research", got[0].Type)
	assert.Equal(t, 2.0, got[0].EstimatedCost)
	assert.Equal(t, mission.DefaultType, got[1].Type)
	assert.Equal(t, mission.DefaultPriority, got[1].Priority)
	assert.Contains(t, prompt, "compare vendors")
	assert.Contains(t, prompt, "budget is tight")
}

func TestDecompose_FallsBack(t *testing.T) {
	testCases := []struct {
		name string
		llm  Completer
	}{
		{name: "Garbage answer", llm: constant("sure, here is a plan!", nil)},
		{name: "Empty mission list", llm: constant(`{"missions":[]}`, nil)},
		{name: "Completion error", llm: constant("", errors.New("503"))},
		{name: "No model", llm: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			goal := "Write a haiku about Go"
			got, err := NewDecomposer(tc.llm).Decompose(context.Background(), goal, "")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, goal, got[0].Goal)
			assert.Equal(t, mission.DefaultType, got[0].Type)
			assert.Equal(t, 5, got[0].Priority)
			assert.Empty(t, got[0].Dependencies)
		})
	}
}

func TestDecompose_SelfDependencyRejected(t *testing.T) {
	llm := constant(`{"missions":[{"id":"a","goal":"a"},{"id":"b","goal":"b","dependencies":["a","b"]}]}`, nil)

	_, err := NewDecomposer(llm).Decompose(context.Background(), "goal", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, resolver.ErrSelfDependency)
	assert.NotErrorIs(t, err, resolver.ErrCircularDependency)
}

func TestDecompose_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := CompleterFunc(func(ctx context.Context, _ string) (string, error) { return "", ctx.Err() })

	_, err := NewDecomposer(llm).Decompose(ctx, "goal", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadMissionsFromFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	testCases := []struct {
		name    string
		path    string
		wantIDs []string
		wantErr string
	}{
		{
			name:    "Object form",
			path:    write("obj.json", `{"missions":[{"id":"a","goal":"a"},{"id":"b","goal":"b","dependencies":["a"]}]}`),
			wantIDs: []string{"a", "b"},
		},
		{
			name:    "Bare array",
			path:    write("arr.json", `[{"goal":"only"}]`),
			wantIDs: []string{"mission_1"},
		},
		{
			name:    "Unknown dependency",
			path:    write("bad.json", `[{"id":"a","goal":"a","dependencies":["zzz"]}]`),
			wantErr: "zzz",
		},
		{
			name:    "Missing file",
			path:    filepath.Join(dir, "nope.json"),
			wantErr: "not found",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoadMissionsFromFile(tc.path)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tc.wantErr), err.Error())
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, m := range got {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tc.wantIDs, ids)
		})
	}
}
