package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/mission"
)

type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestParseResult(t *testing.T) {
	testCases := []struct {
		name     string
		in       string
		expected mission.Result
	}{
		{
			name: "Structured success",
			in:   "```json\n{\"success\":true,\"outputs\":{\"summary\":\"done\",\"count\":3},\"validation_passed\":true,\"validation_errors\":[]}\n```",
			expected: mission.Result{
				Success:          true,
				Outputs:          map[string]string{"summary": "done", "count": "3"},
				ValidationPassed: true,
				ValidationErrors: []string{},
			},
		},
		{
			name: "Validation failure",
			in:   `{"success":true,"outputs":{},"validation_passed":false,"validation_errors":["missing price"]}`,
			expected: mission.Result{
				Success:          true,
				Outputs:          map[string]string{},
				ValidationPassed: false,
				ValidationErrors: []string{"missing price"},
			},
		},
		{
			name: "Validation flag omitted",
			in:   `{"success":true,"outputs":{"a":"b"}}`,
			expected: mission.Result{
				Success:          true,
				Outputs:          map[string]string{"a": "b"},
				ValidationPassed: true,
				ValidationErrors: []string{},
			},
		},
		{
			name: "Partial progress",
			in:   `{"success":false,"outputs":{"outline":"1. intro"},"validation_passed":false,"validation_errors":["no draft"],"completed_steps":["outline"]}`,
			expected: mission.Result{
				Success:          false,
				Outputs:          map[string]string{"outline": "1. intro"},
				ValidationPassed: false,
				ValidationErrors: []string{"no draft"},
				CompletedSteps:   []string{"outline"},
			},
		},
		{
			name: "Plain prose",
			in:   "Here is your haiku.",
			expected: mission.Result{
				Success:          true,
				Outputs:          map[string]string{"result": "Here is your haiku."},
				ValidationPassed: false,
				ValidationErrors: []string{"response was not the expected JSON result"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseResult(tc.in))
		})
	}
}

func TestFindURLs(t *testing.T) {
	got := FindURLs("Read https://a.example/pricing.", "then (https://b.example/x) and https://a.example/pricing")
	assert.Equal(t, []string{"https://a.example/pricing", "https://b.example/x"}, got)
	assert.Empty(t, FindURLs("no links here"))
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title> Pricing </title><style>.x{}</style></head>
<body><script>var secret = 1;</script><h1>Plans</h1><p>Pro   costs  $10</p><a href="/enterprise">Enterprise</a><a href="/enterprise"></a><a href="mailto:sales@example.com">Mail</a></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchAll(t *testing.T) {
	srv := newSite(t)
	pages := NewPageFetcher().FetchAll(context.Background(), []string{srv.URL + "/ok", srv.URL + "/missing"})
	require.Len(t, pages, 2)

	assert.Equal(t, "Pricing", pages[0].Title)
	assert.Equal(t, "Plans Pro costs $10 Enterprise Mail", pages[0].Text)
	assert.Equal(t, []string{srv.URL + "/enterprise"}, pages[0].Links)
	assert.NotContains(t, pages[0].Text, "secret")
	assert.Empty(t, pages[0].Err)

	assert.Equal(t, "status 404", pages[1].Err)
}

func TestExecute_BuildsPromptFromTask(t *testing.T) {
	srv := newSite(t)
	var prompt string
	llm := completerFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return `{"success":true,"outputs":{"answer":"Pro"},"validation_passed":true,"validation_errors":[]}`, nil
	})

	ex := NewLLMExecutor(llm, NewPageFetcher())
	res, err := ex.Execute(context.Background(), mission.Task{
		MissionID:         "pick",
		Role:              mission.Role{Name: "analyst", Description: "compares options"},
		Description:       "Pick the best plan from " + srv.URL + "/ok",
		SuccessCriteria:   []string{"names a plan"},
		DependencyOutputs: map[string]map[string]string{"collect": {"tiers": "Pro, Team"}},
		Context:           map[string]string{"quality_threshold": "0.8"},
	})
	require.NoError(t, err)
	assert.True(t, res.ValidationPassed)
	assert.Equal(t, "Pro", res.Outputs["answer"])

	for _, want := range []string{"'analyst' role", "names a plan", "[collect]", "tiers: Pro, Team", "Plans Pro costs $10", "QUALITY THRESHOLD: 0.8"} {
		assert.True(t, strings.Contains(prompt, want), "prompt missing %q", want)
	}
}

func TestExecute_CompletionError(t *testing.T) {
	boom := errors.New("model overloaded")
	ex := NewLLMExecutor(completerFunc(func(context.Context, string) (string, error) { return "", boom }), nil)
	_, err := ex.Execute(context.Background(), mission.Task{MissionID: "m"})
	assert.ErrorIs(t, err, boom)

	_, err = NewLLMExecutor(nil, nil).Execute(context.Background(), mission.Task{})
	assert.Error(t, err)
}
