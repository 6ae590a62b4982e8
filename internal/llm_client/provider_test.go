package llm_client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Backends(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := New(context.Background(), Config{Backend: "openai"})
	assert.ErrorContains(t, err, "unsupported")

	_, err = New(context.Background(), Config{})
	assert.ErrorContains(t, err, "GEMINI_API_KEY")

	p, err := New(context.Background(), Config{Backend: "Ollama", OllamaHost: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, ollamaDefault, p.AllowedModelOrDefault(""))
	assert.Equal(t, "llama3", p.AllowedModelOrDefault("llama3"))
}

func TestGeminiModelSelection(t *testing.T) {
	p := &geminiProvider{model: "gemini-1.5-pro"}
	testCases := []struct {
		in   string
		want string
	}{
		{in: "", want: "gemini-1.5-pro"},
		{in: "gemini-2.5-flash", want: "gemini-2.5-flash"},
		{in: "gpt-4o", want: geminiDefault},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, p.AllowedModelOrDefault(tc.in))
		})
	}
}

func TestOllamaGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","response":"{\"ok\":true}","done":true}` + "\n"))
	}))
	defer srv.Close()

	p, err := New(context.Background(), Config{Backend: "ollama", OllamaHost: srv.URL, Model: "m"})
	require.NoError(t, err)

	out, err := NewCompleter(p, "", time.Second).JSON().Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "m", got["model"])
	assert.Equal(t, "json", got["format"])
	assert.Equal(t, false, got["stream"])
}

type slowProvider struct{ geminiProvider }

func (slowProvider) Generate(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCompleter_Timeout(t *testing.T) {
	c := NewCompleter(&slowProvider{}, "", 20*time.Millisecond)
	_, err := c.Complete(context.Background(), "x")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var nilCompleter *Completer
	_, err = nilCompleter.Complete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotInitialized)
}
