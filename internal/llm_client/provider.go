package llm_client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotInitialized = errors.New("llm provider not initialized")

type Config struct {
	Backend    string
	Model      string
	OllamaHost string
	// APIKey overrides GEMINI_API_KEY for the gemini backend.
	APIKey string
}

type Provider interface {
	Name() string
	DefaultModel() string
	AllowedModelOrDefault(model string) string
	Generate(ctx context.Context, prompt, model string) (string, error)
	GenerateJSON(ctx context.Context, prompt, model string, schema any) (string, error)
}

// New builds the provider named by cfg.Backend (gemini by default).
func New(ctx context.Context, cfg Config) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "gemini"
	}
	switch backend {
	case "ollama":
		p := &ollamaProvider{}
		if err := p.init(cfg); err != nil {
			return nil, err
		}
		return p, nil
	case "gemini":
		p := &geminiProvider{}
		if err := p.init(ctx, cfg); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", backend)
	}
}

// Completer binds a provider to one model and a per-call timeout so it can
// serve as a plain text-completion capability.
type Completer struct {
	provider Provider
	model    string
	timeout  time.Duration
	json     bool
}

func NewCompleter(p Provider, model string, timeout time.Duration) *Completer {
	return &Completer{provider: p, model: model, timeout: timeout}
}

// JSON returns a copy that asks the backend for JSON output.
func (c *Completer) JSON() *Completer {
	cp := *c
	cp.json = true
	return &cp
}

func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.provider == nil {
		return "", ErrNotInitialized
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.json {
		return c.provider.GenerateJSON(ctx, prompt, c.model, nil)
	}
	return c.provider.Generate(ctx, prompt, c.model)
}
