// Package config loads missionctl settings from an optional YAML file and
// MISSIONCTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/llm_client"
	"missionctl/internal/supervisor"
	"missionctl/internal/terminal"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "missionctl.yaml"

const envPrefix = "MISSIONCTL_"

type LLMConfig struct {
	Backend    string        `yaml:"backend"`
	Model      string        `yaml:"model"`
	OllamaHost string        `yaml:"ollama_host"`
	Timeout    time.Duration `yaml:"timeout"`
	// APIKey only comes from the environment.
	APIKey string `yaml:"-"`
}

type RunConfig struct {
	BudgetLimit                float64       `yaml:"budget_limit"`
	MaxMissionRetries          int           `yaml:"max_mission_retries"`
	QualityThreshold           float64       `yaml:"quality_threshold"`
	ExecutionTimeout           time.Duration `yaml:"execution_timeout"`
	RunTimeout                 time.Duration `yaml:"run_timeout"`
	MissionTimeout             time.Duration `yaml:"mission_timeout"`
	DefaultRole                string        `yaml:"default_role"`
	EnhanceOnValidationFailure bool          `yaml:"enhance_on_validation_failure"`
	EscalateAfter              int           `yaml:"escalate_after"`
	HelperBudgetFraction       float64       `yaml:"helper_budget_fraction"`
	RetryBackoff               time.Duration `yaml:"retry_backoff"`
	ResumeFromCheckpoints      bool          `yaml:"resume_from_checkpoints"`
}

type BreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	MinCalls             int           `yaml:"min_calls"`
	TimeWindow           time.Duration `yaml:"time_window"`
	OpenTimeout          time.Duration `yaml:"open_timeout"`
	HalfOpenMaxCalls     int           `yaml:"half_open_max_calls"`
}

type BudgetConfig struct {
	WarningRatio        float64 `yaml:"warning_ratio"`
	CriticalRatio       float64 `yaml:"critical_ratio"`
	ReallocationFloor   float64 `yaml:"reallocation_floor"`
	RemainingCostFactor float64 `yaml:"remaining_cost_factor"`
	ResumeThreshold     float64 `yaml:"resume_threshold"`
	PriorityPenalty     int     `yaml:"priority_penalty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Path  string `yaml:"path"`
	Debug bool   `yaml:"debug"`
}

type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Run     RunConfig     `yaml:"run"`
	Breaker BreakerConfig `yaml:"breaker"`
	Budget  BudgetConfig  `yaml:"budget"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

func Default() Config {
	run := supervisor.DefaultConfig()
	br := breaker.DefaultConfig()
	bu := budget.DefaultConfig()
	te := terminal.DefaultConfig()
	return Config{
		LLM: LLMConfig{Backend: "gemini", Timeout: 2 * time.Minute},
		Run: RunConfig{
			BudgetLimit:          run.BudgetLimit,
			MaxMissionRetries:    run.MaxMissionRetries,
			QualityThreshold:     run.QualityThreshold,
			ExecutionTimeout:     run.ExecutionTimeout,
			DefaultRole:          run.DefaultRole,
			HelperBudgetFraction: run.HelperBudgetFraction,
		},
		Breaker: BreakerConfig{
			FailureThreshold:     br.FailureThreshold,
			FailureRateThreshold: br.FailureRateThreshold,
			MinCalls:             br.MinCalls,
			TimeWindow:           br.TimeWindow,
			OpenTimeout:          br.OpenTimeout,
			HalfOpenMaxCalls:     br.HalfOpenMaxCalls,
		},
		Budget: BudgetConfig{
			WarningRatio:        bu.WarningRatio,
			CriticalRatio:       bu.CriticalRatio,
			ReallocationFloor:   bu.ReallocationFloor,
			RemainingCostFactor: te.RemainingCostFactor,
			ResumeThreshold:     te.ResumeThreshold,
			PriorityPenalty:     bu.PriorityPenalty,
		},
		Store: StoreConfig{Driver: "file", Path: ".missionctl/state"},
		Log:   LogConfig{Path: "missionctl.log"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is only an error when required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !required:
		case err != nil:
			return cfg, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str(envPrefix+"LLM_BACKEND", &c.LLM.Backend)
	str(envPrefix+"LLM_MODEL", &c.LLM.Model)
	str("OLLAMA_HOST", &c.LLM.OllamaHost)
	str(envPrefix+"OLLAMA_HOST", &c.LLM.OllamaHost)
	str("GEMINI_API_KEY", &c.LLM.APIKey)
	duration("LLM_TIMEOUT", &c.LLM.Timeout)

	float("BUDGET_LIMIT", &c.Run.BudgetLimit)
	integer("MAX_MISSION_RETRIES", &c.Run.MaxMissionRetries)
	float("QUALITY_THRESHOLD", &c.Run.QualityThreshold)
	duration("EXECUTION_TIMEOUT", &c.Run.ExecutionTimeout)
	duration("RUN_TIMEOUT", &c.Run.RunTimeout)
	duration("MISSION_TIMEOUT", &c.Run.MissionTimeout)
	str(envPrefix+"DEFAULT_ROLE", &c.Run.DefaultRole)
	boolean("ENHANCE_ON_VALIDATION_FAILURE", &c.Run.EnhanceOnValidationFailure)
	integer("ESCALATE_AFTER", &c.Run.EscalateAfter)
	duration("RETRY_BACKOFF", &c.Run.RetryBackoff)
	boolean("RESUME", &c.Run.ResumeFromCheckpoints)

	str(envPrefix+"STORE_DRIVER", &c.Store.Driver)
	str(envPrefix+"STORE_PATH", &c.Store.Path)
	str(envPrefix+"LOG_PATH", &c.Log.Path)
	boolean("DEBUG", &c.Log.Debug)

	return errors.Join(errs...)
}

// Validate reports every out-of-range value at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	ratio := func(v float64) bool { return v >= 0 && v <= 1 }

	check(c.LLM.Backend == "gemini" || c.LLM.Backend == "ollama", "llm.backend must be gemini or ollama, got %q", c.LLM.Backend)
	check(c.LLM.Timeout >= 0, "llm.timeout must not be negative")

	check(c.Run.BudgetLimit > 0, "run.budget_limit must be positive, got %v", c.Run.BudgetLimit)
	check(c.Run.MaxMissionRetries >= 1, "run.max_mission_retries must be at least 1, got %d", c.Run.MaxMissionRetries)
	check(ratio(c.Run.QualityThreshold), "run.quality_threshold must be within [0,1], got %v", c.Run.QualityThreshold)
	check(c.Run.ExecutionTimeout >= 0 && c.Run.RunTimeout >= 0 && c.Run.MissionTimeout >= 0 && c.Run.RetryBackoff >= 0,
		"run timeouts must not be negative")
	check(strings.TrimSpace(c.Run.DefaultRole) != "", "run.default_role must be set")
	check(c.Run.EscalateAfter >= 0, "run.escalate_after must not be negative")
	check(c.Run.HelperBudgetFraction > 0 && c.Run.HelperBudgetFraction <= 1,
		"run.helper_budget_fraction must be within (0,1], got %v", c.Run.HelperBudgetFraction)

	check(c.Breaker.FailureThreshold >= 1, "breaker.failure_threshold must be at least 1")
	check(c.Breaker.FailureRateThreshold > 0 && c.Breaker.FailureRateThreshold <= 1,
		"breaker.failure_rate_threshold must be within (0,1], got %v", c.Breaker.FailureRateThreshold)
	check(c.Breaker.MinCalls >= 1, "breaker.min_calls must be at least 1")
	check(c.Breaker.TimeWindow > 0 && c.Breaker.OpenTimeout > 0, "breaker windows must be positive")
	check(c.Breaker.HalfOpenMaxCalls >= 1, "breaker.half_open_max_calls must be at least 1")

	check(ratio(c.Budget.WarningRatio) && ratio(c.Budget.CriticalRatio), "budget ratios must be within [0,1]")
	check(c.Budget.WarningRatio < c.Budget.CriticalRatio,
		"budget.warning_ratio (%v) must be below budget.critical_ratio (%v)", c.Budget.WarningRatio, c.Budget.CriticalRatio)
	check(ratio(c.Budget.ReallocationFloor), "budget.reallocation_floor must be within [0,1]")
	check(c.Budget.RemainingCostFactor >= 0, "budget.remaining_cost_factor must not be negative")
	check(ratio(c.Budget.ResumeThreshold), "budget.resume_threshold must be within [0,1]")
	check(c.Budget.PriorityPenalty >= 0, "budget.priority_penalty must not be negative")

	switch c.Store.Driver {
	case "memory":
	case "file", "sqlite":
		check(c.Store.Path != "", "store.path is required for the %s driver", c.Store.Driver)
	default:
		check(false, "store.driver must be memory, file or sqlite, got %q", c.Store.Driver)
	}
	return errors.Join(errs...)
}

func (c Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		BudgetLimit:                c.Run.BudgetLimit,
		MaxMissionRetries:          c.Run.MaxMissionRetries,
		QualityThreshold:           c.Run.QualityThreshold,
		ExecutionTimeout:           c.Run.ExecutionTimeout,
		RunTimeout:                 c.Run.RunTimeout,
		MissionTimeout:             c.Run.MissionTimeout,
		DefaultRole:                c.Run.DefaultRole,
		EnhanceOnValidationFailure: c.Run.EnhanceOnValidationFailure,
		EscalateAfter:              c.Run.EscalateAfter,
		HelperBudgetFraction:       c.Run.HelperBudgetFraction,
		RetryBackoff:               c.Run.RetryBackoff,
		ResumeFromCheckpoints:      c.Run.ResumeFromCheckpoints,
	}
}

func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:     c.Breaker.FailureThreshold,
		FailureRateThreshold: c.Breaker.FailureRateThreshold,
		MinCalls:             c.Breaker.MinCalls,
		TimeWindow:           c.Breaker.TimeWindow,
		OpenTimeout:          c.Breaker.OpenTimeout,
		HalfOpenMaxCalls:     c.Breaker.HalfOpenMaxCalls,
	}
}

func (c Config) BudgetConfig() budget.Config {
	return budget.Config{
		WarningRatio:      c.Budget.WarningRatio,
		CriticalRatio:     c.Budget.CriticalRatio,
		PriorityPenalty:   c.Budget.PriorityPenalty,
		ReallocationFloor: c.Budget.ReallocationFloor,
	}
}

func (c Config) TerminalConfig() terminal.Config {
	return terminal.Config{
		RemainingCostFactor: c.Budget.RemainingCostFactor,
		ResumeThreshold:     c.Budget.ResumeThreshold,
	}
}

func (c Config) LLMClientConfig() llm_client.Config {
	return llm_client.Config{
		Backend:    c.LLM.Backend,
		Model:      c.LLM.Model,
		OllamaHost: c.LLM.OllamaHost,
		APIKey:     c.LLM.APIKey,
	}
}
