package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/checkpoint"
	"missionctl/internal/config"
	"missionctl/internal/executor"
	"missionctl/internal/llm_client"
	"missionctl/internal/mission"
	"missionctl/internal/planner"
	"missionctl/internal/store"
	"missionctl/internal/supervisor"
	"missionctl/internal/terminal"
)

// app holds what every command shares: configuration, the record store and
// the managers persisting into it. The LLM provider is created on first use
// so inspection commands work without credentials.
type app struct {
	cfg         config.Config
	store       store.Store
	checkpoints *checkpoint.Manager
	terminal    *terminal.Manager
	breakers    *breaker.Registry
	roles       *supervisor.RoleRegistry

	// executor replaces the LLM-backed executor when set.
	executor supervisor.Executor

	llmOnce   sync.Once
	completer *llm_client.Completer
	llmErr    error
}

func newApp(cfg config.Config) (*app, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:         cfg,
		store:       st,
		checkpoints: checkpoint.NewManager(st),
		terminal:    terminal.NewManager(st, cfg.TerminalConfig()),
		breakers:    breaker.NewRegistry(cfg.BreakerConfig()),
		roles:       supervisor.NewRoleRegistry(supervisor.DefaultRoles()...),
	}, nil
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *app) llm(ctx context.Context) (*llm_client.Completer, error) {
	a.llmOnce.Do(func() {
		p, err := llm_client.New(ctx, a.cfg.LLMClientConfig())
		if err != nil {
			a.llmErr = fmt.Errorf("could not initialize LLM client: %w", err)
			return
		}
		a.completer = llm_client.NewCompleter(p, a.cfg.LLM.Model, a.cfg.LLM.Timeout).JSON()
	})
	return a.completer, a.llmErr
}

func (a *app) decomposer(ctx context.Context) (*planner.Decomposer, error) {
	c, err := a.llm(ctx)
	if err != nil {
		return nil, err
	}
	return planner.NewDecomposer(c), nil
}

// leader builds a Leader for one command. Each gets a fresh budget ledger;
// breakers, checkpoints and terminal states are shared.
func (a *app) leader(ctx context.Context, cfg supervisor.Config) (*supervisor.Leader, error) {
	deps := supervisor.Deps{
		Executor:    a.executor,
		Budget:      budget.NewController(a.cfg.BudgetConfig()),
		Breakers:    a.breakers,
		Checkpoints: a.checkpoints,
		Terminal:    a.terminal,
		Roles:       a.roles,
	}
	if deps.Executor == nil {
		c, err := a.llm(ctx)
		if err != nil {
			return nil, err
		}
		deps.Executor = executor.NewLLMExecutor(c, executor.NewPageFetcher())
		deps.Decomposer = planner.NewDecomposer(c)
	}
	return supervisor.New(cfg, deps), nil
}

// loadMissions reads a mission file when one is given and decomposes the
// goal otherwise.
func (a *app) loadMissions(ctx context.Context, goal, initialContext, missionsFile string) ([]mission.SubMission, error) {
	if strings.TrimSpace(missionsFile) != "" {
		return planner.LoadMissionsFromFile(missionsFile)
	}
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("a goal or --missions file is required")
	}
	d, err := a.decomposer(ctx)
	if err != nil {
		return nil, err
	}
	return d.Decompose(ctx, goal, initialContext)
}
