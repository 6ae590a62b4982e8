package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"missionctl/internal/config"
	"missionctl/internal/logger"
	"missionctl/internal/supervisor"
)

type options struct {
	configPath string
	// executor replaces the LLM-backed executor; tests set it.
	executor supervisor.Executor

	app *app
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "missionctl",
		Short: "Autonomous mission orchestration powered by an LLM",
		Long: `missionctl breaks a goal into dependent missions, runs them in dependency order
under a hierarchical budget and per-role circuit breakers, and keeps checkpoints
and terminal states so unfinished work can be inspected and resumed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			required := cmd.Flags().Changed("config")
			if path == "" {
				path = config.DefaultPath
			}
			cfg, err := config.Load(path, required)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log.Path, cfg.Log.Debug); err != nil {
				return fmt.Errorf("could not initialize logger: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			a.executor = opts.executor
			opts.app = a
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, opts.app)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (default "+config.DefaultPath+")")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newCheckpointCmd(opts),
		newDeliverablesCmd(opts),
	)
	return rootCmd
}

func (o *options) close() {
	if err := o.app.Close(); err != nil {
		logger.Log.Warnf("closing store: %v", err)
	}
	logger.Sync()
}

func Execute() {
	opts := &options{}
	err := newRootCmd(opts).Execute()
	opts.close()
	if err != nil {
		os.Exit(1)
	}
}
