package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"missionctl/internal/display"
	"missionctl/internal/logger"
	"missionctl/internal/mission"
	"missionctl/internal/resolver"
	"missionctl/internal/supervisor"
	"missionctl/internal/terminal"
)

type runFlags struct {
	initialContext string
	missionsFile   string
	budget         float64
	retries        int
	quality        float64
	resume         bool
	yes            bool
	json           bool
}

func newRunCmd(opts *options) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Decompose a goal and run its missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := opts.app
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			goal := strings.Join(args, " ")
			missions, err := a.loadMissions(ctx, goal, f.initialContext, f.missionsFile)
			if err != nil {
				return err
			}
			if goal == "" {
				goal = f.missionsFile
			}
			if err := printPlan(cmd.OutOrStdout(), missions); err != nil {
				return err
			}
			if !f.yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Do you want to execute this plan? [y/n] > ") {
				fmt.Fprintln(cmd.OutOrStdout(), "[Plan REJECTED]")
				return nil
			}

			cfg := a.cfg.SupervisorConfig()
			if cmd.Flags().Changed("budget") {
				cfg.BudgetLimit = f.budget
			}
			if cmd.Flags().Changed("retries") {
				cfg.MaxMissionRetries = f.retries
			}
			if cmd.Flags().Changed("quality") {
				cfg.QualityThreshold = f.quality
			}
			if cmd.Flags().Changed("resume") {
				cfg.ResumeFromCheckpoints = f.resume
			}

			leader, err := a.leader(ctx, cfg)
			if err != nil {
				return err
			}
			res, err := leader.Execute(ctx, goal, f.initialContext, missions)
			if err != nil {
				return err
			}
			if cancelled(ctx, res) {
				fmt.Fprintln(cmd.ErrOrStderr(), "[Run CANCELLED]")
			}
			return printRunResult(cmd.OutOrStdout(), res, f.json)
		},
	}
	cmd.Flags().StringVar(&f.initialContext, "context", "", "initial context handed to every mission")
	cmd.Flags().StringVar(&f.missionsFile, "missions", "", "run missions from a JSON file instead of decomposing a goal")
	cmd.Flags().Float64Var(&f.budget, "budget", 0, "session budget limit")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "maximum attempts per mission")
	cmd.Flags().Float64Var(&f.quality, "quality", 0, "quality threshold passed to execution")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "continue missions from stored checkpoints")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "run without asking for confirmation")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the run result as JSON")
	return cmd
}

func newPlanCmd(opts *options) *cobra.Command {
	var initialContext, missionsFile string
	cmd := &cobra.Command{
		Use:   "plan [goal]",
		Short: "Decompose a goal and print the execution order without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			missions, err := opts.app.loadMissions(cmd.Context(), strings.Join(args, " "), initialContext, missionsFile)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), missions)
		},
	}
	cmd.Flags().StringVar(&initialContext, "context", "", "initial context for decomposition")
	cmd.Flags().StringVar(&missionsFile, "missions", "", "read missions from a JSON file instead of decomposing a goal")
	return cmd
}

func newCheckpointCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "checkpoint <mission-id>",
		Short: "Print the resume context of a mission's latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cps := opts.app.checkpoints
			found, err := cps.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no checkpoint for mission %s", args[0])
			}
			if all {
				for _, cp := range cps.List(args[0]) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  completed=%d remaining=%d\n",
						cp.CreatedAt.Format("2006-01-02 15:04:05.000"), cp.CheckpointID, len(cp.CompletedSteps), len(cp.RemainingSteps))
				}
				return nil
			}
			latest, _ := cps.Latest(args[0])
			rc, err := cps.ResumeContext(latest.CheckpointID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), display.FormatCheckpoint(rc))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every revision instead of the latest resume context")
	return cmd
}

func newDeliverablesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deliverables <mission-id>",
		Short: "Print what a finished mission delivered, complete or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := opts.app.terminal
			if _, err := tm.Load(cmd.Context(), args[0]); err != nil {
				return err
			}
			pd, err := tm.GetPartialDeliverables(args[0])
			if errors.Is(err, terminal.ErrNoTerminalState) {
				return fmt.Errorf("mission %s has not finished", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), display.FormatDeliverables(pd))
			return nil
		},
	}
}

func printPlan(w io.Writer, missions []mission.SubMission) error {
	order, err := resolver.Sort(missions)
	if err != nil {
		return err
	}
	levels, err := resolver.DependencyLevels(order)
	if err != nil {
		return err
	}
	logger.Log.Infof("Plan (FULL):\n%s", display.FormatPlanFull(order, levels))
	_, err = fmt.Fprintln(w, display.FormatPlan(order, levels))
	return err
}

func printRunResult(w io.Writer, res *supervisor.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(w, display.FormatRunResult(res))
	fmt.Fprint(w, display.FormatRunMetrics(res.Metrics))
	return nil
}

func confirm(r io.Reader, w io.Writer, prompt string) bool {
	sc := bufio.NewScanner(r)
	for {
		fmt.Fprint(w, prompt)
		if !sc.Scan() {
			return false
		}
		switch strings.TrimSpace(strings.ToLower(sc.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		fmt.Fprintln(w, "Invalid input. Please enter 'y' or 'n'.")
	}
}

// cancelled reports whether a run stopped because ctx was cancelled.
func cancelled(ctx context.Context, res *supervisor.RunResult) bool {
	if ctx.Err() == nil || res == nil {
		return false
	}
	ts, ok := res.LastTerminalState()
	return ok && ts.StateType == terminal.Cancelled
}
