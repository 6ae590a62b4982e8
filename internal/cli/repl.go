package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"missionctl/internal/display"
	"missionctl/internal/listener"
	"missionctl/internal/logger"
	"missionctl/internal/planner"
	"missionctl/internal/resolver"
	"missionctl/internal/supervisor"
)

const replHelp = `Type a goal to plan and run it. Commands:
  :missions FILE        run missions from a JSON file
  :cancel [ID]          cancel the running submission
  :checkpoint MISSION   show the latest checkpoint of a mission
  :deliverables MISSION show what a finished mission delivered
  exit                  quit`

func printResults(q *supervisor.Queue) {
	for result := range q.Results() {
		if result.Error != "" {
			listener.AsyncPrintln(fmt.Sprintf("[Submission %s FAILED] %s", result.SubmissionID, result.Error))
			continue
		}
		listener.AsyncPrintln(fmt.Sprintf("[Submission %s %s]", result.SubmissionID, strings.ToUpper(string(result.Run.Status))))
		listener.AsyncPrintln(display.FormatRunResult(result.Run))
		listener.AsyncPrintln(display.FormatRunMetrics(result.Run.Metrics))
	}
}

func runREPL(cmd *cobra.Command, a *app) error {
	history := filepath.Join(os.TempDir(), "missionctl_history")
	if err := listener.Init(history); err != nil {
		return fmt.Errorf("failed to init terminal input: %w", err)
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	leader, err := a.leader(ctx, a.cfg.SupervisorConfig())
	if err != nil {
		return err
	}
	runCtx, cancelRuns := context.WithCancel(ctx)
	queue := supervisor.NewQueue(leader, 16)
	queue.Start(runCtx)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printResults(queue)
	}()
	// queued submissions are cancelled, not run, on exit
	defer func() {
		cancelRuns()
		queue.Close()
		<-printed
	}()

	listener.AsyncPrintln("Hello! Describe a goal and I will plan and run it. (type ':help', 'exit' or press Ctrl+D to quit)")

	for ctx.Err() == nil {
		inputText, ok := listener.GetInput()
		if !ok || strings.EqualFold(inputText, "exit") {
			fmt.Println("Goodbye!")
			return nil
		}
		if inputText == "" {
			continue
		}
		if strings.HasPrefix(inputText, ":") {
			handleCommand(ctx, a, queue, inputText)
			continue
		}
		submitGoal(ctx, a, queue, inputText)
	}
	return nil
}

func handleCommand(ctx context.Context, a *app, q *supervisor.Queue, input string) {
	fields := strings.Fields(input)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case ":help":
		listener.AsyncPrintln(replHelp)

	case ":cancel":
		var err error
		if arg == "" {
			arg, err = q.CancelCurrent()
		} else {
			_, err = q.Cancel(arg)
		}
		if err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Cancel] %v", err))
			return
		}
		listener.AsyncPrintln(fmt.Sprintf("[Submission %s CANCELLING]", arg))

	case ":missions":
		if arg == "" {
			listener.AsyncPrintln("[Manual] usage: :missions FILE")
			return
		}
		missions, err := planner.LoadMissionsFromFile(arg)
		if err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Manual] %v", err))
			return
		}
		listener.AsyncPrintln(display.FormatMissionsCatalog(arg, missions))
		if !listener.AskYesNo(fmt.Sprintf("About to run %d mission(s) from %s. Proceed?", len(missions), arg)) {
			listener.AsyncPrintln("[Manual] Cancelled.")
			return
		}
		id, err := q.Submit(arg, "", missions)
		if err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Manual] %v", err))
			return
		}
		listener.AsyncPrintln(fmt.Sprintf("[Manual] Submitted %s", id))

	case ":checkpoint":
		if _, err := a.checkpoints.Load(ctx, arg); err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Checkpoint] %v", err))
			return
		}
		latest, ok := a.checkpoints.Latest(arg)
		if !ok {
			listener.AsyncPrintln(fmt.Sprintf("[Checkpoint] none for mission %q", arg))
			return
		}
		rc, err := a.checkpoints.ResumeContext(latest.CheckpointID)
		if err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Checkpoint] %v", err))
			return
		}
		listener.AsyncPrintln(display.FormatCheckpoint(rc))

	case ":deliverables":
		if _, err := a.terminal.Load(ctx, arg); err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Deliverables] %v", err))
			return
		}
		pd, err := a.terminal.GetPartialDeliverables(arg)
		if err != nil {
			listener.AsyncPrintln(fmt.Sprintf("[Deliverables] %v", err))
			return
		}
		listener.AsyncPrintln(display.FormatDeliverables(pd))

	default:
		listener.AsyncPrintln(fmt.Sprintf("Unknown command %s. Type :help.", fields[0]))
	}
}

// submitGoal decomposes a goal, shows the plan and queues it once approved.
func submitGoal(ctx context.Context, a *app, q *supervisor.Queue, goal string) {
	planID := uuid.New().String()[:8]
	listener.AsyncPrintln(fmt.Sprintf("Generating plan for the above goal, plan's ID: %s ...", planID))

	planCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	missions, err := a.loadMissions(planCtx, goal, "", "")
	if err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[Plan generation FAILED] %v", err))
		return
	}
	order, err := resolver.Sort(missions)
	if err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[Plan %s INVALID] %v", planID, err))
		return
	}
	levels, _ := resolver.DependencyLevels(order)
	logger.Log.Infof("Plan %s for goal %q (FULL):\n%s", planID, goal, display.FormatPlanFull(order, levels))

	listener.AsyncPrintln(display.FormatPlan(order, levels))
	if !listener.AskYesNo("Do you want to execute this plan?") {
		listener.AsyncPrintln(fmt.Sprintf("[Plan %s REJECTED]", planID))
		return
	}
	id, err := q.Submit(goal, "", missions)
	if err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[Plan %s] %v", planID, err))
		return
	}
	listener.AsyncPrintln(fmt.Sprintf("[Plan %s ACCEPTED] Submission %s started", planID, id))
}
