package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"missionctl/internal/logger"
	"missionctl/internal/mission"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrNoActiveRun = errors.New("no run is currently active")
)

// Submission is one goal waiting for the Leader.
type Submission struct {
	ID             string
	Goal           string
	InitialContext string
	// Missions skips decomposition when set.
	Missions []mission.SubMission
}

type QueueResult struct {
	SubmissionID string     `json:"submission_id"`
	Goal         string     `json:"goal"`
	Run          *RunResult `json:"run,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Queue feeds submissions to a Leader one at a time and publishes their
// results.
type Queue struct {
	leader  *Leader
	jobs    chan Submission
	results chan QueueResult
	done    chan struct{}

	// stateMu guards the open/started flags. Submit holds it while sending
	// so Close cannot close jobs underneath a sender.
	stateMu sync.Mutex
	started bool
	closed  bool

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
}

func NewQueue(leader *Leader, size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{
		leader:  leader,
		jobs:    make(chan Submission, size),
		results: make(chan QueueResult, size),
		done:    make(chan struct{}),
	}
}

// Start runs the worker until Close. Each submission runs under a child of
// ctx.
func (q *Queue) Start(ctx context.Context) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go func() {
		defer close(q.done)
		defer close(q.results)
		for sub := range q.jobs {
			logger.Log.Infof("[Supervisor] Starting submission '%s' (ID: %s)", sub.Goal, sub.ID)
			q.results <- q.run(ctx, sub)
		}
	}()
}

func (q *Queue) run(parent context.Context, sub Submission) QueueResult {
	ctx, cancel := context.WithCancel(parent)
	q.mu.Lock()
	q.current = sub.ID
	q.cancel = cancel
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		q.current = ""
		q.cancel = nil
		q.mu.Unlock()
	}()

	var (
		res *RunResult
		err error
	)
	if len(sub.Missions) > 0 {
		res, err = q.leader.Execute(ctx, sub.Goal, sub.InitialContext, sub.Missions)
	} else {
		res, err = q.leader.Run(ctx, sub.Goal, sub.InitialContext)
	}
	out := QueueResult{SubmissionID: sub.ID, Goal: sub.Goal, Run: res}
	if err != nil {
		out.Error = err.Error()
		logger.Log.Errorf("[Supervisor] Submission %s failed: %v", sub.ID, err)
	}
	return out
}

// Submit enqueues a goal and returns its submission id.
func (q *Queue) Submit(goal, initialContext string, missions []mission.SubMission) (string, error) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	id := uuid.New().String()[:8]
	q.jobs <- Submission{ID: id, Goal: goal, InitialContext: initialContext, Missions: missions}
	return id, nil
}

// Cancel stops a submission by id if it is the one running.
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == "" || q.cancel == nil {
		return false, ErrNoActiveRun
	}
	if id != "" && !strings.EqualFold(q.current, id) {
		return false, fmt.Errorf("submission %s is not running (current running: %s)", id, q.current)
	}
	q.cancel()
	return true, nil
}

// CancelCurrent stops whatever is running and returns its id.
func (q *Queue) CancelCurrent() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == "" || q.cancel == nil {
		return "", ErrNoActiveRun
	}
	q.cancel()
	return q.current, nil
}

func (q *Queue) Results() <-chan QueueResult { return q.results }

// Close stops accepting submissions and waits for queued ones to finish.
// Results must be drained for Close to return.
func (q *Queue) Close() {
	q.stateMu.Lock()
	if q.closed {
		q.stateMu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.stateMu.Unlock()
	if !started {
		close(q.results)
		return
	}
	<-q.done
}
