package supervisor

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"missionctl/internal/mission"
)

type Action string

const (
	ActionContinue  Action = "continue"
	ActionRetry     Action = "retry"
	ActionEnhance   Action = "enhance"
	ActionEscalate  Action = "escalate"
	ActionTerminate Action = "terminate"
)

// Decision is the policy outcome of one attempt.
type Decision struct {
	Action       Action            `json:"action"`
	Reason       string            `json:"reason"`
	Enhancements []string          `json:"enhancements,omitempty"`
	Adjustments  map[string]string `json:"adjustments,omitempty"`
}

// LogEntry is one audit record. Entries are never rewritten.
type LogEntry struct {
	RunID        string    `json:"run_id"`
	MissionID    string    `json:"mission_id"`
	Iteration    int       `json:"iteration"`
	Action       Action    `json:"action"`
	Reason       string    `json:"reason"`
	Role         string    `json:"role"`
	RoleFallback bool      `json:"role_fallback,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// InterventionLog is the append-only decision log of one run.
type InterventionLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (l *InterventionLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *InterventionLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// ForMission filters entries for one mission, optionally by action.
func (l *InterventionLog) ForMission(missionID string, action Action) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if e.MissionID != missionID || (action != "" && e.Action != action) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// attempt describes how one dispatch ended.
type attempt struct {
	Number      int
	MaxAttempts int
	Rejected    bool
	ExecErr     error
	Result      mission.Result
	Escalated   bool
}

type policy struct {
	EnhanceOnValidationFailure bool
	// EscalateAfter is the failed attempt count that triggers escalation.
	// Zero disables escalation.
	EscalateAfter int
}

// decide maps an attempt to an intervention. It is deterministic.
func decide(a attempt, p policy) Decision {
	retriesLeft := a.Number < a.MaxAttempts

	switch {
	case a.Rejected:
		if retriesLeft {
			return Decision{Action: ActionRetry, Reason: "circuit open, attempt rejected"}
		}
		return Decision{Action: ActionTerminate, Reason: "circuit open and no retries left"}

	case a.ExecErr != nil || !a.Result.Success:
		reason := "execution reported failure"
		if a.ExecErr != nil {
			reason = "execution error: " + a.ExecErr.Error()
		}
		if !retriesLeft {
			return Decision{Action: ActionTerminate, Reason: reason + "; no retries left"}
		}
		if p.EscalateAfter > 0 && a.Number >= p.EscalateAfter && !a.Escalated {
			return Decision{Action: ActionEscalate, Reason: reason}
		}
		return Decision{Action: ActionRetry, Reason: reason}

	case !a.Result.ValidationPassed:
		reason := "validation failed"
		if len(a.Result.ValidationErrors) > 0 {
			reason = fmt.Sprintf("validation failed: %s", strings.Join(a.Result.ValidationErrors, "; "))
		}
		if !retriesLeft {
			return Decision{Action: ActionTerminate, Reason: reason + "; no retries left"}
		}
		if p.EnhanceOnValidationFailure && len(a.Result.ValidationErrors) > 0 {
			return Decision{
				Action:       ActionEnhance,
				Reason:       reason,
				Enhancements: slices.Clone(a.Result.ValidationErrors),
			}
		}
		return Decision{Action: ActionRetry, Reason: reason}

	default:
		return Decision{Action: ActionContinue, Reason: "execution succeeded and validation passed"}
	}
}

// enhance rewrites a mission goal with the issues found by validation.
func enhance(m mission.SubMission, issues []string) mission.SubMission {
	var sb strings.Builder
	sb.WriteString(m.Goal)
	sb.WriteString("\n\nThe previous attempt did not pass validation. Fix these issues:")
	for _, issue := range issues {
		sb.WriteString("\n- " + issue)
	}
	return m.Enhanced(sb.String(), nil)
}
