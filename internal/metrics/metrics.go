package metrics

import "time"

type AttemptMetrics struct {
	Attempt    int       `json:"attempt"`
	Role       string    `json:"role"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"duration_ms"`
	Charged    float64   `json:"charged"`
	Success    bool      `json:"success"`
	Err        string    `json:"err,omitempty"`
}

type MissionMetrics struct {
	MissionID  string           `json:"mission_id"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	DurationMs int64            `json:"duration_ms"`
	Outcome    string           `json:"outcome"`
	Cost       float64          `json:"cost"`
	Attempts   []AttemptMetrics `json:"attempts"`
}

type RunMetrics struct {
	RunID      string           `json:"run_id"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	DurationMs int64            `json:"duration_ms"`
	Succeeded  bool             `json:"succeeded"`
	Missions   []MissionMetrics `json:"missions"`
}

// Compute derived fields for an attempt.
func (a *AttemptMetrics) Finalize(end time.Time) {
	a.End = end
	a.DurationMs = a.End.Sub(a.Start).Milliseconds()
}

func (m *MissionMetrics) Finalize(end time.Time) {
	m.End = end
	m.DurationMs = m.End.Sub(m.Start).Milliseconds()
}

func (r *RunMetrics) Finalize(end time.Time) {
	r.End = end
	r.DurationMs = r.End.Sub(r.Start).Milliseconds()
}

// TotalAttempts counts attempts across all missions.
func (r *RunMetrics) TotalAttempts() int {
	n := 0
	for _, m := range r.Missions {
		n += len(m.Attempts)
	}
	return n
}
