// Package checkpoint records mission progress so an interrupted mission can
// be resumed.
//
// Every change is written as a new record. A checkpoint id is stable across
// its revisions while created_at advances, and Latest always resolves by
// creation time, so a failed write never damages an earlier revision.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionctl/internal/logger"
	"missionctl/internal/store"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

type Checkpoint struct {
	CheckpointID       string         `json:"checkpoint_id"`
	MissionID          string         `json:"mission_id"`
	RoleName           string         `json:"role_name,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	CompletedSteps     []string       `json:"completed_steps"`
	CurrentStep        string         `json:"current_step,omitempty"`
	RemainingSteps     []string       `json:"remaining_steps"`
	StateData          map[string]any `json:"state_data,omitempty"`
	AccumulatedOutputs []string       `json:"accumulated_outputs"`
}

func (c Checkpoint) clone() Checkpoint {
	c.CompletedSteps = slices.Clone(c.CompletedSteps)
	c.RemainingSteps = slices.Clone(c.RemainingSteps)
	c.AccumulatedOutputs = slices.Clone(c.AccumulatedOutputs)
	if c.StateData != nil {
		data := make(map[string]any, len(c.StateData))
		for k, v := range c.StateData {
			data[k] = v
		}
		c.StateData = data
	}
	return c
}

// Progress is the initial content of a new checkpoint.
type Progress struct {
	RoleName  string
	Completed []string
	Current   string
	Remaining []string
	StateData map[string]any
	Outputs   []string
}

// Patch is a partial update. Nil fields are left unchanged; StateData is
// merged key by key and Outputs are appended.
type Patch struct {
	RoleName       *string
	CompletedSteps []string
	CurrentStep    *string
	RemainingSteps []string
	StateData      map[string]any
	Outputs        []string
}

// ResumeContext is everything a re-entrant execution needs.
type ResumeContext struct {
	CheckpointID       string         `json:"checkpoint_id"`
	MissionID          string         `json:"mission_id"`
	RoleName           string         `json:"role_name,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	CompletedSteps     []string       `json:"completed_steps"`
	CurrentStep        string         `json:"current_step,omitempty"`
	RemainingSteps     []string       `json:"remaining_steps"`
	StateData          map[string]any `json:"state_data,omitempty"`
	AccumulatedOutputs []string       `json:"accumulated_outputs"`
}

type Manager struct {
	store store.Store
	now   func() time.Time

	mu        sync.Mutex
	missionMu map[string]*sync.Mutex
	byID      map[string]Checkpoint   // latest revision per checkpoint id
	revisions map[string][]Checkpoint // per mission, oldest first
}

func NewManager(st store.Store) *Manager {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Manager{
		store:     st,
		now:       time.Now,
		missionMu: make(map[string]*sync.Mutex),
		byID:      make(map[string]Checkpoint),
		revisions: make(map[string][]Checkpoint),
	}
}

func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) lockMission(missionID string) func() {
	m.mu.Lock()
	l, ok := m.missionMu[missionID]
	if !ok {
		l = &sync.Mutex{}
		m.missionMu[missionID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) Create(ctx context.Context, missionID string, p Progress) (Checkpoint, error) {
	if missionID == "" {
		return Checkpoint{}, fmt.Errorf("checkpoint needs a mission id")
	}
	unlock := m.lockMission(missionID)
	defer unlock()

	cp := Checkpoint{
		CheckpointID:       uuid.NewString(),
		MissionID:          missionID,
		RoleName:           p.RoleName,
		CompletedSteps:     nonNil(p.Completed),
		CurrentStep:        p.Current,
		RemainingSteps:     nonNil(p.Remaining),
		StateData:          p.StateData,
		AccumulatedOutputs: nonNil(p.Outputs),
	}
	cp = cp.clone()
	if err := m.persist(ctx, &cp); err != nil {
		return Checkpoint{}, err
	}
	logger.Log.Debugf("[Checkpoint] created %s for mission %s (%d done, %d remaining)",
		cp.CheckpointID, missionID, len(cp.CompletedSteps), len(cp.RemainingSteps))
	return cp.clone(), nil
}

func (m *Manager) Update(ctx context.Context, checkpointID string, patch Patch) (Checkpoint, error) {
	return m.revise(ctx, checkpointID, func(cp *Checkpoint) {
		if patch.RoleName != nil {
			cp.RoleName = *patch.RoleName
		}
		if patch.CompletedSteps != nil {
			cp.CompletedSteps = slices.Clone(patch.CompletedSteps)
		}
		if patch.CurrentStep != nil {
			cp.CurrentStep = *patch.CurrentStep
		}
		if patch.RemainingSteps != nil {
			cp.RemainingSteps = slices.Clone(patch.RemainingSteps)
		}
		if len(patch.StateData) > 0 {
			if cp.StateData == nil {
				cp.StateData = make(map[string]any, len(patch.StateData))
			}
			for k, v := range patch.StateData {
				cp.StateData[k] = v
			}
		}
		cp.AccumulatedOutputs = append(cp.AccumulatedOutputs, patch.Outputs...)
	})
}

// AddCompletedStep moves step from remaining to completed and appends output
// when it is non-empty. A step that is already completed is not added twice.
func (m *Manager) AddCompletedStep(ctx context.Context, checkpointID, step, output string) (Checkpoint, error) {
	return m.revise(ctx, checkpointID, func(cp *Checkpoint) {
		if i := slices.Index(cp.RemainingSteps, step); i >= 0 {
			cp.RemainingSteps = slices.Delete(cp.RemainingSteps, i, i+1)
		}
		if !slices.Contains(cp.CompletedSteps, step) {
			cp.CompletedSteps = append(cp.CompletedSteps, step)
		}
		if cp.CurrentStep == step {
			cp.CurrentStep = ""
		}
		if output != "" {
			cp.AccumulatedOutputs = append(cp.AccumulatedOutputs, output)
		}
	})
}

func (m *Manager) revise(ctx context.Context, checkpointID string, apply func(*Checkpoint)) (Checkpoint, error) {
	m.mu.Lock()
	cur, ok := m.byID[checkpointID]
	m.mu.Unlock()
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}

	unlock := m.lockMission(cur.MissionID)
	defer unlock()

	// re-read under the mission lock; another revision may have landed
	m.mu.Lock()
	cur = m.byID[checkpointID]
	m.mu.Unlock()

	next := cur.clone()
	apply(&next)
	if err := m.persist(ctx, &next); err != nil {
		return Checkpoint{}, err
	}
	return next.clone(), nil
}

// persist stamps cp with a fresh created_at, appends it to the store and then
// indexes it. Caller holds the mission lock.
func (m *Manager) persist(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	at := m.now().UTC()
	if revs := m.revisions[cp.MissionID]; len(revs) > 0 {
		if last := revs[len(revs)-1].CreatedAt; !at.After(last) {
			at = last.Add(time.Nanosecond)
		}
	}
	m.mu.Unlock()
	cp.CreatedAt = at

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	rec := store.Record{
		Key:       store.Key(cp.MissionID, at),
		Kind:      store.KindCheckpoint,
		MissionID: cp.MissionID,
		CreatedAt: at,
		Data:      data,
	}
	if err := m.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	m.mu.Lock()
	m.index(*cp)
	m.mu.Unlock()
	return nil
}

// index adds a revision. Caller holds mu.
func (m *Manager) index(cp Checkpoint) {
	m.byID[cp.CheckpointID] = cp
	revs := append(m.revisions[cp.MissionID], cp)
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].CreatedAt.Before(revs[j].CreatedAt) })
	m.revisions[cp.MissionID] = revs
}

// Latest returns the most recently created checkpoint revision for a mission.
func (m *Manager) Latest(missionID string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revs := m.revisions[missionID]
	if len(revs) == 0 {
		return Checkpoint{}, false
	}
	return revs[len(revs)-1].clone(), true
}

func (m *Manager) Get(checkpointID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byID[checkpointID]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	return cp.clone(), nil
}

// List returns every revision for a mission, oldest first.
func (m *Manager) List(missionID string) []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	revs := m.revisions[missionID]
	out := make([]Checkpoint, 0, len(revs))
	for _, cp := range revs {
		out = append(out, cp.clone())
	}
	return out
}

func (m *Manager) ResumeContext(checkpointID string) (ResumeContext, error) {
	cp, err := m.Get(checkpointID)
	if err != nil {
		return ResumeContext{}, err
	}
	return ResumeContext{
		CheckpointID:       cp.CheckpointID,
		MissionID:          cp.MissionID,
		RoleName:           cp.RoleName,
		CreatedAt:          cp.CreatedAt,
		CompletedSteps:     cp.CompletedSteps,
		CurrentStep:        cp.CurrentStep,
		RemainingSteps:     cp.RemainingSteps,
		StateData:          cp.StateData,
		AccumulatedOutputs: cp.AccumulatedOutputs,
	}, nil
}

// Load rebuilds the index for a mission from the store. It returns false
// when the store holds no checkpoint for it.
func (m *Manager) Load(ctx context.Context, missionID string) (bool, error) {
	recs, err := m.store.List(ctx, store.KindCheckpoint, missionID)
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	loaded := make([]Checkpoint, 0, len(recs))
	for _, rec := range recs {
		var cp Checkpoint
		if err := json.Unmarshal(rec.Data, &cp); err != nil {
			logger.Log.Warnf("[Checkpoint] skipping unreadable record %s: %v", rec.Key, err)
			continue
		}
		loaded = append(loaded, cp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if missionID == "" {
		m.byID = make(map[string]Checkpoint)
		m.revisions = make(map[string][]Checkpoint)
	} else {
		for _, cp := range m.revisions[missionID] {
			delete(m.byID, cp.CheckpointID)
		}
		delete(m.revisions, missionID)
	}
	for _, cp := range loaded {
		m.index(cp)
	}
	return len(loaded) > 0, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
