// Package budget keeps the four-level cost ledger. Exhaustion is never an
// exception to the caller's control flow: it shows up as an inactive entity.
package budget

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"missionctl/internal/logger"
)

var ErrExpired = errors.New("budget entity timed out")

type Config struct {
	WarningRatio      float64
	CriticalRatio     float64
	PriorityPenalty   int
	ReallocationFloor float64
}

func DefaultConfig() Config {
	return Config{
		WarningRatio:      0.80,
		CriticalRatio:     0.95,
		PriorityPenalty:   2,
		ReallocationFloor: 0.30,
	}
}

type Controller struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Allocation
	order   []string
}

func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = def.WarningRatio
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = def.CriticalRatio
	}
	if cfg.PriorityPenalty <= 0 {
		cfg.PriorityPenalty = def.PriorityPenalty
	}
	if cfg.ReallocationFloor <= 0 {
		cfg.ReallocationFloor = def.ReallocationFloor
	}
	return &Controller{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]Allocation),
	}
}

// SetClock replaces the time source; used by tests exercising timeouts.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Controller) AllocateSession(entityID string, total float64) (Allocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[entityID]; ok {
		return Allocation{}, fmt.Errorf("%w: %s", ErrEntityExists, entityID)
	}
	if total < 0 {
		total = 0
	}
	a := Allocation{
		Level:           LevelSession,
		EntityID:        entityID,
		TotalBudget:     total,
		AllocatedBudget: total,
		Priority:        10,
		StartTime:       c.now(),
		IsActive:        true,
	}
	c.put(a)
	logger.Log.Infof("[Budget] Session %s allocated %.4f", entityID, total)
	return a, nil
}

func (c *Controller) AllocateMission(parentID, entityID string, amount float64, priority int, timeout *time.Duration) (Allocation, error) {
	return c.allocate(LevelMission, parentID, entityID, amount, priority, timeout)
}

func (c *Controller) AllocateRole(parentID, entityID string, amount float64, priority int, timeout *time.Duration) (Allocation, error) {
	return c.allocate(LevelRole, parentID, entityID, amount, priority, timeout)
}

func (c *Controller) AllocateAction(parentID, entityID string, amount float64, priority int, timeout *time.Duration) (Allocation, error) {
	return c.allocate(LevelAction, parentID, entityID, amount, priority, timeout)
}

// allocate draws a child allocation from its parent. A request larger than
// the parent's remaining budget is downgraded to what remains.
func (c *Controller) allocate(level Level, parentID, entityID string, amount float64, priority int, timeout *time.Duration) (Allocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.entries[parentID]
	if !ok {
		return Allocation{}, fmt.Errorf("%w: parent %s", ErrEntityNotFound, parentID)
	}
	if parent.Level != level-1 {
		return Allocation{}, fmt.Errorf("%w: %s is %s, want %s", ErrWrongLevel, parentID, parent.Level, level-1)
	}
	if !parent.IsActive {
		return Allocation{}, fmt.Errorf("%w: parent %s", ErrInactive, parentID)
	}
	if _, exists := c.entries[entityID]; exists {
		return Allocation{}, fmt.Errorf("%w: %s", ErrEntityExists, entityID)
	}
	if amount < 0 {
		amount = 0
	}

	granted := amount
	if granted > parent.Remaining() {
		granted = parent.Remaining()
		logger.Log.Warnf("[Budget] %s %s requested %.4f but parent %s has %.4f left; downgraded",
			level, entityID, amount, parentID, granted)
	}

	child := Allocation{
		Level:           level,
		EntityID:        entityID,
		ParentID:        parentID,
		TotalBudget:     amount,
		AllocatedBudget: granted,
		Priority:        priority,
		StartTime:       c.now(),
		Timeout:         timeout,
		IsActive:        true,
	}
	parent.ConsumedBudget += granted
	c.entries[parentID] = parent
	c.put(child)
	logger.Log.Debugf("[Budget] %s %s allocated %.4f from %s", level, entityID, granted, parentID)
	return child, nil
}

// Consume charges amount to an entity. An amount larger than what remains
// deactivates the entity and nothing is consumed.
func (c *Controller) Consume(entityID string, amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.entries[entityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if amount < 0 {
		return fmt.Errorf("budget: negative amount %.4f for %s", amount, entityID)
	}
	if !a.IsActive {
		return fmt.Errorf("%w: %s", ErrInactive, entityID)
	}
	if amount > a.Remaining() {
		c.entries[entityID] = deactivated(a)
		logger.Log.Warnf("[Budget] %s %s cannot cover %.4f (remaining %.4f); critical downgrade",
			a.Level, entityID, amount, a.Remaining())
		return fmt.Errorf("%w: %s needs %.4f, has %.4f", ErrInsufficient, entityID, amount, a.Remaining())
	}

	a = consumed(a, amount)
	switch ratio := a.UsageRatio(); {
	case ratio >= c.cfg.CriticalRatio:
		a = deactivated(a)
		logger.Log.Warnf("[Budget] %s %s usage %.0f%%; critical downgrade, deactivated", a.Level, entityID, ratio*100)
	case ratio >= c.cfg.WarningRatio && !a.DowngradeTriggered:
		a = warned(a, c.cfg.PriorityPenalty)
		logger.Log.Infof("[Budget] %s %s usage %.0f%%; priority lowered to %d", a.Level, entityID, ratio*100, a.Priority)
	}
	c.entries[entityID] = a
	return nil
}

// CheckChain reports whether an entity and all its ancestors can still be
// charged. Expired allocations are deactivated on the way.
func (c *Controller) CheckChain(entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	id := entityID
	for id != "" {
		a, ok := c.entries[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		if a.IsActive && a.Expired(now) {
			a = deactivated(a)
			c.entries[id] = a
			logger.Log.Warnf("[Budget] %s %s exceeded its timeout; deactivated", a.Level, id)
			return fmt.Errorf("%w: %s", ErrExpired, id)
		}
		if !a.IsActive {
			if a.Expired(now) {
				return fmt.Errorf("%w: %s", ErrExpired, id)
			}
			return fmt.Errorf("%w: %s", ErrInactive, id)
		}
		id = a.ParentID
	}
	return nil
}

// CheckTimeouts deactivates every active allocation whose timeout elapsed and
// returns their ids.
func (c *Controller) CheckTimeouts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for _, id := range c.order {
		a := c.entries[id]
		if a.IsActive && a.Expired(now) {
			c.entries[id] = deactivated(a)
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		logger.Log.Warnf("[Budget] Timed out allocations: %v", expired)
	}
	return expired
}

// ReallocateByPriority redistributes available budget over the active
// mission allocations, highest priority first. Each mission gets at most its
// original request; a mission that cannot receive the floor share of its
// request is deactivated instead of being starved.
func (c *Controller) ReallocateByPriority(available float64) []Reallocation {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missions []Allocation
	for _, id := range c.order {
		a := c.entries[id]
		if a.Level == LevelMission && a.IsActive {
			missions = append(missions, a)
		}
	}
	sort.SliceStable(missions, func(i, j int) bool {
		return missions[i].Priority > missions[j].Priority
	})

	out := make([]Reallocation, 0, len(missions))
	for _, a := range missions {
		r := Reallocation{EntityID: a.EntityID, Priority: a.Priority, Previous: a.AllocatedBudget}

		share := a.TotalBudget
		if share > available {
			share = available
		}
		floor := a.TotalBudget * c.cfg.ReallocationFloor

		next := a
		if available <= 0 || share < floor {
			next.AllocatedBudget = a.ConsumedBudget
			next = deactivated(next)
			r.Deactivated = true
		} else {
			next.AllocatedBudget = share
			if next.AllocatedBudget < a.ConsumedBudget {
				next.AllocatedBudget = a.ConsumedBudget
			}
			available -= share
		}
		r.Allocated = next.AllocatedBudget
		c.adjustParent(next.ParentID, next.AllocatedBudget-a.AllocatedBudget)
		c.entries[a.EntityID] = next
		out = append(out, r)

		logger.Log.Infof("[Budget] Reallocated mission %s (priority %d): %.4f -> %.4f (deactivated=%v)",
			a.EntityID, a.Priority, r.Previous, r.Allocated, r.Deactivated)
	}
	return out
}

// Release returns an entity's unconsumed budget to its parent and closes it.
func (c *Controller) Release(entityID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.entries[entityID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	freed := a.Remaining()
	a.AllocatedBudget = a.ConsumedBudget
	a.IsActive = false
	c.entries[entityID] = a
	c.adjustParent(a.ParentID, -freed)
	logger.Log.Debugf("[Budget] Released %.4f from %s back to %s", freed, entityID, a.ParentID)
	return freed, nil
}

func (c *Controller) Get(entityID string) (Allocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.entries[entityID]
	return a, ok
}

// Children returns the direct children of an entity in creation order.
func (c *Controller) Children(parentID string) []Allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Allocation
	for _, id := range c.order {
		if a := c.entries[id]; a.ParentID == parentID {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns every allocation in creation order.
func (c *Controller) Snapshot() []Allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Allocation, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

func (c *Controller) Summary() Summary {
	return Summarize(c.Snapshot())
}

func (c *Controller) put(a Allocation) {
	c.entries[a.EntityID] = a
	c.order = append(c.order, a.EntityID)
}

func (c *Controller) adjustParent(parentID string, delta float64) {
	if parentID == "" || delta == 0 {
		return
	}
	p, ok := c.entries[parentID]
	if !ok {
		return
	}
	p.ConsumedBudget += delta
	if p.ConsumedBudget < 0 {
		p.ConsumedBudget = 0
	}
	c.entries[parentID] = p
}

func consumed(a Allocation, amount float64) Allocation {
	a.ConsumedBudget += amount
	return a
}

func deactivated(a Allocation) Allocation {
	a.IsActive = false
	a.DowngradeTriggered = true
	return a
}

func warned(a Allocation, penalty int) Allocation {
	a.Priority -= penalty
	if a.Priority < 0 {
		a.Priority = 0
	}
	a.DowngradeTriggered = true
	return a
}
