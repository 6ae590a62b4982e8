package budget

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, total float64) *Controller {
	t.Helper()
	c := NewController(DefaultConfig())
	_, err := c.AllocateSession("session", total)
	require.NoError(t, err)
	return c
}

func TestAllocate_MissingParent(t *testing.T) {
	c := newSession(t, 10)

	_, err := c.AllocateMission("nope", "m1", 1, 5, nil)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = c.AllocateRole("session", "r1", 1, 5, nil)
	assert.ErrorIs(t, err, ErrWrongLevel)
}

func TestAllocate_DowngradesOversizedRequest(t *testing.T) {
	c := newSession(t, 10.0)

	m, err := c.AllocateMission("session", "m1", 12.0, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 12.0, m.TotalBudget)
	assert.Equal(t, 10.0, m.AllocatedBudget)
	assert.True(t, m.IsActive)

	s, _ := c.Get("session")
	assert.Equal(t, 10.0, s.ConsumedBudget)
	assert.True(t, s.IsActive, "allocation alone must not deactivate the parent")

	m2, err := c.AllocateMission("session", "m2", 3.0, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m2.AllocatedBudget)
}

func TestConsume_FullUsageDeactivates(t *testing.T) {
	c := newSession(t, 10.0)
	_, err := c.AllocateMission("session", "m1", 12.0, 5, nil)
	require.NoError(t, err)

	require.NoError(t, c.Consume("m1", 10.0))

	m, _ := c.Get("m1")
	assert.False(t, m.IsActive)
	assert.True(t, m.DowngradeTriggered)
	assert.ErrorIs(t, c.CheckChain("m1"), ErrInactive)
	assert.ErrorIs(t, c.Consume("m1", 0.1), ErrInactive)
}

func TestConsume_Thresholds(t *testing.T) {
	testCases := []struct {
		name         string
		amounts      []float64
		wantErr      error
		wantActive   bool
		wantPriority int
		wantConsumed float64
	}{
		{
			name:         "Below warning",
			amounts:      []float64{5},
			wantActive:   true,
			wantPriority: 7,
			wantConsumed: 5,
		},
		{
			name:         "Warning lowers priority once",
			amounts:      []float64{8, 0.5},
			wantActive:   true,
			wantPriority: 5,
			wantConsumed: 8.5,
		},
		{
			name:         "Critical deactivates",
			amounts:      []float64{9.5},
			wantActive:   false,
			wantPriority: 7,
			wantConsumed: 9.5,
		},
		{
			name:         "Overrun consumes nothing",
			amounts:      []float64{4, 7},
			wantErr:      ErrInsufficient,
			wantActive:   false,
			wantPriority: 7,
			wantConsumed: 4,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newSession(t, 100)
			_, err := c.AllocateMission("session", "m", 10, 7, nil)
			require.NoError(t, err)

			var last error
			for _, amt := range tc.amounts {
				last = c.Consume("m", amt)
			}
			if tc.wantErr != nil {
				assert.ErrorIs(t, last, tc.wantErr)
			} else {
				assert.NoError(t, last)
			}

			a, _ := c.Get("m")
			assert.Equal(t, tc.wantActive, a.IsActive)
			assert.Equal(t, tc.wantPriority, a.Priority)
			assert.InDelta(t, tc.wantConsumed, a.ConsumedBudget, 1e-9)
		})
	}
}

func TestLedgerInvariants_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		c := newSession(t, 100)
		var missions, roles []string
		for step := 0; step < 40; step++ {
			switch rng.Intn(4) {
			case 0:
				id := "m" + string(rune('a'+len(missions)))
				if _, err := c.AllocateMission("session", id, rng.Float64()*40, rng.Intn(11), nil); err == nil {
					missions = append(missions, id)
				}
			case 1:
				if len(missions) == 0 {
					continue
				}
				parent := missions[rng.Intn(len(missions))]
				id := parent + "/r" + string(rune('a'+len(roles)))
				if _, err := c.AllocateRole(parent, id, rng.Float64()*20, 5, nil); err == nil {
					roles = append(roles, id)
				}
			default:
				all := append(append([]string{}, missions...), roles...)
				if len(all) == 0 {
					continue
				}
				_ = c.Consume(all[rng.Intn(len(all))], rng.Float64()*10)
			}
		}

		for _, a := range c.Snapshot() {
			var sum float64
			for _, child := range c.Children(a.EntityID) {
				sum += child.AllocatedBudget
			}
			assert.LessOrEqual(t, sum, a.AllocatedBudget+1e-9, "children of %s over-allocated", a.EntityID)
			if a.ConsumedBudget > a.AllocatedBudget+1e-9 {
				assert.False(t, a.IsActive, "%s overrun but still active", a.EntityID)
			}
		}
	}
}

func TestConsume_ConcurrentChargesAreSerialized(t *testing.T) {
	c := newSession(t, 100)
	_, err := c.AllocateMission("session", "m", 100, 5, nil)
	require.NoError(t, err)
	c.cfg.CriticalRatio = 2 // keep the entity active so every charge competes

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Consume("m", 1) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a, _ := c.Get("m")
	assert.Equal(t, 100, succeeded)
	assert.InDelta(t, 100.0, a.ConsumedBudget, 1e-9)
}

func TestReallocateByPriority(t *testing.T) {
	c := newSession(t, 100)
	_, err := c.AllocateMission("session", "low", 30, 1, nil)
	require.NoError(t, err)
	_, err = c.AllocateMission("session", "high", 50, 9, nil)
	require.NoError(t, err)
	_, err = c.AllocateMission("session", "mid", 40, 5, nil)
	require.NoError(t, err)

	got := c.ReallocateByPriority(70)
	require.Len(t, got, 3)

	assert.Equal(t, "high", got[0].EntityID)
	assert.Equal(t, 50.0, got[0].Allocated)
	assert.False(t, got[0].Deactivated)

	assert.Equal(t, "mid", got[1].EntityID)
	assert.Equal(t, 20.0, got[1].Allocated)
	assert.False(t, got[1].Deactivated)

	assert.Equal(t, "low", got[2].EntityID)
	assert.True(t, got[2].Deactivated)

	low, _ := c.Get("low")
	assert.False(t, low.IsActive)

	s, _ := c.Get("session")
	assert.InDelta(t, 70.0, s.ConsumedBudget, 1e-9)
}

func TestReallocateByPriority_FloorDeactivates(t *testing.T) {
	c := newSession(t, 100)
	_, err := c.AllocateMission("session", "a", 50, 9, nil)
	require.NoError(t, err)
	_, err = c.AllocateMission("session", "b", 50, 1, nil)
	require.NoError(t, err)

	got := c.ReallocateByPriority(60)
	require.Len(t, got, 2)
	assert.Equal(t, 50.0, got[0].Allocated)
	// 10 left is below 30% of b's 50.
	assert.True(t, got[1].Deactivated)
}

func TestTimeouts(t *testing.T) {
	c := newSession(t, 10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	ttl := time.Minute
	_, err := c.AllocateMission("session", "m", 5, 5, &ttl)
	require.NoError(t, err)
	require.NoError(t, c.CheckChain("m"))

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, c.CheckChain("m"), ErrExpired)
	assert.ErrorIs(t, c.CheckChain("m"), ErrExpired)
	assert.Empty(t, c.CheckTimeouts(), "already deactivated")
}

func TestCheckChain_InactiveAncestor(t *testing.T) {
	c := newSession(t, 10)
	_, err := c.AllocateMission("session", "m", 5, 5, nil)
	require.NoError(t, err)
	_, err = c.AllocateRole("m", "m/r", 2, 5, nil)
	require.NoError(t, err)

	require.NoError(t, c.CheckChain("m/r"))
	assert.Error(t, c.Consume("m", 10))
	assert.ErrorIs(t, c.CheckChain("m/r"), ErrInactive)
}

func TestRelease(t *testing.T) {
	c := newSession(t, 10)
	_, err := c.AllocateMission("session", "m", 6, 5, nil)
	require.NoError(t, err)
	_, err = c.AllocateRole("m", "m/helper", 4, 5, nil)
	require.NoError(t, err)
	require.NoError(t, c.Consume("m/helper", 1))

	freed, err := c.Release("m/helper")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, freed, 1e-9)

	m, _ := c.Get("m")
	assert.InDelta(t, 1.0, m.ConsumedBudget, 1e-9)

	h, _ := c.Get("m/helper")
	assert.False(t, h.IsActive)
}

func TestSummary(t *testing.T) {
	c := newSession(t, 10)
	_, err := c.AllocateMission("session", "m", 10, 5, nil)
	require.NoError(t, err)
	require.NoError(t, c.Consume("m", 10))

	s := c.Summary()
	assert.Equal(t, 2, s.Allocations)
	assert.Equal(t, 1, s.Inactive)
	assert.Equal(t, 10.0, s.SessionBudget)
	assert.Equal(t, 10.0, s.SessionConsumed)
}
