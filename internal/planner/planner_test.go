package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
	"storyline/internal/planner"
	"storyline/internal/status"
)

func TestNextPicksReviewBeforeReadyForDev(t *testing.T) {
	snap := status.MustSnapshot(map[string]domain.Status{
		"epic-1": domain.StatusInProgress,
		"1-1":    domain.StatusDone,
		"1-2":    domain.StatusReview,
		"1-3":    domain.StatusReadyForDev,
	})
	act := planner.New(nil).Next(snap)
	require.NotNil(t, act)
	assert.Equal(t, "1-2", act.UnitID)
	assert.Equal(t, domain.PhaseReview, act.Phase)
	assert.Equal(t, "bmad:bmm:workflows:code-review", act.Workflow)
	assert.Equal(t, domain.StatusReview, act.FromStatus)
}

func TestNextReturnsNilWhenAllDone(t *testing.T) {
	snap := status.MustSnapshot(map[string]domain.Status{
		"epic-1": domain.StatusDone,
		"1-1":    domain.StatusDone,
		"1-2":    domain.StatusDone,
	})
	assert.Nil(t, planner.New(nil).Next(snap))
}

func TestNextPriorityTiers(t *testing.T) {
	cases := []struct {
		name  string
		units map[string]domain.Status
		want  string
		phase domain.Phase
	}{
		{
			name:  "in-progress wins",
			units: map[string]domain.Status{"2-1": domain.StatusInProgress, "1-1": domain.StatusReview, "1-2": domain.StatusBacklog},
			want:  "2-1", phase: domain.PhaseDevelop,
		},
		{
			name:  "review before backlog",
			units: map[string]domain.Status{"1-1": domain.StatusBacklog, "3-1": domain.StatusReview},
			want:  "3-1", phase: domain.PhaseReview,
		},
		{
			name:  "backlog creates",
			units: map[string]domain.Status{"1-1": domain.StatusDone, "1-2": domain.StatusBacklog},
			want:  "1-2", phase: domain.PhaseCreate,
		},
		{
			name:  "lowest identifier within a tier",
			units: map[string]domain.Status{"1-3": domain.StatusReadyForDev, "1-10": domain.StatusReadyForDev, "1-2": domain.StatusReadyForDev},
			want:  "1-10", phase: domain.PhaseDevelop,
		},
		{
			name:  "blocked is skipped",
			units: map[string]domain.Status{"1-1": domain.StatusBlocked, "1-2": domain.StatusBacklog},
			want:  "1-2", phase: domain.PhaseCreate,
		},
		{
			name:  "groups are never planned",
			units: map[string]domain.Status{"epic-1": domain.StatusBacklog, "1-1": domain.StatusReview},
			want:  "1-1", phase: domain.PhaseReview,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			act := planner.New(nil).Next(status.MustSnapshot(tc.units))
			require.NotNil(t, act)
			assert.Equal(t, tc.want, act.UnitID)
			assert.Equal(t, tc.phase, act.Phase)
		})
	}
}

func TestNextIsDeterministic(t *testing.T) {
	units := map[string]domain.Status{}
	for _, id := range []string{"1-1", "1-2", "1-3", "2-1", "2-2", "3-1"} {
		units[id] = domain.StatusReadyForDev
	}
	p := planner.New(nil)
	first := p.Next(status.MustSnapshot(units))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, p.Next(status.MustSnapshot(units)))
	}
	assert.Equal(t, "1-1", first.UnitID)
}

func TestNextExcludingSkipsClaimedUnits(t *testing.T) {
	snap := status.MustSnapshot(map[string]domain.Status{
		"1-1": domain.StatusInProgress,
		"1-2": domain.StatusInProgress,
	})
	act := planner.New(nil).NextExcluding(snap, map[string]bool{"1-1": true})
	require.NotNil(t, act)
	assert.Equal(t, "1-2", act.UnitID)
	assert.Nil(t, planner.New(nil).NextExcluding(snap, map[string]bool{"1-1": true, "1-2": true}))
}

func TestNextForAndGroup(t *testing.T) {
	snap := status.MustSnapshot(map[string]domain.Status{
		"epic-1": domain.StatusInProgress,
		"1-1":    domain.StatusDone,
		"1-2":    domain.StatusBlocked,
		"2-1":    domain.StatusReview,
		"2-2":    domain.StatusBacklog,
	})
	p := planner.New(map[domain.Phase]string{domain.PhaseCreate: "custom:create"})

	assert.Nil(t, p.NextFor(snap, "1-1"))
	assert.Nil(t, p.NextFor(snap, "1-2"))
	assert.Nil(t, p.NextFor(snap, "epic-1"))
	assert.Nil(t, p.NextFor(snap, "9-9"))

	act := p.NextFor(snap, "2-2")
	require.NotNil(t, act)
	assert.Equal(t, "custom:create", act.Workflow)

	assert.Nil(t, p.NextInGroup(snap, "epic-1", nil))
	act = p.NextInGroup(snap, "epic-2", nil)
	require.NotNil(t, act)
	assert.Equal(t, "2-1", act.UnitID)
}
