package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"storyline/internal/domain"
)

func TestKindAndGroup(t *testing.T) {
	assert.Equal(t, domain.KindStory, domain.KindOf("1-2-login"))
	assert.Equal(t, domain.KindGroup, domain.KindOf("epic-3"))
	assert.Equal(t, domain.KindRetrospective, domain.KindOf("epic-3-retrospective"))

	assert.Equal(t, "epic-12", domain.GroupOf("12-4-search"))
	assert.Empty(t, domain.GroupOf("setup"))
	assert.Empty(t, domain.GroupOf("a1-2-x"))
}

func TestParseStatus(t *testing.T) {
	s, err := domain.ParseStatus(" review ")
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusReview, s)

	_, err = domain.ParseStatus("drafted")
	assert.Error(t, err)
	assert.Less(t, domain.StatusBacklog.Rank(), domain.StatusDone.Rank())
	assert.Equal(t, -1, domain.Status("nope").Rank())
}

func TestUnitStatusReasons(t *testing.T) {
	assert.NoError(t, domain.Blocked("waiting").Validate())
	assert.Error(t, domain.Blocked("  ").Validate())
	assert.Error(t, domain.UnitStatus{Status: domain.StatusDone, Reason: "x"}.Validate())
	assert.Equal(t, "blocked (waiting)", domain.Blocked("waiting").String())
}

func TestPhaseMapping(t *testing.T) {
	cases := []struct {
		from    domain.Status
		phase   domain.Phase
		working domain.Status
		ok      bool
	}{
		{domain.StatusBacklog, domain.PhaseCreate, domain.StatusBacklog, true},
		{domain.StatusReadyForDev, domain.PhaseDevelop, domain.StatusInProgress, true},
		{domain.StatusInProgress, domain.PhaseDevelop, domain.StatusInProgress, true},
		{domain.StatusReview, domain.PhaseReview, domain.StatusReview, true},
		{domain.StatusDone, "", "", false},
		{domain.StatusBlocked, "", "", false},
	}
	for _, tc := range cases {
		p, ok := domain.PhaseFor(tc.from)
		assert.Equal(t, tc.ok, ok, tc.from)
		assert.Equal(t, tc.phase, p, tc.from)
		if ok {
			assert.Equal(t, tc.working, p.WorkingStatus(tc.from), tc.from)
		}
	}
}

func TestDispatchRecordStale(t *testing.T) {
	now := time.Now()
	rec := domain.DispatchRecord{State: domain.DispatchWorking, LastHeartbeat: now.Add(-time.Minute)}
	assert.False(t, rec.Stale(now, time.Minute))
	assert.True(t, rec.Stale(now.Add(time.Nanosecond), time.Minute))

	rec.State = domain.DispatchDone
	assert.False(t, rec.Stale(now.Add(time.Hour), time.Minute))
}
