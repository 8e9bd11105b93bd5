// Package planner picks the next lifecycle action from a status snapshot.
// It performs no I/O: the same snapshot always yields the same action.
package planner

import (
	"storyline/internal/domain"
	"storyline/internal/status"
)

// priority lists actionable statuses, highest first. Blocked and done units
// are never selected.
var priority = []domain.Status{
	domain.StatusInProgress,
	domain.StatusReview,
	domain.StatusReadyForDev,
	domain.StatusBacklog,
}

// DefaultWorkflows maps each phase to its workflow reference.
var DefaultWorkflows = map[domain.Phase]string{
	domain.PhaseCreate:  "bmad:bmm:workflows:create-story",
	domain.PhaseDevelop: "bmad:bmm:workflows:dev-story",
	domain.PhaseReview:  "bmad:bmm:workflows:code-review",
}

type Planner struct {
	Workflows map[domain.Phase]string
}

func New(workflows map[domain.Phase]string) Planner {
	wf := make(map[domain.Phase]string, len(DefaultWorkflows))
	for p, w := range DefaultWorkflows {
		wf[p] = w
	}
	for p, w := range workflows {
		if w != "" {
			wf[p] = w
		}
	}
	return Planner{Workflows: wf}
}

// Next returns the highest-priority action across every story, or nil when
// nothing is actionable.
func (p Planner) Next(snap *status.Snapshot) *domain.Action {
	return p.NextExcluding(snap, nil)
}

// NextExcluding is Next with the units in skip left out, e.g. units another
// instance already holds.
func (p Planner) NextExcluding(snap *status.Snapshot, skip map[string]bool) *domain.Action {
	stories := snap.Stories()
	for _, tier := range priority {
		for _, u := range stories {
			if skip[u.ID] || u.Status.Status != tier {
				continue
			}
			return p.actionFor(u)
		}
	}
	return nil
}

// NextFor restricts planning to a single unit. It returns nil for unknown,
// done, blocked and non-story units.
func (p Planner) NextFor(snap *status.Snapshot, unitID string) *domain.Action {
	u, ok := snap.Unit(unitID)
	if !ok || u.Kind != domain.KindStory {
		return nil
	}
	return p.actionFor(u)
}

// NextInGroup plans over the members of one group only.
func (p Planner) NextInGroup(snap *status.Snapshot, groupID string, skip map[string]bool) *domain.Action {
	members := snap.Members(groupID)
	for _, tier := range priority {
		for _, u := range members {
			if skip[u.ID] || u.Status.Status != tier {
				continue
			}
			return p.actionFor(u)
		}
	}
	return nil
}

func (p Planner) actionFor(u domain.Unit) *domain.Action {
	phase, ok := domain.PhaseFor(u.Status.Status)
	if !ok {
		return nil
	}
	wf := p.Workflows[phase]
	if wf == "" {
		wf = DefaultWorkflows[phase]
	}
	return &domain.Action{
		UnitID:     u.ID,
		Phase:      phase,
		Workflow:   wf,
		FromStatus: u.Status.Status,
	}
}
