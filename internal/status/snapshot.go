package status

import (
	"sort"

	"storyline/internal/domain"
)

// Snapshot is an immutable view of one read of the status document.
type Snapshot struct {
	path      string
	revision  string
	project   string
	generated string
	units     map[string]domain.UnitStatus
	ids       []string
	retros    map[string]string
}

// NewSnapshot builds an in-memory snapshot, validating every status. It is
// the constructor used when no document backs the snapshot.
func NewSnapshot(units map[string]domain.UnitStatus) (*Snapshot, error) {
	s := &Snapshot{
		units:  make(map[string]domain.UnitStatus, len(units)),
		retros: map[string]string{},
	}
	for id, st := range units {
		if err := st.Validate(); err != nil {
			return nil, &ParseError{Path: "<memory>", Reason: id + ": " + err.Error()}
		}
		s.units[id] = st
	}
	s.index()
	return s, nil
}

// MustSnapshot builds a snapshot from plain statuses and panics on invalid
// input. Blocked entries get a placeholder reason.
func MustSnapshot(units map[string]domain.Status) *Snapshot {
	in := make(map[string]domain.UnitStatus, len(units))
	for id, st := range units {
		if st == domain.StatusBlocked {
			in[id] = domain.Blocked("blocked")
			continue
		}
		in[id] = domain.StatusOf(st)
	}
	s, err := NewSnapshot(in)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Snapshot) index() {
	s.ids = s.ids[:0]
	for id := range s.units {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
}

func (s *Snapshot) Path() string      { return s.path }
func (s *Snapshot) Revision() string  { return s.revision }
func (s *Snapshot) Project() string   { return s.project }
func (s *Snapshot) Generated() string { return s.generated }
func (s *Snapshot) Len() int          { return len(s.units) }

// Status returns the status recorded for id.
func (s *Snapshot) Status(id string) (domain.UnitStatus, bool) {
	st, ok := s.units[id]
	return st, ok
}

// Unit returns the unit recorded for id.
func (s *Snapshot) Unit(id string) (domain.Unit, bool) {
	st, ok := s.units[id]
	if !ok {
		return domain.Unit{}, false
	}
	return s.unit(id, st), true
}

func (s *Snapshot) unit(id string, st domain.UnitStatus) domain.Unit {
	u := domain.Unit{ID: id, Kind: domain.KindOf(id), Status: st}
	if u.Kind == domain.KindStory {
		u.Group = domain.GroupOf(id)
	}
	return u
}

// Units returns every unit in ascending identifier order.
func (s *Snapshot) Units() []domain.Unit {
	out := make([]domain.Unit, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.unit(id, s.units[id]))
	}
	return out
}

// Stories returns story units in ascending identifier order.
func (s *Snapshot) Stories() []domain.Unit {
	return s.filter(func(u domain.Unit) bool { return u.Kind == domain.KindStory })
}

// Groups returns group units in ascending identifier order.
func (s *Snapshot) Groups() []domain.Unit {
	return s.filter(func(u domain.Unit) bool { return u.Kind == domain.KindGroup })
}

// Members returns the stories of groupID in ascending identifier order.
func (s *Snapshot) Members(groupID string) []domain.Unit {
	return s.filter(func(u domain.Unit) bool {
		return u.Kind == domain.KindStory && u.Group == groupID
	})
}

func (s *Snapshot) filter(keep func(domain.Unit) bool) []domain.Unit {
	var out []domain.Unit
	for _, id := range s.ids {
		u := s.unit(id, s.units[id])
		if keep(u) {
			out = append(out, u)
		}
	}
	return out
}

// Counts tallies story statuses. Every status is present, zero or not.
func (s *Snapshot) Counts() map[domain.Status]int {
	return tally(s.Stories())
}

// GroupCounts tallies group statuses.
func (s *Snapshot) GroupCounts() map[domain.Status]int {
	return tally(s.Groups())
}

func tally(units []domain.Unit) map[domain.Status]int {
	counts := make(map[domain.Status]int, len(domain.AllStatuses()))
	for _, st := range domain.AllStatuses() {
		counts[st] = 0
	}
	for _, u := range units {
		counts[u.Status.Status]++
	}
	return counts
}

// ByStatus groups story identifiers by status, each list sorted.
func (s *Snapshot) ByStatus() map[domain.Status][]string {
	out := make(map[domain.Status][]string, len(domain.AllStatuses()))
	for _, u := range s.Stories() {
		out[u.Status.Status] = append(out[u.Status.Status], u.ID)
	}
	return out
}

// Retrospectives returns retrospective entries with their raw values. They
// are tracked but never planned.
func (s *Snapshot) Retrospectives() map[string]string {
	out := make(map[string]string, len(s.retros))
	for k, v := range s.retros {
		out[k] = v
	}
	return out
}
