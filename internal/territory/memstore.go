package territory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// MemoryStore implements Store in process memory, with the same active
// assignment uniqueness rule as the database. Used by tests and tools.
type MemoryStore struct {
	mu          sync.RWMutex
	territories map[uuid.UUID]Territory
	voters      map[string]Voter
	assignments map[uuid.UUID]VoterAssignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		territories: map[uuid.UUID]Territory{},
		voters:      map[string]Voter{},
		assignments: map[uuid.UUID]VoterAssignment{},
	}
}

func (s *MemoryStore) CreateTerritory(_ context.Context, t *Territory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.territories[t.ID] = *t
	return nil
}

func (s *MemoryStore) GetTerritory(_ context.Context, id uuid.UUID) (*Territory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.territories[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) ListTerritories(context.Context) ([]Territory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Territory, 0, len(s.territories))
	for _, t := range s.territories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) DeleteTerritory(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.territories[id]; !ok {
		return ErrNotFound
	}
	delete(s.territories, id)
	for aid, a := range s.assignments {
		if a.TerritoryID == id {
			delete(s.assignments, aid)
		}
	}
	return nil
}

func (s *MemoryStore) RefreshVoterCounts(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		t, ok := s.territories[id]
		if !ok {
			continue
		}
		n := 0
		for _, a := range s.assignments {
			if a.TerritoryID == id && a.IsActive {
				n++
			}
		}
		t.VoterCount = n
		s.territories[id] = t
	}
	return nil
}

func (s *MemoryStore) UpsertVoters(_ context.Context, voters []Voter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range voters {
		v.UpdatedAt = time.Now().UTC()
		s.voters[v.ID] = v
	}
	return nil
}

func (s *MemoryStore) GetVoters(_ context.Context, ids []string) (map[string]Voter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Voter, len(ids))
	for _, id := range ids {
		if v, ok := s.voters[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveVoterLocation(_ context.Context, id string, lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voters[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	v.Lat, v.Lng, v.GeocodedAt = &lat, &lng, &now
	s.voters[id] = v
	return nil
}

func (s *MemoryStore) LocatedVotersIn(_ context.Context, b orb.Bound) ([]Voter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Voter
	for _, v := range s.voters {
		if v.Located() && b.Contains(orb.Point{*v.Lng, *v.Lat}) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ActiveAssignments(_ context.Context, voterIDs []string, typ Type) (map[string]VoterAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(voterIDs))
	for _, id := range voterIDs {
		want[id] = true
	}
	out := map[string]VoterAssignment{}
	for _, a := range s.assignments {
		if a.IsActive && a.TerritoryType == typ && want[a.VoterID] {
			out[a.VoterID] = a
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, territoryID uuid.UUID) ([]VoterAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VoterAssignment
	for _, a := range s.assignments {
		if a.TerritoryID == territoryID && a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}

// AllAssignments returns every row, active or not; tests use it to check
// that no duplicates were written.
func (s *MemoryStore) AllAssignments() []VoterAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VoterAssignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	return out
}

func (s *MemoryStore) ApplyAssignments(_ context.Context, deactivate []uuid.UUID, create []VoterAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate against the post-deactivation state before touching anything
	active := map[string]bool{}
	gone := map[uuid.UUID]bool{}
	for _, id := range deactivate {
		gone[id] = true
	}
	for id, a := range s.assignments {
		if a.IsActive && !gone[id] {
			active[a.VoterID+"|"+string(a.TerritoryType)] = true
		}
	}
	for _, a := range create {
		key := a.VoterID + "|" + string(a.TerritoryType)
		if a.IsActive && active[key] {
			return fmt.Errorf("%w: voter %s", ErrConcurrentAssignment, a.VoterID)
		}
		active[key] = true
	}

	now := time.Now().UTC()
	for _, id := range deactivate {
		if a, ok := s.assignments[id]; ok && a.IsActive {
			a.IsActive = false
			a.DeactivatedAt = &now
			s.assignments[id] = a
		}
	}
	for _, a := range create {
		s.assignments[a.ID] = a
	}
	return nil
}

func (s *MemoryStore) DeactivateAssignment(_ context.Context, territoryID uuid.UUID, voterID string) (*VoterAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.assignments {
		if a.TerritoryID == territoryID && a.VoterID == voterID && a.IsActive {
			now := time.Now().UTC()
			a.IsActive = false
			a.DeactivatedAt = &now
			s.assignments[id] = a
			return &a, nil
		}
	}
	return nil, ErrNotFound
}
