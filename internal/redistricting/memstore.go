package redistricting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// MemoryStore implements Store in process memory with the same locking and
// version rules as GormStore. Tests and the offline CLI use it.
type MemoryStore struct {
	mu      sync.Mutex
	plans   map[uuid.UUID]Plan
	blocks  map[string]CensusBlock
	metrics []MetricsSnapshot

	// beforePublish, when set, runs inside PublishMetrics before the version
	// check; tests use it to interleave an edit.
	beforePublish func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: map[uuid.UUID]Plan{}, blocks: map[string]CensusBlock{}}
}

func clonePlan(p Plan) Plan {
	p.Districts = append([]District(nil), p.Districts...)
	for i := range p.Districts {
		if d := p.Districts[i].Demographics; d != nil {
			c := *d
			p.Districts[i].Demographics = &c
		}
	}
	return p
}

func (s *MemoryStore) CreatePlan(ctx context.Context, p *Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return ErrDuplicatePlan
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	for i := range p.Districts {
		p.Districts[i].PlanID = p.ID
		p.Districts[i].CreatedAt, p.Districts[i].UpdatedAt = now, now
	}
	sort.SliceStable(p.Districts, func(i, j int) bool { return p.Districts[i].Number < p.Districts[j].Number })
	s.plans[p.ID] = clonePlan(*p)
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id uuid.UUID) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := clonePlan(p)
	return &c, nil
}

func (s *MemoryStore) ListPlans(_ context.Context, state string) ([]Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Plan{}
	for _, p := range s.plans {
		if state == "" || p.State == state {
			p.Districts = nil
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateDistrict(_ context.Context, planID, districtID uuid.UUID, expectedVersion int64, edit func(*District) error) (*Plan, *District, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if p.Status == StatusApproved {
		return nil, nil, ErrPlanImmutable
	}
	if p.GeometryVersion != expectedVersion {
		return nil, nil, fmt.Errorf("%w: expected version %d, plan is at %d", ErrVersionConflict, expectedVersion, p.GeometryVersion)
	}
	p = clonePlan(p)
	for i := range p.Districts {
		if p.Districts[i].ID != districtID {
			continue
		}
		d := p.Districts[i]
		if err := edit(&d); err != nil {
			return nil, nil, err
		}
		d.UpdatedAt = time.Now().UTC()
		p.Districts[i] = d
		p.GeometryVersion++
		p.UpdatedAt = d.UpdatedAt
		s.plans[planID] = p
		out := clonePlan(p)
		return &out, &d, nil
	}
	return nil, nil, ErrNotFound
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, from []Status, to Status) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !allowed(p.Status, from) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	s.plans[id] = p
	out := clonePlan(p)
	return &out, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.GetPlan(ctx, id)
}

func (s *MemoryStore) PublishMetrics(_ context.Context, m *MetricsSnapshot) error {
	if s.beforePublish != nil {
		s.beforePublish()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[m.PlanID]
	if !ok {
		return ErrNotFound
	}
	if p.GeometryVersion != m.GeometryVersion {
		return ErrVersionConflict
	}
	s.metrics = append(s.metrics, *m)
	id, vra := m.ID, m.VRAComplianceScore
	p.LatestMetricsID = &id
	p.PopulationDeviation = m.Metrics.PopulationDeviation
	p.VRAComplianceScore = &vra
	s.plans[m.PlanID] = p
	return nil
}

func (s *MemoryStore) LatestMetrics(_ context.Context, planID uuid.UUID) (*MetricsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.metrics) - 1; i >= 0; i-- {
		if s.metrics[i].PlanID == planID {
			m := s.metrics[i]
			return &m, nil
		}
	}
	return nil, ErrNotFound
}

// SnapshotCount is the number of stored snapshots for a plan.
func (s *MemoryStore) SnapshotCount(planID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.metrics {
		if m.PlanID == planID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) BlocksIn(_ context.Context, state string, b orb.Bound) ([]CensusBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CensusBlock
	for _, blk := range s.blocks {
		if blk.State != state {
			continue
		}
		if blk.MinLng <= b.Max[0] && blk.MaxLng >= b.Min[0] && blk.MinLat <= b.Max[1] && blk.MaxLat >= b.Min[1] {
			out = append(out, blk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GEOID < out[j].GEOID })
	return out, nil
}

func (s *MemoryStore) UpsertBlocks(_ context.Context, blocks []CensusBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		s.blocks[b.GEOID] = b
	}
	return nil
}
