package canvass

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateWalkList(ctx context.Context, wl *WalkList) error
	GetWalkList(ctx context.Context, id uuid.UUID) (*WalkList, error)
	ListWalkLists(ctx context.Context, territoryID uuid.UUID) ([]WalkList, error)
	SaveRoute(ctx context.Context, r *CanvassRoute) error
	// LatestRoute returns the newest route for the walk list with its points
	// in visiting order.
	LatestRoute(ctx context.Context, walkListID uuid.UUID) (*CanvassRoute, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(d *gorm.DB) *GormStore { return &GormStore{db: d} }

func (s *GormStore) CreateWalkList(ctx context.Context, wl *WalkList) error {
	return s.db.WithContext(ctx).Create(wl).Error
}

func (s *GormStore) GetWalkList(ctx context.Context, id uuid.UUID) (*WalkList, error) {
	var wl WalkList
	if err := s.db.WithContext(ctx).First(&wl, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &wl, nil
}

func (s *GormStore) ListWalkLists(ctx context.Context, territoryID uuid.UUID) ([]WalkList, error) {
	var out []WalkList
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if territoryID != uuid.Nil {
		q = q.Where("territory_id = ?", territoryID)
	}
	return out, q.Find(&out).Error
}

// SaveRoute writes the route and its points in one transaction.
func (s *GormStore) SaveRoute(ctx context.Context, r *CanvassRoute) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		points := r.Points
		r.Points = nil
		defer func() { r.Points = points }()
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}
		return tx.CreateInBatches(points, 500).Error
	})
}

func (s *GormStore) LatestRoute(ctx context.Context, walkListID uuid.UUID) (*CanvassRoute, error) {
	var r CanvassRoute
	err := s.db.WithContext(ctx).
		Preload("Points", func(db *gorm.DB) *gorm.DB { return db.Order("order_index") }).
		Where("walk_list_id = ?", walkListID).
		Order("created_at DESC").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// MemoryStore backs tests.
type MemoryStore struct {
	mu     sync.RWMutex
	lists  map[uuid.UUID]WalkList
	routes []CanvassRoute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: map[uuid.UUID]WalkList{}}
}

func (s *MemoryStore) CreateWalkList(_ context.Context, wl *WalkList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	wl.CreatedAt, wl.UpdatedAt = now, now
	s.lists[wl.ID] = *wl
	return nil
}

func (s *MemoryStore) GetWalkList(_ context.Context, id uuid.UUID) (*WalkList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wl, ok := s.lists[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &wl, nil
}

func (s *MemoryStore) ListWalkLists(_ context.Context, territoryID uuid.UUID) ([]WalkList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []WalkList
	for _, wl := range s.lists {
		if territoryID == uuid.Nil || wl.TerritoryID == territoryID {
			out = append(out, wl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveRoute(_ context.Context, r *CanvassRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.CreatedAt = time.Now().UTC()
	s.routes = append(s.routes, *r)
	return nil
}

func (s *MemoryStore) LatestRoute(_ context.Context, walkListID uuid.UUID) (*CanvassRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.routes) - 1; i >= 0; i-- {
		if s.routes[i].WalkListID == walkListID {
			r := s.routes[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}
