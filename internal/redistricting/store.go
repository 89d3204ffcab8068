package redistricting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EmpoweredVote/EV-Districts/internal/db"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPlanImmutable     = errors.New("plan is approved; copy it to make changes")
	ErrVersionConflict   = errors.New("plan geometry changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicatePlan     = errors.New("plan already exists")
)

// Store persists plans, districts, census blocks and metric snapshots.
type Store interface {
	// CreatePlan writes the plan and all its districts in one transaction.
	CreatePlan(ctx context.Context, p *Plan) error
	// GetPlan loads the plan with districts ordered by number.
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context, state string) ([]Plan, error)
	// UpdateDistrict applies edit under a row lock on the plan. It fails with
	// ErrPlanImmutable for approved plans and ErrVersionConflict when the
	// plan's version is not expectedVersion; on success the version is bumped.
	UpdateDistrict(ctx context.Context, planID, districtID uuid.UUID, expectedVersion int64, edit func(*District) error) (*Plan, *District, error)
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Plan, error)
	// Snapshot reads the plan and its districts as of one instant.
	Snapshot(ctx context.Context, id uuid.UUID) (*Plan, error)
	// PublishMetrics inserts m and caches it on the plan, unless the plan's
	// version moved past m.GeometryVersion (ErrVersionConflict).
	PublishMetrics(ctx context.Context, m *MetricsSnapshot) error
	LatestMetrics(ctx context.Context, planID uuid.UUID) (*MetricsSnapshot, error)

	BlocksIn(ctx context.Context, state string, b orb.Bound) ([]CensusBlock, error)
	UpsertBlocks(ctx context.Context, blocks []CensusBlock) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(d *gorm.DB) *GormStore { return &GormStore{db: d} }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func orderedDistricts(tx *gorm.DB) *gorm.DB { return tx.Order("number, id") }

func (s *GormStore) CreatePlan(ctx context.Context, p *Plan) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		districts := p.Districts
		p.Districts = nil
		defer func() { p.Districts = districts }()
		if err := tx.Create(p).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicatePlan
			}
			return fmt.Errorf("insert plan: %w", err)
		}
		if len(districts) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(districts, 200).Error; err != nil {
			return fmt.Errorf("insert districts: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := s.db.WithContext(ctx).Preload("Districts", orderedDistricts).First(&p, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *GormStore) ListPlans(ctx context.Context, state string) ([]Plan, error) {
	var ps []Plan
	q := s.db.WithContext(ctx).Order("updated_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	return ps, q.Find(&ps).Error
}

func (s *GormStore) UpdateDistrict(ctx context.Context, planID, districtID uuid.UUID, expectedVersion int64, edit func(*District) error) (*Plan, *District, error) {
	var (
		p Plan
		d District
	)
	err := db.RetryTx(ctx, 3, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", planID).Error; err != nil {
				return notFound(err)
			}
			if p.Status == StatusApproved {
				return ErrPlanImmutable
			}
			if p.GeometryVersion != expectedVersion {
				return fmt.Errorf("%w: expected version %d, plan is at %d", ErrVersionConflict, expectedVersion, p.GeometryVersion)
			}
			if err := tx.First(&d, "id = ? AND plan_id = ?", districtID, planID).Error; err != nil {
				return notFound(err)
			}
			if err := edit(&d); err != nil {
				return err
			}
			if err := tx.Save(&d).Error; err != nil {
				return err
			}
			p.GeometryVersion++
			p.UpdatedAt = time.Now().UTC()
			return tx.Model(&Plan{}).Where("id = ?", planID).
				Updates(map[string]interface{}{"geometry_version": p.GeometryVersion, "updated_at": p.UpdatedAt}).Error
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return &p, &d, nil
}

func (s *GormStore) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Plan, error) {
	var p Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if !allowed(p.Status, from) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, p.Status, to)
		}
		p.Status = to
		return tx.Model(&p).Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()}).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func allowed(s Status, from []Status) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

func (s *GormStore) Snapshot(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return notFound(tx.Preload("Districts", orderedDistricts).First(&p, "id = ?", id).Error)
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) PublishMetrics(ctx context.Context, m *MetricsSnapshot) error {
	return db.RetryTx(ctx, 3, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var p Plan
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", m.PlanID).Error; err != nil {
				return notFound(err)
			}
			if p.GeometryVersion != m.GeometryVersion {
				return ErrVersionConflict
			}
			if err := tx.Create(m).Error; err != nil {
				return err
			}
			vra := m.VRAComplianceScore
			return tx.Model(&Plan{}).Where("id = ?", m.PlanID).Updates(map[string]interface{}{
				"latest_metrics_id":    m.ID,
				"population_deviation": m.Metrics.PopulationDeviation,
				"vra_compliance_score": vra,
			}).Error
		})
	})
}

func (s *GormStore) LatestMetrics(ctx context.Context, planID uuid.UUID) (*MetricsSnapshot, error) {
	var m MetricsSnapshot
	err := s.db.WithContext(ctx).Where("plan_id = ?", planID).Order("calculated_at DESC").First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *GormStore) BlocksIn(ctx context.Context, state string, b orb.Bound) ([]CensusBlock, error) {
	var bs []CensusBlock
	err := s.db.WithContext(ctx).
		Where("state = ? AND min_lng <= ? AND max_lng >= ? AND min_lat <= ? AND max_lat >= ?",
			state, b.Max[0], b.Min[0], b.Max[1], b.Min[1]).
		Order("geoid").
		Find(&bs).Error
	return bs, err
}

func (s *GormStore) UpsertBlocks(ctx context.Context, blocks []CensusBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "geoid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "geometry", "total_population", "voting_age_population", "minority_vap",
			"neighbors", "min_lng", "min_lat", "max_lng", "max_lat",
		}),
	}).CreateInBatches(blocks, 1000).Error
}
