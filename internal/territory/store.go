package territory

import (
	"context"
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
	ErrNotFound = errors.New("not found")
	// ErrConcurrentAssignment means another request activated an assignment
	// for one of the voters between the read and the write.
	ErrConcurrentAssignment = errors.New("concurrent assignment for the same voter")
)

// Store is the persistence the engine and handlers need.
type Store interface {
	CreateTerritory(ctx context.Context, t *Territory) error
	GetTerritory(ctx context.Context, id uuid.UUID) (*Territory, error)
	ListTerritories(ctx context.Context) ([]Territory, error)
	DeleteTerritory(ctx context.Context, id uuid.UUID) error
	RefreshVoterCounts(ctx context.Context, ids []uuid.UUID) error

	UpsertVoters(ctx context.Context, voters []Voter) error
	GetVoters(ctx context.Context, ids []string) (map[string]Voter, error)
	SaveVoterLocation(ctx context.Context, id string, lat, lng float64) error
	// LocatedVotersIn returns voters whose stored WGS84 coordinate is in b.
	LocatedVotersIn(ctx context.Context, b orb.Bound) ([]Voter, error)

	// ActiveAssignments keys the active assignment of each voter for the
	// territory type by voter id.
	ActiveAssignments(ctx context.Context, voterIDs []string, typ Type) (map[string]VoterAssignment, error)
	ListAssignments(ctx context.Context, territoryID uuid.UUID) ([]VoterAssignment, error)
	// ApplyAssignments deactivates and creates rows in one transaction.
	ApplyAssignments(ctx context.Context, deactivate []uuid.UUID, create []VoterAssignment) error
	DeactivateAssignment(ctx context.Context, territoryID uuid.UUID, voterID string) (*VoterAssignment, error)
}

// GormStore is the Postgres implementation.
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

func (s *GormStore) CreateTerritory(ctx context.Context, t *Territory) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *GormStore) GetTerritory(ctx context.Context, id uuid.UUID) (*Territory, error) {
	var t Territory
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *GormStore) ListTerritories(ctx context.Context) ([]Territory, error) {
	var ts []Territory
	err := s.db.WithContext(ctx).Order("name, id").Find(&ts).Error
	return ts, err
}

func (s *GormStore) DeleteTerritory(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("territory_id = ?", id).Delete(&VoterAssignment{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Territory{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) RefreshVoterCounts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Exec(`
		UPDATE territory.territories t
		SET voter_count = (
			SELECT COUNT(*) FROM territory.voter_assignments a
			WHERE a.territory_id = t.id AND a.is_active
		), updated_at = NOW()
		WHERE t.id IN ?`, ids).Error
}

func (s *GormStore) UpsertVoters(ctx context.Context, voters []Voter) error {
	if len(voters) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "lat", "lng", "party", "birth_year", "voting_history_count", "updated_at"}),
	}).CreateInBatches(voters, 1000).Error
}

func (s *GormStore) GetVoters(ctx context.Context, ids []string) (map[string]Voter, error) {
	out := make(map[string]Voter, len(ids))
	const chunk = 5000
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		var vs []Voter
		if err := s.db.WithContext(ctx).Where("id IN ?", ids[start:end]).Find(&vs).Error; err != nil {
			return nil, err
		}
		for _, v := range vs {
			out[v.ID] = v
		}
	}
	return out, nil
}

func (s *GormStore) SaveVoterLocation(ctx context.Context, id string, lat, lng float64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Voter{}).Where("id = ?", id).
		Updates(map[string]interface{}{"lat": lat, "lng": lng, "geocoded_at": now}).Error
}

func (s *GormStore) LocatedVotersIn(ctx context.Context, b orb.Bound) ([]Voter, error) {
	var vs []Voter
	err := s.db.WithContext(ctx).
		Where("lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?", b.Min[1], b.Max[1], b.Min[0], b.Max[0]).
		Order("id").
		Find(&vs).Error
	return vs, err
}

func (s *GormStore) ActiveAssignments(ctx context.Context, voterIDs []string, typ Type) (map[string]VoterAssignment, error) {
	out := make(map[string]VoterAssignment, len(voterIDs))
	const chunk = 5000
	for start := 0; start < len(voterIDs); start += chunk {
		end := min(start+chunk, len(voterIDs))
		var as []VoterAssignment
		err := s.db.WithContext(ctx).
			Where("voter_id IN ? AND territory_type = ? AND is_active", voterIDs[start:end], typ).
			Find(&as).Error
		if err != nil {
			return nil, err
		}
		for _, a := range as {
			out[a.VoterID] = a
		}
	}
	return out, nil
}

func (s *GormStore) ListAssignments(ctx context.Context, territoryID uuid.UUID) ([]VoterAssignment, error) {
	var as []VoterAssignment
	err := s.db.WithContext(ctx).
		Where("territory_id = ? AND is_active", territoryID).
		Order("voter_id").
		Find(&as).Error
	return as, err
}

func (s *GormStore) ApplyAssignments(ctx context.Context, deactivate []uuid.UUID, create []VoterAssignment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(deactivate) > 0 {
			now := time.Now().UTC()
			if err := tx.Model(&VoterAssignment{}).
				Where("id IN ? AND is_active", deactivate).
				Updates(map[string]interface{}{"is_active": false, "deactivated_at": now}).Error; err != nil {
				return err
			}
		}
		if len(create) > 0 {
			if err := tx.CreateInBatches(create, 1000).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentAssignment, err)
	}
	return err
}

func (s *GormStore) DeactivateAssignment(ctx context.Context, territoryID uuid.UUID, voterID string) (*VoterAssignment, error) {
	var a VoterAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&a, "territory_id = ? AND voter_id = ? AND is_active", territoryID, voterID).Error; err != nil {
			return notFound(err)
		}
		now := time.Now().UTC()
		a.IsActive = false
		a.DeactivatedAt = &now
		return tx.Model(&a).Updates(map[string]interface{}{"is_active": false, "deactivated_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
