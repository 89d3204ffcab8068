package canvass

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/EmpoweredVote/EV-Districts/internal/routing"
)

// WalkList is an ordered set of voters to visit inside one territory.
type WalkList struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	TerritoryID uuid.UUID      `gorm:"type:uuid;not null;index" json:"territory_id"`
	VoterIDs    pq.StringArray `gorm:"type:text[]" json:"voter_ids"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (WalkList) TableName() string { return "canvass.walk_lists" }

// CanvassRoute is one optimization result for a walk list. A new route is
// stored on every generate or optimize call; the latest one is current.
type CanvassRoute struct {
	ID                 uuid.UUID                `gorm:"type:uuid;primaryKey" json:"id"`
	WalkListID         uuid.UUID                `gorm:"type:uuid;not null;index" json:"walk_list_id"`
	TerritoryID        uuid.UUID                `gorm:"type:uuid;not null" json:"territory_id"`
	OptimizationType   routing.OptimizationType `gorm:"size:20" json:"optimization_type"`
	TotalDistanceKm    float64                  `json:"total_distance_km"`
	EstimatedTimeHours float64                  `json:"estimated_time_hours"`
	IsOptimized        bool                     `json:"is_optimized"`
	Truncated          bool                     `json:"truncated"`
	Iterations         int                      `json:"iterations"`
	// Skipped lists walk-list voters that had no coordinates.
	Skipped   pq.StringArray `gorm:"type:text[]" json:"skipped"`
	Points    []RoutePoint   `gorm:"foreignKey:RouteID;constraint:OnDelete:CASCADE" json:"points"`
	CreatedAt time.Time      `json:"created_at"`
}

func (CanvassRoute) TableName() string { return "canvass.routes" }

type RoutePoint struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	RouteID              uuid.UUID `gorm:"type:uuid;not null;index" json:"-"`
	VoterID              string    `gorm:"size:128" json:"voter_id"`
	Address              string    `json:"address"`
	Lat                  float64   `json:"lat"`
	Lng                  float64   `json:"lng"`
	OrderIndex           int       `gorm:"not null" json:"order"`
	DistanceToNextMeters float64   `json:"distance_to_next_meters"`
	EstimatedTimeMinutes float64   `json:"estimated_time_minutes"`
}

func (RoutePoint) TableName() string { return "canvass.route_points" }

// fromRoute converts an optimizer result into the stored shape.
func fromRoute(wl *WalkList, r *routing.Route, skipped []string) CanvassRoute {
	cr := CanvassRoute{
		ID:                 uuid.New(),
		WalkListID:         wl.ID,
		TerritoryID:        wl.TerritoryID,
		OptimizationType:   r.Type,
		TotalDistanceKm:    r.TotalDistanceKm,
		EstimatedTimeHours: r.EstimatedTimeHours,
		IsOptimized:        r.IsOptimized,
		Truncated:          r.Truncated,
		Iterations:         r.Iterations,
		Skipped:            pq.StringArray(skipped),
		Points:             make([]RoutePoint, len(r.Stops)),
	}
	if cr.Skipped == nil {
		cr.Skipped = pq.StringArray{}
	}
	for i, s := range r.Stops {
		cr.Points[i] = RoutePoint{
			ID:                   uuid.New(),
			RouteID:              cr.ID,
			VoterID:              s.VoterID,
			Address:              s.Address,
			Lat:                  s.Location[1],
			Lng:                  s.Location[0],
			OrderIndex:           s.Order,
			DistanceToNextMeters: s.DistanceToNextMeters,
			EstimatedTimeMinutes: s.EstimatedTimeMinutes,
		}
	}
	return cr
}
