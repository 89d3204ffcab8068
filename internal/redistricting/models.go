package redistricting

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/EmpoweredVote/EV-Districts/internal/compliance"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Plan is a districting proposal for one state. GeometryVersion increments on
// every district edit and guards metric snapshots against mixing versions.
type Plan struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Description     string     `json:"description,omitempty"`
	State           string     `gorm:"size:2;index;not null" json:"state"`
	StatePopulation int64      `json:"state_population,omitempty"`
	Status          Status     `gorm:"size:20;not null;default:draft" json:"status"`
	GeometryVersion int64      `gorm:"not null;default:0" json:"geometry_version"`
	SourcePlanID    *uuid.UUID `gorm:"type:uuid" json:"source_plan_id,omitempty"`
	// SourceCRS is the .prj text of an uploaded shapefile, kept so exports
	// can go back to it on request.
	SourceCRS string `json:"source_crs,omitempty"`

	// Cached from the newest metrics snapshot.
	LatestMetricsID     *uuid.UUID `gorm:"type:uuid" json:"latest_metrics_id,omitempty"`
	PopulationDeviation *float64   `json:"population_deviation,omitempty"`
	VRAComplianceScore  *float64   `json:"vra_compliance_score,omitempty"`

	Districts []District `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE" json:"districts,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Plan) TableName() string { return "redistricting.plans" }

// District geometry is stored as hex EWKB in WGS84. Demographics is nil
// until census data or an edit supplies it.
type District struct {
	ID           uuid.UUID                `gorm:"type:uuid;primaryKey" json:"id"`
	PlanID       uuid.UUID                `gorm:"type:uuid;not null;index" json:"plan_id"`
	Number       int                      `gorm:"not null" json:"number"`
	Name         string                   `json:"name"`
	Geometry     string                   `gorm:"type:geometry(Geometry,4326);not null" json:"-"`
	Demographics *compliance.Demographics `gorm:"type:jsonb;serializer:json" json:"demographics"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

func (District) TableName() string { return "redistricting.districts" }

// CensusBlock is statewide reference data. Districts own the blocks whose
// interior point falls inside them.
type CensusBlock struct {
	GEOID               string         `gorm:"column:geoid;primaryKey;size:20" json:"geoid"`
	State               string         `gorm:"size:2;index;not null" json:"state"`
	Geometry            string         `gorm:"type:geometry(Geometry,4326);not null" json:"-"`
	TotalPopulation     int64          `json:"total_population"`
	VotingAgePopulation int64          `json:"voting_age_population"`
	MinorityVAP         int64          `json:"minority_vap"`
	Neighbors           pq.StringArray `gorm:"type:text[]" json:"neighbors,omitempty"`
	// Envelope columns let the store prefilter without PostGIS functions.
	MinLng float64 `gorm:"index:idx_block_env" json:"-"`
	MinLat float64 `gorm:"index:idx_block_env" json:"-"`
	MaxLng float64 `json:"-"`
	MaxLat float64 `json:"-"`
}

func (CensusBlock) TableName() string { return "redistricting.census_blocks" }

// MetricsSnapshot is an immutable scoring result. A recompute inserts a new
// row; nothing updates an existing one.
type MetricsSnapshot struct {
	ID                 uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	PlanID             uuid.UUID              `gorm:"type:uuid;not null;index" json:"plan_id"`
	GeometryVersion    int64                  `gorm:"not null" json:"geometry_version"`
	Compliant          bool                   `json:"compliant"`
	VRAComplianceScore float64                `json:"vra_compliance_score"`
	Metrics            compliance.PlanMetrics `gorm:"type:jsonb;serializer:json" json:"metrics"`
	CalculatedAt       time.Time              `gorm:"index" json:"calculated_at"`
}

func (MetricsSnapshot) TableName() string { return "redistricting.plan_metrics" }
