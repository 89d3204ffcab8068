package territory

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypePrecinct Type = "precinct"
	TypeDistrict Type = "district"
	TypeCounty   Type = "county"
	TypeCustom   Type = "custom"
)

// Territory is a canvassing boundary, independent of any redistricting plan.
type Territory struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Type        Type      `gorm:"index;size:20;not null" json:"type"`
	Description string    `json:"description,omitempty"`

	// POLYGON or MULTIPOLYGON in WGS84, written and read as hex EWKB.
	Geometry string `gorm:"type:geometry(Geometry,4326);not null" json:"-"`

	VoterCount int       `gorm:"default:0" json:"voter_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Territory) TableName() string { return "territory.territories" }

// Voter is a canvassable registrant. ID is the registrar's voter id.
type Voter struct {
	ID                 string     `gorm:"primaryKey;size:128" json:"id"`
	Address            string     `json:"address,omitempty"`
	Lat                *float64   `json:"lat,omitempty"`
	Lng                *float64   `json:"lng,omitempty"`
	Party              string     `gorm:"index;size:32" json:"party,omitempty"`
	BirthYear          *int       `json:"birth_year,omitempty"`
	VotingHistoryCount int        `gorm:"default:0" json:"voting_history_count"`
	GeocodedAt         *time.Time `json:"geocoded_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (Voter) TableName() string { return "territory.voters" }

// Located reports whether the voter has stored coordinates.
func (v Voter) Located() bool { return v.Lat != nil && v.Lng != nil }

// Age in years as of the given year; false when the birth year is unknown.
func (v Voter) Age(year int) (int, bool) {
	if v.BirthYear == nil {
		return 0, false
	}
	return year - *v.BirthYear, true
}

type Method string

const (
	MethodContains  Method = "contains"
	MethodProximity Method = "proximity"
)

// VoterAssignment links a voter to a territory. At most one active row
// exists per (voter, territory type); the partial unique index
// idx_active_assignment enforces it.
type VoterAssignment struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	VoterID       string     `gorm:"size:128;not null;index;uniqueIndex:idx_active_assignment,where:is_active" json:"voter_id"`
	TerritoryID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"territory_id"`
	TerritoryType Type       `gorm:"size:20;not null;uniqueIndex:idx_active_assignment,where:is_active" json:"territory_type"`
	IsActive      bool       `gorm:"not null;default:true;index" json:"is_active"`
	Method        Method     `gorm:"size:20" json:"method"`
	AssignedAt    time.Time  `json:"assigned_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (VoterAssignment) TableName() string { return "territory.voter_assignments" }
