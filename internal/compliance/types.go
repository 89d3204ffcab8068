package compliance

import (
	"time"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// Demographics are the aggregate counts for one district. A nil
// *Demographics means the data is missing, not that every count is zero.
type Demographics struct {
	TotalPopulation     int64            `json:"total_population"`
	VotingAgePopulation int64            `json:"voting_age_population"`
	MinorityVAP         int64            `json:"minority_vap"`
	ByRace              map[string]int64 `json:"by_race,omitempty"`
	MedianAge           float64          `json:"median_age,omitempty"`
	MedianIncome        float64          `json:"median_income,omitempty"`
	RegisteredVoters    int64            `json:"registered_voters,omitempty"`
	DemocraticVotes     int64            `json:"democratic_votes,omitempty"`
	RepublicanVotes     int64            `json:"republican_votes,omitempty"`
}

// Block is a census block inside a district. When any block in a district
// carries Neighbors, adjacency comes from those lists; otherwise it is
// computed from shared boundaries.
type Block struct {
	ID        string
	Geometry  geometry.Geometry
	Neighbors []string
}

// DistrictInput is one district in the working CRS.
type DistrictInput struct {
	ID           string
	Name         string
	Geometry     geometry.Geometry
	Demographics *Demographics
	Blocks       []Block
}

// PlanInput is everything the scorer needs. StatePopulation and the
// statewide shares are optional; they are derived from the districts when
// zero or nil.
type PlanInput struct {
	PlanID             string
	StatePopulation    int64
	StateMinorityShare *float64
	StatePartisanShare *float64
	Districts          []DistrictInput
}

// DistrictMetrics is the per-district breakdown. Pointer fields are nil when
// the inputs for them are missing.
type DistrictMetrics struct {
	DistrictID      string   `json:"district_id"`
	Name            string   `json:"name,omitempty"`
	Population      *int64   `json:"population"`
	Compactness     float64  `json:"compactness"`
	Contiguous      bool     `json:"contiguous"`
	Components      int      `json:"components"`
	MinorityShare   *float64 `json:"minority_share"`
	Opportunity     *bool    `json:"opportunity"`
	DemocraticShare *float64 `json:"democratic_share"`
	Competitive     *bool    `json:"competitive"`
}

// PlanMetrics is one immutable scoring snapshot.
type PlanMetrics struct {
	PlanID                       string            `json:"plan_id"`
	GeometryVersion              int64             `json:"geometry_version"`
	PopulationDeviation          *float64          `json:"population_deviation"`
	IdealPopulation              float64           `json:"ideal_population"`
	MaxPopulation                int64             `json:"max_population"`
	MinPopulation                int64             `json:"min_population"`
	CompactnessScore             float64           `json:"compactness_score"`
	ContiguityScore              float64           `json:"contiguity_score"`
	ContiguousDistricts          int               `json:"contiguous_districts"`
	MinorityMajorityDistricts    int               `json:"minority_majority_districts"`
	RequiredOpportunityDistricts int               `json:"required_opportunity_districts"`
	CompetitiveDistricts         int               `json:"competitive_districts"`
	VRAComplianceScore           float64           `json:"vra_compliance_score"`
	Compliant                    bool              `json:"compliant"`
	Violations                   []string          `json:"violations"`
	IncompleteDistricts          []string          `json:"incomplete_districts"`
	Districts                    []DistrictMetrics `json:"districts"`
	CalculatedAt                 time.Time         `json:"calculated_at"`
}
