package territory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Criteria controls how AssignVoters treats voters that are outside the
// territory or already assigned elsewhere.
type Criteria struct {
	// ByProximity assigns a voter that is not inside the territory when the
	// territory is the nearest one within MaxDistanceMeters.
	ByProximity       bool    `json:"by_proximity"`
	MaxDistanceMeters float64 `json:"max_distance_meters,omitempty"`
	// RespectExistingAssignments reports voters actively assigned to another
	// territory of the same type as conflicts instead of moving them.
	RespectExistingAssignments bool `json:"respect_existing_assignments"`
}

func (c Criteria) Validate() error {
	if c.ByProximity && c.MaxDistanceMeters <= 0 {
		return fmt.Errorf("max_distance_meters must be positive when by_proximity is set")
	}
	return nil
}

type AssignRequest struct {
	VoterIDs []string `json:"voter_ids"`
	Criteria Criteria `json:"criteria"`
}

type QueryType string

const (
	QueryWithin     QueryType = "within"
	QueryNearby     QueryType = "nearby"
	QueryIntersects QueryType = "intersects"
)

// DemographicFilters narrow a spatial match. Zero values mean no filter.
type DemographicFilters struct {
	Party            []string `json:"party,omitempty"`
	MinAge           int      `json:"min_age,omitempty"`
	MaxAge           int      `json:"max_age,omitempty"`
	MinVotingHistory int      `json:"min_voting_history,omitempty"`
}

func (f DemographicFilters) Validate() error {
	if f.MinAge > 0 && f.MaxAge > 0 && f.MinAge > f.MaxAge {
		return fmt.Errorf("min_age %d is greater than max_age %d", f.MinAge, f.MaxAge)
	}
	return nil
}

func (f DemographicFilters) empty() bool {
	return len(f.Party) == 0 && f.MinAge == 0 && f.MaxAge == 0 && f.MinVotingHistory == 0
}

// Match applies the filters to one voter. A voter with an unknown birth year
// fails any age filter.
func (f DemographicFilters) Match(v Voter, now time.Time) bool {
	if len(f.Party) > 0 {
		ok := false
		for _, p := range f.Party {
			if p == v.Party {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinAge > 0 || f.MaxAge > 0 {
		age, known := v.Age(now.Year())
		if !known {
			return false
		}
		if f.MinAge > 0 && age < f.MinAge {
			return false
		}
		if f.MaxAge > 0 && age > f.MaxAge {
			return false
		}
	}
	return v.VotingHistoryCount >= f.MinVotingHistory
}

type SpatialQuery struct {
	QueryType    QueryType          `json:"query_type"`
	RadiusMeters float64            `json:"radius_meters,omitempty"`
	Filters      DemographicFilters `json:"filters"`
	Limit        int                `json:"limit,omitempty"`
}

func (q SpatialQuery) Validate() error {
	switch q.QueryType {
	case QueryWithin, QueryIntersects:
	case QueryNearby:
		if q.RadiusMeters <= 0 {
			return fmt.Errorf("radius_meters must be positive for nearby queries")
		}
	default:
		return fmt.Errorf("unknown query_type %q", q.QueryType)
	}
	return q.Filters.Validate()
}

type CreateTerritoryRequest struct {
	Name        string          `json:"name"`
	Type        Type            `json:"type"`
	Description string          `json:"description"`
	Geometry    json.RawMessage `json:"geometry"`
}

type VoterInput struct {
	ID                 string   `json:"id"`
	Address            string   `json:"address"`
	Lat                *float64 `json:"lat"`
	Lng                *float64 `json:"lng"`
	Party              string   `json:"party"`
	BirthYear          *int     `json:"birth_year"`
	VotingHistoryCount int      `json:"voting_history_count"`
}

type UpsertVotersRequest struct {
	Voters []VoterInput `json:"voters"`
}
