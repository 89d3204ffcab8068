package territory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/spatial"
)

// metresPerDegree is the meridian length of one degree of latitude.
const metresPerDegree = 111_320.0

type VoterMatch struct {
	VoterID        string  `json:"voter_id"`
	Address        string  `json:"address,omitempty"`
	Party          string  `json:"party,omitempty"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Overlap is one territory overlapping the query target, with the voters
// that sit in both.
type Overlap struct {
	TerritoryID uuid.UUID `json:"territory_id"`
	Name        string    `json:"name"`
	Type        Type      `json:"type"`
	VoterIDs    []string  `json:"voter_ids"`
}

type SpatialQueryResult struct {
	TerritoryID uuid.UUID    `json:"territory_id"`
	QueryType   QueryType    `json:"query_type"`
	Voters      []VoterMatch `json:"voters"`
	Total       int          `json:"total"`
	Truncated   bool         `json:"truncated"`
	Overlaps    []Overlap    `json:"overlaps,omitempty"`
}

// SpatialQuery finds voters relative to a territory. Demographic filters run
// after the spatial match; Total counts filtered matches before Limit.
func (e *Engine) SpatialQuery(ctx context.Context, territoryID uuid.UUID, q SpatialQuery) (*SpatialQueryResult, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start := e.now()

	t, err := e.store.GetTerritory(ctx, territoryID)
	if err != nil {
		return nil, err
	}
	wgs, err := geoio.FromEWKBHex(t.Geometry)
	if err != nil {
		return nil, fmt.Errorf("territory %s: %w", t.ID, err)
	}
	tg, err := e.territoryGeometry(t)
	if err != nil {
		return nil, err
	}

	bound := wgs.Bound()
	if q.QueryType == QueryNearby {
		bound = padMetres(bound, q.RadiusMeters)
	}
	voters, err := e.store.LocatedVotersIn(ctx, bound)
	if err != nil {
		return nil, fmt.Errorf("load voters: %w", err)
	}
	byID := make(map[string]Voter, len(voters))
	pts := make([]spatial.Point, 0, len(voters))
	for _, v := range voters {
		p, err := e.proj.ForwardPoint(orb.Point{*v.Lng, *v.Lat})
		if err != nil {
			continue
		}
		byID[v.ID] = v
		pts = append(pts, spatial.Point{ID: v.ID, Loc: p})
	}
	pi := spatial.NewPointIndex(pts)

	res := &SpatialQueryResult{TerritoryID: territoryID, QueryType: q.QueryType, Voters: []VoterMatch{}}
	var matches []spatial.Match
	switch q.QueryType {
	case QueryWithin:
		for _, id := range pi.Within(tg) {
			matches = append(matches, spatial.Match{ID: id})
		}
	case QueryNearby:
		matches = pi.Nearby(tg, q.RadiusMeters)
	case QueryIntersects:
		res.Overlaps, matches, err = e.overlaps(ctx, tg, t.ID, pts)
		if err != nil {
			return nil, err
		}
	}

	now := e.now()
	for _, m := range matches {
		v := byID[m.ID]
		if !q.Filters.empty() && !q.Filters.Match(v, now) {
			continue
		}
		res.Total++
		if q.Limit > 0 && len(res.Voters) >= q.Limit {
			res.Truncated = true
			continue
		}
		res.Voters = append(res.Voters, VoterMatch{
			VoterID:        v.ID,
			Address:        v.Address,
			Party:          v.Party,
			Lat:            *v.Lat,
			Lng:            *v.Lng,
			DistanceMeters: m.Distance,
		})
	}

	logger.Op(component, "spatial query", time.Since(start),
		"territory_id", territoryID, "query_type", q.QueryType, "matches", res.Total)
	return res, nil
}

// overlaps lists every indexed territory whose interior meets tg and the
// voters inside tg that also fall in each of them.
func (e *Engine) overlaps(ctx context.Context, tg geometry.Geometry, self uuid.UUID, pts []spatial.Point) ([]Overlap, []spatial.Match, error) {
	idx := e.index.Index()
	var inside []spatial.Point
	for _, p := range pts {
		if geometry.Contains(tg, p.Loc) {
			inside = append(inside, p)
		}
	}

	out := []Overlap{}
	seen := map[string]bool{}
	for _, oid := range idx.Intersecting(tg, self.String()) {
		id, err := uuid.Parse(oid)
		if err != nil {
			continue
		}
		other, err := e.store.GetTerritory(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		og, _ := idx.Geometry(oid)
		ov := Overlap{TerritoryID: id, Name: other.Name, Type: other.Type, VoterIDs: []string{}}
		for _, p := range inside {
			if geometry.Contains(og, p.Loc) {
				ov.VoterIDs = append(ov.VoterIDs, p.ID)
				seen[p.ID] = true
			}
		}
		sort.Strings(ov.VoterIDs)
		out = append(out, ov)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	matches := make([]spatial.Match, len(ids))
	for i, id := range ids {
		matches[i] = spatial.Match{ID: id}
	}
	return out, matches, nil
}

// padMetres grows a WGS84 bound by roughly r metres in every direction.
func padMetres(b orb.Bound, r float64) orb.Bound {
	dLat := r / metresPerDegree
	lat := math.Max(math.Abs(b.Min[1]), math.Abs(b.Max[1]))
	cos := math.Max(math.Cos(lat*math.Pi/180), 0.01)
	dLng := r / (metresPerDegree * cos)
	return orb.Bound{
		Min: orb.Point{b.Min[0] - dLng, b.Min[1] - dLat},
		Max: orb.Point{b.Max[0] + dLng, b.Max[1] + dLat},
	}
}

// Locate returns the territories containing a WGS84 coordinate, smallest
// first.
func (e *Engine) Locate(lat, lng float64) ([]uuid.UUID, error) {
	p, err := e.proj.ForwardPoint(orb.Point{lng, lat})
	if err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, id := range e.index.Index().QueryAll(p) {
		if u, err := uuid.Parse(id); err == nil {
			out = append(out, u)
		}
	}
	return out, nil
}
