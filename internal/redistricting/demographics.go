package redistricting

import (
	"strings"

	"github.com/paulmach/orb"

	"github.com/EmpoweredVote/EV-Districts/internal/compliance"
	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
	"github.com/EmpoweredVote/EV-Districts/internal/spatial"
)

// FieldMap names the feature properties an import reads. Empty entries are
// skipped.
type FieldMap struct {
	District            string `json:"district_field,omitempty"`
	Name                string `json:"name_field,omitempty"`
	Population          string `json:"population_field,omitempty"`
	VotingAgePopulation string `json:"vap_field,omitempty"`
	MinorityVAP         string `json:"minority_vap_field,omitempty"`
	RegisteredVoters    string `json:"registered_field,omitempty"`
	DemocraticVotes     string `json:"democratic_field,omitempty"`
	RepublicanVotes     string `json:"republican_field,omitempty"`
}

func DefaultFieldMap() FieldMap {
	return FieldMap{
		District:            "district",
		Name:                "name",
		Population:          "population",
		VotingAgePopulation: "voting_age_population",
		MinorityVAP:         "minority_vap",
		RegisteredVoters:    "registered_voters",
		DemocraticVotes:     "democratic_votes",
		RepublicanVotes:     "republican_votes",
	}
}

// Merge fills empty fields of m from d.
func (m FieldMap) Merge(d FieldMap) FieldMap {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return FieldMap{
		District:            pick(m.District, d.District),
		Name:                pick(m.Name, d.Name),
		Population:          pick(m.Population, d.Population),
		VotingAgePopulation: pick(m.VotingAgePopulation, d.VotingAgePopulation),
		MinorityVAP:         pick(m.MinorityVAP, d.MinorityVAP),
		RegisteredVoters:    pick(m.RegisteredVoters, d.RegisteredVoters),
		DemocraticVotes:     pick(m.DemocraticVotes, d.DemocraticVotes),
		RepublicanVotes:     pick(m.RepublicanVotes, d.RepublicanVotes),
	}
}

// fieldAliases are the short names DBF's 10-character limit forces on the
// default fields; shapefile exports write these.
var fieldAliases = map[string][]string{
	"population":            {"pop"},
	"voting_age_population": {"vap"},
	"minority_vap":          {"min_vap"},
	"registered_voters":     {"registered"},
	"democratic_votes":      {"dem_votes"},
	"republican_votes":      {"rep_votes"},
}

// propKey resolves key against f's properties, falling back to a
// case-insensitive match and then to the key's short aliases.
func propKey(f geoio.Feature, key string) string {
	if key == "" {
		return ""
	}
	if k := lookupKey(f, key); k != "" {
		return k
	}
	for _, alias := range fieldAliases[strings.ToLower(key)] {
		if k := lookupKey(f, alias); k != "" {
			return k
		}
	}
	return ""
}

func lookupKey(f geoio.Feature, key string) string {
	if _, ok := f.Properties[key]; ok {
		return key
	}
	for k := range f.Properties {
		if strings.EqualFold(k, key) {
			return k
		}
	}
	return ""
}

func (m FieldMap) str(f geoio.Feature, key string) string {
	return f.Prop(propKey(f, key))
}

func (m FieldMap) num(f geoio.Feature, key string) (int64, bool) {
	k := propKey(f, key)
	if k == "" {
		return 0, false
	}
	return f.PropInt(k)
}

// Demographics reads the mapped counts. It returns nil when the population
// field is absent, which marks the district incomplete.
func (m FieldMap) Demographics(f geoio.Feature) *compliance.Demographics {
	pop, ok := m.num(f, m.Population)
	if !ok {
		return nil
	}
	d := &compliance.Demographics{TotalPopulation: pop}
	d.VotingAgePopulation, _ = m.num(f, m.VotingAgePopulation)
	d.MinorityVAP, _ = m.num(f, m.MinorityVAP)
	d.RegisteredVoters, _ = m.num(f, m.RegisteredVoters)
	d.DemocraticVotes, _ = m.num(f, m.DemocraticVotes)
	d.RepublicanVotes, _ = m.num(f, m.RepublicanVotes)
	return d
}

type projectedBlock struct {
	CensusBlock
	geom  geometry.Geometry
	point orb.Point
}

// projectBlocks decodes and projects blocks. Blocks whose geometry cannot be
// used are dropped; they carry no area to aggregate.
func projectBlocks(p *projection.Projector, blocks []CensusBlock) []projectedBlock {
	out := make([]projectedBlock, 0, len(blocks))
	for _, b := range blocks {
		g, err := geoio.FromEWKBHex(b.Geometry)
		if err != nil {
			continue
		}
		if g, err = p.Forward(g); err != nil {
			continue
		}
		pt, err := geometry.Centroid(g)
		if err != nil {
			continue
		}
		out = append(out, projectedBlock{CensusBlock: b, geom: g, point: pt})
	}
	return out
}

// assignBlocks gives each block to the district containing its centroid.
// When districts overlap the smallest one wins, matching the index order.
func assignBlocks(districts []compliance.DistrictInput, blocks []projectedBlock) map[string][]projectedBlock {
	entries := make([]spatial.Entry, len(districts))
	for i, d := range districts {
		entries[i] = spatial.Entry{ID: d.ID, Geometry: d.Geometry}
	}
	ix := spatial.Build(entries)
	out := make(map[string][]projectedBlock, len(districts))
	for _, b := range blocks {
		if id, ok := ix.Query(b.point); ok {
			out[id] = append(out[id], b)
		}
	}
	return out
}

// aggregate sums block counts; nil for no blocks.
func aggregate(blocks []projectedBlock) *compliance.Demographics {
	if len(blocks) == 0 {
		return nil
	}
	d := &compliance.Demographics{}
	for _, b := range blocks {
		d.TotalPopulation += b.TotalPopulation
		d.VotingAgePopulation += b.VotingAgePopulation
		d.MinorityVAP += b.MinorityVAP
	}
	return d
}

func scorerBlocks(blocks []projectedBlock) []compliance.Block {
	out := make([]compliance.Block, len(blocks))
	for i, b := range blocks {
		out[i] = compliance.Block{ID: b.GEOID, Geometry: b.geom, Neighbors: []string(b.Neighbors)}
	}
	return out
}

// NewCensusBlock builds a block row from a WGS84 feature, filling the
// envelope columns.
func NewCensusBlock(state, geoid string, g geometry.Geometry, pop, vap, minority int64, neighbors []string) (CensusBlock, error) {
	hex, err := geoio.ToEWKBHex(g)
	if err != nil {
		return CensusBlock{}, err
	}
	b := g.Bound()
	return CensusBlock{
		GEOID:               geoid,
		State:               strings.ToUpper(state),
		Geometry:            hex,
		TotalPopulation:     pop,
		VotingAgePopulation: vap,
		MinorityVAP:         minority,
		Neighbors:           neighbors,
		MinLng:              b.Min[0],
		MinLat:              b.Min[1],
		MaxLng:              b.Max[0],
		MaxLat:              b.Max[1],
	}, nil
}
