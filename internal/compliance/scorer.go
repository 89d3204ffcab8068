// Package compliance scores a districting plan against jurisdiction rules:
// population equality, compactness, contiguity, minority opportunity and
// competitiveness, folded into one VRA compliance score.
package compliance

import (
	"fmt"
	"math"
	"sort"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// Scorer is pure: the same input always yields the same metrics.
type Scorer struct {
	Rules Rules
}

func NewScorer(r Rules) *Scorer {
	return &Scorer{Rules: r}
}

// Score computes a PlanMetrics snapshot. CalculatedAt and GeometryVersion are
// left for the caller to stamp.
func (s *Scorer) Score(in PlanInput) PlanMetrics {
	r := s.Rules
	m := PlanMetrics{
		PlanID:              in.PlanID,
		Violations:          []string{},
		IncompleteDistricts: []string{},
		Districts:           make([]DistrictMetrics, len(in.Districts)),
	}
	n := len(in.Districts)
	if n == 0 {
		m.Violations = append(m.Violations, "plan has no districts")
		return m
	}

	for i, d := range in.Districts {
		dm := DistrictMetrics{DistrictID: d.ID, Name: d.Name}
		dm.Compactness = geometry.PolsbyPopper(d.Geometry)
		dm.Components = components(d)
		dm.Contiguous = dm.Components == 1
		if d.Demographics == nil {
			m.IncompleteDistricts = append(m.IncompleteDistricts, d.ID)
		} else {
			pop := d.Demographics.TotalPopulation
			dm.Population = &pop
		}
		m.Districts[i] = dm
	}

	s.scorePopulation(in, &m)
	s.scoreCompactness(&m)
	s.scoreContiguity(&m)
	s.scoreMinority(in, &m)
	s.scoreCompetitiveness(in, &m)

	for _, p := range overlappingDistricts(in.Districts) {
		m.Violations = append(m.Violations, fmt.Sprintf("districts %s and %s overlap", p.a, p.b))
	}

	m.VRAComplianceScore = s.vraScore(&m)
	if m.VRAComplianceScore < r.MinVRAScore {
		m.Violations = append(m.Violations, fmt.Sprintf(
			"VRA compliance score %.3f is below the required %.3f", m.VRAComplianceScore, r.MinVRAScore))
	}
	m.Compliant = len(m.Violations) == 0 && len(m.IncompleteDistricts) == 0
	return m
}

func (s *Scorer) scorePopulation(in PlanInput, m *PlanMetrics) {
	var known []int64
	var sum int64
	for _, dm := range m.Districts {
		if dm.Population != nil {
			known = append(known, *dm.Population)
			sum += *dm.Population
		}
	}
	if len(known) == 0 {
		return
	}
	ideal := float64(sum) / float64(len(known))
	if in.StatePopulation > 0 {
		ideal = float64(in.StatePopulation) / float64(len(m.Districts))
	}
	m.IdealPopulation = ideal
	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })
	m.MinPopulation, m.MaxPopulation = known[0], known[len(known)-1]
	if ideal <= 0 {
		return
	}
	dev := float64(m.MaxPopulation-m.MinPopulation) / ideal * 100
	m.PopulationDeviation = &dev
	if dev > s.Rules.MaxPopulationDeviation {
		m.Violations = append(m.Violations, fmt.Sprintf(
			"population deviation %.2f%% exceeds the %.2f%% limit", dev, s.Rules.MaxPopulationDeviation))
	}
}

// scoreCompactness weights by population when any is known, otherwise takes
// the plain mean.
func (s *Scorer) scoreCompactness(m *PlanMetrics) {
	var weighted, weight, plain float64
	for _, dm := range m.Districts {
		plain += dm.Compactness
		if dm.Population != nil && *dm.Population > 0 {
			weighted += dm.Compactness * float64(*dm.Population)
			weight += float64(*dm.Population)
		}
		if s.Rules.MinCompactness > 0 && dm.Compactness < s.Rules.MinCompactness {
			m.Violations = append(m.Violations, fmt.Sprintf(
				"district %s compactness %.3f is below %.3f", dm.DistrictID, dm.Compactness, s.Rules.MinCompactness))
		}
	}
	if weight > 0 {
		m.CompactnessScore = weighted / weight
		return
	}
	m.CompactnessScore = plain / float64(len(m.Districts))
}

func (s *Scorer) scoreContiguity(m *PlanMetrics) {
	for _, dm := range m.Districts {
		if dm.Contiguous {
			m.ContiguousDistricts++
			continue
		}
		if dm.Components == 0 {
			m.Violations = append(m.Violations, fmt.Sprintf("district %s has no geometry", dm.DistrictID))
			continue
		}
		m.Violations = append(m.Violations, fmt.Sprintf(
			"district %s is not contiguous (%d separate parts)", dm.DistrictID, dm.Components))
	}
	m.ContiguityScore = float64(m.ContiguousDistricts) / float64(len(m.Districts))
}

func (s *Scorer) scoreMinority(in PlanInput, m *PlanMetrics) {
	var minority, vap int64
	for i, d := range in.Districts {
		dem := d.Demographics
		if dem == nil || dem.VotingAgePopulation <= 0 {
			continue
		}
		minority += dem.MinorityVAP
		vap += dem.VotingAgePopulation
		share := float64(dem.MinorityVAP) / float64(dem.VotingAgePopulation)
		opp := share > s.Rules.MinorityThreshold
		m.Districts[i].MinorityShare = &share
		m.Districts[i].Opportunity = &opp
		if opp {
			m.MinorityMajorityDistricts++
		}
	}

	switch {
	case s.Rules.RequiredOpportunityDistricts != nil:
		m.RequiredOpportunityDistricts = *s.Rules.RequiredOpportunityDistricts
	case in.StateMinorityShare != nil:
		m.RequiredOpportunityDistricts = int(math.Floor(*in.StateMinorityShare * float64(len(in.Districts))))
	case vap > 0:
		m.RequiredOpportunityDistricts = int(math.Floor(float64(minority) / float64(vap) * float64(len(in.Districts))))
	}
	if m.MinorityMajorityDistricts < m.RequiredOpportunityDistricts {
		m.Violations = append(m.Violations, fmt.Sprintf(
			"plan has %d minority-opportunity districts, %d required",
			m.MinorityMajorityDistricts, m.RequiredOpportunityDistricts))
	}
}

func (s *Scorer) scoreCompetitiveness(in PlanInput, m *PlanMetrics) {
	var dem, total int64
	for _, d := range in.Districts {
		if d.Demographics == nil {
			continue
		}
		dem += d.Demographics.DemocraticVotes
		total += d.Demographics.DemocraticVotes + d.Demographics.RepublicanVotes
	}
	var state float64
	switch {
	case in.StatePartisanShare != nil:
		state = *in.StatePartisanShare
	case total > 0:
		state = float64(dem) / float64(total)
	default:
		return
	}
	for i, d := range in.Districts {
		if d.Demographics == nil {
			continue
		}
		two := d.Demographics.DemocraticVotes + d.Demographics.RepublicanVotes
		if two <= 0 {
			continue
		}
		share := float64(d.Demographics.DemocraticVotes) / float64(two)
		comp := math.Abs(share-state) <= s.Rules.CompetitiveMargin
		m.Districts[i].DemocraticShare = &share
		m.Districts[i].Competitive = &comp
		if comp {
			m.CompetitiveDistricts++
		}
	}
}

// vraScore is the weighted mean of the component scores that could be
// computed. An unknown population deviation drops out of both numerator and
// denominator.
func (s *Scorer) vraScore(m *PlanMetrics) float64 {
	w := s.Rules.Weights
	var sum, weight float64

	if m.PopulationDeviation != nil {
		pop := 1.0
		if *m.PopulationDeviation > s.Rules.MaxPopulationDeviation {
			pop = s.Rules.MaxPopulationDeviation / *m.PopulationDeviation
		}
		sum += w.Population * pop
		weight += w.Population
	}

	sum += w.Compactness * m.CompactnessScore
	weight += w.Compactness
	sum += w.Contiguity * m.ContiguityScore
	weight += w.Contiguity

	minority := 1.0
	if m.RequiredOpportunityDistricts > 0 {
		minority = math.Min(1, float64(m.MinorityMajorityDistricts)/float64(m.RequiredOpportunityDistricts))
	}
	sum += w.Minority * minority
	weight += w.Minority

	if weight == 0 {
		return 0
	}
	return sum / weight
}
