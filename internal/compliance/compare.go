package compliance

// ComparisonMetrics is A minus B, field by field. PopulationDeviation is nil
// when either side has no known deviation.
type ComparisonMetrics struct {
	PlanA                     string   `json:"plan_a"`
	PlanB                     string   `json:"plan_b"`
	PopulationDeviation       *float64 `json:"population_deviation"`
	CompactnessScore          float64  `json:"compactness_score"`
	ContiguityScore           float64  `json:"contiguity_score"`
	MinorityMajorityDistricts int      `json:"minority_majority_districts"`
	CompetitiveDistricts      int      `json:"competitive_districts"`
	VRAComplianceScore        float64  `json:"vra_compliance_score"`
}

// Compare diffs two snapshots without rescoring either plan.
func Compare(a, b PlanMetrics) ComparisonMetrics {
	c := ComparisonMetrics{
		PlanA:                     a.PlanID,
		PlanB:                     b.PlanID,
		CompactnessScore:          a.CompactnessScore - b.CompactnessScore,
		ContiguityScore:           a.ContiguityScore - b.ContiguityScore,
		MinorityMajorityDistricts: a.MinorityMajorityDistricts - b.MinorityMajorityDistricts,
		CompetitiveDistricts:      a.CompetitiveDistricts - b.CompetitiveDistricts,
		VRAComplianceScore:        a.VRAComplianceScore - b.VRAComplianceScore,
	}
	if a.PopulationDeviation != nil && b.PopulationDeviation != nil {
		d := *a.PopulationDeviation - *b.PopulationDeviation
		c.PopulationDeviation = &d
	}
	return c
}
