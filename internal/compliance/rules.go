package compliance

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Weights combine the component scores into the VRA score. They need not sum
// to 1; the score divides by the total weight of the components it could
// compute.
type Weights struct {
	Population  float64 `yaml:"population" json:"population"`
	Compactness float64 `yaml:"compactness" json:"compactness"`
	Contiguity  float64 `yaml:"contiguity" json:"contiguity"`
	Minority    float64 `yaml:"minority" json:"minority"`
}

func (w Weights) total() float64 {
	return w.Population + w.Compactness + w.Contiguity + w.Minority
}

// Rules are the per-jurisdiction thresholds a plan is scored against.
//
// MaxPopulationDeviation is a percentage (10 means 10%). MinorityThreshold and
// CompetitiveMargin are fractions. RequiredOpportunityDistricts overrides the
// count derived from statewide minority share when set.
type Rules struct {
	Jurisdiction                 string  `yaml:"jurisdiction" json:"jurisdiction,omitempty"`
	MaxPopulationDeviation       float64 `yaml:"max_population_deviation" json:"max_population_deviation"`
	MinorityThreshold            float64 `yaml:"minority_threshold" json:"minority_threshold"`
	RequiredOpportunityDistricts *int    `yaml:"required_opportunity_districts" json:"required_opportunity_districts,omitempty"`
	CompetitiveMargin            float64 `yaml:"competitive_margin" json:"competitive_margin"`
	MinVRAScore                  float64 `yaml:"min_vra_score" json:"min_vra_score"`
	MinCompactness               float64 `yaml:"min_compactness" json:"min_compactness"`
	Weights                      Weights `yaml:"weights" json:"weights"`
}

var ErrInvalidRules = errors.New("invalid jurisdiction rules")

// DefaultRules is used when no rules file is configured.
func DefaultRules() Rules {
	return Rules{
		MaxPopulationDeviation: 10,
		MinorityThreshold:      0.5,
		CompetitiveMargin:      0.05,
		MinVRAScore:            0.7,
		Weights: Weights{
			Population:  0.3,
			Compactness: 0.2,
			Contiguity:  0.2,
			Minority:    0.3,
		},
	}
}

// ParseRules overlays YAML onto DefaultRules. Unknown keys are an error.
func ParseRules(data []byte) (Rules, error) {
	r := DefaultRules()
	if err := yaml.UnmarshalWithOptions(data, &r, yaml.DisallowUnknownField()); err != nil {
		return Rules{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// LoadRules reads a rules file. An empty path yields DefaultRules.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

func (r Rules) Validate() error {
	switch {
	case r.MaxPopulationDeviation <= 0:
		return fmt.Errorf("%w: max_population_deviation must be positive", ErrInvalidRules)
	case r.MinorityThreshold <= 0 || r.MinorityThreshold > 1:
		return fmt.Errorf("%w: minority_threshold must be in (0, 1]", ErrInvalidRules)
	case r.CompetitiveMargin < 0 || r.CompetitiveMargin > 1:
		return fmt.Errorf("%w: competitive_margin must be in [0, 1]", ErrInvalidRules)
	case r.MinVRAScore < 0 || r.MinVRAScore > 1:
		return fmt.Errorf("%w: min_vra_score must be in [0, 1]", ErrInvalidRules)
	case r.MinCompactness < 0 || r.MinCompactness > 1:
		return fmt.Errorf("%w: min_compactness must be in [0, 1]", ErrInvalidRules)
	case r.RequiredOpportunityDistricts != nil && *r.RequiredOpportunityDistricts < 0:
		return fmt.Errorf("%w: required_opportunity_districts cannot be negative", ErrInvalidRules)
	}
	w := r.Weights
	if w.Population < 0 || w.Compactness < 0 || w.Contiguity < 0 || w.Minority < 0 {
		return fmt.Errorf("%w: weights cannot be negative", ErrInvalidRules)
	}
	if w.total() == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrInvalidRules)
	}
	return nil
}
