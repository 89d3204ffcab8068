// Command plan-score scores a district plan from a GeoJSON file without a
// database, printing the compliance metrics as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/EmpoweredVote/EV-Districts/internal/compliance"
	"github.com/EmpoweredVote/EV-Districts/internal/config"
	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
	"github.com/EmpoweredVote/EV-Districts/internal/redistricting"
)

var errNonCompliant = errors.New("plan is not compliant")

var opt struct {
	state      string
	statePop   int64
	rules      string
	projection string
	blocks     string
	strict     bool
	indent     bool
}

var Cmd = &cobra.Command{
	Use:   "plan-score PLAN.geojson",
	Short: "Compute compliance metrics for a plan file",
	Long: `Reads a GeoJSON FeatureCollection of districts, optionally with a
GeoJSON file of census blocks, and prints population, compactness,
contiguity, VRA and partisan metrics.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	f := Cmd.Flags()
	f.StringVar(&opt.state, "state", "", "two-letter state code (required)")
	f.Int64Var(&opt.statePop, "state-population", 0, "statewide population; defaults to the sum of districts")
	f.StringVar(&opt.rules, "rules", "", "jurisdiction rules YAML (defaults to the built-in thresholds)")
	f.StringVar(&opt.projection, "projection", config.DefaultProjection, `equal-area projection, or "identity" for planar input`)
	f.StringVar(&opt.blocks, "blocks", "", "GeoJSON census blocks for demographics and contiguity")
	f.BoolVar(&opt.strict, "strict", false, "exit non-zero when the plan violates any rule")
	f.BoolVar(&opt.indent, "indent", true, "indent the JSON output")
	_ = Cmd.MarkFlagRequired("state")
}

func main() {
	_ = godotenv.Load(".env.local")
	logger.Setup()
	defer logger.Sync()

	if err := Cmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errNonCompliant) {
			fmt.Fprintln(os.Stderr, "plan-score:", err)
		}
		os.Exit(1)
	}
}

func projector(def string) (*projection.Projector, error) {
	if strings.EqualFold(def, "identity") {
		return projection.Identity(), nil
	}
	return projection.New(def)
}

func loadBlocks(ctx context.Context, store redistricting.Store, path string) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	w := &redistricting.BlockWriter{Store: store, State: opt.state, Fields: redistricting.DefaultBlockFields()}
	if _, err := geoio.ReadFeatureCollection(in, func(f geoio.Feature) error { return w.Add(ctx, f) }); err != nil {
		return 0, err
	}
	if err := w.Flush(ctx); err != nil {
		return 0, err
	}
	return w.Written, nil
}

func run(ctx context.Context, path string) error {
	proj, err := projector(opt.projection)
	if err != nil {
		return err
	}
	rules := compliance.DefaultRules()
	if opt.rules != "" {
		if rules, err = compliance.LoadRules(opt.rules); err != nil {
			return err
		}
	}
	store := redistricting.NewMemoryStore()
	if opt.blocks != "" {
		n, err := loadBlocks(ctx, store, opt.blocks)
		if err != nil {
			return fmt.Errorf("load blocks: %w", err)
		}
		logger.L().Infow("Census blocks loaded", "count", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	svc := &redistricting.Service{Store: store, Proj: proj, Scorer: compliance.NewScorer(rules)}
	p, err := svc.CreatePlan(ctx, redistricting.CreatePlanRequest{
		Name:            path,
		State:           opt.state,
		StatePopulation: opt.statePop,
		Districts:       data,
	})
	if err != nil {
		var ie *geoio.ImportError
		if errors.As(err, &ie) {
			return fmt.Errorf("%s: %s", path, strings.Join(ie.Messages(), "; "))
		}
		return err
	}
	snap, err := svc.CalculateMetrics(ctx, p.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	if opt.indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(snap.Metrics); err != nil {
		return err
	}
	if opt.strict && !snap.Compliant {
		for _, v := range snap.Metrics.Violations {
			fmt.Fprintln(os.Stderr, "violation:", v)
		}
		return errNonCompliant
	}
	return nil
}
