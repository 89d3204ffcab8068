// Command plan-import loads district plans and census blocks from files
// into the database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/EmpoweredVote/EV-Districts/internal/compliance"
	"github.com/EmpoweredVote/EV-Districts/internal/config"
	"github.com/EmpoweredVote/EV-Districts/internal/db"
	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
	"github.com/EmpoweredVote/EV-Districts/internal/redistricting"
)

var opt struct {
	dbURL string
	state string

	name        string
	description string
	key         string
	fields      redistricting.FieldMap
	statePop    int64

	blockFields redistricting.BlockFields
}

func main() {
	_ = godotenv.Load(".env.local")
	logger.Setup()
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "plan-import",
		Short:         "Import district plans and census blocks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opt.dbURL, "db", os.Getenv("DATABASE_URL"), "DATABASE_URL")
	root.PersistentFlags().StringVar(&opt.state, "state", "", "two-letter state code (required)")
	_ = root.MarkPersistentFlagRequired("state")

	root.AddCommand(planCmd(), blocksCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.L().Errorw("Import failed", "err", err)
		os.Exit(1)
	}
}

func planCmd() *cobra.Command {
	defaults := redistricting.DefaultFieldMap()
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Import a zipped shapefile or GeoJSON FeatureCollection as a draft plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&opt.name, "name", "", "plan name (defaults to the file name)")
	f.StringVar(&opt.description, "description", "", "plan description")
	f.StringVar(&opt.key, "key", "", "import key; the same key and state always map to the same plan id")
	f.Int64Var(&opt.statePop, "state-population", 0, "statewide population used for the ideal district size")
	f.StringVar(&opt.fields.District, "district-field", defaults.District, "attribute holding the district number")
	f.StringVar(&opt.fields.Name, "name-field", defaults.Name, "attribute holding the district name")
	f.StringVar(&opt.fields.Population, "population-field", defaults.Population, "attribute holding total population")
	f.StringVar(&opt.fields.VotingAgePopulation, "vap-field", defaults.VotingAgePopulation, "attribute holding voting age population")
	f.StringVar(&opt.fields.MinorityVAP, "minority-vap-field", defaults.MinorityVAP, "attribute holding minority voting age population")
	f.StringVar(&opt.fields.RegisteredVoters, "registered-field", defaults.RegisteredVoters, "attribute holding registered voters")
	f.StringVar(&opt.fields.DemocraticVotes, "democratic-field", defaults.DemocraticVotes, "attribute holding Democratic votes")
	f.StringVar(&opt.fields.RepublicanVotes, "republican-field", defaults.RepublicanVotes, "attribute holding Republican votes")
	return cmd
}

func blocksCmd() *cobra.Command {
	defaults := redistricting.DefaultBlockFields()
	cmd := &cobra.Command{
		Use:   "blocks FILE",
		Short: "Load census blocks used for demographics and contiguity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlocks(cmd.Context(), args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&opt.blockFields.GEOID, "geoid-field", defaults.GEOID, "attribute holding the block GEOID")
	f.StringVar(&opt.blockFields.Population, "population-field", defaults.Population, "attribute holding total population")
	f.StringVar(&opt.blockFields.VAP, "vap-field", defaults.VAP, "attribute holding voting age population")
	f.StringVar(&opt.blockFields.MinorityVAP, "minority-vap-field", defaults.MinorityVAP, "attribute holding minority voting age population")
	f.StringVar(&opt.blockFields.Neighbors, "neighbors-field", defaults.Neighbors, "attribute holding comma separated neighbor GEOIDs")
	return cmd
}

func isZip(path string) bool { return strings.EqualFold(filepath.Ext(path), ".zip") }

// readFeatures streams path as a zipped shapefile or a GeoJSON
// FeatureCollection, depending on its extension.
func readFeatures(ctx context.Context, path string, fn func(geoio.Feature) error) (sourceCRS string, n int, err error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()
	if isZip(path) {
		info, err := geoio.ReadShapefileZip(ctx, in, geoio.Limits{MaxBytes: 4 << 30}, fn)
		if err != nil {
			return "", 0, err
		}
		return info.SourceCRS, info.Features, nil
	}
	n, err = geoio.ReadFeatureCollection(in, fn)
	return "", n, err
}

func connect() (*redistricting.GormStore, error) {
	d, err := db.Connect(opt.dbURL)
	if err != nil {
		return nil, err
	}
	redistricting.Init(d)
	return redistricting.NewGormStore(d), nil
}

func runPlan(ctx context.Context, path string) error {
	start := time.Now()
	store, err := connect()
	if err != nil {
		return err
	}
	proj, err := projection.New(config.DefaultProjection)
	if err != nil {
		return err
	}
	svc := &redistricting.Service{Store: store, Proj: proj, Scorer: compliance.NewScorer(compliance.DefaultRules())}

	name := opt.name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	req := redistricting.UploadRequest{
		Name:            name,
		Description:     opt.description,
		State:           opt.state,
		StatePopulation: opt.statePop,
		ImportKey:       opt.key,
		Fields:          opt.fields,
	}

	var planID uuid.UUID
	if isZip(path) {
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		svc.Limits = geoio.Limits{MaxBytes: 4 << 30}
		res, err := svc.ImportShapefile(ctx, in, req, nil)
		if err != nil {
			return err
		}
		planID = res.PlanID
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		p, err := svc.CreatePlan(ctx, redistricting.CreatePlanRequest{
			Name:            req.Name,
			Description:     req.Description,
			State:           req.State,
			StatePopulation: req.StatePopulation,
			Districts:       data,
		})
		if err != nil {
			return err
		}
		planID = p.ID
	}

	snap, err := svc.CalculateMetrics(ctx, planID)
	if err != nil {
		logger.L().Warnw("Imported plan could not be scored", "plan", planID, "err", err)
	} else {
		logger.L().Infow("Initial metrics", "plan", planID, "compliant", snap.Compliant, "violations", len(snap.Metrics.Violations))
	}
	fmt.Printf("plan %s imported in %s\n", planID, time.Since(start).Round(time.Millisecond))
	return nil
}

func runBlocks(ctx context.Context, path string) error {
	start := time.Now()
	store, err := connect()
	if err != nil {
		return err
	}
	w := &redistricting.BlockWriter{Store: store, State: opt.state, Fields: opt.blockFields, Batch: 1000}
	_, _, err = readFeatures(ctx, path, func(f geoio.Feature) error {
		if err := w.Add(ctx, f); err != nil {
			return err
		}
		if w.Written > 0 && w.Written%50000 == 0 {
			logger.L().Infow("Blocks loaded", "count", humanize.Comma(int64(w.Written)))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	fmt.Printf("%s census blocks loaded for %s in %s\n",
		humanize.Comma(int64(w.Written)), strings.ToUpper(opt.state), time.Since(start).Round(time.Millisecond))
	return nil
}
