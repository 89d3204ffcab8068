// Package redistricting owns plans and their districts: creation from
// GeoJSON or shapefile uploads, edits under an optimistic geometry lock, the
// review lifecycle, compliance snapshots, comparison and export.
package redistricting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/EmpoweredVote/EV-Districts/internal/compliance"
	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
	"github.com/EmpoweredVote/EV-Districts/internal/spatial"
	"github.com/EmpoweredVote/EV-Districts/internal/storage"
	"github.com/EmpoweredVote/EV-Districts/internal/tasks"
)

const component = "redistricting"

// metricAttempts bounds how often a recompute restarts after losing a race
// with a district edit.
const metricAttempts = 3

var ErrInvalidRequest = errors.New("invalid request")

type Service struct {
	Store     Store
	Proj      *projection.Projector
	Scorer    *compliance.Scorer
	Artifacts storage.Store
	ExportTTL time.Duration
	Limits    geoio.Limits

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

type CreatePlanRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	State           string          `json:"state"`
	StatePopulation int64           `json:"state_population"`
	Districts       json.RawMessage `json:"districts"`
}

type UpdateDistrictRequest struct {
	GeometryVersion int64                    `json:"geometry_version"`
	Name            *string                  `json:"name"`
	Geometry        json.RawMessage          `json:"geometry"`
	Demographics    *compliance.Demographics `json:"demographics"`
}

type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// UploadRequest carries the form fields of a shapefile upload.
type UploadRequest struct {
	Name            string
	Description     string
	State           string
	StatePopulation int64
	// ImportKey, when set, makes the plan id deterministic so a repeated
	// upload is refused instead of duplicated.
	ImportKey string
	Fields    FieldMap
}

type UploadResult struct {
	PlanID    uuid.UUID `json:"plan_id"`
	Message   string    `json:"message"`
	Districts int       `json:"districts"`
	SourceCRS string    `json:"source_crs,omitempty"`
}

// newPlan turns imported features into a draft plan. District numbers come
// from the mapped district field, else the feature's position.
func newPlan(id uuid.UUID, name, description, state string, statePop int64, features []geoio.Feature, fields FieldMap) (*Plan, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: plan has no districts", ErrInvalidRequest)
	}
	p := &Plan{
		ID:              id,
		Name:            strings.TrimSpace(name),
		Description:     description,
		State:           strings.ToUpper(state),
		StatePopulation: statePop,
		Status:          StatusDraft,
	}
	seen := map[int]bool{}
	for i, f := range features {
		num := i + 1
		if n, ok := fields.num(f, fields.District); ok {
			num = int(n)
		}
		if num <= 0 {
			return nil, fmt.Errorf("%w: feature %d: district number must be positive", ErrInvalidRequest, i)
		}
		if seen[num] {
			return nil, fmt.Errorf("%w: feature %d: duplicate district number %d", ErrInvalidRequest, i, num)
		}
		seen[num] = true
		hex, err := geoio.ToEWKBHex(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		dname := fields.str(f, fields.Name)
		if dname == "" {
			dname = fmt.Sprintf("District %d", num)
		}
		p.Districts = append(p.Districts, District{
			ID:           DistrictID(id, num),
			PlanID:       id,
			Number:       num,
			Name:         dname,
			Geometry:     hex,
			Demographics: fields.Demographics(f),
		})
	}
	return p, nil
}

func (s *Service) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	start := time.Now()
	var features []geoio.Feature
	_, err := geoio.ReadFeatureCollection(bytes.NewReader(req.Districts), func(f geoio.Feature) error {
		features = append(features, f)
		return nil
	})
	if err != nil {
		metrics.Imports.WithLabelValues(string(geoio.FormatGeoJSON), "rejected").Inc()
		return nil, err
	}
	p, err := newPlan(uuid.New(), req.Name, req.Description, req.State, req.StatePopulation, features, DefaultFieldMap())
	if err != nil {
		metrics.Imports.WithLabelValues(string(geoio.FormatGeoJSON), "rejected").Inc()
		return nil, err
	}
	if err := s.Store.CreatePlan(ctx, p); err != nil {
		metrics.Imports.WithLabelValues(string(geoio.FormatGeoJSON), "error").Inc()
		return nil, err
	}
	metrics.Imports.WithLabelValues(string(geoio.FormatGeoJSON), "ok").Inc()
	logger.Op(component, "create plan", time.Since(start), "plan", p.ID, "districts", len(p.Districts))
	return p, nil
}

// ImportShapefile reads a zipped shapefile and stores it as one draft plan.
// Nothing is written unless every feature imports.
func (s *Service) ImportShapefile(ctx context.Context, r io.Reader, req UploadRequest, rep tasks.Reporter) (*UploadResult, error) {
	start := time.Now()
	outcome := "error"
	defer func() { metrics.Imports.WithLabelValues(string(geoio.FormatShapefile), outcome).Inc() }()

	fields := req.Fields.Merge(DefaultFieldMap())
	var features []geoio.Feature
	info, err := geoio.ReadShapefileZip(ctx, r, s.Limits, func(f geoio.Feature) error {
		features = append(features, f)
		if rep != nil && len(features)%100 == 0 {
			rep.Report(len(features), 0, "reading features")
		}
		return nil
	})
	if err != nil {
		outcome = importOutcome(err)
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = info.Layer
	}
	id := uuid.New()
	if req.ImportKey != "" {
		id = ImportedPlanID(req.State, req.ImportKey)
	}
	p, err := newPlan(id, name, req.Description, req.State, req.StatePopulation, features, fields)
	if err != nil {
		outcome = "rejected"
		return nil, err
	}
	p.SourceCRS = info.SourceCRS
	if rep != nil {
		rep.Report(len(features), len(features), "saving plan")
	}
	if err := s.Store.CreatePlan(ctx, p); err != nil {
		outcome = importOutcome(err)
		return nil, err
	}
	outcome = "ok"
	logger.Op(component, "import shapefile", time.Since(start),
		"plan", p.ID, "districts", len(p.Districts), "layer", info.Layer)
	return &UploadResult{
		PlanID:    p.ID,
		Message:   fmt.Sprintf("Imported %s districts from %s", humanize.Comma(int64(len(p.Districts))), info.Layer),
		Districts: len(p.Districts),
		SourceCRS: info.SourceCRS,
	}, nil
}

func importOutcome(err error) string {
	var ie *geoio.ImportError
	switch {
	case errors.As(err, &ie), errors.Is(err, ErrInvalidRequest):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.Store.GetPlan(ctx, id)
}

func (s *Service) ListPlans(ctx context.Context, state string) ([]Plan, error) {
	return s.Store.ListPlans(ctx, strings.ToUpper(state))
}

// UpdateDistrict edits one district. A geometry change without explicit
// demographics re-derives them from census blocks when the state has any.
func (s *Service) UpdateDistrict(ctx context.Context, planID, districtID uuid.UUID, req UpdateDistrictRequest) (*Plan, *District, error) {
	var (
		hex    string
		fromDB *compliance.Demographics
	)
	if len(req.Geometry) > 0 {
		g, err := geoio.DecodeGeometry(req.Geometry)
		if err != nil {
			return nil, nil, err
		}
		if hex, err = geoio.ToEWKBHex(g); err != nil {
			return nil, nil, err
		}
		if req.Demographics == nil {
			p, err := s.Store.GetPlan(ctx, planID)
			if err != nil {
				return nil, nil, err
			}
			if fromDB, err = s.blockDemographics(ctx, p.State, g); err != nil {
				return nil, nil, err
			}
		}
	}
	p, d, err := s.Store.UpdateDistrict(ctx, planID, districtID, req.GeometryVersion, func(d *District) error {
		if req.Name != nil {
			d.Name = *req.Name
		}
		if hex != "" {
			d.Geometry = hex
			if fromDB != nil {
				d.Demographics = fromDB
			}
		}
		if req.Demographics != nil {
			d.Demographics = req.Demographics
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	logger.L().Infow("District updated", "plan", planID, "district", districtID, "geometry_version", p.GeometryVersion)
	return p, d, nil
}

// blockDemographics sums the census blocks whose centroid lies inside g.
// nil means no blocks are loaded there.
func (s *Service) blockDemographics(ctx context.Context, state string, g geometry.Geometry) (*compliance.Demographics, error) {
	blocks, err := s.Store.BlocksIn(ctx, state, g.Bound())
	if err != nil || len(blocks) == 0 {
		return nil, err
	}
	pg, err := s.Proj.Forward(g)
	if err != nil {
		return nil, err
	}
	var inside []projectedBlock
	for _, b := range projectBlocks(s.Proj, blocks) {
		if geometry.Contains(pg, b.point) {
			inside = append(inside, b)
		}
	}
	return aggregate(inside), nil
}

func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.Store.Transition(ctx, id, []Status{StatusDraft}, StatusInReview)
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.Store.Transition(ctx, id, []Status{StatusInReview}, StatusApproved)
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.Store.Transition(ctx, id, []Status{StatusInReview}, StatusRejected)
}

// Copy clones a plan of any status into a new draft.
func (s *Service) Copy(ctx context.Context, id uuid.UUID, name string) (*Plan, error) {
	src, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	cp := &Plan{
		ID:              uuid.New(),
		Name:            name,
		Description:     src.Description,
		State:           src.State,
		StatePopulation: src.StatePopulation,
		Status:          StatusDraft,
		SourcePlanID:    &src.ID,
		SourceCRS:       src.SourceCRS,
	}
	for _, d := range src.Districts {
		nd := District{
			ID:       DistrictID(cp.ID, d.Number),
			PlanID:   cp.ID,
			Number:   d.Number,
			Name:     d.Name,
			Geometry: d.Geometry,
		}
		if d.Demographics != nil {
			dem := *d.Demographics
			nd.Demographics = &dem
		}
		cp.Districts = append(cp.Districts, nd)
	}
	if err := s.Store.CreatePlan(ctx, cp); err != nil {
		return nil, err
	}
	logger.L().Infow("Plan copied", "source", id, "plan", cp.ID)
	return cp, nil
}

type decodedDistrict struct {
	District
	geom geometry.Geometry
}

func decodeDistricts(p *Plan) ([]decodedDistrict, error) {
	out := make([]decodedDistrict, len(p.Districts))
	for i, d := range p.Districts {
		g, err := geoio.FromEWKBHex(d.Geometry)
		if err != nil {
			return nil, fmt.Errorf("district %d: %w", d.Number, err)
		}
		out[i] = decodedDistrict{District: d, geom: g}
	}
	return out, nil
}

// Validate checks every district geometry and looks for districts that
// overlap each other. All problems are reported.
func (s *Service) Validate(ctx context.Context, id uuid.UUID) (*ValidationReport, error) {
	p, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	rep := &ValidationReport{Errors: []string{}, Warnings: []string{}}
	if len(p.Districts) == 0 {
		rep.Errors = append(rep.Errors, "plan has no districts")
	}
	ds, err := decodeDistricts(p)
	if err != nil {
		return nil, err
	}
	entries := make([]spatial.Entry, 0, len(ds))
	for _, d := range ds {
		if err := geometry.Validate(d.geom); err != nil {
			metrics.GeometryValidations.WithLabelValues("invalid").Inc()
			var ve geometry.ValidationErrors
			if errors.As(err, &ve) {
				for _, m := range ve.Messages() {
					rep.Errors = append(rep.Errors, fmt.Sprintf("district %d: %s", d.Number, m))
				}
			} else {
				rep.Errors = append(rep.Errors, fmt.Sprintf("district %d: %v", d.Number, err))
			}
			continue
		}
		metrics.GeometryValidations.WithLabelValues("valid").Inc()
		entries = append(entries, spatial.Entry{ID: d.ID.String(), Geometry: d.geom})
		if d.Demographics == nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("district %d has no demographic data", d.Number))
		}
	}

	ix := spatial.Build(entries)
	number := make(map[string]int, len(ds))
	for _, d := range ds {
		number[d.ID.String()] = d.Number
	}
	for _, e := range entries {
		for _, other := range ix.Intersecting(e.Geometry, e.ID) {
			a, b := number[e.ID], number[other]
			if a < b {
				rep.Errors = append(rep.Errors, fmt.Sprintf("districts %d and %d overlap", a, b))
			}
		}
	}

	if m, err := s.Store.LatestMetrics(ctx, id); err == nil && m.GeometryVersion == p.GeometryVersion {
		rep.Warnings = append(rep.Warnings, m.Metrics.Violations...)
	}
	rep.Valid = len(rep.Errors) == 0
	return rep, nil
}

// planInput projects a plan snapshot into the scorer's input, attaching the
// census blocks each district owns. Stored demographics win over block sums.
func (s *Service) planInput(ctx context.Context, p *Plan) (compliance.PlanInput, error) {
	in := compliance.PlanInput{PlanID: p.ID.String(), StatePopulation: p.StatePopulation}
	ds, err := decodeDistricts(p)
	if err != nil {
		return in, err
	}
	var bound orb.Bound
	for i, d := range ds {
		if i == 0 {
			bound = d.geom.Bound()
		} else {
			bound = bound.Union(d.geom.Bound())
		}
		pg, err := s.Proj.Forward(d.geom)
		if err != nil {
			return in, fmt.Errorf("project district %d: %w", d.Number, err)
		}
		in.Districts = append(in.Districts, compliance.DistrictInput{
			ID:           d.ID.String(),
			Name:         d.Name,
			Geometry:     pg,
			Demographics: d.Demographics,
		})
	}
	if len(ds) == 0 {
		return in, nil
	}

	blocks, err := s.Store.BlocksIn(ctx, p.State, bound)
	if err != nil {
		return in, fmt.Errorf("load census blocks: %w", err)
	}
	if len(blocks) == 0 {
		return in, nil
	}
	owned := assignBlocks(in.Districts, projectBlocks(s.Proj, blocks))
	for i := range in.Districts {
		bs := owned[in.Districts[i].ID]
		in.Districts[i].Blocks = scorerBlocks(bs)
		if in.Districts[i].Demographics == nil {
			in.Districts[i].Demographics = aggregate(bs)
		}
	}
	return in, nil
}

// CalculateMetrics scores a consistent snapshot of the plan and publishes it.
// If a district edit lands first the snapshot is discarded and the work
// restarts; after metricAttempts losses ErrVersionConflict is returned.
func (s *Service) CalculateMetrics(ctx context.Context, id uuid.UUID) (*MetricsSnapshot, error) {
	start := time.Now()
	defer func() { metrics.MetricComputeSeconds.Observe(time.Since(start).Seconds()) }()

	for attempt := 1; attempt <= metricAttempts; attempt++ {
		p, err := s.Store.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		in, err := s.planInput(ctx, p)
		if err != nil {
			return nil, err
		}
		m := s.Scorer.Score(in)
		m.GeometryVersion = p.GeometryVersion
		m.CalculatedAt = s.clock()
		snap := &MetricsSnapshot{
			ID:                 uuid.New(),
			PlanID:             p.ID,
			GeometryVersion:    p.GeometryVersion,
			Compliant:          m.Compliant,
			VRAComplianceScore: m.VRAComplianceScore,
			Metrics:            m,
			CalculatedAt:       m.CalculatedAt,
		}
		err = s.Store.PublishMetrics(ctx, snap)
		if errors.Is(err, ErrVersionConflict) {
			metrics.MetricComputeConflicts.Inc()
			logger.L().Infow("Plan changed during metrics run; retrying", "plan", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Op(component, "calculate metrics", time.Since(start),
			"plan", id, "geometry_version", p.GeometryVersion, "compliant", m.Compliant, "violations", len(m.Violations))
		return snap, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrVersionConflict, metricAttempts)
}

func (s *Service) LatestMetrics(ctx context.Context, id uuid.UUID) (*MetricsSnapshot, error) {
	if _, err := s.Store.GetPlan(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.LatestMetrics(ctx, id)
}

// currentMetrics reuses the newest snapshot when it matches the plan's
// geometry version and computes a fresh one otherwise.
func (s *Service) currentMetrics(ctx context.Context, id uuid.UUID) (*MetricsSnapshot, error) {
	p, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := s.Store.LatestMetrics(ctx, id)
	switch {
	case err == nil && m.GeometryVersion == p.GeometryVersion:
		return m, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return s.CalculateMetrics(ctx, id)
}

// Compare diffs plan a against plan b (a minus b).
func (s *Service) Compare(ctx context.Context, a, b uuid.UUID) (compliance.ComparisonMetrics, error) {
	ma, err := s.currentMetrics(ctx, a)
	if err != nil {
		return compliance.ComparisonMetrics{}, err
	}
	mb, err := s.currentMetrics(ctx, b)
	if err != nil {
		return compliance.ComparisonMetrics{}, err
	}
	return compliance.Compare(ma.Metrics, mb.Metrics), nil
}

// CRSOriginal asks an export to go back to the uploaded shapefile's CRS.
const CRSOriginal = "original"

// Export renders the plan, stores it and returns a signed link. crs applies
// to shapefiles only.
func (s *Service) Export(ctx context.Context, id uuid.UUID, format geoio.Format, crs string) (storage.Artifact, error) {
	start := time.Now()
	if crs != "" && format != geoio.FormatShapefile {
		return storage.Artifact{}, fmt.Errorf("%w: crs applies to shapefile exports only", ErrInvalidRequest)
	}
	p, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return storage.Artifact{}, err
	}
	if crs == CRSOriginal {
		crs = p.SourceCRS
	}
	ds, err := decodeDistricts(p)
	if err != nil {
		return storage.Artifact{}, err
	}
	features := make([]geoio.Feature, len(ds))
	for i, d := range ds {
		props := map[string]interface{}{
			"district": d.Number,
			"name":     d.Name,
		}
		if dem := d.Demographics; dem != nil {
			props["population"] = dem.TotalPopulation
			props["voting_age_population"] = dem.VotingAgePopulation
			props["minority_vap"] = dem.MinorityVAP
		}
		features[i] = geoio.Feature{ID: d.ID.String(), Geometry: d.geom, Properties: props}
	}
	data, err := geoio.Export(format, layerName(p.Name), features, crs)
	switch {
	case errors.Is(err, projection.ErrUnsupportedCRS), errors.Is(err, geoio.ErrUnknownFormat):
		return storage.Artifact{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case err != nil:
		return storage.Artifact{}, fmt.Errorf("export plan %s: %w", id, err)
	}
	art, err := storage.Publish(ctx, s.Artifacts, "plans/"+p.ID.String(), string(format),
		format.Extension(), format.ContentType(), data, s.ExportTTL)
	if err != nil {
		return storage.Artifact{}, err
	}
	logger.Op(component, "export plan", time.Since(start),
		"plan", id, "format", format, "size", humanize.IBytes(uint64(len(data))))
	return art, nil
}

// layerName keeps letters, digits and underscores so the name is safe inside
// an archive.
func layerName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "plan"
	}
	return b.String()
}
