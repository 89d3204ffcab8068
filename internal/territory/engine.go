package territory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/EmpoweredVote/EV-Districts/internal/geocoding"
	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
	"github.com/EmpoweredVote/EV-Districts/internal/spatial"
	"github.com/EmpoweredVote/EV-Districts/internal/tasks"
)

const component = "territory"

// applyAttempts bounds ApplyAssignments when a concurrent writer wins.
const applyAttempts = 2

var ErrInvalidRequest = errors.New("invalid request")

type ConflictReason string

const (
	ReasonAlreadyAssigned  ConflictReason = "already_assigned"
	ReasonOutsideTerritory ConflictReason = "outside_territory"
	ReasonNotLocatable     ConflictReason = "not_locatable"
	ReasonUnknownVoter     ConflictReason = "unknown_voter"
)

// AssignmentConflict explains why one voter was not assigned. Conflicts
// never abort the batch.
type AssignmentConflict struct {
	VoterID             string         `json:"voter_id"`
	Reason              ConflictReason `json:"reason"`
	Detail              string         `json:"detail,omitempty"`
	ExistingTerritoryID *uuid.UUID     `json:"existing_territory_id,omitempty"`
	NearestTerritoryID  string         `json:"nearest_territory_id,omitempty"`
	DistanceMeters      *float64       `json:"distance_meters,omitempty"`
}

// AssignmentResult partitions the requested voters. Every distinct
// requested id lands in exactly one list.
type AssignmentResult struct {
	TerritoryID uuid.UUID            `json:"territory_id"`
	Assigned    []VoterAssignment    `json:"assigned"`
	Unchanged   []VoterAssignment    `json:"unchanged"`
	Reassigned  []VoterAssignment    `json:"reassigned"`
	Conflicts   []AssignmentConflict `json:"conflicts"`
}

// Engine assigns voters to territories and answers spatial queries. All
// geometry work happens in the projector's planar CRS.
type Engine struct {
	store    Store
	proj     *projection.Projector
	geocoder geocoding.Geocoder
	index    *spatial.Registry
	workers  int
	now      func() time.Time
}

// NewEngine wires the engine; gc may be nil, in which case voters without
// stored coordinates are not locatable.
func NewEngine(store Store, proj *projection.Projector, gc geocoding.Geocoder) *Engine {
	e := &Engine{store: store, proj: proj, geocoder: gc, workers: 8, now: time.Now}
	e.index = spatial.NewRegistry("territories", spatial.SourceFunc(e.loadEntries))
	return e
}

func (e *Engine) Index() *spatial.Registry { return e.index }

// RebuildIndex republishes the territory index; call after any territory
// geometry change.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	_, err := e.index.Rebuild(ctx)
	return err
}

func (e *Engine) loadEntries(ctx context.Context) ([]spatial.Entry, error) {
	ts, err := e.store.ListTerritories(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]spatial.Entry, 0, len(ts))
	for _, t := range ts {
		g, err := e.project(&t)
		if err != nil {
			return nil, err
		}
		entries = append(entries, spatial.Entry{ID: t.ID.String(), Geometry: g})
	}
	return entries, nil
}

func (e *Engine) project(t *Territory) (geometry.Geometry, error) {
	g, err := geoio.FromEWKBHex(t.Geometry)
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("territory %s: %w", t.ID, err)
	}
	return e.proj.Forward(g)
}

// territoryGeometry prefers the published index copy.
func (e *Engine) territoryGeometry(t *Territory) (geometry.Geometry, error) {
	if g, ok := e.index.Index().Geometry(t.ID.String()); ok {
		return g, nil
	}
	return e.project(t)
}

type located struct {
	id     string
	known  bool
	ok     bool
	pt     orb.Point
	detail string
}

// AssignVoters assigns each voter whose location falls in the territory.
// Re-assigning a voter to the territory they already belong to is a no-op.
// rep may be nil.
func (e *Engine) AssignVoters(ctx context.Context, territoryID uuid.UUID, voterIDs []string, c Criteria, rep tasks.Reporter) (*AssignmentResult, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start := e.now()

	t, err := e.store.GetTerritory(ctx, territoryID)
	if err != nil {
		return nil, err
	}
	tg, err := e.territoryGeometry(t)
	if err != nil {
		return nil, err
	}

	ids := dedupe(voterIDs)
	voters, err := e.store.GetVoters(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load voters: %w", err)
	}
	locs, err := e.locate(ctx, ids, voters, rep)
	if err != nil {
		return nil, err
	}

	res := &AssignmentResult{
		TerritoryID: territoryID,
		Assigned:    []VoterAssignment{},
		Unchanged:   []VoterAssignment{},
		Reassigned:  []VoterAssignment{},
		Conflicts:   []AssignmentConflict{},
	}
	idx := e.index.Index()
	tid := territoryID.String()

	type candidate struct {
		id     string
		method Method
	}
	var cands []candidate
	conflictAt := map[string]AssignmentConflict{}
	for _, l := range locs {
		switch {
		case !l.known:
			conflictAt[l.id] = AssignmentConflict{VoterID: l.id, Reason: ReasonUnknownVoter}
			continue
		case !l.ok:
			conflictAt[l.id] = AssignmentConflict{VoterID: l.id, Reason: ReasonNotLocatable, Detail: l.detail}
			continue
		case geometry.Contains(tg, l.pt):
			cands = append(cands, candidate{l.id, MethodContains})
			continue
		}

		dist := geometry.Distance(tg, l.pt)
		conflict := AssignmentConflict{VoterID: l.id, Reason: ReasonOutsideTerritory, DistanceMeters: &dist}
		if c.ByProximity {
			m, found := idx.Nearest(l.pt, c.MaxDistanceMeters)
			if dist <= c.MaxDistanceMeters && (!found || m.ID == tid || m.Distance >= dist) {
				cands = append(cands, candidate{l.id, MethodProximity})
				continue
			}
			if found {
				conflict.NearestTerritoryID = m.ID
			}
		}
		conflictAt[l.id] = conflict
	}

	candIDs := make([]string, len(cands))
	for i, cd := range cands {
		candIDs[i] = cd.id
	}
	now := e.now().UTC()
	var (
		create     []VoterAssignment
		deactivate []uuid.UUID
		touched    []uuid.UUID
		outcome    map[string]*[]VoterAssignment
	)
	// A concurrent writer can activate an assignment between the read and the
	// write; the decision is re-made once against the fresh state.
	for attempt := 1; ; attempt++ {
		active, err := e.store.ActiveAssignments(ctx, candIDs, t.Type)
		if err != nil {
			return nil, fmt.Errorf("load active assignments: %w", err)
		}
		create, deactivate, touched = nil, nil, []uuid.UUID{territoryID}
		outcome = map[string]*[]VoterAssignment{}
		res.Unchanged = []VoterAssignment{}
		for _, cd := range cands {
			delete(conflictAt, cd.id)
			prev, has := active[cd.id]
			if has && prev.TerritoryID == territoryID {
				res.Unchanged = append(res.Unchanged, prev)
				continue
			}
			if has && c.RespectExistingAssignments {
				existing := prev.TerritoryID
				conflictAt[cd.id] = AssignmentConflict{VoterID: cd.id, Reason: ReasonAlreadyAssigned, ExistingTerritoryID: &existing}
				continue
			}
			a := VoterAssignment{
				ID:            uuid.New(),
				VoterID:       cd.id,
				TerritoryID:   territoryID,
				TerritoryType: t.Type,
				IsActive:      true,
				Method:        cd.method,
				AssignedAt:    now,
			}
			create = append(create, a)
			if has {
				deactivate = append(deactivate, prev.ID)
				touched = append(touched, prev.TerritoryID)
				outcome[cd.id] = &res.Reassigned
			} else {
				outcome[cd.id] = &res.Assigned
			}
		}

		err = e.store.ApplyAssignments(ctx, deactivate, create)
		if err == nil {
			break
		}
		if attempt < applyAttempts && errors.Is(err, ErrConcurrentAssignment) {
			logger.L().Infow("Assignment raced a concurrent writer; retrying",
				"component", component, "territory_id", territoryID, "attempt", attempt)
			continue
		}
		return nil, err
	}
	for _, a := range create {
		*outcome[a.VoterID] = append(*outcome[a.VoterID], a)
	}
	for _, id := range ids {
		if cf, ok := conflictAt[id]; ok {
			res.Conflicts = append(res.Conflicts, cf)
		}
	}
	if err := e.store.RefreshVoterCounts(ctx, touched); err != nil {
		logger.Err(component, "refresh voter counts", err, "territory_id", territoryID)
	}

	metrics.Assignments.WithLabelValues("assigned").Add(float64(len(res.Assigned)))
	metrics.Assignments.WithLabelValues("unchanged").Add(float64(len(res.Unchanged)))
	metrics.Assignments.WithLabelValues("reassigned").Add(float64(len(res.Reassigned)))
	for _, cf := range res.Conflicts {
		metrics.Assignments.WithLabelValues(string(cf.Reason)).Inc()
	}
	logger.Op(component, "assign voters", time.Since(start),
		"territory_id", territoryID, "requested", len(ids),
		"assigned", len(res.Assigned), "unchanged", len(res.Unchanged),
		"reassigned", len(res.Reassigned), "conflicts", len(res.Conflicts))
	return res, nil
}

// locate resolves every voter to a projected point, geocoding the ones
// without stored coordinates. Per-voter failures become detail strings;
// only cancellation aborts.
func (e *Engine) locate(ctx context.Context, ids []string, voters map[string]Voter, rep tasks.Reporter) ([]located, error) {
	out := make([]located, len(ids))
	var done atomic.Int64
	total := len(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range ids {
		v, known := voters[id]
		out[i] = located{id: id, known: known}
		if !known {
			continue
		}
		g.Go(func() error {
			pt, detail, err := e.locateOne(gctx, v)
			if err != nil {
				return err
			}
			out[i].pt, out[i].ok, out[i].detail = pt, detail == "", detail
			if n := done.Add(1); rep != nil && (n%100 == 0 || int(n) == total) {
				rep.Report(int(n), total, "locating voters")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) locateOne(ctx context.Context, v Voter) (orb.Point, string, error) {
	var lnglat orb.Point
	switch {
	case v.Located():
		lnglat = orb.Point{*v.Lng, *v.Lat}
	case v.Address == "":
		return orb.Point{}, "no coordinates or address", nil
	case e.geocoder == nil:
		return orb.Point{}, "no coordinates and geocoding is not configured", nil
	default:
		r, err := e.geocoder.Geocode(ctx, v.Address)
		if err != nil {
			if ctx.Err() != nil {
				return orb.Point{}, "", ctx.Err()
			}
			return orb.Point{}, "geocoding failed: " + err.Error(), nil
		}
		lnglat = orb.Point{r.Lng, r.Lat}
		if err := e.store.SaveVoterLocation(ctx, v.ID, r.Lat, r.Lng); err != nil {
			logger.Err(component, "save voter location", err, "voter_id", v.ID)
		}
	}
	pt, err := e.proj.ForwardPoint(lnglat)
	if err != nil {
		return orb.Point{}, "coordinate could not be projected: " + err.Error(), nil
	}
	return pt, "", nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Deactivate ends a voter's active assignment to the territory, which is
// required before reassigning under respect_existing_assignments.
func (e *Engine) Deactivate(ctx context.Context, territoryID uuid.UUID, voterID string) (*VoterAssignment, error) {
	a, err := e.store.DeactivateAssignment(ctx, territoryID, voterID)
	if err != nil {
		return nil, err
	}
	if err := e.store.RefreshVoterCounts(ctx, []uuid.UUID{territoryID}); err != nil {
		logger.Err(component, "refresh voter counts", err, "territory_id", territoryID)
	}
	return a, nil
}
