// Package canvass turns territory voters into walk lists and ordered
// canvassing routes.
package canvass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/routing"
	"github.com/EmpoweredVote/EV-Districts/internal/territory"
)

const component = "canvass"

var ErrInvalidRequest = errors.New("invalid request")

// UnknownVotersError lists walk-list voter ids with no voter record.
type UnknownVotersError struct {
	IDs []string
}

func (e *UnknownVotersError) Error() string {
	return "unknown voters: " + strings.Join(e.IDs, ", ")
}

// VoterSource is the slice of the territory store canvassing reads.
type VoterSource interface {
	GetTerritory(ctx context.Context, id uuid.UUID) (*territory.Territory, error)
	GetVoters(ctx context.Context, ids []string) (map[string]territory.Voter, error)
}

type Service struct {
	Store  Store
	Voters VoterSource
	// Defaults seeds every optimization; requests override per field.
	Defaults routing.Options
}

type CreateWalkListRequest struct {
	Name        string    `json:"name"`
	TerritoryID uuid.UUID `json:"territory_id"`
	VoterIDs    []string  `json:"voter_ids"`
}

// OptimizeRequest mirrors the optimize_route schema; nil fields keep the
// service defaults.
type OptimizeRequest struct {
	OptimizationType routing.OptimizationType `json:"optimization_type"`
	Mode             routing.Mode             `json:"mode"`
	DwellMinutes     *float64                 `json:"dwell_minutes"`
	MaxIterations    int                      `json:"max_iterations"`
	AllowFallback    *bool                    `json:"allow_fallback"`
	WalkingGraph     *routing.WalkGraphInput  `json:"walking_graph"`
}

func (req OptimizeRequest) options(base routing.Options) (routing.Options, error) {
	o := base
	if req.OptimizationType != "" {
		t, err := routing.ParseOptimizationType(string(req.OptimizationType))
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		o.Type = t
	}
	if req.Mode != "" {
		o.Mode = req.Mode
	}
	if req.DwellMinutes != nil {
		o.DwellMinutes = *req.DwellMinutes
	}
	if req.MaxIterations > 0 {
		o.MaxIterations = req.MaxIterations
	}
	if req.AllowFallback != nil {
		o.AllowFallback = *req.AllowFallback
	}
	if req.WalkingGraph != nil {
		g, err := routing.NewWalkGraph(*req.WalkingGraph)
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		o.Graph = g
	}
	return o, nil
}

func (s *Service) CreateWalkList(ctx context.Context, req CreateWalkListRequest) (*WalkList, error) {
	if _, err := s.Voters.GetTerritory(ctx, req.TerritoryID); err != nil {
		return nil, err
	}
	ids := uniqueIDs(req.VoterIDs)
	voters, err := s.Voters.GetVoters(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if _, ok := voters[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownVotersError{IDs: missing}
	}

	wl := &WalkList{
		ID:          uuid.New(),
		Name:        req.Name,
		TerritoryID: req.TerritoryID,
		VoterIDs:    ids,
	}
	if err := s.Store.CreateWalkList(ctx, wl); err != nil {
		return nil, err
	}
	return wl, nil
}

// uniqueIDs drops repeated voter ids, keeping first occurrences in order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// stops builds route stops in the given voter order, skipping voters that
// have no coordinates.
func (s *Service) stops(ctx context.Context, order []string) ([]routing.Stop, []string, error) {
	voters, err := s.Voters.GetVoters(ctx, order)
	if err != nil {
		return nil, nil, err
	}
	var (
		out     []routing.Stop
		skipped []string
	)
	for _, id := range order {
		v, ok := voters[id]
		if !ok || !v.Located() {
			skipped = append(skipped, id)
			continue
		}
		out = append(out, routing.Stop{
			ID:       id,
			VoterID:  id,
			Address:  v.Address,
			Location: orb.Point{*v.Lng, *v.Lat},
		})
	}
	return out, skipped, nil
}

// GenerateRoute routes the walk list in list order with the shortest
// distance objective.
func (s *Service) GenerateRoute(ctx context.Context, walkListID uuid.UUID) (*CanvassRoute, error) {
	wl, err := s.Store.GetWalkList(ctx, walkListID)
	if err != nil {
		return nil, err
	}
	opts := s.Defaults
	opts.Type = routing.Shortest
	return s.route(ctx, wl, wl.VoterIDs, opts)
}

// OptimizeRoute re-optimizes starting from the current route's first stop,
// or the walk list's first voter when no route exists yet.
func (s *Service) OptimizeRoute(ctx context.Context, walkListID uuid.UUID, req OptimizeRequest) (*CanvassRoute, error) {
	wl, err := s.Store.GetWalkList(ctx, walkListID)
	if err != nil {
		return nil, err
	}
	opts, err := req.options(s.Defaults)
	if err != nil {
		return nil, err
	}

	order := []string(wl.VoterIDs)
	prev, err := s.Store.LatestRoute(ctx, walkListID)
	switch {
	case err == nil:
		order = make([]string, 0, len(prev.Points)+len(prev.Skipped))
		for _, p := range prev.Points {
			order = append(order, p.VoterID)
		}
		order = append(order, prev.Skipped...)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return s.route(ctx, wl, order, opts)
}

func (s *Service) route(ctx context.Context, wl *WalkList, order []string, opts routing.Options) (*CanvassRoute, error) {
	start := time.Now()
	stops, skipped, err := s.stops(ctx, order)
	if err != nil {
		return nil, err
	}
	r, err := routing.Optimize(ctx, stops, opts)
	if err != nil {
		return nil, err
	}
	cr := fromRoute(wl, r, skipped)
	if err := s.Store.SaveRoute(ctx, &cr); err != nil {
		return nil, err
	}
	logger.Op(component, "route", time.Since(start),
		"walk_list_id", wl.ID, "type", string(r.Type), "stops", len(stops),
		"skipped", len(skipped), "truncated", r.Truncated, "optimized", r.IsOptimized)
	return &cr, nil
}
