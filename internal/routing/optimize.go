// Package routing orders canvassing stops into a walk route: nearest-neighbour
// construction followed by open-path 2-opt under a selectable edge cost.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
)

type OptimizationType string

const (
	Shortest OptimizationType = "shortest"
	Fastest  OptimizationType = "fastest"
	Walking  OptimizationType = "walking"
)

func ParseOptimizationType(s string) (OptimizationType, error) {
	switch t := OptimizationType(s); t {
	case Shortest, Fastest, Walking:
		return t, nil
	}
	return "", fmt.Errorf("unknown optimization type %q", s)
}

type Mode string

const (
	ModeWalking Mode = "walking"
	ModeDriving Mode = "driving"
)

// Stop is one address on the route. Location is WGS84 [lon, lat].
type Stop struct {
	ID       string    `json:"id"`
	VoterID  string    `json:"voter_id"`
	Address  string    `json:"address"`
	Location orb.Point `json:"location"`
}

// RoutedStop is a Stop placed on the route. The last stop carries only its
// dwell time.
type RoutedStop struct {
	Stop
	Order                int     `json:"order"`
	DistanceToNextMeters float64 `json:"distance_to_next_meters"`
	EstimatedTimeMinutes float64 `json:"estimated_time_minutes"`
}

type Route struct {
	Type               OptimizationType `json:"optimization_type"`
	Stops              []RoutedStop     `json:"points"`
	TotalDistanceKm    float64          `json:"total_distance_km"`
	EstimatedTimeHours float64          `json:"estimated_time_hours"`
	IsOptimized        bool             `json:"is_optimized"`
	Truncated          bool             `json:"truncated"`
	Iterations         int              `json:"iterations"`
}

type Options struct {
	Type            OptimizationType
	Mode            Mode
	WalkingSpeedKmh float64
	DrivingSpeedKmh float64
	DwellMinutes    float64
	MaxIterations   int
	Timeout         time.Duration
	Graph           *WalkGraph
	// AllowFallback permits straight-line costs when the walking graph is
	// missing or disconnected.
	AllowFallback bool
}

func DefaultOptions() Options {
	return Options{
		Type:            Shortest,
		Mode:            ModeWalking,
		WalkingSpeedKmh: 5,
		DrivingSpeedKmh: 40,
		DwellMinutes:    2,
		MaxIterations:   1000,
		Timeout:         10 * time.Second,
		AllowFallback:   true,
	}
}

func (o Options) speedMetresPerSecond() float64 {
	kmh := o.WalkingSpeedKmh
	if o.Type == Fastest && o.Mode == ModeDriving {
		kmh = o.DrivingSpeedKmh
	}
	if kmh <= 0 {
		kmh = 5
	}
	return kmh * 1000 / 3600
}

type ErrorKind string

const (
	KindEmpty        ErrorKind = "empty"
	KindInvalidStop  ErrorKind = "invalid_stop"
	KindMissingGraph ErrorKind = "missing_graph"
	KindDisconnected ErrorKind = "disconnected_graph"
	KindIntegrity    ErrorKind = "integrity"
	KindCancelled    ErrorKind = "cancelled"
)

// RouteError is fatal for the optimization; no partial route accompanies it.
type RouteError struct {
	Kind ErrorKind
	Err  error
}

func (e *RouteError) Error() string {
	if e.Err == nil {
		return "route " + string(e.Kind)
	}
	return fmt.Sprintf("route %s: %v", e.Kind, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }

var (
	ErrEmptyRoute        = errors.New("no stops to route")
	ErrDisconnectedGraph = errors.New("walking graph does not connect every stop")
)

// Optimize orders stops starting from stops[0]. When the iteration cap or the
// timeout is reached the best route so far is returned with Truncated set.
// Cancelling ctx aborts with a RouteError.
func Optimize(ctx context.Context, stops []Stop, opts Options) (*Route, error) {
	if len(stops) == 0 {
		return nil, &RouteError{Kind: KindEmpty, Err: ErrEmptyRoute}
	}
	for i, s := range stops {
		if math.IsNaN(s.Location[0]) || math.IsNaN(s.Location[1]) ||
			math.Abs(s.Location[0]) > 180 || math.Abs(s.Location[1]) > 90 {
			return nil, &RouteError{Kind: KindInvalidStop, Err: fmt.Errorf("stop %d (%s) has an invalid location", i, s.ID)}
		}
	}
	if opts.Type == "" {
		opts.Type = Shortest
	}

	dist, optimized, err := buildDistances(stops, opts)
	if err != nil {
		return nil, err
	}
	speed := opts.speedMetresPerSecond()
	cost := dist
	if opts.Type == Fastest {
		cost = make([][]float64, len(dist))
		for i := range dist {
			cost[i] = make([]float64, len(dist[i]))
			for j := range dist[i] {
				cost[i][j] = dist[i][j] / speed
			}
		}
	}

	searchCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	order := nearestNeighbour(cost)
	iters, truncated := twoOpt(searchCtx, order, cost, opts.MaxIterations)
	if err := ctx.Err(); err != nil {
		return nil, &RouteError{Kind: KindCancelled, Err: err}
	}
	if err := checkPermutation(order, len(stops)); err != nil {
		return nil, err
	}

	r := &Route{
		Type:        opts.Type,
		Stops:       make([]RoutedStop, len(order)),
		IsOptimized: optimized,
		Truncated:   truncated,
		Iterations:  iters,
	}
	var metres, minutes float64
	for pos, idx := range order {
		rs := RoutedStop{Stop: stops[idx], Order: pos + 1, EstimatedTimeMinutes: opts.DwellMinutes}
		if pos+1 < len(order) {
			leg := dist[idx][order[pos+1]]
			rs.DistanceToNextMeters = leg
			rs.EstimatedTimeMinutes += leg / speed / 60
			metres += leg
		}
		minutes += rs.EstimatedTimeMinutes
		r.Stops[pos] = rs
	}
	r.TotalDistanceKm = metres / 1000
	r.EstimatedTimeHours = minutes / 60

	metrics.RouteOptimizations.WithLabelValues(string(opts.Type), strconv.FormatBool(truncated)).Inc()
	return r, nil
}

// buildDistances returns metres between every pair of stops and whether the
// requested cost model was honoured.
func buildDistances(stops []Stop, opts Options) ([][]float64, bool, error) {
	if opts.Type == Walking {
		if opts.Graph == nil || opts.Graph.Len() == 0 {
			if !opts.AllowFallback {
				return nil, false, &RouteError{Kind: KindMissingGraph, Err: errors.New("walking routes need a pedestrian graph")}
			}
			return geodesicMatrix(stops), false, nil
		}
		m, ok := opts.Graph.distanceMatrix(stops)
		if !ok {
			if !opts.AllowFallback {
				return nil, false, &RouteError{Kind: KindDisconnected, Err: ErrDisconnectedGraph}
			}
			return geodesicMatrix(stops), false, nil
		}
		return m, true, nil
	}
	return geodesicMatrix(stops), true, nil
}

func geodesicMatrix(stops []Stop) [][]float64 {
	n := len(stops)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := geo.Distance(stops[i].Location, stops[j].Location)
			m[i][j], m[j][i] = d, d
		}
	}
	return m
}

func nearestNeighbour(cost [][]float64) []int {
	n := len(cost)
	order := make([]int, 0, n)
	used := make([]bool, n)
	cur := 0
	used[0] = true
	order = append(order, 0)
	for len(order) < n {
		best, bestCost := -1, math.Inf(1)
		for j := 0; j < n; j++ {
			if !used[j] && cost[cur][j] < bestCost {
				best, bestCost = j, cost[cur][j]
			}
		}
		used[best] = true
		order = append(order, best)
		cur = best
	}
	return order
}

const improvementEpsilon = 1e-9

// twoOpt improves an open path in place, keeping order[0] fixed. Each pass
// over all segment pairs counts as one iteration.
func twoOpt(ctx context.Context, order []int, cost [][]float64, maxIter int) (iters int, truncated bool) {
	n := len(order)
	if n < 4 {
		return 0, false
	}
	for {
		if maxIter > 0 && iters >= maxIter {
			return iters, true
		}
		iters++
		improved := false
		for i := 1; i < n-1; i++ {
			if expired(ctx) {
				return iters, true
			}
			for k := i + 1; k < n; k++ {
				a, b := order[i-1], order[i]
				c := order[k]
				delta := cost[a][c] - cost[a][b]
				if k+1 < n {
					d := order[k+1]
					delta += cost[b][d] - cost[c][d]
				}
				if delta < -improvementEpsilon {
					reverse(order[i : k+1])
					improved = true
				}
			}
		}
		if !improved {
			return iters, false
		}
	}
}

// expired also consults the deadline directly, since the timer that cancels a
// context fires asynchronously.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func checkPermutation(order []int, n int) error {
	if len(order) != n {
		return &RouteError{Kind: KindIntegrity, Err: fmt.Errorf("route has %d stops, input had %d", len(order), n)}
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return &RouteError{Kind: KindIntegrity, Err: fmt.Errorf("stop index %d repeated or out of range", i)}
		}
		seen[i] = true
	}
	return nil
}

// PathLength sums cost along order.
func PathLength(order []int, cost [][]float64) float64 {
	total := 0.0
	for i := 0; i+1 < len(order); i++ {
		total += cost[order[i]][order[i+1]]
	}
	return total
}
