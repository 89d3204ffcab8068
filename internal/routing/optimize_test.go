package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomStops(n int, seed int64) []Stop {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Stop, n)
	for i := range out {
		out[i] = Stop{
			ID:       fmt.Sprintf("s%03d", i),
			VoterID:  fmt.Sprintf("v%03d", i),
			Location: orb.Point{-86.53 + rng.Float64()*0.02, 39.16 + rng.Float64()*0.02},
		}
	}
	return out
}

func ids(r *Route) []string {
	out := make([]string, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = s.ID
	}
	return out
}

func TestOptimizeReturnsPermutation(t *testing.T) {
	for _, typ := range []OptimizationType{Shortest, Fastest, Walking} {
		for _, n := range []int{1, 2, 3, 7, 40} {
			t.Run(fmt.Sprintf("%s/%d", typ, n), func(t *testing.T) {
				stops := randomStops(n, int64(n))
				opts := DefaultOptions()
				opts.Type = typ

				r, err := Optimize(context.Background(), stops, opts)
				require.NoError(t, err)

				want := make([]string, n)
				for i, s := range stops {
					want[i] = s.ID
				}
				got := ids(r)
				sort.Strings(got)
				assert.Equal(t, want, got)
				assert.Equal(t, stops[0].ID, r.Stops[0].ID, "route starts at the first input stop")
				for i, s := range r.Stops {
					assert.Equal(t, i+1, s.Order)
				}
			})
		}
	}
}

func TestOptimizeEmpty(t *testing.T) {
	_, err := Optimize(context.Background(), nil, DefaultOptions())
	var re *RouteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindEmpty, re.Kind)
	assert.True(t, errors.Is(err, ErrEmptyRoute))
}

func TestOptimizeInvalidStop(t *testing.T) {
	_, err := Optimize(context.Background(), []Stop{{ID: "x", Location: orb.Point{500, 0}}}, DefaultOptions())
	var re *RouteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindInvalidStop, re.Kind)
}

func TestTwoOptUntanglesCrossing(t *testing.T) {
	// a zig-zag that nearest neighbour from stop 0 cannot fix on its own
	cost := [][]float64{
		{0, 1, 5, 5},
		{1, 0, 5, 1},
		{5, 5, 0, 1},
		{5, 1, 1, 0},
	}
	order := []int{0, 2, 1, 3}
	before := PathLength(order, cost)
	_, truncated := twoOpt(context.Background(), order, cost, 100)
	assert.False(t, truncated)
	assert.Less(t, PathLength(order, cost), before)
	assert.Equal(t, 0, order[0])
}

func TestOptimizeNotWorseThanInputOrder(t *testing.T) {
	stops := randomStops(60, 7)
	r, err := Optimize(context.Background(), stops, DefaultOptions())
	require.NoError(t, err)

	m := geodesicMatrix(stops)
	identity := make([]int, len(stops))
	for i := range identity {
		identity[i] = i
	}
	assert.LessOrEqual(t, r.TotalDistanceKm*1000, PathLength(identity, m)+1e-6)
	assert.True(t, r.IsOptimized)
}

func TestIterationCapTruncates(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxIterations = 1
	r, err := Optimize(context.Background(), randomStops(80, 3), opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, r.Iterations, 1)
	assert.Len(t, r.Stops, 80)
}

func TestCancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Optimize(ctx, randomStops(10, 1), DefaultOptions())
	var re *RouteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindCancelled, re.Kind)
}

func TestTimeoutReturnsBestSoFar(t *testing.T) {
	opts := DefaultOptions()
	opts.Timeout = time.Nanosecond
	r, err := Optimize(context.Background(), randomStops(120, 9), opts)
	require.NoError(t, err)
	assert.Len(t, r.Stops, 120)
	assert.True(t, r.Truncated)
}

func TestFastestAddsDwell(t *testing.T) {
	stops := []Stop{
		{ID: "a", Location: orb.Point{-86.5, 39.1}},
		{ID: "b", Location: orb.Point{-86.5, 39.1}},
	}
	opts := DefaultOptions()
	opts.Type = Fastest
	r, err := Optimize(context.Background(), stops, opts)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/60, r.EstimatedTimeHours, 1e-9)
	assert.Zero(t, r.TotalDistanceKm)
}

func TestWalkingFallsBackWithoutGraph(t *testing.T) {
	opts := DefaultOptions()
	opts.Type = Walking
	r, err := Optimize(context.Background(), randomStops(5, 2), opts)
	require.NoError(t, err)
	assert.False(t, r.IsOptimized)

	opts.AllowFallback = false
	_, err = Optimize(context.Background(), randomStops(5, 2), opts)
	var re *RouteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindMissingGraph, re.Kind)
}

func TestWalkingUsesGraph(t *testing.T) {
	// an L-shaped street: the stops are close as the crow flies but the path
	// goes around the corner
	g, err := NewWalkGraph(WalkGraphInput{
		Nodes: [][2]float64{{0, 0}, {0, 0.01}, {0.01, 0.01}},
		Edges: [][2]int{{0, 1}, {1, 2}},
	})
	require.NoError(t, err)

	stops := []Stop{
		{ID: "start", Location: orb.Point{0, 0}},
		{ID: "end", Location: orb.Point{0.01, 0.01}},
	}
	opts := DefaultOptions()
	opts.Type = Walking
	opts.Graph = g
	r, err := Optimize(context.Background(), stops, opts)
	require.NoError(t, err)
	assert.True(t, r.IsOptimized)
	// two legs of roughly 1.11 km each
	assert.InDelta(t, 2.22, r.TotalDistanceKm, 0.02)
}

func TestWalkingDisconnectedGraph(t *testing.T) {
	g, err := NewWalkGraph(WalkGraphInput{
		Nodes: [][2]float64{{0, 0}, {1, 1}},
	})
	require.NoError(t, err)
	stops := []Stop{{ID: "a", Location: orb.Point{0, 0}}, {ID: "b", Location: orb.Point{1, 1}}}

	opts := DefaultOptions()
	opts.Type = Walking
	opts.Graph = g
	opts.AllowFallback = false
	_, err = Optimize(context.Background(), stops, opts)
	assert.ErrorIs(t, err, ErrDisconnectedGraph)

	opts.AllowFallback = true
	r, err := Optimize(context.Background(), stops, opts)
	require.NoError(t, err)
	assert.False(t, r.IsOptimized)
}

func TestNewWalkGraphRejectsBadEdge(t *testing.T) {
	_, err := NewWalkGraph(WalkGraphInput{Nodes: [][2]float64{{0, 0}}, Edges: [][2]int{{0, 3}}})
	assert.Error(t, err)
}

func TestParseOptimizationType(t *testing.T) {
	typ, err := ParseOptimizationType("fastest")
	require.NoError(t, err)
	assert.Equal(t, Fastest, typ)
	_, err = ParseOptimizationType("scenic")
	assert.Error(t, err)
}
