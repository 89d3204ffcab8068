package spatial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

func box(x0, y0, size float64) geometry.Geometry {
	return geometry.NewPolygon(orb.Polygon{{{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}, {x0, y0}}})
}

func grid() []Entry {
	var out []Entry
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out = append(out, Entry{ID: fmt.Sprintf("c%d%d", i, j), Geometry: box(float64(i)*1000, float64(j)*1000, 1000)})
		}
	}
	return out
}

func TestQueryFindsContainingCell(t *testing.T) {
	ix := Build(grid())
	assert.Equal(t, 16, ix.Len())

	id, ok := ix.Query(orb.Point{1500, 2500})
	require.True(t, ok)
	assert.Equal(t, "c12", id)

	_, ok = ix.Query(orb.Point{-10, -10})
	assert.False(t, ok)
}

func TestQueryPrefersSmallestOverlap(t *testing.T) {
	ix := Build([]Entry{
		{ID: "county", Geometry: box(0, 0, 10000)},
		{ID: "precinct", Geometry: box(100, 100, 500)},
	})
	id, ok := ix.Query(orb.Point{200, 200})
	require.True(t, ok)
	assert.Equal(t, "precinct", id)
	assert.Equal(t, []string{"precinct", "county"}, ix.QueryAll(orb.Point{200, 200}))
}

func TestQueryNearby(t *testing.T) {
	ix := Build(grid())
	hits := ix.QueryNearby(orb.Point{-100, 500}, 150)
	require.Len(t, hits, 1)
	assert.Equal(t, "c00", hits[0].ID)
	assert.InDelta(t, 100, hits[0].Distance, 1e-9)

	// a point on the shared corner is inside all four neighbours
	hits = ix.QueryNearby(orb.Point{1000, 1000}, 1)
	assert.Len(t, hits, 4)
}

func TestNearest(t *testing.T) {
	ix := Build(grid())
	m, ok := ix.Nearest(orb.Point{5000, 500}, 2000)
	require.True(t, ok)
	assert.Equal(t, "c30", m.ID)
	assert.InDelta(t, 1000, m.Distance, 1e-9)

	_, ok = ix.Nearest(orb.Point{50000, 500}, 2000)
	assert.False(t, ok)

	m, ok = ix.Nearest(orb.Point{50000, 500}, 0)
	require.True(t, ok)
	assert.Equal(t, "c30", m.ID)
}

func TestIntersecting(t *testing.T) {
	ix := Build(grid())
	got := ix.Intersecting(box(500, 500, 1000), "")
	assert.ElementsMatch(t, []string{"c00", "c01", "c10", "c11"}, got)

	// touching only along an edge is not an intersection
	assert.Empty(t, ix.Intersecting(box(4000, 0, 1000), ""))
	assert.NotContains(t, ix.Intersecting(box(0, 0, 1000), "c00"), "c00")
}

func TestRegistryPublishesAtomically(t *testing.T) {
	var calls int
	src := SourceFunc(func(ctx context.Context) ([]Entry, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("db down")
		}
		return grid()[:calls*4], nil
	})
	r := NewRegistry("test", src)
	assert.Equal(t, uint64(0), r.Current().Version)
	assert.Zero(t, r.Index().Len())

	snap, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 4, r.Index().Len())

	_, err = r.Rebuild(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(1), r.Current().Version, "failed rebuild keeps the old index")

	held := r.Current()
	_, err = r.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, held.Index.Len(), "old snapshot is untouched")
	assert.Equal(t, 12, r.Index().Len())
}

func TestRegistryConcurrentReaders(t *testing.T) {
	r := NewRegistry("test", SourceFunc(func(ctx context.Context) ([]Entry, error) {
		return grid(), nil
	}))
	_, err := r.Rebuild(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := r.Current()
				if _, ok := snap.Index.Query(orb.Point{500, 500}); !ok {
					t.Error("published index missing c00")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := r.Rebuild(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, uint64(6), r.Current().Version)
}

func TestPointIndex(t *testing.T) {
	pts := []Point{
		{ID: "v1", Loc: orb.Point{100, 100}},
		{ID: "v2", Loc: orb.Point{900, 900}},
		{ID: "v3", Loc: orb.Point{1500, 500}},
	}
	pi := NewPointIndex(pts)
	assert.Equal(t, 3, pi.Len())

	assert.Equal(t, []string{"v1", "v2"}, pi.Within(box(0, 0, 1000)))

	near := pi.Nearby(box(0, 0, 1000), 600)
	require.Len(t, near, 3)
	assert.Equal(t, "v3", near[2].ID)
	assert.InDelta(t, 500, near[2].Distance, 1e-9)

	p, ok := pi.Nearest(orb.Point{1400, 400})
	require.True(t, ok)
	assert.Equal(t, "v3", p.ID)

	_, ok = NewPointIndex(nil).Nearest(orb.Point{})
	assert.False(t, ok)
}
