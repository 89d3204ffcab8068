// Package spatial answers containment and proximity questions over a set of
// territory or district geometries without rescanning all of them.
package spatial

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// Entry is one geometry handed to Build. Geometry must already be in the
// planar working CRS.
type Entry struct {
	ID       string
	Geometry geometry.Geometry
}

// Match is a proximity hit. Distance is 0 when the point is inside.
type Match struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance_meters"`
}

type item struct {
	id    string
	geom  geometry.Geometry
	area  float64
	bound orb.Bound
}

// Index is immutable once built and safe for concurrent readers.
type Index struct {
	tree  rtree.RTree
	items map[string]*item
}

func envelope(b orb.Bound) (min, max [2]float64) {
	return [2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}
}

// Build bulk-loads the envelope tree. Empty geometries are skipped; a repeated
// ID keeps the last entry.
func Build(entries []Entry) *Index {
	ix := &Index{items: make(map[string]*item, len(entries))}
	for _, e := range entries {
		if e.Geometry.IsEmpty() {
			continue
		}
		if old, ok := ix.items[e.ID]; ok {
			min, max := envelope(old.bound)
			ix.tree.Delete(min, max, old)
		}
		it := &item{
			id:    e.ID,
			geom:  e.Geometry,
			area:  geometry.Area(e.Geometry),
			bound: e.Geometry.Bound(),
		}
		ix.items[e.ID] = it
		min, max := envelope(it.bound)
		ix.tree.Insert(min, max, it)
	}
	return ix
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.items)
}

// Geometry returns the indexed geometry for id.
func (ix *Index) Geometry(id string) (geometry.Geometry, bool) {
	if ix == nil {
		return geometry.Geometry{}, false
	}
	it, ok := ix.items[id]
	if !ok {
		return geometry.Geometry{}, false
	}
	return it.geom, true
}

func (ix *Index) search(b orb.Bound, fn func(*item) bool) {
	if ix == nil {
		return
	}
	min, max := envelope(b)
	ix.tree.Search(min, max, func(_, _ [2]float64, data interface{}) bool {
		return fn(data.(*item))
	})
}

func byAreaThenID(hits []*item) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].area != hits[j].area {
			return hits[i].area < hits[j].area
		}
		return hits[i].id < hits[j].id
	})
}

// QueryAll returns every geometry containing p, smallest area first.
func (ix *Index) QueryAll(p orb.Point) []string {
	var hits []*item
	ix.search(orb.Bound{Min: p, Max: p}, func(it *item) bool {
		if geometry.Contains(it.geom, p) {
			hits = append(hits, it)
		}
		return true
	})
	byAreaThenID(hits)
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// Query returns the geometry containing p. Overlapping matches resolve to the
// smallest area.
func (ix *Index) Query(p orb.Point) (string, bool) {
	all := ix.QueryAll(p)
	if len(all) == 0 {
		return "", false
	}
	return all[0], true
}

// QueryNearby returns every geometry within radius of p, nearest first.
func (ix *Index) QueryNearby(p orb.Point, radius float64) []Match {
	if radius < 0 {
		return nil
	}
	var out []Match
	ix.search(orb.Bound{Min: p, Max: p}.Pad(radius), func(it *item) bool {
		if d := geometry.Distance(it.geom, p); d <= radius {
			out = append(out, Match{ID: it.id, Distance: d})
		}
		return true
	})
	sortMatches(out)
	return out
}

func sortMatches(m []Match) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].Distance != m[j].Distance {
			return m[i].Distance < m[j].Distance
		}
		return m[i].ID < m[j].ID
	})
}

// Nearest returns the closest geometry within maxDist. A non-positive maxDist
// means unbounded.
func (ix *Index) Nearest(p orb.Point, maxDist float64) (Match, bool) {
	if ix.Len() == 0 {
		return Match{}, false
	}
	if maxDist > 0 {
		hits := ix.QueryNearby(p, maxDist)
		if len(hits) == 0 {
			return Match{}, false
		}
		return hits[0], true
	}
	best := Match{Distance: math.Inf(1)}
	for _, it := range ix.items {
		d := geometry.Distance(it.geom, p)
		if d < best.Distance || (d == best.Distance && it.id < best.ID) {
			best = Match{ID: it.id, Distance: d}
		}
	}
	return best, true
}

// Intersecting returns the IDs whose interiors overlap g, skipping exclude.
func (ix *Index) Intersecting(g geometry.Geometry, exclude string) []string {
	if g.IsEmpty() {
		return nil
	}
	var hits []*item
	ix.search(g.Bound(), func(it *item) bool {
		if it.id != exclude && geometry.Overlaps(g, it.geom) {
			hits = append(hits, it)
		}
		return true
	})
	byAreaThenID(hits)
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// Candidates returns IDs whose envelope meets b. No exact test is applied.
func (ix *Index) Candidates(b orb.Bound) []string {
	var out []string
	ix.search(b, func(it *item) bool {
		out = append(out, it.id)
		return true
	})
	sort.Strings(out)
	return out
}
