package spatial

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// Point is a located record, e.g. a voter, in the working CRS.
type Point struct {
	ID  string
	Loc orb.Point
}

func (p *Point) Point() orb.Point { return p.Loc }

// PointIndex is a quadtree over located records.
type PointIndex struct {
	qt  *quadtree.Quadtree
	len int
}

// NewPointIndex indexes pts. The quadtree bound is padded so points on the
// envelope edge are accepted.
func NewPointIndex(pts []Point) *PointIndex {
	if len(pts) == 0 {
		return &PointIndex{}
	}
	b := orb.Bound{Min: pts[0].Loc, Max: pts[0].Loc}
	for _, p := range pts[1:] {
		b = b.Extend(p.Loc)
	}
	qt := quadtree.New(b.Pad(1))
	n := 0
	for i := range pts {
		if err := qt.Add(&pts[i]); err == nil {
			n++
		}
	}
	return &PointIndex{qt: qt, len: n}
}

func (pi *PointIndex) Len() int { return pi.len }

func (pi *PointIndex) inBound(b orb.Bound) []*Point {
	if pi.qt == nil {
		return nil
	}
	found := pi.qt.InBound(nil, b)
	out := make([]*Point, 0, len(found))
	for _, f := range found {
		out = append(out, f.(*Point))
	}
	return out
}

// Within returns the IDs of points inside g, sorted.
func (pi *PointIndex) Within(g geometry.Geometry) []string {
	if g.IsEmpty() {
		return nil
	}
	var ids []string
	for _, p := range pi.inBound(g.Bound()) {
		if geometry.Contains(g, p.Loc) {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Nearby returns points within radius of g's boundary or inside it, nearest
// first.
func (pi *PointIndex) Nearby(g geometry.Geometry, radius float64) []Match {
	if g.IsEmpty() || radius < 0 {
		return nil
	}
	var out []Match
	for _, p := range pi.inBound(g.Bound().Pad(radius)) {
		if d := geometry.Distance(g, p.Loc); d <= radius {
			out = append(out, Match{ID: p.ID, Distance: d})
		}
	}
	sortMatches(out)
	return out
}

// Nearest returns the closest point to q, or false for an empty index.
func (pi *PointIndex) Nearest(q orb.Point) (Point, bool) {
	if pi.qt == nil {
		return Point{}, false
	}
	f := pi.qt.Find(q)
	if f == nil {
		return Point{}, false
	}
	return *f.(*Point), true
}
