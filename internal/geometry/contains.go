package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Contains runs an envelope check and then the even-odd test per member. A
// point inside a hole is not contained; points on a boundary are.
func Contains(g Geometry, pt orb.Point) bool {
	if !g.Bound().Contains(pt) {
		return false
	}
	for _, p := range g.Polygons() {
		if len(p) == 0 {
			continue
		}
		if polygonContains(p, pt) {
			return true
		}
	}
	return false
}

// polygonContains treats hole boundaries as part of the polygon, which
// planar.PolygonContains does not.
func polygonContains(p orb.Polygon, pt orb.Point) bool {
	if !planar.RingContains(p[0], pt) {
		return false
	}
	for _, hole := range p[1:] {
		if planar.RingContains(hole, pt) && !onRing(hole, pt) {
			return false
		}
	}
	return true
}

func onRing(r orb.Ring, pt orb.Point) bool {
	for i := 0; i+1 < len(r); i++ {
		if cross(r[i], r[i+1], pt) == 0 && onSegment(r[i], r[i+1], pt) {
			return true
		}
	}
	return false
}

// ContainsAny answers Contains for each point, in input order.
func ContainsAny(g Geometry, pts []orb.Point) []bool {
	out := make([]bool, len(pts))
	b := g.Bound()
	for i, pt := range pts {
		if !b.Contains(pt) {
			continue
		}
		out[i] = Contains(g, pt)
	}
	return out
}

// Distance is 0 for contained points and otherwise the distance from pt to
// the nearest boundary edge.
func Distance(g Geometry, pt orb.Point) float64 {
	if g.IsEmpty() {
		return math.Inf(1)
	}
	if Contains(g, pt) {
		return 0
	}
	best := math.Inf(1)
	for _, p := range g.Polygons() {
		if len(p) == 0 {
			continue
		}
		if d := planar.DistanceFrom(p, pt); d < best {
			best = d
		}
	}
	return best
}
