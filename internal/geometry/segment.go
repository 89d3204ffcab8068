package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment assumes p is collinear with a-b.
func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// segmentsIntersect reports whether closed segments a1-a2 and b1-b2 share any
// point, endpoints included.
func segmentsIntersect(a1, a2, b1, b2 orb.Point) bool {
	if b1 == b2 {
		return false
	}
	d1 := sign(cross(b1, b2, a1))
	d2 := sign(cross(b1, b2, a2))
	d3 := sign(cross(a1, a2, b1))
	d4 := sign(cross(a1, a2, b2))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	switch {
	case d1 == 0 && onSegment(b1, b2, a1):
		return true
	case d2 == 0 && onSegment(b1, b2, a2):
		return true
	case d3 == 0 && onSegment(a1, a2, b1):
		return true
	case d4 == 0 && onSegment(a1, a2, b2):
		return true
	}
	return false
}

// properCross is true only when the segments cross at a single interior point
// of both, so touching at vertices or along shared edges does not count.
func properCross(a1, a2, b1, b2 orb.Point) bool {
	d1 := sign(cross(b1, b2, a1))
	d2 := sign(cross(b1, b2, a2))
	d3 := sign(cross(a1, a2, b1))
	d4 := sign(cross(a1, a2, b2))
	return d1*d2 < 0 && d3*d4 < 0
}

// collinearOverlap reports whether two exactly collinear segments overlap
// along a stretch of positive length.
func collinearOverlap(a1, a2, b1, b2 orb.Point) bool {
	if cross(a1, a2, b1) != 0 || cross(a1, a2, b2) != 0 {
		return false
	}
	return overlapLength(a1, a2, b1, b2) > 0
}

// overlapLength projects b onto the direction of a and returns the length of
// the shared interval.
func overlapLength(a1, a2, b1, b2 orb.Point) float64 {
	dx, dy := a2[0]-a1[0], a2[1]-a1[1]
	l := math.Hypot(dx, dy)
	if l == 0 {
		return 0
	}
	ux, uy := dx/l, dy/l
	t1 := (b1[0]-a1[0])*ux + (b1[1]-a1[1])*uy
	t2 := (b2[0]-a1[0])*ux + (b2[1]-a1[1])*uy
	if t1 > t2 {
		t1, t2 = t2, t1
	}
	lo := math.Max(0, t1)
	hi := math.Min(l, t2)
	return hi - lo
}

func pointLineDistance(a, b, p orb.Point) float64 {
	l := math.Hypot(b[0]-a[0], b[1]-a[1])
	if l == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	return math.Abs(cross(a, b, p)) / l
}

func edges(p orb.Polygon, fn func(a, b orb.Point) bool) bool {
	for _, r := range p {
		for i := 0; i+1 < len(r); i++ {
			if r[i] == r[i+1] {
				continue
			}
			if fn(r[i], r[i+1]) {
				return true
			}
		}
	}
	return false
}

func tolerance(b orb.Bound) float64 {
	return 1e-9 * math.Max(1, math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]))
}

// strictlyInside is true when pt is inside p and not on its boundary.
func strictlyInside(p orb.Polygon, pt orb.Point, tol float64) bool {
	if !planar.PolygonContains(p, pt) {
		return false
	}
	return planar.DistanceFrom(p, pt) > tol
}

// polygonsOverlap is true when the interiors of a and b intersect. Polygons
// that only share boundary segments or vertices do not overlap.
func polygonsOverlap(a, b orb.Polygon) bool {
	ba, bb := a.Bound(), b.Bound()
	if !ba.Intersects(bb) {
		return false
	}
	if orb.Equal(a[0], b[0]) {
		return true
	}

	crossed := edges(a, func(a1, a2 orb.Point) bool {
		return edges(b, func(b1, b2 orb.Point) bool {
			return properCross(a1, a2, b1, b2)
		})
	})
	if crossed {
		return true
	}

	tol := tolerance(ba.Union(bb))
	probe := func(src, dst orb.Polygon) bool {
		return edges(src, func(p1, p2 orb.Point) bool {
			mid := orb.Point{(p1[0] + p2[0]) / 2, (p1[1] + p2[1]) / 2}
			return strictlyInside(dst, p1, tol) || strictlyInside(dst, mid, tol)
		})
	}
	if probe(a, b) || probe(b, a) {
		return true
	}

	// both polygons could share every vertex and edge midpoint position only on
	// boundaries; an interior point settles it
	if c, area := planar.CentroidArea(a); area > 0 && strictlyInside(a, c, tol) && strictlyInside(b, c, tol) {
		return true
	}
	return false
}

// Overlaps reports whether any member of a has an interior intersection with
// any member of b. Touching boundaries are not an overlap.
func Overlaps(a, b Geometry) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, pa := range a.Polygons() {
		for _, pb := range b.Polygons() {
			if len(pa) == 0 || len(pb) == 0 {
				continue
			}
			if polygonsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

// SharesBoundary reports whether a and b have a common boundary stretch longer
// than tol. Vertices alone (corner contact) do not count, which matches the
// rook adjacency used for census-block contiguity.
func SharesBoundary(a, b Geometry, tol float64) bool {
	if !a.Bound().Pad(tol).Intersects(b.Bound()) {
		return false
	}
	for _, pa := range a.Polygons() {
		for _, pb := range b.Polygons() {
			shared := edges(pa, func(a1, a2 orb.Point) bool {
				return edges(pb, func(b1, b2 orb.Point) bool {
					if pointLineDistance(a1, a2, b1) > tol || pointLineDistance(a1, a2, b2) > tol {
						return false
					}
					return overlapLength(a1, a2, b1, b2) > tol
				})
			})
			if shared {
				return true
			}
		}
	}
	return false
}
