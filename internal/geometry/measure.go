package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Area is the shoelace area of every shell minus its holes, summed over
// members. Ring winding does not matter.
func Area(g Geometry) float64 {
	total := 0.0
	for _, p := range g.Polygons() {
		total += planar.Area(p)
	}
	return total
}

// Perimeter sums the Euclidean edge lengths of every ring, holes included.
func Perimeter(g Geometry) float64 {
	total := 0.0
	for _, p := range g.Polygons() {
		for _, r := range p {
			total += planar.Length(r)
		}
	}
	return total
}

// Centroid is the area-weighted centroid over all members.
func Centroid(g Geometry) (orb.Point, error) {
	var cx, cy, total float64
	for _, p := range g.Polygons() {
		c, a := planar.CentroidArea(p)
		if a == 0 {
			continue
		}
		cx += c[0] * a
		cy += c[1] * a
		total += a
	}
	if total == 0 || math.IsNaN(total) {
		return orb.Point{}, ErrZeroArea
	}
	return orb.Point{cx / total, cy / total}, nil
}

// PolsbyPopper is 4πA/P², 1 for a circle and approaching 0 for contorted
// shapes. Degenerate input scores 0.
func PolsbyPopper(g Geometry) float64 {
	per := Perimeter(g)
	if per == 0 {
		return 0
	}
	score := 4 * math.Pi * Area(g) / (per * per)
	if score > 1 {
		score = 1
	}
	return score
}
