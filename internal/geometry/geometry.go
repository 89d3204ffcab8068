// Package geometry is the planar polygon kernel used by the districting and
// canvassing engines. Every function is pure; nothing here reprojects
// coordinates, so callers must hand in values already in a projected CRS.
package geometry

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// Kind tags which member of the Geometry variant is populated.
type Kind int

const (
	KindPolygon Kind = iota + 1
	KindMultiPolygon
)

func (k Kind) String() string {
	switch k {
	case KindPolygon:
		return "Polygon"
	case KindMultiPolygon:
		return "MultiPolygon"
	default:
		return "Unknown"
	}
}

var (
	ErrUnsupportedType = errors.New("geometry must be a Polygon or MultiPolygon")
	ErrZeroArea        = errors.New("centroid is undefined for zero-area geometry")
)

// Geometry is a closed variant over Polygon and MultiPolygon. The zero value
// is an empty geometry and fails validation.
type Geometry struct {
	kind  Kind
	poly  orb.Polygon
	multi orb.MultiPolygon
}

// NewPolygon wraps a single polygon. Ring 0 is the shell, later rings are holes.
func NewPolygon(p orb.Polygon) Geometry {
	return Geometry{kind: KindPolygon, poly: p}
}

// NewMultiPolygon wraps a multipolygon.
func NewMultiPolygon(mp orb.MultiPolygon) Geometry {
	return Geometry{kind: KindMultiPolygon, multi: mp}
}

// FromOrb narrows an arbitrary orb geometry to the variant, rejecting every
// type other than Polygon and MultiPolygon.
func FromOrb(g orb.Geometry) (Geometry, error) {
	switch v := g.(type) {
	case orb.Polygon:
		return NewPolygon(v), nil
	case orb.MultiPolygon:
		return NewMultiPolygon(v), nil
	case nil:
		return Geometry{}, ErrUnsupportedType
	default:
		return Geometry{}, fmt.Errorf("%w: got %s", ErrUnsupportedType, g.GeoJSONType())
	}
}

func (g Geometry) Kind() Kind { return g.kind }

// Polygons returns the member polygons: one for a Polygon, all members for a
// MultiPolygon.
func (g Geometry) Polygons() []orb.Polygon {
	switch g.kind {
	case KindPolygon:
		if g.poly == nil {
			return nil
		}
		return []orb.Polygon{g.poly}
	case KindMultiPolygon:
		return []orb.Polygon(g.multi)
	}
	return nil
}

// Orb returns the underlying orb value, or nil for the zero Geometry.
func (g Geometry) Orb() orb.Geometry {
	switch g.kind {
	case KindPolygon:
		return g.poly
	case KindMultiPolygon:
		return g.multi
	}
	return nil
}

// AsMultiPolygon returns the geometry as a multipolygon regardless of kind.
func (g Geometry) AsMultiPolygon() orb.MultiPolygon {
	return orb.MultiPolygon(g.Polygons())
}

func (g Geometry) IsEmpty() bool {
	for _, p := range g.Polygons() {
		if len(p) > 0 && len(p[0]) > 0 {
			return false
		}
	}
	return true
}

// Bound is the envelope of all rings.
func (g Geometry) Bound() orb.Bound {
	if g.IsEmpty() {
		return orb.Bound{}
	}
	return g.Orb().Bound()
}

// Clone deep-copies the coordinates.
func (g Geometry) Clone() Geometry {
	switch g.kind {
	case KindPolygon:
		return NewPolygon(g.poly.Clone())
	case KindMultiPolygon:
		return NewMultiPolygon(g.multi.Clone())
	}
	return Geometry{}
}

// Map applies f to every vertex and returns the transformed copy.
func (g Geometry) Map(f func(orb.Point) (orb.Point, error)) (Geometry, error) {
	out := g.Clone()
	for _, p := range out.Polygons() {
		for _, r := range p {
			for i := range r {
				q, err := f(r[i])
				if err != nil {
					return Geometry{}, err
				}
				r[i] = q
			}
		}
	}
	return out, nil
}

// Equal reports coordinate-for-coordinate equality, kind included.
func Equal(a, b Geometry) bool {
	if a.kind != b.kind {
		return false
	}
	return orb.Equal(a.Orb(), b.Orb())
}
