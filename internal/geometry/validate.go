package geometry

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// ValidationCode classifies a malformed geometry.
type ValidationCode string

const (
	CodeEmpty              ValidationCode = "empty"
	CodeNonFinite          ValidationCode = "non_finite_coordinate"
	CodeTooFewVertices     ValidationCode = "too_few_vertices"
	CodeUnclosedRing       ValidationCode = "unclosed_ring"
	CodeSelfIntersection   ValidationCode = "self_intersection"
	CodeOverlappingMembers ValidationCode = "overlapping_members"
)

// MinRingVertices counts the closing vertex.
const MinRingVertices = 4

// ValidationError locates a single violation. Polygon and Ring are -1 when the
// violation is not tied to one.
type ValidationError struct {
	Code    ValidationCode `json:"code"`
	Polygon int            `json:"polygon"`
	Ring    int            `json:"ring"`
	Message string         `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

// ValidationErrors is every violation found in one geometry.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Message
	}
	return "invalid geometry: " + strings.Join(msgs, "; ")
}

// Messages flattens the list for API responses.
func (v ValidationErrors) Messages() []string {
	out := make([]string, len(v))
	for i, e := range v {
		out[i] = e.Message
	}
	return out
}

// Validate checks ring closure, vertex counts, ring self-intersection and, for
// multipolygons, member overlap. It returns nil or a ValidationErrors holding
// every violation found.
func Validate(g Geometry) error {
	var errs ValidationErrors
	polys := g.Polygons()
	if g.IsEmpty() {
		return ValidationErrors{{Code: CodeEmpty, Polygon: -1, Ring: -1, Message: "geometry has no coordinates"}}
	}

	for pi, p := range polys {
		if len(p) == 0 {
			errs = append(errs, ValidationError{
				Code: CodeEmpty, Polygon: pi, Ring: -1,
				Message: fmt.Sprintf("polygon %d has no rings", pi),
			})
			continue
		}
		for ri, r := range p {
			errs = append(errs, validateRing(r, pi, ri)...)
		}
	}

	if g.Kind() == KindMultiPolygon {
		for i := 0; i < len(polys); i++ {
			for j := i + 1; j < len(polys); j++ {
				if !ringsUsable(polys[i]) || !ringsUsable(polys[j]) {
					continue
				}
				if polygonsOverlap(polys[i], polys[j]) {
					errs = append(errs, ValidationError{
						Code: CodeOverlappingMembers, Polygon: i, Ring: -1,
						Message: fmt.Sprintf("multipolygon members %d and %d overlap", i, j),
					})
				}
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateRing(r orb.Ring, pi, ri int) []ValidationError {
	var errs []ValidationError
	loc := fmt.Sprintf("polygon %d ring %d", pi, ri)

	for _, pt := range r {
		if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
			errs = append(errs, ValidationError{
				Code: CodeNonFinite, Polygon: pi, Ring: ri,
				Message: loc + " contains a non-finite coordinate",
			})
			return errs
		}
	}
	if n := len(compact(r)); n < MinRingVertices {
		errs = append(errs, ValidationError{
			Code: CodeTooFewVertices, Polygon: pi, Ring: ri,
			Message: fmt.Sprintf("%s has %d distinct vertices, need at least %d", loc, n, MinRingVertices),
		})
	}
	if len(r) > 0 && r[0] != r[len(r)-1] {
		errs = append(errs, ValidationError{
			Code: CodeUnclosedRing, Polygon: pi, Ring: ri,
			Message: loc + " is not closed (first coordinate differs from last)",
		})
		return errs
	}
	if c := compact(r); len(c) >= MinRingVertices {
		if i, j, ok := ringSelfIntersection(c); ok {
			errs = append(errs, ValidationError{
				Code: CodeSelfIntersection, Polygon: pi, Ring: ri,
				Message: fmt.Sprintf("%s self-intersects between edges %d and %d", loc, i, j),
			})
		}
	}
	return errs
}

// ringsUsable reports whether every ring is closed and long enough for the
// pairwise tests to be meaningful.
func ringsUsable(p orb.Polygon) bool {
	for _, r := range p {
		if len(r) < MinRingVertices || r[0] != r[len(r)-1] {
			return false
		}
	}
	return len(p) > 0
}

// compact drops consecutive repeated vertices, so a repeated corner or
// closing vertex does not produce a zero-length edge.
func compact(r orb.Ring) orb.Ring {
	out := make(orb.Ring, 0, len(r))
	for _, pt := range r {
		if len(out) > 0 && out[len(out)-1] == pt {
			continue
		}
		out = append(out, pt)
	}
	return out
}

// ringSelfIntersection returns the first pair of non-adjacent edges that touch
// or cross. Edge k runs from r[k] to r[k+1]; r must be compacted.
func ringSelfIntersection(r orb.Ring) (int, int, bool) {
	n := len(r) - 1
	for i := 0; i < n; i++ {
		a1, a2 := r[i], r[i+1]
		for j := i + 1; j < n; j++ {
			// neighbours share a vertex by construction
			if j == i+1 || (i == 0 && j == n-1) {
				if collinearOverlap(a1, a2, r[j], r[j+1]) {
					return i, j, true
				}
				continue
			}
			if segmentsIntersect(a1, a2, r[j], r[j+1]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}
