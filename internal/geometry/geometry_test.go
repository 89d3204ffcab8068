package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, size float64) orb.Ring {
	return orb.Ring{{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}, {x0, y0}}
}

func TestAreaUnitSquare(t *testing.T) {
	g := NewPolygon(orb.Polygon{square(0, 0, 1)})
	assert.InDelta(t, 1.0, Area(g), 1e-12)
	assert.InDelta(t, 4.0, Perimeter(g), 1e-12)
}

func TestAreaIgnoresWinding(t *testing.T) {
	r := square(0, 0, 2)
	rev := make(orb.Ring, len(r))
	for i := range r {
		rev[len(r)-1-i] = r[i]
	}
	assert.InDelta(t, Area(NewPolygon(orb.Polygon{r})), Area(NewPolygon(orb.Polygon{rev})), 1e-12)
}

func TestAreaSubtractsHoles(t *testing.T) {
	g := NewPolygon(orb.Polygon{square(0, 0, 10), square(2, 2, 2)})
	assert.InDelta(t, 96.0, Area(g), 1e-9)
}

func TestAreaMultiPolygonSumsMembers(t *testing.T) {
	g := NewMultiPolygon(orb.MultiPolygon{{square(0, 0, 1)}, {square(5, 5, 2)}})
	assert.InDelta(t, 5.0, Area(g), 1e-12)
}

func TestCentroid(t *testing.T) {
	c, err := Centroid(NewPolygon(orb.Polygon{square(0, 0, 2)}))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c[0], 1e-12)
	assert.InDelta(t, 1.0, c[1], 1e-12)

	flat := NewPolygon(orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}})
	_, err = Centroid(flat)
	assert.True(t, errors.Is(err, ErrZeroArea))
}

func TestPolsbyPopper(t *testing.T) {
	sq := PolsbyPopper(NewPolygon(orb.Polygon{square(0, 0, 1)}))
	assert.InDelta(t, math.Pi/4, sq, 1e-9)

	// a long thin strip scores far lower than a square
	strip := NewPolygon(orb.Polygon{{{0, 0}, {100, 0}, {100, 1}, {0, 1}, {0, 0}}})
	assert.Less(t, PolsbyPopper(strip), 0.05)

	var circle orb.Ring
	for i := 0; i < 720; i++ {
		a := 2 * math.Pi * float64(i) / 720
		circle = append(circle, orb.Point{math.Cos(a), math.Sin(a)})
	}
	circle = append(circle, circle[0])
	assert.InDelta(t, 1.0, PolsbyPopper(NewPolygon(orb.Polygon{circle})), 1e-3)

	assert.Zero(t, PolsbyPopper(Geometry{}))
}

func TestContains(t *testing.T) {
	g := NewPolygon(orb.Polygon{square(0, 0, 1000), square(400, 400, 200)})

	c, err := Centroid(NewPolygon(orb.Polygon{square(0, 0, 1000)}))
	require.NoError(t, err)
	assert.False(t, Contains(g, c), "centroid sits in the hole")
	assert.True(t, Contains(g, orb.Point{100, 100}))
	assert.False(t, Contains(g, orb.Point{11000, 500}), "10km outside the envelope")

	got := ContainsAny(g, []orb.Point{{100, 100}, {500, 500}, {-1, -1}})
	assert.Equal(t, []bool{true, false, false}, got)

	solid := NewPolygon(orb.Polygon{square(0, 0, 1000)})
	c, err = Centroid(solid)
	require.NoError(t, err)
	assert.True(t, Contains(solid, c), "a district contains its own centroid")

	assert.True(t, Contains(g, orb.Point{400, 500}), "hole boundary belongs to the polygon")
	assert.True(t, Contains(g, orb.Point{600, 600}), "hole corner belongs to the polygon")
	assert.True(t, Contains(g, orb.Point{0, 500}), "outer boundary belongs to the polygon")
	assert.False(t, Contains(g, orb.Point{401, 500}))
}

func TestDistance(t *testing.T) {
	g := NewPolygon(orb.Polygon{square(0, 0, 10)})
	assert.Zero(t, Distance(g, orb.Point{5, 5}))
	assert.InDelta(t, 5.0, Distance(g, orb.Point{15, 5}), 1e-12)
	assert.True(t, math.IsInf(Distance(Geometry{}, orb.Point{}), 1))
}

func TestFromOrbRejectsOtherTypes(t *testing.T) {
	_, err := FromOrb(orb.LineString{{0, 0}, {1, 1}})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	g, err := FromOrb(orb.Polygon{square(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, KindPolygon, g.Kind())
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	assert.NoError(t, Validate(NewPolygon(orb.Polygon{square(0, 0, 1), square(0.25, 0.25, 0.5)})))
	assert.NoError(t, Validate(NewMultiPolygon(orb.MultiPolygon{{square(0, 0, 1)}, {square(1, 0, 1)}})),
		"members sharing an edge do not overlap")
}

func TestValidateEmpty(t *testing.T) {
	err := Validate(Geometry{})
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, CodeEmpty, verrs[0].Code)
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	unclosed := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	short := orb.Ring{{5, 5}, {6, 5}, {5, 5}}
	g := NewMultiPolygon(orb.MultiPolygon{{unclosed}, {short}})

	err := Validate(g)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	codes := map[ValidationCode]bool{}
	for _, e := range verrs {
		codes[e.Code] = true
	}
	assert.True(t, codes[CodeUnclosedRing])
	assert.True(t, codes[CodeTooFewVertices])
	assert.Len(t, verrs.Messages(), len(verrs))
}

func TestValidateSelfIntersection(t *testing.T) {
	bowtie := orb.Ring{{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0}}
	err := Validate(NewPolygon(orb.Polygon{bowtie}))
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, CodeSelfIntersection, verrs[0].Code)
}

func TestValidateRepeatedVertices(t *testing.T) {
	corner := orb.Ring{{0, 0}, {1, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	assert.NoError(t, Validate(NewPolygon(orb.Polygon{corner})))

	closing := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}, {0, 0}}
	assert.NoError(t, Validate(NewPolygon(orb.Polygon{closing})))

	start := orb.Ring{{0, 0}, {0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	assert.NoError(t, Validate(NewPolygon(orb.Polygon{start})))

	// repeats cannot pad a degenerate ring up to the vertex minimum
	flat := orb.Ring{{0, 0}, {1, 0}, {1, 0}, {0, 0}}
	var verrs ValidationErrors
	require.ErrorAs(t, Validate(NewPolygon(orb.Polygon{flat})), &verrs)
	assert.Equal(t, CodeTooFewVertices, verrs[0].Code)

	bowtie := orb.Ring{{0, 0}, {2, 2}, {2, 2}, {2, 0}, {0, 2}, {0, 0}}
	require.ErrorAs(t, Validate(NewPolygon(orb.Polygon{bowtie})), &verrs)
	assert.Equal(t, CodeSelfIntersection, verrs[0].Code)
}

func TestValidateNonFinite(t *testing.T) {
	r := orb.Ring{{0, 0}, {math.NaN(), 0}, {1, 1}, {0, 0}}
	err := Validate(NewPolygon(orb.Polygon{r}))
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, CodeNonFinite, verrs[0].Code)
}

func TestValidateOverlappingMembers(t *testing.T) {
	g := NewMultiPolygon(orb.MultiPolygon{{square(0, 0, 2)}, {square(1, 1, 2)}})
	err := Validate(g)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, CodeOverlappingMembers, verrs[0].Code)
}

func TestOverlaps(t *testing.T) {
	a := NewPolygon(orb.Polygon{square(0, 0, 2)})
	cases := []struct {
		name string
		b    Geometry
		want bool
	}{
		{"crossing", NewPolygon(orb.Polygon{square(1, 1, 2)}), true},
		{"nested", NewPolygon(orb.Polygon{square(0.5, 0.5, 1)}), true},
		{"identical", NewPolygon(orb.Polygon{square(0, 0, 2)}), true},
		{"shared edge", NewPolygon(orb.Polygon{square(2, 0, 2)}), false},
		{"corner", NewPolygon(orb.Polygon{square(2, 2, 1)}), false},
		{"disjoint", NewPolygon(orb.Polygon{square(10, 10, 1)}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Overlaps(a, tc.b))
			assert.Equal(t, tc.want, Overlaps(tc.b, a))
		})
	}
}

func TestSharesBoundary(t *testing.T) {
	a := NewPolygon(orb.Polygon{square(0, 0, 1)})
	assert.True(t, SharesBoundary(a, NewPolygon(orb.Polygon{square(1, 0, 1)}), 1e-9))
	assert.False(t, SharesBoundary(a, NewPolygon(orb.Polygon{square(1, 1, 1)}), 1e-9), "corner only")
	assert.False(t, SharesBoundary(a, NewPolygon(orb.Polygon{square(3, 0, 1)}), 1e-9))
}

func TestMapReturnsCopy(t *testing.T) {
	g := NewPolygon(orb.Polygon{square(0, 0, 1)})
	shifted, err := g.Map(func(p orb.Point) (orb.Point, error) {
		return orb.Point{p[0] + 10, p[1]}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, g.Polygons()[0][0][0][0])
	assert.Equal(t, 10.0, shifted.Polygons()[0][0][0][0])
	assert.False(t, Equal(g, shifted))
}
