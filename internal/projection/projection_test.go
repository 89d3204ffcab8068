package projection

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrUnsupportedCRS)
}

func TestNewRejectsGeographic(t *testing.T) {
	_, err := New("EPSG:4326")
	assert.ErrorIs(t, err, ErrUnsupportedCRS)
}

func TestAlbersRoundTrip(t *testing.T) {
	p, err := New("EPSG:5070")
	require.NoError(t, err)

	origin, err := p.ForwardPoint(orb.Point{-96, 23})
	require.NoError(t, err)
	assert.InDelta(t, 0, origin[0], 1e-3)
	assert.InDelta(t, 0, origin[1], 1e-3)

	in := orb.Point{-86.5264, 39.1653}
	xy, err := p.ForwardPoint(in)
	require.NoError(t, err)
	back, err := p.InversePoint(xy)
	require.NoError(t, err)
	assert.InDelta(t, in[0], back[0], 1e-7)
	assert.InDelta(t, in[1], back[1], 1e-7)
}

func TestForwardGivesMetres(t *testing.T) {
	p, err := New("EPSG:5070")
	require.NoError(t, err)

	// roughly 1.1km north-south by 0.86km east-west at 39N
	d := 0.01
	g := geometry.NewPolygon(orb.Polygon{{{-86.53, 39.16}, {-86.53 + d, 39.16}, {-86.53 + d, 39.16 + d}, {-86.53, 39.16 + d}, {-86.53, 39.16}}})
	pg, err := p.Forward(g)
	require.NoError(t, err)
	area := geometry.Area(pg)
	assert.InDelta(t, 1.11e6*0.864, area, 0.05e6)
}

func TestIdentity(t *testing.T) {
	p := Identity()
	pt, err := p.ForwardPoint(orb.Point{3, 4})
	require.NoError(t, err)
	assert.Equal(t, orb.Point{3, 4}, pt)
}
