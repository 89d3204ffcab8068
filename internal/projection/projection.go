// Package projection moves geometry between WGS84 on the wire and the planar
// working CRS the geometry kernel measures in.
package projection

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

const (
	WGS84Def  = "+proj=longlat +datum=WGS84 +no_defs"
	AlbersDef = "+proj=aea +lat_1=29.5 +lat_2=45.5 +lat_0=23 +lon_0=-96 +x_0=0 +y_0=0 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs"
	MercDef   = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"
)

// aliases maps the EPSG codes we accept by name to proj4 definitions.
var aliases = map[string]string{
	"EPSG:4326": WGS84Def,
	"EPSG:5070": AlbersDef,
	"EPSG:3857": MercDef,
}

// Parse accepts a proj4 string, an ESRI/OGC WKT (the .prj body) or one of the
// EPSG aliases above.
func Parse(def string) (*proj.SR, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return nil, fmt.Errorf("%w: empty definition", ErrUnsupportedCRS)
	}
	if a, ok := aliases[strings.ToUpper(def)]; ok {
		def = a
	}
	sr, err := proj.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
	}
	return sr, nil
}

// WGS84 returns a fresh WGS84 spatial reference.
func WGS84() *proj.SR {
	sr, err := proj.Parse(WGS84Def)
	if err != nil {
		panic("projection: WGS84 definition rejected: " + err.Error())
	}
	return sr
}

// IsGeographic reports whether sr is a lon/lat system in degrees.
func IsGeographic(sr *proj.SR) bool {
	return sr != nil && sr.Name == "longlat"
}

// ToWGS84 builds the transformer used to normalize ingested coordinates.
func ToWGS84(src *proj.SR) (proj.Transformer, error) {
	t, err := src.NewTransform(WGS84())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
	}
	return t, nil
}

// FromWGS84 builds the transformer used when exporting in an original CRS.
func FromWGS84(dst *proj.SR) (proj.Transformer, error) {
	t, err := WGS84().NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
	}
	return t, nil
}

// Apply runs t over every vertex of g.
func Apply(t proj.Transformer, g geometry.Geometry) (geometry.Geometry, error) {
	if t == nil {
		return g, nil
	}
	return g.Map(func(p orb.Point) (orb.Point, error) {
		return applyPoint(t, p)
	})
}

func applyPoint(t proj.Transformer, p orb.Point) (orb.Point, error) {
	x, y, err := t(p[0], p[1])
	if err != nil {
		return orb.Point{}, err
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return orb.Point{}, fmt.Errorf("projection of (%g, %g) is not finite", p[0], p[1])
	}
	return orb.Point{x, y}, nil
}

// Projector converts between WGS84 and one planar working CRS. It is safe for
// concurrent use.
type Projector struct {
	name string
	fwd  proj.Transformer
	inv  proj.Transformer
}

// New builds a Projector for the working CRS def.
func New(def string) (*Projector, error) {
	sr, err := Parse(def)
	if err != nil {
		return nil, err
	}
	if IsGeographic(sr) {
		return nil, fmt.Errorf("%w: working CRS must be projected, got %q", ErrUnsupportedCRS, def)
	}
	fwd, err := FromWGS84(sr)
	if err != nil {
		return nil, err
	}
	inv, err := ToWGS84(sr)
	if err != nil {
		return nil, err
	}
	return &Projector{name: def, fwd: fwd, inv: inv}, nil
}

// Identity returns a Projector that leaves coordinates untouched. Used when
// inputs are already planar, e.g. offline scoring of projected files.
func Identity() *Projector {
	return &Projector{name: "identity"}
}

func (p *Projector) Name() string { return p.name }

func (p *Projector) ForwardPoint(pt orb.Point) (orb.Point, error) {
	if p.fwd == nil {
		return pt, nil
	}
	return applyPoint(p.fwd, pt)
}

func (p *Projector) InversePoint(pt orb.Point) (orb.Point, error) {
	if p.inv == nil {
		return pt, nil
	}
	return applyPoint(p.inv, pt)
}

// Forward projects a WGS84 geometry into the working CRS.
func (p *Projector) Forward(g geometry.Geometry) (geometry.Geometry, error) {
	return g.Map(p.ForwardPoint)
}

// Inverse returns a working-CRS geometry to WGS84.
func (p *Projector) Inverse(g geometry.Geometry) (geometry.Geometry, error) {
	return g.Map(p.InversePoint)
}
