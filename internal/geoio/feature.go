package geoio

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	geom "github.com/twpayne/go-geom"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// Feature is one geometry with its attributes. Geometry is WGS84.
type Feature struct {
	ID         string                 `json:"id,omitempty"`
	Geometry   geometry.Geometry      `json:"-"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Prop returns a property as a string, or "".
func (f Feature) Prop(key string) string {
	v, ok := f.Properties[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

// PropInt parses a numeric property. ok is false when missing or not numeric.
func (f Feature) PropInt(key string) (int64, bool) {
	s := f.Prop(key)
	if s == "" {
		return 0, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(fl), true
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ingest narrows an orb geometry to the kernel variant and validates it. Open
// rings fail validation, so they never get past ingestion.
func ingest(idx int, g orb.Geometry) (geometry.Geometry, error) {
	out, err := geometry.FromOrb(g)
	if err != nil {
		return geometry.Geometry{}, &ImportError{Kind: KindInvalidGeometry, Feature: idx, Err: err}
	}
	if err := geometry.Validate(out); err != nil {
		var verrs geometry.ValidationErrors
		if errors.As(err, &verrs) {
			return geometry.Geometry{}, &ImportError{Kind: KindInvalidGeometry, Feature: idx, Validation: verrs, Err: err}
		}
		return geometry.Geometry{}, &ImportError{Kind: KindInvalidGeometry, Feature: idx, Err: err}
	}
	return out, nil
}

// assemble groups shapefile-style rings into polygons: clockwise rings are
// shells, counter-clockwise rings are holes of the shell that contains them.
func assemble(rings []orb.Ring) (orb.Geometry, error) {
	var shells []orb.Polygon
	var holes []orb.Ring
	for _, r := range rings {
		if len(r) == 0 {
			continue
		}
		if r.Orientation() == orb.CW {
			shells = append(shells, orb.Polygon{r})
		} else {
			holes = append(holes, r)
		}
	}
	if len(shells) == 0 {
		// writers that ignore the winding rule: treat every ring as a shell
		for _, r := range holes {
			shells = append(shells, orb.Polygon{r})
		}
		holes = nil
	}
	for _, h := range holes {
		placed := false
		for i := range shells {
			if planar.RingContains(shells[i][0], h[0]) {
				shells[i] = append(shells[i], h)
				placed = true
				break
			}
		}
		if !placed {
			return nil, fmt.Errorf("hole ring at %v lies outside every shell", h[0])
		}
	}
	switch len(shells) {
	case 0:
		return nil, errors.New("no rings")
	case 1:
		return shells[0], nil
	}
	return orb.MultiPolygon(shells), nil
}

func toCoords(r orb.Ring) []geom.Coord {
	out := make([]geom.Coord, len(r))
	for i, p := range r {
		out[i] = geom.Coord{p[0], p[1]}
	}
	return out
}

func polygonCoords(p orb.Polygon) [][]geom.Coord {
	out := make([][]geom.Coord, len(p))
	for i, r := range p {
		out[i] = toCoords(r)
	}
	return out
}

// toGoGeom converts to the go-geom model used by the KML and EWKB codecs.
func toGoGeom(g geometry.Geometry, srid int) (geom.T, error) {
	switch g.Kind() {
	case geometry.KindPolygon:
		p, err := geom.NewPolygon(geom.XY).SetCoords(polygonCoords(g.Polygons()[0]))
		if err != nil {
			return nil, err
		}
		return p.SetSRID(srid), nil
	case geometry.KindMultiPolygon:
		coords := make([][][]geom.Coord, 0, len(g.Polygons()))
		for _, p := range g.Polygons() {
			coords = append(coords, polygonCoords(p))
		}
		mp, err := geom.NewMultiPolygon(geom.XY).SetCoords(coords)
		if err != nil {
			return nil, err
		}
		return mp.SetSRID(srid), nil
	}
	return nil, geometry.ErrUnsupportedType
}

func fromFlat(flat []float64, stride int, ends []int, start int) orb.Polygon {
	var p orb.Polygon
	off := start
	for _, end := range ends {
		r := make(orb.Ring, 0, (end-off)/stride)
		for i := off; i < end; i += stride {
			r = append(r, orb.Point{flat[i], flat[i+1]})
		}
		p = append(p, r)
		off = end
	}
	return p
}

// fromGoGeom is the inverse of toGoGeom.
func fromGoGeom(t geom.T) (geometry.Geometry, error) {
	switch g := t.(type) {
	case *geom.Polygon:
		return geometry.NewPolygon(fromFlat(g.FlatCoords(), g.Stride(), g.Ends(), 0)), nil
	case *geom.MultiPolygon:
		var mp orb.MultiPolygon
		start := 0
		for _, ends := range g.Endss() {
			mp = append(mp, fromFlat(g.FlatCoords(), g.Stride(), ends, start))
			if len(ends) > 0 {
				start = ends[len(ends)-1]
			}
		}
		return geometry.NewMultiPolygon(mp), nil
	}
	return geometry.Geometry{}, fmt.Errorf("%w: got %T", geometry.ErrUnsupportedType, t)
}
