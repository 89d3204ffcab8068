package geoio

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	kmlgeom "github.com/twpayne/go-geom/encoding/kml"
	"github.com/twpayne/go-kml/v3"
)

// EncodeKML writes features as placemarks in one document. Properties become
// ExtendedData.
func EncodeKML(w io.Writer, name string, features []Feature) error {
	placemarks := make([]kml.Element, 0, len(features)+1)
	placemarks = append(placemarks, kml.Name(name))
	for i, f := range features {
		gg, err := toGoGeom(f.Geometry, 0)
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		el, err := kmlgeom.Encode(gg)
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		children := []kml.Element{}
		if n := f.Prop("name"); n != "" {
			children = append(children, kml.Name(n))
		} else if f.ID != "" {
			children = append(children, kml.Name(f.ID))
		}
		if len(f.Properties) > 0 {
			data := make([]kml.Element, 0, len(f.Properties))
			for _, k := range sortedKeys(f.Properties) {
				data = append(data, kml.Data(k, kml.Value(f.Prop(k))))
			}
			children = append(children, kml.ExtendedData(data...))
		}
		children = append(children, el)
		placemarks = append(placemarks, kml.Placemark(children...))
	}
	return kml.KML(kml.Document(placemarks...)).WriteIndent(w, "", "  ")
}

// The KML writer has no reader counterpart, so decoding walks the XML with
// just enough structure for Placemark polygons.
type kmlDoc struct {
	Placemarks []kmlPlacemark `xml:"Document>Placemark"`
	Loose      []kmlPlacemark `xml:"Placemark"`
	Folders    []kmlPlacemark `xml:"Document>Folder>Placemark"`
}

type kmlPlacemark struct {
	Name     string       `xml:"name"`
	Data     []kmlData    `xml:"ExtendedData>Data"`
	Polygons []kmlPolygon `xml:"Polygon"`
	Multi    []kmlPolygon `xml:"MultiGeometry>Polygon"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlPolygon struct {
	Outer string   `xml:"outerBoundaryIs>LinearRing>coordinates"`
	Inner []string `xml:"innerBoundaryIs>LinearRing>coordinates"`
}

func parseKMLCoords(s string) (orb.Ring, error) {
	var r orb.Ring
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("bad coordinate tuple %q", tuple)
		}
		x, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, err
		}
		r = append(r, orb.Point{x, y})
	}
	return r, nil
}

func (p kmlPolygon) orb() (orb.Polygon, error) {
	shell, err := parseKMLCoords(p.Outer)
	if err != nil {
		return nil, err
	}
	poly := orb.Polygon{shell}
	for _, in := range p.Inner {
		h, err := parseKMLCoords(in)
		if err != nil {
			return nil, err
		}
		poly = append(poly, h)
	}
	return poly, nil
}

// DecodeKML reads Polygon and MultiGeometry placemarks.
func DecodeKML(r io.Reader) ([]Feature, error) {
	var doc kmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, corrupt(-1, err)
	}
	all := append(append(doc.Placemarks, doc.Folders...), doc.Loose...)
	out := make([]Feature, 0, len(all))
	var invalid invalidFeatures
	for i, pm := range all {
		polys := append(append([]kmlPolygon{}, pm.Polygons...), pm.Multi...)
		var mp orb.MultiPolygon
		for _, kp := range polys {
			p, err := kp.orb()
			if err != nil {
				return nil, corrupt(i, err)
			}
			mp = append(mp, p)
		}
		var g orb.Geometry = mp
		if len(mp) == 1 && len(pm.Multi) == 0 {
			g = mp[0]
		}
		kg, err := ingest(i, g)
		if err != nil {
			if invalid.add(err) {
				continue
			}
			return nil, err
		}
		props := map[string]interface{}{}
		for _, d := range pm.Data {
			props[d.Name] = d.Value
		}
		if pm.Name != "" {
			props["name"] = pm.Name
		}
		out = append(out, Feature{ID: strconv.Itoa(i), Geometry: kg, Properties: props})
	}
	if err := invalid.err(); err != nil {
		return nil, err
	}
	return out, nil
}
