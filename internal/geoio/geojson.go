package geoio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// DecodeGeometry parses a GeoJSON Polygon or MultiPolygon object and
// validates it.
func DecodeGeometry(data []byte) (geometry.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return geometry.Geometry{}, corrupt(-1, err)
	}
	return ingest(-1, g.Coordinates)
}

// EncodeGeometry renders g as a GeoJSON geometry object.
func EncodeGeometry(g geometry.Geometry) ([]byte, error) {
	if g.Orb() == nil {
		return nil, geometry.ErrUnsupportedType
	}
	return geojson.NewGeometry(g.Orb()).MarshalJSON()
}

func featureFromGeoJSON(idx int, f *geojson.Feature) (Feature, error) {
	g, err := ingest(idx, f.Geometry)
	if err != nil {
		return Feature{}, err
	}
	out := Feature{Geometry: g, Properties: map[string]interface{}(f.Properties)}
	if f.ID != nil {
		out.ID = fmt.Sprint(f.ID)
	}
	if out.Properties == nil {
		out.Properties = map[string]interface{}{}
	}
	return out, nil
}

// FeatureReader walks a FeatureCollection one feature at a time so large
// uploads never sit in memory whole.
type FeatureReader struct {
	dec   *json.Decoder
	idx   int
	ready bool
	done  bool
}

func NewFeatureReader(r io.Reader) *FeatureReader {
	return &FeatureReader{dec: json.NewDecoder(r)}
}

// seek advances the token stream to the first element of "features".
func (fr *FeatureReader) seek() error {
	tok, err := fr.dec.Token()
	if err != nil {
		return corrupt(-1, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return corrupt(-1, fmt.Errorf("expected a FeatureCollection object"))
	}
	for fr.dec.More() {
		tok, err := fr.dec.Token()
		if err != nil {
			return corrupt(-1, err)
		}
		key, _ := tok.(string)
		if key != "features" {
			var skip json.RawMessage
			if err := fr.dec.Decode(&skip); err != nil {
				return corrupt(-1, err)
			}
			continue
		}
		tok, err = fr.dec.Token()
		if err != nil {
			return corrupt(-1, err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return corrupt(-1, fmt.Errorf("features must be an array"))
		}
		fr.ready = true
		return nil
	}
	return corrupt(-1, fmt.Errorf("no features member"))
}

// Next returns the next feature, or io.EOF after the last one.
func (fr *FeatureReader) Next() (Feature, error) {
	if fr.done {
		return Feature{}, io.EOF
	}
	if !fr.ready {
		if err := fr.seek(); err != nil {
			fr.done = true
			return Feature{}, err
		}
	}
	if !fr.dec.More() {
		fr.done = true
		return Feature{}, io.EOF
	}
	var raw json.RawMessage
	if err := fr.dec.Decode(&raw); err != nil {
		fr.done = true
		return Feature{}, corrupt(fr.idx, err)
	}
	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		fr.done = true
		return Feature{}, corrupt(fr.idx, err)
	}
	out, err := featureFromGeoJSON(fr.idx, f)
	fr.idx++
	return out, err
}

// ReadFeatureCollection drains a FeatureReader. Decode and callback errors
// stop the read; features with bad geometry are collected and returned
// together at the end, and fn is not called after the first one.
func ReadFeatureCollection(r io.Reader, fn func(Feature) error) (int, error) {
	fr := NewFeatureReader(r)
	var invalid invalidFeatures
	n := 0
	for {
		f, err := fr.Next()
		if err == io.EOF {
			return n, invalid.err()
		}
		if err != nil {
			if invalid.add(err) {
				continue
			}
			return n, err
		}
		if invalid.any() {
			continue
		}
		if err := fn(f); err != nil {
			return n, err
		}
		n++
	}
}

func toGeoJSONFeature(f Feature) *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry.Orb())
	if f.ID != "" {
		gf.ID = f.ID
	}
	for k, v := range f.Properties {
		gf.Properties[k] = v
	}
	return gf
}

// EncodeFeatureCollection writes features as one FeatureCollection.
func EncodeFeatureCollection(w io.Writer, features []Feature) error {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(toGeoJSONFeature(f))
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
