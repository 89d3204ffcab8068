package geoio

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

func ring(x0, y0, size float64) orb.Ring {
	return orb.Ring{{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}, {x0, y0}}
}

func samples() []geometry.Geometry {
	return []geometry.Geometry{
		geometry.NewPolygon(orb.Polygon{ring(-86.6, 39.1, 0.1)}),
		geometry.NewPolygon(orb.Polygon{ring(-86.6, 39.1, 0.1), ring(-86.57, 39.13, 0.02)}),
		geometry.NewMultiPolygon(orb.MultiPolygon{{ring(-86.6, 39.1, 0.05)}, {ring(-86.4, 39.3, 0.05)}}),
	}
}

func TestGeoJSONRoundTrip(t *testing.T) {
	for _, g := range samples() {
		data, err := EncodeGeometry(g)
		require.NoError(t, err)
		back, err := DecodeGeometry(data)
		require.NoError(t, err)
		assert.True(t, geometry.Equal(g, back), "round trip changed %s", data)
	}
}

func TestDecodeGeometryRejectsOpenRing(t *testing.T) {
	_, err := DecodeGeometry([]byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1]]]}`))
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindInvalidGeometry, ie.Kind)
	require.NotEmpty(t, ie.Validation)
	assert.Equal(t, geometry.CodeUnclosedRing, ie.Validation[0].Code)
}

func TestDecodeGeometryRejectsPoints(t *testing.T) {
	_, err := DecodeGeometry([]byte(`{"type":"Point","coordinates":[0,0]}`))
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.True(t, errors.Is(err, geometry.ErrUnsupportedType))
}

func TestFeatureReaderStreams(t *testing.T) {
	src := `{"type":"FeatureCollection","name":"test","features":[
	  {"type":"Feature","id":"a","properties":{"name":"North","population":1200},
	   "geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
	  {"type":"Feature","properties":{"name":"South"},
	   "geometry":{"type":"MultiPolygon","coordinates":[[[[0,-1],[1,-1],[1,0],[0,0],[0,-1]]]]}}
	]}`
	fr := NewFeatureReader(strings.NewReader(src))

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", f.ID)
	assert.Equal(t, "North", f.Prop("name"))
	pop, ok := f.PropInt("population")
	require.True(t, ok)
	assert.Equal(t, int64(1200), pop)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, geometry.KindMultiPolygon, f.Geometry.Kind())

	_, err = fr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFeatureReaderReportsBadFeature(t *testing.T) {
	src := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[2,2],[2,0],[0,2],[0,0]]]}}
	]}`
	_, err := ReadFeatureCollection(strings.NewReader(src), func(Feature) error { return nil })
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 0, ie.Feature)
	assert.Equal(t, geometry.CodeSelfIntersection, ie.Validation[0].Code)
	assert.Contains(t, ie.Messages()[0], "feature 0")
}

func TestFeatureReaderRejectsNonCollection(t *testing.T) {
	_, err := ReadFeatureCollection(strings.NewReader(`[1,2]`), func(Feature) error { return nil })
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindCorrupt, ie.Kind)
}

func features() []Feature {
	out := make([]Feature, 0, 3)
	for i, g := range samples() {
		out = append(out, Feature{
			ID:       string(rune('a' + i)),
			Geometry: g,
			Properties: map[string]interface{}{
				"name":       "District " + string(rune('A'+i)),
				"population": float64(1000 * (i + 1)),
			},
		})
	}
	return out
}

func TestFeatureCollectionRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeFeatureCollection(&buf, features()))

	var got []Feature
	n, err := ReadFeatureCollection(&buf, func(f Feature) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i, f := range features() {
		assert.Equal(t, f.ID, got[i].ID)
		assert.True(t, geometry.Equal(f.Geometry, got[i].Geometry))
		assert.Equal(t, f.Prop("name"), got[i].Prop("name"))
	}
}

func TestCSVRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeCSV(&buf, features()))
	assert.True(t, strings.HasPrefix(buf.String(), "id,name,population,wkt\n"))

	var got []Feature
	_, err := DecodeCSV(&buf, func(f Feature) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, f := range features() {
		assert.Equal(t, f.ID, got[i].ID)
		assert.True(t, geometry.Equal(f.Geometry, got[i].Geometry))
		assert.Equal(t, f.Prop("population"), got[i].Prop("population"))
	}
}

func TestEWKBRoundTrip(t *testing.T) {
	for _, g := range samples() {
		s, err := ToEWKBHex(g)
		require.NoError(t, err)
		back, err := FromEWKBHex(s)
		require.NoError(t, err)
		assert.True(t, geometry.Equal(g, back))
	}
}

func TestKMLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeKML(&buf, "plan", features()))
	assert.Contains(t, buf.String(), "<Placemark>")

	got, err := DecodeKML(&buf)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "District A", got[0].Prop("name"))
	assert.InDelta(t, geometry.Area(features()[1].Geometry), geometry.Area(got[1].Geometry), 1e-9)
	assert.Equal(t, geometry.KindMultiPolygon, got[2].Geometry.Kind())
}

func TestShapefileRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteShapefileZip(&buf, "plan", features(), ""))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"plan.shp", "plan.shx", "plan.dbf", "plan.prj"}, names)

	var got []Feature
	info, err := ReadShapefileZip(context.Background(), bytes.NewReader(buf.Bytes()), Limits{}, func(f Feature) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, info.Features)
	assert.Equal(t, "plan", info.Layer)
	require.Len(t, got, 3)
	for i, f := range features() {
		assert.InDelta(t, geometry.Area(f.Geometry), geometry.Area(got[i].Geometry), 1e-9)
		assert.Equal(t, f.Geometry.Kind(), got[i].Geometry.Kind())
	}
	// DBF names come back lowercased
	assert.Equal(t, "District B", got[1].Prop("name"))
	assert.Equal(t, "b", got[1].Prop("id"))
	pop, ok := got[1].PropInt("population")
	require.True(t, ok)
	assert.Equal(t, int64(2000), pop)
	assert.Equal(t, "0", got[1].Prop("vap"))
	assert.Contains(t, got[1].Properties, "district")
}

// figureEight crosses itself but keeps a non-zero signed area, so it survives
// the shapefile writer's winding normalization.
func figureEight(x0, y0 float64) orb.Ring {
	return orb.Ring{{x0, y0}, {x0 + 4, y0 + 4}, {x0 + 4, y0}, {x0, y0 + 2}, {x0, y0}}
}

func TestReadFeatureCollectionReportsEveryInvalidFeature(t *testing.T) {
	src := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[2,2],[2,0],[0,2],[0,0]]]}},
	  {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
	  {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[5,5],[6,5],[6,6],[5,6]]]}}
	]}`
	calls := 0
	_, err := ReadFeatureCollection(strings.NewReader(src), func(Feature) error {
		calls++
		return nil
	})
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 0, ie.Feature)
	require.Len(t, ie.Also, 1)
	assert.Equal(t, 2, ie.Also[0].Feature)
	assert.Equal(t, geometry.CodeUnclosedRing, ie.Also[0].Validation[0].Code)
	assert.Zero(t, calls, "nothing is handed on once the import is rejected")

	msgs := strings.Join(ie.Messages(), "\n")
	assert.Contains(t, msgs, "feature 0")
	assert.Contains(t, msgs, "feature 2")
	assert.NotContains(t, msgs, "feature 1")
}

func TestReadShapefileReportsEveryInvalidFeature(t *testing.T) {
	fs := features()
	fs[0].Geometry = geometry.NewPolygon(orb.Polygon{figureEight(-86.6, 39.1)})
	fs[2].Geometry = geometry.NewPolygon(orb.Polygon{figureEight(-86.4, 39.3)})
	var buf bytes.Buffer
	require.NoError(t, WriteShapefileZip(&buf, "plan", fs, ""))

	_, err := ReadShapefileZip(context.Background(), &buf, Limits{}, func(Feature) error { return nil })
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindInvalidGeometry, ie.Kind)
	assert.Equal(t, 0, ie.Feature)
	require.Len(t, ie.Also, 1)
	assert.Equal(t, 2, ie.Also[0].Feature)
	assert.Len(t, ie.Messages(), 2)
}

func TestShapefileSkipsHiddenMembers(t *testing.T) {
	var plain bytes.Buffer
	require.NoError(t, WriteShapefileZip(&plain, "plan", features(), ""))
	zr, err := zip.NewReader(bytes.NewReader(plain.Bytes()), int64(plain.Len()))
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, junk := range []string{"__MACOSX/._plan.shp", "._plan.shp"} {
		w, err := zw.Create(junk)
		require.NoError(t, err)
		_, err = w.Write([]byte("resource fork"))
		require.NoError(t, err)
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		_, err = io.Copy(w, rc)
		require.NoError(t, err)
		rc.Close()
	}
	require.NoError(t, zw.Close())

	info, err := ReadShapefileZip(context.Background(), &buf, Limits{}, func(Feature) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "plan", info.Layer)
	assert.Equal(t, 3, info.Features)
	assert.False(t, hidden("districts/plan.shp"))
	assert.True(t, hidden("districts/__MACOSX/plan.shp"))
}

func TestShapefileSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteShapefileZip(&buf, "plan", features(), ""))

	_, err := ReadShapefileZip(context.Background(), &buf, Limits{MaxBytes: 64}, func(Feature) error { return nil })
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindTooLarge, ie.Kind)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestShapefileNotAZip(t *testing.T) {
	_, err := ReadShapefileZip(context.Background(), strings.NewReader("plain text"), Limits{}, func(Feature) error { return nil })
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindCorrupt, ie.Kind)
}

func TestAssembleAssignsHoles(t *testing.T) {
	shell := ring(0, 0, 10)
	shell.Reverse() // clockwise
	hole := ring(2, 2, 2)
	other := ring(20, 20, 5)
	other.Reverse()

	g, err := assemble([]orb.Ring{shell, hole, other})
	require.NoError(t, err)
	mp, ok := g.(orb.MultiPolygon)
	require.True(t, ok)
	require.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)
}

func TestCodePage(t *testing.T) {
	enc, err := codePage("windows-1252\n")
	require.NoError(t, err)
	s, err := enc.NewDecoder().String("caf\xe9")
	require.NoError(t, err)
	assert.Equal(t, "café", s)

	_, err = codePage("EBCDIC")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("KML")
	require.NoError(t, err)
	assert.Equal(t, FormatKML, f)
	_, err = ParseFormat("gpx")
	assert.Error(t, err)
}
