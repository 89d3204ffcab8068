package geoio

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	ctgeom "github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
)

// Limits bound what an upload may cost. Zero fields take the defaults.
type Limits struct {
	MaxBytes       int64
	MaxMemberBytes int64
	MaxFeatures    int
}

const (
	DefaultMaxBytes    int64 = 256 << 20
	DefaultMaxFeatures       = 200000
)

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxMemberBytes <= 0 {
		l.MaxMemberBytes = l.MaxBytes * 4
	}
	if l.MaxFeatures <= 0 {
		l.MaxFeatures = DefaultMaxFeatures
	}
	return l
}

// ShapefileInfo describes what was read.
type ShapefileInfo struct {
	Layer    string
	Fields   []string
	Features int
	// SourceCRS is the original .prj text, empty when the archive had none.
	SourceCRS string
}

var shapefileParts = []string{".shp", ".shx", ".dbf", ".prj", ".cpg"}

func tooLarge(what string, limit int64) *ImportError {
	return &ImportError{
		Kind:    KindTooLarge,
		Feature: -1,
		Err:     fmt.Errorf("%w: %s is larger than %s", ErrTooLarge, what, humanize.IBytes(uint64(limit))),
	}
}

// spool copies r to a temp file, failing once limit bytes are exceeded.
func spool(r io.Reader, dir string, limit int64) (string, error) {
	f, err := os.CreateTemp(dir, "upload-*.zip")
	if err != nil {
		return "", err
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		return "", corrupt(-1, err)
	}
	if n > limit {
		return "", tooLarge("upload", limit)
	}
	return f.Name(), nil
}

// hidden matches archive metadata such as __MACOSX/ trees and ._ resource
// forks, which can carry a .shp extension.
func hidden(name string) bool {
	name = filepath.ToSlash(name)
	return strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") ||
		strings.HasPrefix(path.Base(name), ".")
}

// layerMember returns the archive path of the first visible .shp, without
// its extension.
func layerMember(zr *zip.Reader) string {
	for _, f := range zr.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".shp") && !hidden(f.Name) {
			return strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
		}
	}
	return ""
}

// extract writes the first layer's member files into dir and returns the
// path of its .shp.
func extract(zr *zip.Reader, dir string, limits Limits) (string, error) {
	layer := layerMember(zr)
	if layer == "" {
		return "", corrupt(-1, errors.New("archive contains no .shp file"))
	}

	found := map[string]bool{}
	for _, f := range zr.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if hidden(f.Name) || !strings.EqualFold(strings.TrimSuffix(f.Name, filepath.Ext(f.Name)), layer) {
			continue
		}
		wanted := false
		for _, p := range shapefileParts {
			if ext == p {
				wanted = true
			}
		}
		if !wanted {
			continue
		}
		if f.UncompressedSize64 > uint64(limits.MaxMemberBytes) {
			return "", tooLarge(filepath.Base(f.Name), limits.MaxMemberBytes)
		}
		if err := extractMember(f, filepath.Join(dir, "layer"+ext), limits.MaxMemberBytes); err != nil {
			return "", err
		}
		found[ext] = true
	}
	for _, req := range []string{".shp", ".shx", ".dbf"} {
		if !found[req] {
			return "", corrupt(-1, fmt.Errorf("archive is missing the %s member", req))
		}
	}
	return filepath.Join(dir, "layer.shp"), nil
}

func extractMember(f *zip.File, dst string, limit int64) error {
	rc, err := f.Open()
	if err != nil {
		return corrupt(-1, err)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	// the header size can lie; cap the actual stream too
	n, err := io.Copy(out, io.LimitReader(rc, limit+1))
	if err != nil {
		return corrupt(-1, fmt.Errorf("%s: %w", f.Name, err))
	}
	if n > limit {
		return tooLarge(filepath.Base(f.Name), limit)
	}
	return nil
}

// codePage maps a .cpg declaration onto a decoder. Unknown pages are an
// error rather than silently mangled text.
func codePage(name string) (encoding.Encoding, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "", "_", "", " ", "").Replace(n)
	switch n {
	case "", "UTF8":
		return unicode.UTF8, nil
	case "1252", "CP1252", "WINDOWS1252", "ANSI1252":
		return charmap.Windows1252, nil
	case "88591", "ISO88591", "LATIN1":
		return charmap.ISO8859_1, nil
	case "437", "CP437", "OEM":
		return charmap.CodePage437, nil
	case "850", "CP850":
		return charmap.CodePage850, nil
	}
	return nil, fmt.Errorf("unsupported DBF code page %q", name)
}

func ctRings(g ctgeom.Geom) ([]orb.Ring, error) {
	var paths []ctgeom.Path
	switch t := g.(type) {
	case ctgeom.Polygon:
		paths = t
	case ctgeom.MultiPolygon:
		for _, p := range t {
			paths = append(paths, p...)
		}
	default:
		return nil, fmt.Errorf("%w: shapefile shape is %T", geometry.ErrUnsupportedType, g)
	}
	rings := make([]orb.Ring, 0, len(paths))
	for _, pts := range paths {
		r := make(orb.Ring, len(pts))
		for i, p := range pts {
			r[i] = orb.Point{p.X, p.Y}
		}
		rings = append(rings, r)
	}
	return rings, nil
}

// shapeGeometry converts one decoded shape to WGS84 and validates it.
func shapeGeometry(idx int, g ctgeom.Geom, trans proj.Transformer) (geometry.Geometry, error) {
	if g == nil {
		return geometry.Geometry{}, &ImportError{Kind: KindInvalidGeometry, Feature: idx, Err: errors.New("null shape")}
	}
	if trans != nil {
		var err error
		if g, err = g.Transform(trans); err != nil {
			return geometry.Geometry{}, &ImportError{Kind: KindUnsupportedCRS, Feature: idx, Err: err}
		}
	}
	rings, err := ctRings(g)
	if err != nil {
		return geometry.Geometry{}, &ImportError{Kind: KindInvalidGeometry, Feature: idx, Err: err}
	}
	og, err := assemble(rings)
	if err != nil {
		return geometry.Geometry{}, &ImportError{Kind: KindInvalidGeometry, Feature: idx, Err: err}
	}
	return ingest(idx, og)
}

// ReadShapefileZip reads a zipped shapefile row by row, normalizing
// coordinates to WGS84, and calls fn for each feature. The zip is spooled
// to disk; only one row is decoded at a time. A missing .prj is taken to
// mean WGS84. Attribute names are lowercased. Every feature with bad
// geometry is reported in one ImportError, and fn is not called again after
// the first one.
func ReadShapefileZip(ctx context.Context, r io.Reader, limits Limits, fn func(Feature) error) (*ShapefileInfo, error) {
	limits = limits.withDefaults()
	dir, err := os.MkdirTemp("", "shapefile-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	zipPath, err := spool(r, dir, limits.MaxBytes)
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, corrupt(-1, fmt.Errorf("not a zip archive: %w", err))
	}
	defer zr.Close()

	shpPath, err := extract(&zr.Reader, dir, limits)
	if err != nil {
		return nil, err
	}
	info := &ShapefileInfo{Layer: path.Base(filepath.ToSlash(layerMember(&zr.Reader)))}

	dec, err := shp.NewDecoder(shpPath)
	if err != nil {
		return nil, corrupt(-1, err)
	}
	defer dec.Close()

	var trans proj.Transformer
	if prj, err := os.ReadFile(filepath.Join(dir, "layer.prj")); err == nil {
		info.SourceCRS = strings.TrimSpace(string(prj))
		sr, err := dec.SR()
		if err != nil {
			return nil, &ImportError{Kind: KindUnsupportedCRS, Feature: -1, Err: err}
		}
		if !projection.IsGeographic(sr) {
			if trans, err = projection.ToWGS84(sr); err != nil {
				return nil, &ImportError{Kind: KindUnsupportedCRS, Feature: -1, Err: err}
			}
		}
	}

	enc := encoding.Encoding(unicode.UTF8)
	if cpg, err := os.ReadFile(filepath.Join(dir, "layer.cpg")); err == nil {
		if enc, err = codePage(string(cpg)); err != nil {
			return nil, corrupt(-1, err)
		}
	}
	textDec := enc.NewDecoder()

	for _, f := range dec.Fields() {
		info.Fields = append(info.Fields, f.String())
	}

	var invalid invalidFeatures
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, fields, more := dec.DecodeRowFields(info.Fields...)
		if !more {
			break
		}
		if idx >= limits.MaxFeatures {
			return nil, &ImportError{Kind: KindTooLarge, Feature: idx,
				Err: fmt.Errorf("%w: more than %s features", ErrTooLarge, humanize.Comma(int64(limits.MaxFeatures)))}
		}
		kg, err := shapeGeometry(idx, g, trans)
		if err != nil {
			if invalid.add(err) {
				continue
			}
			return nil, err
		}
		if invalid.any() {
			continue
		}

		props := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			s, err := textDec.String(strings.TrimSpace(v))
			if err != nil {
				return nil, corrupt(idx, fmt.Errorf("field %s: %w", k, err))
			}
			props[strings.ToLower(k)] = s
		}
		if err := fn(Feature{ID: fmt.Sprint(idx), Geometry: kg, Properties: props}); err != nil {
			return nil, err
		}
		info.Features++
	}
	if err := invalid.err(); err != nil {
		return nil, err
	}
	if err := dec.Error(); err != nil {
		return nil, corrupt(info.Features, err)
	}
	return info, nil
}

// WGS84PRJ is the ESRI WKT written alongside WGS84 exports.
const WGS84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// shapeRecord is the DBF layout for exported districts. DBF names are capped
// at 10 characters; the plan importer reads VAP and MIN_VAP as aliases.
type shapeRecord struct {
	Geom       ctgeom.Polygon
	District   int    `shp:"DISTRICT"`
	ID         string `shp:"ID"`
	Name       string `shp:"NAME"`
	Population int    `shp:"POPULATION"`
	VAP        int    `shp:"VAP"`
	MinorityVA int    `shp:"MIN_VAP"`
}

// toShapeRings flattens g into shapefile winding: shells clockwise, holes
// counter-clockwise.
func toShapeRings(g geometry.Geometry) ctgeom.Polygon {
	var out ctgeom.Polygon
	for _, p := range g.Polygons() {
		for i, r := range p {
			want := orb.CW
			if i > 0 {
				want = orb.CCW
			}
			rr := r.Clone()
			if rr.Orientation() != want {
				rr.Reverse()
			}
			pp := make(ctgeom.Path, len(rr))
			for j, pt := range rr {
				pp[j] = ctgeom.Point{X: pt[0], Y: pt[1]}
			}
			out = append(out, pp)
		}
	}
	return out
}

// WriteShapefileZip writes features as a zipped shapefile. With a non-empty
// crs (proj4, EPSG alias or .prj WKT) coordinates are reprojected out of
// WGS84 and the .prj carries crs; otherwise the layer is WGS84.
func WriteShapefileZip(w io.Writer, layer string, features []Feature, crs string) error {
	dir, err := os.MkdirTemp("", "export-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	prj := WGS84PRJ
	var trans proj.Transformer
	if strings.TrimSpace(crs) != "" {
		sr, err := projection.Parse(crs)
		if err != nil {
			return err
		}
		if !projection.IsGeographic(sr) {
			if trans, err = projection.FromWGS84(sr); err != nil {
				return err
			}
		}
		prj = crs
	}

	base := filepath.Join(dir, "layer")
	enc, err := shp.NewEncoder(base+".shp", shapeRecord{})
	if err != nil {
		return err
	}
	for i, f := range features {
		g := f.Geometry
		if trans != nil {
			if g, err = projection.Apply(trans, g); err != nil {
				enc.Close()
				return fmt.Errorf("reproject feature %d: %w", i, err)
			}
		}
		district, _ := f.PropInt("district")
		pop, _ := f.PropInt("population")
		vap, _ := f.PropInt("voting_age_population")
		minVAP, _ := f.PropInt("minority_vap")
		rec := shapeRecord{
			Geom:       toShapeRings(g),
			District:   int(district),
			ID:         f.ID,
			Name:       f.Prop("name"),
			Population: int(pop),
			VAP:        int(vap),
			MinorityVA: int(minVAP),
		}
		if err := enc.Encode(rec); err != nil {
			enc.Close()
			return fmt.Errorf("encode feature %d: %w", i, err)
		}
	}
	enc.Close()
	if err := os.WriteFile(base+".prj", []byte(prj), 0o644); err != nil {
		return err
	}

	if layer == "" {
		layer = "plan"
	}
	zw := zip.NewWriter(w)
	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj"} {
		if err := addToZip(zw, base+ext, layer+ext); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addToZip(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}
