package geoio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"
)

// GeometryColumn holds WKT in CSV files.
const GeometryColumn = "wkt"

// EncodeCSV writes one row per feature: id, the union of property keys in
// sorted order, then the WKT geometry.
func EncodeCSV(w io.Writer, features []Feature) error {
	keySet := map[string]interface{}{}
	for _, f := range features {
		for k := range f.Properties {
			keySet[k] = nil
		}
	}
	keys := sortedKeys(keySet)

	cw := csv.NewWriter(w)
	header := append(append([]string{"id"}, keys...), GeometryColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, f := range features {
		row := make([]string, 0, len(header))
		row = append(row, f.ID)
		for _, k := range keys {
			row = append(row, f.Prop(k))
		}
		row = append(row, wkt.MarshalString(f.Geometry.Orb()))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DecodeCSV reads rows written by EncodeCSV, or any CSV with a wkt column.
// Property values stay strings.
func DecodeCSV(r io.Reader, fn func(Feature) error) (int, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return 0, corrupt(-1, fmt.Errorf("read header: %w", err))
	}
	header = append([]string(nil), header...)
	geomCol, idCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case GeometryColumn, "geometry", "the_geom":
			geomCol = i
		case "id":
			idCol = i
		}
	}
	if geomCol < 0 {
		return 0, corrupt(-1, errors.New("csv has no wkt column"))
	}

	var invalid invalidFeatures
	n := 0
	for idx := 0; ; idx++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return n, invalid.err()
		}
		if err != nil {
			return n, corrupt(idx, err)
		}
		og, err := wkt.Unmarshal(rec[geomCol])
		if err != nil {
			return n, corrupt(idx, err)
		}
		g, err := ingest(idx, og)
		if err != nil {
			if invalid.add(err) {
				continue
			}
			return n, err
		}
		if invalid.any() {
			continue
		}
		f := Feature{Geometry: g, Properties: map[string]interface{}{}}
		for i, v := range rec {
			switch i {
			case geomCol:
			case idCol:
				f.ID = v
			default:
				f.Properties[header[i]] = v
			}
		}
		if err := fn(f); err != nil {
			return n, err
		}
		n++
	}
}
