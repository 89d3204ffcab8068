package geoio

import (
	"bytes"
	"fmt"
	"strings"
)

type Format string

const (
	FormatGeoJSON   Format = "geojson"
	FormatShapefile Format = "shapefile"
	FormatKML       Format = "kml"
	FormatCSV       Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatGeoJSON, FormatShapefile, FormatKML, FormatCSV:
		return f, nil
	}
	return "", &ImportError{Kind: KindUnsupportedFormat, Feature: -1, Err: fmt.Errorf("unknown format %q", s)}
}

func (f Format) ContentType() string {
	switch f {
	case FormatGeoJSON:
		return "application/geo+json"
	case FormatShapefile:
		return "application/zip"
	case FormatKML:
		return "application/vnd.google-earth.kml+xml"
	case FormatCSV:
		return "text/csv"
	}
	return "application/octet-stream"
}

func (f Format) Extension() string {
	switch f {
	case FormatGeoJSON:
		return ".geojson"
	case FormatShapefile:
		return ".zip"
	case FormatKML:
		return ".kml"
	case FormatCSV:
		return ".csv"
	}
	return ""
}

// Export renders features in format. crs only applies to shapefiles.
func Export(format Format, name string, features []Feature, crs string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatGeoJSON:
		err = EncodeFeatureCollection(&buf, features)
	case FormatShapefile:
		err = WriteShapefileZip(&buf, name, features, crs)
	case FormatKML:
		err = EncodeKML(&buf, name, features)
	case FormatCSV:
		err = EncodeCSV(&buf, features)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
