package geoio

import (
	"encoding/binary"
	"fmt"

	"github.com/twpayne/go-geom/encoding/ewkbhex"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

// SRIDWGS84 is the SRID of every stored geometry column.
const SRIDWGS84 = 4326

// ToEWKBHex renders g the way PostGIS prints geometry columns.
func ToEWKBHex(g geometry.Geometry) (string, error) {
	gg, err := toGoGeom(g, SRIDWGS84)
	if err != nil {
		return "", err
	}
	return ewkbhex.Encode(gg, binary.LittleEndian)
}

// FromEWKBHex parses a PostGIS geometry value. It does not validate; rows
// were validated on the way in.
func FromEWKBHex(s string) (geometry.Geometry, error) {
	gg, err := ewkbhex.Decode(s)
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("decode ewkb: %w", err)
	}
	return fromGoGeom(gg)
}
