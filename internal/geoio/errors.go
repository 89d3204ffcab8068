// Package geoio converts between the geometry kernel's model and the file
// formats plans and territories arrive in or leave as: GeoJSON, zipped
// Shapefile, KML, CSV with WKT, and PostGIS EWKB.
package geoio

import (
	"errors"
	"fmt"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
)

type ImportErrorKind string

const (
	KindCorrupt           ImportErrorKind = "corrupt"
	KindUnsupportedCRS    ImportErrorKind = "unsupported_crs"
	KindUnsupportedFormat ImportErrorKind = "unsupported_format"
	KindTooLarge          ImportErrorKind = "too_large"
	KindInvalidGeometry   ImportErrorKind = "invalid_geometry"
)

var (
	ErrTooLarge      = errors.New("upload exceeds the size limit")
	ErrUnknownFormat = errors.New("unknown export format")
)

// ImportError aborts an import as a whole. Feature is the zero-based feature
// index when the failure is tied to one, otherwise -1. Also holds the invalid
// features found after Feature in the same read.
type ImportError struct {
	Kind       ImportErrorKind
	Feature    int
	Validation geometry.ValidationErrors
	Err        error
	Also       []*ImportError
}

func (e *ImportError) Error() string {
	where := ""
	if e.Feature >= 0 {
		where = fmt.Sprintf(" (feature %d)", e.Feature)
	}
	more := ""
	if len(e.Also) > 0 {
		more = fmt.Sprintf(" and %d more invalid features", len(e.Also))
	}
	if e.Err != nil {
		return fmt.Sprintf("import %s%s: %v%s", e.Kind, where, e.Err, more)
	}
	return fmt.Sprintf("import %s%s%s", e.Kind, where, more)
}

func (e *ImportError) Unwrap() error { return e.Err }

// Messages lists what the caller should show for every invalid feature: the
// validation list when present, otherwise the single cause.
func (e *ImportError) Messages() []string {
	out := e.messages()
	for _, o := range e.Also {
		out = append(out, o.messages()...)
	}
	return out
}

func (e *ImportError) messages() []string {
	if len(e.Validation) > 0 {
		out := make([]string, len(e.Validation))
		for i, v := range e.Validation {
			if e.Feature >= 0 {
				out[i] = fmt.Sprintf("feature %d: %s", e.Feature, v.Message)
			} else {
				out[i] = v.Message
			}
		}
		return out
	}
	if e.Err == nil {
		return []string{fmt.Sprintf("feature %d: %s", e.Feature, e.Kind)}
	}
	if e.Feature >= 0 {
		return []string{fmt.Sprintf("feature %d: %v", e.Feature, e.Err)}
	}
	return []string{fmt.Sprintf("import %s: %v", e.Kind, e.Err)}
}

// invalidFeatures gathers geometry failures so a read reports every bad
// feature before the import is rejected.
type invalidFeatures struct{ first *ImportError }

// add records err if it is a per-feature geometry failure. Any other error
// should end the read.
func (v *invalidFeatures) add(err error) bool {
	var ie *ImportError
	if !errors.As(err, &ie) || ie.Kind != KindInvalidGeometry {
		return false
	}
	if v.first == nil {
		v.first = ie
	} else {
		v.first.Also = append(v.first.Also, ie)
	}
	return true
}

func (v *invalidFeatures) any() bool { return v.first != nil }

func (v *invalidFeatures) err() error {
	if v.first == nil {
		return nil
	}
	return v.first
}

func corrupt(feature int, err error) *ImportError {
	return &ImportError{Kind: KindCorrupt, Feature: feature, Err: err}
}
