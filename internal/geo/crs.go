// Package geo implements the planar geometry engine behind the
// operation executor: buffering, overlay, clipping and coordinate
// reference system handling, built on orb geometry types.
//
// The engine is deliberately planar and deterministic. Geographic
// (degree-based) inputs are reprojected to web mercator for
// metric operations and back for output consistency.
package geo

import (
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"geopilot/internal/errs"
)

const (
	// CRSWGS84 is the geographic lon/lat system all ingested layers
	// default to.
	CRSWGS84 = "EPSG:4326"
	// CRSWebMercator is the projected system used for metric
	// computations on geographic inputs.
	CRSWebMercator = "EPSG:3857"
)

// NormalizeCRS canonicalizes common aliases to an EPSG code string.
func NormalizeCRS(crs string) string {
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case "", "EPSG:4326", "WGS84", "WGS 84", "CRS84", "OGC:CRS84", "URN:OGC:DEF:CRS:OGC:1.3:CRS84":
		return CRSWGS84
	case "EPSG:3857", "EPSG:900913", "WEB MERCATOR":
		return CRSWebMercator
	default:
		return strings.ToUpper(strings.TrimSpace(crs))
	}
}

// SameCRS reports whether two CRS identifiers are equivalent.
func SameCRS(a, b string) bool {
	return NormalizeCRS(a) == NormalizeCRS(b)
}

// IsGeographic reports whether the CRS is degree-based.
func IsGeographic(crs string) bool {
	return NormalizeCRS(crs) == CRSWGS84
}

// ReprojectionSupported reports whether Reproject can convert between
// the two systems.
func ReprojectionSupported(from, to string) bool {
	from, to = NormalizeCRS(from), NormalizeCRS(to)
	if from == to {
		return true
	}
	return (from == CRSWGS84 && to == CRSWebMercator) ||
		(from == CRSWebMercator && to == CRSWGS84)
}

// Reproject converts a geometry between two CRS. Identical systems
// yield a clone. The engine can convert between EPSG:4326 and
// EPSG:3857; any other pair fails with CrsMismatch rather than
// producing a silently wrong computation.
func Reproject(g orb.Geometry, from, to string) (orb.Geometry, error) {
	from, to = NormalizeCRS(from), NormalizeCRS(to)
	if from == to {
		return orb.Clone(g), nil
	}
	switch {
	case from == CRSWGS84 && to == CRSWebMercator:
		return project.Geometry(orb.Clone(g), project.WGS84.ToMercator), nil
	case from == CRSWebMercator && to == CRSWGS84:
		return project.Geometry(orb.Clone(g), project.Mercator.ToWGS84), nil
	default:
		return nil, errs.New(errs.CrsMismatch, "no reprojection from %s to %s", from, to)
	}
}
