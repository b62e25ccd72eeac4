package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Intersects reports whether two geometries share at least one point.
// It combines a bounding-box rejection test with vertex containment
// and pairwise edge crossing checks.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, p := range vertices(a) {
		if Covers(b, p) {
			return true
		}
	}
	for _, p := range vertices(b) {
		if Covers(a, p) {
			return true
		}
	}
	segsA, segsB := segmentsOf(a), segmentsOf(b)
	for _, sa := range segsA {
		for _, sb := range segsB {
			if segmentsCross(sa.a, sa.b, sb.a, sb.b) {
				return true
			}
		}
	}
	return false
}

// Covers reports whether a geometry contains the point, boundary
// included.
func Covers(g orb.Geometry, pt orb.Point) bool {
	for _, poly := range polygonsOf(g) {
		if planar.PolygonContains(poly, pt) {
			return true
		}
	}
	for _, seg := range segmentsOf(g) {
		if pointOnSegment(pt, seg.a, seg.b) {
			return true
		}
	}
	for _, p := range pointsOf(g) {
		if pointsEqual(p, pt) {
			return true
		}
	}
	return false
}

// pointOnSegment reports whether p lies on the closed segment ab.
func pointOnSegment(p, a, b orb.Point) bool {
	scale := math.Max(1, math.Max(math.Abs(b[0]-a[0]), math.Abs(b[1]-a[1])))
	if math.Abs(cross(a, b, p)) > epsRel*scale*scale {
		return false
	}
	dot := (p[0]-a[0])*(b[0]-a[0]) + (p[1]-a[1])*(b[1]-a[1])
	if dot < -epsRel*scale*scale {
		return false
	}
	lenSq := (b[0]-a[0])*(b[0]-a[0]) + (b[1]-a[1])*(b[1]-a[1])
	return dot <= lenSq+epsRel*scale*scale
}

// segmentsCross reports whether the closed segments p1p2 and q1q2
// intersect, including endpoint touches and collinear overlap.
func segmentsCross(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return pointOnSegment(p1, q1, q2) || pointOnSegment(p2, q1, q2) ||
		pointOnSegment(q1, p1, p2) || pointOnSegment(q2, p1, p2)
}

// segmentIntersection returns the crossing point of two segments when
// they intersect in exactly one interior or endpoint location.
// Collinear overlaps report no single crossing.
func segmentIntersection(p1, p2, q1, q2 orb.Point) (orb.Point, bool) {
	r := orb.Point{p2[0] - p1[0], p2[1] - p1[1]}
	s := orb.Point{q2[0] - q1[0], q2[1] - q1[1]}
	denom := r[0]*s[1] - r[1]*s[0]
	if denom == 0 {
		return orb.Point{}, false
	}
	t := ((q1[0]-p1[0])*s[1] - (q1[1]-p1[1])*s[0]) / denom
	u := ((q1[0]-p1[0])*r[1] - (q1[1]-p1[1])*r[0]) / denom
	if t < -epsRel || t > 1+epsRel || u < -epsRel || u > 1+epsRel {
		return orb.Point{}, false
	}
	return orb.Point{p1[0] + t*r[0], p1[1] + t*r[1]}, true
}
