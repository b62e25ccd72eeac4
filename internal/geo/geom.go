package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// epsRel is the relative tolerance for coordinate comparisons. The
// engine works in degrees or mercator meters; a relative tolerance
// behaves sensibly in both.
const epsRel = 1e-9

// epsArea is the minimum absolute ring area kept by overlay output.
// Anything smaller is a sliver from clipping arithmetic.
const epsArea = 1e-12

func almostEq(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= epsRel*scale
}

func pointsEqual(a, b orb.Point) bool {
	return almostEq(a[0], b[0]) && almostEq(a[1], b[1])
}

// cross returns the z component of (b-a) x (c-a): positive when c lies
// left of the directed line a->b.
func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// vertices flattens every coordinate of a geometry.
func vertices(g orb.Geometry) []orb.Point {
	var pts []orb.Point
	switch v := g.(type) {
	case orb.Point:
		pts = append(pts, v)
	case orb.MultiPoint:
		pts = append(pts, v...)
	case orb.LineString:
		pts = append(pts, v...)
	case orb.MultiLineString:
		for _, ls := range v {
			pts = append(pts, ls...)
		}
	case orb.Ring:
		pts = append(pts, v...)
	case orb.Polygon:
		for _, r := range v {
			pts = append(pts, r...)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			pts = append(pts, vertices(p)...)
		}
	case orb.Collection:
		for _, c := range v {
			pts = append(pts, vertices(c)...)
		}
	}
	return pts
}

// polygonsOf extracts the polygonal components of a geometry.
func polygonsOf(g orb.Geometry) []orb.Polygon {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{v}
	case orb.MultiPolygon:
		return v
	case orb.Ring:
		return []orb.Polygon{{v}}
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range v {
			out = append(out, polygonsOf(c)...)
		}
		return out
	default:
		return nil
	}
}

// linesOf extracts the linear components of a geometry.
func linesOf(g orb.Geometry) []orb.LineString {
	switch v := g.(type) {
	case orb.LineString:
		return []orb.LineString{v}
	case orb.MultiLineString:
		return v
	case orb.Collection:
		var out []orb.LineString
		for _, c := range v {
			out = append(out, linesOf(c)...)
		}
		return out
	default:
		return nil
	}
}

// pointsOf extracts the standalone point components of a geometry.
func pointsOf(g orb.Geometry) []orb.Point {
	switch v := g.(type) {
	case orb.Point:
		return []orb.Point{v}
	case orb.MultiPoint:
		return v
	case orb.Collection:
		var out []orb.Point
		for _, c := range v {
			out = append(out, pointsOf(c)...)
		}
		return out
	default:
		return nil
	}
}

// segment is one directed edge of a line or ring boundary.
type segment struct {
	a, b orb.Point
}

// segmentsOf collects every edge of a geometry's lines and ring
// boundaries.
func segmentsOf(g orb.Geometry) []segment {
	var segs []segment
	add := func(pts []orb.Point, closed bool) {
		for i := 0; i+1 < len(pts); i++ {
			segs = append(segs, segment{pts[i], pts[i+1]})
		}
		if closed && len(pts) > 1 && !pointsEqual(pts[0], pts[len(pts)-1]) {
			segs = append(segs, segment{pts[len(pts)-1], pts[0]})
		}
	}
	switch v := g.(type) {
	case orb.LineString:
		add(v, false)
	case orb.MultiLineString:
		for _, ls := range v {
			add(ls, false)
		}
	case orb.Ring:
		add(v, true)
	case orb.Polygon:
		for _, r := range v {
			add(r, true)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			segs = append(segs, segmentsOf(p)...)
		}
	case orb.Collection:
		for _, c := range v {
			segs = append(segs, segmentsOf(c)...)
		}
	}
	return segs
}

// dimensionOf returns the topological dimension of a geometry: 2 for
// anything polygonal, 1 for linear, 0 for points.
func dimensionOf(g orb.Geometry) int {
	switch v := g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring:
		return 2
	case orb.LineString, orb.MultiLineString:
		return 1
	case orb.Collection:
		d := 0
		for _, c := range v {
			if cd := dimensionOf(c); cd > d {
				d = cd
			}
		}
		return d
	default:
		return 0
	}
}

// openRing strips the closing duplicate vertex if present.
func openRing(r orb.Ring) []orb.Point {
	if len(r) > 1 && pointsEqual(r[0], r[len(r)-1]) {
		return r[:len(r)-1]
	}
	return r
}

// closeRing appends the closing vertex to an open vertex list.
func closeRing(pts []orb.Point) orb.Ring {
	out := make(orb.Ring, 0, len(pts)+1)
	out = append(out, pts...)
	if len(pts) > 0 {
		out = append(out, pts[0])
	}
	return out
}

// shoelace returns twice the signed area of an open vertex list,
// positive for counter-clockwise winding.
func shoelace(pts []orb.Point) float64 {
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i][0]*pts[j][1] - pts[j][0]*pts[i][1]
	}
	return sum
}

// ccw returns the vertex list with counter-clockwise winding.
func ccw(pts []orb.Point) []orb.Point {
	if shoelace(pts) >= 0 {
		return pts
	}
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
}
