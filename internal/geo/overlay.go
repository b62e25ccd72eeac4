package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Intersection computes the shared region of two geometries in the
// same planar CRS. The result dimension follows the lower-dimensional
// operand: polygon/polygon yields polygons, line/polygon yields the
// line portions inside, line/line yields crossing points, and any
// point operand yields the covered points. The second return is false
// when the intersection is empty.
//
// Polygon overlay works on outer rings; interior rings (holes) are
// ignored. Loaded datasets with holes keep them through buffer and
// select, but overlay output is hole-free.
func Intersection(a, b orb.Geometry) (orb.Geometry, bool) {
	if a == nil || b == nil || !a.Bound().Intersects(b.Bound()) {
		return nil, false
	}
	da, db := dimensionOf(a), dimensionOf(b)
	if db < da {
		a, b = b, a
		da, db = db, da
	}
	// a is now the lower-dimensional operand.
	switch da {
	case 0:
		var pts orb.MultiPoint
		for _, p := range pointsOf(a) {
			if Covers(b, p) {
				pts = append(pts, p)
			}
		}
		return collapsePoints(pts)
	case 1:
		if db == 2 {
			return clipLines(linesOf(a), polygonsOf(b))
		}
		return lineCrossings(linesOf(a), linesOf(b))
	default:
		return overlayPolygons(polygonsOf(a), polygonsOf(b))
	}
}

// Clip cuts a geometry to the union of mask polygons, dropping the
// parts outside. Identical to Intersection except points and lines on
// the subject side keep their own dimension.
func Clip(subject orb.Geometry, masks []orb.Polygon) (orb.Geometry, bool) {
	if len(masks) == 0 {
		return nil, false
	}
	switch dimensionOf(subject) {
	case 0:
		var pts orb.MultiPoint
		for _, p := range pointsOf(subject) {
			if coveredByAny(masks, p) {
				pts = append(pts, p)
			}
		}
		return collapsePoints(pts)
	case 1:
		return clipLines(linesOf(subject), masks)
	default:
		return overlayPolygons(polygonsOf(subject), masks)
	}
}

// UnionAll merges geometries into one multi-geometry. Overlapping
// areas are kept as-is rather than dissolved into a single boundary;
// the result covers exactly the union of the inputs.
func UnionAll(geoms []orb.Geometry) orb.Geometry {
	var (
		polys orb.MultiPolygon
		lines orb.MultiLineString
		pts   orb.MultiPoint
	)
	for _, g := range geoms {
		if g == nil {
			continue
		}
		polys = append(polys, polygonsOf(g)...)
		lines = append(lines, linesOf(g)...)
		pts = append(pts, pointsOf(g)...)
	}
	var parts orb.Collection
	if len(polys) > 0 {
		parts = append(parts, polys)
	}
	if len(lines) > 0 {
		parts = append(parts, lines)
	}
	if len(pts) > 0 {
		parts = append(parts, pts)
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return simplifyMulti(parts[0])
	default:
		return parts
	}
}

func simplifyMulti(g orb.Geometry) orb.Geometry {
	switch v := g.(type) {
	case orb.MultiPolygon:
		if len(v) == 1 {
			return v[0]
		}
	case orb.MultiLineString:
		if len(v) == 1 {
			return v[0]
		}
	case orb.MultiPoint:
		if len(v) == 1 {
			return v[0]
		}
	}
	return g
}

func collapsePoints(pts orb.MultiPoint) (orb.Geometry, bool) {
	switch len(pts) {
	case 0:
		return nil, false
	case 1:
		return pts[0], true
	default:
		return pts, true
	}
}

func coveredByAny(polys []orb.Polygon, pt orb.Point) bool {
	for _, p := range polys {
		if planar.PolygonContains(p, pt) {
			return true
		}
	}
	return false
}

// overlayPolygons intersects two polygon sets by triangulating each
// clip polygon and clipping the subject's outer ring against every
// convex triangle. The pieces form a coverage of the true
// intersection.
func overlayPolygons(subjects, clips []orb.Polygon) (orb.Geometry, bool) {
	var out orb.MultiPolygon
	for _, subj := range subjects {
		if len(subj) == 0 {
			continue
		}
		subjPts := ccw(openRing(subj[0]))
		if len(subjPts) < 3 {
			continue
		}
		for _, clip := range clips {
			if len(clip) == 0 || !subj.Bound().Intersects(clip.Bound()) {
				continue
			}
			for _, tri := range earClip(ccw(openRing(clip[0]))) {
				piece := clipAgainstConvex(subjPts, tri)
				if len(piece) >= 3 && math.Abs(shoelace(piece))/2 > epsArea {
					out = append(out, orb.Polygon{closeRing(ccw(piece))})
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return simplifyMulti(out), true
}

// earClip triangulates a simple counter-clockwise open ring into
// triangles via ear clipping. Degenerate input falls back to a fan
// triangulation.
func earClip(pts []orb.Point) [][]orb.Point {
	if len(pts) < 3 {
		return nil
	}
	work := make([]orb.Point, len(pts))
	copy(work, pts)
	var tris [][]orb.Point
	guard := 0
	for len(work) > 3 {
		clipped := false
		for i := 0; i < len(work); i++ {
			prev := work[(i-1+len(work))%len(work)]
			cur := work[i]
			next := work[(i+1)%len(work)]
			if cross(prev, cur, next) <= 0 {
				continue
			}
			ear := true
			for j, p := range work {
				if j == i || j == (i-1+len(work))%len(work) || j == (i+1)%len(work) {
					continue
				}
				if triangleContains(prev, cur, next, p) {
					ear = false
					break
				}
			}
			if !ear {
				continue
			}
			tris = append(tris, []orb.Point{prev, cur, next})
			work = append(work[:i], work[i+1:]...)
			clipped = true
			break
		}
		if !clipped {
			// Degenerate ring; fan from the first vertex is exact for
			// convex shapes and an approximation otherwise.
			for i := 1; i+1 < len(work); i++ {
				tris = append(tris, []orb.Point{work[0], work[i], work[i+1]})
			}
			return tris
		}
		guard++
		if guard > 100000 {
			break
		}
	}
	if len(work) == 3 {
		tris = append(tris, []orb.Point{work[0], work[1], work[2]})
	}
	return tris
}

func triangleContains(a, b, c, p orb.Point) bool {
	d1 := cross(a, b, p)
	d2 := cross(b, c, p)
	d3 := cross(c, a, p)
	hasNeg := d1 < 0 || d2 < 0 || d3 < 0
	hasPos := d1 > 0 || d2 > 0 || d3 > 0
	return !(hasNeg && hasPos)
}

// clipAgainstConvex clips a subject vertex list against a convex
// counter-clockwise clip ring using Sutherland-Hodgman.
func clipAgainstConvex(subject, clip []orb.Point) []orb.Point {
	output := subject
	for i := range clip {
		if len(output) == 0 {
			return nil
		}
		a := clip[i]
		b := clip[(i+1)%len(clip)]
		input := output
		output = nil
		for j, cur := range input {
			prev := input[(j-1+len(input))%len(input)]
			curIn := cross(a, b, cur) >= 0
			prevIn := cross(a, b, prev) >= 0
			switch {
			case curIn && prevIn:
				output = append(output, cur)
			case curIn && !prevIn:
				output = append(output, lineIntersect(prev, cur, a, b), cur)
			case !curIn && prevIn:
				output = append(output, lineIntersect(prev, cur, a, b))
			}
		}
	}
	return output
}

// lineIntersect returns the intersection of segment pq with the
// infinite line through ab.
func lineIntersect(p, q, a, b orb.Point) orb.Point {
	dab := orb.Point{b[0] - a[0], b[1] - a[1]}
	dpq := orb.Point{q[0] - p[0], q[1] - p[1]}
	denom := dab[0]*dpq[1] - dab[1]*dpq[0]
	if denom == 0 {
		return p
	}
	t := ((a[0]-p[0])*dab[1] - (a[1]-p[1])*dab[0]) / -denom
	return orb.Point{p[0] + t*dpq[0], p[1] + t*dpq[1]}
}

// clipLines keeps the portions of each line that lie inside the
// polygon set, splitting at every boundary crossing.
func clipLines(lines []orb.LineString, polys []orb.Polygon) (orb.Geometry, bool) {
	boundary := make([]segment, 0)
	for _, p := range polys {
		boundary = append(boundary, segmentsOf(p)...)
	}
	var out orb.MultiLineString
	for _, ls := range lines {
		var cur orb.LineString
		flush := func() {
			if len(cur) >= 2 {
				out = append(out, cur)
			}
			cur = nil
		}
		for i := 0; i+1 < len(ls); i++ {
			a, b := ls[i], ls[i+1]
			for _, piece := range splitSegment(a, b, boundary) {
				mid := orb.Point{(piece.a[0] + piece.b[0]) / 2, (piece.a[1] + piece.b[1]) / 2}
				if !coveredByAny(polys, mid) {
					flush()
					continue
				}
				if len(cur) > 0 && pointsEqual(cur[len(cur)-1], piece.a) {
					cur = append(cur, piece.b)
				} else {
					flush()
					cur = orb.LineString{piece.a, piece.b}
				}
			}
		}
		flush()
	}
	if len(out) == 0 {
		return nil, false
	}
	return simplifyMulti(out), true
}

// splitSegment cuts segment ab at every crossing with the boundary
// edges, returning the ordered subsegments.
func splitSegment(a, b orb.Point, boundary []segment) []segment {
	ts := []float64{0, 1}
	for _, e := range boundary {
		if pt, ok := segmentIntersection(a, b, e.a, e.b); ok {
			t := paramOn(a, b, pt)
			if t > 0 && t < 1 {
				ts = append(ts, t)
			}
		}
	}
	sort.Float64s(ts)
	var pieces []segment
	for i := 0; i+1 < len(ts); i++ {
		if ts[i+1]-ts[i] <= epsRel {
			continue
		}
		pieces = append(pieces, segment{lerp(a, b, ts[i]), lerp(a, b, ts[i+1])})
	}
	return pieces
}

func paramOn(a, b, p orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if math.Abs(dx) >= math.Abs(dy) {
		if dx == 0 {
			return 0
		}
		return (p[0] - a[0]) / dx
	}
	return (p[1] - a[1]) / dy
}

func lerp(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
}

// lineCrossings collects the crossing points of two line sets.
func lineCrossings(as, bs []orb.LineString) (orb.Geometry, bool) {
	var pts orb.MultiPoint
	seen := func(p orb.Point) bool {
		for _, q := range pts {
			if pointsEqual(p, q) {
				return true
			}
		}
		return false
	}
	for _, la := range as {
		for _, lb := range bs {
			for i := 0; i+1 < len(la); i++ {
				for j := 0; j+1 < len(lb); j++ {
					if pt, ok := segmentIntersection(la[i], la[i+1], lb[j], lb[j+1]); ok && !seen(pt) {
						pts = append(pts, pt)
					}
				}
			}
		}
	}
	return collapsePoints(pts)
}
