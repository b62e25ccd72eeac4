package geo

import (
	"sort"

	"github.com/paulmach/orb"
)

// ConvexHull computes the convex hull of a point set using Andrew's
// monotone chain, returning a closed counter-clockwise ring. Fewer than
// three distinct points yield a degenerate ring which callers must
// guard against.
func ConvexHull(pts []orb.Point) orb.Ring {
	pts = dedupe(pts)
	if len(pts) < 3 {
		return closeRing(pts)
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	var lower []orb.Point
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	var upper []orb.Point
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	return closeRing(hull)
}

func dedupe(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for _, p := range pts {
		dup := false
		for _, q := range out {
			if pointsEqual(p, q) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}
