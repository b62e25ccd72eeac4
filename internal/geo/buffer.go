package geo

import (
	"math"

	"github.com/paulmach/orb"

	"geopilot/internal/errs"
)

// Buffer expands a geometry by distance in the geometry's own planar
// units. Zero distance clones the input unchanged. The result is the
// convex hull of discretized circles around every vertex, so it always
// contains the input; concave inputs gain a convex envelope rather
// than a tight offset.
func Buffer(g orb.Geometry, distance float64, segments int) (orb.Geometry, error) {
	if distance < 0 {
		return nil, errs.New(errs.GeometryError, "buffer distance must be >= 0, got %v", distance)
	}
	if segments < 4 {
		segments = 4
	}
	if distance == 0 {
		return orb.Clone(g), nil
	}

	switch v := g.(type) {
	case orb.Point:
		return orb.Polygon{circleRing(v, distance, segments)}, nil
	case orb.MultiPoint:
		out := make(orb.MultiPolygon, 0, len(v))
		for _, p := range v {
			out = append(out, orb.Polygon{circleRing(p, distance, segments)})
		}
		return out, nil
	}

	pts := vertices(g)
	if len(pts) == 0 {
		return nil, errs.New(errs.GeometryError, "cannot buffer empty geometry")
	}
	cloud := make([]orb.Point, 0, len(pts)*segments)
	for _, p := range pts {
		cloud = append(cloud, circleRing(p, distance, segments)[:segments]...)
	}
	hull := ConvexHull(cloud)
	if len(hull) < 4 {
		return nil, errs.New(errs.GeometryError, "degenerate buffer result")
	}
	return orb.Polygon{hull}, nil
}

// BufferMeters buffers a geometry given in crs by a distance in meters.
// Geographic inputs are projected to web mercator, buffered with the
// mercator scale factor at the geometry's latitude, and projected back,
// so the result stays in the input CRS.
func BufferMeters(g orb.Geometry, crs string, meters float64, segments int) (orb.Geometry, error) {
	if !IsGeographic(crs) {
		return Buffer(g, meters, segments)
	}
	projected, err := Reproject(g, crs, CRSWebMercator)
	if err != nil {
		return nil, err
	}
	// Web mercator stretches distances by 1/cos(lat); scale the buffer
	// so it is true-to-ground at the geometry's latitude.
	lat := g.Bound().Center()[1]
	scale := 1 / math.Cos(lat*math.Pi/180)
	if math.IsInf(scale, 0) || scale <= 0 {
		return nil, errs.New(errs.GeometryError, "cannot buffer at latitude %v", lat)
	}
	buffered, err := Buffer(projected, meters*scale, segments)
	if err != nil {
		return nil, err
	}
	return Reproject(buffered, CRSWebMercator, crs)
}

// circleRing discretizes a circle as a closed counter-clockwise ring.
func circleRing(center orb.Point, radius float64, segments int) orb.Ring {
	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		angle := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, orb.Point{
			center[0] + radius*math.Cos(angle),
			center[1] + radius*math.Sin(angle),
		})
	}
	ring = append(ring, ring[0])
	return ring
}
