// Package geometry provides the point and quad math behind hit-testing and handles.
package geometry

import "math"

// Point is a 2D point. Image-space unless stated otherwise.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt creates a new Point.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// Add returns the sum of two points.
func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Rect is an axis-aligned box given by its extremes.
type Rect struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// Width returns the horizontal extent.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the vertical extent.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Corners returns the four corners clockwise from the top-left (y grows downward).
func (r Rect) Corners() []Point {
	return []Point{
		{X: r.MinX, Y: r.MinY},
		{X: r.MaxX, Y: r.MinY},
		{X: r.MaxX, Y: r.MaxY},
		{X: r.MinX, Y: r.MaxY},
	}
}

// RectFromCorners normalizes two opposite corners into a Rect.
func RectFromCorners(a, b Point) Rect {
	return Rect{
		MinX: math.Min(a.X, b.X),
		MinY: math.Min(a.Y, b.Y),
		MaxX: math.Max(a.X, b.X),
		MaxY: math.Max(a.Y, b.Y),
	}
}

// Bounds computes the axis-aligned bounding box of a set of points.
func Bounds(points []Point) Rect {
	if len(points) == 0 {
		return Rect{}
	}
	r := Rect{MinX: points[0].X, MinY: points[0].Y, MaxX: points[0].X, MaxY: points[0].Y}
	for _, p := range points[1:] {
		r.MinX = math.Min(r.MinX, p.X)
		r.MinY = math.Min(r.MinY, p.Y)
		r.MaxX = math.Max(r.MaxX, p.X)
		r.MaxY = math.Max(r.MaxY, p.Y)
	}
	return r
}

// Centroid computes the average position of a set of points.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point{X: sumX / n, Y: sumY / n}
}

// PolygonArea returns the absolute area of a simple polygon (shoelace formula).
func PolygonArea(polygon []Point) float64 {
	n := len(polygon)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += polygon[i].X*polygon[j].Y - polygon[j].X*polygon[i].Y
	}
	return math.Abs(sum) / 2
}

// PointInPolygon tests if a point is inside a polygon using ray casting.
func PointInPolygon(p Point, polygon []Point) bool {
	if len(polygon) < 3 {
		return false
	}

	inside := false
	n := len(polygon)

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pi, pj := polygon[i], polygon[j]

		// Check if ray from p going right intersects edge pi-pj
		if ((pi.Y > p.Y) != (pj.Y > p.Y)) &&
			(p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}

	return inside
}

const boundaryEpsilon = 1e-9

// onSegment reports whether p lies on the segment a-b.
func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > boundaryEpsilon*math.Max(1, a.Distance(b)) {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-boundaryEpsilon && p.X <= math.Max(a.X, b.X)+boundaryEpsilon &&
		p.Y >= math.Min(a.Y, b.Y)-boundaryEpsilon && p.Y <= math.Max(a.Y, b.Y)+boundaryEpsilon
}

// PointInOrOnPolygon is PointInPolygon with the boundary counted as inside.
func PointInOrOnPolygon(p Point, polygon []Point) bool {
	n := len(polygon)
	for i := 0; i < n; i++ {
		if onSegment(p, polygon[i], polygon[(i+1)%n]) {
			return true
		}
	}
	return PointInPolygon(p, polygon)
}

// ContainsPolygon reports whether every vertex of inner lies inside or on outer.
func ContainsPolygon(outer, inner []Point) bool {
	if len(outer) < 3 || len(inner) == 0 {
		return false
	}
	for _, p := range inner {
		if !PointInOrOnPolygon(p, outer) {
			return false
		}
	}
	return true
}

// AnchorIndex returns the index of the vertex with minimum y, ties broken by minimum x.
func AnchorIndex(points []Point) int {
	best := 0
	for i := 1; i < len(points); i++ {
		p, b := points[i], points[best]
		if p.Y < b.Y || (p.Y == b.Y && p.X < b.X) {
			best = i
		}
	}
	return best
}

// IsAxisAligned reports whether the quad's edges run parallel to the axes.
func IsAxisAligned(quad []Point) bool {
	if len(quad) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		a, b := quad[i], quad[(i+1)%4]
		if math.Abs(a.X-b.X) > boundaryEpsilon && math.Abs(a.Y-b.Y) > boundaryEpsilon {
			return false
		}
	}
	return true
}
