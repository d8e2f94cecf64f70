package geometry

import "math"

// Transform maps image-space coordinates to canvas coordinates.
type Transform interface {
	ImageToCanvas(x, y float64) (float64, float64)
}

// HandleKind distinguishes corner handles from edge-midpoint handles.
type HandleKind int

const (
	HandleCorner HandleKind = iota
	HandleEdge
)

// Handle is a draggable control point around a selected quad.
// Corner handles have Index 0-3 (the vertex index); edge handles have Index 0-3
// naming the edge from vertex Index to vertex Index+1.
type Handle struct {
	Kind  HandleKind
	Index int
	Pos   Point // image space
}

// Handles derives the 8 handles of a quad: 4 corners followed by 4 edge midpoints.
func Handles(quad []Point) []Handle {
	n := len(quad)
	handles := make([]Handle, 0, 2*n)
	for i, p := range quad {
		handles = append(handles, Handle{Kind: HandleCorner, Index: i, Pos: p})
	}
	for i := 0; i < n; i++ {
		a, b := quad[i], quad[(i+1)%n]
		handles = append(handles, Handle{
			Kind:  HandleEdge,
			Index: i,
			Pos:   Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2},
		})
	}
	return handles
}

// HitHandle returns the handle nearest to the canvas point within radius canvas
// pixels. The radius is not scaled by zoom.
func HitHandle(quad []Point, t Transform, canvasPt Point, radius float64) (Handle, bool) {
	var best Handle
	bestDist := math.Inf(1)
	for _, h := range Handles(quad) {
		cx, cy := t.ImageToCanvas(h.Pos.X, h.Pos.Y)
		d := canvasPt.Distance(Point{X: cx, Y: cy})
		if d <= radius && d < bestDist {
			best, bestDist = h, d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// Resolve picks which of several shapes a click at p selects. Only shapes
// containing p are candidates. When candidates nest, the smallest area wins;
// otherwise the candidate whose centroid is nearest p wins. Returns -1 when
// nothing contains p.
func Resolve(p Point, shapes [][]Point) int {
	var candidates []int
	for i, s := range shapes {
		if PointInPolygon(p, s) {
			candidates = append(candidates, i)
		}
	}
	switch len(candidates) {
	case 0:
		return -1
	case 1:
		return candidates[0]
	}

	if nested(candidates, shapes) {
		best := candidates[0]
		bestArea := PolygonArea(shapes[best])
		for _, c := range candidates[1:] {
			if a := PolygonArea(shapes[c]); a < bestArea {
				best, bestArea = c, a
			}
		}
		return best
	}

	best := candidates[0]
	bestDist := p.Distance(Centroid(shapes[best]))
	for _, c := range candidates[1:] {
		if d := p.Distance(Centroid(shapes[c])); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func nested(candidates []int, shapes [][]Point) bool {
	for _, i := range candidates {
		for _, j := range candidates {
			if i != j && ContainsPolygon(shapes[i], shapes[j]) {
				return true
			}
		}
	}
	return false
}

// LabelAnchor returns the canvas position of a label tag: the cached anchor
// vertex mapped through t and lifted by offset canvas pixels.
func LabelAnchor(quad []Point, anchorIndex int, t Transform, offset float64) Point {
	if len(quad) == 0 {
		return Point{}
	}
	if anchorIndex < 0 || anchorIndex >= len(quad) {
		anchorIndex = 0
	}
	a := quad[anchorIndex]
	x, y := t.ImageToCanvas(a.X, a.Y)
	return Point{X: x, Y: y - offset}
}
