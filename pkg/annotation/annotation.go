// Package annotation holds the labeled-quad data model and the per-image store.
package annotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/types"
)

// Kind tags how a quad behaves under handle drags. A Rectangle keeps its
// edges axis-aligned; a Polygon moves single vertices.
type Kind int

const (
	Rectangle Kind = iota
	Polygon
)

// String returns the persisted type name.
func (k Kind) String() string {
	if k == Polygon {
		return types.ShapePolygon
	}
	return types.ShapeRectangle
}

// ParseKind maps a persisted type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case types.ShapeRectangle, "":
		return Rectangle, nil
	case types.ShapePolygon:
		return Polygon, nil
	default:
		return Rectangle, fmt.Errorf("unknown shape type: %q", s)
	}
}

// Annotation is one labeled quad on an image.
//
// AnchorIndex is the vertex the label tag hangs from. It is computed when the
// shape is created (minimum y, then minimum x) and then cached: resizes and
// moves never recompute it, so the tag does not jump between corners. After a
// drag that swaps corners the anchor may no longer be the top-left vertex.
type Annotation struct {
	ID          int64
	Label       string
	Color       string
	Kind        Kind
	Points      [4]geometry.Point
	AnchorIndex int
	Locked      bool
}

// New creates an annotation from a quad and computes its anchor.
func New(id int64, label, color string, kind Kind, quad [4]geometry.Point) Annotation {
	return Annotation{
		ID:          id,
		Label:       label,
		Color:       color,
		Kind:        kind,
		Points:      quad,
		AnchorIndex: geometry.AnchorIndex(quad[:]),
	}
}

// NewRectangle creates an axis-aligned annotation spanning two opposite corners.
func NewRectangle(id int64, label, color string, a, b geometry.Point) Annotation {
	var quad [4]geometry.Point
	copy(quad[:], geometry.RectFromCorners(a, b).Corners())
	return New(id, label, color, Rectangle, quad)
}

// Quad returns the points as a slice backed by a fresh array.
func (a Annotation) Quad() []geometry.Point {
	pts := a.Points
	return pts[:]
}

// Bounds returns the axis-aligned bounding box of the quad.
func (a Annotation) Bounds() geometry.Rect {
	return geometry.Bounds(a.Quad())
}

// Translate returns the quad moved by (dx, dy).
func (a Annotation) Translate(dx, dy float64) [4]geometry.Point {
	out := a.Points
	for i := range out {
		out[i].X += dx
		out[i].Y += dy
	}
	return out
}

// Record converts the annotation to its persisted shape.
func (a Annotation) Record() types.AnnotationRecord {
	b := a.Bounds()
	anchor := a.AnchorIndex
	return types.AnnotationRecord{
		ID:          a.ID,
		Label:       a.Label,
		Type:        a.Kind.String(),
		Color:       a.Color,
		X:           b.MinX,
		Y:           b.MinY,
		Width:       b.Width(),
		Height:      b.Height(),
		Points:      a.Quad(),
		Locked:      a.Locked,
		AnchorIndex: &anchor,
	}
}

// FromRecord converts a persisted record back into an annotation. A record
// without a stored anchor gets one computed as if freshly created.
func FromRecord(rec types.AnnotationRecord) (Annotation, error) {
	kind, err := ParseKind(rec.Type)
	if err != nil {
		return Annotation{}, err
	}
	pts := rec.Quad()
	if len(pts) != 4 {
		return Annotation{}, &ValidationError{Reason: fmt.Sprintf("annotation %d has %d points, want 4", rec.ID, len(pts))}
	}

	var quad [4]geometry.Point
	copy(quad[:], pts)
	a := New(rec.ID, rec.Label, rec.Color, kind, quad)
	a.Locked = rec.Locked
	if rec.AnchorIndex != nil && *rec.AnchorIndex >= 0 && *rec.AnchorIndex < 4 {
		a.AnchorIndex = *rec.AnchorIndex
	}
	return a, nil
}

// Records converts a list of annotations to persisted records.
func Records(list []Annotation) []types.AnnotationRecord {
	out := make([]types.AnnotationRecord, len(list))
	for i, a := range list {
		out[i] = a.Record()
	}
	return out
}

// IDSource hands out time-based ids that never repeat within a session, even
// when several are requested in the same millisecond.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDSource creates an id source backed by the wall clock.
func NewIDSource() *IDSource {
	return &IDSource{now: time.Now}
}

// Next returns a fresh id.
func (s *IDSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.now().UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}

// Observe makes sure later ids are greater than id, so loaded annotations are
// never collided with.
func (s *IDSource) Observe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.last {
		s.last = id
	}
}

// DefaultPalette is the fixed set of annotation colors.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// Palette assigns colors round-robin.
type Palette struct {
	colors []string
	next   int
}

// NewPalette creates a palette; an empty list falls back to DefaultPalette.
func NewPalette(colors []string) *Palette {
	if len(colors) == 0 {
		colors = DefaultPalette
	}
	return &Palette{colors: append([]string(nil), colors...)}
}

// Next returns the next color in order.
func (p *Palette) Next() string {
	c := p.colors[p.next%len(p.colors)]
	p.next++
	return c
}

// Contains reports whether c is one of the palette colors.
func (p *Palette) Contains(c string) bool {
	for _, pc := range p.colors {
		if pc == c {
			return true
		}
	}
	return false
}
