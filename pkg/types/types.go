package types

import "github.com/menta2k/image-annotator/pkg/geometry"

// Shape type names used in persisted records
const (
	ShapeRectangle = "rectangle"
	ShapePolygon   = "polygon"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// AnnotationRecord is the persisted shape of one annotation as exchanged with
// the storage collaborator. X/Y/Width/Height are the bounding box convenience
// fields; Points is present when the shape is a quad.
type AnnotationRecord struct {
	ID          int64            `json:"id"`
	Label       string           `json:"label"`
	Type        string           `json:"type"`
	Color       string           `json:"color"`
	X           float64          `json:"x"`
	Y           float64          `json:"y"`
	Width       float64          `json:"width"`
	Height      float64          `json:"height"`
	Points      []geometry.Point `json:"points,omitempty"`
	Locked      bool             `json:"locked,omitempty"`
	AnchorIndex *int             `json:"anchorIndex,omitempty"`
}

// Quad returns the record's four points, expanding the bounding box fields
// when no points were stored.
func (r AnnotationRecord) Quad() []geometry.Point {
	if len(r.Points) > 0 {
		out := make([]geometry.Point, len(r.Points))
		copy(out, r.Points)
		return out
	}
	return geometry.Rect{MinX: r.X, MinY: r.Y, MaxX: r.X + r.Width, MaxY: r.Y + r.Height}.Corners()
}

// Detection is one object a vision model located in an image
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// DetectionResult contains the complete answer from the vision model
type DetectionResult struct {
	Objects     []Detection `json:"objects"`
	Description string      `json:"description"`
}
