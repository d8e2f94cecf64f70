package editor

import (
	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/viewport"
)

// ShapeView is one annotation prepared for drawing.
type ShapeView struct {
	Annotation annotation.Annotation
	Selected   bool
	// Canvas holds the quad in canvas pixels.
	Canvas [4]geometry.Point
	// Label is where the label tag is drawn, in canvas pixels.
	Label geometry.Point
}

// View is everything the presentation layer needs for one frame.
type View struct {
	ImageID  string
	State    State
	Viewport viewport.Viewport
	Shapes   []ShapeView
	// Handles of the selected annotation in canvas pixels; empty when it is locked.
	Handles []geometry.Handle
	// Preview is the rubber-band quad while drawing, in image space.
	Preview *[4]geometry.Point
	// Pending is the drawn shape waiting for a label.
	Pending *annotation.Annotation
	CanUndo bool
	CanRedo bool
}

// View returns the render state for the current frame.
func (e *Editor) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := View{
		ImageID:  e.image.ID,
		State:    e.state,
		Viewport: e.vp,
		CanUndo:  e.history.CanUndo(),
		CanRedo:  e.history.CanRedo(),
	}
	for _, a := range e.store.All() {
		sv := ShapeView{
			Annotation: a,
			Selected:   a.ID == e.selected,
			Label:      geometry.LabelAnchor(a.Quad(), a.AnchorIndex, e.vp, e.opts.LabelOffset),
		}
		for i, p := range a.Points {
			x, y := e.vp.ImageToCanvas(p.X, p.Y)
			sv.Canvas[i] = geometry.Pt(x, y)
		}
		if sv.Selected && !a.Locked {
			for _, h := range geometry.Handles(a.Quad()) {
				x, y := e.vp.ImageToCanvas(h.Pos.X, h.Pos.Y)
				h.Pos = geometry.Pt(x, y)
				v.Handles = append(v.Handles, h)
			}
		}
		v.Shapes = append(v.Shapes, sv)
	}
	if e.state == Drawing {
		var quad [4]geometry.Point
		copy(quad[:], geometry.RectFromCorners(e.drawStart, e.drawEnd).Corners())
		v.Preview = &quad
	}
	if e.pending != nil {
		p := *e.pending
		v.Pending = &p
	}
	return v
}
