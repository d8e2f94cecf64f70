package editor

import (
	"math"

	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/geometry"
)

// PointerEvent is a pointer position in canvas pixels.
type PointerEvent struct {
	X, Y float64
	// Pan is set while the pan modifier (space or middle button) is held.
	Pan bool
}

func (ev PointerEvent) canvas() geometry.Point {
	return geometry.Pt(ev.X, ev.Y)
}

func (e *Editor) toImage(ev PointerEvent) geometry.Point {
	x, y := e.vp.CanvasToImage(ev.X, ev.Y)
	return geometry.Pt(x, y)
}

// PointerDown starts an interaction. Grabbing a locked annotation returns a
// *annotation.LockedEntityError and leaves the editor Idle.
func (e *Editor) PointerDown(ev PointerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle || e.pending != nil {
		return nil
	}
	if ev.Pan {
		e.state = Panning
		e.panLast = ev.canvas()
		return nil
	}

	p := e.toImage(ev)
	if sel, ok := e.store.Get(e.selected); ok {
		if h, hit := geometry.HitHandle(sel.Quad(), e.vp, ev.canvas(), e.opts.HandleRadius); hit {
			if sel.Locked {
				return &annotation.LockedEntityError{ID: sel.ID}
			}
			e.beginDrag(HandleDragging, sel, h, p)
			return nil
		}
		if geometry.PointInPolygon(p, sel.Quad()) {
			if sel.Locked {
				return &annotation.LockedEntityError{ID: sel.ID}
			}
			e.beginDrag(ShapeDragging, sel, geometry.Handle{}, p)
			return nil
		}
	}

	e.state = Drawing
	e.drawStart, e.drawEnd = p, p
	e.drawCanvas = ev.canvas()
	return nil
}

func (e *Editor) beginDrag(s State, a annotation.Annotation, h geometry.Handle, p geometry.Point) {
	e.state = s
	e.drag = drag{id: a.ID, handle: h, start: a.Points, origin: p, kind: a.Kind}
}

// PointerMove updates the interaction in progress.
func (e *Editor) PointerMove(ev PointerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.move(ev)
}

func (e *Editor) move(ev PointerEvent) {
	switch e.state {
	case Panning:
		c := ev.canvas()
		e.vp.PanBy(c.X-e.panLast.X, c.Y-e.panLast.Y)
		e.panLast = c
	case Drawing:
		e.drawEnd = e.toImage(ev)
	case HandleDragging:
		e.updatePoints(resize(e.drag, e.toImage(ev)))
	case ShapeDragging:
		d := e.toImage(ev).Sub(e.drag.origin)
		pts := e.drag.start
		for i := range pts {
			pts[i] = pts[i].Add(d)
		}
		e.updatePoints(pts)
	}
}

func (e *Editor) updatePoints(pts [4]geometry.Point) {
	if err := e.store.Update(e.drag.id, annotation.Patch{Points: &pts}); err != nil {
		e.logger.Printf("drag annotation %d: %v", e.drag.id, err)
	}
}

// PointerUp ends the interaction in progress. A draw whose sides do not both
// exceed the threshold is discarded with a *annotation.ValidationError,
// unless it was short enough to count as a click, which selects the
// annotation under the pointer instead.
func (e *Editor) PointerUp(ev PointerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Panning:
		e.move(ev)
		e.state = Idle
		e.saveViewport()
	case HandleDragging, ShapeDragging:
		e.move(ev)
		e.endDrag()
		e.state = Idle
		e.flushRemote()
	case Drawing:
		e.move(ev)
		e.state = Idle
		return e.finishDrawing(ev)
	}
	return nil
}

func (e *Editor) endDrag() {
	a, ok := e.store.Get(e.drag.id)
	if ok && a.Points != e.drag.start {
		e.commit()
	}
	e.drag = drag{}
}

func (e *Editor) finishDrawing(ev PointerEvent) error {
	if ev.canvas().Distance(e.drawCanvas) <= e.opts.ClickSlop {
		e.selected = 0
		if a, ok := e.store.FindAt(e.drawStart); ok {
			e.selected = a.ID
		}
		return nil
	}

	dx := e.drawEnd.X - e.drawStart.X
	dy := e.drawEnd.Y - e.drawStart.Y
	if math.Abs(dx) <= e.opts.DrawThreshold || math.Abs(dy) <= e.opts.DrawThreshold {
		e.selected = 0
		return &annotation.ValidationError{Reason: "shape is smaller than the minimum size"}
	}

	a := annotation.NewRectangle(e.ids.Next(), "", e.palette.Next(), e.drawStart, e.drawEnd)
	if e.opts.QuickLabel && e.lastLabel != "" {
		a.Label = e.lastLabel
		return e.insert(a)
	}
	e.pending = &a
	return nil
}

// insert adds a finished annotation, selects it and commits.
func (e *Editor) insert(a annotation.Annotation) error {
	if err := e.store.Add(a); err != nil {
		return err
	}
	e.lastLabel = a.Label
	e.selected = a.ID
	e.commit()
	return nil
}

// Wheel zooms around the cursor. Negative deltaY zooms in.
func (e *Editor) Wheel(ev PointerEvent, deltaY float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.vp
	e.vp.Wheel(ev.X, ev.Y, deltaY)
	if e.vp != before {
		e.saveViewport()
	}
}

// Cancel discards a drawing or a shape waiting for its label. Pans stop;
// drags are not cancellable and complete on pointer up.
func (e *Editor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel()
}

func (e *Editor) cancel() {
	switch e.state {
	case Drawing:
		e.state = Idle
	case Panning:
		e.state = Idle
		e.saveViewport()
	}
	e.pending = nil
}

// resize computes the dragged quad from the points at drag start.
//
// An axis-aligned rectangle stays axis-aligned: a corner drag moves the two
// neighbouring corners in lockstep (one takes the new x, the other the new y)
// and an edge drag moves the edge along its normal. Polygons move the single
// vertex, or translate both ends of the grabbed edge.
func resize(d drag, p geometry.Point) [4]geometry.Point {
	pts := d.start
	rect := d.kind == annotation.Rectangle && geometry.IsAxisAligned(d.start[:])
	i := d.handle.Index

	if d.handle.Kind == geometry.HandleCorner {
		pts[i] = p
		if !rect {
			return pts
		}
		for _, j := range []int{(i + 3) % 4, (i + 1) % 4} {
			if sameCoord(d.start[j].X, d.start[i].X) {
				pts[j].X = p.X
			} else {
				pts[j].Y = p.Y
			}
		}
		return pts
	}

	j := (i + 1) % 4
	if !rect {
		delta := p.Sub(d.origin)
		pts[i] = d.start[i].Add(delta)
		pts[j] = d.start[j].Add(delta)
		return pts
	}
	if sameCoord(d.start[i].Y, d.start[j].Y) {
		pts[i].Y, pts[j].Y = p.Y, p.Y
	} else {
		pts[i].X, pts[j].X = p.X, p.X
	}
	return pts
}

func sameCoord(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
