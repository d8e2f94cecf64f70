// Package viewport maps between image pixel space and on-screen canvas space.
package viewport

import "math"

const (
	MinZoom = 0.1
	MaxZoom = 5.0

	// MaxFitZoom caps auto-fit so small images are never upscaled.
	MaxFitZoom = 1.0

	// FitMargin is the fraction of the container left free when fitting.
	FitMargin = 0.95

	ZoomInFactor  = 1.1
	ZoomOutFactor = 0.9
)

// Viewport is a zoom scalar plus a pan offset in canvas pixels.
type Viewport struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"panX"`
	PanY float64 `json:"panY"`
}

// New returns the identity viewport.
func New() Viewport {
	return Viewport{Zoom: 1}
}

// Reset restores zoom 1 and no pan.
func (v *Viewport) Reset() {
	*v = New()
}

// ImageToCanvas converts image coordinates to canvas coordinates.
func (v Viewport) ImageToCanvas(x, y float64) (float64, float64) {
	return x*v.Zoom + v.PanX, y*v.Zoom + v.PanY
}

// CanvasToImage converts canvas coordinates to image coordinates.
func (v Viewport) CanvasToImage(x, y float64) (float64, float64) {
	return (x - v.PanX) / v.Zoom, (y - v.PanY) / v.Zoom
}

// ZoomAt scales the zoom by factor, clamped to [MinZoom, MaxZoom], keeping the
// image point under the cursor fixed on the canvas.
func (v *Viewport) ZoomAt(cursorX, cursorY, factor float64) {
	oldZoom := v.Zoom
	newZoom := clamp(oldZoom*factor, MinZoom, MaxZoom)
	if newZoom == oldZoom {
		return
	}
	ratio := newZoom / oldZoom
	v.PanX = cursorX - (cursorX-v.PanX)*ratio
	v.PanY = cursorY - (cursorY-v.PanY)*ratio
	v.Zoom = newZoom
}

// Wheel applies one wheel tick at the cursor. Negative deltaY (away from the
// user) zooms in.
func (v *Viewport) Wheel(cursorX, cursorY, deltaY float64) {
	switch {
	case deltaY < 0:
		v.ZoomAt(cursorX, cursorY, ZoomInFactor)
	case deltaY > 0:
		v.ZoomAt(cursorX, cursorY, ZoomOutFactor)
	}
}

// PanBy translates the pan offset by a raw canvas delta.
func (v *Viewport) PanBy(dx, dy float64) {
	v.PanX += dx
	v.PanY += dy
}

// FitToContainer scales the image to fit the container with a small margin,
// never above MaxFitZoom, and centers it.
func (v *Viewport) FitToContainer(imageW, imageH, containerW, containerH float64) {
	if imageW <= 0 || imageH <= 0 || containerW <= 0 || containerH <= 0 {
		v.Reset()
		return
	}
	scale := math.Min(containerW/imageW, containerH/imageH) * FitMargin
	scale = clamp(scale, MinZoom, MaxFitZoom)

	v.Zoom = scale
	v.PanX = (containerW - imageW*scale) / 2
	v.PanY = (containerH - imageH*scale) / 2
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
