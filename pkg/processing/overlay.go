package processing

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"

	"github.com/menta2k/image-annotator/pkg/geometry"
)

// OverlayShape is one annotation to draw on a preview.
type OverlayShape struct {
	Points      []geometry.Point
	Label       string
	Color       string // hex, e.g. "#e6194b"
	AnchorIndex int
	Locked      bool
}

type identity struct{}

func (identity) ImageToCanvas(x, y float64) (float64, float64) { return x, y }

// RenderOverlay draws the shapes and their label tags over a copy of img.
// Line width and font size scale with the image so previews stay readable.
func (p *Processor) RenderOverlay(img image.Image, shapes []OverlayShape) (image.Image, error) {
	dc := gg.NewContextForImage(img)
	b := img.Bounds()
	short := math.Min(float64(b.Dx()), float64(b.Dy()))
	stroke := math.Max(2, 0.004*short)
	fontSize := math.Max(12, 0.025*short)

	ttf, err := truetype.Parse(gomono.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %v", err)
	}
	dc.SetFontFace(truetype.NewFace(ttf, &truetype.Options{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	}))

	for _, s := range shapes {
		if len(s.Points) == 0 {
			continue
		}
		dc.SetHexColor(s.Color)
		dc.SetLineWidth(stroke)
		if s.Locked {
			dc.SetDash(3*stroke, 2*stroke)
		} else {
			dc.SetDash()
		}
		dc.MoveTo(s.Points[0].X, s.Points[0].Y)
		for _, pt := range s.Points[1:] {
			dc.LineTo(pt.X, pt.Y)
		}
		dc.ClosePath()
		dc.Stroke()

		if s.Label == "" {
			continue
		}
		anchor := geometry.LabelAnchor(s.Points, s.AnchorIndex, identity{}, stroke)
		tw, th := dc.MeasureString(s.Label)
		pad := fontSize / 4
		dc.DrawRectangle(anchor.X, anchor.Y-th-2*pad, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetHexColor("#ffffff")
		dc.DrawString(s.Label, anchor.X+pad, anchor.Y-pad)
	}
	return dc.Image(), nil
}
