// Package vision proposes object boxes from a saliency map. It needs no
// model server, so it serves as an offline pre-labeling backend: labelers get
// a box around each high-contrast region and only fix labels and edges.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-annotator/pkg/types"
)

// Config holds configuration for region proposals
type Config struct {
	ContrastWeight float64
	ColorWeight    float64
	// Threshold is the share of the peak saliency a pixel needs to join a region.
	Threshold       float64
	MinSubjectRatio float64
	MaxRegions      int
	// MaxDim bounds the long side the saliency map is computed on.
	MaxDim int
	Label  string
}

// DefaultConfig returns the default proposal settings.
func DefaultConfig() Config {
	return Config{
		ContrastWeight:  0.3,
		ColorWeight:     0.2,
		Threshold:       0.5,
		MinSubjectRatio: 0.01,
		MaxRegions:      10,
		MaxDim:          256,
		Label:           "object",
	}
}

// Proposer finds salient regions in images
type Proposer struct {
	config Config
}

// New creates a Proposer with default configuration
func New() *Proposer {
	return &Proposer{config: DefaultConfig()}
}

// NewWithConfig creates a Proposer with custom configuration
func NewWithConfig(config Config) *Proposer {
	return &Proposer{config: config}
}

// Region represents a rectangular region of interest in image pixels
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Center returns the center point of the region
func (r Region) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// Propose returns the salient regions of img, best first.
func (p *Proposer) Propose(img image.Image) []Region {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == 0 || origH == 0 {
		return nil
	}

	work := img
	if p.config.MaxDim > 0 && (origW > p.config.MaxDim || origH > p.config.MaxDim) {
		work = imaging.Fit(img, p.config.MaxDim, p.config.MaxDim, imaging.Box)
	}
	wb := work.Bounds()
	width, height := wb.Dx(), wb.Dy()
	sx := float64(origW) / float64(width)
	sy := float64(origH) / float64(height)

	saliency, peak := p.saliencyMap(work)
	if peak == 0 {
		return nil
	}
	regions := p.components(saliency, peak*p.config.Threshold, width, height)

	minArea := int(float64(width*height) * p.config.MinSubjectRatio)
	var out []Region
	for _, r := range regions {
		if r.Area() < minArea {
			continue
		}
		out = append(out, Region{
			X:      int(math.Round(float64(r.X) * sx)),
			Y:      int(math.Round(float64(r.Y) * sy)),
			Width:  int(math.Round(float64(r.Width) * sx)),
			Height: int(math.Round(float64(r.Height) * sy)),
			Score:  r.Score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if p.config.MaxRegions > 0 && len(out) > p.config.MaxRegions {
		out = out[:p.config.MaxRegions]
	}
	return out
}

// saliencyMap combines local edge strength with brightness. It also returns
// the peak value.
func (p *Proposer) saliencyMap(img image.Image) ([][]float64, float64) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	m := make([][]float64, height)
	for i := range m {
		m[i] = make([]float64, width)
	}

	neighbors := [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
	var peak float64
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			r1, g1, b1, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			var edge float64
			for _, o := range neighbors {
				r2, g2, b2, _ := img.At(x+o[0]+bounds.Min.X, y+o[1]+bounds.Min.Y).RGBA()
				dr := float64(r1) - float64(r2)
				dg := float64(g1) - float64(g2)
				db := float64(b1) - float64(b2)
				edge += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			edge /= 8.0 * 65535.0

			brightness := (float64(r1) + float64(g1) + float64(b1)) / (3.0 * 65535.0)
			s := p.config.ContrastWeight*edge + p.config.ColorWeight*brightness
			m[y][x] = s
			if s > peak {
				peak = s
			}
		}
	}
	return m, peak
}

// components groups 8-connected pixels at or above threshold and returns
// their bounding boxes scored by mean saliency.
func (p *Proposer) components(m [][]float64, threshold float64, width, height int) []Region {
	seen := make([]bool, width*height)
	var regions []Region
	var stack []int

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if seen[y*width+x] || m[y][x] < threshold {
				continue
			}
			minX, minY, maxX, maxY := x, y, x, y
			var sum float64
			var n int
			stack = append(stack[:0], y*width+x)
			seen[y*width+x] = true
			for len(stack) > 0 {
				i := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cx, cy := i%width, i/width
				sum += m[cy][cx]
				n++
				minX, maxX = min(minX, cx), max(maxX, cx)
				minY, maxY = min(minY, cy), max(maxY, cy)
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := cx+dx, cy+dy
						if nx < 0 || ny < 0 || nx >= width || ny >= height {
							continue
						}
						j := ny*width + nx
						if !seen[j] && m[ny][nx] >= threshold {
							seen[j] = true
							stack = append(stack, j)
						}
					}
				}
			}
			regions = append(regions, Region{
				X:      minX,
				Y:      minY,
				Width:  maxX - minX + 1,
				Height: maxY - minY + 1,
				Score:  sum / float64(n),
			})
		}
	}
	return regions
}

// SimpleQuery reports how many regions were found. It lets the proposer
// stand in for a model backend.
func (p *Proposer) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	img, err := decode(imgB64)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d salient regions", len(p.Propose(img))), nil
}

// Detect returns the proposals as normalized boxes carrying the configured
// label. Confidence is the region score relative to the best region.
func (p *Proposer) Detect(ctx context.Context, model, prompt, imgB64 string) (*types.DetectionResult, error) {
	img, err := decode(imgB64)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	regions := p.Propose(img)
	result := &types.DetectionResult{
		Objects:     []types.Detection{},
		Description: fmt.Sprintf("%d salient regions", len(regions)),
	}
	for _, r := range regions {
		result.Objects = append(result.Objects, types.Detection{
			Label:      p.config.Label,
			Confidence: r.Score / regions[0].Score,
			Box: types.Box{
				X: float64(r.X) / w,
				Y: float64(r.Y) / h,
				W: float64(r.Width) / w,
				H: float64(r.Height) / h,
			},
		})
	}
	return result, nil
}

func decode(imgB64 string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}
	return img, nil
}
