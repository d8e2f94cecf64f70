// Package prelabel turns vision model detections into draft annotations so a
// labeler starts from suggested boxes instead of an empty image.
package prelabel

import (
	"context"
	"fmt"
	"image"
	"log"
	"strings"

	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/client"
	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for every distinct object with a normalized box.
const DefaultPrompt = `You are an object detector preparing training data.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ],
  "description": "short neutral sentence"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- One entry per visible object instance; boxes must tightly enclose the object.
- Labels: lowercase singular nouns, no punctuation.
- If nothing is found, return {"objects": [], "description": "empty scene"}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config controls how suggestions are requested and filtered.
type Config struct {
	Model         string
	Prompt        string
	SendFormat    string // jpg or png
	MaxDim        int
	Quality       int
	MinConfidence float64
	// Labels restricts suggestions to these classes when not empty.
	Labels []string
}

// DefaultConfig returns the default pre-labeling settings.
func DefaultConfig() Config {
	return Config{
		Model:         "openbmb/minicpm-v4.5",
		Prompt:        DefaultPrompt,
		SendFormat:    "jpg",
		MaxDim:        1024,
		Quality:       85,
		MinConfidence: 0.4,
	}
}

// Suggester asks a vision model for boxes and converts them to annotations.
type Suggester struct {
	client    client.VisionClient
	processor *processing.Processor
	config    Config
	ids       *annotation.IDSource
	palette   *annotation.Palette
	logger    *log.Logger
}

// New creates a suggester. ids and palette may be shared with an editor so
// suggested annotations follow the session's id and color sequence.
func New(c client.VisionClient, config Config, ids *annotation.IDSource, palette *annotation.Palette, logger *log.Logger) *Suggester {
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	if ids == nil {
		ids = annotation.NewIDSource()
	}
	if palette == nil {
		palette = annotation.NewPalette(nil)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Suggester{
		client:    c,
		processor: processing.NewProcessor(),
		config:    config,
		ids:       ids,
		palette:   palette,
		logger:    logger,
	}
}

// TestVision tests if the model can actually see the image with a simple prompt
func (s *Suggester) TestVision(ctx context.Context, img image.Image) (string, error) {
	b64, err := s.processor.PrepareImageForModel(img, s.config.SendFormat, s.config.MaxDim, s.config.Quality)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return s.client.SimpleQuery(ctx, s.config.Model, SimpleTestPrompt, b64)
}

// SuggestFile loads an image file and suggests annotations for it.
func (s *Suggester) SuggestFile(ctx context.Context, path string) ([]annotation.Annotation, error) {
	img, err := s.processor.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return s.Suggest(ctx, img)
}

// Suggest returns rectangle annotations, in image pixels, for the objects
// the model reports with at least MinConfidence.
func (s *Suggester) Suggest(ctx context.Context, img image.Image) ([]annotation.Annotation, error) {
	b64, err := s.processor.PrepareImageForModel(img, s.config.SendFormat, s.config.MaxDim, s.config.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	result, err := s.client.Detect(ctx, s.config.Model, s.prompt(), b64)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return s.convert(result, b.Dx(), b.Dy()), nil
}

func (s *Suggester) prompt() string {
	if len(s.config.Labels) == 0 {
		return s.config.Prompt
	}
	return s.config.Prompt + "\n- Only use these labels: " + strings.Join(s.config.Labels, ", ") + "."
}

func (s *Suggester) convert(result *types.DetectionResult, width, height int) []annotation.Annotation {
	allowed := map[string]bool{}
	for _, l := range s.config.Labels {
		allowed[normalizeLabel(l)] = true
	}

	var out []annotation.Annotation
	for _, d := range result.Objects {
		label := normalizeLabel(d.Label)
		switch {
		case label == "" || label == "none":
			continue
		case len(allowed) > 0 && !allowed[label]:
			s.logger.Printf("prelabel: dropping %q, not in the label set", label)
			continue
		case d.Confidence < s.config.MinConfidence:
			continue
		}
		box := normalizeBox(d.Box, width, height)
		if box.W <= 0 || box.H <= 0 {
			continue
		}
		w, h := float64(width), float64(height)
		a := geometry.Pt(box.X*w, box.Y*h)
		c := geometry.Pt((box.X+box.W)*w, (box.Y+box.H)*h)
		out = append(out, annotation.NewRectangle(s.ids.Next(), label, s.palette.Next(), a, c))
	}
	return out
}

// normalizeLabel lowercases and trims a model label.
func normalizeLabel(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
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

// normalizeBox ensures box coordinates are within [0,1] bounds. Boxes the
// model gave in pixels are converted first.
func normalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1) {
		b = types.Box{
			X: b.X / float64(imgW),
			Y: b.Y / float64(imgH),
			W: b.W / float64(imgW),
			H: b.H / float64(imgH),
		}
	}
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.X+b.W, 0, 1) - x,
		H: clamp(b.Y+b.H, 0, 1) - y,
	}
}
