// Package export turns a project's annotations into a class-indexed,
// normalized training dataset split into train and validation trees.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-annotator/internal/utils"
	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/types"
)

// Format selects the label line variant.
type Format string

const (
	// FormatBBox writes "classId cx cy w h".
	FormatBBox Format = "bbox"
	// FormatPolygon writes "classId x1 y1 x2 y2 x3 y3 x4 y4".
	FormatPolygon Format = "polygon"
)

const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// Image is one project image as the encoder reads it. Annotations are the
// raw stored payloads, parsed one at a time so a bad one only skips itself.
type Image struct {
	ID          string
	Name        string // path relative to the project, used for bundle file names
	Path        string
	Width       int
	Height      int
	Annotations []json.RawMessage
}

// Source provides a consistent snapshot of a project's images in stored order.
type Source interface {
	Images(ctx context.Context) ([]Image, error)
}

// Config holds export job settings.
type Config struct {
	Format     Format
	SplitRatio float64
	// ImageFormat re-encodes copied images ("jpg", "png", "webp"); empty keeps the originals.
	ImageFormat string
	Quality     int
	Logger      *log.Logger
	// Rand drives the train/val shuffle. Nil uses an unseeded source.
	Rand *rand.Rand
}

// DefaultConfig returns the default export settings.
func DefaultConfig() Config {
	return Config{
		Format:     FormatBBox,
		SplitRatio: 0.8,
		Quality:    90,
	}
}

// Validate checks the export settings.
func (c Config) Validate() error {
	if c.Format != FormatBBox && c.Format != FormatPolygon {
		return fmt.Errorf("unknown export format %q", c.Format)
	}
	if c.SplitRatio < 0 || c.SplitRatio > 1 {
		return fmt.Errorf("split ratio must be within [0, 1], got %v", c.SplitRatio)
	}
	switch strings.ToLower(c.ImageFormat) {
	case "", "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("unsupported image format %q", c.ImageFormat)
	}
	return nil
}

// Summary reports what an export wrote and what it skipped.
type Summary struct {
	RunID              string
	OutputDir          string
	Classes            []string
	TrainImages        int
	ValImages          int
	LabelLines         int
	SkippedImages      int
	SkippedAnnotations int
	Errors             []*IOError
	Duration           time.Duration
}

// Encoder writes export bundles.
type Encoder struct {
	config    Config
	processor *processing.Processor
	logger    *log.Logger
	rng       *rand.Rand
}

// New creates an encoder.
func New(config Config) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	rng := config.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Encoder{
		config:    config,
		processor: processing.NewProcessor(),
		logger:    logger,
		rng:       rng,
	}, nil
}

// entry is an image that survived parsing, with its usable annotations.
type entry struct {
	image   Image
	records []types.AnnotationRecord
}

// Export writes the bundle for src into outDir. Only a failure to list the
// images or to create the bundle layout aborts; bad annotations and missing
// image files are skipped and reported in the summary.
func (e *Encoder) Export(ctx context.Context, src Source, outDir string) (*Summary, error) {
	start := time.Now()
	images, err := src.Images(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list project images: %w", err)
	}

	sum := &Summary{RunID: uuid.NewString(), OutputDir: outDir}
	entries := make([]entry, 0, len(images))
	for _, img := range images {
		entries = append(entries, entry{image: img, records: e.parse(img, sum)})
	}

	classes := buildClassMap(entries)
	sum.Classes = classes.Names()

	var usable []entry
	for _, en := range entries {
		if err := e.resolveImage(&en.image); err != nil {
			e.skip(sum, &IOError{ImageID: en.image.ID, Path: en.image.Path, Annotation: -1, Err: err})
			sum.SkippedImages++
			continue
		}
		usable = append(usable, en)
	}

	train, val := Split(usable, e.config.SplitRatio, e.rng)

	if err := e.prepareLayout(outDir); err != nil {
		return nil, err
	}
	// Stems are unique across both splits so no image or label file is overwritten.
	used := map[string]bool{}
	for _, part := range []struct {
		name    string
		entries []entry
	}{{SplitTrain, train}, {SplitVal, val}} {
		for _, en := range part.entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name := uniqueName(BundleName(en.image.Name, e.config.ImageFormat), used)
			n, err := e.writeImage(outDir, part.name, name, en, classes)
			if err != nil {
				e.skip(sum, &IOError{ImageID: en.image.ID, Path: en.image.Path, Annotation: -1, Err: err})
				sum.SkippedImages++
				continue
			}
			sum.LabelLines += n
			if part.name == SplitTrain {
				sum.TrainImages++
			} else {
				sum.ValImages++
			}
		}
	}

	if err := writeClasses(outDir, sum.Classes); err != nil {
		return nil, err
	}
	if err := writeManifest(outDir, sum.Classes); err != nil {
		return nil, err
	}

	sum.Duration = time.Since(start)
	e.logger.Printf("export %s: %d train, %d val, %d classes, %d labels, skipped %d images and %d annotations",
		sum.RunID, sum.TrainImages, sum.ValImages, len(sum.Classes), sum.LabelLines, sum.SkippedImages, sum.SkippedAnnotations)
	return sum, nil
}

func (e *Encoder) skip(sum *Summary, ioErr *IOError) {
	e.logger.Printf("export: skipping %v", ioErr)
	sum.Errors = append(sum.Errors, ioErr)
}

// parse decodes an image's stored annotations, skipping the ones that fail.
func (e *Encoder) parse(img Image, sum *Summary) []types.AnnotationRecord {
	records := make([]types.AnnotationRecord, 0, len(img.Annotations))
	for i, raw := range img.Annotations {
		rec, err := parseRecord(raw)
		if err != nil {
			e.skip(sum, &IOError{ImageID: img.ID, Path: img.Path, Annotation: i, Err: err})
			sum.SkippedAnnotations++
			continue
		}
		records = append(records, rec)
	}
	return records
}

func parseRecord(raw json.RawMessage) (types.AnnotationRecord, error) {
	var rec types.AnnotationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("invalid payload: %w", err)
	}
	if rec.Label == "" {
		return rec, errors.New("empty label")
	}
	if n := len(rec.Quad()); n != 4 {
		return rec, fmt.Errorf("expected 4 points, got %d", n)
	}
	return rec, nil
}

// resolveImage checks the file exists and fills in missing dimensions.
func (e *Encoder) resolveImage(img *Image) error {
	if !utils.FileExists(img.Path) {
		return fmt.Errorf("image file not found")
	}
	if img.Width > 0 && img.Height > 0 {
		return nil
	}
	w, h, err := e.processor.ImageSize(img.Path)
	if err != nil {
		return fmt.Errorf("failed to read image size: %w", err)
	}
	img.Width, img.Height = w, h
	return nil
}

func (e *Encoder) prepareLayout(outDir string) error {
	for _, dir := range []string{"images", "labels"} {
		for _, split := range []string{SplitTrain, SplitVal} {
			if err := utils.EnsureDir(filepath.Join(outDir, dir, split)); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
	}
	return nil
}

// writeImage copies one image into its split and writes its label file.
// It returns the number of label lines written.
func (e *Encoder) writeImage(outDir, split, name string, en entry, classes *ClassMap) (int, error) {
	dst := filepath.Join(outDir, "images", split, name)
	if err := e.processor.CopyImage(en.image.Path, dst, e.config.ImageFormat, e.config.Quality); err != nil {
		return 0, err
	}

	var b strings.Builder
	for _, rec := range en.records {
		id, _ := classes.ID(rec.Label)
		b.WriteString(EncodeLine(e.config.Format, id, rec.Quad(), en.image.Width, en.image.Height))
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	labelPath := filepath.Join(outDir, "labels", split, stem+".txt")
	if err := os.WriteFile(labelPath, []byte(b.String()), 0644); err != nil {
		return 0, fmt.Errorf("failed to write labels: %w", err)
	}
	return len(en.records), nil
}

// BundleName flattens a project-relative image path into a bundle file name,
// swapping the extension when the image is re-encoded.
func BundleName(name, imageFormat string) string {
	flat := utils.SanitizeFilename(filepath.ToSlash(name))
	if imageFormat == "" {
		return flat
	}
	ext := strings.ToLower(imageFormat)
	if ext == "jpeg" {
		ext = "jpg"
	}
	return strings.TrimSuffix(flat, filepath.Ext(flat)) + "." + ext
}

// uniqueName returns name, or name with a numeric suffix on its stem when
// another image already took that stem. Stems are compared case-insensitively.
func uniqueName(name string, used map[string]bool) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := stem
	for i := 2; used[strings.ToLower(candidate)]; i++ {
		candidate = fmt.Sprintf("%s_%d", stem, i)
	}
	used[strings.ToLower(candidate)] = true
	return candidate + ext
}

// EncodeLine formats one newline-terminated label line. Coordinates are
// normalized by the image size and printed with six decimals.
func EncodeLine(format Format, classID int, quad []geometry.Point, width, height int) string {
	w, h := float64(width), float64(height)
	if format == FormatPolygon {
		var b strings.Builder
		fmt.Fprintf(&b, "%d", classID)
		for _, p := range quad {
			fmt.Fprintf(&b, " %.6f %.6f", p.X/w, p.Y/h)
		}
		b.WriteByte('\n')
		return b.String()
	}
	r := geometry.Bounds(quad)
	cx := (r.MinX + r.MaxX) / 2 / w
	cy := (r.MinY + r.MaxY) / 2 / h
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f\n", classID, cx, cy, r.Width()/w, r.Height()/h)
}

// Split shuffles entries with Fisher-Yates and cuts the result at
// round(len * ratio). The input slice is not modified.
func Split[T any](items []T, ratio float64, rng *rand.Rand) (train, val []T) {
	shuffled := make([]T, len(items))
	copy(shuffled, items)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	n := int(math.Round(float64(len(shuffled)) * ratio))
	return shuffled[:n], shuffled[n:]
}

func writeClasses(outDir string, classes []string) error {
	var b strings.Builder
	for _, c := range classes {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(outDir, "classes.txt"), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write classes: %w", err)
	}
	return nil
}

// Manifest is the data.yaml written next to the two trees.
type Manifest struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

func writeManifest(outDir string, classes []string) error {
	abs, err := filepath.Abs(outDir)
	if err != nil {
		abs = outDir
	}
	names := classes
	if names == nil {
		names = []string{}
	}
	data, err := yaml.Marshal(Manifest{
		Path:  abs,
		Train: "images/" + SplitTrain,
		Val:   "images/" + SplitVal,
		NC:    len(classes),
		Names: names,
	})
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "data.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
