// Package project stores an annotation project as a directory of images plus
// a project.json index holding every image's annotations and saved viewport.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/menta2k/image-annotator/internal/utils"
	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/editor"
	"github.com/menta2k/image-annotator/pkg/export"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/types"
	"github.com/menta2k/image-annotator/pkg/viewport"
)

// FileName is the index file inside a project directory.
const FileName = "project.json"

// ErrUnknownImage is returned for an image id the project does not hold.
var ErrUnknownImage = errors.New("unknown image")

// ImageEntry is one image of the project. Annotations are kept as raw
// payloads so one malformed record never prevents loading the others.
type ImageEntry struct {
	ID          string             `json:"id"`
	Path        string             `json:"path"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Annotations []json.RawMessage  `json:"annotations"`
	Viewport    *viewport.Viewport `json:"viewport,omitempty"`
	UpdatedBy   string             `json:"updated_by,omitempty"`
	UpdatedAt   *time.Time         `json:"updated_at,omitempty"`
}

func (e ImageEntry) clone() ImageEntry {
	out := e
	out.Annotations = make([]json.RawMessage, len(e.Annotations))
	for i, raw := range e.Annotations {
		out.Annotations[i] = append(json.RawMessage(nil), raw...)
	}
	if e.Viewport != nil {
		vp := *e.Viewport
		out.Viewport = &vp
	}
	if e.UpdatedAt != nil {
		at := *e.UpdatedAt
		out.UpdatedAt = &at
	}
	return out
}

// Index is the on-disk content of project.json.
type Index struct {
	Name    string       `json:"name"`
	Created time.Time    `json:"created"`
	Images  []ImageEntry `json:"images"`
}

// Project is an open project directory. It is safe for concurrent use.
type Project struct {
	mu     sync.Mutex
	dir    string
	index  Index
	logger *log.Logger
	now    func() time.Time
}

// Scan creates a project from every image under dir, ordered by relative
// path. Images whose size cannot be read are kept with zero dimensions and
// probed again at export time.
func Scan(dir, name string, logger *log.Logger) (*Project, error) {
	if logger == nil {
		logger = log.Default()
	}
	files, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return nil, err
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	sort.Strings(rels)

	proc := processing.NewProcessor()
	p := &Project{dir: dir, logger: logger, now: time.Now}
	p.index = Index{Name: name, Created: p.now()}
	for _, rel := range rels {
		w, h, err := proc.ImageSize(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			logger.Printf("project: cannot read size of %s: %v", rel, err)
		}
		p.index.Images = append(p.index.Images, ImageEntry{
			ID:          rel,
			Path:        rel,
			Width:       w,
			Height:      h,
			Annotations: []json.RawMessage{},
		})
	}
	return p, nil
}

// Open loads the project stored in dir.
func Open(dir string, logger *log.Logger) (*Project, error) {
	if logger == nil {
		logger = log.Default()
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse project file: %w", err)
	}
	return &Project{dir: dir, index: index, logger: logger, now: time.Now}, nil
}

// Dir returns the project directory.
func (p *Project) Dir() string {
	return p.dir
}

// Name returns the project name.
func (p *Project) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.Name
}

// Save writes project.json atomically.
func (p *Project) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.save()
}

func (p *Project) save() error {
	data, err := json.MarshalIndent(p.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	if err := utils.EnsureDir(p.dir); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	tmp, err := os.CreateTemp(p.dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write project: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write project: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(p.dir, FileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace project file: %w", err)
	}
	return nil
}

// Entries returns a copy of the image list in stored order.
func (p *Project) Entries() []ImageEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ImageEntry, len(p.index.Images))
	for i, e := range p.index.Images {
		out[i] = e.clone()
	}
	return out
}

// Entry returns a copy of one image entry.
func (p *Project) Entry(id string) (ImageEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.find(id)
	if i < 0 {
		return ImageEntry{}, fmt.Errorf("%w: %s", ErrUnknownImage, id)
	}
	return p.index.Images[i].clone(), nil
}

// ImagePath returns the path of an image file under the project directory.
func (p *Project) ImagePath(e ImageEntry) string {
	return filepath.Join(p.dir, filepath.FromSlash(e.Path))
}

func (p *Project) find(id string) int {
	for i, e := range p.index.Images {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// LoadImage returns the editor view of an image. Records that fail to parse
// are logged and left out.
func (p *Project) LoadImage(id string) (editor.Image, error) {
	entry, err := p.Entry(id)
	if err != nil {
		return editor.Image{}, err
	}
	img := editor.Image{ID: entry.ID, Width: entry.Width, Height: entry.Height, Viewport: entry.Viewport}
	for i, raw := range entry.Annotations {
		var rec types.AnnotationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			p.logger.Printf("project: image %s: skipping annotation %d: %v", id, i, err)
			continue
		}
		a, err := annotation.FromRecord(rec)
		if err != nil {
			p.logger.Printf("project: image %s: skipping annotation %d: %v", id, i, err)
			continue
		}
		img.Annotations = append(img.Annotations, a)
	}
	return img, nil
}

// SaveAnnotations replaces an image's annotation set and writes the project.
func (p *Project) SaveAnnotations(ctx context.Context, imageID string, records []types.AnnotationRecord, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raws, err := marshalRecords(records)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.find(imageID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}
	now := p.now()
	p.index.Images[i].Annotations = raws
	p.index.Images[i].UpdatedBy = origin
	p.index.Images[i].UpdatedAt = &now
	return p.save()
}

// SaveViewport stores the last view of an image.
func (p *Project) SaveViewport(ctx context.Context, imageID string, vp viewport.Viewport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.find(imageID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}
	p.index.Images[i].Viewport = &vp
	return p.save()
}

// AppendAnnotations adds annotations to an image after its existing ones.
// Stored payloads are kept as they are, including ones that do not parse.
func (p *Project) AppendAnnotations(ctx context.Context, imageID string, list []annotation.Annotation, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raws, err := marshalRecords(annotation.Records(list))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.find(imageID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}
	now := p.now()
	img := &p.index.Images[i]
	img.Annotations = append(img.Annotations, raws...)
	img.UpdatedBy = origin
	img.UpdatedAt = &now
	return p.save()
}

// Images implements export.Source with a snapshot of the project.
func (p *Project) Images(ctx context.Context) ([]export.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := p.Entries()
	out := make([]export.Image, len(entries))
	for i, e := range entries {
		out[i] = export.Image{
			ID:          e.ID,
			Name:        e.Path,
			Path:        p.ImagePath(e),
			Width:       e.Width,
			Height:      e.Height,
			Annotations: e.Annotations,
		}
	}
	return out, nil
}

func marshalRecords(records []types.AnnotationRecord) ([]json.RawMessage, error) {
	raws := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal annotation %d: %w", rec.ID, err)
		}
		raws = append(raws, data)
	}
	return raws, nil
}

var (
	_ editor.Persister = (*Project)(nil)
	_ export.Source    = (*Project)(nil)
)
