// Package imageannotator provides quad annotation editing and dataset export
// for object detection training.
//
// A project is a directory of images plus a project.json file holding each
// image's annotations and last viewport. Editing sessions run through
// pkg/editor, which persists every committed change back to the project in
// the background. The export encoder turns a project into a YOLO-style
// bundle: images/{train,val}, labels/{train,val}, classes.txt and data.yaml.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		imageannotator "github.com/menta2k/image-annotator"
//		"github.com/menta2k/image-annotator/pkg/editor"
//	)
//
//	func main() {
//		ctx := context.Background()
//		a, err := imageannotator.New("photos")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		// Draw a box on the first image and label it
//		ed, err := a.OpenImage(ctx, a.Project().Entries()[0].ID, 1280, 720)
//		if err != nil {
//			log.Fatal(err)
//		}
//		ed.PointerDown(editor.PointerEvent{X: 100, Y: 100})
//		ed.PointerMove(editor.PointerEvent{X: 300, Y: 250})
//		ed.PointerUp(editor.PointerEvent{X: 300, Y: 250})
//		if err := ed.AssignLabel("car"); err != nil {
//			log.Fatal(err)
//		}
//		ed.Wait()
//
//		sum, err := a.Export(ctx, "dataset")
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("exported %d train / %d val images", sum.TrainImages, sum.ValImages)
//	}
//
// The package consists of these main components:
//
// 1. Geometry (pkg/geometry) and Viewport (pkg/viewport): coordinate math and hit-testing
// 2. Annotation (pkg/annotation) and History (pkg/history): the data model and undo stack
// 3. Editor (pkg/editor): the pointer/keyboard interaction state machine
// 4. Export (pkg/export): class mapping, train/val split and label encoding
// 5. Project (pkg/project): file-backed persistence shared by the editor and export
// 6. Prelabel (pkg/prelabel): draft boxes from an Ollama or llama.cpp vision model
package imageannotator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/editor"
	"github.com/menta2k/image-annotator/pkg/export"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/project"
)

// Version of the image annotator library
const Version = "1.0.0"

// Annotator ties a project to editing sessions and export.
type Annotator struct {
	project   *project.Project
	editor    editor.Options
	export    export.Config
	processor *processing.Processor
	logger    *log.Logger
}

// New opens the project in dir, scanning the directory for images when it
// has no project file yet.
func New(dir string) (*Annotator, error) {
	return NewWithConfig(dir, editor.Options{}, export.DefaultConfig(), nil)
}

// NewWithConfig is New with custom editor and export settings.
func NewWithConfig(dir string, editorOpts editor.Options, exportCfg export.Config, logger *log.Logger) (*Annotator, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := exportCfg.Validate(); err != nil {
		return nil, err
	}

	p, err := project.Open(dir, logger)
	if errors.Is(err, fs.ErrNotExist) {
		p, err = project.Scan(dir, filepath.Base(dir), logger)
		if err == nil {
			err = p.Save()
		}
	}
	if err != nil {
		return nil, err
	}

	editorOpts.Persister = p
	editorOpts.Logger = logger
	exportCfg.Logger = logger
	return &Annotator{
		project:   p,
		editor:    editorOpts,
		export:    exportCfg,
		processor: processing.NewProcessor(),
		logger:    logger,
	}, nil
}

// Project returns the underlying project.
func (a *Annotator) Project() *project.Project {
	return a.project
}

// OpenImage starts an editing session on one image, fitted to a container
// of the given canvas size. Changes are saved to the project.
func (a *Annotator) OpenImage(ctx context.Context, imageID string, containerW, containerH float64) (*editor.Editor, error) {
	img, err := a.project.LoadImage(imageID)
	if err != nil {
		return nil, err
	}
	ed := editor.New(ctx, a.editor)
	ed.Open(img, containerW, containerH)
	return ed, nil
}

// Export writes the project as a training bundle into outDir.
func (a *Annotator) Export(ctx context.Context, outDir string) (*export.Summary, error) {
	enc, err := export.New(a.export)
	if err != nil {
		return nil, err
	}
	return enc.Export(ctx, a.project, outDir)
}

// Preview renders an image with its annotations drawn on top.
func (a *Annotator) Preview(imageID string) (image.Image, error) {
	entry, err := a.project.Entry(imageID)
	if err != nil {
		return nil, err
	}
	img, err := a.processor.LoadImage(a.project.ImagePath(entry))
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	loaded, err := a.project.LoadImage(imageID)
	if err != nil {
		return nil, err
	}
	return a.processor.RenderOverlay(img, OverlayShapes(loaded.Annotations))
}

// SavePreview renders a preview and writes it to path.
func (a *Annotator) SavePreview(imageID, path, format string) error {
	img, err := a.Preview(imageID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return a.processor.SaveImage(img, path, format, 92, false)
}

// OverlayShapes converts annotations to the shapes the overlay renderer draws.
func OverlayShapes(list []annotation.Annotation) []processing.OverlayShape {
	shapes := make([]processing.OverlayShape, len(list))
	for i, an := range list {
		shapes[i] = processing.OverlayShape{
			Points:      an.Quad(),
			Label:       an.Label,
			Color:       an.Color,
			AnchorIndex: an.AnchorIndex,
			Locked:      an.Locked,
		}
	}
	return shapes
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
