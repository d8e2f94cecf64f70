package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/editor"
	"github.com/menta2k/image-annotator/pkg/export"
	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/viewport"
)

var quiet = log.New(io.Discard, "", 0)

func createTestImage(t *testing.T, dir, rel string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 64, 255})
		}
	}
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := processing.NewProcessor().SaveImage(img, path, "png", 0, false); err != nil {
		t.Fatalf("failed to save test image: %v", err)
	}
}

func newTestProject(t *testing.T) *Project {
	t.Helper()
	dir := t.TempDir()
	createTestImage(t, dir, "b.png", 200, 200)
	createTestImage(t, dir, "a/c.png", 120, 80)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Scan(dir, "test", quiet)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return p
}

func TestScanOrdersAndProbes(t *testing.T) {
	p := newTestProject(t)

	entries := p.Entries()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(entries))
	}
	if entries[0].ID != "a/c.png" || entries[1].ID != "b.png" {
		t.Errorf("Expected images sorted by path, got %s, %s", entries[0].ID, entries[1].ID)
	}
	if entries[0].Width != 120 || entries[0].Height != 80 {
		t.Errorf("Expected 120x80, got %dx%d", entries[0].Width, entries[0].Height)
	}
}

func TestSaveAndOpen(t *testing.T) {
	p := newTestProject(t)
	ctx := context.Background()

	a := annotation.NewRectangle(5, "car", "#e6194b", geometry.Pt(10, 10), geometry.Pt(100, 100))
	a.AnchorIndex = 2
	a.Locked = true
	if err := p.SaveAnnotations(ctx, "b.png", annotation.Records([]annotation.Annotation{a}), "session-1"); err != nil {
		t.Fatalf("SaveAnnotations failed: %v", err)
	}
	vp := viewport.Viewport{Zoom: 2, PanX: 5, PanY: 6}
	if err := p.SaveViewport(ctx, "b.png", vp); err != nil {
		t.Fatalf("SaveViewport failed: %v", err)
	}

	reopened, err := Open(p.Dir(), quiet)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if reopened.Name() != "test" {
		t.Errorf("Expected name test, got %s", reopened.Name())
	}
	img, err := reopened.LoadImage("b.png")
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if len(img.Annotations) != 1 {
		t.Fatalf("Expected 1 annotation, got %d", len(img.Annotations))
	}
	got := img.Annotations[0]
	if got.ID != 5 || got.AnchorIndex != 2 || !got.Locked || got.Points != a.Points {
		t.Errorf("Annotation not restored: %+v", got)
	}
	if img.Viewport == nil || *img.Viewport != vp {
		t.Errorf("Expected viewport %+v, got %v", vp, img.Viewport)
	}

	entry, _ := reopened.Entry("b.png")
	if entry.UpdatedBy != "session-1" || entry.UpdatedAt == nil {
		t.Errorf("Expected update stamp, got %q %v", entry.UpdatedBy, entry.UpdatedAt)
	}

	matches, _ := filepath.Glob(filepath.Join(p.Dir(), FileName+".*.tmp"))
	if len(matches) != 0 {
		t.Errorf("Temp files left behind: %v", matches)
	}
}

func TestUnknownImage(t *testing.T) {
	p := newTestProject(t)
	if err := p.SaveAnnotations(context.Background(), "nope.png", nil, ""); !errors.Is(err, ErrUnknownImage) {
		t.Errorf("Expected ErrUnknownImage, got %v", err)
	}
	if _, err := p.LoadImage("nope.png"); !errors.Is(err, ErrUnknownImage) {
		t.Errorf("Expected ErrUnknownImage, got %v", err)
	}
}

func TestLoadImageSkipsBadPayloads(t *testing.T) {
	p := newTestProject(t)
	good := annotation.NewRectangle(1, "car", "#e6194b", geometry.Pt(0, 0), geometry.Pt(30, 30))
	if err := p.AppendAnnotations(context.Background(), "b.png", []annotation.Annotation{good}, ""); err != nil {
		t.Fatal(err)
	}
	p.index.Images[1].Annotations = append(p.index.Images[1].Annotations, json.RawMessage(`{"id": "x"}`))

	img, err := p.LoadImage("b.png")
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if len(img.Annotations) != 1 {
		t.Errorf("Expected the good annotation only, got %d", len(img.Annotations))
	}

	// Appending keeps the payload that does not parse.
	more := annotation.NewRectangle(2, "bus", "#3cb44b", geometry.Pt(40, 40), geometry.Pt(90, 90))
	if err := p.AppendAnnotations(context.Background(), "b.png", []annotation.Annotation{more}, ""); err != nil {
		t.Fatal(err)
	}
	entry, _ := p.Entry("b.png")
	if len(entry.Annotations) != 3 {
		t.Errorf("Expected 3 stored payloads, got %d", len(entry.Annotations))
	}
}

func TestImagesIsSnapshot(t *testing.T) {
	p := newTestProject(t)
	ctx := context.Background()
	a := annotation.NewRectangle(1, "car", "#e6194b", geometry.Pt(0, 0), geometry.Pt(30, 30))
	p.SaveAnnotations(ctx, "b.png", annotation.Records([]annotation.Annotation{a}), "")

	images, err := p.Images(ctx)
	if err != nil {
		t.Fatal(err)
	}
	images[1].Annotations[0][0] = 'X'

	entry, _ := p.Entry("b.png")
	if entry.Annotations[0][0] != '{' {
		t.Error("Images() must return a deep copy")
	}
	if images[1].Path != filepath.Join(p.Dir(), "b.png") {
		t.Errorf("Expected absolute path, got %s", images[1].Path)
	}
}

func TestConcurrentSaves(t *testing.T) {
	p := newTestProject(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := annotation.NewRectangle(int64(i+1), "car", "#e6194b", geometry.Pt(0, 0), geometry.Pt(30, 30))
			id := "b.png"
			if i%2 == 0 {
				id = "a/c.png"
			}
			if err := p.SaveAnnotations(ctx, id, annotation.Records([]annotation.Annotation{a}), fmt.Sprint(i)); err != nil {
				t.Errorf("save %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if _, err := Open(p.Dir(), quiet); err != nil {
		t.Errorf("Project file should stay valid: %v", err)
	}
}

func TestEditorSessionThenExport(t *testing.T) {
	p := newTestProject(t)
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}

	ed := editor.New(context.Background(), editor.Options{Persister: p, Logger: quiet})
	img, err := p.LoadImage("b.png")
	if err != nil {
		t.Fatal(err)
	}
	ed.Open(img, 400, 400)

	down := func(x, y float64) editor.PointerEvent {
		cx, cy := ed.Viewport().ImageToCanvas(x, y)
		return editor.PointerEvent{X: cx, Y: cy}
	}
	ed.PointerDown(down(10, 10))
	ed.PointerMove(down(60, 60))
	ed.PointerUp(down(100, 100))
	if err := ed.AssignLabel("car"); err != nil {
		t.Fatalf("AssignLabel failed: %v", err)
	}
	ed.Wait()

	reopened, err := Open(p.Dir(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := export.New(export.Config{
		Format:     export.FormatBBox,
		SplitRatio: 1,
		Logger:     quiet,
		Rand:       rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "dataset")
	sum, err := enc.Export(context.Background(), reopened, out)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if sum.TrainImages != 2 || sum.LabelLines != 1 {
		t.Errorf("Unexpected summary %+v", sum)
	}

	data, err := os.ReadFile(filepath.Join(out, "labels", "train", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0 0.275000 0.275000 0.450000 0.450000\n" {
		t.Errorf("Unexpected label line %q", data)
	}
	empty, err := os.ReadFile(filepath.Join(out, "labels", "train", "a_c.txt"))
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty label file for unannotated image, got %q err=%v", empty, err)
	}
}
