package editor

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"

	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/types"
	"github.com/menta2k/image-annotator/pkg/viewport"
)

type savedSet struct {
	imageID string
	records []types.AnnotationRecord
	origin  string
}

type fakePersister struct {
	mu        sync.Mutex
	saves     []savedSet
	viewports []viewport.Viewport
	err       error
}

func (f *fakePersister) SaveAnnotations(ctx context.Context, imageID string, records []types.AnnotationRecord, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, savedSet{imageID, records, origin})
	return f.err
}

func (f *fakePersister) SaveViewport(ctx context.Context, imageID string, vp viewport.Viewport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewports = append(f.viewports, vp)
	return f.err
}

func (f *fakePersister) lastSave() (savedSet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return savedSet{}, false
	}
	return f.saves[len(f.saves)-1], true
}

// newTestEditor opens a 200x200 image in a 400x400 container, which fits at
// zoom 1 with a pan of (100, 100).
func newTestEditor(t *testing.T, initial ...annotation.Annotation) (*Editor, *fakePersister) {
	t.Helper()
	p := &fakePersister{}
	e := New(context.Background(), Options{
		Persister: p,
		Logger:    log.New(io.Discard, "", 0),
	})
	e.Open(Image{ID: "img-1", Width: 200, Height: 200, Annotations: initial}, 400, 400)
	return e, p
}

// at converts an image point to a pointer event under the current viewport.
func at(e *Editor, x, y float64) PointerEvent {
	cx, cy := e.Viewport().ImageToCanvas(x, y)
	return PointerEvent{X: cx, Y: cy}
}

func drawBox(t *testing.T, e *Editor, x0, y0, x1, y1 float64) error {
	t.Helper()
	if err := e.PointerDown(at(e, x0, y0)); err != nil {
		t.Fatalf("PointerDown failed: %v", err)
	}
	e.PointerMove(at(e, (x0+x1)/2, (y0+y1)/2))
	return e.PointerUp(at(e, x1, y1))
}

func click(t *testing.T, e *Editor, x, y float64) {
	t.Helper()
	if err := e.PointerDown(at(e, x, y)); err != nil {
		t.Fatalf("PointerDown failed: %v", err)
	}
	if err := e.PointerUp(at(e, x, y)); err != nil {
		t.Fatalf("PointerUp failed: %v", err)
	}
}

func dragTo(t *testing.T, e *Editor, x0, y0, x1, y1 float64) error {
	t.Helper()
	if err := e.PointerDown(at(e, x0, y0)); err != nil {
		return err
	}
	e.PointerMove(at(e, x1, y1))
	return e.PointerUp(at(e, x1, y1))
}

func rect(id int64, label string, x0, y0, x1, y1 float64) annotation.Annotation {
	return annotation.NewRectangle(id, label, "#e6194b", geometry.Pt(x0, y0), geometry.Pt(x1, y1))
}

func quad(pts ...float64) [4]geometry.Point {
	var q [4]geometry.Point
	for i := range q {
		q[i] = geometry.Pt(pts[2*i], pts[2*i+1])
	}
	return q
}

func TestOpenFitsAndSeedsHistory(t *testing.T) {
	e, _ := newTestEditor(t)

	vp := e.Viewport()
	if vp.Zoom != 1 || vp.PanX != 100 || vp.PanY != 100 {
		t.Errorf("Expected zoom 1 pan (100,100), got %+v", vp)
	}
	if e.State() != Idle {
		t.Errorf("Expected Idle, got %v", e.State())
	}
	if e.Undo() {
		t.Error("Undo right after open should be a no-op")
	}
}

func TestOpenRestoresSavedViewport(t *testing.T) {
	e := New(context.Background(), Options{Logger: log.New(io.Discard, "", 0)})
	saved := viewport.Viewport{Zoom: 2.5, PanX: -30, PanY: 12}
	e.Open(Image{ID: "a", Width: 200, Height: 200, Viewport: &saved}, 400, 400)

	if e.Viewport() != saved {
		t.Errorf("Expected saved viewport %+v, got %+v", saved, e.Viewport())
	}
}

func TestOpenClampsSavedZoom(t *testing.T) {
	e := New(context.Background(), Options{Logger: log.New(io.Discard, "", 0)})
	saved := viewport.Viewport{Zoom: 50, PanX: 4, PanY: 8}
	e.Open(Image{ID: "a", Width: 200, Height: 200, Viewport: &saved}, 400, 400)

	if got := e.Viewport().Zoom; got != viewport.MaxZoom {
		t.Errorf("Expected zoom %v, got %v", viewport.MaxZoom, got)
	}

	tiny := viewport.Viewport{Zoom: 0.001}
	e.Open(Image{ID: "b", Width: 200, Height: 200, Viewport: &tiny}, 400, 400)
	if got := e.Viewport().Zoom; got != viewport.MinZoom {
		t.Errorf("Expected zoom %v, got %v", viewport.MinZoom, got)
	}
}

func TestDrawAndAssignLabel(t *testing.T) {
	e, p := newTestEditor(t)

	if err := drawBox(t, e, 10, 10, 100, 100); err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	pending, ok := e.Pending()
	if !ok {
		t.Fatal("Expected a shape waiting for a label")
	}
	if len(e.Annotations()) != 0 {
		t.Error("Pending shape must not be in the store")
	}
	if e.View().Pending == nil {
		t.Error("View should expose the pending shape")
	}

	if err := e.AssignLabel("car"); err != nil {
		t.Fatalf("AssignLabel failed: %v", err)
	}
	list := e.Annotations()
	if len(list) != 1 {
		t.Fatalf("Expected 1 annotation, got %d", len(list))
	}
	a := list[0]
	if a.ID != pending.ID || a.Label != "car" || a.Kind != annotation.Rectangle {
		t.Errorf("Unexpected annotation %+v", a)
	}
	if a.Points != quad(10, 10, 100, 10, 100, 100, 10, 100) {
		t.Errorf("Unexpected points %v", a.Points)
	}
	if a.Color != annotation.DefaultPalette[0] {
		t.Errorf("Expected first palette color, got %s", a.Color)
	}
	if sel, ok := e.Selected(); !ok || sel.ID != a.ID {
		t.Error("New annotation should be selected")
	}

	e.Wait()
	last, ok := p.lastSave()
	if !ok || len(last.records) != 1 || last.records[0].Label != "car" {
		t.Errorf("Expected persisted set with the new annotation, got %+v", last)
	}
	if last.origin != e.SessionID() {
		t.Errorf("Expected origin %s, got %s", e.SessionID(), last.origin)
	}
}

func TestAssignEmptyLabelDiscards(t *testing.T) {
	e, _ := newTestEditor(t)
	drawBox(t, e, 10, 10, 100, 100)

	if err := e.AssignLabel(""); !annotation.IsValidation(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if _, ok := e.Pending(); ok {
		t.Error("Pending shape should be discarded")
	}
	if err := e.AssignLabel("car"); !errors.Is(err, ErrNoPending) {
		t.Errorf("Expected ErrNoPending, got %v", err)
	}
	if len(e.Annotations()) != 0 {
		t.Error("Store should stay empty")
	}
}

func TestQuickLabelReusesLastLabel(t *testing.T) {
	e, _ := newTestEditor(t)
	e.SetQuickLabel(true)

	drawBox(t, e, 10, 10, 60, 60)
	if _, ok := e.Pending(); !ok {
		t.Fatal("First shape needs a prompt since no label was used yet")
	}
	e.AssignLabel("person")

	drawBox(t, e, 100, 100, 180, 180)
	if _, ok := e.Pending(); ok {
		t.Error("Quick label mode should not leave a pending shape")
	}
	list := e.Annotations()
	if len(list) != 2 || list[1].Label != "person" {
		t.Errorf("Expected second annotation labeled person, got %+v", list)
	}
	if list[0].Color == list[1].Color {
		t.Error("Colors should advance round-robin")
	}
}

func TestSmallDrawIsRejected(t *testing.T) {
	e, _ := newTestEditor(t)

	err := drawBox(t, e, 10, 10, 25, 100)
	if !annotation.IsValidation(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if e.State() != Idle {
		t.Errorf("Expected Idle, got %v", e.State())
	}
	if _, ok := e.Pending(); ok {
		t.Error("Rejected shape must not be pending")
	}

	// Exactly on the threshold is still too small.
	if err := drawBox(t, e, 10, 10, 30, 30); !annotation.IsValidation(err) {
		t.Errorf("Expected ValidationError at the threshold, got %v", err)
	}
}

func TestClickSelectsInnermost(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "road", 0, 0, 200, 200), rect(2, "car", 50, 50, 80, 80))

	click(t, e, 60, 60)
	if sel, ok := e.Selected(); !ok || sel.ID != 2 {
		t.Errorf("Expected inner annotation 2, got %+v ok=%v", sel, ok)
	}

	click(t, e, 150, 150)
	if sel, ok := e.Selected(); !ok || sel.ID != 1 {
		t.Errorf("Expected outer annotation 1, got %+v ok=%v", sel, ok)
	}
}

func TestDrawInsideNonFocusedAnnotation(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "road", 0, 0, 200, 200))

	if err := drawBox(t, e, 20, 20, 90, 90); err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if _, ok := e.Pending(); !ok {
		t.Error("Drawing over an unfocused annotation should create a shape")
	}
}

func TestCancelDiscardsDrawing(t *testing.T) {
	e, _ := newTestEditor(t)

	e.PointerDown(at(e, 10, 10))
	e.PointerMove(at(e, 80, 80))
	v := e.View()
	if v.State != Drawing || v.Preview == nil {
		t.Fatalf("Expected drawing preview, got %+v", v)
	}
	if v.Preview[2] != geometry.Pt(80, 80) {
		t.Errorf("Expected preview corner (80,80), got %v", v.Preview[2])
	}

	e.HandleKey(KeyEscape)
	if e.State() != Idle {
		t.Errorf("Expected Idle after cancel, got %v", e.State())
	}
	e.PointerUp(at(e, 80, 80))
	if _, ok := e.Pending(); ok || len(e.Annotations()) != 0 {
		t.Error("Cancelled drawing must not produce a shape")
	}
}

func TestCornerDragKeepsRectangle(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	click(t, e, 50, 50)

	if err := dragTo(t, e, 10, 10, 0, 5); err != nil {
		t.Fatalf("drag failed: %v", err)
	}
	a, _ := e.Selected()
	want := quad(0, 5, 100, 5, 100, 100, 0, 100)
	if a.Points != want {
		t.Errorf("Expected %v, got %v", want, a.Points)
	}

	if err := dragTo(t, e, 100, 100, 120, 140); err != nil {
		t.Fatalf("drag failed: %v", err)
	}
	a, _ = e.Selected()
	want = quad(0, 5, 120, 5, 120, 140, 0, 140)
	if a.Points != want {
		t.Errorf("Expected %v, got %v", want, a.Points)
	}
}

func TestEdgeDragMovesAlongNormal(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	click(t, e, 50, 50)

	// Midpoint of the right edge, dragged right and a little down.
	if err := dragTo(t, e, 100, 55, 150, 70); err != nil {
		t.Fatalf("drag failed: %v", err)
	}
	a, _ := e.Selected()
	want := quad(10, 10, 150, 10, 150, 100, 10, 100)
	if a.Points != want {
		t.Errorf("Expected %v, got %v", want, a.Points)
	}
}

func TestPolygonCornerMovesOnePoint(t *testing.T) {
	poly := annotation.New(1, "sign", "#3cb44b", annotation.Polygon, quad(50, 10, 100, 50, 50, 100, 10, 50))
	e, _ := newTestEditor(t, poly)
	click(t, e, 50, 50)

	if err := dragTo(t, e, 100, 50, 120, 40); err != nil {
		t.Fatalf("drag failed: %v", err)
	}
	a, _ := e.Selected()
	want := quad(50, 10, 120, 40, 50, 100, 10, 50)
	if a.Points != want {
		t.Errorf("Expected %v, got %v", want, a.Points)
	}

	// Polygon edge drag translates both ends of the edge.
	if err := dragTo(t, e, 30, 30, 25, 20); err != nil {
		t.Fatalf("edge drag failed: %v", err)
	}
	a, _ = e.Selected()
	want = quad(50, 10, 120, 40, 50, 100, 10, 50)
	want[3] = geometry.Pt(5, 40)
	want[0] = geometry.Pt(45, 0)
	if a.Points != want {
		t.Errorf("Expected %v, got %v", want, a.Points)
	}
}

func TestAnchorStaysAfterCornerSwap(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	click(t, e, 50, 50)

	if err := dragTo(t, e, 10, 10, 150, 150); err != nil {
		t.Fatalf("drag failed: %v", err)
	}
	a, _ := e.Selected()
	if a.AnchorIndex != 0 {
		t.Errorf("Anchor must stay cached at 0, got %d", a.AnchorIndex)
	}
	if geometry.AnchorIndex(a.Quad()) == 0 {
		t.Error("Test setup should move vertex 0 away from the top-left")
	}

	v := e.View()
	vp := e.Viewport()
	x, y := vp.ImageToCanvas(150, 150)
	if got := v.Shapes[0].Label; got != geometry.Pt(x, y-DefaultLabelOffset) {
		t.Errorf("Label should follow cached vertex 0, got %v", got)
	}
}

func TestShapeDragAndUndo(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	before := e.Annotations()
	click(t, e, 50, 50)

	e.PointerDown(at(e, 50, 50))
	if e.State() != ShapeDragging {
		t.Fatalf("Expected ShapeDragging, got %v", e.State())
	}
	e.PointerMove(at(e, 60, 70))
	e.PointerMove(at(e, 70, 90))
	e.PointerUp(at(e, 70, 90))

	a, _ := e.Selected()
	if a.Points != quad(30, 50, 120, 50, 120, 140, 30, 140) {
		t.Errorf("Unexpected points after move %v", a.Points)
	}

	if !e.Undo() {
		t.Fatal("Undo failed")
	}
	if !reflect.DeepEqual(e.Annotations(), before) {
		t.Errorf("Undo should restore the original set")
	}
	if !e.Redo() {
		t.Fatal("Redo failed")
	}
	a, _ = e.Selected()
	if a.Points[0] != geometry.Pt(30, 50) {
		t.Errorf("Redo should restore the moved shape, got %v", a.Points)
	}
}

func TestNoOpDragDoesNotSnapshot(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	click(t, e, 50, 50)

	dragTo(t, e, 50, 50, 50, 50)
	if e.View().CanUndo {
		t.Error("A drag that changed nothing must not add history")
	}
}

func TestLockedAnnotationRejectsEdits(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	click(t, e, 50, 50)
	if locked, err := e.ToggleLock(1); err != nil || !locked {
		t.Fatalf("ToggleLock failed: locked=%v err=%v", locked, err)
	}
	before := e.Annotations()

	if err := e.PointerDown(at(e, 10, 10)); !annotation.IsLocked(err) {
		t.Errorf("Expected LockedEntityError on handle, got %v", err)
	}
	if e.State() != Idle {
		t.Errorf("Expected Idle, got %v", e.State())
	}
	if err := e.PointerDown(at(e, 50, 50)); !annotation.IsLocked(err) {
		t.Errorf("Expected LockedEntityError on body, got %v", err)
	}
	if err := e.DeleteSelected(); !annotation.IsLocked(err) {
		t.Errorf("Expected LockedEntityError on delete, got %v", err)
	}
	if err := e.Relabel(1, "bus"); !annotation.IsLocked(err) {
		t.Errorf("Expected LockedEntityError on relabel, got %v", err)
	}
	if !reflect.DeepEqual(before, e.Annotations()) {
		t.Error("Locked annotation changed")
	}
	if len(e.View().Handles) != 0 {
		t.Error("Locked annotation should not expose handles")
	}

	if err := e.HandleKey(KeyLock); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := e.HandleKey(KeyDelete); err != nil {
		t.Errorf("Delete after unlock failed: %v", err)
	}
	if len(e.Annotations()) != 0 {
		t.Error("Expected annotation to be deleted")
	}
}

func TestCommandsRejectedMidDrag(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	click(t, e, 50, 50)

	e.PointerDown(at(e, 50, 50))
	e.PointerMove(at(e, 60, 60))
	if e.State() != ShapeDragging {
		t.Fatalf("Expected ShapeDragging, got %v", e.State())
	}

	if _, err := e.ToggleLock(1); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy on lock, got %v", err)
	}
	if err := e.Relabel(1, "bus"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy on relabel, got %v", err)
	}
	if err := e.DeleteSelected(); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy on delete, got %v", err)
	}

	e.PointerUp(at(e, 60, 60))
	list := e.Annotations()
	if len(list) != 1 || list[0].Locked || list[0].Label != "car" {
		t.Errorf("Expected unlocked car after the drag, got %+v", list)
	}
	if _, err := e.ToggleLock(1); err != nil {
		t.Errorf("ToggleLock after the drag failed: %v", err)
	}
}

func TestCopyPaste(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 100, 100))
	e.ToggleLock(1)
	click(t, e, 50, 50)

	if err := e.HandleKey(KeyCopy); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	pasted, err := e.Paste()
	if err != nil {
		t.Fatalf("Paste failed: %v", err)
	}
	if pasted.ID == 1 || pasted.Locked || pasted.Label != "car" {
		t.Errorf("Unexpected pasted annotation %+v", pasted)
	}
	if pasted.Points[0] != geometry.Pt(20, 20) {
		t.Errorf("Expected offset copy at (20,20), got %v", pasted.Points[0])
	}
	if sel, _ := e.Selected(); sel.ID != pasted.ID {
		t.Error("Pasted annotation should be selected")
	}
	if len(e.Annotations()) != 2 {
		t.Errorf("Expected 2 annotations, got %d", len(e.Annotations()))
	}

	e.Undo()
	if len(e.Annotations()) != 1 {
		t.Error("Undo should remove the pasted annotation")
	}
}

func TestPanAndWheelPersistViewport(t *testing.T) {
	e, p := newTestEditor(t)

	e.PointerDown(PointerEvent{X: 10, Y: 10, Pan: true})
	if e.State() != Panning {
		t.Fatalf("Expected Panning, got %v", e.State())
	}
	e.PointerMove(PointerEvent{X: 30, Y: 25})
	e.PointerUp(PointerEvent{X: 40, Y: 30})

	vp := e.Viewport()
	if vp.PanX != 130 || vp.PanY != 120 {
		t.Errorf("Expected pan (130,120), got (%v,%v)", vp.PanX, vp.PanY)
	}

	e.Wheel(PointerEvent{X: 200, Y: 200}, -1)
	if e.Viewport().Zoom <= 1 {
		t.Errorf("Expected zoom in, got %v", e.Viewport().Zoom)
	}

	e.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.viewports) == 0 {
		t.Fatal("Expected the viewport to be saved")
	}
	if last := p.viewports[len(p.viewports)-1]; last != e.Viewport() {
		t.Errorf("Expected last saved viewport %+v, got %+v", e.Viewport(), last)
	}
}

func TestSupersededSavesAreDropped(t *testing.T) {
	e, p := newTestEditor(t)
	e.SetQuickLabel(true)
	drawBox(t, e, 10, 10, 50, 50)
	e.AssignLabel("car")
	for i := 0; i < 5; i++ {
		x := float64(60 + i*40)
		drawBox(t, e, x, 60, x+22, 90)
	}
	e.Wait()

	last, ok := p.lastSave()
	if !ok || len(last.records) != 6 {
		t.Errorf("Expected the newest set of 6 to be saved last, got %d", len(last.records))
	}
}

func TestPersistErrorsAreLoggedOnly(t *testing.T) {
	e, p := newTestEditor(t)
	p.err = errors.New("disk full")

	drawBox(t, e, 10, 10, 100, 100)
	if err := e.AssignLabel("car"); err != nil {
		t.Errorf("Persistence failure must not surface, got %v", err)
	}
	e.Wait()
	if len(e.Annotations()) != 1 {
		t.Error("Local state should keep the annotation")
	}
}

func TestSwitchImageKeepsOutgoingSet(t *testing.T) {
	e, _ := newTestEditor(t)
	drawBox(t, e, 10, 10, 100, 100)
	e.AssignLabel("car")

	e.SwitchImage(Image{ID: "img-2", Width: 100, Height: 50})
	if e.ImageID() != "img-2" || len(e.Annotations()) != 0 {
		t.Fatalf("Expected empty img-2, got %s with %d", e.ImageID(), len(e.Annotations()))
	}
	if e.Viewport().PanY == 100 {
		t.Error("Viewport should be refitted for the new image")
	}

	// Stale stored data for img-1 loses to the set kept in memory.
	e.SwitchImage(Image{ID: "img-1", Width: 200, Height: 200})
	list := e.Annotations()
	if len(list) != 1 || list[0].Label != "car" {
		t.Errorf("Expected img-1 annotations back, got %+v", list)
	}
}

func TestEditorUndoRedoSymmetry(t *testing.T) {
	e, _ := newTestEditor(t, rect(1, "car", 10, 10, 60, 60))
	initial := e.Annotations()

	drawBox(t, e, 100, 100, 150, 150)
	e.AssignLabel("bus")
	click(t, e, 30, 30)
	dragTo(t, e, 30, 30, 40, 45)
	e.Relabel(1, "truck")
	e.Copy()
	e.Paste()
	click(t, e, 120, 120)
	e.DeleteSelected()
	final := e.Annotations()

	const n = 5
	for i := 0; i < n; i++ {
		if !e.Undo() {
			t.Fatalf("Undo %d failed", i)
		}
	}
	if e.Undo() {
		t.Error("Expected to be at the start of history")
	}
	if !reflect.DeepEqual(e.Annotations(), initial) {
		t.Errorf("Undo should restore the initial set:\n%+v\n%+v", e.Annotations(), initial)
	}
	for i := 0; i < n; i++ {
		e.Redo()
	}
	if !reflect.DeepEqual(e.Annotations(), final) {
		t.Errorf("Redo should restore the final set")
	}
}
