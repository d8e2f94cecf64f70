// Package editor implements the interactive annotation session: pointer
// events drive a small state machine that hit-tests, draws, resizes and moves
// quads, records undo history and hands changes to a persistence collaborator.
package editor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/geometry"
	"github.com/menta2k/image-annotator/pkg/history"
	"github.com/menta2k/image-annotator/pkg/types"
	"github.com/menta2k/image-annotator/pkg/viewport"
)

// State is the interaction state.
type State int

const (
	Idle State = iota
	Drawing
	HandleDragging
	ShapeDragging
	Panning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Drawing:
		return "drawing"
	case HandleDragging:
		return "handle-dragging"
	case ShapeDragging:
		return "shape-dragging"
	case Panning:
		return "panning"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Persister stores annotation sets and viewports. Calls are made from
// background goroutines and never waited on by the state machine.
type Persister interface {
	SaveAnnotations(ctx context.Context, imageID string, records []types.AnnotationRecord, origin string) error
	SaveViewport(ctx context.Context, imageID string, vp viewport.Viewport) error
}

// Options configures an Editor. Zero values take the defaults below.
type Options struct {
	DrawThreshold  float64 // image px, both sides must exceed it
	ClickSlop      float64 // canvas px, a draw shorter than this is a click
	HandleRadius   float64 // canvas px
	LabelOffset    float64 // canvas px
	PasteOffset    float64 // image px
	HistoryLimit   int
	QuickLabel     bool
	Palette        []string
	PersistTimeout time.Duration
	Persister      Persister
	Logger         *log.Logger
}

const (
	DefaultDrawThreshold  = 20
	DefaultClickSlop      = 3
	DefaultHandleRadius   = 8
	DefaultLabelOffset    = 6
	DefaultPasteOffset    = 10
	DefaultPersistTimeout = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.DrawThreshold <= 0 {
		o.DrawThreshold = DefaultDrawThreshold
	}
	if o.ClickSlop <= 0 {
		o.ClickSlop = DefaultClickSlop
	}
	if o.HandleRadius <= 0 {
		o.HandleRadius = DefaultHandleRadius
	}
	if o.LabelOffset <= 0 {
		o.LabelOffset = DefaultLabelOffset
	}
	if o.PasteOffset <= 0 {
		o.PasteOffset = DefaultPasteOffset
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = history.DefaultLimit
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Image is what the editor needs to open an image.
type Image struct {
	ID          string
	Width       int
	Height      int
	Annotations []annotation.Annotation
	// Viewport is the last saved view, applied after the fit when set.
	Viewport *viewport.Viewport
}

// drag holds everything a drag computes from; moves never accumulate.
type drag struct {
	id     int64
	handle geometry.Handle
	start  [4]geometry.Point
	origin geometry.Point // image space
	kind   annotation.Kind
}

// Editor is one annotation session. All methods are safe to call from
// several goroutines; state transitions are serialized.
type Editor struct {
	mu sync.Mutex

	ctx       context.Context
	opts      Options
	logger    *log.Logger
	sessionID string

	vp       viewport.Viewport
	store    *annotation.Store
	history  *history.History
	palette  *annotation.Palette
	ids      *annotation.IDSource
	cache    map[string][]annotation.Annotation
	image    Image
	boxW     float64
	boxH     float64
	state    State
	selected int64

	drawStart  geometry.Point
	drawCanvas geometry.Point
	drawEnd    geometry.Point
	drag       drag
	panLast    geometry.Point
	pending    *annotation.Annotation
	lastLabel  string
	clipboard  *annotation.Annotation
	queued     []RemoteUpdate

	wg       sync.WaitGroup
	writeMu  sync.Mutex
	latestMu sync.Mutex
	seq      uint64
	latest   map[saveKey]uint64
}

type saveKey struct {
	what    string
	imageID string
}

// New creates an editor. ctx bounds background persistence calls.
func New(ctx context.Context, opts Options) *Editor {
	opts = opts.withDefaults()
	return &Editor{
		ctx:       ctx,
		opts:      opts,
		logger:    opts.Logger,
		sessionID: uuid.NewString(),
		vp:        viewport.New(),
		store:     annotation.NewStore(nil),
		history:   history.New(opts.HistoryLimit),
		palette:   annotation.NewPalette(opts.Palette),
		ids:       annotation.NewIDSource(),
		cache:     make(map[string][]annotation.Annotation),
		latest:    make(map[saveKey]uint64),
	}
}

// SessionID identifies this editor in persisted and remote updates.
func (e *Editor) SessionID() string {
	return e.sessionID
}

// Open loads an image into an empty session and fits it to the container.
func (e *Editor) Open(img Image, containerW, containerH float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.load(img, containerW, containerH)
}

// SwitchImage moves to another image. The outgoing set is kept in the
// per-image map first, and an image visited earlier in the session comes
// back from that map rather than from img.Annotations.
func (e *Editor) SwitchImage(img Image) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.finishInteraction()
	if e.image.ID != "" {
		e.cache[e.image.ID] = e.store.All()
	}
	if cached, ok := e.cache[img.ID]; ok {
		img.Annotations = cached
	}
	e.load(img, e.boxW, e.boxH)
}

func (e *Editor) load(img Image, containerW, containerH float64) {
	e.image = img
	e.boxW, e.boxH = containerW, containerH
	e.store.Replace(img.Annotations)
	for _, a := range img.Annotations {
		e.ids.Observe(a.ID)
	}
	e.state = Idle
	e.selected = 0
	e.pending = nil
	e.queued = nil

	e.vp.Reset()
	e.vp.FitToContainer(float64(img.Width), float64(img.Height), containerW, containerH)
	if img.Viewport != nil && img.Viewport.Zoom > 0 {
		e.vp = *img.Viewport
		e.vp.Zoom = math.Min(math.Max(e.vp.Zoom, viewport.MinZoom), viewport.MaxZoom)
	}

	e.history.Reset()
	e.history.Snapshot(e.store.All(), 0)
}

// Resize refits the current image to a new container size.
func (e *Editor) Resize(containerW, containerH float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.boxW, e.boxH = containerW, containerH
	e.vp.FitToContainer(float64(e.image.Width), float64(e.image.Height), containerW, containerH)
}

// ImageID returns the id of the open image.
func (e *Editor) ImageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.image.ID
}

// State returns the current interaction state.
func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Viewport returns the current transform.
func (e *Editor) Viewport() viewport.Viewport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vp
}

// Annotations returns a copy of the open image's annotations.
func (e *Editor) Annotations() []annotation.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.All()
}

// Selected returns the focused annotation.
func (e *Editor) Selected() (annotation.Annotation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == 0 {
		return annotation.Annotation{}, false
	}
	return e.store.Get(e.selected)
}

// Select focuses an annotation by id; 0 clears the selection.
func (e *Editor) Select(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == 0 {
		e.selected = 0
		return true
	}
	if _, ok := e.store.Get(id); !ok {
		return false
	}
	e.selected = id
	return true
}

// Pending returns the shape waiting for a label, if any.
func (e *Editor) Pending() (annotation.Annotation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return annotation.Annotation{}, false
	}
	return *e.pending, true
}

// SetQuickLabel turns quick-label mode on or off.
func (e *Editor) SetQuickLabel(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.QuickLabel = on
}

// Wait blocks until dispatched persistence calls have returned.
func (e *Editor) Wait() {
	e.wg.Wait()
}

// finishInteraction brings the machine back to Idle before the image
// changes. Drags complete; drawings and pending shapes are dropped.
func (e *Editor) finishInteraction() {
	switch e.state {
	case HandleDragging, ShapeDragging:
		e.endDrag()
		e.state = Idle
		e.flushRemote()
	case Panning:
		e.saveViewport()
	}
	e.state = Idle
	e.pending = nil
}

// commit records the store as a new history entry and persists it.
func (e *Editor) commit() {
	e.history.Snapshot(e.store.All(), e.selected)
	e.saveAnnotations()
}

func (e *Editor) saveAnnotations() {
	p := e.opts.Persister
	if p == nil || e.image.ID == "" {
		return
	}
	imageID := e.image.ID
	records := annotation.Records(e.store.All())
	e.dispatch("save annotations", imageID, func(ctx context.Context) error {
		return p.SaveAnnotations(ctx, imageID, records, e.sessionID)
	})
}

func (e *Editor) saveViewport() {
	p := e.opts.Persister
	if p == nil || e.image.ID == "" {
		return
	}
	imageID := e.image.ID
	vp := e.vp
	e.dispatch("save viewport", imageID, func(ctx context.Context) error {
		return p.SaveViewport(ctx, imageID, vp)
	})
}

// dispatch runs a save in the background. Saves are written one at a time,
// and a save superseded by a newer one for the same image is dropped, so a
// slow goroutine never overwrites newer state.
func (e *Editor) dispatch(what, imageID string, fn func(ctx context.Context) error) {
	key := saveKey{what, imageID}
	e.latestMu.Lock()
	e.seq++
	seq := e.seq
	e.latest[key] = seq
	e.latestMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writeMu.Lock()
		defer e.writeMu.Unlock()

		e.latestMu.Lock()
		stale := e.latest[key] != seq
		e.latestMu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(e.ctx, e.opts.PersistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Printf("%s for image %s: %v", what, imageID, err)
		}
	}()
}
