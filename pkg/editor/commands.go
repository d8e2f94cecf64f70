package editor

import (
	"errors"
	"fmt"

	"github.com/menta2k/image-annotator/pkg/annotation"
)

// ErrNoPending is returned by AssignLabel when no shape is waiting for a label.
var ErrNoPending = errors.New("no shape is waiting for a label")

// ErrNoSelection is returned by commands that act on the selected annotation.
var ErrNoSelection = errors.New("no annotation selected")

// ErrBusy is returned by commands issued while a pointer interaction is in
// progress.
var ErrBusy = errors.New("editor is busy")

func (e *Editor) requireIdle() error {
	if e.state != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, e.state)
	}
	return nil
}

// AssignLabel finishes the shape created by the last draw. An empty label
// discards the shape and returns a *annotation.ValidationError.
func (e *Editor) AssignLabel(label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return ErrNoPending
	}
	a := *e.pending
	e.pending = nil
	if label == "" {
		return &annotation.ValidationError{Reason: "label must not be empty"}
	}
	a.Label = label
	return e.insert(a)
}

// DeleteSelected removes the focused annotation.
func (e *Editor) DeleteSelected() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle(); err != nil {
		return err
	}
	if e.selected == 0 {
		return ErrNoSelection
	}
	found, err := e.store.Remove(e.selected)
	if err != nil {
		return err
	}
	e.selected = 0
	if found {
		e.commit()
	}
	return nil
}

// Relabel changes an annotation's label and makes it the quick label.
func (e *Editor) Relabel(id int64, label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle(); err != nil {
		return err
	}
	if err := e.store.Update(id, annotation.Patch{Label: &label}); err != nil {
		return err
	}
	e.lastLabel = label
	e.commit()
	return nil
}

// ToggleLock flips the lock of an annotation and returns the new value.
func (e *Editor) ToggleLock(id int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle(); err != nil {
		return false, err
	}
	a, ok := e.store.Get(id)
	if !ok {
		return false, annotation.ErrNotFound
	}
	if err := e.store.SetLocked(id, !a.Locked); err != nil {
		return a.Locked, err
	}
	e.commit()
	return !a.Locked, nil
}

// Copy puts the focused annotation on the clipboard.
func (e *Editor) Copy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.store.Get(e.selected)
	if !ok {
		return ErrNoSelection
	}
	e.clipboard = &a
	return nil
}

// Paste inserts a copy of the clipboard shape with a fresh id, shifted by the
// paste offset and unlocked. The clipboard survives image switches.
func (e *Editor) Paste() (annotation.Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clipboard == nil {
		return annotation.Annotation{}, errors.New("clipboard is empty")
	}
	if e.state != Idle {
		return annotation.Annotation{}, errors.New("cannot paste while " + e.state.String())
	}
	src := *e.clipboard
	off := e.opts.PasteOffset
	a := annotation.New(e.ids.Next(), src.Label, src.Color, src.Kind, src.Translate(off, off))
	if err := e.insert(a); err != nil {
		return annotation.Annotation{}, err
	}
	return a, nil
}

// Undo restores the previous history entry. It does nothing mid-interaction
// or at the start of history.
func (e *Editor) Undo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle {
		return false
	}
	snap, ok := e.history.Undo()
	if !ok {
		return false
	}
	e.restore(snap.Annotations, snap.SelectedID)
	return true
}

// Redo re-applies the next history entry.
func (e *Editor) Redo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle {
		return false
	}
	snap, ok := e.history.Redo()
	if !ok {
		return false
	}
	e.restore(snap.Annotations, snap.SelectedID)
	return true
}

func (e *Editor) restore(list []annotation.Annotation, selected int64) {
	e.store.Replace(list)
	e.pending = nil
	e.selected = 0
	if _, ok := e.store.Get(selected); ok {
		e.selected = selected
	}
	e.saveAnnotations()
}

// Key is a keyboard command.
type Key int

const (
	KeyEscape Key = iota
	KeyDelete
	KeyUndo
	KeyRedo
	KeyCopy
	KeyPaste
	KeyLock
)

// HandleKey runs the command bound to k.
func (e *Editor) HandleKey(k Key) error {
	switch k {
	case KeyEscape:
		e.Cancel()
	case KeyDelete:
		return e.DeleteSelected()
	case KeyUndo:
		e.Undo()
	case KeyRedo:
		e.Redo()
	case KeyCopy:
		return e.Copy()
	case KeyPaste:
		_, err := e.Paste()
		return err
	case KeyLock:
		a, ok := e.Selected()
		if !ok {
			return ErrNoSelection
		}
		_, err := e.ToggleLock(a.ID)
		return err
	}
	return nil
}
