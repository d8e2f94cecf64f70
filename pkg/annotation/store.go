package annotation

import (
	"fmt"

	"github.com/menta2k/image-annotator/pkg/geometry"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Label  *string
	Color  *string
	Points *[4]geometry.Point
}

// Store is the ordered annotation set of the image currently open. It is not
// safe for concurrent use; the editor owns it on a single goroutine.
type Store struct {
	items []Annotation
}

// NewStore creates a store holding a copy of the given annotations.
func NewStore(initial []Annotation) *Store {
	s := &Store{}
	s.Replace(initial)
	return s
}

// Add appends an annotation. The id must be unused and the label non-empty.
func (s *Store) Add(a Annotation) error {
	if a.Label == "" {
		return &ValidationError{Reason: "label must not be empty"}
	}
	if s.index(a.ID) >= 0 {
		return fmt.Errorf("duplicate annotation id %d", a.ID)
	}
	s.items = append(s.items, a)
	return nil
}

// Remove deletes an annotation. A missing id is a no-op reported as false;
// a locked annotation is left in place and a LockedEntityError returned.
func (s *Store) Remove(id int64) (bool, error) {
	i := s.index(id)
	if i < 0 {
		return false, nil
	}
	if s.items[i].Locked {
		return false, &LockedEntityError{ID: id}
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true, nil
}

// Update applies a patch. Locked annotations reject every patch unchanged.
func (s *Store) Update(id int64, patch Patch) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("update %d: %w", id, ErrNotFound)
	}
	a := &s.items[i]
	if a.Locked {
		return &LockedEntityError{ID: id}
	}
	if patch.Label != nil {
		if *patch.Label == "" {
			return &ValidationError{Reason: "label must not be empty"}
		}
		a.Label = *patch.Label
	}
	if patch.Color != nil {
		a.Color = *patch.Color
	}
	if patch.Points != nil {
		a.Points = *patch.Points
	}
	return nil
}

// SetLocked toggles the lock flag, the one change a locked annotation accepts.
func (s *Store) SetLocked(id int64, locked bool) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("lock %d: %w", id, ErrNotFound)
	}
	s.items[i].Locked = locked
	return nil
}

// Get returns the annotation with the given id.
func (s *Store) Get(id int64) (Annotation, bool) {
	i := s.index(id)
	if i < 0 {
		return Annotation{}, false
	}
	return s.items[i], true
}

// All returns a copy of the annotations in stored order.
func (s *Store) All() []Annotation {
	out := make([]Annotation, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of annotations.
func (s *Store) Len() int {
	return len(s.items)
}

// Replace swaps the whole set for a copy of list.
func (s *Store) Replace(list []Annotation) {
	s.items = make([]Annotation, len(list))
	copy(s.items, list)
}

// FindAt returns the annotation a click at p selects: the innermost of
// nested shapes, otherwise the one whose centroid is nearest.
func (s *Store) FindAt(p geometry.Point) (Annotation, bool) {
	shapes := make([][]geometry.Point, len(s.items))
	for i, a := range s.items {
		shapes[i] = a.Quad()
	}
	i := geometry.Resolve(p, shapes)
	if i < 0 {
		return Annotation{}, false
	}
	return s.items[i], true
}

func (s *Store) index(id int64) int {
	for i, a := range s.items {
		if a.ID == id {
			return i
		}
	}
	return -1
}
