package export

import "fmt"

// IOError records one item the export skipped. Annotation is the index of
// the skipped annotation within its image, or -1 when the whole image was
// skipped.
type IOError struct {
	ImageID    string
	Path       string
	Annotation int
	Err        error
}

func (e *IOError) Error() string {
	if e.Annotation >= 0 {
		return fmt.Sprintf("image %s: annotation %d: %v", e.ImageID, e.Annotation, e.Err)
	}
	return fmt.Sprintf("image %s (%s): %v", e.ImageID, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
