package editor

import (
	"github.com/menta2k/image-annotator/pkg/annotation"
	"github.com/menta2k/image-annotator/pkg/types"
)

// RemoteUpdate is a full annotation set for one image pushed by another
// session. Origin is the writer's session id.
type RemoteUpdate struct {
	ImageID     string
	Origin      string
	Annotations []types.AnnotationRecord
}

// ApplyRemoteUpdate takes an update from the real-time channel. Echoes of
// this session's own writes are ignored. Updates for other images replace
// their entry in the per-image map. For the open image the update is applied
// at once, or queued while a drag is in flight and applied when it ends;
// the last update wins.
func (e *Editor) ApplyRemoteUpdate(u RemoteUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if u.Origin != "" && u.Origin == e.sessionID {
		return
	}
	if u.ImageID != e.image.ID {
		e.cache[u.ImageID] = e.decode(u)
		return
	}
	if e.state == HandleDragging || e.state == ShapeDragging {
		e.logger.Printf("image %s: remote update queued until the drag ends", u.ImageID)
		e.queued = append(e.queued, u)
		return
	}
	e.applyRemote(u)
}

// QueuedRemote returns the number of updates waiting for the drag to end.
func (e *Editor) QueuedRemote() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queued)
}

// flushRemote applies updates queued during a drag and persists the result,
// so the saved set matches the live store after the drag's own commit.
func (e *Editor) flushRemote() {
	queued := e.queued
	e.queued = nil
	if len(queued) == 0 {
		return
	}
	for _, u := range queued {
		e.applyRemote(u)
	}
	e.saveAnnotations()
}

func (e *Editor) applyRemote(u RemoteUpdate) {
	list := e.decode(u)
	e.store.Replace(list)
	if _, ok := e.store.Get(e.selected); !ok {
		e.selected = 0
	}
	e.history.Snapshot(e.store.All(), e.selected)
}

func (e *Editor) decode(u RemoteUpdate) []annotation.Annotation {
	list := make([]annotation.Annotation, 0, len(u.Annotations))
	for _, rec := range u.Annotations {
		a, err := annotation.FromRecord(rec)
		if err != nil {
			e.logger.Printf("image %s: skipping remote annotation %d: %v", u.ImageID, rec.ID, err)
			continue
		}
		e.ids.Observe(a.ID)
		list = append(list, a)
	}
	return list
}
