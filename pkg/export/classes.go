package export

// ClassMap assigns integer ids to labels in first-seen order.
type ClassMap struct {
	ids   map[string]int
	names []string
}

// NewClassMap creates an empty mapping.
func NewClassMap() *ClassMap {
	return &ClassMap{ids: make(map[string]int)}
}

// Add returns the id of label, assigning the next one if it is new.
func (m *ClassMap) Add(label string) int {
	if id, ok := m.ids[label]; ok {
		return id
	}
	id := len(m.names)
	m.ids[label] = id
	m.names = append(m.names, label)
	return id
}

// ID looks up the id of a known label.
func (m *ClassMap) ID(label string) (int, bool) {
	id, ok := m.ids[label]
	return id, ok
}

// Names returns the labels in id order.
func (m *ClassMap) Names() []string {
	return append([]string(nil), m.names...)
}

// Len returns the number of classes.
func (m *ClassMap) Len() int {
	return len(m.names)
}

// buildClassMap walks images in stored order and their annotations in stored
// order. Repeated exports of an unchanged project get the same ids.
func buildClassMap(entries []entry) *ClassMap {
	m := NewClassMap()
	for _, en := range entries {
		for _, rec := range en.records {
			m.Add(rec.Label)
		}
	}
	return m
}
