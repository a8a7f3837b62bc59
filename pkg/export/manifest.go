package export

import (
	"encoding/json"
	"strings"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// Manifest lists the exported entries in traversal order.
type Manifest struct {
	Entries []*Entry
}

// Text returns the declarations, two lines per entry.
func (m *Manifest) Text() string {
	var b strings.Builder
	for _, e := range m.Entries {
		b.WriteString(e.Declaration)
		b.WriteString("\n")
	}
	return b.String()
}

type jsonEntry struct {
	Name  string       `json:"name"`
	File  string       `json:"file"`
	Shape tensor.Shape `json:"shape"`
}

// MarshalJSON encodes the manifest as a list of {name, file, shape} objects.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	out := make([]jsonEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, jsonEntry{Name: e.Name, File: e.FileName(), Shape: e.Tensor.Shape()})
	}
	return json.MarshalIndent(out, "", "  ")
}

// Names returns the entry names in order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		names[i] = e.Name
	}
	return names
}
