// Package store reads trained model parameters from disk.
package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// Open opens a parameter store, choosing the reader by file extension and
// falling back to sniffing the first bytes.
func Open(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npz":
		return OpenNPZ(path)
	case ".safetensors":
		return OpenSafeTensors(path)
	}

	//nolint:gosec // G304: model paths are user supplied by design
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model %q: %w", path, err)
	}
	head := make([]byte, 4)
	_, err = io.ReadFull(f, head)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("reading model %q: %w", path, err)
	}

	if bytes.HasPrefix(head, []byte("PK")) {
		return OpenNPZ(path)
	}
	return OpenSafeTensors(path)
}

// Map is an in-memory Store.
type Map map[string]*tensor.Tensor

var _ Store = Map(nil)

func (m Map) Close() error {
	return nil
}

func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m Map) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q: %w", name, os.ErrNotExist)
	}
	return t, nil
}
