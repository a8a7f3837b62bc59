package store

import (
	"archive/zip"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// NPZReader reads the zip-of-npy archives written by numpy.savez and
// chainer.serializers.save_npz.
type NPZReader struct {
	zip   *zip.ReadCloser
	files map[string]*zip.File
	names []string
}

var _ Store = (*NPZReader)(nil)

// OpenNPZ opens an .npz archive.
func OpenNPZ(path string) (*NPZReader, error) {
	//nolint:gosec // G304: model paths are user supplied by design
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening npz archive %q: %w", path, err)
	}

	r := &NPZReader{
		zip:   zr,
		files: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimSuffix(f.Name, ".npy")
		if _, dup := r.files[name]; dup {
			_ = zr.Close()
			return nil, fmt.Errorf("npz archive %q has duplicate entry %q", path, name)
		}
		r.files[name] = f
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Close closes the archive.
func (r *NPZReader) Close() error {
	if r.zip != nil {
		return r.zip.Close()
	}
	return nil
}

// Names returns the array names without the .npy suffix.
func (r *NPZReader) Names() []string {
	return r.names
}

// Tensor decodes the named array.
func (r *NPZReader) Tensor(name string) (*tensor.Tensor, error) {
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q: %w", name, os.ErrNotExist)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening npz entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	limit := int64(-1)
	if f.UncompressedSize64 <= math.MaxInt64 {
		limit = int64(f.UncompressedSize64)
	}
	t, err := readNPY(rc, limit)
	if err != nil {
		return nil, fmt.Errorf("decoding npz entry %q: %w", f.Name, err)
	}
	return t, nil
}
