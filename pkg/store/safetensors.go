package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

type safeTensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end]
}

// SafeTensorsReader reads .safetensors files holding F32 or F64 tensors.
type SafeTensorsReader struct {
	file       *os.File
	tensors    map[string]safeTensorInfo
	names      []string
	dataOffset int64
	fileSize   int64
}

var _ Store = (*SafeTensorsReader)(nil)

// OpenSafeTensors opens a .safetensors file and parses its header.
func OpenSafeTensors(path string) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: model paths are user supplied by design
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening safetensors file %q: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat safetensors file %q: %w", path, err)
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("reading header size: %w", err)
	}
	if headerSize > 100*1024*1024 {
		_ = file.Close()
		return nil, fmt.Errorf("invalid header size: %d (too large)", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawMap); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("parsing header JSON: %w", err)
	}

	r := &SafeTensorsReader{
		file:       file,
		tensors:    make(map[string]safeTensorInfo, len(rawMap)),
		dataOffset: int64(8 + headerSize), //nolint:gosec // G115: bounded above
		fileSize:   stat.Size(),
	}
	for key, value := range rawMap {
		if key == "__metadata__" {
			continue
		}
		var info safeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("parsing header entry for tensor %q: %w", key, err)
		}
		r.tensors[key] = info
		r.names = append(r.names, key)
	}
	sort.Strings(r.names)
	return r, nil
}

// Close closes the file.
func (r *SafeTensorsReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Names returns the tensor names.
func (r *SafeTensorsReader) Names() []string {
	return r.names
}

// Tensor reads the named tensor.
func (r *SafeTensorsReader) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q: %w", name, os.ErrNotExist)
	}

	size := info.DataOffsets[1] - info.DataOffsets[0]
	if size < 0 || info.DataOffsets[0] < 0 || r.dataOffset+info.DataOffsets[1] > r.fileSize {
		return nil, fmt.Errorf("invalid data offsets for tensor %q: %v", name, info.DataOffsets)
	}

	data := make([]byte, size)
	if _, err := r.file.ReadAt(data, r.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("reading data for tensor %q: %w", name, err)
	}

	shape := tensor.Shape(info.Shape)
	switch info.DType {
	case "F32":
		return tensor.FromBytes(shape, data, binary.LittleEndian)
	case "F64":
		return tensor.FromFloat64Bytes(shape, data, binary.LittleEndian)
	default:
		return nil, fmt.Errorf("tensor %q has unsupported dtype %s", name, info.DType)
	}
}
