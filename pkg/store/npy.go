package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// NPY format:
// [6 bytes: "\x93NUMPY"] [1 byte major] [1 byte minor]
// [2 bytes (v1) or 4 bytes (v2, v3): header_len, little-endian]
// [header_len bytes: python dict literal, space padded, newline terminated]
// [raw array data]

var npyMagic = []byte("\x93NUMPY")

var (
	npyDescrRE   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	npyFortranRE = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	npyShapeRE   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

type npyHeader struct {
	descr   string
	fortran bool
	shape   tensor.Shape
}

func readNPYHeader(r io.Reader) (*npyHeader, error) {
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("reading npy magic: %w", err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return nil, fmt.Errorf("not an npy array (bad magic)")
	}

	var headerLen uint32
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("reading npy header length: %w", err)
		}
		headerLen = uint32(n)
	case 2, 3:
		if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
			return nil, fmt.Errorf("reading npy header length: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}

	if headerLen > 1<<20 {
		return nil, fmt.Errorf("invalid npy header size: %d (too large)", headerLen)
	}
	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading npy header: %w", err)
	}
	return parseNPYHeader(string(raw))
}

func parseNPYHeader(s string) (*npyHeader, error) {
	h := &npyHeader{}

	m := npyDescrRE.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("npy header %q has no descr", s)
	}
	h.descr = m[1]

	if m := npyFortranRE.FindStringSubmatch(s); m != nil {
		h.fortran = m[1] == "True"
	}

	m = npyShapeRE.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("npy header %q has no shape", s)
	}
	for _, field := range strings.Split(m[1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		dim, err := strconv.Atoi(strings.TrimSuffix(field, "L"))
		if err != nil {
			return nil, fmt.Errorf("parsing npy shape %q: %w", m[1], err)
		}
		h.shape = append(h.shape, dim)
	}
	if err := h.shape.Validate(); err != nil {
		return nil, fmt.Errorf("npy shape %v: %w", h.shape, err)
	}
	return h, nil
}

// dataSize returns the number of elements and bytes of an array, failing if
// the byte count overflows or exceeds limit. A negative limit means no limit.
func dataSize(shape tensor.Shape, size int, limit int64) (int, int, error) {
	n := 1
	for _, dim := range shape {
		if dim > math.MaxInt/size/n {
			return 0, 0, fmt.Errorf("npy shape %v is too large", shape)
		}
		n *= dim
	}
	nbytes := n * size
	if limit >= 0 && int64(nbytes) > limit {
		return 0, 0, fmt.Errorf("npy shape %v needs %d bytes but the entry holds %d", shape, nbytes, limit)
	}
	return n, nbytes, nil
}

// readNPY decodes a whole .npy stream into a float32 tensor.
// Integer and float64 arrays are converted; Fortran-ordered arrays are reordered
// to row-major. limit bounds the data size in bytes; negative means unbounded.
func readNPY(r io.Reader, limit int64) (*tensor.Tensor, error) {
	h, err := readNPYHeader(r)
	if err != nil {
		return nil, err
	}

	order, kind, size, err := parseDescr(h.descr)
	if err != nil {
		return nil, err
	}

	shape := h.shape
	if h.fortran {
		shape = reversed(shape)
	}

	n, nbytes, err := dataSize(shape, size, limit)
	if err != nil {
		return nil, err
	}
	data := make([]byte, nbytes)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading npy data (%d elements of %s): %w", n, h.descr, err)
	}

	t, err := decodeElements(shape, data, order, kind, size)
	if err != nil {
		return nil, err
	}

	if h.fortran && len(shape) > 1 {
		axes := make([]int, len(shape))
		for i := range axes {
			axes[i] = len(shape) - 1 - i
		}
		return t.Transpose(axes...)
	}
	return t, nil
}

func parseDescr(descr string) (binary.ByteOrder, byte, int, error) {
	if len(descr) < 3 {
		return nil, 0, 0, fmt.Errorf("unsupported npy dtype %q", descr)
	}
	var order binary.ByteOrder
	switch descr[0] {
	case '<', '|':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	case '=':
		order = binary.NativeEndian
	default:
		return nil, 0, 0, fmt.Errorf("unsupported npy byte order in %q", descr)
	}
	size, err := strconv.Atoi(descr[2:])
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unsupported npy dtype %q", descr)
	}
	kind := descr[1]
	switch {
	case kind == 'f' && (size == 4 || size == 8):
	case (kind == 'i' || kind == 'u') && (size == 1 || size == 4 || size == 8):
	default:
		return nil, 0, 0, fmt.Errorf("unsupported npy dtype %q", descr)
	}
	return order, kind, size, nil
}

func decodeElements(shape tensor.Shape, data []byte, order binary.ByteOrder, kind byte, size int) (*tensor.Tensor, error) {
	switch {
	case kind == 'f' && size == 4:
		return tensor.FromBytes(shape, data, order)
	case kind == 'f' && size == 8:
		return tensor.FromFloat64Bytes(shape, data, order)
	}

	values := make([]float32, len(data)/size)
	for i := range values {
		b := data[i*size:]
		switch {
		case size == 1 && kind == 'i':
			values[i] = float32(int8(b[0]))
		case size == 1:
			values[i] = float32(b[0])
		case size == 4 && kind == 'i':
			values[i] = float32(int32(order.Uint32(b)))
		case size == 4:
			values[i] = float32(order.Uint32(b))
		case kind == 'i':
			values[i] = float32(int64(order.Uint64(b)))
		default:
			values[i] = float32(order.Uint64(b))
		}
	}
	return tensor.New(shape, values)
}

func reversed(s tensor.Shape) tensor.Shape {
	out := make(tensor.Shape, len(s))
	for i, dim := range s {
		out[len(s)-1-i] = dim
	}
	return out
}
