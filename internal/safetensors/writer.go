package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/hypercol/internal/tensor"
)

// Writer collects F32 tensors and writes them as one safetensors file.
// Tensors are laid out in name order so output is reproducible.
type Writer struct {
	tensors map[string]pending
	meta    map[string]string
}

type pending struct {
	shape []int
	data  []float32
}

func NewWriter() *Writer {
	return &Writer{tensors: make(map[string]pending)}
}

// Add stages a blob under name, keeping its full NCHW shape. The data is
// referenced, not copied, until Write returns.
func (w *Writer) Add(name string, b *tensor.Blob) {
	w.AddF32(name, b.Shape.Dims(), b.Data)
}

// AddF32 stages raw float32 data with an arbitrary shape.
func (w *Writer) AddF32(name string, shape []int, data []float32) {
	w.tensors[name] = pending{shape: append([]int(nil), shape...), data: data}
}

func (w *Writer) AddMeta(key, value string) {
	if w.meta == nil {
		w.meta = make(map[string]string)
	}
	w.meta[key] = value
}

// WriteTo writes the container to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(w.meta) > 0 {
		header["__metadata__"] = w.meta
	}
	var off int64
	for _, name := range names {
		p := w.tensors[name]
		n, err := numElements(p.shape)
		if err != nil {
			return 0, fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(p.data) {
			return 0, fmt.Errorf("tensor %s: shape %v wants %d values, got %d", name, p.shape, n, len(p.data))
		}
		size := int64(n) * 4
		header[name] = tensorHeader{DType: "F32", Shape: p.shape, DataOffsets: []int64{off, off + size}}
		off += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	// Pad the header with spaces so the data section is 8-byte aligned.
	if pad := (8 - len(headerBytes)%8) % 8; pad > 0 {
		for range pad {
			headerBytes = append(headerBytes, ' ')
		}
	}

	bw := bufio.NewWriter(out)
	var written int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	nw, err := bw.Write(lenBuf[:])
	written += int64(nw)
	if err != nil {
		return written, err
	}
	nw, err = bw.Write(headerBytes)
	written += int64(nw)
	if err != nil {
		return written, err
	}
	var buf [4]byte
	for _, name := range names {
		for _, v := range w.tensors[name].data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			nw, err = bw.Write(buf[:])
			written += int64(nw)
			if err != nil {
				return written, err
			}
		}
	}
	return written, bw.Flush()
}

// WriteFile writes to path atomically via a temporary file in the same
// directory.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hypercol-*.safetensors")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
