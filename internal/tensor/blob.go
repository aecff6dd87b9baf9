package tensor

import (
	"fmt"
	"math"
)

// Shape is a 4D tensor shape in NCHW order.
type Shape struct {
	N, C, H, W int
}

// Count returns the number of elements described by the shape.
func (s Shape) Count() int {
	return s.N * s.C * s.H * s.W
}

// Spatial returns H*W.
func (s Shape) Spatial() int {
	return s.H * s.W
}

// Validate reports whether every dimension is positive and the element count
// fits in an int.
func (s Shape) Validate() error {
	if s.N <= 0 || s.C <= 0 || s.H <= 0 || s.W <= 0 {
		return fmt.Errorf("%w: %s", ErrNegativeDim, s)
	}
	n := 1
	for _, d := range [...]int{s.N, s.C, s.H, s.W} {
		if n > math.MaxInt/d {
			return fmt.Errorf("%w: %s", ErrTooLarge, s)
		}
		n *= d
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s.N, s.C, s.H, s.W)
}

// ShapeFromDims pads a rank 1-4 shape to NCHW by prepending ones.
func ShapeFromDims(dims []int) (Shape, error) {
	if len(dims) == 0 || len(dims) > 4 {
		return Shape{}, fmt.Errorf("%w: rank %d", ErrRank, len(dims))
	}
	full := [4]int{1, 1, 1, 1}
	copy(full[4-len(dims):], dims)
	s := Shape{N: full[0], C: full[1], H: full[2], W: full[3]}
	return s, s.Validate()
}

// Dims returns the shape as a 4 element slice.
func (s Shape) Dims() []int {
	return []int{s.N, s.C, s.H, s.W}
}

// Blob is a dense row-major float32 tensor in NCHW layout.
//
// Blob performs no bounds checking beyond what Go slices provide; Offset
// with out-of-range coordinates will index the wrong element or panic.
type Blob struct {
	Shape Shape
	Data  []float32
}

// NewBlob allocates a zeroed blob. It panics on an invalid shape.
func NewBlob(s Shape) *Blob {
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return &Blob{Shape: s, Data: make([]float32, s.Count())}
}

// FromData wraps data without copying. len(data) must equal s.Count().
func FromData(s Shape, data []float32) (*Blob, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(data) != s.Count() {
		return nil, fmt.Errorf("%w: shape %s wants %d values, got %d", ErrDataSizeMismatch, s, s.Count(), len(data))
	}
	return &Blob{Shape: s, Data: data}, nil
}

// Offset returns the flat index of (n, c, h, w).
func (b *Blob) Offset(n, c, h, w int) int {
	s := b.Shape
	return ((n*s.C+c)*s.H+h)*s.W + w
}

func (b *Blob) At(n, c, h, w int) float32 {
	return b.Data[b.Offset(n, c, h, w)]
}

func (b *Blob) Set(n, c, h, w int, v float32) {
	b.Data[b.Offset(n, c, h, w)] = v
}

// Fill sets every element to v.
func (b *Blob) Fill(v float32) {
	for i := range b.Data {
		b.Data[i] = v
	}
}

// Reshape changes the shape, reusing the backing array when it is large enough.
// Contents are not preserved in any meaningful layout.
func (b *Blob) Reshape(s Shape) error {
	if err := s.Validate(); err != nil {
		return err
	}
	n := s.Count()
	if cap(b.Data) < n {
		b.Data = make([]float32, n)
	}
	b.Data = b.Data[:n]
	b.Shape = s
	return nil
}

// Channels copies the C values at (n, h, w) into dst and returns it.
func (b *Blob) Channels(dst []float32, n, h, w int) []float32 {
	s := b.Shape
	dst = dst[:0]
	off := b.Offset(n, 0, h, w)
	for c := 0; c < s.C; c++ {
		dst = append(dst, b.Data[off+c*s.H*s.W])
	}
	return dst
}

// Equal reports whether a and b have the same shape and bitwise-equal values.
func Equal(a, b *Blob) bool {
	if a.Shape != b.Shape || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// CheckShape returns ErrShapeMismatch when got differs from want.
func CheckShape(name string, got, want Shape) error {
	if got != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrShapeMismatch, name, got, want)
	}
	return nil
}

var (
	ErrNegativeDim      = fmtError("non-positive tensor dimension")
	ErrTooLarge         = fmtError("tensor too large")
	ErrRank             = fmtError("unsupported tensor rank")
	ErrDataSizeMismatch = fmtError("data length mismatch")
	ErrShapeMismatch    = fmtError("shape mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
