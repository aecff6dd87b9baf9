package hypercolumn

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/hypercol/internal/tensor"
)

var (
	// ErrConfig reports an invalid sampler configuration.
	ErrConfig = errors.New("hypercolumn: invalid configuration")
	// ErrNoSources is returned when no auxiliary feature map is registered.
	ErrNoSources = errors.New("hypercolumn: at least one feature map is required")
)

// DefaultRetryFactor bounds training-time rejection sampling to
// RetryFactor*SampleCount draws per batch item.
const DefaultRetryFactor = 10

// DefaultMaxOutputElements caps the combined float32 element count of the
// descriptor, label and coordinate blobs when Config.MaxOutputElements is 0.
const DefaultMaxOutputElements = 1 << 30

// Validity reports whether the reference values at one location mark it as
// unusable for training. values holds one entry per reference channel.
type Validity func(values []float32) bool

// InvalidEquals marks a location invalid when every channel equals v, the
// usual encoding of an undefined target (e.g. a zero normal).
func InvalidEquals(v float32) Validity {
	return func(values []float32) bool {
		for _, x := range values {
			if x != v {
				return false
			}
		}
		return len(values) > 0
	}
}

// InvalidAny marks a location invalid when any channel equals v.
func InvalidAny(v float32) Validity {
	return func(values []float32) bool {
		for _, x := range values {
			if x == v {
				return true
			}
		}
		return false
	}
}

// InvalidNaN marks locations holding a NaN in any channel.
func InvalidNaN() Validity {
	return func(values []float32) bool {
		for _, x := range values {
			if math.IsNaN(float64(x)) {
				return true
			}
		}
		return false
	}
}

// Source describes how one auxiliary feature map lines up with the reference
// grid. A zero scale is derived from the shapes at setup (aux size over
// reference size, per axis). Scale sets both axes; ScaleH/ScaleW override it.
type Source struct {
	Name   string
	Scale  float64
	ScaleH float64
	ScaleW float64
	PadH   int
	PadW   int
}

// Config configures a Sampler.
type Config struct {
	// SampleCount is the number of points drawn per batch item in training.
	SampleCount int
	Training    bool
	// SkipStride is the inference lattice spacing; values < 1 mean 1.
	SkipStride int
	// Invalid filters training draws; nil accepts every location.
	Invalid Validity
	Seed    int64
	// RetryFactor scales the per-item retry budget; 0 means DefaultRetryFactor.
	RetryFactor int
	// MaxOutputElements caps the total output size; 0 means
	// DefaultMaxOutputElements.
	MaxOutputElements int
	// Sources lists one entry per auxiliary map, in registration order. It
	// may be empty, in which case every map uses derived scales and no pad.
	Sources []Source
}

// FeatureMap is the resolved, read-only descriptor of one auxiliary map.
type FeatureMap struct {
	Name     string
	Channels int
	Height   int
	Width    int
	ScaleH   float64
	ScaleW   float64
	PadH     int
	PadW     int
	// Offset is the position of this map's block inside a descriptor.
	Offset int
}

func resolveFeatureMap(i int, src Source, ref, aux tensor.Shape) (FeatureMap, error) {
	if err := aux.Validate(); err != nil {
		return FeatureMap{}, fmt.Errorf("%w: feature map %d: %v", ErrConfig, i, err)
	}
	if aux.N != ref.N {
		return FeatureMap{}, fmt.Errorf("%w: feature map %d has batch %d, reference has %d", ErrConfig, i, aux.N, ref.N)
	}
	fm := FeatureMap{
		Name:     src.Name,
		Channels: aux.C,
		Height:   aux.H,
		Width:    aux.W,
		ScaleH:   src.Scale,
		ScaleW:   src.Scale,
		PadH:     src.PadH,
		PadW:     src.PadW,
	}
	if fm.Name == "" {
		fm.Name = fmt.Sprintf("feature%d", i)
	}
	if src.ScaleH != 0 {
		fm.ScaleH = src.ScaleH
	}
	if src.ScaleW != 0 {
		fm.ScaleW = src.ScaleW
	}
	if fm.ScaleH == 0 {
		fm.ScaleH = float64(aux.H) / float64(ref.H)
	}
	if fm.ScaleW == 0 {
		fm.ScaleW = float64(aux.W) / float64(ref.W)
	}
	if fm.ScaleH < 0 || fm.ScaleW < 0 || math.IsNaN(fm.ScaleH) || math.IsNaN(fm.ScaleW) {
		return FeatureMap{}, fmt.Errorf("%w: feature map %d has negative scale", ErrConfig, i)
	}
	return fm, nil
}

// Map converts a reference coordinate into this map's grid, clamped to its
// bounds.
func (fm FeatureMap) Map(h, w int) (int, int) {
	mh := int(math.Round(float64(h)*fm.ScaleH)) + fm.PadH
	mw := int(math.Round(float64(w)*fm.ScaleW)) + fm.PadW
	return clamp(mh, fm.Height-1), clamp(mw, fm.Width-1)
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
