// Package hypercolumn samples matching locations across feature maps of
// different resolutions and concatenates their channels into one descriptor
// per location.
//
// The reference blob defines the sampling grid and per-location validity.
// During training a fixed number of valid locations is drawn at random per
// batch item; at inference every location on a regular lattice is used.
package hypercolumn

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/tensor"
)

// Point is a sampled location in reference coordinates.
type Point struct {
	N, H, W int
}

// Output holds the three outputs of one Forward call. Row r of every blob
// belongs to batch item r / PointsPerItem; rows past Counts[item] are unused
// (zero descriptors and labels, coordinates of -1).
type Output struct {
	Descriptors *tensor.Blob // (N*P, TotalChannels, 1, 1)
	Labels      *tensor.Blob // (N*P, K_ref, 1, 1)
	Coords      *tensor.Blob // (N*P, 3, 1, 1) holding n, h, w
	Counts      []int
}

// Sampler is not safe for concurrent use: each Forward replaces the point
// list read by Points.
type Sampler struct {
	cfg     Config
	ref     tensor.Shape
	maps    []FeatureMap
	total   int
	perItem int
	budget  int
	rng     *rand.Rand
	log     logger.Logger

	points [][]Point
	vals   []float32
}

// New validates the configuration against the reference shape and the
// auxiliary shapes (in registration order) and derives the per-map tables.
func New(cfg Config, ref tensor.Shape, aux []tensor.Shape, log logger.Logger) (*Sampler, error) {
	return NewWithRand(cfg, ref, aux, nil, log)
}

// NewWithRand is New with a caller-owned generator. A nil rng falls back to
// one seeded from cfg.Seed.
func NewWithRand(cfg Config, ref tensor.Shape, aux []tensor.Shape, rng *rand.Rand, log logger.Logger) (*Sampler, error) {
	if len(aux) == 0 {
		return nil, ErrNoSources
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("%w: reference: %v", ErrConfig, err)
	}
	if len(cfg.Sources) != 0 && len(cfg.Sources) != len(aux) {
		return nil, fmt.Errorf("%w: %d sources configured for %d feature maps", ErrConfig, len(cfg.Sources), len(aux))
	}
	if cfg.Training && cfg.SampleCount <= 0 {
		return nil, fmt.Errorf("%w: sample_count must be > 0 in training, got %d", ErrConfig, cfg.SampleCount)
	}
	if cfg.SkipStride < 1 {
		cfg.SkipStride = 1
	}
	if cfg.RetryFactor <= 0 {
		cfg.RetryFactor = DefaultRetryFactor
	}
	if cfg.MaxOutputElements <= 0 {
		cfg.MaxOutputElements = DefaultMaxOutputElements
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}

	s := &Sampler{
		cfg:  cfg,
		ref:  ref,
		maps: make([]FeatureMap, len(aux)),
		rng:  rng,
		log:  logger.OrNop(log).With("component", "hypercolumn"),
		vals: make([]float32, 0, ref.C),
	}
	for i, shape := range aux {
		var src Source
		if len(cfg.Sources) > 0 {
			src = cfg.Sources[i]
		}
		fm, err := resolveFeatureMap(i, src, ref, shape)
		if err != nil {
			return nil, err
		}
		fm.Offset = s.total
		s.total += fm.Channels
		s.maps[i] = fm
	}

	if cfg.Training {
		s.perItem = cfg.SampleCount
		s.budget = math.MaxInt
		if b, ok := mulInt(cfg.RetryFactor, cfg.SampleCount); ok {
			s.budget = b
		}
	} else {
		st := cfg.SkipStride
		s.perItem = ((ref.H + st - 1) / st) * ((ref.W + st - 1) / st)
	}
	if err := s.checkOutputSize(); err != nil {
		return nil, err
	}
	s.points = make([][]Point, ref.N)
	for n := range s.points {
		s.points[n] = make([]Point, 0, min(s.perItem, ref.Spatial()))
	}

	s.log.Info("hypercolumn sampler ready",
		"training", cfg.Training,
		"maps", len(s.maps),
		"total_channels", s.total,
		"points_per_item", s.perItem,
		"stride", cfg.SkipStride,
	)
	return s, nil
}

// checkOutputSize rejects a setup whose output blobs would overflow int or
// exceed cfg.MaxOutputElements.
func (s *Sampler) checkOutputSize() error {
	rows, ok := mulInt(s.ref.N, s.perItem)
	width := s.total + s.ref.C + 3
	var elems int
	if ok {
		elems, ok = mulInt(rows, width)
	}
	if !ok || elems > s.cfg.MaxOutputElements {
		return fmt.Errorf("%w: %w: %d points per item over %d items with %d values per row exceeds %d output elements",
			ErrConfig, tensor.ErrTooLarge, s.perItem, s.ref.N, width, s.cfg.MaxOutputElements)
	}
	desc, labels, coords := s.OutputShapes()
	for _, shape := range []tensor.Shape{desc, labels, coords} {
		if err := shape.Validate(); err != nil {
			return fmt.Errorf("%w: output %v: %w", ErrConfig, shape, err)
		}
	}
	return nil
}

// mulInt multiplies two non-negative ints, reporting false on overflow.
func mulInt(a, b int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// TotalChannels is the descriptor length.
func (s *Sampler) TotalChannels() int { return s.total }

// PointsPerItem is the number of output rows reserved per batch item.
func (s *Sampler) PointsPerItem() int { return s.perItem }

// FeatureMaps returns a copy of the resolved per-map tables.
func (s *Sampler) FeatureMaps() []FeatureMap {
	return append([]FeatureMap(nil), s.maps...)
}

// ReferenceShape returns the reference shape fixed at setup.
func (s *Sampler) ReferenceShape() tensor.Shape { return s.ref }

// OutputShapes returns the descriptor, label and coordinate shapes.
func (s *Sampler) OutputShapes() (desc, labels, coords tensor.Shape) {
	rows := s.ref.N * s.perItem
	return tensor.Shape{N: rows, C: s.total, H: 1, W: 1},
		tensor.Shape{N: rows, C: s.ref.C, H: 1, W: 1},
		tensor.Shape{N: rows, C: 3, H: 1, W: 1}
}

// NewOutput allocates an Output sized for this sampler.
func (s *Sampler) NewOutput() *Output {
	d, l, c := s.OutputShapes()
	return &Output{
		Descriptors: tensor.NewBlob(d),
		Labels:      tensor.NewBlob(l),
		Coords:      tensor.NewBlob(c),
		Counts:      make([]int, s.ref.N),
	}
}

// MapCoord maps a reference coordinate into feature map i.
func (s *Sampler) MapCoord(i, h, w int) (int, int) {
	return s.maps[i].Map(h, w)
}

// Points returns the list built by the last GenerateList, per batch item.
// The slices are reused by the next call.
func (s *Sampler) Points() [][]Point { return s.points }

// Counts returns the number of points per batch item from the last call.
func (s *Sampler) Counts() []int {
	out := make([]int, len(s.points))
	for n, p := range s.points {
		out[n] = len(p)
	}
	return out
}

// GenerateList replaces the point list. In training, draws that land on an
// invalid location are retried until SampleCount points are found or the
// retry budget runs out; a shortfall leaves fewer points, not an error.
func (s *Sampler) GenerateList(ref *tensor.Blob) error {
	if err := tensor.CheckShape("reference", ref.Shape, s.ref); err != nil {
		return err
	}
	for n := range s.points {
		s.points[n] = s.points[n][:0]
	}
	if !s.cfg.Training {
		st := s.cfg.SkipStride
		for n := 0; n < s.ref.N; n++ {
			for h := 0; h < s.ref.H; h += st {
				for w := 0; w < s.ref.W; w += st {
					s.points[n] = append(s.points[n], Point{N: n, H: h, W: w})
				}
			}
		}
		return nil
	}

	hw := s.ref.Spatial()
	for n := 0; n < s.ref.N; n++ {
		pts := s.points[n]
		for draws := 0; len(pts) < s.cfg.SampleCount && draws < s.budget; draws++ {
			idx := s.rng.Intn(hw)
			h, w := idx/s.ref.W, idx%s.ref.W
			if s.cfg.Invalid != nil {
				s.vals = ref.Channels(s.vals, n, h, w)
				if s.cfg.Invalid(s.vals) {
					continue
				}
			}
			pts = append(pts, Point{N: n, H: h, W: w})
		}
		if len(pts) < s.cfg.SampleCount {
			s.log.Debug("sample shortfall", "item", n, "got", len(pts), "want", s.cfg.SampleCount)
		}
		s.points[n] = pts
	}
	return nil
}

func (s *Sampler) checkInputs(ref *tensor.Blob, aux []*tensor.Blob, out *Output) error {
	if err := tensor.CheckShape("reference", ref.Shape, s.ref); err != nil {
		return err
	}
	if len(aux) != len(s.maps) {
		return fmt.Errorf("%w: got %d feature maps, configured for %d", tensor.ErrShapeMismatch, len(aux), len(s.maps))
	}
	for i, fm := range s.maps {
		want := tensor.Shape{N: s.ref.N, C: fm.Channels, H: fm.Height, W: fm.Width}
		if err := tensor.CheckShape(fm.Name, aux[i].Shape, want); err != nil {
			return err
		}
	}
	d, l, c := s.OutputShapes()
	if out == nil || out.Descriptors == nil || out.Labels == nil || out.Coords == nil {
		return fmt.Errorf("%w: output not allocated", tensor.ErrShapeMismatch)
	}
	if err := tensor.CheckShape("descriptors", out.Descriptors.Shape, d); err != nil {
		return err
	}
	if err := tensor.CheckShape("labels", out.Labels.Shape, l); err != nil {
		return err
	}
	return tensor.CheckShape("coords", out.Coords.Shape, c)
}

// Forward regenerates the point list from ref and writes one hypercolumn per
// point into out.
func (s *Sampler) Forward(ref *tensor.Blob, aux []*tensor.Blob, out *Output) error {
	if err := s.checkInputs(ref, aux, out); err != nil {
		return err
	}
	if err := s.GenerateList(ref); err != nil {
		return err
	}
	for n := range s.points {
		s.assemble(n, ref, aux, out)
	}
	s.finish(out)
	return nil
}

// ForwardParallel is Forward with descriptor assembly split across batch
// items on up to workers goroutines (GOMAXPROCS when workers <= 0). Point
// generation stays sequential so the result is identical to Forward for the
// same generator state.
func (s *Sampler) ForwardParallel(ref *tensor.Blob, aux []*tensor.Blob, out *Output, workers int) error {
	if err := s.checkInputs(ref, aux, out); err != nil {
		return err
	}
	if err := s.GenerateList(ref); err != nil {
		return err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, len(s.points))
	items := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range items {
				s.assemble(n, ref, aux, out)
			}
		}()
	}
	for n := range s.points {
		items <- n
	}
	close(items)
	wg.Wait()
	s.finish(out)
	return nil
}

// assemble writes every row belonging to batch item n. Rows of different
// items never overlap, so items may be assembled concurrently.
func (s *Sampler) assemble(n int, ref *tensor.Blob, aux []*tensor.Blob, out *Output) {
	total, k := s.total, s.ref.C
	refHW := s.ref.Spatial()
	first := n * s.perItem
	pts := s.points[n]

	desc := out.Descriptors.Data[first*total : (first+s.perItem)*total]
	labels := out.Labels.Data[first*k : (first+s.perItem)*k]
	coords := out.Coords.Data[first*3 : (first+s.perItem)*3]
	clear(desc)
	clear(labels)
	for i := range coords {
		coords[i] = -1
	}

	for j, p := range pts {
		row := desc[j*total : (j+1)*total]
		for i, fm := range s.maps {
			h, w := fm.Map(p.H, p.W)
			plane := fm.Height * fm.Width
			src := aux[i].Data[n*fm.Channels*plane:]
			off := h*fm.Width + w
			for c := 0; c < fm.Channels; c++ {
				row[fm.Offset+c] = src[c*plane+off]
			}
		}
		refOff := n*k*refHW + p.H*s.ref.W + p.W
		for c := 0; c < k; c++ {
			labels[j*k+c] = ref.Data[refOff+c*refHW]
		}
		coords[j*3] = float32(p.N)
		coords[j*3+1] = float32(p.H)
		coords[j*3+2] = float32(p.W)
	}
}

func (s *Sampler) finish(out *Output) {
	if len(out.Counts) != len(s.points) {
		out.Counts = make([]int, len(s.points))
	}
	for n, p := range s.points {
		out.Counts[n] = len(p)
	}
}

// Backward is a no-op. Gradients are not propagated into the feature maps.
func (s *Sampler) Backward() {}
