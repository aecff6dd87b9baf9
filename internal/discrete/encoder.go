// Package discrete maps continuous, possibly multi-channel regression targets
// to a single integer class label per pixel so that a classification loss can
// stand in for a regression loss.
package discrete

import (
	"fmt"
	"math"

	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/tensor"
)

// Encoder discretizes an (N, K, H, W) blob into an (N, 1, H, W) label blob.
//
// Each channel is binned independently into [0, NumBins) and the K bin
// indices are folded into one label with radix NumBins, first channel most
// significant. The radix is NumBins even though setup also derives a nominal
// per-channel bin count (NominalBinsPerChannel); the two disagree whenever
// K > 1 and the nominal value is only reported, never used for encoding.
//
// An Encoder holds no per-call state and may be shared by concurrent callers
// as long as each supplies its own output blob.
type Encoder struct {
	cfg   Config
	in    tensor.Shape
	out   tensor.Shape
	min   float64
	max   float64
	delta float64

	signed     bool
	perChannel int
}

// New validates cfg against the input shape and derives the bin width.
// No usable Encoder is returned on error.
func New(cfg Config, in tensor.Shape, log logger.Logger) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: input shape: %v", ErrConfig, err)
	}
	log = logger.OrNop(log)

	e := &Encoder{
		cfg: cfg,
		in:  in,
		out: tensor.Shape{N: in.N, C: 1, H: in.H, W: in.W},
		min: cfg.Min,
		max: cfg.Max,
	}
	e.perChannel = int(math.Round(math.Exp(math.Log(float64(cfg.NumBins)) / float64(in.C))))

	// A negative lower bound means the target is a signed unit-range signal
	// (e.g. a surface normal); bounds and values move to [0, 255].
	if e.min < 0 {
		e.signed = true
		e.min = signedRemap(e.min)
		e.max = signedRemap(e.max)
	}
	if cfg.Space == SpaceLog {
		if e.min+1 <= 0 {
			return nil, fmt.Errorf("%w: log space needs min+1 > 0 after remap, got min %g", ErrConfig, e.min)
		}
		e.min = math.Log(e.min + 1)
		e.max = math.Log(e.max + 1)
	}
	e.delta = (e.max - e.min) / float64(cfg.NumBins)

	log.Info("discrete encoder ready",
		"bins", cfg.NumBins,
		"space", cfg.Space.String(),
		"channels", in.C,
		"signed", e.signed,
		"delta", e.delta,
		"nominal_per_channel", e.perChannel,
		"nominal_labels", e.NominalLabelCount(),
		"labels", e.LabelCount(),
	)
	if in.C > 1 && e.perChannel != cfg.NumBins {
		log.Warn("label radix differs from nominal bins per channel",
			"radix", cfg.NumBins, "nominal", e.perChannel)
	}
	if e.LabelCount() > 1<<24 {
		log.Warn("labels above 2^24 are not exact in float32 output",
			"labels", e.LabelCount())
	}
	return e, nil
}

func signedRemap(v float64) float64 {
	return (v/2 + 0.5) * 255
}

// InputShape returns the shape fixed at setup.
func (e *Encoder) InputShape() tensor.Shape { return e.in }

// OutputShape is (N, 1, H, W).
func (e *Encoder) OutputShape() tensor.Shape { return e.out }

// NewOutput allocates a blob of OutputShape.
func (e *Encoder) NewOutput() *tensor.Blob { return tensor.NewBlob(e.out) }

// Delta is the bin width in the (possibly remapped and log-transformed) domain.
func (e *Encoder) Delta() float64 { return e.delta }

// Signed reports whether the signed-input remap is applied.
func (e *Encoder) Signed() bool { return e.signed }

// NominalBinsPerChannel is round(exp(ln(NumBins)/K)). Diagnostic only.
func (e *Encoder) NominalBinsPerChannel() int { return e.perChannel }

// NominalLabelCount is NominalBinsPerChannel^K. Diagnostic only.
func (e *Encoder) NominalLabelCount() float64 {
	return math.Pow(float64(e.perChannel), float64(e.in.C))
}

// LabelCount is the size of the label space Forward actually produces,
// NumBins^K.
func (e *Encoder) LabelCount() float64 {
	return math.Pow(float64(e.cfg.NumBins), float64(e.in.C))
}

// Bin maps one raw channel value to its bin index.
func (e *Encoder) Bin(v float32) int {
	x := float64(v)
	if e.signed {
		x = signedRemap(x)
	}
	if e.cfg.Space == SpaceLog {
		x = math.Log(x + 1)
	}
	f := math.Floor((x - e.min) / e.delta)
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f >= float64(e.cfg.NumBins):
		return e.cfg.NumBins - 1
	default:
		return int(f)
	}
}

// EncodeValue folds the K channel values of one location into a label.
func (e *Encoder) EncodeValue(values []float32) int {
	label := 0
	for _, v := range values {
		label = label*e.cfg.NumBins + e.Bin(v)
	}
	return label
}

// Forward encodes in into out. Both shapes must match those fixed at setup.
func (e *Encoder) Forward(in, out *tensor.Blob) error {
	if err := tensor.CheckShape("discrete input", in.Shape, e.in); err != nil {
		return err
	}
	if err := tensor.CheckShape("discrete output", out.Shape, e.out); err != nil {
		return err
	}
	hw := e.in.Spatial()
	k := e.in.C
	nb := e.cfg.NumBins
	for n := 0; n < e.in.N; n++ {
		src := in.Data[n*k*hw : (n+1)*k*hw]
		dst := out.Data[n*hw : (n+1)*hw]
		for i := 0; i < hw; i++ {
			label := 0
			for c := 0; c < k; c++ {
				label = label*nb + e.Bin(src[c*hw+i])
			}
			dst[i] = float32(label)
		}
	}
	return nil
}

// Backward is a no-op: the encoder has no parameters and sits in front of
// the loss, so nothing is propagated to its input.
func (e *Encoder) Backward() {}
