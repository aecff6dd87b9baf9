// Package pipeline chains the hypercolumn sampler and the discrete encoder:
// the reference map is sampled alongside the feature maps, and the sampled
// reference values are encoded into one class per hypercolumn.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/hypercolumn"
	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/tensor"
)

// Unfilled marks class slots with no sampled point behind them.
const Unfilled = -1

type Pipeline struct {
	cfg     Config
	sampler *hypercolumn.Sampler
	encoder *discrete.Encoder
	workers int
	log     logger.Logger
}

// Result is the output of one Run. Classes is nil when the config has no
// encoder section.
type Result struct {
	*hypercolumn.Output
	Classes  *tensor.Blob // (N*P, 1, 1, 1)
	Duration time.Duration
}

// New builds the sampler for the given shapes and, when configured, an
// encoder over the (N*P, K, 1, 1) sampled reference values. aux follows the
// order of cfg.Sources.
func New(ctx context.Context, cfg Config, ref tensor.Shape, aux []tensor.Shape) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("component", "pipeline")
	if len(aux) != len(cfg.Sources) {
		return nil, fmt.Errorf("%w: %d sources configured, %d feature maps given", ErrConfig, len(cfg.Sources), len(aux))
	}
	scfg, err := cfg.Sampler.Config(cfg.Sources)
	if err != nil {
		return nil, err
	}
	s, err := hypercolumn.New(scfg, ref, aux, log)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:     cfg,
		sampler: s,
		workers: cfg.Sampler.Workers,
		log:     log,
	}
	if cfg.Encoder != nil {
		ecfg, err := cfg.Encoder.Config()
		if err != nil {
			return nil, err
		}
		_, labels, _ := s.OutputShapes()
		if p.encoder, err = discrete.New(ecfg, labels, log); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) Sampler() *hypercolumn.Sampler { return p.sampler }

// Encoder returns nil when the pipeline has no encoder stage.
func (p *Pipeline) Encoder() *discrete.Encoder { return p.encoder }

func (p *Pipeline) Config() Config { return p.cfg }

// Run samples ref and aux, then encodes the sampled reference values. Rows
// past an item's point count keep class Unfilled.
func (p *Pipeline) Run(ctx context.Context, ref *tensor.Blob, aux []*tensor.Blob) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	out := p.sampler.NewOutput()
	var err error
	if p.workers > 1 {
		err = p.sampler.ForwardParallel(ref, aux, out, p.workers)
	} else {
		err = p.sampler.Forward(ref, aux, out)
	}
	if err != nil {
		return nil, err
	}
	res := &Result{Output: out}

	if p.encoder != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Classes = p.encoder.NewOutput()
		if err := p.encoder.Forward(out.Labels, res.Classes); err != nil {
			return nil, err
		}
		per := p.sampler.PointsPerItem()
		for n, count := range out.Counts {
			for r := n*per + count; r < (n+1)*per; r++ {
				res.Classes.Data[r] = Unfilled
			}
		}
	}
	res.Duration = time.Since(start)

	total := 0
	for _, c := range out.Counts {
		total += c
	}
	p.log.Debug("pipeline run complete",
		"points", total,
		"rows", out.Descriptors.Shape.N,
		"encoded", res.Classes != nil,
		"duration", res.Duration,
	)
	return res, nil
}
