// Package api exposes the encoder, the sampler and the full pipeline over
// HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/hypercolumn"
	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/pipeline"
	"github.com/samcharles93/hypercol/internal/tensor"
	"github.com/samcharles93/hypercol/internal/version"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 64 << 20

// DefaultMaxOutputElements caps the float32 elements a single sample or
// pipeline request may allocate for its outputs.
const DefaultMaxOutputElements = 64 << 20

type Options struct {
	// Rate is the sustained number of compute requests per second; <= 0
	// disables throttling.
	Rate         float64
	Burst        int
	MaxRuns      int
	MaxBodyBytes int64
	// MaxOutputElements bounds sampler outputs per request; larger
	// requests fail with 422 before anything is allocated.
	MaxOutputElements int
	Logger            logger.Logger
}

type Server struct {
	store   *RunStore
	limiter *rate.Limiter
	maxBody   int64
	maxOutput int
	log       logger.Logger
	clock     func() time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:     NewRunStore(opts.MaxRuns),
		maxBody:   opts.MaxBodyBytes,
		maxOutput: opts.MaxOutputElements,
		log:       logger.OrNop(opts.Logger).With("component", "api"),
		clock:     time.Now,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.maxOutput <= 0 {
		s.maxOutput = DefaultMaxOutputElements
	}
	if opts.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(opts.Burst, 1))
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	limit := throttle(s.limiter)
	e.POST("/v1/encode", s.handleEncode, limit)
	e.POST("/v1/sample", s.handleSample, limit)
	e.POST("/v1/pipeline", s.handlePipeline, limit)
	e.GET("/v1/runs/:id", s.handleGetRun)
	e.DELETE("/v1/runs/:id", s.handleDeleteRun)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) body(c *echo.Context) *http.Request {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.maxBody)
	return req
}

// requestContext carries the server logger so the packages below log
// through it.
func (s *Server) requestContext(c *echo.Context) context.Context {
	return logger.WithContext(c.Request().Context(), s.log)
}

func (s *Server) handleEncode(c *echo.Context) error {
	req, err := decodeJSON[EncodeRequest](s.body(c).Body)
	if err != nil {
		return writeErr(c, err)
	}
	start := s.clock()
	in, err := req.Input.Blob()
	if err != nil {
		return writeErr(c, fmt.Errorf("input: %w", err))
	}
	cfg, err := req.Config.Config()
	if err != nil {
		return writeErr(c, err)
	}
	enc, err := discrete.New(cfg, in.Shape, s.log)
	if err != nil {
		return writeErr(c, err)
	}
	out := enc.NewOutput()
	if err := enc.Forward(in, out); err != nil {
		return writeErr(c, err)
	}
	run := s.store.Add(Run{
		Kind:       "encode",
		CreatedAt:  start.Unix(),
		DurationMS: durationMS(s.clock().Sub(start)),
		Inputs:     map[string][]int{"input": in.Shape.Dims()},
		Outputs:    map[string][]int{"output": out.Shape.Dims()},
		LabelCount: enc.LabelCount(),
	})
	s.log.Info("encode complete", "id", run.ID, "shape", in.Shape.String(), "duration_ms", run.DurationMS)
	return c.JSON(http.StatusOK, EncodeResponse{
		ID:                    run.ID,
		Object:                "encode",
		Output:                tensorOf(out),
		LabelCount:            enc.LabelCount(),
		NominalBinsPerChannel: enc.NominalBinsPerChannel(),
	})
}

func (s *Server) handleSample(c *echo.Context) error {
	req, err := decodeJSON[SampleRequest](s.body(c).Body)
	if err != nil {
		return writeErr(c, err)
	}
	if len(req.Features) == 0 {
		return writeErr(c, hypercolumn.ErrNoSources)
	}
	if len(req.Sources) != 0 && len(req.Sources) != len(req.Features) {
		return writeBadRequest(c, fmt.Sprintf("%d sources given for %d features", len(req.Sources), len(req.Features)))
	}
	start := s.clock()
	ref, err := req.Reference.Blob()
	if err != nil {
		return writeErr(c, fmt.Errorf("reference: %w", err))
	}
	aux := make([]*tensor.Blob, len(req.Features))
	shapes := make([]tensor.Shape, len(req.Features))
	inputs := map[string][]int{"reference": ref.Shape.Dims()}
	for i, f := range req.Features {
		b, err := f.Blob()
		if err != nil {
			return writeErr(c, fmt.Errorf("features[%d]: %w", i, err))
		}
		aux[i], shapes[i] = b, b.Shape
		inputs[fmt.Sprintf("features[%d]", i)] = b.Shape.Dims()
	}
	req.Sampler.MaxOutputElements = s.maxOutput
	cfg, err := req.Sampler.Config(req.Sources)
	if err != nil {
		return writeErr(c, err)
	}
	sampler, err := hypercolumn.New(cfg, ref.Shape, shapes, s.log)
	if err != nil {
		return writeErr(c, err)
	}
	out := sampler.NewOutput()
	if req.Sampler.Workers > 1 {
		err = sampler.ForwardParallel(ref, aux, out, req.Sampler.Workers)
	} else {
		err = sampler.Forward(ref, aux, out)
	}
	if err != nil {
		return writeErr(c, err)
	}
	run := s.store.Add(Run{
		Kind:       "sample",
		CreatedAt:  start.Unix(),
		DurationMS: durationMS(s.clock().Sub(start)),
		Inputs:     inputs,
		Outputs:    outputShapes(out, nil),
		Counts:     out.Counts,
	})
	s.log.Info("sample complete", "id", run.ID, "rows", out.Descriptors.Shape.N, "duration_ms", run.DurationMS)
	return c.JSON(http.StatusOK, sampleResponse(run.ID, "sample", out))
}

func (s *Server) handlePipeline(c *echo.Context) error {
	req, err := decodeJSON[PipelineRequest](s.body(c).Body)
	if err != nil {
		return writeErr(c, err)
	}
	if err := req.Config.Validate(); err != nil {
		return writeErr(c, err)
	}
	start := s.clock()
	lookup := func(name string) (*tensor.Blob, error) {
		t, ok := req.Tensors[name]
		if !ok {
			return nil, newInvalidRequest(fmt.Sprintf("tensor %q not provided", name))
		}
		b, err := t.Blob()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		return b, nil
	}
	ref, err := lookup(req.Config.Reference)
	if err != nil {
		return writeErr(c, err)
	}
	inputs := map[string][]int{req.Config.Reference: ref.Shape.Dims()}
	aux := make([]*tensor.Blob, len(req.Config.Sources))
	shapes := make([]tensor.Shape, len(req.Config.Sources))
	for i, src := range req.Config.Sources {
		b, err := lookup(src.Name)
		if err != nil {
			return writeErr(c, err)
		}
		aux[i], shapes[i] = b, b.Shape
		inputs[src.Name] = b.Shape.Dims()
	}

	req.Config.Sampler.MaxOutputElements = s.maxOutput
	ctx := s.requestContext(c)
	p, err := pipeline.New(ctx, req.Config, ref.Shape, shapes)
	if err != nil {
		return writeErr(c, err)
	}
	res, err := p.Run(ctx, ref, aux)
	if err != nil {
		return writeErr(c, err)
	}
	summary := Run{
		Kind:       "pipeline",
		CreatedAt:  start.Unix(),
		DurationMS: durationMS(s.clock().Sub(start)),
		Inputs:     inputs,
		Outputs:    outputShapes(res.Output, res.Classes),
		Counts:     res.Counts,
	}
	if enc := p.Encoder(); enc != nil {
		summary.LabelCount = enc.LabelCount()
	}
	run := s.store.Add(summary)
	s.log.Info("pipeline complete", "id", run.ID, "duration_ms", run.DurationMS)
	return c.JSON(http.StatusOK, PipelineResponse{
		SampleResponse: sampleResponse(run.ID, "pipeline", res.Output),
		Classes:        tensorOf(res.Classes),
	})
}

func (s *Server) handleGetRun(c *echo.Context) error {
	run, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleDeleteRun(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "run not found")
	}
	return c.JSON(http.StatusOK, DeleteRunResponse{ID: id, Object: "run", Deleted: true})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Runs:    s.store.Len(),
	})
}

func sampleResponse(id, object string, out *hypercolumn.Output) SampleResponse {
	return SampleResponse{
		ID:          id,
		Object:      object,
		Descriptors: tensorOf(out.Descriptors),
		Labels:      tensorOf(out.Labels),
		Coords:      tensorOf(out.Coords),
		Counts:      out.Counts,
	}
}

func outputShapes(out *hypercolumn.Output, classes *tensor.Blob) map[string][]int {
	shapes := map[string][]int{
		"descriptors": out.Descriptors.Shape.Dims(),
		"labels":      out.Labels.Shape.Dims(),
		"coords":      out.Coords.Shape.Dims(),
	}
	if classes != nil {
		shapes["classes"] = classes.Shape.Dims()
	}
	return shapes
}
