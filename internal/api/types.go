package api

import (
	"time"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/pipeline"
	"github.com/samcharles93/hypercol/internal/tensor"
)

// Tensor is the wire form of a blob. Shape has rank 1 to 4 on input and is
// always NCHW on output.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func (t Tensor) Blob() (*tensor.Blob, error) {
	shape, err := tensor.ShapeFromDims(t.Shape)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(shape, t.Data)
}

func tensorOf(b *tensor.Blob) *Tensor {
	if b == nil {
		return nil
	}
	return &Tensor{Shape: b.Shape.Dims(), Data: b.Data}
}

type EncodeRequest struct {
	Config discrete.Spec `json:"config"`
	Input  Tensor        `json:"input"`
}

type EncodeResponse struct {
	ID                    string  `json:"id"`
	Object                string  `json:"object"`
	Output                *Tensor `json:"output"`
	LabelCount            float64 `json:"label_count"`
	NominalBinsPerChannel int     `json:"nominal_bins_per_channel"`
}

type SampleRequest struct {
	Sampler   pipeline.SamplerSpec  `json:"sampler"`
	Sources   []pipeline.SourceSpec `json:"sources,omitempty"`
	Reference Tensor                `json:"reference"`
	Features  []Tensor              `json:"features"`
}

type SampleResponse struct {
	ID          string  `json:"id"`
	Object      string  `json:"object"`
	Descriptors *Tensor `json:"descriptors"`
	Labels      *Tensor `json:"labels"`
	Coords      *Tensor `json:"coords"`
	Counts      []int   `json:"counts"`
}

// PipelineRequest runs a full pipeline config against named tensors.
type PipelineRequest struct {
	Config  pipeline.Config   `json:"config"`
	Tensors map[string]Tensor `json:"tensors"`
}

type PipelineResponse struct {
	SampleResponse
	Classes *Tensor `json:"classes,omitempty"`
}

// Run is the summary kept for each completed request.
type Run struct {
	ID         string           `json:"id"`
	Object     string           `json:"object"`
	Kind       string           `json:"kind"`
	CreatedAt  int64            `json:"created_at"`
	DurationMS float64          `json:"duration_ms"`
	Inputs     map[string][]int `json:"inputs"`
	Outputs    map[string][]int `json:"outputs"`
	Counts     []int            `json:"counts,omitempty"`
	LabelCount float64          `json:"label_count,omitempty"`
}

type DeleteRunResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Runs    int    `json:"runs"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
