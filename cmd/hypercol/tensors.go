package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/hypercol/internal/hypercolumn"
	"github.com/samcharles93/hypercol/internal/pipeline"
	"github.com/samcharles93/hypercol/internal/safetensors"
	"github.com/samcharles93/hypercol/internal/tensor"
)

// parseFeature parses a --feature value of the form name[:scale[:pad]].
// An empty or omitted scale is derived from the tensor shapes.
func parseFeature(s string) (pipeline.SourceSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 || strings.TrimSpace(parts[0]) == "" {
		return pipeline.SourceSpec{}, fmt.Errorf("invalid feature %q (want name[:scale[:pad]])", s)
	}
	src := pipeline.SourceSpec{Name: strings.TrimSpace(parts[0])}
	if len(parts) > 1 && parts[1] != "" {
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || v < 0 {
			return pipeline.SourceSpec{}, fmt.Errorf("invalid scale in feature %q", s)
		}
		src.Scale = v
	}
	if len(parts) > 2 && parts[2] != "" {
		v, err := strconv.Atoi(parts[2])
		if err != nil {
			return pipeline.SourceSpec{}, fmt.Errorf("invalid pad in feature %q", s)
		}
		src.Pad = v
	}
	return src, nil
}

// readBlobs reads the named tensors from f in order.
func readBlobs(f *safetensors.File, names ...string) ([]*tensor.Blob, error) {
	out := make([]*tensor.Blob, len(names))
	for i, name := range names {
		b, err := f.ReadBlob(name)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func shapesOf(blobs []*tensor.Blob) []tensor.Shape {
	out := make([]tensor.Shape, len(blobs))
	for i, b := range blobs {
		out[i] = b.Shape
	}
	return out
}

// addSamplerOutput stages the sampler outputs plus per-item counts.
func addSamplerOutput(w *safetensors.Writer, names pipeline.OutputSpec, out *hypercolumn.Output) {
	w.Add(names.Descriptors, out.Descriptors)
	w.Add(names.Labels, out.Labels)
	w.Add(names.Coords, out.Coords)
	counts := make([]float32, len(out.Counts))
	for i, c := range out.Counts {
		counts[i] = float32(c)
	}
	w.AddF32("counts", []int{len(counts)}, counts)
}
