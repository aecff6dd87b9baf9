package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/tensor"
)

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Nop())
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "pipeline.yaml", `
reference: normals
encoder:
  num_bins: 4
  space: linear
  min: -1
  max: 1
sampler:
  sample_count: 100
  training: true
  invalid_value: 0
  seed: 7
sources:
  - name: conv1
  - name: conv3
    scale: 0.25
    pad: 1
    pad_w: 2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Reference != "normals" || cfg.Encoder == nil || cfg.Encoder.NumBins != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	scfg, err := cfg.Sampler.Config(cfg.Sources)
	if err != nil {
		t.Fatalf("Sampler.Config: %v", err)
	}
	if !scfg.Training || scfg.SampleCount != 100 || scfg.Seed != 7 || scfg.Invalid == nil {
		t.Fatalf("unexpected sampler config: %+v", scfg)
	}
	if !scfg.Invalid([]float32{0, 0, 0}) || scfg.Invalid([]float32{0, 1, 0}) {
		t.Fatal("default invalid mode should require every channel to match")
	}
	src := scfg.Sources[1]
	if src.Scale != 0.25 || src.PadH != 1 || src.PadW != 2 {
		t.Fatalf("unexpected source: %+v", src)
	}
	if got := cfg.OutputNames(); got != DefaultOutput {
		t.Fatalf("OutputNames = %+v", got)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "pipeline.json", `{
  "reference": "depth",
  "sampler": {"skip_stride": 2, "invalid_mode": "nan"},
  "sources": [{"name": "pool2"}],
  "output": {"classes": "targets"}
}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Encoder != nil {
		t.Fatal("encoder should be absent")
	}
	names := cfg.OutputNames()
	if names.Classes != "targets" || names.Descriptors != "descriptors" {
		t.Fatalf("OutputNames = %+v", names)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown key", "a.yaml", "reference: r\nsources: [{name: f}]\nbogus: 1\n"},
		{"no reference", "b.yaml", "sources: [{name: f}]\n"},
		{"no sources", "c.yaml", "reference: r\n"},
		{"duplicate name", "d.yaml", "reference: r\nsources: [{name: r}]\n"},
		{"unnamed source", "e.yaml", "reference: r\nsources: [{scale: 1}]\n"},
		{"bad mode", "f.yaml", "reference: r\nsources: [{name: f}]\nsampler: {invalid_mode: some}\n"},
		{"training without count", "g.yaml", "reference: r\nsources: [{name: f}]\nsampler: {training: true}\n"},
		{"bad space", "h.yaml", "reference: r\nsources: [{name: f}]\nencoder: {num_bins: 2, space: cubic, max: 1}\n"},
		{"unknown json key", "i.json", `{"reference": "r", "sources": [{"name": "f"}], "extra": true}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := LoadConfig(writeFile(t, tc.file, tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// normals builds a (1,3,2,2) reference whose four locations hold the given
// per-location value in every channel.
func normals(t *testing.T, v [4]float32) *tensor.Blob {
	t.Helper()
	b := tensor.NewBlob(tensor.Shape{N: 1, C: 3, H: 2, W: 2})
	for c := 0; c < 3; c++ {
		for i := 0; i < 4; i++ {
			b.Set(0, c, i/2, i%2, v[i])
		}
	}
	return b
}

func features(t *testing.T) *tensor.Blob {
	t.Helper()
	b := tensor.NewBlob(tensor.Shape{N: 1, C: 2, H: 2, W: 2})
	for i := range b.Data {
		b.Data[i] = float32(i)
	}
	return b
}

func TestRunInference(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Reference: "normals",
		Encoder:   &discrete.Spec{NumBins: 2, Min: -1, Max: 1},
		Sources:   []SourceSpec{{Name: "conv1"}},
	}
	ref := normals(t, [4]float32{-1, 1, -1, 1})
	aux := features(t)
	p, err := New(testContext(), cfg, ref.Shape, []tensor.Shape{aux.Shape})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(testContext(), ref, []*tensor.Blob{aux})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Counts[0] != 4 {
		t.Fatalf("count = %d, want 4", res.Counts[0])
	}
	want := []float32{0, 7, 0, 7}
	for i, w := range want {
		if res.Classes.Data[i] != w {
			t.Fatalf("classes = %v, want %v", res.Classes.Data, want)
		}
	}
	if res.Classes.Shape != (tensor.Shape{N: 4, C: 1, H: 1, W: 1}) {
		t.Fatalf("classes shape = %v", res.Classes.Shape)
	}
	// Row 1 is location (0,1): channel 0 at offset 1, channel 1 at offset 5.
	if d := res.Descriptors.Data[2:4]; d[0] != 1 || d[1] != 5 {
		t.Fatalf("descriptor row 1 = %v", d)
	}
}

func TestRunTrainingMarksUnfilledRows(t *testing.T) {
	t.Parallel()
	zero := 0.0
	cfg := Config{
		Reference: "normals",
		Encoder:   &discrete.Spec{NumBins: 2, Min: -1, Max: 1},
		Sampler:   SamplerSpec{SampleCount: 3, Training: true, InvalidValue: &zero, Seed: 1},
		Sources:   []SourceSpec{{Name: "conv1"}},
	}
	ref := normals(t, [4]float32{0, 0, 0, 0})
	aux := features(t)
	p, err := New(testContext(), cfg, ref.Shape, []tensor.Shape{aux.Shape})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(testContext(), ref, []*tensor.Blob{aux})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Counts[0] != 0 {
		t.Fatalf("count = %d, want 0", res.Counts[0])
	}
	for i, v := range res.Classes.Data {
		if v != Unfilled {
			t.Fatalf("class[%d] = %v, want %d", i, v, Unfilled)
		}
	}

	// One valid location: every filled row must point at it.
	ref = normals(t, [4]float32{0, 0, 0, 1})
	res, err = p.Run(testContext(), ref, []*tensor.Blob{aux})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	n := res.Counts[0]
	if n == 0 {
		t.Fatal("expected at least one sampled point")
	}
	for r := 0; r < 3; r++ {
		want := float32(Unfilled)
		if r < n {
			want = 7
			if res.Coords.Data[r*3+1] != 1 || res.Coords.Data[r*3+2] != 1 {
				t.Fatalf("row %d coords = %v", r, res.Coords.Data[r*3:r*3+3])
			}
		}
		if res.Classes.Data[r] != want {
			t.Fatalf("class[%d] = %v, want %v", r, res.Classes.Data[r], want)
		}
	}
}

func TestRunWithoutEncoder(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Reference: "normals",
		Sampler:   SamplerSpec{SkipStride: 2, Workers: 2},
		Sources:   []SourceSpec{{Name: "conv1"}},
	}
	ref := normals(t, [4]float32{1, 1, 1, 1})
	aux := features(t)
	p, err := New(testContext(), cfg, ref.Shape, []tensor.Shape{aux.Shape})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Encoder() != nil {
		t.Fatal("encoder should be nil")
	}
	res, err := p.Run(testContext(), ref, []*tensor.Blob{aux})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classes != nil || res.Counts[0] != 1 {
		t.Fatalf("unexpected result: classes=%v counts=%v", res.Classes, res.Counts)
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()
	ref := tensor.Shape{N: 1, C: 3, H: 2, W: 2}
	aux := tensor.Shape{N: 1, C: 2, H: 2, W: 2}
	base := Config{Reference: "normals", Sources: []SourceSpec{{Name: "conv1"}}}

	if _, err := New(testContext(), base, ref, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing feature map: got %v", err)
	}

	clustering := base
	clustering.Encoder = &discrete.Spec{NumBins: 2, Method: "clustering", Max: 1}
	if _, err := New(testContext(), clustering, ref, []tensor.Shape{aux}); !errors.Is(err, discrete.ErrNotImplemented) {
		t.Fatalf("clustering: got %v", err)
	}

	inverted := base
	inverted.Encoder = &discrete.Spec{NumBins: 2, Min: 1, Max: 0}
	if _, err := New(testContext(), inverted, ref, []tensor.Shape{aux}); !errors.Is(err, discrete.ErrConfig) {
		t.Fatalf("inverted bounds: got %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()
	cfg := Config{Reference: "normals", Sources: []SourceSpec{{Name: "conv1"}}}
	ref := normals(t, [4]float32{})
	aux := features(t)
	p, err := New(testContext(), cfg, ref.Shape, []tensor.Shape{aux.Shape})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(testContext())
	cancel()
	if _, err := p.Run(ctx, ref, []*tensor.Blob{aux}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
