package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/hypercolumn"
)

// ErrConfig reports a pipeline configuration that cannot be used.
var ErrConfig = errors.New("pipeline: invalid configuration")

// Config is the on-disk pipeline description.
//
//	reference: normals
//	encoder:
//	  num_bins: 4
//	  min: -1
//	  max: 1
//	sampler:
//	  sample_count: 1000
//	  training: true
//	  invalid_value: 0
//	sources:
//	  - name: conv1
//	  - name: conv3
//	    scale: 0.25
type Config struct {
	Reference string         `yaml:"reference" json:"reference"`
	Encoder   *discrete.Spec `yaml:"encoder,omitempty" json:"encoder,omitempty"`
	Sampler   SamplerSpec    `yaml:"sampler" json:"sampler"`
	Sources   []SourceSpec   `yaml:"sources" json:"sources"`
	Output    *OutputSpec    `yaml:"output,omitempty" json:"output,omitempty"`
}

// SamplerSpec is the serialisable form of hypercolumn.Config.
type SamplerSpec struct {
	SampleCount int  `yaml:"sample_count" json:"sample_count"`
	Training    bool `yaml:"training" json:"training"`
	SkipStride  int  `yaml:"skip_stride" json:"skip_stride"`
	// InvalidValue enables training-time filtering when set.
	InvalidValue *float64 `yaml:"invalid_value,omitempty" json:"invalid_value,omitempty"`
	// InvalidMode is "all" (default), "any" or "nan".
	InvalidMode string `yaml:"invalid_mode,omitempty" json:"invalid_mode,omitempty"`
	Seed        int64  `yaml:"seed" json:"seed"`
	RetryFactor int    `yaml:"retry_factor,omitempty" json:"retry_factor,omitempty"`
	Workers     int    `yaml:"workers,omitempty" json:"workers,omitempty"`
	// MaxOutputElements is set by the caller, never read from a file.
	MaxOutputElements int `yaml:"-" json:"-"`
}

// SourceSpec names one feature map and how it aligns with the reference.
type SourceSpec struct {
	Name   string  `yaml:"name" json:"name"`
	Scale  float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	ScaleH float64 `yaml:"scale_h,omitempty" json:"scale_h,omitempty"`
	ScaleW float64 `yaml:"scale_w,omitempty" json:"scale_w,omitempty"`
	Pad    int     `yaml:"pad,omitempty" json:"pad,omitempty"`
	PadH   *int    `yaml:"pad_h,omitempty" json:"pad_h,omitempty"`
	PadW   *int    `yaml:"pad_w,omitempty" json:"pad_w,omitempty"`
}

// OutputSpec renames the tensors written by the CLI.
type OutputSpec struct {
	Descriptors string `yaml:"descriptors" json:"descriptors"`
	Labels      string `yaml:"labels" json:"labels"`
	Coords      string `yaml:"coords" json:"coords"`
	Classes     string `yaml:"classes" json:"classes"`
}

// DefaultOutput is used when a config has no output section.
var DefaultOutput = OutputSpec{
	Descriptors: "descriptors",
	Labels:      "labels",
	Coords:      "coords",
	Classes:     "classes",
}

// OutputNames returns the configured tensor names with defaults filled in.
func (c *Config) OutputNames() OutputSpec {
	out := DefaultOutput
	if c.Output == nil {
		return out
	}
	if c.Output.Descriptors != "" {
		out.Descriptors = c.Output.Descriptors
	}
	if c.Output.Labels != "" {
		out.Labels = c.Output.Labels
	}
	if c.Output.Coords != "" {
		out.Coords = c.Output.Coords
	}
	if c.Output.Classes != "" {
		out.Classes = c.Output.Classes
	}
	return out
}

// LoadConfig reads a pipeline config. Files ending in .json are decoded as
// JSON, everything else as YAML. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the fields that do not depend on tensor shapes. Encoder
// bounds and scales are checked again when the pipeline is built.
func (c *Config) Validate() error {
	if c.Reference == "" {
		return fmt.Errorf("%w: reference tensor name is required", ErrConfig)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: %v", ErrConfig, hypercolumn.ErrNoSources)
	}
	seen := map[string]bool{c.Reference: true}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("%w: source %d has no name", ErrConfig, i)
		}
		if seen[src.Name] {
			return fmt.Errorf("%w: tensor %q listed twice", ErrConfig, src.Name)
		}
		seen[src.Name] = true
	}
	if _, err := c.Sampler.Config(nil); err != nil {
		return err
	}
	if c.Encoder != nil {
		if _, err := c.Encoder.Config(); err != nil {
			return err
		}
	}
	return nil
}

// Config converts s to a sampler configuration using sources for the
// per-map alignment.
func (s SamplerSpec) Config(sources []SourceSpec) (hypercolumn.Config, error) {
	if s.SampleCount < 0 || s.SkipStride < 0 || s.RetryFactor < 0 || s.Workers < 0 {
		return hypercolumn.Config{}, fmt.Errorf("%w: sampler fields must not be negative", ErrConfig)
	}
	if s.Training && s.SampleCount == 0 {
		return hypercolumn.Config{}, fmt.Errorf("%w: sample_count is required in training", ErrConfig)
	}
	cfg := hypercolumn.Config{
		SampleCount: s.SampleCount,
		Training:    s.Training,
		SkipStride:  s.SkipStride,
		Seed:        s.Seed,
		RetryFactor: s.RetryFactor,

		MaxOutputElements: s.MaxOutputElements,
	}
	mode := strings.ToLower(strings.TrimSpace(s.InvalidMode))
	switch mode {
	case "", "all", "any":
		if s.InvalidValue != nil {
			v := float32(*s.InvalidValue)
			if mode == "any" {
				cfg.Invalid = hypercolumn.InvalidAny(v)
			} else {
				cfg.Invalid = hypercolumn.InvalidEquals(v)
			}
		}
	case "nan":
		cfg.Invalid = hypercolumn.InvalidNaN()
	default:
		return hypercolumn.Config{}, fmt.Errorf("%w: unrecognized invalid_mode %q (want all, any or nan)", ErrConfig, s.InvalidMode)
	}
	for _, src := range sources {
		cfg.Sources = append(cfg.Sources, src.Source())
	}
	return cfg, nil
}

// Source converts s to a hypercolumn.Source. PadH and PadW override
// Pad for their axis.
func (s SourceSpec) Source() hypercolumn.Source {
	src := hypercolumn.Source{
		Name:   s.Name,
		Scale:  s.Scale,
		ScaleH: s.ScaleH,
		ScaleW: s.ScaleW,
		PadH:   s.Pad,
		PadW:   s.Pad,
	}
	if s.PadH != nil {
		src.PadH = *s.PadH
	}
	if s.PadW != nil {
		src.PadW = *s.PadW
	}
	return src
}
