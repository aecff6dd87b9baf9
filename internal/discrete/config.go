package discrete

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig reports an invalid encoder configuration. It is fatal at setup.
	ErrConfig = errors.New("discrete: invalid configuration")
	// ErrNotImplemented is returned when the clustering method is selected.
	ErrNotImplemented = errors.New("discrete: method not implemented")
)

// Space selects how the [Min, Max] range is split into bins.
type Space int

const (
	SpaceLinear Space = iota
	SpaceLog
)

func (s Space) String() string {
	switch s {
	case SpaceLinear:
		return "linear"
	case SpaceLog:
		return "log"
	default:
		return fmt.Sprintf("Space(%d)", int(s))
	}
}

// ParseSpace accepts "linear", "log" and "logarithmic".
func ParseSpace(s string) (Space, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear", "":
		return SpaceLinear, nil
	case "log", "logarithmic":
		return SpaceLog, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized space %q (want linear or log)", ErrConfig, s)
	}
}

// Method selects the discretization algorithm.
type Method int

const (
	MethodOrdinary Method = iota
	// MethodClustering is recognized so configs naming it parse, but New
	// rejects it with ErrNotImplemented.
	MethodClustering
)

func (m Method) String() string {
	switch m {
	case MethodOrdinary:
		return "ordinary"
	case MethodClustering:
		return "clustering"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ordinary", "":
		return MethodOrdinary, nil
	case "clustering":
		return MethodClustering, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized method %q (want ordinary or clustering)", ErrConfig, s)
	}
}

// Config is the encoder configuration. Min and Max are shared by every channel.
type Config struct {
	NumBins int
	Space   Space
	Method  Method
	Min     float64
	Max     float64
}

// Spec is the serialisable form of Config used by YAML/JSON configs and the
// HTTP API.
type Spec struct {
	NumBins int     `yaml:"num_bins" json:"num_bins"`
	Space   string  `yaml:"space" json:"space"`
	Method  string  `yaml:"method" json:"method"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
}

// Config parses the enum fields. Numeric validation happens in New.
func (s Spec) Config() (Config, error) {
	space, err := ParseSpace(s.Space)
	if err != nil {
		return Config{}, err
	}
	method, err := ParseMethod(s.Method)
	if err != nil {
		return Config{}, err
	}
	return Config{
		NumBins: s.NumBins,
		Space:   space,
		Method:  method,
		Min:     s.Min,
		Max:     s.Max,
	}, nil
}

func (c Config) validate() error {
	if c.NumBins <= 0 {
		return fmt.Errorf("%w: num_bins must be > 0, got %d", ErrConfig, c.NumBins)
	}
	switch c.Space {
	case SpaceLinear, SpaceLog:
	default:
		return fmt.Errorf("%w: unrecognized space %v", ErrConfig, c.Space)
	}
	switch c.Method {
	case MethodOrdinary:
	case MethodClustering:
		return fmt.Errorf("%w: clustering", ErrNotImplemented)
	default:
		return fmt.Errorf("%w: unrecognized method %v", ErrConfig, c.Method)
	}
	if !(c.Max > c.Min) {
		return fmt.Errorf("%w: max (%g) must exceed min (%g)", ErrConfig, c.Max, c.Min)
	}
	return nil
}
