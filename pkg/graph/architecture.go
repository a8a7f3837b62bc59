package graph

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Framework type names, as Chainer reports them.
const (
	TypeConvolution   = "Convolution2D"
	TypeDeconvolution = "Deconvolution2D"
	TypeBatchNorm     = "BatchNormalization"
	TypeChain         = "Chain"
	TypeResidualBlock = "ResidualBlock"
)

// ErrNoLayers is returned for an architecture without layers.
var ErrNoLayers = errors.New("architecture declares no layers")

// Architecture is the network definition the parameters are read against.
type Architecture struct {
	Name   string      `yaml:"name"`
	Layers []LayerSpec `yaml:"layers"`
}

// LayerSpec declares one layer. Params lists parameters that must be present;
// parameters found in the store under the layer's path are loaded either way.
type LayerSpec struct {
	Name   string      `yaml:"name"`
	Type   string      `yaml:"type"`
	Params []string    `yaml:"params,omitempty"`
	Layers []LayerSpec `yaml:"layers,omitempty"`
}

// LoadArchitecture reads a YAML architecture file.
func LoadArchitecture(path string) (*Architecture, error) {
	//nolint:gosec // G304: config path is user supplied
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading architecture %q: %w", path, err)
	}
	arch, err := ParseArchitecture(b)
	if err != nil {
		return nil, fmt.Errorf("parsing architecture %q: %w", path, err)
	}
	return arch, nil
}

// ParseArchitecture parses YAML architecture data.
func ParseArchitecture(b []byte) (*Architecture, error) {
	arch := &Architecture{}
	if err := yaml.Unmarshal(b, arch); err != nil {
		return nil, err
	}
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	return arch, nil
}

// Validate checks that every layer is named and typed and that sibling names are unique.
func (a *Architecture) Validate() error {
	if len(a.Layers) == 0 {
		return ErrNoLayers
	}
	return validateLayers("", a.Layers)
}

func validateLayers(prefix string, layers []LayerSpec) error {
	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		path := joinPath(prefix, l.Name)
		if l.Name == "" {
			return fmt.Errorf("layer under %q has no name", prefix)
		}
		if l.Type == "" {
			return fmt.Errorf("layer %q has no type", path)
		}
		if seen[l.Name] {
			return fmt.Errorf("layer %q declared twice", path)
		}
		seen[l.Name] = true
		if err := validateLayers(path, l.Layers); err != nil {
			return err
		}
	}
	return nil
}

// FastStyleNet returns the feed-forward style-transfer network of Johnson et al.
// as trained by chainer-fast-neuralstyle: three convolutions, five residual
// blocks, three deconvolutions and five batch normalizations.
func FastStyleNet() *Architecture {
	conv := func(name string) LayerSpec {
		return LayerSpec{Name: name, Type: TypeConvolution, Params: []string{"W"}}
	}
	deconv := func(name string) LayerSpec {
		return LayerSpec{Name: name, Type: TypeDeconvolution, Params: []string{"W"}}
	}
	// Statistics are not required here; folding reports them missing per layer.
	bn := func(name string) LayerSpec {
		return LayerSpec{Name: name, Type: TypeBatchNorm}
	}
	residual := func(name string) LayerSpec {
		return LayerSpec{
			Name: name,
			Type: TypeResidualBlock,
			Layers: []LayerSpec{
				conv("c1"), conv("c2"), bn("b1"), bn("b2"),
			},
		}
	}

	return &Architecture{
		Name: "faststylenet",
		Layers: []LayerSpec{
			conv("c1"), conv("c2"), conv("c3"),
			residual("r1"), residual("r2"), residual("r3"), residual("r4"), residual("r5"),
			deconv("d1"), deconv("d2"), deconv("d3"),
			bn("b1"), bn("b2"), bn("b3"), bn("b4"), bn("b5"),
		},
	}
}
