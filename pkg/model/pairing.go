package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pairing says which batch normalization normalizes which convolution.
// Pairs maps a convolution's local name to a batch normalization's local name in
// the same scope and applies in every scope; Scopes replaces Pairs for the
// composite at the given path below the root (e.g. "r1"), regardless of any
// name prefix on the tree.
type Pairing struct {
	Pairs  map[string]string            `yaml:"pairs"`
	Scopes map[string]map[string]string `yaml:"scopes,omitempty"`
}

// DefaultPairing is the FastStyleNet table. Inside each residual block the same
// entries pair c1 with b1 and c2 with b2.
func DefaultPairing() *Pairing {
	return &Pairing{
		Pairs: map[string]string{
			"c1": "b1",
			"c2": "b2",
			"c3": "b3",
			"d1": "b4",
			"d2": "b5",
		},
	}
}

// For returns the table that applies inside the composite at path scope below the root.
func (p *Pairing) For(scope string) map[string]string {
	if p == nil {
		return nil
	}
	if pairs, ok := p.Scopes[scope]; ok {
		return pairs
	}
	return p.Pairs
}

// LoadPairing reads a YAML pairing file.
func LoadPairing(path string) (*Pairing, error) {
	//nolint:gosec // G304: config path is user supplied
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pairing %q: %w", path, err)
	}
	p, err := ParsePairing(b)
	if err != nil {
		return nil, fmt.Errorf("parsing pairing %q: %w", path, err)
	}
	return p, nil
}

// ParsePairing parses YAML pairing data. Names are normalized the same way
// layer names are.
func ParsePairing(b []byte) (*Pairing, error) {
	raw := &Pairing{}
	if err := yaml.Unmarshal(b, raw); err != nil {
		return nil, err
	}

	p := &Pairing{Pairs: normalizePairs(raw.Pairs)}
	if len(raw.Scopes) > 0 {
		p.Scopes = make(map[string]map[string]string, len(raw.Scopes))
		for scope, pairs := range raw.Scopes {
			p.Scopes[QualifiedName("", scope)] = normalizePairs(pairs)
		}
	}
	return p, nil
}

func normalizePairs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for conv, bn := range in {
		out[NormalizeName(conv)] = NormalizeName(bn)
	}
	return out
}
