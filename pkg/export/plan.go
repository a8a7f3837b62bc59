package export

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/modelexport/pkg/model"
	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// Entry is one exported parameter file.
type Entry struct {
	// Name is the qualified parameter name and the file stem.
	Name   string
	Tensor *tensor.Tensor
	// Declaration is the manifest text for the entry, without a trailing newline.
	Declaration string
}

func (e *Entry) FileName() string {
	return e.Name + ".dat"
}

func declaration(name string, shape tensor.Shape) string {
	return fmt.Sprintf("  modelParams[%q] = FileParameterBuffer(modelName: modelName, rawFileName: %q)\n  //%s shape = %s",
		name, name, name, shape)
}

// planner flattens a tree into entries in traversal order.
type planner struct {
	names   map[string]string // qualified name -> layer that produced it
	entries []*Entry
}

// Plan returns the entries for tree in pre-order, parents before children and
// children in declaration order. It fails with ErrDuplicateName if two entries
// share a name. Nothing is written.
func Plan(tree *model.Tree) ([]*Entry, error) {
	p := &planner{names: make(map[string]string)}
	if err := tree.Walk(p.visit); err != nil {
		return nil, err
	}
	return p.entries, nil
}

func (p *planner) visit(n *model.Node) error {
	switch n.Kind {
	case model.Convolution, model.Deconvolution:
		w, err := tensor.ConvertLayout(n.ExportWeight(), n.Layout())
		if err != nil {
			return &model.LayerError{Layer: n.Name, Op: "export", Err: err}
		}
		if err := p.add(n, "W", w); err != nil {
			return err
		}
		return p.add(n, "b", n.ExportBias())

	case model.BatchNorm:
		return p.visitBatchNorm(n)
	}
	return nil
}

// visitBatchNorm exports a batch normalization left in the tree when fusion is disabled.
func (p *planner) visitBatchNorm(n *model.Node) error {
	if n.RunningMean == nil || n.RunningVar == nil {
		return &model.LayerError{Layer: n.Name, Op: "export", Err: model.ErrMissingStatistics}
	}
	channels := n.RunningMean.Shape()

	gamma := n.Gamma
	if gamma == nil {
		gamma = tensor.Filled(channels, 1)
	}
	beta := n.Beta
	if beta == nil {
		beta = tensor.Zeros(channels)
	}

	stddev := tensor.Zeros(n.RunningVar.Shape())
	for i, v := range n.RunningVar.Data() {
		stddev.Data()[i] = float32(math.Sqrt(float64(v)))
	}

	for _, param := range []struct {
		suffix string
		t      *tensor.Tensor
	}{
		{"gamma", gamma},
		{"beta", beta},
		{"mean", n.RunningMean},
		{"stddev", stddev},
	} {
		if err := p.add(n, param.suffix, param.t); err != nil {
			return err
		}
	}
	return nil
}

func (p *planner) add(n *model.Node, suffix string, t *tensor.Tensor) error {
	name := model.QualifiedName(n.Name, suffix)
	if previous, found := p.names[name]; found {
		return &model.LayerError{
			Layer:   n.Name,
			Op:      "export",
			Details: fmt.Sprintf("%q is also produced by layer %q", name, previous),
			Err:     ErrDuplicateName,
		}
	}
	p.names[name] = n.Name
	p.entries = append(p.entries, &Entry{
		Name:        name,
		Tensor:      t,
		Declaration: declaration(name, t.Shape()),
	})
	return nil
}
