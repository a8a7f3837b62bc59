package model

import (
	"fmt"
	"strings"

	"k8s.io/examples/AI/modelexport/pkg/graph"
	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// Kind is the closed set of layer categories the exporter understands.
type Kind int

const (
	Other Kind = iota
	Convolution
	Deconvolution
	BatchNorm
	Composite
)

func (k Kind) String() string {
	switch k {
	case Convolution:
		return "Convolution"
	case Deconvolution:
		return "Deconvolution"
	case BatchNorm:
		return "BatchNorm"
	case Composite:
		return "Composite"
	case Other:
		return "Other"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Separator joins the local names of a qualified name.
const Separator = "_"

// otherTypes are parameter-free (or non-exported) layer types we recognize.
var otherTypes = map[string]bool{
	"ReLU":     true,
	"Tanh":     true,
	"Identity": true,
	"Linear":   true,
	"Dropout":  true,
}

var compositeTypes = map[string]bool{
	graph.TypeChain:         true,
	graph.TypeResidualBlock: true,
	"Sequential":            true,
	"ChainList":             true,
}

// Node is one layer of the export tree.
type Node struct {
	Kind      Kind
	LocalName string
	Name      string

	// Convolution and Deconvolution.
	Weight *tensor.Tensor
	Bias   *tensor.Tensor

	// BatchNorm.
	Gamma       *tensor.Tensor
	Beta        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor

	// Composite.
	Children []*Node

	// Set by Fold; export prefers these over Weight and Bias.
	FoldedWeight *tensor.Tensor
	FoldedBias   *tensor.Tensor
}

// NormalizeName maps every slash-like separator in a local name to Separator
// and trims separators from both ends.
func NormalizeName(local string) string {
	s := strings.NewReplacer("/", Separator, `\`, Separator).Replace(local)
	return strings.Trim(s, Separator)
}

// QualifiedName joins a parent's qualified name and a local name.
func QualifiedName(parent, local string) string {
	local = NormalizeName(local)
	switch {
	case parent == "":
		return local
	case local == "":
		return parent
	default:
		return parent + Separator + local
	}
}

// NewNode mirrors src and its descendants. parent is the qualified name of
// src's parent ("" at the root).
func NewNode(src *graph.Node, parent string) (*Node, error) {
	n := &Node{
		LocalName: NormalizeName(src.Name),
		Name:      QualifiedName(parent, src.Name),
	}

	switch {
	case src.Type == graph.TypeConvolution:
		n.Kind = Convolution
	case src.Type == graph.TypeDeconvolution:
		n.Kind = Deconvolution
	case src.Type == graph.TypeBatchNorm:
		n.Kind = BatchNorm
	case compositeTypes[src.Type] || len(src.Children) > 0:
		n.Kind = Composite
	case otherTypes[src.Type]:
		n.Kind = Other
	default:
		return nil, &LayerError{Layer: n.Name, Op: "build", Details: fmt.Sprintf("type %q", src.Type), Err: ErrUnrecognizedLayerKind}
	}

	if n.Kind != Composite && len(src.Children) > 0 {
		return nil, &LayerError{Layer: n.Name, Op: "build", Details: fmt.Sprintf("%s layer of type %q has children", n.Kind, src.Type), Err: ErrUnrecognizedLayerKind}
	}

	switch n.Kind {
	case Convolution, Deconvolution:
		if err := n.bindConvolution(src); err != nil {
			return nil, err
		}
	case BatchNorm:
		if err := n.bindBatchNorm(src); err != nil {
			return nil, err
		}
	case Composite:
		for _, c := range src.Children {
			child, err := NewNode(c, n.Name)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
	}
	return n, nil
}

func (n *Node) bindConvolution(src *graph.Node) error {
	n.Weight = src.Param("W")
	n.Bias = src.Param("b")

	if n.Weight == nil {
		return &LayerError{Layer: n.Name, Op: "build", Details: "W", Err: ErrMissingParameter}
	}
	if n.Weight.NDim() != 4 {
		return &LayerError{Layer: n.Name, Op: "build", Details: "W must be 4-D", Actual: n.Weight.Shape(), Err: ErrShapeMismatch}
	}
	if n.Bias != nil {
		want := tensor.Shape{n.OutputChannels()}
		if !n.Bias.Shape().Equal(want) {
			return &LayerError{Layer: n.Name, Op: "build", Details: "b", Expected: want, Actual: n.Bias.Shape(), Err: ErrShapeMismatch}
		}
	}
	return nil
}

func (n *Node) bindBatchNorm(src *graph.Node) error {
	n.Gamma = src.Param("gamma")
	n.Beta = src.Param("beta")
	n.RunningMean = src.Param("avg_mean")
	n.RunningVar = src.Param("avg_var")

	for name, t := range map[string]*tensor.Tensor{
		"gamma":    n.Gamma,
		"beta":     n.Beta,
		"avg_mean": n.RunningMean,
		"avg_var":  n.RunningVar,
	} {
		if t != nil && t.NDim() != 1 {
			return &LayerError{Layer: n.Name, Op: "build", Details: name + " must be 1-D", Actual: t.Shape(), Err: ErrShapeMismatch}
		}
	}
	return nil
}

// Layout returns the training-time weight layout of a convolution-like node.
func (n *Node) Layout() tensor.Layout {
	if n.Kind == Deconvolution {
		return tensor.DeconvolutionLayout
	}
	return tensor.ConvolutionLayout
}

// OutputChannels returns the size of the weight's output-channel axis.
func (n *Node) OutputChannels() int {
	return n.Weight.Shape()[n.Layout().OutputChannelAxis()]
}

// ExportWeight returns the folded weight if fusion ran, else the raw weight.
func (n *Node) ExportWeight() *tensor.Tensor {
	if n.FoldedWeight != nil {
		return n.FoldedWeight
	}
	return n.Weight
}

// ExportBias returns the folded bias, the raw bias, or zeros when the layer
// was trained without a bias.
func (n *Node) ExportBias() *tensor.Tensor {
	switch {
	case n.FoldedBias != nil:
		return n.FoldedBias
	case n.Bias != nil:
		return n.Bias
	default:
		return tensor.Zeros(tensor.Shape{n.OutputChannels()})
	}
}

// Fused reports whether a batch normalization has been folded into n.
func (n *Node) Fused() bool {
	return n.FoldedWeight != nil
}

// Walk visits n and its descendants, parents before children.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}
