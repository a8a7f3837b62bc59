// Package model mirrors a trained network as a tree of typed layers and folds
// batch normalizations into the convolutions they follow.
package model

import (
	"context"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexport/pkg/graph"
)

// Tree is the export tree: a Composite root plus the pairing table used to fuse it.
type Tree struct {
	Root    *Node
	Pairing *Pairing
	Epsilon float64
}

// Fusion records a batch normalization that was folded into a convolution.
type Fusion struct {
	Conv      *Node
	BatchNorm *Node
}

// NewTree builds the tree for src. prefix becomes the root's qualified name and
// so prefixes every exported name; it is usually empty.
func NewTree(src *graph.Node, prefix string, pairing *Pairing) (*Tree, error) {
	root, err := NewNode(src, prefix)
	if err != nil {
		return nil, err
	}
	if root.Kind != Composite {
		root = &Node{Kind: Composite, Name: NormalizeName(prefix), Children: []*Node{root}}
	}
	return &Tree{Root: root, Pairing: pairing, Epsilon: DefaultEpsilon}, nil
}

// Walk visits every node, parents before children.
func (t *Tree) Walk(fn func(*Node) error) error {
	return t.Root.Walk(fn)
}

// MergeBatchNorm folds every paired batch normalization into its convolution and
// removes all batch normalization nodes from the tree, fused or not.
// Convolutions whose pairing entry is missing or does not resolve to a sibling
// batch normalization are left unfused.
func (t *Tree) MergeBatchNorm(ctx context.Context) ([]Fusion, error) {
	epsilon := t.Epsilon
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	var fusions []Fusion
	if err := t.merge(ctx, t.Root, "", epsilon, &fusions); err != nil {
		return nil, err
	}
	return fusions, nil
}

// merge fuses within scope. path is the scope's name relative to the root, so
// pairing overrides do not depend on the root prefix.
func (t *Tree) merge(ctx context.Context, scope *Node, path string, epsilon float64, fusions *[]Fusion) error {
	log := klog.FromContext(ctx)

	pairs := t.Pairing.For(path)
	batchNorms := make(map[string]*Node)
	for _, child := range scope.Children {
		if child.Kind == BatchNorm {
			if _, dup := batchNorms[child.LocalName]; !dup {
				batchNorms[child.LocalName] = child
			}
		}
	}

	consumed := make(map[*Node]bool)
	for _, child := range scope.Children {
		switch child.Kind {
		case Composite:
			if err := t.merge(ctx, child, QualifiedName(path, child.LocalName), epsilon, fusions); err != nil {
				return err
			}

		case Convolution, Deconvolution:
			target, ok := pairs[child.LocalName]
			if !ok {
				log.V(2).Info("no pairing entry, exporting unfused", "layer", child.Name)
				continue
			}
			bn, ok := batchNorms[target]
			if !ok {
				log.Info("pairing does not resolve to a batch normalization, exporting unfused", "layer", child.Name, "pair", target)
				continue
			}
			if consumed[bn] {
				log.Info("batch normalization already folded into another layer, exporting unfused", "layer", child.Name, "pair", bn.Name)
				continue
			}
			if err := Fold(child, bn, epsilon); err != nil {
				return err
			}
			consumed[bn] = true
			*fusions = append(*fusions, Fusion{Conv: child, BatchNorm: bn})
			log.V(2).Info("folded batch normalization", "layer", child.Name, "batchNorm", bn.Name)
		}
	}

	kept := make([]*Node, 0, len(scope.Children))
	for _, child := range scope.Children {
		if child.Kind == BatchNorm {
			if !consumed[child] {
				log.Info("dropping unpaired batch normalization", "layer", child.Name)
			}
			continue
		}
		kept = append(kept, child)
	}
	scope.Children = kept
	return nil
}
