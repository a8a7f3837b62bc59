// Package graph describes a trained network as the training framework sees it:
// a tree of layers, each with a framework type name and the parameters it owns.
package graph

import (
	"context"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexport/pkg/store"
	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// Node is one layer of the trained network. Type is the framework's class name
// ("Convolution2D", "BatchNormalization", "ResidualBlock", ...).
type Node struct {
	Name     string
	Type     string
	Params   map[string]*tensor.Tensor
	Children []*Node
}

// Param returns the named parameter, or nil.
func (n *Node) Param(name string) *tensor.Tensor {
	if n.Params == nil {
		return nil
	}
	return n.Params[name]
}

// Walk calls fn for n and every descendant, parents first.
func (n *Node) Walk(fn func(path string, n *Node)) {
	n.walk("", fn)
}

func (n *Node) walk(prefix string, fn func(string, *Node)) {
	path := joinPath(prefix, n.Name)
	fn(path, n)
	for _, child := range n.Children {
		child.walk(path, fn)
	}
}

// Build loads the parameters named by arch from s and returns the root node.
// Store keys are "/"-joined layer paths followed by the parameter name.
func Build(ctx context.Context, arch *Architecture, s store.Store) (*Node, error) {
	log := klog.FromContext(ctx)

	byScope := make(map[string][]string)
	for _, name := range s.Names() {
		i := strings.LastIndex(name, "/")
		scope, param := "", name
		if i >= 0 {
			scope, param = name[:i], name[i+1:]
		}
		byScope[scope] = append(byScope[scope], param)
	}

	// The root is unnamed; store keys are relative to it.
	claimed := make(map[string]bool)
	root := &Node{Type: TypeChain}
	for _, layer := range arch.Layers {
		child, err := buildLayer(s, layer, "", byScope, claimed)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, child)
	}

	for scope, params := range byScope {
		if claimed[scope] {
			continue
		}
		for _, param := range params {
			log.Info("ignoring parameter not owned by any layer", "tensor", joinPath(scope, param))
		}
	}

	return root, nil
}

func buildLayer(s store.Store, spec LayerSpec, prefix string, byScope map[string][]string, claimed map[string]bool) (*Node, error) {
	path := joinPath(prefix, spec.Name)
	n := &Node{Name: spec.Name, Type: spec.Type}

	if params := byScope[path]; len(params) > 0 {
		claimed[path] = true
		n.Params = make(map[string]*tensor.Tensor, len(params))
		for _, param := range params {
			t, err := s.Tensor(path + "/" + param)
			if err != nil {
				return nil, fmt.Errorf("loading parameter %s/%s: %w", path, param, err)
			}
			n.Params[param] = t
		}
	}

	for _, want := range spec.Params {
		if _, ok := n.Params[want]; !ok {
			return nil, fmt.Errorf("layer %q: parameter %q: %w", path, want, os.ErrNotExist)
		}
	}

	for _, childSpec := range spec.Layers {
		child, err := buildLayer(s, childSpec, path, byScope, claimed)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func joinPath(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "/" + name
	}
}
