package model

import (
	"errors"
	"fmt"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

var (
	ErrUnrecognizedLayerKind = errors.New("unrecognized layer kind")
	ErrShapeMismatch         = errors.New("shape mismatch")
	ErrMissingStatistics     = errors.New("batch normalization has no running statistics")
	ErrMissingParameter      = errors.New("missing parameter")
	ErrNotFusable            = errors.New("layers cannot be fused")
)

// LayerError ties a failure to the qualified layer it happened on.
type LayerError struct {
	Layer    string
	Op       string       // "build", "fold", ...
	Expected tensor.Shape // set for shape mismatches
	Actual   tensor.Shape
	Details  string
	Err      error
}

func (e *LayerError) Error() string {
	msg := fmt.Sprintf("%s layer %q: %v", e.Op, e.Layer, e.Err)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Expected != nil || e.Actual != nil {
		msg += fmt.Sprintf(" (expected %v, got %v)", e.Expected, e.Actual)
	}
	return msg
}

func (e *LayerError) Unwrap() error {
	return e.Err
}
