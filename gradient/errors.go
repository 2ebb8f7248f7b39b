package gradient

import (
	"github.com/gomlx/symgrad/ir"
	"github.com/pkg/errors"
)

// Errors returned (wrapped) by Gradient. Use errors.Is to test for them.
var (
	// ErrMissingAttribute: one of the required graph attributes is absent or has the wrong type.
	ErrMissingAttribute = ir.ErrMissingAttribute

	// ErrSizeMismatch: grad_ys and grad_ys_out_grad have different lengths.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrNoGradientRule: a node reached during the backward traversal has an op without a gradient rule.
	ErrNoGradientRule = errors.New("no gradient rule")

	// ErrArityMismatch: a gradient rule returned a number of gradients different from the number of inputs.
	ErrArityMismatch = errors.New("gradient arity mismatch")
)
