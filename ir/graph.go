package ir

import (
	"github.com/pkg/errors"
)

// ErrMissingAttribute is returned (wrapped) when a graph attribute required by a pass is absent,
// or holds a value of the wrong type.
var ErrMissingAttribute = errors.New("missing graph attribute")

// Graph holds the output entries of interest and an open-ended attribute bag, used to pass
// side-channel parameters into and results out of passes.
type Graph struct {
	Outputs []NodeEntry
	Attrs   map[string]any
}

// NewGraph creates a graph with the given outputs.
func NewGraph(outputs ...NodeEntry) *Graph {
	return &Graph{Outputs: outputs, Attrs: make(map[string]any)}
}

// SetAttr sets the attribute key to value, and returns the graph itself, so calls can be chained.
func (g *Graph) SetAttr(key string, value any) *Graph {
	if g.Attrs == nil {
		g.Attrs = make(map[string]any)
	}
	g.Attrs[key] = value
	return g
}

// HasAttr returns whether the attribute key is set.
func (g *Graph) HasAttr(key string) bool {
	_, found := g.Attrs[key]
	return found
}

// GetAttr returns the attribute key converted to T. It returns false if it is not set or if it holds
// a value of a different type.
func GetAttr[T any](g *Graph, key string) (value T, ok bool) {
	v, found := g.Attrs[key]
	if !found {
		return
	}
	value, ok = v.(T)
	return
}

// RequireAttr is like GetAttr, but returns an error wrapping ErrMissingAttribute if it is not set or if
// the value has the wrong type.
func RequireAttr[T any](g *Graph, key string) (T, error) {
	v, found := g.Attrs[key]
	if !found {
		var zero T
		return zero, errors.Wrapf(ErrMissingAttribute, "attribute %q is required", key)
	}
	value, ok := v.(T)
	if !ok {
		return value, errors.Wrapf(ErrMissingAttribute, "attribute %q has type %T, wanted %T", key, v, value)
	}
	return value, nil
}
