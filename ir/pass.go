package ir

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassFn transforms a graph into a new graph.
type PassFn func(src *Graph) (*Graph, error)

// PassInfo describes a registered pass.
type PassInfo struct {
	Name        string
	Description string

	// ChangeGraph indicates the pass returns a graph with a different structure than its input.
	ChangeGraph bool

	// DependGraphAttrs lists the graph attributes that must be present before the pass can run.
	DependGraphAttrs []string

	Body PassFn
}

// PassRegistry holds the passes known to a host. Like Registry, it is built by the host and handed
// explicitly to whoever applies passes.
type PassRegistry struct {
	passes map[string]*PassInfo
}

// NewPassRegistry returns an empty pass registry.
func NewPassRegistry() *PassRegistry {
	return &PassRegistry{passes: make(map[string]*PassInfo)}
}

// Register adds the pass, replacing any previous pass with the same name.
func (r *PassRegistry) Register(info PassInfo) {
	r.passes[info.Name] = &info
}

// Lookup returns the pass with the given name, or nil.
func (r *PassRegistry) Lookup(name string) *PassInfo {
	return r.passes[name]
}

// Apply runs the named passes in sequence, each one on the result of the previous.
//
// Before running a pass it checks that all its DependGraphAttrs are present in the graph it is given.
func (r *PassRegistry) Apply(g *Graph, names ...string) (*Graph, error) {
	for _, name := range names {
		pass := r.passes[name]
		if pass == nil {
			return nil, errors.Errorf("pass %q not registered", name)
		}
		for _, key := range pass.DependGraphAttrs {
			if !g.HasAttr(key) {
				return nil, errors.Wrapf(ErrMissingAttribute, "pass %q requires attribute %q", name, key)
			}
		}
		klog.V(1).Infof("applying pass %q", name)
		result, err := pass.Body(g)
		if err != nil {
			return nil, errors.WithMessagef(err, "pass %q failed", name)
		}
		g = result
	}
	return g, nil
}
