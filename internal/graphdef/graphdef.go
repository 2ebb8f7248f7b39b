// Package graphdef reads graph definitions from YAML files and builds the corresponding IR graph, with
// the attributes of the gradient pass already set.
//
// A definition looks like:
//
//	nodes:
//	  - name: x
//	    value: 0.5          # Variables (no op) may carry a value, used for evaluation.
//	  - name: s
//	    op: sincos
//	    inputs: [x]
//	  - name: y
//	    op: mul
//	    inputs: ["s:0", "s:1"]  # "name" is output 0, "name:N" is output N.
//	ys: [y]
//	seeds: [g]              # Optional: by default each y is seeded with a new variable "<y>_grad" = 1.
//	xs: [x]
//
// Nodes must be defined before they are referenced, so definitions are always acyclic.
package graphdef

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/gradient"
	"github.com/gomlx/symgrad/ir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NodeDef is the definition of one node.
type NodeDef struct {
	Name        string   `yaml:"name"`
	Op          string   `yaml:"op"`
	Inputs      []string `yaml:"inputs"`
	ControlDeps []string `yaml:"control_deps"`
	Value       *Value   `yaml:"value"`
}

// File is the YAML layout of a graph definition.
type File struct {
	Nodes []NodeDef `yaml:"nodes"`
	Ys    []string  `yaml:"ys"`
	Seeds []string  `yaml:"seeds"`
	Xs    []string  `yaml:"xs"`
}

// Value of a variable: a scalar or a list of values.
type Value struct {
	scalar float64
	list   []float64
	isList bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&v.scalar)
	case yaml.SequenceNode:
		v.isList = true
		return node.Decode(&v.list)
	}
	return errors.Errorf("line %d: value must be a number or a list of numbers", node.Line)
}

// Any returns the value as a float64 or a []float64.
func (v *Value) Any() any {
	if v.isList {
		return v.list
	}
	return v.scalar
}

// Definition is a parsed graph definition.
type Definition struct {
	// Graph has the ys as outputs and the gradient pass attributes set.
	Graph *ir.Graph

	Ys, Seeds, Xs []ir.NodeEntry

	// Nodes by name, including the seed variables created by default.
	Nodes map[string]*ir.Node

	// Values of the variables that declared one.
	Values map[*ir.Node]any
}

// Load reads and parses the graph definition in filePath. Operators are looked up in reg.
func Load(filePath string, reg *ir.Registry) (*Definition, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph definition file in %s", filePath)
	}
	def, err := Parse(contents, reg)
	if err != nil {
		return nil, errors.WithMessagef(err, "graph definition in %s", filePath)
	}
	return def, nil
}

// Parse parses a YAML graph definition. Unknown fields are rejected.
func Parse(contents []byte, reg *ir.Registry) (*Definition, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph definition")
	}
	return Build(&file, reg)
}

// Build creates the IR graph for file.
func Build(file *File, reg *ir.Registry) (*Definition, error) {
	def := &Definition{
		Nodes:  make(map[string]*ir.Node, len(file.Nodes)),
		Values: make(map[*ir.Node]any),
	}
	for ii, nodeDef := range file.Nodes {
		if err := def.addNode(nodeDef, reg); err != nil {
			return nil, errors.WithMessagef(err, "node #%d (%q)", ii, nodeDef.Name)
		}
	}

	var err error
	def.Ys, err = def.entries(file.Ys)
	if err != nil {
		return nil, errors.WithMessage(err, "ys")
	}
	if len(def.Ys) == 0 {
		return nil, errors.New("no ys given")
	}
	def.Xs, err = def.entries(file.Xs)
	if err != nil {
		return nil, errors.WithMessage(err, "xs")
	}
	if len(file.Seeds) > 0 {
		def.Seeds, err = def.entries(file.Seeds)
		if err != nil {
			return nil, errors.WithMessage(err, "seeds")
		}
	} else {
		def.Seeds = make([]ir.NodeEntry, len(def.Ys))
		for ii, yName := range file.Ys {
			name := yName + "_grad"
			seed, found := def.Nodes[name]
			if !found {
				seed = ir.NewVariable(name)
				def.Nodes[name] = seed
				def.Values[seed] = 1.0
			}
			def.Seeds[ii] = seed.Output(0)
		}
	}
	def.Graph = gradient.SetAttrs(ir.NewGraph(def.Ys...), def.Ys, def.Seeds, def.Xs)
	return def, nil
}

// addNode creates the node for nodeDef.
func (def *Definition) addNode(nodeDef NodeDef, reg *ir.Registry) error {
	if nodeDef.Name == "" {
		return errors.New("node without a name")
	}
	if _, found := def.Nodes[nodeDef.Name]; found {
		return errors.New("node defined more than once")
	}
	inputs, err := def.entries(nodeDef.Inputs)
	if err != nil {
		return errors.WithMessage(err, "inputs")
	}
	var node *ir.Node
	if nodeDef.Op == "" {
		if len(inputs) > 0 || len(nodeDef.ControlDeps) > 0 {
			return errors.New("variables (nodes without op) can't have inputs or control dependencies")
		}
		node = ir.NewVariable(nodeDef.Name)
		if nodeDef.Value != nil {
			def.Values[node] = nodeDef.Value.Any()
		}
	} else {
		op := reg.Lookup(nodeDef.Op)
		if op == nil {
			return errors.Errorf("unknown operator %q", nodeDef.Op)
		}
		if nodeDef.Value != nil {
			return errors.New("only variables can have a value")
		}
		node = ir.NewNode(op, nodeDef.Name, inputs...)
		for _, depName := range nodeDef.ControlDeps {
			dep, found := def.Nodes[depName]
			if !found {
				return errors.Errorf("control dependency %q not defined (yet)", depName)
			}
			node.ControlDeps = append(node.ControlDeps, dep)
		}
	}
	def.Nodes[nodeDef.Name] = node
	return nil
}

// entries resolves references of the form "name" or "name:port".
func (def *Definition) entries(refs []string) ([]ir.NodeEntry, error) {
	entries := make([]ir.NodeEntry, len(refs))
	for ii, ref := range refs {
		name, port := ref, 0
		if idx := strings.LastIndex(ref, ":"); idx >= 0 {
			var err error
			name = ref[:idx]
			port, err = strconv.Atoi(ref[idx+1:])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid output port in %q", ref)
			}
		}
		node, found := def.Nodes[name]
		if !found {
			return nil, errors.Errorf("node %q not defined (yet)", name)
		}
		if port < 0 || port >= node.NumOutputs() {
			return nil, errors.Errorf("%q refers to output %d, but %q has %d outputs", ref, port, name, node.NumOutputs())
		}
		entries[ii] = node.Output(port)
	}
	return entries, nil
}

// MustParse is like Parse, but panics with an exception on errors.
func MustParse(contents []byte, reg *ir.Registry) *Definition {
	def, err := Parse(contents, reg)
	if err != nil {
		exceptions.Panicf("graphdef.MustParse(): %+v", err)
	}
	return def
}
