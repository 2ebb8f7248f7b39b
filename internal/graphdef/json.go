package graphdef

import (
	"fmt"

	"github.com/gomlx/symgrad/ir"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// entryRef is how node entries are referred to in the JSON export: "<node id>:<output index>".
func entryRef(e ir.NodeEntry) string {
	return fmt.Sprintf("%d:%d", e.Node.ID(), e.Index)
}

// ToStruct converts g to a protobuf Struct, listing its outputs and every node reachable from them, in
// topological order.
func ToStruct(g *ir.Graph) (*structpb.Struct, error) {
	outputs := make([]any, len(g.Outputs))
	for ii, output := range g.Outputs {
		if !output.IsValid() {
			return nil, errors.Errorf("output #%d is invalid", ii)
		}
		outputs[ii] = entryRef(output)
	}
	var nodes []any
	for _, node := range ir.TopologicalOrder(g.Outputs) {
		nodeMap := map[string]any{
			"id":   int64(node.ID()),
			"name": node.Name,
			"op":   node.OpName(),
		}
		if len(node.Inputs) > 0 {
			inputs := make([]any, len(node.Inputs))
			for ii, input := range node.Inputs {
				inputs[ii] = entryRef(input)
			}
			nodeMap["inputs"] = inputs
		}
		if len(node.ControlDeps) > 0 {
			deps := make([]any, len(node.ControlDeps))
			for ii, dep := range node.ControlDeps {
				deps[ii] = int64(dep.ID())
			}
			nodeMap["control_deps"] = deps
		}
		nodes = append(nodes, nodeMap)
	}
	s, err := structpb.NewStruct(map[string]any{
		"outputs": outputs,
		"nodes":   nodes,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert graph to protobuf Struct")
	}
	return s, nil
}

// ToJSON exports g as indented JSON. See ToStruct for the contents.
func ToJSON(g *ir.Graph) ([]byte, error) {
	s, err := ToStruct(g)
	if err != nil {
		return nil, err
	}
	contents, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal graph to JSON")
	}
	return contents, nil
}
