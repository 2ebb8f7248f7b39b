package gradient

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/ir"
	"github.com/gomlx/symgrad/ops"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildGradGraph creates a graph with the gradient attributes set, seeding each y with a new variable
// named "<y>_grad". It returns the graph and the seeds.
func buildGradGraph(ys, xs []ir.NodeEntry) (*ir.Graph, []ir.NodeEntry) {
	seeds := make([]ir.NodeEntry, len(ys))
	for ii, y := range ys {
		seeds[ii] = ir.NewVariable(y.Node.Name + "_grad").Output(0)
	}
	g := SetAttrs(ir.NewGraph(ys...), ys, seeds, xs)
	return g, seeds
}

// countOps counts the nodes of each op type reachable from outputs.
func countOps(outputs []ir.NodeEntry) map[string]int {
	counts := make(map[string]int)
	ir.DFSVisit(outputs, func(node *ir.Node) {
		counts[node.OpName()]++
	})
	return counts
}

func TestGradientChain(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	b := ops.Named(ops.Sin(reg, x.Output(0)), "b")
	c := ops.Named(ops.Exp(reg, b), "c")
	g, seeds := buildGradGraph([]ir.NodeEntry{c}, []ir.NodeEntry{x.Output(0)})

	result, err := Gradient(reg, g)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	assert.Empty(t, result.Attrs)

	// dx = (seed * c) * cos(x)
	dx := result.Outputs[0]
	require.Equal(t, ops.MulOp, dx.Node.OpName())
	dc := dx.Node.Inputs[0]
	require.Equal(t, ops.MulOp, dc.Node.OpName())
	assert.Same(t, seeds[0].Node, dc.Node.Inputs[0].Node)
	assert.Same(t, c.Node, dc.Node.Inputs[1].Node)
	cosX := dx.Node.Inputs[1]
	require.Equal(t, ops.CosOp, cosX.Node.OpName())
	assert.Same(t, x, cosX.Node.Inputs[0].Node)

	// Each fan-in had exactly one contribution: no aggregation node anywhere.
	counts := countOps(result.Outputs)
	assert.Zero(t, counts[ops.EwiseSumOp])
	assert.Zero(t, counts[ops.ZeroOp])
}

func TestGradientDiamond(t *testing.T) {
	reg := ops.New()
	a := ir.NewVariable("a")
	b := ops.Named(ops.Sin(reg, a.Output(0)), "b")
	c := ops.Named(ops.Cos(reg, a.Output(0)), "c")
	d := ops.Named(ops.Add(reg, b, c), "d")
	g, seeds := buildGradGraph([]ir.NodeEntry{d}, []ir.NodeEntry{a.Output(0)})

	result, err := Gradient(reg, g)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	da := result.Outputs[0]
	require.Equal(t, ops.EwiseSumOp, da.Node.OpName())
	require.Len(t, da.Node.Inputs, 2)

	// Reverse topological order is d, c, b: so the contribution through c arrives first.
	throughC, throughB := da.Node.Inputs[0], da.Node.Inputs[1]
	require.Equal(t, ops.NegOp, throughC.Node.OpName())
	require.Equal(t, ops.MulOp, throughB.Node.OpName())
	assert.Same(t, seeds[0].Node, throughB.Node.Inputs[0].Node)
	assert.Equal(t, ops.CosOp, throughB.Node.Inputs[1].Node.OpName())
	assert.Equal(t, "c_backward", throughC.Node.Name)
	assert.Equal(t, "b_backward", throughB.Node.Name)
}

func TestGradientFanOutSameNode(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	y := ops.Mul(reg, x.Output(0), x.Output(0))
	g, _ := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
	result, err := Gradient(reg, g)
	require.NoError(t, err)

	// Two edges from the same node to x: two independent contributions.
	dx := result.Outputs[0]
	require.Equal(t, ops.EwiseSumOp, dx.Node.OpName())
	require.Len(t, dx.Node.Inputs, 2)
	for _, contribution := range dx.Node.Inputs {
		assert.Equal(t, ops.MulOp, contribution.Node.OpName())
		assert.Same(t, x, contribution.Node.Inputs[1].Node)
	}
	assert.NotSame(t, dx.Node.Inputs[0].Node, dx.Node.Inputs[1].Node)
}

func TestGradientMultipleOutputs(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	sc := ops.SinCos(reg, x.Output(0))
	sc.Name = "sc"
	y := ops.Add(reg, sc.Output(0), sc.Output(1))

	t.Run("BothOutputs", func(t *testing.T) {
		g, seeds := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
		result, err := Gradient(reg, g)
		require.NoError(t, err)
		dx := result.Outputs[0]
		require.Equal(t, ops.SubOp, dx.Node.OpName())
		lhs, rhs := dx.Node.Inputs[0], dx.Node.Inputs[1]
		// g0 * cos(x)
		assert.Same(t, seeds[0].Node, lhs.Node.Inputs[0].Node)
		assert.True(t, lhs.Node.Inputs[1].SameAs(sc.Output(1)))
		// g1 * sin(x)
		assert.Same(t, seeds[0].Node, rhs.Node.Inputs[0].Node)
		assert.True(t, rhs.Node.Inputs[1].SameAs(sc.Output(0)))
	})

	t.Run("UnusedOutputGetsZero", func(t *testing.T) {
		g, _ := buildGradGraph([]ir.NodeEntry{sc.Output(1)}, []ir.NodeEntry{x.Output(0)})
		result, err := Gradient(reg, g)
		require.NoError(t, err)
		dx := result.Outputs[0]
		require.Equal(t, ops.SubOp, dx.Node.OpName())
		g0 := dx.Node.Inputs[0].Node.Inputs[0]
		assert.Equal(t, ops.ZeroOp, g0.Node.OpName())
	})
}

func TestGradientResults(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	w := ir.NewVariable("w")
	unrelated := ir.NewVariable("unrelated")
	y := ops.Mul(reg, x.Output(0), w.Output(0))
	z := ops.Add(reg, y, x.Output(0))
	xs := []ir.NodeEntry{x.Output(0), w.Output(0), x.Output(0), unrelated.Output(0), y}
	g, seeds := buildGradGraph([]ir.NodeEntry{z}, xs)

	result, err := Gradient(reg, g)
	require.NoError(t, err)
	require.Len(t, result.Outputs, len(xs))

	// Duplicates share the same aggregated entry.
	assert.Same(t, result.Outputs[0].Node, result.Outputs[2].Node)
	assert.Equal(t, ops.EwiseSumOp, result.Outputs[0].Node.OpName())

	// No path from z: zero.
	assert.Equal(t, ops.ZeroOp, result.Outputs[3].Node.OpName())

	// Internal node y: single contribution, the seed itself (add passes the gradient through).
	assert.Same(t, seeds[0].Node, result.Outputs[4].Node)

	// dz/dw = seed * x
	dw := result.Outputs[1]
	require.Equal(t, ops.MulOp, dw.Node.OpName())
	assert.Same(t, x, dw.Node.Inputs[1].Node)
}

func TestGradientSeedsAccumulate(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	y := ops.Identity(reg, x.Output(0))
	seed0, seed1 := ir.NewVariable("s0").Output(0), ir.NewVariable("s1").Output(0)
	g := SetAttrs(ir.NewGraph(), []ir.NodeEntry{y, y}, []ir.NodeEntry{seed0, seed1}, []ir.NodeEntry{x.Output(0)})
	result, err := Gradient(reg, g)
	require.NoError(t, err)
	dx := result.Outputs[0]
	require.Equal(t, ops.EwiseSumOp, dx.Node.OpName())
	assert.Same(t, seed0.Node, dx.Node.Inputs[0].Node)
	assert.Same(t, seed1.Node, dx.Node.Inputs[1].Node)
}

func TestGradientCustomAggregate(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	y := ops.Add(reg, ops.Sin(reg, x.Output(0)), ops.Cos(reg, x.Output(0)))

	t.Run("TreeAggregate", func(t *testing.T) {
		g, _ := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
		g.SetAttr(AttrAggregateFun, TreeAggregate(reg))
		result, err := Gradient(reg, g)
		require.NoError(t, err)
		assert.Equal(t, ops.AddOp, result.Outputs[0].Node.OpName())
		assert.Zero(t, countOps(result.Outputs)[ops.EwiseSumOp])
	})

	t.Run("PlainFunction", func(t *testing.T) {
		var sizes []int
		g, _ := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
		defaultAggregate := DefaultAggregate(reg)
		g.SetAttr(AttrAggregateFun, func(grads []ir.NodeEntry) ir.NodeEntry {
			sizes = append(sizes, len(grads))
			return defaultAggregate(grads)
		})
		_, err := Gradient(reg, g)
		require.NoError(t, err)
		// add, cos, sin output ports (one contribution each), then x with two.
		assert.Equal(t, []int{1, 1, 1, 2}, sizes)
	})

	t.Run("WrongType", func(t *testing.T) {
		g, _ := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
		g.SetAttr(AttrAggregateFun, "sum")
		_, err := Gradient(reg, g)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingAttribute)
	})
}

func TestGradientErrors(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	y := ops.Exp(reg, x.Output(0))
	seed := ir.NewVariable("seed").Output(0)
	entries := []ir.NodeEntry{y}

	t.Run("MissingAttribute", func(t *testing.T) {
		for _, missing := range []string{AttrYs, AttrYsOutGrad, AttrXs} {
			g := SetAttrs(ir.NewGraph(), entries, []ir.NodeEntry{seed}, []ir.NodeEntry{x.Output(0)})
			delete(g.Attrs, missing)
			_, err := Gradient(reg, g)
			require.Error(t, err, "missing %q", missing)
			assert.ErrorIs(t, err, ErrMissingAttribute)
			assert.Contains(t, err.Error(), missing)
		}
	})

	t.Run("WrongAttributeType", func(t *testing.T) {
		g := SetAttrs(ir.NewGraph(), entries, []ir.NodeEntry{seed}, nil)
		g.SetAttr(AttrXs, []*ir.Node{x})
		_, err := Gradient(reg, g)
		assert.ErrorIs(t, err, ErrMissingAttribute)
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		g := SetAttrs(ir.NewGraph(), entries, []ir.NodeEntry{seed, seed}, []ir.NodeEntry{x.Output(0)})
		_, err := Gradient(reg, g)
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("NoGradientRule", func(t *testing.T) {
		z := ops.Exp(reg, ops.Sign(reg, x.Output(0)))
		g, _ := buildGradGraph([]ir.NodeEntry{z}, []ir.NodeEntry{x.Output(0)})
		_, err := Gradient(reg, g)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoGradientRule)
		assert.Contains(t, err.Error(), ops.SignOp)
	})

	t.Run("ArityMismatch", func(t *testing.T) {
		custom := ops.New()
		custom.Register("broken").SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return outputGrads // 1 gradient, but the node has 2 inputs.
		})
		z := ops.Apply(custom, "broken", x.Output(0), x.Output(0))
		g, _ := buildGradGraph([]ir.NodeEntry{z}, []ir.NodeEntry{x.Output(0)})
		_, err := Gradient(custom, g)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrArityMismatch)
	})

	t.Run("RulePanics", func(t *testing.T) {
		custom := ops.New()
		custom.Register("panicky").SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			exceptions.Panicf("can't differentiate %s", node)
			return nil
		})
		z := ops.Apply(custom, "panicky", x.Output(0))
		g, _ := buildGradGraph([]ir.NodeEntry{z}, []ir.NodeEntry{x.Output(0)})
		_, err := Gradient(custom, g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can't differentiate")
	})

	t.Run("InvalidPort", func(t *testing.T) {
		g := SetAttrs(ir.NewGraph(), entries, []ir.NodeEntry{seed}, []ir.NodeEntry{{Node: x, Index: 3}})
		_, err := Gradient(reg, g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), AttrXs)
	})

	t.Run("MissingZeroOp", func(t *testing.T) {
		// An aggregation needing __zero__ in a registry without it fails, instead of crashing.
		custom := ir.NewRegistry()
		custom.Register(ops.IdentityOp).SetGradient(func(node *ir.Node, outputGrads []ir.NodeEntry) []ir.NodeEntry {
			return outputGrads
		})
		z := ir.NewNode(custom.Get(ops.IdentityOp), "z", x.Output(0)).Output(0)
		unrelated := ir.NewVariable("unrelated")
		g, _ := buildGradGraph([]ir.NodeEntry{z}, []ir.NodeEntry{unrelated.Output(0)})
		_, err := Gradient(custom, g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ops.ZeroOp)
	})
}

func TestGradientDoesNotModifyForwardGraph(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	y := ops.Mul(reg, ops.Exp(reg, x.Output(0)), x.Output(0))
	before := ir.TopologicalOrder([]ir.NodeEntry{y})
	inputsBefore := make([][]ir.NodeEntry, len(before))
	for ii, node := range before {
		inputsBefore[ii] = append([]ir.NodeEntry(nil), node.Inputs...)
	}

	for _, mirror := range []MirrorFunc{nil, MirrorAll()} {
		g, _ := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
		if mirror != nil {
			g.SetAttr(AttrMirrorFun, mirror)
		}
		_, err := Gradient(reg, g)
		require.NoError(t, err)
		after := ir.TopologicalOrder([]ir.NodeEntry{y})
		require.Equal(t, before, after)
		for ii, node := range after {
			assert.Equal(t, inputsBefore[ii], node.Inputs)
		}
	}
}

func TestGradientPass(t *testing.T) {
	reg := ops.New()
	passes := ir.NewPassRegistry()
	Register(passes, reg)
	info := passes.Lookup(PassName)
	require.NotNil(t, info)
	assert.True(t, info.ChangeGraph)
	assert.ElementsMatch(t, []string{AttrYs, AttrYsOutGrad, AttrXs}, info.DependGraphAttrs)

	x := ir.NewVariable("x")
	y := ops.Square(reg, x.Output(0))

	g, _ := buildGradGraph([]ir.NodeEntry{y}, []ir.NodeEntry{x.Output(0)})
	result, err := passes.Apply(g, PassName)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, ops.MulOp, result.Outputs[0].Node.OpName())

	delete(g.Attrs, AttrYsOutGrad)
	_, err = passes.Apply(g, PassName)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingAttribute))
}
