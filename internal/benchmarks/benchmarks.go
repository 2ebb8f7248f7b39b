// Package benchmarks measures the gradient pass on large synthetic graphs.
//
// The benchmarks are disabled unless --bench_duration is set, e.g.:
//
//	go test ./internal/benchmarks/ -test.run=TestBench -test.v -bench_duration=10s
package benchmarks

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/symgrad/gradient"
	"github.com/gomlx/symgrad/ir"
	"github.com/gomlx/symgrad/ops"
)

// Problem is a synthetic forward graph ready for the gradient pass.
type Problem struct {
	Name  string
	Graph *ir.Graph
	Xs    []ir.NodeEntry
}

// newProblem sets the gradient pass attributes, seeding y with a new variable.
func newProblem(name string, y ir.NodeEntry, xs []ir.NodeEntry) *Problem {
	seed := ir.NewVariable(name + "_grad")
	g := gradient.SetAttrs(ir.NewGraph(y), []ir.NodeEntry{y}, []ir.NodeEntry{seed.Output(0)}, xs)
	return &Problem{Name: name, Graph: g, Xs: xs}
}

// Chain builds y = sin(sin(...sin(x))), with depth applications of sin.
func Chain(reg *ir.Registry, depth int) *Problem {
	x := ir.NewVariable("x")
	y := x.Output(0)
	for range depth {
		y = ops.Sin(reg, y)
	}
	return newProblem(fmt.Sprintf("Chain/depth=%d", depth), y, []ir.NodeEntry{x.Output(0)})
}

// FanOut builds y = sum_i x*w_i with width terms, so x receives width gradient contributions.
func FanOut(reg *ir.Registry, width int) *Problem {
	x := ir.NewVariable("x")
	terms := make([]ir.NodeEntry, width)
	for ii := range terms {
		terms[ii] = ops.Mul(reg, x.Output(0), ir.NewVariable(fmt.Sprintf("w%d", ii)).Output(0))
	}
	y := ops.EwiseSum(reg, terms...)
	return newProblem(fmt.Sprintf("FanOut/width=%d", width), y, []ir.NodeEntry{x.Output(0)})
}

// RandomDAG builds a random graph of numNodes operations over numVars variables. Each operation draws its
// inputs from any previously created node, so many nodes are consumed more than once. The result y is
// the sum of the last 8 nodes, and xs are all the variables.
func RandomDAG(reg *ir.Registry, numVars, numNodes int, seed uint64) *Problem {
	rng := rand.New(rand.NewPCG(seed, 0))
	pool := make([]ir.NodeEntry, 0, numVars+numNodes)
	xs := make([]ir.NodeEntry, numVars)
	for ii := range xs {
		xs[ii] = ir.NewVariable(fmt.Sprintf("x%d", ii)).Output(0)
		pool = append(pool, xs[ii])
	}
	pick := func() ir.NodeEntry { return pool[rng.IntN(len(pool))] }
	for range numNodes {
		var e ir.NodeEntry
		switch rng.IntN(6) {
		case 0:
			e = ops.Add(reg, pick(), pick())
		case 1:
			e = ops.Sub(reg, pick(), pick())
		case 2:
			e = ops.Mul(reg, pick(), pick())
		case 3:
			e = ops.Sin(reg, pick())
		case 4:
			e = ops.Exp(reg, pick())
		case 5:
			sc := ops.SinCos(reg, pick())
			e = sc.Output(rng.IntN(2))
		}
		pool = append(pool, e)
	}
	y := ops.EwiseSum(reg, pool[len(pool)-min(8, numNodes):]...)
	return newProblem(fmt.Sprintf("RandomDAG/vars=%d,nodes=%d", numVars, numNodes), y, xs)
}
