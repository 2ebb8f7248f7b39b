package command_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/symgrad/cmd/symgrad/internal/command"
	"github.com/gomlx/symgrad/gradient"
	"github.com/gomlx/symgrad/ir"
	"github.com/gomlx/symgrad/ops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squareDef = `
nodes:
  - name: x
    value: [1, 2, 3]
  - name: w
  - name: y
    op: mul
    inputs: [x, x]
ys: [y]
xs: [x, w]
`

func writeDef(t *testing.T, contents string) string {
	t.Helper()
	filePath := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0o644))
	return filePath
}

func TestNewRootCommand(t *testing.T) {
	cmd := command.NewRootCommand()
	assert.Equal(t, "symgrad", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.CompletionOptions.DisableDefaultCmd)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("v"), "klog verbosity flag")

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "symgrad")
}

func TestGradCommand(t *testing.T) {
	filePath := writeDef(t, squareDef)
	run := func(args ...string) (string, error) {
		root := command.NewRootCommand()
		command.AddCommands(root)
		buf := new(bytes.Buffer)
		root.SetOut(buf)
		root.SetErr(buf)
		root.SetArgs(append([]string{"grad"}, args...))
		err := root.Execute()
		return buf.String(), err
	}

	t.Run("Tree", func(t *testing.T) {
		out, err := run(filePath)
		require.NoError(t, err)
		assert.Contains(t, out, "gradients")
		assert.Contains(t, out, "[d/dx]")
		assert.Contains(t, out, "[d/dw]")
		assert.Contains(t, out, "("+ops.EwiseSumOp+")")
		assert.Contains(t, out, "("+ops.ZeroOp+")")
	})

	t.Run("JSON", func(t *testing.T) {
		out, err := run("--output=json", "--aggregate=tree", "--mirror=mul", filePath)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		assert.Len(t, decoded["outputs"], 2)
		assert.Contains(t, out, gradient.MirrorSuffix)
		assert.NotContains(t, out, ops.EwiseSumOp)
	})

	t.Run("Eval", func(t *testing.T) {
		def := `
nodes:
  - name: x
    value: [1, 2, 3]
  - name: y
    op: mul
    inputs: [x, x]
ys: [y]
xs: [x]
`
		out, err := run("--eval", writeDef(t, def))
		require.NoError(t, err)
		assert.Contains(t, out, "d/dx = ")
		assert.Contains(t, out, "6")
	})

	t.Run("EvalMissingValue", func(t *testing.T) {
		_, err := run("--eval", writeDef(t, "nodes:\n  - name: x\n  - name: y\n    op: exp\n    inputs: [x]\nys: [y]\nxs: [x]\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "was not fed")
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := run("--output=yaml", filePath)
		require.Error(t, err)
		_, err = run("--aggregate=random", filePath)
		require.Error(t, err)
		_, err = run("--mirror=tanh", filePath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tanh")
		_, err = run()
		require.Error(t, err)
		_, err = run(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("NoGradientRule", func(t *testing.T) {
		_, err := run(writeDef(t, "nodes:\n  - name: x\n  - name: y\n    op: sign\n    inputs: [x]\nys: [y]\nxs: [x]\n"))
		require.Error(t, err)
		assert.ErrorIs(t, err, gradient.ErrNoGradientRule)
	})
}

func TestRenderTree(t *testing.T) {
	reg := ops.New()
	x := ir.NewVariable("x")
	shared := ops.Sin(reg, x.Output(0))
	a := ops.Named(ops.Add(reg, shared, shared), "a")
	g := ir.NewGraph(a, shared)
	out := command.RenderTree(g, []ir.NodeEntry{x.Output(0)})
	assert.Contains(t, out, "[d/dx]")
	assert.Contains(t, out, "output #1")
	assert.Contains(t, out, "(see above)")
}
