package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib"
)

func reduce(t *testing.T, src string) (*WorkPlan, error) {
	t.Helper()
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	return New(registry.New(nil), Config{}).ReduceProgram(prog)
}

func mustReduce(t *testing.T, src string) *plan.SymbolicPlan {
	t.Helper()
	wp, err := reduce(t, src)
	require.NoError(t, err)
	return wp.ToSymbolicPlan()
}

func TestReduce_ConstantsAreShared(t *testing.T) {
	p := mustReduce(t, `
let a = 5
let b = 5
print "both" a + b
`)
	var constants int
	for _, n := range p.Nodes {
		if n.Kind == plan.KindConstant {
			constants++
		}
	}
	assert.Equal(t, 1, constants, "the two occurrences of 5 must collapse into one node")
}

func TestReduce_GoalsKeepProgramOrder(t *testing.T) {
	p := mustReduce(t, `
let a = 1
print "first" a
save "second.json" a
print "third" a + 1
`)
	require.Len(t, p.Goals, 3)
	assert.Equal(t, plan.GoalPrint, p.Goals[0].Operation)
	assert.Equal(t, "first", p.Goals[0].Label)
	assert.Equal(t, plan.GoalSave, p.Goals[1].Operation)
	assert.Equal(t, "third", p.Goals[2].Label)
}

func TestReduce_UnknownCallableFailsReduction(t *testing.T) {
	_, err := reduce(t, `print "x" no_such_operator(1)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_UNKNOWN_CALLABLE")
}

func TestReduce_FunctionArityMismatch(t *testing.T) {
	_, err := reduce(t, `
let f(x) = x + 1
print "y" f(1, 2)
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_ARITY")
}

func TestReduce_FunctionReferencedWithoutArguments(t *testing.T) {
	_, err := reduce(t, `
let f(x) = x + 1
print "f" f
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_ARITY")
}

func TestReduce_ValueCalledAsFunction(t *testing.T) {
	_, err := reduce(t, `
let a = 1
print "x" a(2)
`)
	assert.Error(t, err)
}

func TestReduce_FunctionApplicationInlinesBody(t *testing.T) {
	p := mustReduce(t, `
let double(x) = x + x
print "d" double(21)
`)
	// double is applied at reduce time: the plan holds a `+` over the shared
	// constant, never a node for `double` itself.
	var plusNodes int
	for _, n := range p.Nodes {
		require.NotEqual(t, "double", n.Operator)
		if n.Operator == "+" {
			plusNodes++
		}
	}
	assert.Equal(t, 1, plusNodes)
}

func TestReduce_ForLoopBuildsClosureWithCaptures(t *testing.T) {
	p := mustReduce(t, `
let offset = 10
let r = for i in range(3) do i + offset
print "r" r
`)
	var closure *plan.NodeSpec
	for _, n := range p.Nodes {
		if n.Kind == plan.KindClosure {
			n := n
			closure = &n
		}
	}
	require.NotNil(t, closure, "for must synthesize a closure node")
	assert.Equal(t, "i", closure.Parameter)
	assert.Equal(t, []string{"offset"}, closure.CaptureNames)
	require.Len(t, closure.CaptureArgs, 1)

	captured, ok := p.Nodes[closure.CaptureArgs[0]]
	require.True(t, ok)
	assert.Equal(t, plan.KindConstant, captured.Kind)
	assert.Equal(t, int64(10), captured.ConstValue)
}

func TestReduce_MapSpecialFormSerializesFunctionCaptures(t *testing.T) {
	p := mustReduce(t, `
let scale = 3
let g(x) = x * scale
let f(x) = g(x) + 1
print "m" map(f, range(4))
`)
	var closure *plan.NodeSpec
	for _, n := range p.Nodes {
		if n.Kind == plan.KindClosure {
			n := n
			closure = &n
		}
	}
	require.NotNil(t, closure)
	assert.Equal(t, "x", closure.Parameter)

	g, ok := closure.FunctionCaptures["g"]
	require.True(t, ok, "f's body references g, so g must be serialized into function_captures")
	assert.Equal(t, []string{"x"}, g.Parameters)
	require.Contains(t, g.Captures, "scale", "g in turn captures the bound value scale")

	scaleNode, ok := p.Nodes[g.Captures["scale"]]
	require.True(t, ok)
	assert.Equal(t, int64(3), scaleNode.ConstValue)
}

func TestReduce_MapOverNonFunctionFallsThroughToPrimitive(t *testing.T) {
	// With no function binding in scope the special form does not fire and
	// `map` resolves against the registry like any other primitive; the
	// non-callable second argument is only rejected at evaluation time.
	p := mustReduce(t, `print "m" map(range(2), range(3))`)
	var mapNodes int
	for _, n := range p.Nodes {
		if n.Operator == "map" {
			mapNodes++
		}
	}
	assert.Equal(t, 1, mapNodes)
}

func TestReduce_LetInShadowing(t *testing.T) {
	p := mustReduce(t, `
let r = let x = 1 in let x = x + 10 in x + 5
print "r" r
`)
	var plusNodes int
	for _, n := range p.Nodes {
		if n.Operator == "+" {
			plusNodes++
		}
	}
	assert.Equal(t, 2, plusNodes)
}

func TestReduce_NamespaceImportIsRecorded(t *testing.T) {
	p := mustReduce(t, `
import "simpleitk"
let img = ReadImage("scan.nii.gz")
print "img" img
`)
	assert.Equal(t, []string{"default", "simpleitk"}, p.ImportedNamespaces)

	var readNode bool
	for _, n := range p.Nodes {
		if n.Operator == "simpleitk.ReadImage" {
			readNode = true
		}
	}
	assert.True(t, readNode, "ReadImage must resolve through the imported namespace")
}

func TestReduce_FileImportQueuesCommands(t *testing.T) {
	files := map[string]string{
		"lib.imgql": "let shared = 7\n",
	}
	prog, err := parser.ParseProgramContent(`
import "lib.imgql"
print "s" shared + 1
`)
	require.NoError(t, err)

	red := New(registry.New(nil), Config{ReadFile: func(path string) (string, error) {
		return files[path], nil
	}})
	wp, err := red.ReduceProgram(prog)
	require.NoError(t, err)
	require.Len(t, wp.ToSymbolicPlan().Goals, 1)
}

func TestReduce_StdlibSourceReducedFirst(t *testing.T) {
	prog, err := parser.ParseProgramContent(`print "t" two + 1`)
	require.NoError(t, err)

	red := New(registry.New(nil), Config{StdlibSource: "let two = 2\n"})
	wp, err := red.ReduceProgram(prog)
	require.NoError(t, err)
	require.Len(t, wp.ToSymbolicPlan().Goals, 1)
}

func TestReduce_EmbeddedStdlibBaselineIsAvailable(t *testing.T) {
	p := mustReduce(t, `print "d" double(4)`)
	require.Len(t, p.Goals, 1)

	// double comes from the embedded prelude and is applied at reduce time,
	// so the plan holds a `+` node over the shared constant.
	var plusNodes int
	for _, n := range p.Nodes {
		if n.Operator == "+" {
			plusNodes++
		}
	}
	assert.Equal(t, 1, plusNodes)
}

func TestReduce_ProgramDeclarationShadowsStdlib(t *testing.T) {
	p := mustReduce(t, `
let double(x) = x * 3
print "d" double(2)
`)
	var mulNodes, plusNodes int
	for _, n := range p.Nodes {
		switch n.Operator {
		case "*":
			mulNodes++
		case "+":
			plusNodes++
		}
	}
	assert.Equal(t, 1, mulNodes, "the program's own double must win")
	assert.Equal(t, 0, plusNodes)
}

func TestReduce_DeterministicAcrossRuns(t *testing.T) {
	src := `
let base = 2
let f(x) = x * base
print "out" map(f, range(0, 8))
`
	p1 := mustReduce(t, src)
	p2 := mustReduce(t, src)

	require.Equal(t, len(p1.Nodes), len(p2.Nodes))
	for id := range p1.Nodes {
		_, ok := p2.Nodes[id]
		assert.True(t, ok, "node %s missing from the second reduction", id)
	}
	require.Len(t, p2.Goals, 1)
	assert.Equal(t, p1.Goals[0].Target, p2.Goals[0].Target)
}

func TestEnvironment_ExtendShadowsWithoutMutating(t *testing.T) {
	root := NewEnvironment()
	outer := root.Extend("x", OperationVal{Id: "outer"})
	inner := outer.Extend("x", OperationVal{Id: "inner"})

	b, ok := inner.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, plan.NodeId("inner"), b.(OperationVal).Id)

	b, ok = outer.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, plan.NodeId("outer"), b.(OperationVal).Id, "inner shadowing must not leak outward")
}
