package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/reducer"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/storage"
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// countingDatabase wraps a MemoryDatabase and counts PutSuccess calls, so
// the cross-run memoization test can assert "one write
// on the first run, zero on the second" directly against the backend.
type countingDatabase struct {
	storage.ResultsDatabase
	writes int
}

func (c *countingDatabase) PutSuccess(id plan.NodeId, payload *value.EncodedRecord, metadata map[string]any) error {
	c.writes++
	return c.ResultsDatabase.PutSuccess(id, payload, metadata)
}

func reduceAndCompile(t *testing.T, src string, strict bool, reg *registry.Registry, store *storage.MaterializationStore) (*plan.SymbolicPlan, *PreparedPlan) {
	t.Helper()
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)

	red := reducer.New(reg, reducer.Config{})
	wp, err := red.ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	polEngine := &policy.Engine{Legacy: !strict}
	require.NoError(t, policy.EnforceOrRaise(polEngine.ValidateWorkplan(symPlan, reg, nil)))

	strat := NewStrictStrategy(nil, nil)
	prepared, err := strat.Compile(symPlan, reg, store)
	require.NoError(t, err)
	return symPlan, prepared
}

func TestArithmeticMemoization_ConstantsShared(t *testing.T) {
	src := `
let a = 1
let b = 1
let c = a + b
print "sum" c
`
	reg := registry.New(nil)
	symPlan, _ := reduceAndCompile(t, src, false, reg, storage.NewMaterializationStore(nil, false, false))

	var constNodes, plusNodes int
	for _, n := range symPlan.Nodes {
		if n.Kind == plan.KindConstant {
			constNodes++
		}
		if n.Kind == plan.KindPrimitive && n.Operator == "+" {
			plusNodes++
		}
	}
	assert.Equal(t, 1, constNodes, "the two literal 1s must share one constant node")
	assert.Equal(t, 1, plusNodes)
	assert.Len(t, symPlan.Goals, 1)
}

func TestMemoizationAcrossRuns(t *testing.T) {
	src := `
let a = 1
let b = 1
let c = a + b
print "sum" c
`
	reg := registry.New(nil)
	backend := &countingDatabase{ResultsDatabase: storage.NewMemoryDatabase("test")}

	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	red := reducer.New(reg, reducer.Config{})
	wp, err := red.ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	strat := NewStrictStrategy(nil, nil)

	store1 := storage.NewMaterializationStore(backend, true, true)
	prepared1, err := strat.Compile(symPlan, reg, store1)
	require.NoError(t, err)
	result1, err := strat.Run(prepared1, nil)
	require.NoError(t, err)
	require.True(t, result1.Success)
	firstRunWrites := backend.writes
	assert.Greater(t, firstRunWrites, 0)

	store2 := storage.NewMaterializationStore(backend, true, true)
	prepared2, err := strat.Compile(symPlan, reg, store2)
	require.NoError(t, err)
	result2, err := strat.Run(prepared2, nil)
	require.NoError(t, err)
	require.True(t, result2.Success)

	assert.Equal(t, firstRunWrites, backend.writes, "a fresh run against the same persistent store must not write again")
}

func TestForLoopWithClosure(t *testing.T) {
	src := `
let result = for i in range(5) do i * 2
print "doubled" result
`
	reg := registry.New(nil)
	store := storage.NewMaterializationStore(nil, false, false)
	_, prepared := reduceAndCompile(t, src, false, reg, store)

	strat := NewStrictStrategy(nil, nil)
	result, err := strat.Run(prepared, nil)
	require.NoError(t, err)
	require.True(t, result.Success, "%v", result.FailedOperations)

	goalId := prepared.Plan.Goals[0].Target
	v, ok := prepared.Store.Get(goalId)
	require.True(t, ok)
	assert.Equal(t, "[0, 2, 4, 6, 8]", v.String())
}

func TestLetExpressionShadowing(t *testing.T) {
	src := `
let r = let x = 1 in let x = x + 10 in x + 5
print "res" r
`
	reg := registry.New(nil)
	store := storage.NewMaterializationStore(nil, false, false)
	symPlan, prepared := reduceAndCompile(t, src, false, reg, store)

	var plusNodes int
	for _, n := range symPlan.Nodes {
		if n.Kind == plan.KindPrimitive && n.Operator == "+" {
			plusNodes++
		}
	}
	assert.Equal(t, 2, plusNodes, "the two `+` calls must not collapse into one shared node")

	strat := NewStrictStrategy(nil, nil)
	result, err := strat.Run(prepared, nil)
	require.NoError(t, err)
	require.True(t, result.Success, "%v", result.FailedOperations)

	goalId := prepared.Plan.Goals[0].Target
	v, ok := prepared.Store.Get(goalId)
	require.True(t, ok)
	f, err := v.AsFloat64()
	require.NoError(t, err)
	assert.Equal(t, float64(16), f)
}

func TestMapOverFunctionValue(t *testing.T) {
	src := `
let f(x) = x + x
print "m" map(f, range(0,4))
`
	reg := registry.New(nil)
	store := storage.NewMaterializationStore(nil, false, false)
	symPlan, prepared := reduceAndCompile(t, src, false, reg, store)

	var closureNodes int
	for _, n := range symPlan.Nodes {
		if n.Kind == plan.KindClosure {
			closureNodes++
		}
	}
	assert.GreaterOrEqual(t, closureNodes, 1, "map must synthesize a closure node capturing f")

	strat := NewStrictStrategy(nil, nil)
	result, err := strat.Run(prepared, nil)
	require.NoError(t, err)
	require.True(t, result.Success, "%v", result.FailedOperations)

	goalId := prepared.Plan.Goals[0].Target
	v, ok := prepared.Store.Get(goalId)
	require.True(t, ok)
	assert.Equal(t, "[0, 2, 4, 6]", v.String())
}

func TestEffectBlockedInNonLegacyMode(t *testing.T) {
	src := `
import "simpleitk"
let out = WriteImage(0, "tests/output/blocked.nii.gz")
`
	reg := registry.New(nil)
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	red := reducer.New(reg, reducer.Config{})
	wp, err := red.ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	// WriteImage is a declaration, not a goal, so the policy check needs an
	// explicit scope covering every node, not just reachable-from-goals.
	var allNodes []plan.NodeId
	for id := range symPlan.Nodes {
		allNodes = append(allNodes, id)
	}

	nonLegacy := &policy.Engine{Legacy: false}
	diags := nonLegacy.ValidateWorkplan(symPlan, reg, allNodes)
	require.NotEmpty(t, diags)
	found := false
	for _, d := range diags {
		if d.Code == policy.CodeEffectBlocked {
			found = true
			assert.Contains(t, d.Symbol, "WriteImage")
		}
	}
	assert.True(t, found)

	legacy := &policy.Engine{Legacy: true}
	diags = legacy.ValidateWorkplan(symPlan, reg, allNodes)
	assert.Empty(t, diags, "legacy mode must not raise E_EFFECT_BLOCKED")
}

func TestStrategyParity_StrictAndLiftedAgreeOnSharedNodes(t *testing.T) {
	src := `
let f(x) = x + x
print "m" map(f, range(0, 6))
`
	reg := registry.New(nil)
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	red := reducer.New(reg, reducer.Config{})
	wp, err := red.ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	strictStrat := NewStrictStrategy(nil, nil)
	strictStore := storage.NewMaterializationStore(nil, false, false)
	strictPrepared, err := strictStrat.Compile(symPlan, reg, strictStore)
	require.NoError(t, err)
	strictResult, err := strictStrat.Run(strictPrepared, nil)
	require.NoError(t, err)
	require.True(t, strictResult.Success, "%v", strictResult.FailedOperations)

	liftedStrat := NewLiftedStrategy(nil, nil)
	liftedStore := storage.NewMaterializationStore(nil, false, false)
	liftedPrepared, err := liftedStrat.Compile(symPlan, reg, liftedStore)
	require.NoError(t, err)
	liftedResult, err := liftedStrat.Run(liftedPrepared, nil)
	require.NoError(t, err)
	require.True(t, liftedResult.Success, "%v", liftedResult.FailedOperations)

	assert.Equal(t, "strict", strictStrat.Name())
	assert.Equal(t, "dask", liftedStrat.Name())

	goalId := singleGoalTarget(t, symPlan)
	strictVal, ok := strictStore.Get(goalId)
	require.True(t, ok)
	liftedVal, ok := liftedStore.Get(goalId)
	require.True(t, ok)
	assert.Equal(t, strictVal.String(), liftedVal.String())
	assert.Equal(t, "[0, 2, 4, 6, 8, 10]", strictVal.String())

	shared := 0
	for id := range symPlan.Nodes {
		sv, sok := strictStore.Get(id)
		lv, lok := liftedStore.Get(id)
		if !sok || !lok {
			continue
		}
		shared++
		assert.Equal(t, sv.String(), lv.String(), "node %s must materialize to the same value under both strategies", id)
	}
	assert.Greater(t, shared, 0, "expected at least one node id materialized under both strategies")
}

func TestStrategyParity_SequenceErrorFailsBothStrategies(t *testing.T) {
	// A single line past bufio.Scanner's default token limit makes the lazy
	// line sequence error mid-drain; neither strategy may report success
	// over the truncated data.
	path := filepath.Join(t.TempDir(), "huge.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 128*1024)), 0o644))

	src := fmt.Sprintf("print \"lines\" load(%q)\n", path)
	reg := registry.New(nil)
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	wp, err := reducer.New(reg, reducer.Config{}).ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	strictStrat := NewStrictStrategy(nil, nil)
	strictPrepared, err := strictStrat.Compile(symPlan, reg, storage.NewMaterializationStore(nil, false, false))
	require.NoError(t, err)
	strictResult, err := strictStrat.Run(strictPrepared, nil)
	require.NoError(t, err)
	assert.False(t, strictResult.Success)

	liftedStrat := NewLiftedStrategy(nil, nil)
	liftedPrepared, err := liftedStrat.Compile(symPlan, reg, storage.NewMaterializationStore(nil, false, false))
	require.NoError(t, err)
	liftedResult, err := liftedStrat.Run(liftedPrepared, nil)
	require.NoError(t, err)
	assert.False(t, liftedResult.Success)
	require.NotEmpty(t, liftedResult.FailedOperations, "the load node itself must fail, not silently truncate")
	for _, msg := range liftedResult.FailedOperations {
		assert.Contains(t, msg, "token too long")
	}
}

func singleGoalTarget(t *testing.T, symPlan *plan.SymbolicPlan) plan.NodeId {
	t.Helper()
	require.Len(t, symPlan.Goals, 1)
	return symPlan.Goals[0].Target
}

func TestExecutionEngine_ExecuteWorkplan(t *testing.T) {
	src := `
let a = 2
print "twice" a + a
`
	reg := registry.New(nil)
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	wp, err := reducer.New(reg, reducer.Config{}).ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	backend := storage.NewMemoryDatabase("test")
	eng := NewExecutionEngine(backend, "strict", nil, nil)

	result, err := eng.ExecuteWorkplan(symPlan, reg, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.CompletedOperations)
	require.NotNil(t, result.CacheSummary)
	assert.Equal(t, 0, result.CacheSummary["failed"])

	has, err := backend.Has(symPlan.Goals[0].Target)
	require.NoError(t, err)
	assert.True(t, has, "write-through defaults on when a backend is configured")

	result, err = eng.ExecuteWorkplan(symPlan, reg, "dask")
	require.NoError(t, err)
	assert.True(t, result.Success, "per-call strategy override must work")
}

func TestReadLikeKernel_RuntimeReadRootSandbox(t *testing.T) {
	src := `
import "simpleitk"
print "img" ReadImage("/etc/passwd")
`
	reg := registry.New(nil)
	prog, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	wp, err := reducer.New(reg, reducer.Config{}).ReduceProgram(prog)
	require.NoError(t, err)
	symPlan := wp.ToSymbolicPlan()

	roots, err := policy.NewReadRoots(t.TempDir(), nil)
	require.NoError(t, err)
	scope := &policy.RuntimeScope{ServeMode: true, Roots: roots}

	strat := NewStrictStrategy(nil, scope)
	store := storage.NewMaterializationStore(nil, false, false)
	prepared, err := strat.Compile(symPlan, reg, store)
	require.NoError(t, err)

	result, err := strat.Run(prepared, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)

	found := false
	for _, msg := range result.FailedOperations {
		if strings.Contains(msg, "E_READ_ROOT_POLICY") {
			found = true
		}
	}
	assert.True(t, found, "a read-like kernel must enforce the sandbox at evaluation time: %v", result.FailedOperations)
}

func TestReductionDeterminism_TwoReductionsProduceEqualNodeIds(t *testing.T) {
	src := `
let a = 1
let b = 2
let c = a + b
print "sum" c
`
	reg1 := registry.New(nil)
	prog1, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	wp1, err := reducer.New(reg1, reducer.Config{}).ReduceProgram(prog1)
	require.NoError(t, err)

	reg2 := registry.New(nil)
	prog2, err := parser.ParseProgramContent(src)
	require.NoError(t, err)
	wp2, err := reducer.New(reg2, reducer.Config{}).ReduceProgram(prog2)
	require.NoError(t, err)

	p1, p2 := wp1.ToSymbolicPlan(), wp2.ToSymbolicPlan()
	require.Equal(t, len(p1.Nodes), len(p2.Nodes))
	for id := range p1.Nodes {
		_, ok := p2.Nodes[id]
		assert.True(t, ok, "node id %s from the first reduction must also appear in the second", id)
	}
}
