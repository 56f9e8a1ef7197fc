package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
)

func effectSpec(name string) *registry.PrimitiveSpec {
	spec, err := registry.NewSpec("simpleitk", name).
		Effect().
		Arity(2, 2).
		ParamNames("img", "path").
		Output(plan.OutputEffect).
		Build()
	if err != nil {
		panic(err)
	}
	return spec
}

func readLikeSpec(name string) *registry.PrimitiveSpec {
	spec, err := registry.NewSpec("simpleitk", name).
		Arity(1, 1).
		ParamNames("path").
		Output(plan.OutputDataset).
		Build()
	if err != nil {
		panic(err)
	}
	return spec
}

func dirLikeSpec(name string) *registry.PrimitiveSpec {
	spec, err := registry.NewSpec("default_dir", name).
		Arity(1, 4).
		ParamNames("root", "pattern", "recursive", "full_paths").
		Output(plan.OutputSequence).
		Build()
	if err != nil {
		panic(err)
	}
	return spec
}

func newTestRegistryWithNamespace(t *testing.T, ns *registry.Namespace) *registry.Registry {
	t.Helper()
	registry.RegisterNamespaceFactory(ns.Name, func() *registry.Namespace { return ns })
	r := registry.New(nil)
	require.NoError(t, r.LoadNamespace(ns.Name))
	require.NoError(t, r.ImportNamespace(ns.Name))
	return r
}

func TestValidateWorkplan_EffectBlockedInNonLegacyMode(t *testing.T) {
	ns := &registry.Namespace{Name: "simpleitk_effect", Primitives: map[string]*registry.PrimitiveSpec{
		"WriteImage": effectSpec("WriteImage"),
	}}
	reg := newTestRegistryWithNamespace(t, ns)

	p := plan.NewSymbolicPlan()
	imgId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: int64(0)})
	require.NoError(t, err)
	pathId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: "tests/output/blocked.nii.gz"})
	require.NoError(t, err)
	writeId, err := p.AddNode(plan.NodeSpec{
		Kind: plan.KindPrimitive, Operator: "WriteImage",
		Args: []plan.NodeId{imgId, pathId}, OutputKind: plan.OutputEffect,
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalSave, Target: writeId, Label: "out"})

	eng := &Engine{Legacy: false}
	diags := eng.ValidateWorkplan(p, reg, nil)

	require.NotEmpty(t, diags)
	found := false
	for _, d := range diags {
		if d.Code == CodeEffectBlocked {
			found = true
			assert.Contains(t, d.Symbol, "WriteImage")
		}
	}
	assert.True(t, found, "expected an E_EFFECT_BLOCKED diagnostic")
}

func TestValidateWorkplan_EffectAllowedInLegacyMode(t *testing.T) {
	ns := &registry.Namespace{Name: "simpleitk_effect2", Primitives: map[string]*registry.PrimitiveSpec{
		"WriteImage": effectSpec("WriteImage"),
	}}
	reg := newTestRegistryWithNamespace(t, ns)

	p := plan.NewSymbolicPlan()
	imgId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: int64(0)})
	require.NoError(t, err)
	pathId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: "tests/output/blocked.nii.gz"})
	require.NoError(t, err)
	writeId, err := p.AddNode(plan.NodeSpec{
		Kind: plan.KindPrimitive, Operator: "simpleitk_effect2.WriteImage",
		Args: []plan.NodeId{imgId, pathId}, OutputKind: plan.OutputEffect,
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalSave, Target: writeId, Label: "out"})

	eng := &Engine{Legacy: true}
	diags := eng.ValidateWorkplan(p, reg, nil)
	assert.Empty(t, diags)
}

func TestValidateWorkplan_ReadRootPolicyBlocksPathOutsideRoots(t *testing.T) {
	ns := &registry.Namespace{Name: "simpleitk_read", Primitives: map[string]*registry.PrimitiveSpec{
		"ReadImage": readLikeSpec("ReadImage"),
	}}
	reg := newTestRegistryWithNamespace(t, ns)

	roots, err := NewReadRoots("/tmp/allowed-root", nil)
	require.NoError(t, err)

	p := plan.NewSymbolicPlan()
	pathId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: "/etc/passwd"})
	require.NoError(t, err)
	readId, err := p.AddNode(plan.NodeSpec{
		Kind: plan.KindPrimitive, Operator: "simpleitk_read.ReadImage",
		Args: []plan.NodeId{pathId}, OutputKind: plan.OutputDataset,
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: readId, Label: "img"})

	eng := &Engine{Legacy: true, ServeMode: true, Roots: roots}
	diags := eng.ValidateWorkplan(p, reg, nil)

	require.Len(t, diags, 1)
	assert.Equal(t, CodeReadRootPolicy, diags[0].Code)
}

func TestValidateWorkplan_ReadRootPolicyAllowsPathInsideRoots(t *testing.T) {
	ns := &registry.Namespace{Name: "simpleitk_read2", Primitives: map[string]*registry.PrimitiveSpec{
		"ReadImage": readLikeSpec("ReadImage"),
	}}
	reg := newTestRegistryWithNamespace(t, ns)

	roots, err := NewReadRoots("/tmp/allowed-root", nil)
	require.NoError(t, err)

	p := plan.NewSymbolicPlan()
	pathId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: "/tmp/allowed-root/scan.nii.gz"})
	require.NoError(t, err)
	readId, err := p.AddNode(plan.NodeSpec{
		Kind: plan.KindPrimitive, Operator: "simpleitk_read2.ReadImage",
		Args: []plan.NodeId{pathId}, OutputKind: plan.OutputDataset,
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: readId, Label: "img"})

	eng := &Engine{Legacy: true, ServeMode: true, Roots: roots}
	diags := eng.ValidateWorkplan(p, reg, nil)
	assert.Empty(t, diags)
}

func TestValidateWorkplan_ReadRootPolicyBlocksDirOutsideRoots(t *testing.T) {
	ns := &registry.Namespace{Name: "default_dir", Primitives: map[string]*registry.PrimitiveSpec{
		"dir": dirLikeSpec("dir"),
	}}
	reg := newTestRegistryWithNamespace(t, ns)

	roots, err := NewReadRoots("/tmp/allowed-root", nil)
	require.NoError(t, err)

	p := plan.NewSymbolicPlan()
	pathId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: "/etc"})
	require.NoError(t, err)
	dirId, err := p.AddNode(plan.NodeSpec{
		Kind: plan.KindPrimitive, Operator: "default_dir.dir",
		Args: []plan.NodeId{pathId}, OutputKind: plan.OutputSequence,
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: dirId, Label: "entries"})

	eng := &Engine{Legacy: true, ServeMode: true, Roots: roots}
	diags := eng.ValidateWorkplan(p, reg, nil)

	require.Len(t, diags, 1)
	assert.Equal(t, CodeReadRootPolicy, diags[0].Code)
}

func TestValidateWorkplan_ReadRootPolicyAllowsDirInsideRoots(t *testing.T) {
	ns := &registry.Namespace{Name: "default_dir2", Primitives: map[string]*registry.PrimitiveSpec{
		"dir": dirLikeSpec("dir"),
	}}
	reg := newTestRegistryWithNamespace(t, ns)

	roots, err := NewReadRoots("/tmp/allowed-root", nil)
	require.NoError(t, err)

	p := plan.NewSymbolicPlan()
	pathId, err := p.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: "/tmp/allowed-root/scans"})
	require.NoError(t, err)
	dirId, err := p.AddNode(plan.NodeSpec{
		Kind: plan.KindPrimitive, Operator: "default_dir2.dir",
		Args: []plan.NodeId{pathId}, OutputKind: plan.OutputSequence,
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: dirId, Label: "entries"})

	eng := &Engine{Legacy: true, ServeMode: true, Roots: roots}
	diags := eng.ValidateWorkplan(p, reg, nil)
	assert.Empty(t, diags)
}

func TestReadRoots_Contains(t *testing.T) {
	roots, err := NewReadRoots("/tmp/allowed-root", []string{"/tmp/other-root"})
	require.NoError(t, err)

	assert.True(t, roots.Contains("/tmp/allowed-root/a.txt"))
	assert.True(t, roots.Contains("/tmp/other-root/b.txt"))
	assert.False(t, roots.Contains("/tmp/not-a-root/c.txt"))
}

func TestEnforceOrRaise(t *testing.T) {
	assert.NoError(t, EnforceOrRaise(nil))

	err := EnforceOrRaise([]Diagnostic{{Code: CodeEffectBlocked, Symbol: "x.Y"}})
	require.Error(t, err)
	var polErr *StaticPolicyError
	require.ErrorAs(t, err, &polErr)
	assert.Len(t, polErr.Diagnostics, 1)
}

func TestRuntimeScope_CheckPath(t *testing.T) {
	roots, err := NewReadRoots("/tmp/allowed-root", nil)
	require.NoError(t, err)

	scope := &RuntimeScope{ServeMode: true, Roots: roots}
	assert.NoError(t, scope.CheckPath("/tmp/allowed-root/x.txt"))
	assert.Error(t, scope.CheckPath("/etc/shadow"))

	nonServe := &RuntimeScope{ServeMode: false, Roots: roots}
	assert.NoError(t, nonServe.CheckPath("/etc/shadow"), "outside serve mode the sandbox does not apply")
}

func TestCheckNode_UnresolvedOperatorIsIgnored(t *testing.T) {
	reg := registry.New(nil)
	p := plan.NewSymbolicPlan()
	id, err := p.AddNode(plan.NodeSpec{Kind: plan.KindPrimitive, Operator: "totally_unknown_callable", OutputKind: plan.OutputScalar})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: id, Label: "x"})

	eng := &Engine{Legacy: false}
	diags := eng.ValidateWorkplan(p, reg, nil)
	assert.Empty(t, diags, "unresolved callables are reported at reduce time, not by the policy engine")
}

func TestValidateWorkplan_ClosureReparseFailureIsDiagnosed(t *testing.T) {
	reg := registry.New(nil)
	p := plan.NewSymbolicPlan()
	closureId, err := p.AddNode(plan.NodeSpec{
		Kind:      plan.KindClosure,
		Parameter: "x",
		Body:      "x + + +", // deliberately unparseable
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: closureId, Label: "f"})

	eng := &Engine{Legacy: false}
	diags := eng.ValidateWorkplan(p, reg, nil)

	require.NotEmpty(t, diags)
	assert.Equal(t, CodeClosureParse, diags[0].Code)
}

func TestValidateWorkplan_ClosureReparseSkippedInLegacyMode(t *testing.T) {
	reg := registry.New(nil)
	p := plan.NewSymbolicPlan()
	closureId, err := p.AddNode(plan.NodeSpec{
		Kind:      plan.KindClosure,
		Parameter: "x",
		Body:      "x + + +",
	})
	require.NoError(t, err)
	p.Goals = append(p.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: closureId, Label: "f"})

	eng := &Engine{Legacy: true}
	diags := eng.ValidateWorkplan(p, reg, nil)
	assert.Empty(t, diags)
}
