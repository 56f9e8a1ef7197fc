// Package defaultns registers the "default" namespace: the arithmetic,
// comparison, and boolean primitives every IMGQL program gets without an
// explicit import.
package defaultns

import (
	"fmt"
	"strings"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

func init() {
	registry.RegisterNamespaceFactory("default", build)
}

func build() *registry.Namespace {
	ns := &registry.Namespace{Name: "default", Primitives: map[string]*registry.PrimitiveSpec{}}
	for _, spec := range binaryOperators() {
		ns.Primitives[spec.Name] = spec
	}
	for _, spec := range unaryOperators() {
		ns.Primitives[spec.Name] = spec
	}
	for _, spec := range sequenceSources() {
		ns.Primitives[spec.Name] = spec
	}
	return ns
}

// sequenceSources registers range/load/dir/map so that reduceCall's normal
// registry.Resolve path accepts them: their Kernel is never invoked, since
// engine.callPrimitive special-cases all four operator names ahead of the
// registry dispatch, but a PrimitiveSpec still has to exist for arity
// checking and NodeSpec planning during reduction.
func sequenceSources() []*registry.PrimitiveSpec {
	rangeSpec, err := registry.NewSpec("default", "range").
		Description("lazily enumerate integers from start (inclusive) to stop (exclusive) by step").
		Arity(1, 3).
		Output(plan.OutputSequence).
		Kernel(unreachableKernel("range")).
		Build()
	if err != nil {
		panic(err)
	}

	loadSpec, err := registry.NewSpec("default", "load").
		Description("load a sequence or a file path as a runtime value").
		Arity(1, 1).
		ParamNames("source").
		Output(plan.OutputSequence).
		Kernel(unreachableKernel("load")).
		Build()
	if err != nil {
		panic(err)
	}

	dirSpec, err := registry.NewSpec("default", "dir").
		Description("list directory entries with optional glob filtering, recursion, and full-path rendering").
		Arity(1, 4).
		ParamNames("root", "pattern", "recursive", "full_paths").
		Output(plan.OutputSequence).
		Kernel(unreachableKernel("dir")).
		Build()
	if err != nil {
		panic(err)
	}

	mapSpec, err := registry.NewSpec("default", "map").
		Description("apply a one-argument function to every element of a sequence").
		Arity(2, 2).
		ParamNames("sequence", "fn").
		Output(plan.OutputSequence).
		Kernel(unreachableKernel("map")).
		Build()
	if err != nil {
		panic(err)
	}

	return []*registry.PrimitiveSpec{rangeSpec, loadSpec, dirSpec, mapSpec}
}

// unreachableKernel guards against callPrimitive's dispatch switch ever
// falling through to the registry kernel for name: that would mean the
// special-cased evaluation was bypassed somewhere.
func unreachableKernel(name string) registry.Kernel {
	return func(map[string]value.Value, map[string]any, *registry.RunState) (value.Value, error) {
		return value.Value{}, fmt.Errorf("%s: dispatched through registry kernel instead of the engine's special-cased evaluator", name)
	}
}

// binaryOperators covers every infix symbolic operator the parser can
// produce. Dot-decorated element-wise forms (`+.`, `.-`, `.<=.`) share the
// same scalar semantics as their bare counterpart; the broadcast kernels
// that distinguish them live in the external imaging namespaces.
func binaryOperators() []*registry.PrimitiveSpec {
	var specs []*registry.PrimitiveSpec
	for _, variant := range operatorVariants() {
		v := variant
		spec, err := registry.NewSpec("default", v.name).
			Description(v.description).
			Arity(2, 2).
			ParamNames("a", "b").
			Output(plan.OutputScalar).
			Kernel(func(bound map[string]value.Value, _ map[string]any, _ *registry.RunState) (value.Value, error) {
				return v.fn(bound["a"], bound["b"])
			}).
			Build()
		if err != nil {
			panic(err) // programmer error: static spec construction
		}
		specs = append(specs, spec)
	}
	return specs
}

type operatorVariant struct {
	name        string
	description string
	fn          func(a, b value.Value) (value.Value, error)
}

// operatorVariants enumerates the core operator plus its element-wise-dot
// spellings, since the parser treats `+`, `+.`, `.+`, and `.+.` as distinct
// callable names.
func operatorVariants() []operatorVariant {
	var out []operatorVariant
	core := []struct {
		name string
		desc string
		fn   func(a, b value.Value) (value.Value, error)
	}{
		{"+", "numeric addition", arith(func(a, b float64) float64 { return a + b }, func(a, b int64) int64 { return a + b })},
		{"-", "numeric subtraction", arith(func(a, b float64) float64 { return a - b }, func(a, b int64) int64 { return a - b })},
		{"*", "numeric multiplication", arith(func(a, b float64) float64 { return a * b }, func(a, b int64) int64 { return a * b })},
		{"/", "numeric division (always float)", divide},
		{"%", "integer modulo", modulo},
		{"==", "equality", cmp(func(c int) bool { return c == 0 })},
		{"!=", "inequality", cmp(func(c int) bool { return c != 0 })},
		{"<", "less than", cmp(func(c int) bool { return c < 0 })},
		{"<=", "less than or equal", cmp(func(c int) bool { return c <= 0 })},
		{">", "greater than", cmp(func(c int) bool { return c > 0 })},
		{">=", "greater than or equal", cmp(func(c int) bool { return c >= 0 })},
		{"&&", "boolean and", boolAnd},
		{"||", "boolean or", boolOr},
	}
	for _, c := range core {
		out = append(out, operatorVariant{name: c.name, description: c.desc, fn: c.fn})
		for _, dotted := range dotSpellings(c.name) {
			out = append(out, operatorVariant{name: dotted, description: c.desc + " (element-wise spelling)", fn: c.fn})
		}
	}
	return out
}

func dotSpellings(core string) []string {
	return []string{core + ".", "." + core, "." + core + "."}
}

func unaryOperators() []*registry.PrimitiveSpec {
	specs := make([]*registry.PrimitiveSpec, 0, 2)
	neg, err := registry.NewSpec("default", "unary-").
		Description("numeric negation").
		Arity(1, 1).
		ParamNames("a").
		Output(plan.OutputScalar).
		Kernel(func(bound map[string]value.Value, _ map[string]any, _ *registry.RunState) (value.Value, error) {
			a := bound["a"]
			switch a.Kind {
			case value.KindInt:
				return value.Int(-a.Int), nil
			case value.KindFloat:
				return value.Float(-a.Float), nil
			default:
				return value.Value{}, fmt.Errorf("unary-: expected numeric operand, got %s", a.Kind)
			}
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, neg)

	pos, err := registry.NewSpec("default", "unary+").
		Description("numeric identity").
		Arity(1, 1).
		ParamNames("a").
		Output(plan.OutputScalar).
		Kernel(func(bound map[string]value.Value, _ map[string]any, _ *registry.RunState) (value.Value, error) {
			a := bound["a"]
			if !a.IsNumeric() {
				return value.Value{}, fmt.Errorf("unary+: expected numeric operand, got %s", a.Kind)
			}
			return a, nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, pos)

	not, err := registry.NewSpec("default", "!").
		Description("boolean negation").
		Arity(1, 1).
		ParamNames("a").
		Output(plan.OutputScalar).
		Kernel(func(bound map[string]value.Value, _ map[string]any, _ *registry.RunState) (value.Value, error) {
			a := bound["a"]
			if a.Kind != value.KindBool {
				return value.Value{}, fmt.Errorf("!: expected bool operand, got %s", a.Kind)
			}
			return value.Bool(!a.Bool), nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, not)

	return specs
}

// arith dispatches to the int kernel when both operands are int, else
// promotes to float.
func arith(ffn func(a, b float64) float64, ifn func(a, b int64) int64) func(a, b value.Value) (value.Value, error) {
	return func(a, b value.Value) (value.Value, error) {
		if !a.IsNumeric() || !b.IsNumeric() {
			return value.Value{}, fmt.Errorf("expected numeric operands, got %s and %s", a.Kind, b.Kind)
		}
		if a.Kind == value.KindInt && b.Kind == value.KindInt {
			return value.Int(ifn(a.Int, b.Int)), nil
		}
		af, _ := a.AsFloat64()
		bf, _ := b.AsFloat64()
		return value.Float(ffn(af, bf)), nil
	}
}

func divide(a, b value.Value) (value.Value, error) {
	if !a.IsNumeric() || !b.IsNumeric() {
		return value.Value{}, fmt.Errorf("/: expected numeric operands, got %s and %s", a.Kind, b.Kind)
	}
	af, _ := a.AsFloat64()
	bf, _ := b.AsFloat64()
	if bf == 0 {
		return value.Value{}, fmt.Errorf("/: division by zero")
	}
	return value.Float(af / bf), nil
}

func modulo(a, b value.Value) (value.Value, error) {
	if a.Kind != value.KindInt || b.Kind != value.KindInt {
		return value.Value{}, fmt.Errorf("%%: expected integer operands, got %s and %s", a.Kind, b.Kind)
	}
	if b.Int == 0 {
		return value.Value{}, fmt.Errorf("%%: modulo by zero")
	}
	return value.Int(a.Int % b.Int), nil
}

// cmp builds a comparison kernel from a predicate over a three-way
// compare result; strings compare lexically, numbers numerically,
// booleans as 0/1.
func cmp(accept func(c int) bool) func(a, b value.Value) (value.Value, error) {
	return func(a, b value.Value) (value.Value, error) {
		c, err := compare(a, b)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(accept(c)), nil
	}
}

func compare(a, b value.Value) (int, error) {
	if a.Kind == value.KindString && b.Kind == value.KindString {
		return strings.Compare(a.Str, b.Str), nil
	}
	if a.IsNumeric() && b.IsNumeric() {
		af, _ := a.AsFloat64()
		bf, _ := b.AsFloat64()
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if a.Kind == value.KindBool && b.Kind == value.KindBool {
		ai, bi := 0, 0
		if a.Bool {
			ai = 1
		}
		if b.Bool {
			bi = 1
		}
		return ai - bi, nil
	}
	return 0, fmt.Errorf("cannot compare %s and %s", a.Kind, b.Kind)
}

func boolAnd(a, b value.Value) (value.Value, error) {
	if a.Kind != value.KindBool || b.Kind != value.KindBool {
		return value.Value{}, fmt.Errorf("&&: expected bool operands, got %s and %s", a.Kind, b.Kind)
	}
	return value.Bool(a.Bool && b.Bool), nil
}

func boolOr(a, b value.Value) (value.Value, error) {
	if a.Kind != value.KindBool || b.Kind != value.KindBool {
		return value.Value{}, fmt.Errorf("||: expected bool operands, got %s and %s", a.Kind, b.Kind)
	}
	return value.Bool(a.Bool || b.Bool), nil
}
