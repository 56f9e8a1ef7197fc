// Package reducer lowers an ast.Program into a content-addressed
// SymbolicPlan.
package reducer

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/voxlogica-project/voxlogica2/internal/ast"
	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
)

// Binding is either an OperationVal (a value already planned into the DAG)
// or a FunctionVal (a not-yet-applied user function).
type Binding interface{ isBinding() }

// OperationVal binds a name to an already-reduced NodeId.
type OperationVal struct{ Id plan.NodeId }

func (OperationVal) isBinding() {}

// FunctionVal binds a name to an unapplied function: its defining
// environment snapshot, formal parameters, and body expression.
type FunctionVal struct {
	Env    *Environment
	Params []string
	Body   ast.Expression
}

func (*FunctionVal) isBinding() {}

// Environment is a persistent, parent-linked lexical scope.
type Environment struct {
	vars   map[string]Binding
	parent *Environment
}

// NewEnvironment returns an empty root environment.
func NewEnvironment() *Environment { return &Environment{vars: map[string]Binding{}} }

// Lookup walks the scope chain outward for name.
func (e *Environment) Lookup(name string) (Binding, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if b, ok := cur.vars[name]; ok {
			return b, true
		}
	}
	return nil, false
}

// Extend returns a new child scope binding name to b, leaving e untouched.
func (e *Environment) Extend(name string, b Binding) *Environment {
	return &Environment{vars: map[string]Binding{name: b}, parent: e}
}

// WorkPlan is the reducer's mutable-during-construction output; it becomes
// immutable once ReduceProgram returns.
type WorkPlan struct {
	SymPlan  *plan.SymbolicPlan
	Registry *registry.Registry
}

// ToSymbolicPlan drops the registry reference, yielding the portable,
// registry-free SymbolicPlan.
func (w *WorkPlan) ToSymbolicPlan() *plan.SymbolicPlan { return w.SymPlan }

// stdlibSource is the baseline prelude reduced ahead of every program; it
// holds only function declarations, which bind without adding plan nodes.
//
//go:embed stdlib.imgql
var stdlibSource string

// Config configures a Reducer.
type Config struct {
	Logger       *slog.Logger
	StdlibSource string                          // overrides the embedded stdlib.imgql when non-empty
	ReadFile     func(path string) (string, error) // resolves import "path.imgql"
}

// Reducer lowers programs into WorkPlans against a shared PrimitiveRegistry.
type Reducer struct {
	reg *registry.Registry
	log *slog.Logger
	cfg Config
}

// New creates a Reducer bound to reg.
func New(reg *registry.Registry, cfg Config) *Reducer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StdlibSource == "" {
		cfg.StdlibSource = stdlibSource
	}
	return &Reducer{reg: reg, log: cfg.Logger, cfg: cfg}
}

// frame is one entry of the call stack used to annotate error messages.
type frame struct {
	id  string
	pos ast.Position
}

func (f frame) String() string { return fmt.Sprintf("%s@%s", f.id, f.pos) }

// ReduceProgram lowers prog into a WorkPlan.
func (r *Reducer) ReduceProgram(prog *ast.Program) (*WorkPlan, error) {
	wp := &WorkPlan{SymPlan: plan.NewSymbolicPlan(), Registry: r.reg}
	env := NewEnvironment()

	var queue []ast.Command
	if r.cfg.StdlibSource != "" {
		stdlibProg, err := parser.ParseProgramContent(r.cfg.StdlibSource)
		if err != nil {
			r.log.Warn("reducer: failed to parse stdlib.imgql, skipping", "error", err)
		} else {
			queue = append(queue, stdlibProg.Commands...)
		}
	}
	queue = append(queue, prog.Commands...)

	for len(queue) > 0 {
		cmd := queue[0]
		queue = queue[1:]

		switch c := cmd.(type) {
		case *ast.Declaration:
			if c.Params == nil {
				id, err := r.reduceExpr(wp, env, c.Body, nil)
				if err != nil {
					return nil, fmt.Errorf("let %s: %w", c.Id, err)
				}
				env = env.Extend(c.Id, OperationVal{Id: id})
			} else {
				env = env.Extend(c.Id, &FunctionVal{Env: env, Params: c.Params, Body: c.Body})
			}

		case *ast.Print:
			id, err := r.reduceExpr(wp, env, c.Expr, nil)
			if err != nil {
				return nil, fmt.Errorf("print %q: %w", c.Label, err)
			}
			wp.SymPlan.Goals = append(wp.SymPlan.Goals, plan.GoalSpec{Operation: plan.GoalPrint, Target: id, Label: c.Label})

		case *ast.Save:
			id, err := r.reduceExpr(wp, env, c.Expr, nil)
			if err != nil {
				return nil, fmt.Errorf("save %q: %w", c.Label, err)
			}
			wp.SymPlan.Goals = append(wp.SymPlan.Goals, plan.GoalSpec{Operation: plan.GoalSave, Target: id, Label: c.Label})

		case *ast.Import:
			extra, err := r.handleImport(c)
			if err != nil {
				return nil, err
			}
			queue = append(extra, queue...)

		default:
			return nil, fmt.Errorf("unknown command type %T", cmd)
		}
	}

	wp.SymPlan.ImportedNamespaces = r.reg.ImportedNamespaces()
	if err := wp.SymPlan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return wp, nil
}

func (r *Reducer) handleImport(c *ast.Import) ([]ast.Command, error) {
	if c.IsNamespace() {
		if err := r.reg.ImportNamespace(c.Target); err != nil {
			return nil, fmt.Errorf("import %q: %w", c.Target, err)
		}
		src, ok := r.reg.ExportedSource(c.Target)
		if !ok || src == "" {
			return nil, nil
		}
		nsProg, err := parser.ParseProgramContent(src)
		if err != nil {
			return nil, fmt.Errorf("import %q: exported source: %w", c.Target, err)
		}
		return nsProg.Commands, nil
	}

	if r.cfg.ReadFile == nil {
		return nil, fmt.Errorf("import %q: file imports are not configured", c.Target)
	}
	content, err := r.cfg.ReadFile(c.Target)
	if err != nil {
		return nil, fmt.Errorf("import %q: %w", c.Target, err)
	}
	fileProg, err := parser.ParseProgramContent(content)
	if err != nil {
		return nil, fmt.Errorf("import %q: %w", c.Target, err)
	}
	return fileProg.Commands, nil
}

// reduceExpr lowers e to a NodeId under env.
func (r *Reducer) reduceExpr(wp *WorkPlan, env *Environment, e ast.Expression, stack []frame) (plan.NodeId, error) {
	switch v := e.(type) {
	case *ast.ENumber:
		return r.reduceNumber(wp, v)
	case *ast.EBool:
		return wp.SymPlan.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: v.Value})
	case *ast.EString:
		return wp.SymPlan.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: v.Value})
	case *ast.ELet:
		valId, err := r.reduceExpr(wp, env, v.Value, stack)
		if err != nil {
			return "", err
		}
		inner := env.Extend(v.Var, OperationVal{Id: valId})
		return r.reduceExpr(wp, inner, v.Body, stack)
	case *ast.EFor:
		return r.reduceFor(wp, env, v, stack)
	case *ast.ECall:
		return r.reduceCall(wp, env, v, stack)
	default:
		return "", fmt.Errorf("unsupported expression type %T", e)
	}
}

func (r *Reducer) reduceNumber(wp *WorkPlan, v *ast.ENumber) (plan.NodeId, error) {
	if v.IsFloat() {
		f, err := strconv.ParseFloat(v.Text, 64)
		if err != nil {
			return "", fmt.Errorf("invalid number literal %q: %w", v.Text, err)
		}
		return wp.SymPlan.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: f})
	}
	i, err := strconv.ParseInt(v.Text, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number literal %q: %w", v.Text, err)
	}
	return wp.SymPlan.AddNode(plan.NodeSpec{Kind: plan.KindConstant, ConstValue: i})
}

func (r *Reducer) reduceFor(wp *WorkPlan, env *Environment, v *ast.EFor, stack []frame) (plan.NodeId, error) {
	iterId, err := r.reduceExpr(wp, env, v.Iterable, stack)
	if err != nil {
		return "", fmt.Errorf("for %s in ...: %w", v.Var, err)
	}
	closureSpec, err := r.buildClosure(env, v.Var, v.Body)
	if err != nil {
		return "", fmt.Errorf("for %s: %w", v.Var, err)
	}
	closureId, err := wp.SymPlan.AddNode(closureSpec)
	if err != nil {
		return "", err
	}
	return wp.SymPlan.AddNode(plan.NodeSpec{
		Kind:       plan.KindPrimitive,
		Operator:   "for_loop",
		Args:       []plan.NodeId{iterId, closureId},
		OutputKind: plan.OutputSequence,
	})
}

// reduceCall dispatches a call expression, including the `map`
// special form that synthesizes a closure from a bare function reference
// so it can be used higher-order without going through normal application.
func (r *Reducer) reduceCall(wp *WorkPlan, env *Environment, call *ast.ECall, stack []frame) (plan.NodeId, error) {
	if closureId, handled, err := r.tryReduceMapSpecialForm(wp, env, call, stack); handled {
		return closureId, err
	}

	if b, ok := env.Lookup(call.Id); ok {
		switch bv := b.(type) {
		case OperationVal:
			if len(call.Args) > 0 || len(call.Kwargs) > 0 {
				return "", fmt.Errorf("%q is bound to a value, not a function", call.Id)
			}
			return bv.Id, nil
		case *FunctionVal:
			if !call.HasParens {
				return "", fmt.Errorf("E_ARITY: function %q referenced without arguments", call.Id)
			}
			if len(bv.Params) != len(call.Args) {
				return "", fmt.Errorf("E_ARITY: %q expects %d argument(s), got %d", call.Id, len(bv.Params), len(call.Args))
			}
			if len(call.Kwargs) > 0 {
				return "", fmt.Errorf("E_ARITY: %q does not accept keyword arguments", call.Id)
			}
			argIds := make([]plan.NodeId, len(call.Args))
			fr := frame{id: call.Id, pos: call.Pos}
			for i, a := range call.Args {
				id, err := r.reduceExpr(wp, env, a, append(stack, fr))
				if err != nil {
					return "", fmt.Errorf("%s arg %d: %w", call.Id, i, err)
				}
				argIds[i] = id
			}
			inner := bv.Env
			for i, p := range bv.Params {
				inner = inner.Extend(p, OperationVal{Id: argIds[i]})
			}
			return r.reduceExpr(wp, inner, bv.Body, append(stack, fr))
		}
	}

	spec, err := r.reg.Resolve(call.Id)
	if err != nil {
		return "", err
	}

	frameEntry := frame{id: call.Id, pos: call.Pos}
	argIds := make([]plan.NodeId, len(call.Args))
	for i, a := range call.Args {
		id, err := r.reduceExpr(wp, env, a, append(stack, frameEntry))
		if err != nil {
			return "", fmt.Errorf("%s arg %d: %w", call.Id, i, err)
		}
		argIds[i] = id
	}

	if !spec.Arity.Allows(len(argIds) + len(call.Kwargs)) {
		return "", fmt.Errorf("%s: arity mismatch: got %d argument(s)", spec.Qualified(), len(argIds)+len(call.Kwargs))
	}

	kwargs, attrs, err := r.splitKwargsAndAttrs(wp, env, spec, call, stack, frameEntry)
	if err != nil {
		return "", err
	}

	nodeSpec, err := spec.Planner(registry.PrimitiveCall{Args: argIds, Kwargs: kwargs, Attrs: attrs})
	if err != nil {
		return "", fmt.Errorf("%s: planner failed: %w", spec.Qualified(), err)
	}
	return wp.SymPlan.AddNode(nodeSpec)
}

// splitKwargsAndAttrs decides, per keyword argument, whether it becomes a
// NodeId-referenced runtime kwarg or a canonical compile-time attr: a
// keyword argument becomes an attr only when the target primitive declares
// an attrs schema and the argument's value reduces to a constant (Open
// Question resolved in DESIGN.md).
func (r *Reducer) splitKwargsAndAttrs(wp *WorkPlan, env *Environment, spec *registry.PrimitiveSpec, call *ast.ECall, stack []frame, fr frame) ([]plan.KeywordArg, map[string]any, error) {
	var kwargs []plan.KeywordArg
	attrs := map[string]any{}
	for _, kw := range call.Kwargs {
		id, err := r.reduceExpr(wp, env, kw.Value, append(stack, fr))
		if err != nil {
			return nil, nil, fmt.Errorf("%s kwarg %q: %w", call.Id, kw.Name, err)
		}
		node := wp.SymPlan.Nodes[id]
		if len(spec.AttrsSchemaJSON) > 0 && node.Kind == plan.KindConstant {
			attrs[kw.Name] = node.ConstValue
			continue
		}
		kwargs = append(kwargs, plan.KeywordArg{Name: kw.Name, Id: id})
	}
	sort.Slice(kwargs, func(i, j int) bool { return kwargs[i].Name < kwargs[j].Name })
	return kwargs, attrs, nil
}

// tryReduceMapSpecialForm handles `map`/`default.map` over a bare function
// reference: the function becomes a closure node so it can be applied
// element-wise at run time.
func (r *Reducer) tryReduceMapSpecialForm(wp *WorkPlan, env *Environment, call *ast.ECall, stack []frame) (plan.NodeId, bool, error) {
	if call.Id != "map" && call.Id != "default.map" {
		return "", false, nil
	}
	if len(call.Args) != 2 || len(call.Kwargs) != 0 {
		return "", false, nil
	}
	fnIdent, ok := call.Args[0].(*ast.ECall)
	if !ok || fnIdent.HasParens {
		return "", false, nil
	}
	b, ok := env.Lookup(fnIdent.Id)
	if !ok {
		return "", false, nil
	}
	fv, ok := b.(*FunctionVal)
	if !ok || len(fv.Params) != 1 {
		return "", false, nil
	}

	seqId, err := r.reduceExpr(wp, env, call.Args[1], stack)
	if err != nil {
		return "", true, fmt.Errorf("map: %w", err)
	}
	closureSpec, err := r.buildClosure(fv.Env, fv.Params[0], fv.Body)
	if err != nil {
		return "", true, fmt.Errorf("map: %w", err)
	}
	closureId, err := wp.SymPlan.AddNode(closureSpec)
	if err != nil {
		return "", true, err
	}
	id, err := wp.SymPlan.AddNode(plan.NodeSpec{
		Kind:       plan.KindPrimitive,
		Operator:   "map",
		Args:       []plan.NodeId{seqId, closureId},
		OutputKind: plan.OutputSequence,
	})
	return id, true, err
}

// buildClosure synthesizes a closure NodeSpec for (param, body) evaluated
// under env, recording captured value and function dependencies.
func (r *Reducer) buildClosure(env *Environment, param string, body ast.Expression) (plan.NodeSpec, error) {
	free := ast.FreeVariables(body, map[string]bool{param: true})

	var captureNames []string
	var captureArgs []plan.NodeId
	functionCaptures := map[string]plan.FunctionCapture{}

	for _, name := range free {
		b, ok := env.Lookup(name)
		if !ok {
			continue // not a local binding: resolved against the registry at evaluation time
		}
		switch bv := b.(type) {
		case OperationVal:
			captureNames = append(captureNames, name)
			captureArgs = append(captureArgs, bv.Id)
		case *FunctionVal:
			fc, err := r.serializeFunction(bv, map[string]bool{name: true})
			if err != nil {
				return plan.NodeSpec{}, err
			}
			functionCaptures[name] = fc
		}
	}

	return plan.NodeSpec{
		Kind:             plan.KindClosure,
		Parameter:        param,
		Body:             body.String(),
		CaptureNames:     captureNames,
		CaptureArgs:       captureArgs,
		FunctionCaptures: functionCaptures,
	}, nil
}

// serializeFunction recursively serializes a FunctionVal into a
// plan.FunctionCapture.
func (r *Reducer) serializeFunction(fv *FunctionVal, visiting map[string]bool) (plan.FunctionCapture, error) {
	bound := make(map[string]bool, len(fv.Params))
	for _, p := range fv.Params {
		bound[p] = true
	}
	free := ast.FreeVariables(fv.Body, bound)

	captures := map[string]plan.NodeId{}
	functions := map[string]plan.FunctionCapture{}

	for _, name := range free {
		if visiting[name] {
			continue
		}
		b, ok := fv.Env.Lookup(name)
		if !ok {
			continue
		}
		switch bv := b.(type) {
		case OperationVal:
			captures[name] = bv.Id
		case *FunctionVal:
			nextVisiting := make(map[string]bool, len(visiting)+1)
			for k := range visiting {
				nextVisiting[k] = true
			}
			nextVisiting[name] = true
			fc, err := r.serializeFunction(bv, nextVisiting)
			if err != nil {
				return plan.FunctionCapture{}, err
			}
			functions[name] = fc
		}
	}

	return plan.FunctionCapture{
		Parameters: fv.Params,
		Body:       fv.Body.String(),
		Captures:   captures,
		Functions:  functions,
	}, nil
}
