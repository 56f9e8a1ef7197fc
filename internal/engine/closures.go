package engine

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/voxlogica-project/voxlogica2/internal/ast"
	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// runtimeEnv is the runtime-side counterpart to reducer.Environment: a
// persistent lexical scope, but binding actual Values instead of NodeIds.
type runtimeEnv struct {
	vars   map[string]value.Value
	parent *runtimeEnv
}

func newRuntimeEnv(parent *runtimeEnv) *runtimeEnv {
	return &runtimeEnv{vars: map[string]value.Value{}, parent: parent}
}

func (e *runtimeEnv) lookup(name string) (value.Value, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return value.Value{}, false
}

func (e *runtimeEnv) extend(name string, v value.Value) *runtimeEnv {
	child := newRuntimeEnv(e)
	child.vars[name] = v
	return child
}

// evalCtx carries the shared, read-only dependencies an AST evaluation
// needs to call primitives and enforce the read-root sandbox.
type evalCtx struct {
	snap  *registry.Snapshot
	roots *policy.RuntimeScope
	rs    *registry.RunState
}

// RuntimeClosure implements value.Callable for a plan.KindClosure node: a
// single-parameter function built from map/for_loop's closure argument.
// The body is parsed exactly once, at first Call, and cached thereafter.
type RuntimeClosure struct {
	ctx      evalCtx
	param    string
	bodySrc  string
	captures map[string]value.Value // name -> captured runtime value

	// parseOnce guards the body parse: the lifted strategy applies a closure
	// from many goroutines at once.
	parseOnce sync.Once
	parsed    ast.Expression
	parseErr  error
}

// NewRuntimeClosure builds a RuntimeClosure from a closure NodeSpec,
// resolving CaptureNames/CaptureArgs and FunctionCaptures against an
// already-evaluated node cache.
func NewRuntimeClosure(ctx evalCtx, n plan.NodeSpec, resolved func(plan.NodeId) (value.Value, error)) (*RuntimeClosure, error) {
	captures := make(map[string]value.Value, len(n.CaptureNames))
	for i, name := range n.CaptureNames {
		v, err := resolved(n.CaptureArgs[i])
		if err != nil {
			return nil, fmt.Errorf("closure capture %q: %w", name, err)
		}
		captures[name] = v
	}
	for name, fc := range n.FunctionCaptures {
		fn, err := runtimeFunctionFromCapture(ctx, fc, resolved)
		if err != nil {
			return nil, fmt.Errorf("closure function capture %q: %w", name, err)
		}
		captures[name] = value.Function(fn)
	}
	return &RuntimeClosure{ctx: ctx, param: n.Parameter, bodySrc: n.Body, captures: captures}, nil
}

func (c *RuntimeClosure) ensureParsed() (ast.Expression, error) {
	c.parseOnce.Do(func() {
		c.parsed, c.parseErr = parser.ParseExpressionContent(c.bodySrc)
	})
	return c.parsed, c.parseErr
}

// Call implements value.Callable.
func (c *RuntimeClosure) Call(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Value{}, fmt.Errorf("closure: expected 1 argument, got %d", len(args))
	}
	body, err := c.ensureParsed()
	if err != nil {
		return value.Value{}, fmt.Errorf("closure body parse: %w", err)
	}
	env := newRuntimeEnv(nil)
	for name, v := range c.captures {
		env.vars[name] = v
	}
	env = env.extend(c.param, args[0])
	return evalExpr(c.ctx, env, body)
}

// RuntimeFunction is the runtime counterpart to reducer.FunctionVal: a
// named lexical function value with an arbitrary parameter list, callable
// from within another closure/function body (map-over-function-value and
// for-loop bodies that call helper functions).
type RuntimeFunction struct {
	ctx     evalCtx
	params  []string
	bodySrc string
	env     *runtimeEnv

	parseOnce sync.Once
	parsed    ast.Expression
	parseErr  error
}

func runtimeFunctionFromCapture(ctx evalCtx, fc plan.FunctionCapture, resolved func(plan.NodeId) (value.Value, error)) (*RuntimeFunction, error) {
	env := newRuntimeEnv(nil)
	for name, id := range fc.Captures {
		v, err := resolved(id)
		if err != nil {
			return nil, fmt.Errorf("function capture %q: %w", name, err)
		}
		env.vars[name] = v
	}
	for name, nfc := range fc.Functions {
		fn, err := runtimeFunctionFromCapture(ctx, nfc, resolved)
		if err != nil {
			return nil, err
		}
		env.vars[name] = value.Function(fn)
	}
	return &RuntimeFunction{ctx: ctx, params: append([]string(nil), fc.Parameters...), bodySrc: fc.Body, env: env}, nil
}

func (f *RuntimeFunction) ensureParsed() (ast.Expression, error) {
	f.parseOnce.Do(func() {
		f.parsed, f.parseErr = parser.ParseExpressionContent(f.bodySrc)
	})
	return f.parsed, f.parseErr
}

// Call implements value.Callable.
func (f *RuntimeFunction) Call(args []value.Value) (value.Value, error) {
	if len(args) != len(f.params) {
		return value.Value{}, fmt.Errorf("function: expected %d arguments, got %d", len(f.params), len(args))
	}
	body, err := f.ensureParsed()
	if err != nil {
		return value.Value{}, fmt.Errorf("function body parse: %w", err)
	}
	env := f.env
	for i, p := range f.params {
		env = env.extend(p, args[i])
	}
	return evalExpr(f.ctx, env, body)
}

// evalExpr walks an ast.Expression and computes its runtime Value,
// mirroring reducer.reduceExpr's dispatch but calling callPrimitive
// instead of building NodeSpecs.
func evalExpr(ctx evalCtx, env *runtimeEnv, e ast.Expression) (value.Value, error) {
	switch v := e.(type) {
	case *ast.ENumber:
		if v.IsFloat() {
			f, err := strconv.ParseFloat(v.Text, 64)
			if err != nil {
				return value.Value{}, fmt.Errorf("invalid number literal %q: %w", v.Text, err)
			}
			return value.Float(f), nil
		}
		i, err := strconv.ParseInt(v.Text, 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("invalid number literal %q: %w", v.Text, err)
		}
		return value.Int(i), nil
	case *ast.EBool:
		return value.Bool(v.Value), nil
	case *ast.EString:
		return value.String(v.Value), nil
	case *ast.ELet:
		bound, err := evalExpr(ctx, env, v.Value)
		if err != nil {
			return value.Value{}, err
		}
		return evalExpr(ctx, env.extend(v.Var, bound), v.Body)
	case *ast.EFor:
		iterVal, err := evalExpr(ctx, env, v.Iterable)
		if err != nil {
			return value.Value{}, err
		}
		seq, err := coerceSequence(iterVal)
		if err != nil {
			return value.Value{}, err
		}
		fn := func(item value.Value) (value.Value, error) {
			return evalExpr(ctx, env.extend(v.Var, item), v.Body)
		}
		return value.Seq(&value.MappedSequence{Src: seq, Fn: fn}), nil
	case *ast.ECall:
		return evalCall(ctx, env, v)
	default:
		return value.Value{}, fmt.Errorf("runtime evaluation: unsupported expression %T", e)
	}
}

func evalCall(ctx evalCtx, env *runtimeEnv, call *ast.ECall) (value.Value, error) {
	if len(call.Args) == 0 && len(call.Kwargs) == 0 {
		if bound, ok := env.lookup(call.Id); ok {
			return bound, nil
		}
	}

	args := make([]value.Value, len(call.Args))
	for i, a := range call.Args {
		v, err := evalExpr(ctx, env, a)
		if err != nil {
			return value.Value{}, err
		}
		args[i] = v
	}

	if bound, ok := env.lookup(call.Id); ok && bound.Callable != nil {
		return bound.Callable.Call(args)
	}

	kwargs := make(map[string]value.Value, len(call.Kwargs))
	for _, kw := range call.Kwargs {
		v, err := evalExpr(ctx, env, kw.Value)
		if err != nil {
			return value.Value{}, err
		}
		kwargs[kw.Name] = v
	}

	// A kwarg bound for a primitive that declares an attrs schema is routed
	// to attrs rather than kwargs, mirroring reducer.splitKwargsAndAttrs so
	// a primitive sees the same attrs/kwargs split whether it's reached via
	// the reduced plan or via a runtime closure body.
	attrs := map[string]any{}
	if spec, err := ctx.snap.Resolve(call.Id); err == nil && spec.AttrsSchemaJSON != nil {
		for name, v := range kwargs {
			nv, err := v.ToNative()
			if err != nil {
				continue
			}
			attrs[name] = nv
			delete(kwargs, name)
		}
	}

	return callPrimitive(call.Id, args, kwargs, attrs, ctx.snap, ctx.roots, ctx.rs)
}
