package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/storage"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// StrictStrategy evaluates a plan eagerly, depth-first, one node at a
// time. It is also the shared base the Lifted strategy embeds, overriding
// range/load/map/for_loop through the onPrimitive hook.
type StrictStrategy struct {
	Log   *slog.Logger
	Roots *policy.RuntimeScope

	// name overrides Name()'s return value; set by NewLiftedStrategy since
	// Go's embedding does not virtually dispatch Name() back to
	// LiftedStrategy when StrictStrategy's own methods call it internally.
	name string

	// onPrimitive, when set, replaces the default callPrimitive dispatch for
	// a node's Operator. The Lifted strategy uses this hook to return Bags
	// from range/load and MapBag results from map/for_loop instead of
	// in-process sequences, while still sharing everything else here.
	onPrimitive func(s *StrictStrategy, operator string, args []value.Value, kwargs map[string]value.Value, attrs map[string]any, snap *registry.Snapshot, rs *registry.RunState) (value.Value, bool, error)
}

// NewStrictStrategy builds the default eager strategy.
func NewStrictStrategy(log *slog.Logger, roots *policy.RuntimeScope) *StrictStrategy {
	if log == nil {
		log = slog.Default()
	}
	return &StrictStrategy{Log: log, Roots: roots}
}

func (s *StrictStrategy) Name() string {
	if s.name != "" {
		return s.name
	}
	return "strict"
}

// Compile snapshots the registry and wraps plan+store into a PreparedPlan.
func (s *StrictStrategy) Compile(p *plan.SymbolicPlan, reg *registry.Registry, store *storage.MaterializationStore) (*PreparedPlan, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if err := reg.ApplyImports(p.ImportedNamespaces); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	reg.ResetRuntimeState()
	return &PreparedPlan{
		Plan:         p,
		Registry:     reg.Snapshot(),
		Store:        store,
		StrategyName: s.Name(),
		CompiledAt:   time.Now(),
		RunContext:   &RunContext{State: registry.NewRunState()},
	}, nil
}

// Evaluate computes (and memoizes) the value of one node, recursing into
// its dependencies depth-first.
func (s *StrictStrategy) Evaluate(prepared *PreparedPlan, id plan.NodeId) (value.Value, error) {
	return s.evaluateNode(prepared, id)
}

func (s *StrictStrategy) evaluateNode(prepared *PreparedPlan, id plan.NodeId) (value.Value, error) {
	if v, ok := prepared.Store.Get(id); ok {
		return v, nil
	}
	if msg, failed := prepared.Store.Failed(id); failed {
		return value.Value{}, fmt.Errorf("%s", msg)
	}

	n, ok := prepared.Plan.Nodes[id]
	if !ok {
		return value.Value{}, fmt.Errorf("evaluate: unknown node %s", id)
	}

	prepared.Store.MarkRunning(id)
	v, err := s.computeNode(prepared, id, n)
	if err != nil {
		s.Log.Debug("node evaluation failed", "node", string(id), "operator", n.Operator, "error", err)
		prepared.Store.Fail(id, err.Error())
		return value.Value{}, err
	}
	prepared.Store.Put(id, v, map[string]any{})
	s.Log.Debug("node evaluated", "node", string(id), "kind", n.Kind)
	return v, nil
}

func (s *StrictStrategy) computeNode(prepared *PreparedPlan, id plan.NodeId, n plan.NodeSpec) (value.Value, error) {
	switch n.Kind {
	case plan.KindConstant:
		return constToValue(n.ConstValue), nil

	case plan.KindClosure:
		ctx := evalCtx{snap: prepared.Registry, roots: s.Roots, rs: prepared.RunContext.State}
		resolved := func(dep plan.NodeId) (value.Value, error) { return s.evaluateNode(prepared, dep) }
		closure, err := NewRuntimeClosure(ctx, n, resolved)
		if err != nil {
			return value.Value{}, err
		}
		return value.Closure(closure), nil

	case plan.KindPrimitive:
		args := make([]value.Value, len(n.Args))
		for i, dep := range n.Args {
			v, err := s.evaluateNode(prepared, dep)
			if err != nil {
				return value.Value{}, err
			}
			args[i] = v
		}
		kwargs := make(map[string]value.Value, len(n.Kwargs))
		for _, kw := range n.Kwargs {
			v, err := s.evaluateNode(prepared, kw.Id)
			if err != nil {
				return value.Value{}, err
			}
			kwargs[kw.Name] = v
		}
		if s.onPrimitive != nil {
			if v, handled, err := s.onPrimitive(s, n.Operator, args, kwargs, n.Attrs, prepared.Registry, prepared.RunContext.State); handled {
				return v, err
			}
		}
		return callPrimitive(n.Operator, args, kwargs, n.Attrs, prepared.Registry, s.Roots, prepared.RunContext.State)

	default:
		return value.Value{}, fmt.Errorf("evaluate: unknown node kind %s", n.Kind)
	}
}

func constToValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null
	case bool:
		return value.Bool(t)
	case int64:
		return value.Int(t)
	case float64:
		return value.Float(t)
	case string:
		return value.String(t)
	case []byte:
		return value.Bytes(t)
	default:
		return value.Null
	}
}

// Run evaluates every goal in the plan, accumulating a per-goal result.
func (s *StrictStrategy) Run(prepared *PreparedPlan, goals []plan.NodeId) (*ExecutionResult, error) {
	start := time.Now()
	targets := goals
	if targets == nil {
		for _, g := range prepared.Plan.Goals {
			targets = append(targets, g.Target)
		}
	}

	result := &ExecutionResult{FailedOperations: map[plan.NodeId]string{}, TotalOperations: len(targets)}
	evaluated := make(map[plan.NodeId]bool, len(targets))
	for _, id := range targets {
		if _, err := s.evaluateNode(prepared, id); err != nil {
			result.FailedOperations[id] = err.Error()
			continue
		}
		evaluated[id] = true
		result.CompletedOperations++
	}
	result.Success = len(result.FailedOperations) == 0
	if err := runGoalSideEffects(prepared, evaluated); err != nil {
		s.Log.Error("goal side effect failed", "error", err)
		result.Success = false
	}
	result.CacheSummary = prepared.Store.Summary()
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// Stream evaluates id and delivers its sequence in chunks of chunkSize.
func (s *StrictStrategy) Stream(prepared *PreparedPlan, id plan.NodeId, chunkSize int, onChunk func([]value.Value) error) error {
	if chunkSize <= 0 {
		chunkSize = value.MaxPageSize
	}
	v, err := s.evaluateNode(prepared, id)
	if err != nil {
		return err
	}
	if v.Kind != value.KindSequence {
		return onChunk([]value.Value{v})
	}
	if bag, ok := v.Sequence.(*Bag); ok {
		for _, part := range bag.ToDelayed() {
			items, err := part.Compute()
			if err != nil {
				return err
			}
			for start := 0; start < len(items); start += chunkSize {
				end := start + chunkSize
				if end > len(items) {
					end = len(items)
				}
				if err := onChunk(items[start:end]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	it := v.Sequence.Iter()
	var chunk []value.Value
	for {
		item, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		chunk = append(chunk, item)
		if len(chunk) == chunkSize {
			if err := onChunk(chunk); err != nil {
				return err
			}
			chunk = nil
		}
	}
	if len(chunk) > 0 {
		return onChunk(chunk)
	}
	return nil
}

// Page evaluates id and returns one quantized page of its sequence.
func (s *StrictStrategy) Page(prepared *PreparedPlan, id plan.NodeId, offset, limit int) (*PageResult, error) {
	offset, limit = value.ClampPage(offset, limit)
	v, err := s.evaluateNode(prepared, id)
	if err != nil {
		return nil, err
	}
	if v.Kind != value.KindSequence {
		if offset > 0 || limit == 0 {
			return &PageResult{Offset: offset, Limit: limit, NextOffset: offset}, nil
		}
		return &PageResult{Items: []value.Value{v}, Offset: offset, Limit: limit, NextOffset: 1}, nil
	}
	items, next, err := v.Sequence.Page(offset, limit)
	if err != nil {
		return nil, err
	}
	return &PageResult{Items: items, Offset: offset, Limit: limit, NextOffset: next}, nil
}
