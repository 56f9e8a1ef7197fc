package engine

import (
	"fmt"
	"log/slog"

	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// LiftedStrategy is the goroutine-parallel, Dask-equivalent execution
// strategy:
// range/load/map/for_loop produce and consume Bags instead of in-process
// sequences, so their elements are computed across a bounded worker pool;
// everything else is inherited unchanged from StrictStrategy.
type LiftedStrategy struct {
	*StrictStrategy

	// Concurrency overrides the default runtime.NumCPU()*2 partition/worker
	// count; zero means "use the default".
	Concurrency int
}

// NewLiftedStrategy builds a Lifted strategy sharing StrictStrategy's
// evaluator and wiring its own Bag-aware primitive dispatch into the
// onPrimitive hook.
func NewLiftedStrategy(log *slog.Logger, roots *policy.RuntimeScope) *LiftedStrategy {
	base := NewStrictStrategy(log, roots)
	base.name = "dask"
	l := &LiftedStrategy{StrictStrategy: base}
	base.onPrimitive = l.dispatch
	return l
}

func (l *LiftedStrategy) dispatch(s *StrictStrategy, operator string, args []value.Value, kwargs map[string]value.Value, attrs map[string]any, snap *registry.Snapshot, rs *registry.RunState) (value.Value, bool, error) {
	switch operator {
	case "range", "default.range":
		v, err := evalRange(args)
		if err != nil {
			return value.Value{}, true, err
		}
		bag, err := l.toBag(v.Sequence)
		if err != nil {
			return value.Value{}, true, err
		}
		return value.Seq(bag), true, nil

	case "load", "default.load":
		v, err := evalLoad(args, s.Roots)
		if err != nil {
			return value.Value{}, true, err
		}
		if v.Kind != value.KindSequence {
			return v, true, nil
		}
		bag, err := l.toBag(v.Sequence)
		if err != nil {
			return value.Value{}, true, err
		}
		return value.Seq(bag), true, nil

	case "map", "default.map", "for_loop":
		if len(args) != 2 {
			return value.Value{}, false, nil
		}
		seq, err := coerceSequence(args[0])
		if err != nil {
			return value.Value{}, true, err
		}
		closure := args[1]
		if closure.Callable == nil {
			return value.Value{}, true, fmt.Errorf("map/for_loop: second argument must be callable")
		}
		bag, err := l.toBag(seq)
		if err != nil {
			return value.Value{}, true, err
		}
		fn := func(item value.Value) (value.Value, error) { return closure.Callable.Call([]value.Value{item}) }
		return value.Seq(MapBag(bag, fn, l.Concurrency)), true, nil

	default:
		return value.Value{}, false, nil
	}
}

// toBag adapts any Sequence into a Bag: a Bag passes through, everything
// else is fully drained and repartitioned. A drain error fails the
// conversion so the node fails the same way it would under the strict
// strategy, rather than yielding a truncated bag.
func (l *LiftedStrategy) toBag(seq value.Sequence) (*Bag, error) {
	if bag, ok := seq.(*Bag); ok {
		return bag, nil
	}
	items, err := value.MaterializeAll(seq)
	if err != nil {
		return nil, err
	}
	return NewBag(items, l.Concurrency), nil
}
