package engine

import (
	"log/slog"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/storage"
)

// ExecutionEngine bundles a durable backend and a default strategy choice
// so embedders (the serving layer, notebooks, tests) can execute reduced
// plans without wiring stores and strategies by hand. Each ExecuteWorkplan
// call compiles against a fresh MaterializationStore; the backend is the
// only state shared across calls.
type ExecutionEngine struct {
	Backend         storage.ResultsDatabase // nil disables persistence entirely
	DefaultStrategy string                  // "dask" or "strict"
	Log             *slog.Logger
	Roots           *policy.RuntimeScope

	// ReadThrough/WriteThrough are the policy bits handed to each run's
	// MaterializationStore. WriteThrough defaults on when a backend is set.
	ReadThrough  bool
	WriteThrough bool
}

// NewExecutionEngine builds an engine over backend. strategy defaults to
// "dask" when empty.
func NewExecutionEngine(backend storage.ResultsDatabase, strategy string, log *slog.Logger, roots *policy.RuntimeScope) *ExecutionEngine {
	if strategy == "" {
		strategy = "dask"
	}
	return &ExecutionEngine{
		Backend:         backend,
		DefaultStrategy: strategy,
		Log:             log,
		Roots:           roots,
		WriteThrough:    backend != nil,
	}
}

func (e *ExecutionEngine) strategyFor(name string) Strategy {
	if name == "" {
		name = e.DefaultStrategy
	}
	if name == "dask" {
		return NewLiftedStrategy(e.Log, e.Roots)
	}
	return NewStrictStrategy(e.Log, e.Roots)
}

// ExecuteWorkplan compiles p against reg with a fresh materialization
// store and runs every goal. strategyName overrides the engine's default
// when non-empty.
func (e *ExecutionEngine) ExecuteWorkplan(p *plan.SymbolicPlan, reg *registry.Registry, strategyName string) (*ExecutionResult, error) {
	strat := e.strategyFor(strategyName)
	store := storage.NewMaterializationStore(e.Backend, e.ReadThrough, e.WriteThrough)
	prepared, err := strat.Compile(p, reg, store)
	if err != nil {
		return nil, err
	}
	return strat.Run(prepared, nil)
}
