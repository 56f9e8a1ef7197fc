// Package engine implements the execution strategies:
// PreparedPlan compilation and the demand-driven node evaluator shared by
// the strict and lifted (goroutine-parallel) strategies.
package engine

import (
	"time"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/storage"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// PreparedPlan is a compiled, ready-to-run plan.
type PreparedPlan struct {
	Plan         *plan.SymbolicPlan
	Registry     *registry.Snapshot
	Store        *storage.MaterializationStore
	StrategyName string
	CompiledAt   time.Time

	// RunContext carries per-run mutable state threaded explicitly instead
	// of through package-global variables.
	RunContext *RunContext
}

// RunContext is scoped to one PreparedPlan run.
type RunContext struct {
	// State is consulted/updated by stdlib/vox1compat-style primitives that
	// read an implicit "current image" instead of taking one as an explicit
	// argument.
	State *registry.RunState
}

// ExecutionResult reports the outcome of Run.
type ExecutionResult struct {
	Success             bool
	CompletedOperations int
	FailedOperations    map[plan.NodeId]string
	ExecutionTime       time.Duration
	TotalOperations     int
	CacheSummary        map[string]any
}

// PageResult is one page of a node's value.
type PageResult struct {
	Items      []value.Value
	Offset     int
	Limit      int
	NextOffset int
}

// Strategy is the common interface shared by the strict and lifted
// execution strategies.
type Strategy interface {
	Name() string
	Compile(p *plan.SymbolicPlan, reg *registry.Registry, store *storage.MaterializationStore) (*PreparedPlan, error)
	Run(prepared *PreparedPlan, goals []plan.NodeId) (*ExecutionResult, error)
	Evaluate(prepared *PreparedPlan, id plan.NodeId) (value.Value, error)
	Stream(prepared *PreparedPlan, id plan.NodeId, chunkSize int, onChunk func([]value.Value) error) error
	Page(prepared *PreparedPlan, id plan.NodeId, offset, limit int) (*PageResult, error)
}
