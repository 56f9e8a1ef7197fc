// Package plan defines the content-addressed symbolic plan: NodeId,
// NodeSpec, SymbolicPlan, and the canonical-hashing routine that gives the
// reducer its determinism guarantee.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// NodeId is the opaque content-addressed identifier of a NodeSpec.
type NodeId string

func (id NodeId) String() string { return string(id) }

// OutputKind classifies the shape of value a primitive node produces.
type OutputKind string

const (
	OutputScalar   OutputKind = "scalar"
	OutputSequence OutputKind = "sequence"
	OutputTree     OutputKind = "tree"
	OutputDataset  OutputKind = "dataset"
	OutputClosure  OutputKind = "closure"
	OutputEffect   OutputKind = "effect"
	OutputUnknown  OutputKind = "unknown"
)

// Kind discriminates the three NodeSpec shapes.
type Kind string

const (
	KindConstant Kind = "constant"
	KindPrimitive Kind = "primitive"
	KindClosure  Kind = "closure"
)

// KeywordArg is a sorted (name, NodeId) keyword argument reference.
type KeywordArg struct {
	Name string
	Id   NodeId
}

// FunctionCapture is the serialized form of a captured function value:
// parameters, rendered body source,
// and the captures/nested functions it in turn needs.
type FunctionCapture struct {
	Parameters []string
	Body       string // rendered source of the function body
	Captures   map[string]NodeId          // name -> captured value NodeId
	Functions  map[string]FunctionCapture // name -> nested captured function
}

// NodeSpec is a symbolic node: exactly one of Constant, Primitive, or
// Closure is populated, selected by Kind.
type NodeSpec struct {
	Kind Kind

	// constant
	ConstValue any // null|bool|int64|float64|string|[]byte

	// primitive
	Operator   string
	Args       []NodeId
	Kwargs     []KeywordArg // must be sorted by Name
	Attrs      map[string]any
	OutputKind OutputKind

	// closure
	Parameter        string
	Body             string // rendered source of the closure body
	CaptureNames     []string // ordered names of captured OperationVal deps
	CaptureArgs      []NodeId // parallel to CaptureNames
	FunctionCaptures map[string]FunctionCapture
}

// GoalOp is the operation requested by a goal (print or save).
type GoalOp string

const (
	GoalPrint GoalOp = "print"
	GoalSave  GoalOp = "save"
)

// GoalSpec is one entry in SymbolicPlan.Goals.
type GoalSpec struct {
	Operation GoalOp
	Target    NodeId
	Label     string
}

// SymbolicPlan is the immutable, content-addressed DAG produced by the
// reducer.
type SymbolicPlan struct {
	Nodes              map[NodeId]NodeSpec
	Goals              []GoalSpec
	ImportedNamespaces []string
}

// NewSymbolicPlan creates an empty plan with "default" pre-imported.
func NewSymbolicPlan() *SymbolicPlan {
	return &SymbolicPlan{
		Nodes:              make(map[NodeId]NodeSpec),
		ImportedNamespaces: []string{"default"},
	}
}

// canonicalNode is the placeholder-free, deterministic encoding of a
// NodeSpec used only for hashing (never stored). Field presence mirrors
// NodeSpec's Kind-discriminated shape.
type canonicalNode struct {
	Kind       string
	ConstValue any `cbor:",omitempty"`

	Operator   string           `cbor:",omitempty"`
	Args       []string         `cbor:",omitempty"`
	Kwargs     []canonicalKwarg `cbor:",omitempty"`
	Attrs      []canonicalAttr  `cbor:",omitempty"`
	OutputKind string           `cbor:",omitempty"`

	Parameter    string              `cbor:",omitempty"`
	Body         string              `cbor:",omitempty"`
	CaptureNames []string            `cbor:",omitempty"`
	CaptureArgs  []string            `cbor:",omitempty"`
	FuncCaptures []canonicalFuncCap  `cbor:",omitempty"`
}

type canonicalKwarg struct {
	Name string
	Id   string
}

type canonicalAttr struct {
	Key   string
	Value any
}

type canonicalFuncCap struct {
	Name       string
	Parameters []string
	Body       string
	Captures   []canonicalKwarg
	Functions  []canonicalFuncCap
}

// ComputeNodeId computes the canonical content hash of a NodeSpec.
// It never consults the plan's existing node set;
// equal NodeSpecs always hash identically across processes.
func ComputeNodeId(n NodeSpec) (NodeId, error) {
	cn, err := toCanonical(n)
	if err != nil {
		return "", fmt.Errorf("canonicalize node: %w", err)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return "", fmt.Errorf("cbor encoder: %w", err)
	}
	data, err := encMode.Marshal(cn)
	if err != nil {
		return "", fmt.Errorf("cbor marshal: %w", err)
	}

	sum := sha256.Sum256(data)
	return NodeId(hex.EncodeToString(sum[:])), nil
}

func toCanonical(n NodeSpec) (canonicalNode, error) {
	cn := canonicalNode{Kind: string(n.Kind)}

	switch n.Kind {
	case KindConstant:
		cn.ConstValue = n.ConstValue

	case KindPrimitive:
		cn.Operator = n.Operator
		cn.OutputKind = string(n.OutputKind)
		cn.Args = make([]string, len(n.Args))
		for i, a := range n.Args {
			cn.Args[i] = string(a)
		}

		kwargs := append([]KeywordArg(nil), n.Kwargs...)
		sort.Slice(kwargs, func(i, j int) bool { return kwargs[i].Name < kwargs[j].Name })
		cn.Kwargs = make([]canonicalKwarg, len(kwargs))
		for i, kw := range kwargs {
			cn.Kwargs[i] = canonicalKwarg{Name: kw.Name, Id: string(kw.Id)}
		}

		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cn.Attrs = make([]canonicalAttr, 0, len(keys))
		for _, k := range keys {
			cn.Attrs = append(cn.Attrs, canonicalAttr{Key: k, Value: n.Attrs[k]})
		}

	case KindClosure:
		cn.Parameter = n.Parameter
		cn.Body = n.Body
		cn.CaptureNames = append([]string(nil), n.CaptureNames...)
		cn.CaptureArgs = make([]string, len(n.CaptureArgs))
		for i, a := range n.CaptureArgs {
			cn.CaptureArgs[i] = string(a)
		}

		fnames := make([]string, 0, len(n.FunctionCaptures))
		for k := range n.FunctionCaptures {
			fnames = append(fnames, k)
		}
		sort.Strings(fnames)
		for _, name := range fnames {
			cn.FuncCaptures = append(cn.FuncCaptures, canonicalFunctionCapture(name, n.FunctionCaptures[name]))
		}

	default:
		return cn, fmt.Errorf("unknown node kind %q", n.Kind)
	}

	return cn, nil
}

func canonicalFunctionCapture(name string, fc FunctionCapture) canonicalFuncCap {
	out := canonicalFuncCap{Name: name, Parameters: append([]string(nil), fc.Parameters...), Body: fc.Body}

	capNames := make([]string, 0, len(fc.Captures))
	for k := range fc.Captures {
		capNames = append(capNames, k)
	}
	sort.Strings(capNames)
	for _, k := range capNames {
		out.Captures = append(out.Captures, canonicalKwarg{Name: k, Id: string(fc.Captures[k])})
	}

	fnNames := make([]string, 0, len(fc.Functions))
	for k := range fc.Functions {
		fnNames = append(fnNames, k)
	}
	sort.Strings(fnNames)
	for _, k := range fnNames {
		out.Functions = append(out.Functions, canonicalFunctionCapture(k, fc.Functions[k]))
	}
	return out
}

// AddNode computes n's NodeId and inserts it into the plan, returning the
// (possibly pre-existing) NodeId. Insertion is idempotent: re-adding an
// equal NodeSpec is a no-op (this is how sharing/deduplication happens).
func (p *SymbolicPlan) AddNode(n NodeSpec) (NodeId, error) {
	id, err := ComputeNodeId(n)
	if err != nil {
		return "", err
	}
	if _, exists := p.Nodes[id]; !exists {
		p.Nodes[id] = n
	}
	return id, nil
}

// Validate checks that every referenced dependency and goal target exists
// in the node map, and that the dependency relation is acyclic.
func (p *SymbolicPlan) Validate() error {
	for id, n := range p.Nodes {
		for _, dep := range n.Args {
			if _, ok := p.Nodes[dep]; !ok {
				return fmt.Errorf("node %s: missing dependency %s", id, dep)
			}
		}
		for _, kw := range n.Kwargs {
			if _, ok := p.Nodes[kw.Id]; !ok {
				return fmt.Errorf("node %s: missing keyword dependency %s", id, kw.Id)
			}
		}
		for _, dep := range n.CaptureArgs {
			if _, ok := p.Nodes[dep]; !ok {
				return fmt.Errorf("node %s: missing capture dependency %s", id, dep)
			}
		}
	}
	for _, g := range p.Goals {
		if _, ok := p.Nodes[g.Target]; !ok {
			return fmt.Errorf("goal %q: missing target %s", g.Label, g.Target)
		}
	}
	return p.checkAcyclic()
}

func (p *SymbolicPlan) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeId]int, len(p.Nodes))
	var visit func(id NodeId) error
	visit = func(id NodeId) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected at node %s", id)
		}
		color[id] = gray
		n := p.Nodes[id]
		deps := append(append([]NodeId(nil), n.Args...), n.CaptureArgs...)
		for _, kw := range n.Kwargs {
			deps = append(deps, kw.Id)
		}
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range p.Nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
