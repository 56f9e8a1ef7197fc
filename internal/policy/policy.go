// Package policy implements the static and runtime policy engine:
// effect sandboxing, read-root sandboxing, and closure
// re-parseability checks, collected as StaticDiagnostic entries before any
// side effect is allowed to run.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
)

// Code identifies a class of static diagnostic.
type Code string

const (
	CodeEffectBlocked   Code = "E_EFFECT_BLOCKED"
	CodeReadRootPolicy  Code = "E_READ_ROOT_POLICY"
	CodeClosureParse    Code = "E_CLOSURE_PARSE"
	CodeUnknownCallable Code = "E_UNKNOWN_CALLABLE"
)

// Diagnostic is one policy finding attached to a plan node.
type Diagnostic struct {
	Code     Code
	Message  string
	Location plan.NodeId
	Symbol   string
}

// StaticPolicyError wraps a non-empty diagnostic list.
type StaticPolicyError struct {
	Diagnostics []Diagnostic
}

func (e *StaticPolicyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "policy violations (%d):", len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		fmt.Fprintf(&b, "\n  [%s] %s: %s", d.Code, d.Symbol, d.Message)
	}
	return b.String()
}

// readLikeNames are primitive leaf names subject to read-root sandboxing.
var readLikeNames = map[string]bool{
	"ReadImage":     true,
	"ReadTransform": true,
	"load":          true,
	"dir":           true,
}

// ReadLike reports whether a primitive leaf name is subject to read-root
// sandboxing; the engine consults it to enforce the sandbox on paths only
// known at runtime.
func ReadLike(name string) bool { return readLikeNames[name] }

// effectAllowlistNames, together with the "Write" leaf-name prefix checked
// in isEffectBlocked, extends the effect sandbox beyond spec.Kind == effect
// to cover legacy SimpleITK-style leaf names.
var effectAllowlistNames = map[string]bool{
	"ImageViewer_SetGlobalDefault": true,
	"ProcessObject_SetGlobal":      true,
}

func isEffectBlocked(spec *registry.PrimitiveSpec) bool {
	if spec.Kind == registry.KindEffect {
		return true
	}
	if strings.HasPrefix(spec.Name, "Write") {
		return true
	}
	return effectAllowlistNames[spec.Name]
}

// ReadRoots is the set of filesystem roots serve-mode reads are confined to.
type ReadRoots struct {
	roots []string
}

// NewReadRoots resolves primary and extras into absolute, deduplicated
// roots, expanding a leading "~" against the user's home directory.
func NewReadRoots(primary string, extras []string) (*ReadRoots, error) {
	rr := &ReadRoots{}
	seen := map[string]bool{}
	add := func(p string) error {
		if p == "" {
			return nil
		}
		resolved, err := resolvePath(p)
		if err != nil {
			return fmt.Errorf("read root %q: %w", p, err)
		}
		if seen[resolved] {
			return nil
		}
		seen[resolved] = true
		rr.roots = append(rr.roots, resolved)
		return nil
	}
	if err := add(primary); err != nil {
		return nil, err
	}
	for _, e := range extras {
		if err := add(e); err != nil {
			return nil, err
		}
	}
	return rr, nil
}

func resolvePath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Contains reports whether path (relative or absolute) resolves inside any
// configured root.
func (rr *ReadRoots) Contains(path string) bool {
	if rr == nil || len(rr.roots) == 0 {
		return false
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return false
	}
	for _, root := range rr.roots {
		rel, err := filepath.Rel(root, resolved)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && rel != "") {
			return true
		}
	}
	return false
}

// Engine validates SymbolicPlans against the effect and read-root sandbox.
type Engine struct {
	Legacy    bool
	ServeMode bool
	Roots     *ReadRoots
}

// ValidateWorkplan visits every node reachable from goalScope (or every
// goal target when goalScope is nil) and collects diagnostics.
func (e *Engine) ValidateWorkplan(p *plan.SymbolicPlan, reg *registry.Registry, goalScope []plan.NodeId) []Diagnostic {
	var diags []Diagnostic

	targets := goalScope
	if targets == nil {
		for _, g := range p.Goals {
			targets = append(targets, g.Target)
		}
	}

	visited := map[plan.NodeId]bool{}
	var visit func(id plan.NodeId)
	visit = func(id plan.NodeId) {
		if visited[id] {
			return
		}
		visited[id] = true
		n, ok := p.Nodes[id]
		if !ok {
			return
		}
		diags = append(diags, e.checkNode(p, reg, id, n)...)
		for _, dep := range n.Args {
			visit(dep)
		}
		for _, kw := range n.Kwargs {
			visit(kw.Id)
		}
		for _, dep := range n.CaptureArgs {
			visit(dep)
		}
	}
	for _, t := range targets {
		visit(t)
	}
	return diags
}

func (e *Engine) checkNode(p *plan.SymbolicPlan, reg *registry.Registry, id plan.NodeId, n plan.NodeSpec) []Diagnostic {
	var diags []Diagnostic

	switch n.Kind {
	case plan.KindPrimitive:
		spec, err := reg.Resolve(n.Operator)
		if err != nil {
			break // unresolved callables are reported at reduce time, not here
		}

		if !e.Legacy && isEffectBlocked(spec) {
			diags = append(diags, Diagnostic{
				Code:     CodeEffectBlocked,
				Message:  fmt.Sprintf("%s is not permitted outside legacy mode", spec.Qualified()),
				Location: id,
				Symbol:   spec.Qualified(),
			})
		}

		if e.ServeMode && readLikeNames[spec.Name] && len(n.Args) > 0 {
			first, ok := p.Nodes[n.Args[0]]
			if ok && first.Kind == plan.KindConstant {
				if s, ok := first.ConstValue.(string); ok && !e.Roots.Contains(s) {
					diags = append(diags, Diagnostic{
						Code:     CodeReadRootPolicy,
						Message:  fmt.Sprintf("path %q resolves outside the configured allowed read roots", s),
						Location: id,
						Symbol:   spec.Qualified(),
					})
				}
			}
		}

	case plan.KindClosure:
		if !e.Legacy {
			diags = append(diags, e.checkClosureParse(id, n.Parameter, n.Body)...)
			for name, fc := range n.FunctionCaptures {
				diags = append(diags, e.checkFunctionCaptureParse(id, name, fc)...)
			}
		}
	}
	return diags
}

func (e *Engine) checkClosureParse(id plan.NodeId, symbol, body string) []Diagnostic {
	if _, err := parser.ParseExpressionContent(body); err != nil {
		return []Diagnostic{{
			Code:     CodeClosureParse,
			Message:  fmt.Sprintf("closure body failed to reparse: %s", err),
			Location: id,
			Symbol:   symbol,
		}}
	}
	return nil
}

func (e *Engine) checkFunctionCaptureParse(id plan.NodeId, symbol string, fc plan.FunctionCapture) []Diagnostic {
	var diags []Diagnostic
	if _, err := parser.ParseExpressionContent(fc.Body); err != nil {
		diags = append(diags, Diagnostic{
			Code:     CodeClosureParse,
			Message:  fmt.Sprintf("captured function %q failed to reparse: %s", symbol, err),
			Location: id,
			Symbol:   symbol,
		})
	}
	for name, nested := range fc.Functions {
		diags = append(diags, e.checkFunctionCaptureParse(id, name, nested)...)
	}
	return diags
}

// EnforceOrRaise returns a *StaticPolicyError when diags is non-empty.
func EnforceOrRaise(diags []Diagnostic) error {
	if len(diags) == 0 {
		return nil
	}
	return &StaticPolicyError{Diagnostics: diags}
}

// RuntimeScope is consulted by read-like kernels to sandbox dynamically
// computed paths.
type RuntimeScope struct {
	ServeMode bool
	Roots     *ReadRoots
}

// CheckPath enforces the read-root sandbox for a path only known at
// runtime (e.g. computed inside a closure), raising the same
// E_READ_ROOT_POLICY message as the static check.
func (s *RuntimeScope) CheckPath(path string) error {
	if !s.ServeMode {
		return nil
	}
	if !s.Roots.Contains(path) {
		return fmt.Errorf("E_READ_ROOT_POLICY: path %q resolves outside the configured allowed read roots", path)
	}
	return nil
}
