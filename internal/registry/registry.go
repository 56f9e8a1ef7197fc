// Package registry implements the primitive registry:
// namespace discovery, PrimitiveSpec registration under deterministic
// uniqueness rules, and name resolution.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// PrimitiveKind classifies the effect profile of a primitive for the
// static policy engine.
type PrimitiveKind string

const (
	KindPure   PrimitiveKind = "pure"
	KindEffect PrimitiveKind = "effect"
)

// Arity is an (min, max) argument count range; Max == -1 means unbounded.
type Arity struct {
	Min int
	Max int // -1 for infinity
}

func (a Arity) Allows(n int) bool {
	if n < a.Min {
		return false
	}
	return a.Max < 0 || n <= a.Max
}

// PrimitiveCall is the planner's input: positional args, sorted keyword
// args, and canonical attrs.
type PrimitiveCall struct {
	Args   []plan.NodeId
	Kwargs []plan.KeywordArg
	Attrs  map[string]any
}

// Planner maps a PrimitiveCall to a NodeSpec.
type Planner func(call PrimitiveCall) (plan.NodeSpec, error)

// Kernel is the native Go function implementing a primitive's runtime
// semantics. The engine binds positional args and keyword kwargs onto
// declared parameter names via BindArgs before calling the kernel, so
// kernels see one name-keyed map rather than juggling both forms
// themselves.
// rs is the current run's RunState, scoped to one PreparedPlan execution;
// most kernels ignore it.
type Kernel func(bound map[string]value.Value, attrs map[string]any, rs *RunState) (value.Value, error)

// RunState is the explicit, per-run mutable handle threaded through every
// kernel call in place of the vox1 compatibility kernels' module-global
// "current base image". One RunState is created per PreparedPlan compile and
// discarded with it.
type RunState struct {
	mu           sync.Mutex
	currentImage *value.Value
}

// NewRunState creates an empty per-run state handle.
func NewRunState() *RunState { return &RunState{} }

// CurrentImage returns the most recently set current image, if any.
func (rs *RunState) CurrentImage() (value.Value, bool) {
	if rs == nil {
		return value.Value{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.currentImage == nil {
		return value.Value{}, false
	}
	return *rs.currentImage, true
}

// SetCurrentImage records v as the current image for subsequent
// vox1compat-style primitives within this run.
func (rs *RunState) SetCurrentImage(v value.Value) {
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := v
	rs.currentImage = &cp
}

// Reset clears all per-run state.
func (rs *RunState) Reset() {
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.currentImage = nil
}

// Forbidden kernel parameter names.
var forbiddenParamNames = map[string]bool{"engine": true, "storage": true, "session": true}

// PrimitiveSpec is a symbolic node's registered operator metadata.
type PrimitiveSpec struct {
	Name            string
	Namespace       string
	Kind            PrimitiveKind
	Arity           Arity
	ParamNames      []string // positional parameter names, for arg binding & forbidden-name validation
	AttrsSchemaJSON []byte   // raw JSON Schema; Build checks it compiles, ValidateAttrs compiles it per call
	Planner         Planner
	KernelName      string
	Kernel          Kernel
	Description     string
	IsLegacyAdapter bool
	OutputKind      plan.OutputKind
}

// Qualified returns "namespace.name".
func (s PrimitiveSpec) Qualified() string { return s.Namespace + "." + s.Name }

// Namespace holds the primitives registered under one namespace plus its
// companion exported IMGQL commands.
type Namespace struct {
	Name             string
	Primitives       map[string]*PrimitiveSpec
	ExportedSource   string // concatenated companion *.imgql source, replayed by the reducer on import
	ResetRuntimeState func()
}

// Factory builds a Namespace on first load. Namespaces self-register a
// Factory via RegisterNamespaceFactory in an init() func, mirroring the
// database/sql-style driver registration.
type Factory func() *Namespace

var (
	factoriesMu sync.Mutex
	factories   = map[string]Factory{}
)

// RegisterNamespaceFactory registers a namespace constructor under name.
// Called from stdlib namespace packages' init() functions.
func RegisterNamespaceFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Registry discovers namespaces, holds registered PrimitiveSpecs, and
// resolves names deterministically.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	imports    []string // ordered, "default" first
	kernelIDs  map[string]bool
	log        *slog.Logger
}

// New creates a Registry with "default" imported automatically.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		namespaces: map[string]*Namespace{},
		kernelIDs:  map[string]bool{},
		log:        log,
	}
	if err := r.LoadNamespace("default"); err != nil {
		log.Warn("registry: failed to load default namespace", "error", err)
	}
	r.imports = append(r.imports, "default")
	return r
}

// LoadNamespace loads (idempotently) the named namespace via its
// registered Factory.
func (r *Registry) LoadNamespace(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadNamespaceLocked(name)
}

func (r *Registry) loadNamespaceLocked(name string) error {
	if _, ok := r.namespaces[name]; ok {
		return nil
	}
	factoriesMu.Lock()
	f, ok := factories[name]
	factoriesMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown namespace %q", name)
	}
	ns := f()
	for _, spec := range ns.Primitives {
		if r.kernelIDs[spec.KernelName] {
			return fmt.Errorf("kernel name %q already registered", spec.KernelName)
		}
		if err := validateSpec(spec); err != nil {
			return fmt.Errorf("namespace %q primitive %q: %w", name, spec.Name, err)
		}
		r.kernelIDs[spec.KernelName] = true
	}
	r.namespaces[name] = ns
	r.log.Debug("registry: loaded namespace", "namespace", name, "primitives", len(ns.Primitives))
	return nil
}

func validateSpec(s *PrimitiveSpec) error {
	if s.Name == "" || s.Namespace == "" {
		return fmt.Errorf("primitive spec must have non-empty name and namespace")
	}
	for _, r := range s.Name {
		if r == '.' {
			return fmt.Errorf("primitive name %q must not contain '.'", s.Name)
		}
	}
	if s.Kind != KindPure && s.Kind != KindEffect {
		return fmt.Errorf("primitive %q: invalid kind %q", s.Name, s.Kind)
	}
	if s.KernelName == "" {
		return fmt.Errorf("primitive %q: kernel_name must be globally unique and non-empty", s.Name)
	}
	if !s.IsLegacyAdapter {
		for _, p := range s.ParamNames {
			if forbiddenParamNames[p] {
				return fmt.Errorf("primitive %q: kernel parameter %q is a forbidden runtime-internal name", s.Name, p)
			}
		}
	}
	return nil
}

// LoadRegisteredNamespaces loads every namespace with a registered
// factory, in name order, so enumeration covers namespaces no program has
// imported yet.
func (r *Registry) LoadRegisteredNamespaces() error {
	factoriesMu.Lock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	factoriesMu.Unlock()
	sort.Strings(names)
	for _, n := range names {
		if err := r.LoadNamespace(n); err != nil {
			return err
		}
	}
	return nil
}

// ImportNamespace appends name to the ordered import list if not already
// present, loading it first.
func (r *Registry) ImportNamespace(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadNamespaceLocked(name); err != nil {
		return err
	}
	for _, n := range r.imports {
		if n == name {
			return nil
		}
	}
	r.imports = append(r.imports, name)
	return nil
}

// ApplyImports ensures each listed namespace is loaded and imported,
// preserving first-seen order.
func (r *Registry) ApplyImports(names []string) error {
	for _, n := range names {
		if err := r.ImportNamespace(n); err != nil {
			return err
		}
	}
	return nil
}

// ImportedNamespaces returns the ordered import list.
func (r *Registry) ImportedNamespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.imports...)
}

// ExportedSource returns the companion *.imgql source for an imported
// namespace, for the reducer to replay.
func (r *Registry) ExportedSource(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[name]
	if !ok {
		return "", false
	}
	return ns.ExportedSource, true
}

// Resolve finds the PrimitiveSpec for name under the deterministic
// resolution order:
//  1. If name contains '.', look up the exact "namespace.primitive" pair.
//  2. Otherwise search imports in order (default first), then any loaded-
//     but-unimported namespaces in lexicographic order.
func (r *Registry) Resolve(name string) (*PrimitiveSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx := lastDot(name); idx >= 0 {
		ns, leaf := name[:idx], name[idx+1:]
		namespace, ok := r.namespaces[ns]
		if !ok {
			return nil, r.unknownCallable(name)
		}
		spec, ok := namespace.Primitives[leaf]
		if !ok {
			return nil, r.unknownCallable(name)
		}
		return spec, nil
	}

	for _, nsName := range r.imports {
		ns, ok := r.namespaces[nsName]
		if !ok {
			continue
		}
		if spec, ok := ns.Primitives[name]; ok {
			return spec, nil
		}
	}

	var loadedNames []string
	for n := range r.namespaces {
		loadedNames = append(loadedNames, n)
	}
	sort.Strings(loadedNames)
	for _, nsName := range loadedNames {
		if spec, ok := r.namespaces[nsName].Primitives[name]; ok {
			return spec, nil
		}
	}

	return nil, r.unknownCallable(name)
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// unknownCallable builds an E_UNKNOWN_CALLABLE error, suggesting the
// closest registered names via fuzzy matching.
func (r *Registry) unknownCallable(name string) error {
	var all []string
	for _, ns := range r.namespaces {
		for leaf := range ns.Primitives {
			all = append(all, leaf, ns.Name+"."+leaf)
		}
	}
	ranked := fuzzy.RankFindFold(name, all)
	sort.Sort(ranked)
	msg := fmt.Sprintf("E_UNKNOWN_CALLABLE: unknown callable %q", name)
	if len(ranked) > 0 {
		n := ranked[0].Target
		if len(ranked) > 1 {
			n = n + ", " + ranked[1].Target
		}
		msg += fmt.Sprintf(" (did you mean: %s?)", n)
	}
	return fmt.Errorf("%s", msg)
}

// LoadKernel resolves name and returns its registered Kernel.
func (r *Registry) LoadKernel(name string) (Kernel, error) {
	spec, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return spec.Kernel, nil
}

// ListPrimitives enumerates primitives, optionally filtered to one
// namespace.
func (r *Registry) ListPrimitives(namespace string) []PrimitiveSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PrimitiveSpec
	var names []string
	for n := range r.namespaces {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if namespace != "" && n != namespace {
			continue
		}
		var leaves []string
		for leaf := range r.namespaces[n].Primitives {
			leaves = append(leaves, leaf)
		}
		sort.Strings(leaves)
		for _, leaf := range leaves {
			out = append(out, *r.namespaces[n].Primitives[leaf])
		}
	}
	return out
}

// ResetRuntimeState visits every loaded namespace exposing per-run state
// and clears it before each plan execution.
func (r *Registry) ResetRuntimeState() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ns := range r.namespaces {
		if ns.ResetRuntimeState != nil {
			ns.ResetRuntimeState()
		}
	}
}

// ReloadNamespaceExports re-concatenates every companion *.imgql file in dir
// and replaces the already-loaded namespace's ExportedSource in place. The
// namespace must already be loaded; this never re-registers primitives,
// only the source the reducer replays on import.
func (r *Registry) ReloadNamespaceExports(name, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reload namespace %q exports: %w", name, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".imgql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var src strings.Builder
	for _, n := range names {
		content, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return fmt.Errorf("reload namespace %q exports: %s: %w", name, n, err)
		}
		src.Write(content)
		src.WriteByte('\n')
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.namespaces[name]
	if !ok {
		return fmt.Errorf("reload namespace %q exports: namespace not loaded", name)
	}
	updated := *ns
	updated.ExportedSource = src.String()
	r.namespaces[name] = &updated
	return nil
}

// Snapshot returns a read-only, shallow copy of registry state for a
// PreparedPlan to consult without racing future registrations.
type Snapshot struct {
	namespaces map[string]*Namespace
	imports    []string
}

func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns := make(map[string]*Namespace, len(r.namespaces))
	for k, v := range r.namespaces {
		ns[k] = v
	}
	return &Snapshot{namespaces: ns, imports: append([]string(nil), r.imports...)}
}

func (s *Snapshot) Resolve(name string) (*PrimitiveSpec, error) {
	if idx := lastDot(name); idx >= 0 {
		ns, leaf := name[:idx], name[idx+1:]
		namespace, ok := s.namespaces[ns]
		if !ok {
			return nil, fmt.Errorf("E_UNKNOWN_CALLABLE: unknown callable %q", name)
		}
		spec, ok := namespace.Primitives[leaf]
		if !ok {
			return nil, fmt.Errorf("E_UNKNOWN_CALLABLE: unknown callable %q", name)
		}
		return spec, nil
	}
	for _, nsName := range s.imports {
		if ns, ok := s.namespaces[nsName]; ok {
			if spec, ok := ns.Primitives[name]; ok {
				return spec, nil
			}
		}
	}
	var loadedNames []string
	for n := range s.namespaces {
		loadedNames = append(loadedNames, n)
	}
	sort.Strings(loadedNames)
	for _, nsName := range loadedNames {
		if spec, ok := s.namespaces[nsName].Primitives[name]; ok {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("E_UNKNOWN_CALLABLE: unknown callable %q", name)
}
