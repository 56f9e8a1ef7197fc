package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// callPrimitive dispatches one primitive invocation, shared by the
// NodeSpec-level evaluator (strict.go) and the ast-expression-level
// evaluator (closures.go): "map"/
// "for_loop", "range", "load" are handled directly; anything else is
// resolved against the registry and its kernel invoked with bound
// arguments.
func callPrimitive(operator string, args []value.Value, kwargs map[string]value.Value, attrs map[string]any, snap *registry.Snapshot, roots *policy.RuntimeScope, rs *registry.RunState) (value.Value, error) {
	switch operator {
	case "map", "default.map", "for_loop":
		return evalMapLike(args)
	case "range", "default.range":
		return evalRange(args)
	case "load", "default.load":
		return evalLoad(args, roots)
	case "dir", "default.dir":
		return evalDir(args, roots)
	default:
		spec, err := snap.Resolve(operator)
		if err != nil {
			return value.Value{}, err
		}
		if roots != nil && policy.ReadLike(spec.Name) && len(args) > 0 && args[0].Kind == value.KindString {
			if err := roots.CheckPath(args[0].Str); err != nil {
				return value.Value{}, err
			}
		}
		bound, err := registry.BindArgs(spec, args, kwargs)
		if err != nil {
			return value.Value{}, err
		}
		if err := registry.ValidateAttrs(spec, attrs); err != nil {
			return value.Value{}, fmt.Errorf("%s: %w", spec.Qualified(), err)
		}
		if spec.Kernel == nil {
			return value.Value{}, fmt.Errorf("%s: no kernel registered", spec.Qualified())
		}
		return spec.Kernel(bound, attrs, rs)
	}
}

func evalMapLike(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Value{}, fmt.Errorf("map/for_loop: expected 2 arguments, got %d", len(args))
	}
	seq, err := coerceSequence(args[0])
	if err != nil {
		return value.Value{}, err
	}
	closure := args[1]
	if closure.Callable == nil {
		return value.Value{}, fmt.Errorf("map/for_loop: second argument must be callable")
	}
	fn := func(item value.Value) (value.Value, error) {
		return closure.Callable.Call([]value.Value{item})
	}
	return value.Seq(&value.MappedSequence{Src: seq, Fn: fn}), nil
}

func evalRange(args []value.Value) (value.Value, error) {
	var start, stop int64 = 0, 0
	step := int64(1)
	switch len(args) {
	case 1:
		n, err := args[0].AsFloat64()
		if err != nil {
			return value.Value{}, fmt.Errorf("range: %w", err)
		}
		stop = int64(n)
	case 2:
		a, err := args[0].AsFloat64()
		if err != nil {
			return value.Value{}, fmt.Errorf("range: %w", err)
		}
		b, err := args[1].AsFloat64()
		if err != nil {
			return value.Value{}, fmt.Errorf("range: %w", err)
		}
		start, stop = int64(a), int64(b)
	case 3:
		a, err := args[0].AsFloat64()
		if err != nil {
			return value.Value{}, fmt.Errorf("range: %w", err)
		}
		b, err := args[1].AsFloat64()
		if err != nil {
			return value.Value{}, fmt.Errorf("range: %w", err)
		}
		c, err := args[2].AsFloat64()
		if err != nil {
			return value.Value{}, fmt.Errorf("range: %w", err)
		}
		start, stop, step = int64(a), int64(b), int64(c)
	default:
		return value.Value{}, fmt.Errorf("range: expected 1-3 arguments, got %d", len(args))
	}
	return value.Seq(&value.RangeSequence{Start: start, Stop: stop, Step: step}), nil
}

// coerceSequence adapts a runtime value into a Sequence the way
// map/for_loop/stream/page expect: sequences pass
// through, everything else is wrapped into a single-item sequence.
func coerceSequence(v value.Value) (value.Sequence, error) {
	if v.Kind == value.KindSequence {
		return v.Sequence, nil
	}
	return &value.ListSequence{Items: []value.Value{v}}, nil
}

// evalLoad implements the "load" primitive: sequence-like
// sources pass through as a SequenceValue; filesystem paths are
// interpreted by suffix, and dynamic constant-string paths are checked
// against the read-root sandbox.
func evalLoad(args []value.Value, roots *policy.RuntimeScope) (value.Value, error) {
	if len(args) != 1 {
		return value.Value{}, fmt.Errorf("load: expected 1 argument, got %d", len(args))
	}
	src := args[0]

	if src.Kind == value.KindSequence {
		return src, nil
	}
	if src.Kind != value.KindString {
		return value.Value{}, fmt.Errorf("load: expected a path or sequence, got %s", src.Kind)
	}
	path := src.Str

	if roots != nil {
		if err := roots.CheckPath(path); err != nil {
			return value.Value{}, err
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".csv":
		f, err := os.Open(path)
		if err != nil {
			return value.Value{}, fmt.Errorf("load %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		seq := value.NewLazyLineSequence(func() (string, bool, error) {
			if scanner.Scan() {
				return scanner.Text(), true, nil
			}
			if err := scanner.Err(); err != nil {
				f.Close()
				return "", false, err
			}
			f.Close()
			return "", false, nil
		})
		return value.Seq(seq), nil

	case ".json":
		raw, err := os.ReadFile(path)
		if err != nil {
			return value.Value{}, fmt.Errorf("load %q: %w", path, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return value.Value{}, fmt.Errorf("load %q: invalid json: %w", path, err)
		}
		return nativeToValue(decoded)

	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return value.Value{}, fmt.Errorf("load %q: %w", path, err)
		}
		return value.Bytes(raw), nil
	}
}

// evalDir implements the "dir" read-like primitive: list the
// entries of a directory, optionally filtered by a glob pattern and walked
// recursively, rendered as root-relative or absolute POSIX-style paths.
func evalDir(args []value.Value, roots *policy.RuntimeScope) (value.Value, error) {
	if len(args) < 1 || len(args) > 4 {
		return value.Value{}, fmt.Errorf("dir: expected 1-4 arguments, got %d", len(args))
	}
	if args[0].Kind != value.KindString {
		return value.Value{}, fmt.Errorf("dir: expected a string root directory, got %s", args[0].Kind)
	}
	root := args[0].Str

	if roots != nil {
		if err := roots.CheckPath(root); err != nil {
			return value.Value{}, err
		}
	}

	pattern := "*"
	if len(args) > 1 {
		if args[1].Kind != value.KindString {
			return value.Value{}, fmt.Errorf("dir: pattern must be a string, got %s", args[1].Kind)
		}
		pattern = args[1].Str
	}
	recursive := false
	if len(args) > 2 {
		b, err := dirBoolArg(args[2], "recursive")
		if err != nil {
			return value.Value{}, err
		}
		recursive = b
	}
	fullPaths := false
	if len(args) > 3 {
		b, err := dirBoolArg(args[3], "full_paths")
		if err != nil {
			return value.Value{}, err
		}
		fullPaths = b
	}

	resolvedRoot, err := resolveDirRoot(root)
	if err != nil {
		return value.Value{}, fmt.Errorf("dir %q: %w", root, err)
	}
	info, err := os.Stat(resolvedRoot)
	if err != nil {
		return value.Value{}, fmt.Errorf("dir %q: %w", root, err)
	}
	if !info.IsDir() {
		return value.Value{}, fmt.Errorf("dir %q: not a directory", root)
	}

	var names []string
	if recursive {
		err = filepath.WalkDir(resolvedRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == resolvedRoot {
				return nil
			}
			matched, err := filepath.Match(pattern, d.Name())
			if err != nil {
				return err
			}
			if matched {
				names = append(names, dirEntryName(resolvedRoot, path, fullPaths))
			}
			return nil
		})
		if err != nil {
			return value.Value{}, fmt.Errorf("dir %q: %w", root, err)
		}
	} else {
		entries, err := os.ReadDir(resolvedRoot)
		if err != nil {
			return value.Value{}, fmt.Errorf("dir %q: %w", root, err)
		}
		for _, e := range entries {
			matched, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return value.Value{}, fmt.Errorf("dir %q: %w", root, err)
			}
			if matched {
				names = append(names, dirEntryName(resolvedRoot, filepath.Join(resolvedRoot, e.Name()), fullPaths))
			}
		}
	}
	sort.Strings(names)

	items := make([]value.Value, len(names))
	for i, n := range names {
		items[i] = value.String(n)
	}
	return value.Seq(&value.ListSequence{Items: items}), nil
}

// resolveDirRoot expands a leading "~" and makes root absolute.
func resolveDirRoot(root string) (string, error) {
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// dirEntryName renders one matched path either root-relative (POSIX-style)
// or absolute.
func dirEntryName(root, path string, fullPaths bool) string {
	if fullPaths {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func dirBoolArg(v value.Value, name string) (bool, error) {
	switch v.Kind {
	case value.KindBool:
		return v.Bool, nil
	case value.KindInt:
		return v.Int != 0, nil
	case value.KindFloat:
		return v.Float != 0, nil
	case value.KindString:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("dir: %s must be boolean-like, got %s", name, v.Kind)
}

func nativeToValue(v any) (value.Value, error) {
	switch t := v.(type) {
	case nil:
		return value.Null, nil
	case bool:
		return value.Bool(t), nil
	case float64:
		return value.Float(t), nil
	case string:
		return value.String(t), nil
	case []any:
		items := make([]value.Value, len(t))
		for i, e := range t {
			iv, err := nativeToValue(e)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = iv
		}
		return value.Seq(&value.ListSequence{Items: items}), nil
	case map[string]any:
		out := make(map[string]value.Value, len(t))
		for k, e := range t {
			ev, err := nativeToValue(e)
			if err != nil {
				return value.Value{}, err
			}
			out[k] = ev
		}
		return value.Mapping(out), nil
	default:
		return value.Value{}, fmt.Errorf("load: unsupported json value %T", v)
	}
}
