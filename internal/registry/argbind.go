package registry

import (
	"fmt"

	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// BindArgs binds positional args and keyword kwargs onto a kernel's
// declared ParamNames. Positional args zip onto the first N
// parameter names; any remaining keyword args must name one of the
// remaining parameters. Over-arity is an error.
func BindArgs(spec *PrimitiveSpec, args []value.Value, kwargs map[string]value.Value) (map[string]value.Value, error) {
	if !spec.Arity.Allows(len(args) + len(kwargs)) {
		return nil, fmt.Errorf("%s: arity mismatch: got %d args", spec.Qualified(), len(args)+len(kwargs))
	}

	bound := make(map[string]value.Value, len(args)+len(kwargs))

	if len(spec.ParamNames) == 0 {
		// No declared parameter names: positional args are bound by index,
		// kwargs pass through verbatim (legacy-adapter style).
		for i, a := range args {
			bound[fmt.Sprintf("%d", i)] = a
		}
		for k, v := range kwargs {
			bound[k] = v
		}
		return bound, nil
	}

	if len(args) > len(spec.ParamNames) {
		return nil, fmt.Errorf("%s: too many positional arguments: got %d, kernel declares %d parameters",
			spec.Qualified(), len(args), len(spec.ParamNames))
	}
	for i, a := range args {
		bound[spec.ParamNames[i]] = a
	}

	declared := make(map[string]bool, len(spec.ParamNames))
	for _, p := range spec.ParamNames {
		declared[p] = true
	}
	for k, v := range kwargs {
		if !declared[k] {
			return nil, fmt.Errorf("%s: unknown parameter %q", spec.Qualified(), k)
		}
		if _, already := bound[k]; already {
			return nil, fmt.Errorf("%s: duplicate parameter %q", spec.Qualified(), k)
		}
		bound[k] = v
	}

	return bound, nil
}
