package registry

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
)

// SpecBuilder provides a fluent API for building a PrimitiveSpec.
type SpecBuilder struct {
	spec PrimitiveSpec
}

// NewSpec starts building a PrimitiveSpec for name in namespace.
func NewSpec(namespace, name string) *SpecBuilder {
	return &SpecBuilder{spec: PrimitiveSpec{Name: name, Namespace: namespace, Kind: KindPure}}
}

func (b *SpecBuilder) Description(d string) *SpecBuilder { b.spec.Description = d; return b }
func (b *SpecBuilder) Effect() *SpecBuilder               { b.spec.Kind = KindEffect; return b }
func (b *SpecBuilder) LegacyAdapter() *SpecBuilder        { b.spec.IsLegacyAdapter = true; return b }
func (b *SpecBuilder) Arity(min, max int) *SpecBuilder    { b.spec.Arity = Arity{Min: min, Max: max}; return b }
func (b *SpecBuilder) ParamNames(names ...string) *SpecBuilder {
	b.spec.ParamNames = names
	return b
}
func (b *SpecBuilder) Output(k plan.OutputKind) *SpecBuilder { b.spec.OutputKind = k; return b }
func (b *SpecBuilder) KernelName(n string) *SpecBuilder      { b.spec.KernelName = n; return b }
func (b *SpecBuilder) AttrsSchema(schemaJSON []byte) *SpecBuilder {
	b.spec.AttrsSchemaJSON = schemaJSON
	return b
}
func (b *SpecBuilder) Kernel(k Kernel) *SpecBuilder   { b.spec.Kernel = k; return b }
func (b *SpecBuilder) Planner(p Planner) *SpecBuilder { b.spec.Planner = p; return b }

// Build finalizes the spec, defaulting Planner to the standard
// "plan as a primitive NodeSpec" behavior
// when none was set explicitly, and compiling AttrsSchemaJSON if present.
func (b *SpecBuilder) Build() (*PrimitiveSpec, error) {
	s := b.spec
	if s.KernelName == "" {
		s.KernelName = s.Namespace + "." + s.Name
	}
	if s.Planner == nil {
		s.Planner = defaultPlanner(s.Namespace, s.Name, s.OutputKind)
	}
	if len(s.AttrsSchemaJSON) > 0 {
		if _, err := compileAttrsSchema(s.AttrsSchemaJSON); err != nil {
			return nil, fmt.Errorf("primitive %s.%s: invalid attrs_schema: %w", s.Namespace, s.Name, err)
		}
	}
	return &s, nil
}

func defaultPlanner(namespace, name string, out plan.OutputKind) Planner {
	op := namespace + "." + name
	if namespace == "default" {
		op = name
	}
	return func(call PrimitiveCall) (plan.NodeSpec, error) {
		return plan.NodeSpec{
			Kind:       plan.KindPrimitive,
			Operator:   op,
			Args:       call.Args,
			Kwargs:     call.Kwargs,
			Attrs:      call.Attrs,
			OutputKind: out,
		}, nil
	}
}

func compileAttrsSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	const uri = "mem://attrs.json"
	if err := c.AddResource(uri, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(uri)
}

// ValidateAttrs validates attrs against spec's compiled AttrsSchemaJSON, if
// any was registered.
func ValidateAttrs(spec *PrimitiveSpec, attrs map[string]any) error {
	if len(spec.AttrsSchemaJSON) == 0 {
		return nil
	}
	schema, err := compileAttrsSchema(spec.AttrsSchemaJSON)
	if err != nil {
		return err
	}
	return schema.Validate(attrs)
}
