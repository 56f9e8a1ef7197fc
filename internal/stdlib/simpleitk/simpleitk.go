// Package simpleitk registers the "simpleitk" namespace: the leaf-name
// surface the policy engine's effect/read-root sandbox reasons about.
// The underlying image
// processing kernels are an out-of-scope external collaborator; what the
// runtime needs from this namespace is accurate Kind/arity metadata, not a
// working ITK binding.
package simpleitk

import (
	"fmt"
	"os"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

func init() {
	registry.RegisterNamespaceFactory("simpleitk", build)
}

func build() *registry.Namespace {
	ns := &registry.Namespace{Name: "simpleitk", Primitives: map[string]*registry.PrimitiveSpec{}}
	for _, spec := range primitives() {
		ns.Primitives[spec.Name] = spec
	}
	return ns
}

func primitives() []*registry.PrimitiveSpec {
	var specs []*registry.PrimitiveSpec

	readImage, err := registry.NewSpec("simpleitk", "ReadImage").
		Description("reads an image from path, subject to the read-root sandbox").
		Arity(1, 1).
		ParamNames("path").
		Output(plan.OutputDataset).
		Kernel(func(bound map[string]value.Value, _ map[string]any, _ *registry.RunState) (value.Value, error) {
			path := bound["path"]
			if path.Kind != value.KindString {
				return value.Value{}, fmt.Errorf("ReadImage: expected a path, got %s", path.Kind)
			}
			if _, err := os.Stat(path.Str); err != nil {
				return value.Value{}, fmt.Errorf("ReadImage %q: %w", path.Str, err)
			}
			return value.Img(&value.Image{}), nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, readImage)

	writeImage, err := registry.NewSpec("simpleitk", "WriteImage").
		Description("writes an image to path; blocked outside legacy mode").
		Effect().
		Arity(2, 2).
		ParamNames("img", "path").
		Output(plan.OutputEffect).
		Kernel(func(bound map[string]value.Value, _ map[string]any, _ *registry.RunState) (value.Value, error) {
			img := bound["img"]
			path := bound["path"]
			if path.Kind != value.KindString {
				return value.Value{}, fmt.Errorf("WriteImage: expected a path, got %s", path.Kind)
			}
			native, err := img.ToNative()
			if err != nil {
				return value.Value{}, fmt.Errorf("WriteImage: %w", err)
			}
			_ = native
			return img, nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, writeImage)

	return specs
}
