// Package vox1compat registers the "vox1compat" namespace: a small family
// of primitives that mimic VoxLogicA 1's implicit "current image" style,
// where border/x/y/z operated on whatever image had last been loaded
// instead of taking it as an explicit argument.
package vox1compat

import (
	"fmt"
	"math"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

func init() {
	registry.RegisterNamespaceFactory("vox1compat", build)
}

func build() *registry.Namespace {
	ns := &registry.Namespace{Name: "vox1compat", Primitives: map[string]*registry.PrimitiveSpec{}}
	for _, spec := range primitives() {
		ns.Primitives[spec.Name] = spec
	}
	return ns
}

func primitives() []*registry.PrimitiveSpec {
	var specs []*registry.PrimitiveSpec

	setcurrent, err := registry.NewSpec("vox1compat", "setcurrent").
		Description("sets the implicit current image consulted by border/x/y/z").
		Arity(1, 1).
		ParamNames("img").
		Output(plan.OutputDataset).
		Kernel(func(bound map[string]value.Value, _ map[string]any, rs *registry.RunState) (value.Value, error) {
			img := bound["img"]
			if img.Kind != value.KindImage {
				return value.Value{}, fmt.Errorf("setcurrent: expected an image, got %s", img.Kind)
			}
			rs.SetCurrentImage(img)
			return img, nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, setcurrent)

	specs = append(specs, coordinatePrimitive("x", 0))
	specs = append(specs, coordinatePrimitive("y", 1))
	specs = append(specs, coordinatePrimitive("z", 2))

	border, err := registry.NewSpec("vox1compat", "border").
		Description("the one-voxel-thick boundary mask of the implicit current image").
		Arity(0, 0).
		Output(plan.OutputDataset).
		Kernel(func(_ map[string]value.Value, _ map[string]any, rs *registry.RunState) (value.Value, error) {
			cur, ok := rs.CurrentImage()
			if !ok {
				return value.Value{}, fmt.Errorf("border: no current image (call setcurrent first)")
			}
			if cur.Kind != value.KindImage {
				return value.Value{}, fmt.Errorf("border: current image is not an image value")
			}
			return value.Img(borderMask(cur.Image)), nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	specs = append(specs, border)

	return specs
}

// coordinatePrimitive builds the legacy "x"/"y"/"z" primitive: a
// same-shape image whose voxel at each position holds that position's
// coordinate along axis.
func coordinatePrimitive(name string, axis int) *registry.PrimitiveSpec {
	spec, err := registry.NewSpec("vox1compat", name).
		Description(fmt.Sprintf("a coordinate-grid image along axis %d, shaped like the implicit current image", axis)).
		Arity(0, 0).
		Output(plan.OutputDataset).
		Kernel(func(_ map[string]value.Value, _ map[string]any, rs *registry.RunState) (value.Value, error) {
			cur, ok := rs.CurrentImage()
			if !ok {
				return value.Value{}, fmt.Errorf("%s: no current image (call setcurrent first)", name)
			}
			if cur.Kind != value.KindImage {
				return value.Value{}, fmt.Errorf("%s: current image is not an image value", name)
			}
			return value.Img(coordinateGrid(cur.Image, axis)), nil
		}).
		Build()
	if err != nil {
		panic(err)
	}
	return spec
}

// borderMask returns a same-shape uint8 image whose voxels are 1 on
// the boundary (any coordinate at its first or last index along any axis)
// and 0 elsewhere.
func borderMask(img *value.Image) *value.Image {
	out := &value.Image{
		Dimension: img.Dimension,
		Size:      append([]int64(nil), img.Size...),
		Spacing:   append([]float64(nil), img.Spacing...),
		Origin:    append([]float64(nil), img.Origin...),
		Direction: append([]float64(nil), img.Direction...),
		PixelID:   img.PixelID,
	}
	if img.Array == nil {
		return out
	}
	shape := img.Array.Shape
	total := 1
	for _, s := range shape {
		total *= s
	}
	data := make([]byte, total)
	idx := make([]int, len(shape))
	for i := 0; i < total; i++ {
		unravel(i, shape, idx)
		if onBorder(idx, shape) {
			data[i] = 1
		}
	}
	out.Array = &value.NDArray{Shape: append([]int(nil), shape...), Dtype: "uint8", Data: data}
	return out
}

// coordinateGrid returns a same-shape float32 image whose voxel at each
// position holds its coordinate along axis.
func coordinateGrid(img *value.Image, axis int) *value.Image {
	out := &value.Image{
		Dimension: img.Dimension,
		Size:      append([]int64(nil), img.Size...),
		Spacing:   append([]float64(nil), img.Spacing...),
		Origin:    append([]float64(nil), img.Origin...),
		Direction: append([]float64(nil), img.Direction...),
		PixelID:   img.PixelID,
	}
	if img.Array == nil || axis >= len(img.Array.Shape) {
		return out
	}
	shape := img.Array.Shape
	total := 1
	for _, s := range shape {
		total *= s
	}
	data := make([]byte, total*4)
	idx := make([]int, len(shape))
	for i := 0; i < total; i++ {
		unravel(i, shape, idx)
		f := float32(idx[axis])
		bits := math.Float32bits(f)
		data[4*i] = byte(bits)
		data[4*i+1] = byte(bits >> 8)
		data[4*i+2] = byte(bits >> 16)
		data[4*i+3] = byte(bits >> 24)
	}
	out.Array = &value.NDArray{Shape: append([]int(nil), shape...), Dtype: "float32", Data: data}
	return out
}

func unravel(flat int, shape []int, out []int) {
	for a := len(shape) - 1; a >= 0; a-- {
		out[a] = flat % shape[a]
		flat /= shape[a]
	}
}

func onBorder(idx []int, shape []int) bool {
	for a, v := range idx {
		if v == 0 || v == shape[a]-1 {
			return true
		}
	}
	return false
}
