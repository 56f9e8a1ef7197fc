// Package value implements the runtime value model: the adapters that
// classify every native value the engine can produce and the
// lazy Sequence contract substrate for range/map/for/load.
package value

import "fmt"

// Kind classifies a runtime Value.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindString   Kind = "string"
	KindBytes    Kind = "bytes"
	KindArray    Kind = "array"
	KindImage    Kind = "image"
	KindMapping  Kind = "mapping"
	KindSequence Kind = "sequence"
	KindClosure  Kind = "closure"
	KindFunction Kind = "function"
)

// Callable is implemented by runtime closures/functions (internal/engine).
// Kept as an interface here, not a concrete type, so that value has no
// dependency on engine (engine depends on value, never the reverse).
type Callable interface {
	Call(args []Value) (Value, error)
}

// Value is a tagged union over every representable runtime value.
// Exactly the field(s) matching Kind are meaningful.
type Value struct {
	Kind Kind

	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte

	Array    *NDArray
	Image    *Image
	Mapping  map[string]Value
	Sequence Sequence
	Callable Callable
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

func Bool(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value    { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }

func Mapping(m map[string]Value) Value { return Value{Kind: KindMapping, Mapping: m} }
func Arr(a *NDArray) Value              { return Value{Kind: KindArray, Array: a} }
func Img(i *Image) Value                { return Value{Kind: KindImage, Image: i} }
func Seq(s Sequence) Value              { return Value{Kind: KindSequence, Sequence: s} }
func Closure(c Callable) Value          { return Value{Kind: KindClosure, Callable: c} }
func Function(c Callable) Value         { return Value{Kind: KindFunction, Callable: c} }

// NDArray is the n-dimensional numeric array adapter.
type NDArray struct {
	Shape []int
	Dtype string // e.g. "float32", "int64", "uint8"
	Data  []byte // row-major
}

// Image is the image-value adapter.
type Image struct {
	Dimension int // 2 or 3
	Size      []int64
	Spacing   []float64
	Origin    []float64
	Direction []float64
	PixelID   string
	Array     *NDArray
}

// AsFloat64 coerces a scalar numeric Value to float64, for arithmetic
// kernels that accept either int or float operands.
func (v Value) AsFloat64() (float64, error) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), nil
	case KindFloat:
		return v.Float, nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %s", v.Kind)
	}
}

// IsNumeric reports whether the value is an int or float scalar.
func (v Value) IsNumeric() bool { return v.Kind == KindInt || v.Kind == KindFloat }

// ToNative converts a Value into a JSON-native Go value, used both by the codec and by print/save side effects.
// Sequences must already have been materialized by the caller.
func (v Value) ToNative() (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt:
		return v.Int, nil
	case KindFloat:
		return v.Float, nil
	case KindString:
		return v.Str, nil
	case KindBytes:
		return v.Bytes, nil
	case KindMapping:
		out := make(map[string]any, len(v.Mapping))
		for k, mv := range v.Mapping {
			nv, err := mv.ToNative()
			if err != nil {
				return nil, fmt.Errorf("mapping key %q: %w", k, err)
			}
			out[k] = nv
		}
		return out, nil
	case KindSequence:
		items, err := MaterializeAll(v.Sequence)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, it := range items {
			nv, err := it.ToNative()
			if err != nil {
				return nil, fmt.Errorf("sequence index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value kind %s has no JSON-native representation", v.Kind)
	}
}

// String renders v for print side effects.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.Bytes))
	case KindMapping:
		return fmt.Sprintf("<mapping %d keys>", len(v.Mapping))
	case KindSequence:
		items, err := MaterializeAll(v.Sequence)
		if err != nil {
			return fmt.Sprintf("<sequence error: %v>", err)
		}
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = it.String()
		}
		s := "["
		for i, p := range parts {
			if i > 0 {
				s += ", "
			}
			s += p
		}
		return s + "]"
	case KindArray:
		return fmt.Sprintf("<array shape=%v dtype=%s>", v.Array.Shape, v.Array.Dtype)
	case KindImage:
		return fmt.Sprintf("<image%dd size=%v>", v.Image.Dimension, v.Image.Size)
	case KindClosure, KindFunction:
		return "<function>"
	default:
		return "<?>"
	}
}
