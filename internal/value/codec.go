// Codec: the on-disk "voxpod/1" envelope and the descriptor model used by
// the storage layer's paged inspection helpers.
package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FormatVersion is the on-disk envelope format tag.
const FormatVersion = "voxpod/1"

// UnsupportedVoxValueError is raised when the codec cannot persist a value.
type UnsupportedVoxValueError struct {
	Code    string
	Message string
}

func (e *UnsupportedVoxValueError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func unsupported(format string, args ...any) error {
	return &UnsupportedVoxValueError{Code: "E_UNSPECIFIED_VALUE_TYPE", Message: fmt.Sprintf(format, args...)}
}

// Navigation describes how a descriptor can be paged/descended into.
type Navigation struct {
	Path            string
	Pageable        bool
	CanDescend      bool
	DefaultPageSize int
	MaxPageSize     int
}

// RenderHint is an optional rendering hint for images/volumes.
type RenderHint struct {
	Kind string // e.g. "png", "nii.gz"
}

// Descriptor is the JSON-shaped value description returned by the
// inspection helpers.
type Descriptor struct {
	VoxType       string         `json:"vox_type"`
	FormatVersion string         `json:"format_version"`
	Summary       map[string]any `json:"summary"`
	Navigation    Navigation     `json:"navigation"`
	Render        *RenderHint    `json:"render,omitempty"`
}

// EncodedPage is one page of a persisted sequence.
type EncodedPage struct {
	Offset      int            `json:"offset"`
	Limit       int            `json:"limit"`
	Descriptor  Descriptor     `json:"descriptor"`
	PayloadJSON map[string]any `json:"payload_json"`
}

// EncodedRecord is the on-disk envelope.
type EncodedRecord struct {
	FormatVersion string          `json:"format_version"`
	VoxType       string          `json:"vox_type"`
	Descriptor    Descriptor      `json:"descriptor"`
	PayloadJSON   map[string]any  `json:"payload_json"`
	PayloadBin    []byte          `json:"payload_bin,omitempty"`
	Pages         []EncodedPage   `json:"pages,omitempty"`
}

// voxType maps a Value Kind to its descriptor vox_type, special-casing
// images by dimensionality.
func voxType(v Value) string {
	switch v.Kind {
	case KindNull, KindBool, KindInt, KindFloat, KindString, KindBytes:
		return string(v.Kind)
	case KindArray:
		return "array"
	case KindImage:
		if v.Image != nil && v.Image.Dimension == 2 {
			return "image2d"
		}
		return "volume3d"
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	default:
		return string(v.Kind)
	}
}

// Describe produces a Descriptor for v at the given JSON-pointer-style path.
// path is "" for the root.
func Describe(v Value, path string) (Descriptor, error) {
	target, err := Resolve(v, path)
	if err != nil {
		return Descriptor{}, err
	}
	return describeOne(target, path), nil
}

func describeOne(v Value, path string) Descriptor {
	d := Descriptor{
		VoxType:       voxType(v),
		FormatVersion: FormatVersion,
		Summary:       map[string]any{},
		Navigation:    Navigation{Path: path, DefaultPageSize: 50, MaxPageSize: MaxPageSize},
	}

	switch v.Kind {
	case KindNull, KindBool, KindInt, KindFloat, KindString:
		native, _ := v.ToNative()
		d.Summary["value"] = native
	case KindBytes:
		d.Summary["length"] = len(v.Bytes)
	case KindArray:
		d.Summary["shape"] = v.Array.Shape
		d.Summary["dtype"] = v.Array.Dtype
		d.Navigation.Pageable = true
	case KindImage:
		d.Summary["dimension"] = v.Image.Dimension
		d.Summary["size"] = v.Image.Size
		d.Summary["spacing"] = v.Image.Spacing
		d.Summary["origin"] = v.Image.Origin
		d.Summary["direction"] = v.Image.Direction
		d.Summary["pixel_id"] = v.Image.PixelID
		d.Render = &RenderHint{Kind: "png"}
		if d.VoxType == "volume3d" {
			d.Render.Kind = "nii.gz"
		}
	case KindMapping:
		d.Summary["length"] = len(v.Mapping)
		d.Navigation.CanDescend = true
	case KindSequence:
		n, known := v.Sequence.TotalSize()
		if known {
			d.Summary["length"] = n
		}
		d.Navigation.Pageable = true
		d.Navigation.CanDescend = true
	case KindClosure, KindFunction:
		d.Summary["callable"] = true
	}
	return d
}

// Resolve walks a "/"-separated JSON-pointer-style path (with ~0 -> '~' and
// ~1 -> '/' escapes) into a mapping or sequence value.
func Resolve(v Value, path string) (Value, error) {
	if path == "" {
		return v, nil
	}
	tokens := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := v
	for _, tok := range tokens {
		tok = unescapeToken(tok)
		switch cur.Kind {
		case KindMapping:
			next, ok := cur.Mapping[tok]
			if !ok {
				return Value{}, fmt.Errorf("path %q: no such key %q", path, tok)
			}
			cur = next
		case KindSequence:
			idx, err := strconv.Atoi(tok)
			if err != nil {
				return Value{}, fmt.Errorf("path %q: non-integer sequence index %q", path, tok)
			}
			items, _, err := cur.Sequence.Page(idx, 1)
			if err != nil {
				return Value{}, err
			}
			if len(items) == 0 {
				return Value{}, fmt.Errorf("path %q: index %d out of range", path, idx)
			}
			cur = items[0]
		default:
			return Value{}, fmt.Errorf("path %q: cannot descend into %s", path, cur.Kind)
		}
	}
	return cur, nil
}

func unescapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

// EncodeForStorage serializes v into the voxpod/1 envelope. pageSize controls how large a persisted sequence's
// pages are.
func EncodeForStorage(v Value, pageSize int) (*EncodedRecord, error) {
	rec := &EncodedRecord{
		FormatVersion: FormatVersion,
		VoxType:       voxType(v),
		Descriptor:    describeOne(v, ""),
	}

	switch v.Kind {
	case KindNull, KindBool, KindInt, KindFloat, KindString:
		native, err := v.ToNative()
		if err != nil {
			return nil, err
		}
		rec.PayloadJSON = map[string]any{"value": native}

	case KindBytes:
		rec.PayloadBin = v.Bytes

	case KindArray:
		rec.PayloadJSON = map[string]any{
			"encoding":   "ndarray-binary-v1",
			"dtype":      v.Array.Dtype,
			"shape":      v.Array.Shape,
			"order":      "row-major",
			"byte_order": "little",
		}
		rec.PayloadBin = v.Array.Data

	case KindImage:
		rec.PayloadJSON = map[string]any{
			"encoding":   "ndarray-binary-v1",
			"dtype":      v.Image.Array.Dtype,
			"shape":      v.Image.Array.Shape,
			"order":      "row-major",
			"byte_order": "little",
			"image_meta": map[string]any{
				"dimension": v.Image.Dimension,
				"size":      v.Image.Size,
				"spacing":   v.Image.Spacing,
				"origin":    v.Image.Origin,
				"direction": v.Image.Direction,
				"pixel_id":  v.Image.PixelID,
			},
		}
		rec.PayloadBin = v.Image.Array.Data

	case KindMapping:
		payload := make(map[string]any, len(v.Mapping))
		for k, mv := range v.Mapping {
			native, err := mv.ToNative()
			if err != nil {
				return nil, unsupported("mapping key %q: %v", k, err)
			}
			payload[k] = native
		}
		rec.PayloadJSON = payload

	case KindSequence:
		items, err := MaterializeAll(v.Sequence)
		if err != nil {
			return nil, err
		}
		if pageSize <= 0 {
			pageSize = 64
		}
		for offset := 0; offset < len(items); offset += pageSize {
			end := offset + pageSize
			if end > len(items) {
				end = len(items)
			}
			chunk := items[offset:end]
			nativeItems := make([]any, len(chunk))
			for i, it := range chunk {
				native, err := it.ToNative()
				if err != nil {
					return nil, unsupported("sequence item %d: %v", offset+i, err)
				}
				nativeItems[i] = native
			}
			rec.Pages = append(rec.Pages, EncodedPage{
				Offset:      offset,
				Limit:       pageSize,
				Descriptor:  describeOne(Seq(&ListSequence{Items: chunk}), ""),
				PayloadJSON: map[string]any{"items": nativeItems},
			})
		}

	default:
		return nil, unsupported("cannot persist value of kind %s", v.Kind)
	}

	return rec, nil
}

// DecodeRuntimeValue reconstructs a Value from a persisted envelope.
// It is the inverse of
// EncodeForStorage for every kind EncodeForStorage supports.
func DecodeRuntimeValue(rec *EncodedRecord) (Value, error) {
	switch rec.VoxType {
	case "null":
		return Null, nil
	case "bool":
		return Bool(rec.PayloadJSON["value"].(bool)), nil
	case "int":
		return decodeInt(rec.PayloadJSON["value"])
	case "float":
		return decodeFloat(rec.PayloadJSON["value"])
	case "string":
		return String(rec.PayloadJSON["value"].(string)), nil
	case "bytes":
		return Bytes(rec.PayloadBin), nil
	case "array":
		return Arr(decodeArray(rec.PayloadJSON, rec.PayloadBin)), nil
	case "image2d", "volume3d":
		meta, _ := rec.PayloadJSON["image_meta"].(map[string]any)
		return Img(&Image{
			Dimension: toInt(meta["dimension"]),
			Size:      toInt64Slice(meta["size"]),
			Spacing:   toFloat64Slice(meta["spacing"]),
			Origin:    toFloat64Slice(meta["origin"]),
			Direction: toFloat64Slice(meta["direction"]),
			PixelID:   fmt.Sprintf("%v", meta["pixel_id"]),
			Array:     decodeArray(rec.PayloadJSON, rec.PayloadBin),
		}), nil
	case "mapping":
		out := make(map[string]Value, len(rec.PayloadJSON))
		for k, raw := range rec.PayloadJSON {
			v, err := fromNative(raw)
			if err != nil {
				return Value{}, fmt.Errorf("mapping key %q: %w", k, err)
			}
			out[k] = v
		}
		return Mapping(out), nil
	case "sequence":
		var items []Value
		for _, page := range rec.Pages {
			rawItems, _ := page.PayloadJSON["items"].([]any)
			for _, raw := range rawItems {
				v, err := fromNative(raw)
				if err != nil {
					return Value{}, err
				}
				items = append(items, v)
			}
		}
		return Seq(&ListSequence{Items: items}), nil
	default:
		return Value{}, unsupported("cannot decode vox_type %q", rec.VoxType)
	}
}

func decodeInt(raw any) (Value, error) {
	switch n := raw.(type) {
	case int64:
		return Int(n), nil
	case float64:
		return Int(int64(n)), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return Value{}, fmt.Errorf("expected int payload, got %q", n)
			}
			return Int(int64(f)), nil
		}
		return Int(i), nil
	default:
		return Value{}, fmt.Errorf("expected int payload, got %T", raw)
	}
}

func decodeFloat(raw any) (Value, error) {
	switch n := raw.(type) {
	case float64:
		return Float(n), nil
	case int64:
		return Float(float64(n)), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("expected float payload, got %q", n)
		}
		return Float(f), nil
	default:
		return Value{}, fmt.Errorf("expected float payload, got %T", raw)
	}
}

// isIntegralNumber reports whether a json.Number's literal text (preserved
// verbatim by a json.Decoder with UseNumber) denotes an integer rather than
// a float, so round-tripping through the SQLite payload JSON doesn't
// collapse Int(5) and Float(5.0) into the same decoded kind.
func isIntegralNumber(n json.Number) bool {
	return !strings.ContainsAny(string(n), ".eE")
}

func decodeArray(payload map[string]any, bin []byte) *NDArray {
	return &NDArray{
		Shape: toIntSlice(payload["shape"]),
		Dtype: fmt.Sprintf("%v", payload["dtype"]),
		Data:  bin,
	}
}

func fromNative(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case int64:
		return Int(t), nil
	case json.Number:
		if isIntegralNumber(t) {
			return decodeInt(t)
		}
		return decodeFloat(t)
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, v := range t {
			cv, err := fromNative(v)
			if err != nil {
				return Value{}, err
			}
			out[k] = cv
		}
		return Mapping(out), nil
	case []any:
		items := make([]Value, len(t))
		for i, v := range t {
			cv, err := fromNative(v)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return Seq(&ListSequence{Items: items}), nil
	default:
		return Value{}, fmt.Errorf("unsupported native value %T", raw)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		f, _ := n.Float64()
		return int(f)
	default:
		return 0
	}
}

func toIntSlice(v any) []int {
	if typed, ok := v.([]int); ok {
		return append([]int(nil), typed...)
	}
	raw, _ := v.([]any)
	out := make([]int, len(raw))
	for i, x := range raw {
		out[i] = toInt(x)
	}
	return out
}

func toInt64Slice(v any) []int64 {
	if typed, ok := v.([]int64); ok {
		return append([]int64(nil), typed...)
	}
	raw, _ := v.([]any)
	out := make([]int64, len(raw))
	for i, x := range raw {
		out[i] = int64(toInt(x))
	}
	return out
}

func toFloat64Slice(v any) []float64 {
	if typed, ok := v.([]float64); ok {
		return append([]float64(nil), typed...)
	}
	raw, _ := v.([]any)
	out := make([]float64, len(raw))
	for i, x := range raw {
		switch n := x.(type) {
		case float64:
			out[i] = n
		case json.Number:
			f, _ := n.Float64()
			out[i] = f
		}
	}
	return out
}
