package value

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	rec, err := EncodeForStorage(v, 0)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, rec.FormatVersion)
	decoded, err := DecodeRuntimeValue(rec)
	require.NoError(t, err)
	return decoded
}

func TestCodecRoundTrip_Scalars(t *testing.T) {
	cases := []Value{
		Null,
		Bool(true),
		Bool(false),
		Int(42),
		Float(3.5),
		String("hello"),
	}
	for _, v := range cases {
		got := roundTrip(t, v)
		assert.Equal(t, v.Kind, got.Kind)
		assert.Equal(t, v.String(), got.String())
	}
}

func TestCodecRoundTrip_Bytes(t *testing.T) {
	v := Bytes([]byte{1, 2, 3, 4})
	got := roundTrip(t, v)
	assert.Equal(t, KindBytes, got.Kind)
	assert.Equal(t, v.Bytes, got.Bytes)
}

func TestCodecRoundTrip_Mapping(t *testing.T) {
	v := Mapping(map[string]Value{
		"a": Int(1),
		"b": String("two"),
	})
	got := roundTrip(t, v)
	require.Equal(t, KindMapping, got.Kind)
	require.Len(t, got.Mapping, 2)

	// Compare numerically rather than on exact Kind, so the assertion does
	// not depend on how a backend types numbers that pass through JSON.
	f, err := got.Mapping["a"].AsFloat64()
	require.NoError(t, err)
	assert.Equal(t, float64(1), f)
	assert.Equal(t, "two", got.Mapping["b"].Str)
}

func TestCodecRoundTrip_Array(t *testing.T) {
	v := Arr(&NDArray{Shape: []int{2, 2}, Dtype: "uint8", Data: []byte{1, 2, 3, 4}})
	got := roundTrip(t, v)
	require.Equal(t, KindArray, got.Kind)
	assert.Empty(t, cmp.Diff(v.Array.Shape, got.Array.Shape))
	assert.Equal(t, v.Array.Dtype, got.Array.Dtype)
	assert.Equal(t, v.Array.Data, got.Array.Data)
}

func TestCodecRoundTrip_Image(t *testing.T) {
	img := &Image{
		Dimension: 3,
		Size:      []int64{2, 2, 2},
		Spacing:   []float64{1, 1, 1},
		Origin:    []float64{0, 0, 0},
		Direction: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		PixelID:   "uint8",
		Array:     &NDArray{Shape: []int{2, 2, 2}, Dtype: "uint8", Data: []byte{0, 1, 2, 3, 4, 5, 6, 7}},
	}
	got := roundTrip(t, Img(img))
	require.Equal(t, KindImage, got.Kind)
	assert.Equal(t, img.Dimension, got.Image.Dimension)
	assert.Equal(t, img.Size, got.Image.Size)
	assert.Equal(t, img.Array.Data, got.Image.Array.Data)
}

func TestCodecRoundTrip_Sequence(t *testing.T) {
	v := Seq(&ListSequence{Items: []Value{Int(0), Int(1), Int(2), Int(3)}})
	rec, err := EncodeForStorage(v, 2)
	require.NoError(t, err)
	require.Len(t, rec.Pages, 2, "pageSize=2 over 4 items yields 2 pages")

	decoded, err := DecodeRuntimeValue(rec)
	require.NoError(t, err)
	require.Equal(t, KindSequence, decoded.Kind)

	items, err := MaterializeAll(decoded.Sequence)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, it := range items {
		f, err := it.AsFloat64()
		require.NoError(t, err)
		assert.Equal(t, float64(i), f)
	}
}

func TestDescribe_ReportsVoxTypeAndNavigation(t *testing.T) {
	v := Seq(&ListSequence{Items: []Value{Int(1), Int(2), Int(3)}})
	d, err := Describe(v, "")
	require.NoError(t, err)
	assert.Equal(t, "sequence", d.VoxType)
	assert.True(t, d.Navigation.Pageable)
	assert.Equal(t, 3, d.Summary["length"])
}

func TestResolve_WalksSequenceIndex(t *testing.T) {
	v := Seq(&ListSequence{Items: []Value{String("a"), String("b"), String("c")}})
	got, err := Resolve(v, "/1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Str)
}

func TestResolve_WalksMappingKeyWithEscaping(t *testing.T) {
	v := Mapping(map[string]Value{"a/b": Int(9)})
	got, err := Resolve(v, "/a~1b")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Int)
}

func TestResolve_UnknownKeyErrors(t *testing.T) {
	v := Mapping(map[string]Value{"a": Int(1)})
	_, err := Resolve(v, "/missing")
	assert.Error(t, err)
}

func TestEncodeForStorage_RejectsUnsupportedKind(t *testing.T) {
	v := Value{Kind: KindClosure}
	_, err := EncodeForStorage(v, 0)
	require.Error(t, err)
	var unsupportedErr *UnsupportedVoxValueError
	assert.ErrorAs(t, err, &unsupportedErr)
}
