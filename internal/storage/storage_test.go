package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

func TestMemoryDatabase_PutSuccessThenGetRecord(t *testing.T) {
	db := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(7), 0)
	require.NoError(t, err)

	require.NoError(t, db.PutSuccess("n1", enc, map[string]any{"k": "v"}))

	has, err := db.Has("n1")
	require.NoError(t, err)
	assert.True(t, has)

	rec, ok, err := db.GetRecord("n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "v1", rec.RuntimeVersion)
	assert.Equal(t, "v", rec.Metadata["k"])
}

func TestMemoryDatabase_NamespacedByRuntimeVersion(t *testing.T) {
	db := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(1), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	db.runtimeVersion = "v2"
	has, err := db.Has("n1")
	require.NoError(t, err)
	assert.False(t, has, "a row written under v1 must not be visible once the store is namespaced to v2")
}

func TestMemoryDatabase_PutFailureThenDelete(t *testing.T) {
	db := NewMemoryDatabase("v1")
	require.NoError(t, db.PutFailure("bad", "boom", nil))

	rec, ok, err := db.GetRecord("bad")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFailure, rec.Status)
	assert.Equal(t, "boom", rec.Error)

	require.NoError(t, db.Delete("bad"))
	_, ok, err = db.GetRecord("bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDatabase_ClearRemovesEverything(t *testing.T) {
	db := NewMemoryDatabase("v1")
	require.NoError(t, db.PutRunning("a"))
	require.NoError(t, db.PutRunning("b"))
	require.NoError(t, db.Clear())

	rows, err := db.ListAll()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryDatabase_SweepStaleRunning(t *testing.T) {
	db := NewMemoryDatabase("v1")
	require.NoError(t, db.PutRunning("stale"))
	db.rows["stale"].UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, db.PutRunning("fresh"))

	n, err := db.SweepStaleRunning(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, _ := db.Has("stale")
	assert.False(t, has)
	has, _ = db.Has("fresh")
	assert.True(t, has)
}

func TestMemoryDatabase_ListAll(t *testing.T) {
	db := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(1), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))
	require.NoError(t, db.PutSuccess("n2", enc, nil))

	rows, err := db.ListAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSQLiteDatabase_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	db, err := OpenSQLiteDatabase(path, "v1")
	require.NoError(t, err)
	defer db.Close()

	enc, err := value.EncodeForStorage(value.String("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, map[string]any{"label": "greeting"}))

	has, err := db.Has("n1")
	require.NoError(t, err)
	assert.True(t, has)

	rec, ok, err := db.GetRecord("n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, rec.Status)
	require.NotNil(t, rec.Payload)
	assert.Equal(t, "greeting", rec.Metadata["label"])

	decoded, err := value.DecodeRuntimeValue(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded.Str)
}

func TestSQLiteDatabase_PutSuccessOverwritesPriorFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	db, err := OpenSQLiteDatabase(path, "v1")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutFailure("n1", "first attempt failed", nil))
	enc, err := value.EncodeForStorage(value.Int(3), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	rec, ok, err := db.GetRecord("n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestSQLiteDatabase_ListAllAndSweep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	db, err := OpenSQLiteDatabase(path, "v1")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutRunning("stale"))
	_, err = db.db.Exec(`UPDATE results SET updated_at = ? WHERE node_id = ?`, time.Now().Add(-time.Hour).Unix(), "stale")
	require.NoError(t, err)

	enc, err := value.EncodeForStorage(value.Int(1), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("done", enc, nil))

	rows, err := db.ListAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	n, err := db.SweepStaleRunning(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err = db.ListAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestNoCacheDatabase_StubsEverything(t *testing.T) {
	db := NoCacheDatabase{}
	require.NoError(t, db.PutRunning("x"))

	enc, err := value.EncodeForStorage(value.Int(1), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("x", enc, nil))

	has, err := db.Has("x")
	require.NoError(t, err)
	assert.False(t, has, "NoCacheDatabase must never retain a write")

	rec, ok, err := db.GetRecord("x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestMaterializationStore_InMemoryOnlyDoesNotTouchBackend(t *testing.T) {
	backend := NewMemoryDatabase("v1")
	store := NewMaterializationStore(backend, false, false)

	store.Put("n1", value.Int(5), nil)
	v, ok := store.Get("n1")
	require.True(t, ok)
	assert.Equal(t, int64(5), v.Int)

	has, err := backend.Has("n1")
	require.NoError(t, err)
	assert.False(t, has, "writeThrough=false must not persist to the backend")
}

func TestMaterializationStore_WriteThroughPersistsToBackend(t *testing.T) {
	backend := NewMemoryDatabase("v1")
	store := NewMaterializationStore(backend, false, true)

	store.Put("n1", value.Int(5), nil)

	has, err := backend.Has("n1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMaterializationStore_ReadThroughHydratesFromBackend(t *testing.T) {
	backend := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(9), 0)
	require.NoError(t, err)
	require.NoError(t, backend.PutSuccess("n1", enc, nil))

	store := NewMaterializationStore(backend, true, false)
	v, ok := store.Get("n1")
	require.True(t, ok)
	assert.Equal(t, int64(9), v.Int)
}

func TestMaterializationStore_NoReadThroughMissesBackend(t *testing.T) {
	backend := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(9), 0)
	require.NoError(t, err)
	require.NoError(t, backend.PutSuccess("n1", enc, nil))

	store := NewMaterializationStore(backend, false, false)
	_, ok := store.Get("n1")
	assert.False(t, ok, "readThrough=false must not consult the backend")
}

func TestMaterializationStore_Fail(t *testing.T) {
	store := NewMaterializationStore(nil, false, false)
	store.Fail("n1", "kaboom")

	msg, ok := store.Failed("n1")
	require.True(t, ok)
	assert.Equal(t, "kaboom", msg)

	_, ok = store.Get("n1")
	assert.False(t, ok)
}

func TestListResultsSnapshot_OrdersByMostRecentlyUpdated(t *testing.T) {
	db := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(1), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("older", enc, nil))
	db.rows["older"].UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, db.PutSuccess("newer", enc, nil))

	rows, err := ListResultsSnapshot(db)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, plan.NodeId("newer"), rows[0].NodeId)
	assert.NotEmpty(t, rows[0].Token)
}

func TestListResultsSnapshot_UnsupportedBackend(t *testing.T) {
	_, err := ListResultsSnapshot(NoCacheDatabase{})
	assert.Error(t, err)
}

func TestInspectResult_SequencePage(t *testing.T) {
	db := NewMemoryDatabase("v1")
	seq := value.Seq(&value.ListSequence{Items: []value.Value{value.Int(1), value.Int(2), value.Int(3)}})
	enc, err := value.EncodeForStorage(seq, 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	d, items, err := InspectResult(db, "n1", "", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "sequence", d.VoxType)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Int)
	assert.Equal(t, int64(2), items[1].Int)
}

func TestInspectResult_NoMaterializedResult(t *testing.T) {
	db := NewMemoryDatabase("v1")
	_, _, err := InspectResult(db, "missing", "", 0, 10)
	assert.Error(t, err)
}

func TestRenderResultPNG_TwoDimensionalImage(t *testing.T) {
	db := NewMemoryDatabase("v1")
	img := &value.Image{
		Dimension: 2,
		Size:      []int64{2, 2},
		Array:     &value.NDArray{Shape: []int{2, 2}, Dtype: "uint8", Data: []byte{10, 20, 30, 40}},
	}
	enc, err := value.EncodeForStorage(value.Img(img), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	png, err := RenderResultPNG(db, "n1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, png)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderResultPNG_RejectsNonImageValue(t *testing.T) {
	db := NewMemoryDatabase("v1")
	enc, err := value.EncodeForStorage(value.Int(1), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	_, err = RenderResultPNG(db, "n1", "")
	assert.Error(t, err)
}

func TestRenderResultPNG_RejectsThreeDimensionalImage(t *testing.T) {
	db := NewMemoryDatabase("v1")
	img := &value.Image{
		Dimension: 3,
		Size:      []int64{2, 2, 2},
		Array:     &value.NDArray{Shape: []int{2, 2, 2}, Dtype: "uint8", Data: make([]byte, 8)},
	}
	enc, err := value.EncodeForStorage(value.Img(img), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	_, err = RenderResultPNG(db, "n1", "")
	assert.Error(t, err)
}

func TestRenderResultNiftiGZ_ThreeDimensionalVolume(t *testing.T) {
	db := NewMemoryDatabase("v1")
	img := &value.Image{
		Dimension: 3,
		Size:      []int64{2, 2, 2},
		Spacing:   []float64{1, 1, 1},
		Array:     &value.NDArray{Shape: []int{2, 2, 2}, Dtype: "uint8", Data: []byte{0, 1, 2, 3, 4, 5, 6, 7}},
	}
	enc, err := value.EncodeForStorage(value.Img(img), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	gz, err := RenderResultNiftiGZ(db, "n1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, gz)
	// gzip member header starts with the standard magic bytes.
	assert.Equal(t, []byte{0x1f, 0x8b}, gz[:2])
}

func TestRenderResultNiftiGZ_RejectsTwoDimensionalImage(t *testing.T) {
	db := NewMemoryDatabase("v1")
	img := &value.Image{
		Dimension: 2,
		Size:      []int64{2, 2},
		Array:     &value.NDArray{Shape: []int{2, 2}, Dtype: "uint8", Data: []byte{1, 2, 3, 4}},
	}
	enc, err := value.EncodeForStorage(value.Img(img), 0)
	require.NoError(t, err)
	require.NoError(t, db.PutSuccess("n1", enc, nil))

	_, err = RenderResultNiftiGZ(db, "n1", "")
	assert.Error(t, err)
}
