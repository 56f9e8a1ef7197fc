package storage

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// ResultSummary is one row of a results-store snapshot.
type ResultSummary struct {
	NodeId  plan.NodeId
	Status  Status
	VoxType string
	Token   string // opaque, salted identifier stable for one process lifetime
}

// salt is a process-lifetime secret mixed into every opaque snapshot token
// so tokens handed to a serving-layer caller can't be guessed from a
// NodeId alone, without the store needing to persist or manage key
// material itself.
var salt = deriveSalt()

func deriveSalt() []byte {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		// Fall back to a fixed seed: tokens are then the same in every process
		// and can be derived by anyone who knows the seed, which is still
		// better than a crash.
		seed = []byte("voxlogica2-inspect-token-fallback-seed")
	}
	h := hkdf.New(sha3.New256, seed, nil, []byte("voxlogica2/inspect-token"))
	out := make([]byte, 32)
	io.ReadFull(h, out)
	return out
}

// tokenFor derives the opaque token for id, mixing the process salt in via
// plain hashing (HKDF already gave us a high-entropy key; SHA-1 here is
// purely a non-cryptographic mixing step, not a security boundary).
func tokenFor(id plan.NodeId) string {
	h := sha1.New()
	h.Write(salt)
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ListResultsSnapshot enumerates every durable record, most-recently-updated
// first. db must support
// enumeration (a ListAll method); for NoCacheDatabase and other backends
// without one it returns an error.
func ListResultsSnapshot(db ResultsDatabase) ([]ResultSummary, error) {
	lister, ok := db.(interface{ ListAll() ([]*Record, error) })
	if !ok {
		return nil, fmt.Errorf("storage: backend does not support snapshot listing")
	}
	records, err := lister.ListAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.After(records[j].UpdatedAt) })
	out := make([]ResultSummary, 0, len(records))
	for _, r := range records {
		voxType := ""
		if r.Payload != nil {
			voxType = r.Payload.VoxType
		}
		out = append(out, ResultSummary{NodeId: r.NodeId, Status: r.Status, VoxType: voxType, Token: tokenFor(r.NodeId)})
	}
	return out, nil
}

// InspectResult returns the descriptor (and, when offset/limit are
// meaningful, a concrete page) of the value nested at path inside node id's
// persisted result.
func InspectResult(db ResultsDatabase, id plan.NodeId, path string, offset, limit int) (*value.Descriptor, []value.Value, error) {
	rec, ok, err := db.GetRecord(id)
	if err != nil {
		return nil, nil, err
	}
	if !ok || rec.Status != StatusSuccess || rec.Payload == nil {
		return nil, nil, fmt.Errorf("no materialized result for node %s", id)
	}
	v, err := value.DecodeRuntimeValue(rec.Payload)
	if err != nil {
		return nil, nil, err
	}
	target, err := value.Resolve(v, path)
	if err != nil {
		return nil, nil, err
	}
	d, err := value.Describe(v, path)
	if err != nil {
		return nil, nil, err
	}
	if !d.Navigation.Pageable || target.Sequence == nil {
		return &d, nil, nil
	}
	offset, limit = value.ClampPage(offset, limit)
	items, _, err := target.Sequence.Page(offset, limit)
	if err != nil {
		return &d, nil, err
	}
	return &d, items, nil
}

// RenderResultPNG renders the 2D grayscale image nested at path as a PNG.
// Only image2d values support
// this; the pixel kernels that would produce richer images are out of
// scope.
func RenderResultPNG(db ResultsDatabase, id plan.NodeId, path string) ([]byte, error) {
	rec, ok, err := db.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Status != StatusSuccess || rec.Payload == nil {
		return nil, fmt.Errorf("no materialized result for node %s", id)
	}
	v, err := value.DecodeRuntimeValue(rec.Payload)
	if err != nil {
		return nil, err
	}
	target, err := value.Resolve(v, path)
	if err != nil {
		return nil, err
	}
	if target.Kind != value.KindImage || target.Image == nil || target.Image.Dimension != 2 {
		return nil, fmt.Errorf("render png: node %s at %q is not a 2D image", id, path)
	}
	img := target.Image
	if len(img.Size) != 2 {
		return nil, fmt.Errorf("render png: image2d missing a 2-element size")
	}
	w, h := int(img.Size[0]), int(img.Size[1])
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for i := 0; i < w*h && i < len(img.Array.Data); i++ {
		gray.Set(i%w, i/w, color.Gray{Y: img.Array.Data[i]})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("render png: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderResultNiftiGZ renders the 3D volume nested at path as a gzip-
// compressed NIfTI-1 stream:
// a minimal 348-byte NIfTI-1 header (geometry fields populated from the
// Image adapter, everything else zeroed) followed by the raw row-major
// voxel data, matching the format the out-of-scope SimpleITK/nnU-Net
// kernels would themselves read back.
func RenderResultNiftiGZ(db ResultsDatabase, id plan.NodeId, path string) ([]byte, error) {
	rec, ok, err := db.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Status != StatusSuccess || rec.Payload == nil {
		return nil, fmt.Errorf("no materialized result for node %s", id)
	}
	v, err := value.DecodeRuntimeValue(rec.Payload)
	if err != nil {
		return nil, err
	}
	target, err := value.Resolve(v, path)
	if err != nil {
		return nil, err
	}
	if target.Kind != value.KindImage || target.Image == nil || target.Image.Dimension != 3 {
		return nil, fmt.Errorf("render nii.gz: node %s at %q is not a 3D volume", id, path)
	}

	var raw bytes.Buffer
	raw.Write(niftiHeader(target.Image))
	raw.Write(target.Image.Array.Data)

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("render nii.gz: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("render nii.gz: %w", err)
	}
	return gz.Bytes(), nil
}

// niftiHeader builds a 348-byte NIfTI-1 header for img.
func niftiHeader(img *value.Image) []byte {
	h := make([]byte, 348)
	order := binary.LittleEndian
	order.PutUint32(h[0:4], 348) // sizeof_hdr

	dim := [8]int16{3, 0, 0, 0, 1, 1, 1, 1}
	for i, s := range img.Size {
		if i+1 < 4 {
			dim[i+1] = int16(s)
		}
	}
	for i, v := range dim {
		order.PutUint16(h[40+i*2:42+i*2], uint16(v))
	}

	pixdim := [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	for i, s := range img.Spacing {
		if i+1 < 8 {
			pixdim[i+1] = float32(s)
		}
	}
	for i, v := range pixdim {
		order.PutUint32(h[76+i*4:80+i*4], mathFloat32bits(v))
	}

	order.PutUint16(h[70:72], uint16(niftiDatatypeCode(img.Array.Dtype))) // datatype
	order.PutUint16(h[72:74], uint16(dtypeBits(img.Array.Dtype)))        // bitpix
	order.PutUint32(h[344:348], 1)                                       // magic "n+1\0" approximated below
	copy(h[344:348], []byte("n+1\x00"))
	return h
}

func mathFloat32bits(f float32) uint32 { return math.Float32bits(f) }

// niftiDatatypeCode maps a dtype tag to the NIfTI-1 DT_* constant; unknown
// dtypes fall back to DT_UINT8.
func niftiDatatypeCode(dtype string) int {
	switch dtype {
	case "uint8":
		return 2
	case "int16":
		return 4
	case "int32":
		return 8
	case "float32":
		return 16
	case "float64":
		return 64
	case "int64":
		return 1024
	default:
		return 2
	}
}

func dtypeBits(dtype string) int {
	switch dtype {
	case "uint8":
		return 8
	case "int16":
		return 16
	case "int32", "float32":
		return 32
	case "float64", "int64":
		return 64
	default:
		return 8
	}
}
