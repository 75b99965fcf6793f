package dna_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/dna"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/store"
)

// tetrahedron returns the four faces of a right tetrahedron with legs
// of length a: volume a^3/6, surface area (3/2)a^2 + (sqrt3/2)a^2.
func tetrahedron(a float64) [][3][3]float64 {
	o := [3]float64{0, 0, 0}
	ax := [3]float64{a, 0, 0}
	ay := [3]float64{0, a, 0}
	az := [3]float64{0, 0, a}
	return [][3][3]float64{
		{o, ax, ay},
		{o, ay, az},
		{o, az, ax},
		{ax, ay, az},
	}
}

func binarySTL(t *testing.T, tris [][3][3]float64) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(make([]byte, 80))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(tris))))
	for _, tri := range tris {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, [3]float32{0, 0, 0})) // normal
		for _, v := range tri {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian,
				[3]float32{float32(v[0]), float32(v[1]), float32(v[2])}))
		}
		buf.Write([]byte{0, 0}) // attribute byte count
	}
	return buf.Bytes()
}

func asciiSTL(tris [][3][3]float64) []byte {
	var sb strings.Builder
	sb.WriteString("solid part\n")
	for _, tri := range tris {
		sb.WriteString("  facet normal 0 0 0\n    outer loop\n")
		for _, v := range tri {
			fmt.Fprintf(&sb, "      vertex %g %g %g\n", v[0], v[1], v[2])
		}
		sb.WriteString("    endloop\n  endfacet\n")
	}
	sb.WriteString("endsolid part\n")
	return []byte(sb.String())
}

func TestParseBinarySTLGeometry(t *testing.T) {
	mesh, err := dna.ParseSTL(bytes.NewReader(binarySTL(t, tetrahedron(2))))
	require.NoError(t, err)
	assert.Equal(t, 4, mesh.TriangleCount())
	assert.InDelta(t, 8.0/6.0, mesh.Volume(), 1e-9)
	assert.InDelta(t, 6+2*math.Sqrt(3), mesh.SurfaceArea(), 1e-9)

	box := mesh.BoundingBox()
	assert.Equal(t, dna.Vec3{X: 0, Y: 0, Z: 0}, box.Min)
	assert.Equal(t, dna.Vec3{X: 2, Y: 2, Z: 2}, box.Max)
}

func TestParseASCIISTLGeometry(t *testing.T) {
	mesh, err := dna.ParseSTL(bytes.NewReader(asciiSTL(tetrahedron(2))))
	require.NoError(t, err)
	assert.Equal(t, 4, mesh.TriangleCount())
	assert.InDelta(t, 8.0/6.0, mesh.Volume(), 1e-9)
}

func TestParseSTLErrors(t *testing.T) {
	_, err := dna.ParseSTL(bytes.NewReader(nil))
	assert.True(t, fault.Is(err, fault.KindValidation))

	// Binary header claiming more triangles than the payload carries.
	data := binarySTL(t, tetrahedron(2))
	binary.LittleEndian.PutUint32(data[80:], 99)
	_, err = dna.ParseSTL(bytes.NewReader(data))
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = dna.ParseSTL(strings.NewReader("solid x\n  facet\n  vertex 1 2\nendsolid\n"))
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestFingerprintStableAcrossEncodings(t *testing.T) {
	binData := binarySTL(t, tetrahedron(2))
	asciiData := asciiSTL(tetrahedron(2))

	fpBin, _, err := dna.FingerprintSTL(bytes.NewReader(binData))
	require.NoError(t, err)
	fpASCII, _, err := dna.FingerprintSTL(bytes.NewReader(asciiData))
	require.NoError(t, err)

	assert.NotEqual(t, fpBin.FileHash, fpASCII.FileHash, "different bytes, different hash")
	assert.Equal(t, fpBin.GeometricSignature, fpASCII.GeometricSignature, "same geometry, same signature")
	assert.True(t, strings.HasPrefix(fpBin.GeometricSignature, "geo_"))

	// A scaled copy is a different part.
	fpBig, _, err := dna.FingerprintSTL(bytes.NewReader(binarySTL(t, tetrahedron(3))))
	require.NoError(t, err)
	assert.NotEqual(t, fpBin.GeometricSignature, fpBig.GeometricSignature)
}

func TestCanonicalSettingsDeterministic(t *testing.T) {
	a, err := dna.CanonicalSettings(map[string]any{"layer_height": 0.2, "infill": 20, "supports": false})
	require.NoError(t, err)
	b, err := dna.CanonicalSettings(map[string]any{"supports": false, "infill": 20, "layer_height": 0.2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func newDNAStore(t *testing.T) *dna.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dna.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := dna.NewStore(db)
	require.NoError(t, err)
	return s
}

func TestStoreAppendAndRecommend(t *testing.T) {
	s := newDNAStore(t)
	ctx := context.Background()
	fp, _, err := dna.FingerprintSTL(bytes.NewReader(binarySTL(t, tetrahedron(2))))
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	attempts := []dna.Record{
		{Material: "pla", Outcome: dna.OutcomeFailed, FailureMode: "bed_adhesion",
			Settings: map[string]any{"layer_height": 0.3}, Timestamp: base},
		{Material: "pla", Outcome: dna.OutcomeSuccess, QualityGrade: "B",
			Settings: map[string]any{"layer_height": 0.2}, PrinterModel: "voron-2.4",
			PrintTimeSec: 3600, Timestamp: base.Add(time.Hour)},
		{Material: "pla", Outcome: dna.OutcomeSuccess, QualityGrade: "A",
			Settings: map[string]any{"layer_height": 0.15, "infill": 30}, PrinterModel: "voron-2.4",
			PrintTimeSec: 5400, Timestamp: base.Add(2 * time.Hour)},
		{Material: "petg", Outcome: dna.OutcomeSuccess, QualityGrade: "A",
			Settings: map[string]any{"layer_height": 0.25}, Timestamp: base.Add(3 * time.Hour)},
	}
	for _, rec := range attempts {
		_, err := s.Append(ctx, fp, rec)
		require.NoError(t, err)
	}

	history, err := s.History(ctx, fp.GeometricSignature, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "petg", history[0].Material, "newest first")

	rec, err := s.Recommend(ctx, fp.GeometricSignature, "pla")
	require.NoError(t, err)
	assert.Equal(t, "A", rec.QualityGrade)
	assert.Equal(t, 0.15, rec.Settings["layer_height"])
	assert.Equal(t, 3, rec.SampleCount, "petg attempt excluded")
	assert.InDelta(t, 2.0/3.0, rec.SuccessRate, 1e-9)

	byHash, err := s.ByFileHash(ctx, fp.FileHash, 0)
	require.NoError(t, err)
	assert.Len(t, byHash, 4)
}

func TestRecommendRequiresSuccess(t *testing.T) {
	s := newDNAStore(t)
	ctx := context.Background()
	fp, _, err := dna.FingerprintSTL(bytes.NewReader(binarySTL(t, tetrahedron(2))))
	require.NoError(t, err)

	_, err = s.Append(ctx, fp, dna.Record{Material: "pla", Outcome: dna.OutcomeFailed, FailureMode: "spaghetti"})
	require.NoError(t, err)

	_, err = s.Recommend(ctx, fp.GeometricSignature, "pla")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	_, err = s.Append(ctx, fp, dna.Record{Outcome: "melted"})
	assert.True(t, fault.Is(err, fault.KindValidation))
}
