package dna

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/gowebpki/jcs"
)

// Fingerprint identifies a model two ways: the exact bytes (file hash)
// and the geometry (signature). Two exports of the same part match on
// signature even when headers or facet order metadata differ.
type Fingerprint struct {
	FileHash           string  `json:"file_hash"`
	GeometricSignature string  `json:"geometric_signature"`
	TriangleCount      int     `json:"triangle_count"`
	BBox               BBox    `json:"bbox"`
	Volume             float64 `json:"volume"`
	SurfaceArea        float64 `json:"surface_area"`
}

// HashFile computes the sha256 hex digest of a stream.
func HashFile(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintSTL parses the STL and derives both identities. The whole
// stream is consumed.
func FingerprintSTL(r io.Reader) (*Fingerprint, *Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read STL: %w", err)
	}
	mesh, err := ParseSTL(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}

	fp := &Fingerprint{
		FileHash:      hashBytes(data),
		TriangleCount: mesh.TriangleCount(),
		BBox:          mesh.BoundingBox(),
		Volume:        round3(mesh.Volume()),
		SurfaceArea:   round3(mesh.SurfaceArea()),
	}
	fp.GeometricSignature, err = geometricSignature(fp)
	if err != nil {
		return nil, nil, err
	}
	return fp, mesh, nil
}

// geometricSignature hashes the rounded geometric features through JCS
// so the digest is stable across map ordering and float formatting.
func geometricSignature(fp *Fingerprint) (string, error) {
	dims := fp.BBox.Dimensions()
	features := map[string]any{
		"triangle_count": fp.TriangleCount,
		"dim_x":          round2(dims.X),
		"dim_y":          round2(dims.Y),
		"dim_z":          round2(dims.Z),
		"volume":         round2(fp.Volume),
		"surface_area":   round2(fp.SurfaceArea),
	}
	raw, err := json.Marshal(features)
	if err != nil {
		return "", fmt.Errorf("failed to encode geometric features: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize geometric features: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "geo_" + hex.EncodeToString(sum[:])[:24], nil
}

// CanonicalSettings renders a settings map in RFC 8785 canonical form.
// Stored settings always go through this, so byte comparison works.
func CanonicalSettings(settings map[string]any) ([]byte, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize settings: %w", err)
	}
	return canonical, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
