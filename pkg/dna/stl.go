// Package dna fingerprints STL models and keeps their per-attempt
// outcome history. The geometric signature is deterministic for a given
// mesh, so re-sliced or renamed copies of the same model share learning
// history even when the file hash differs.
package dna

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Vec3 is a point or direction in model space.
type Vec3 struct {
	X, Y, Z float64
}

// Triangle is one STL facet. The stored normal is ignored; geometry is
// derived from the vertices.
type Triangle struct {
	V [3]Vec3
}

// Mesh is a parsed STL model.
type Mesh struct {
	Triangles []Triangle
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

// Dimensions returns the box extents.
func (b BBox) Dimensions() Vec3 {
	return Vec3{X: b.Max.X - b.Min.X, Y: b.Max.Y - b.Min.Y, Z: b.Max.Z - b.Min.Z}
}

const binaryHeaderSize = 80
const binaryTriangleSize = 50

// ParseSTL reads a binary or ASCII STL stream. The format is sniffed
// from the content, not the name: ASCII files start with "solid" and
// contain "facet", but some binary exporters also write "solid" into
// the 80-byte header, so the triangle count is cross-checked.
func ParseSTL(r io.Reader) (*Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read STL: %w", err)
	}
	if len(data) == 0 {
		return nil, fault.New(fault.KindValidation, "dna: empty STL file")
	}
	if isASCIISTL(data) {
		return parseASCII(data)
	}
	return parseBinary(data)
}

func isASCIISTL(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("solid")) && bytes.Contains(head, []byte("facet"))
}

func parseBinary(data []byte) (*Mesh, error) {
	if len(data) < binaryHeaderSize+4 {
		return nil, fault.New(fault.KindValidation, "dna: binary STL truncated before triangle count")
	}
	count := binary.LittleEndian.Uint32(data[binaryHeaderSize:])
	expected := binaryHeaderSize + 4 + int(count)*binaryTriangleSize
	if len(data) < expected {
		return nil, fault.Newf(fault.KindValidation,
			"dna: binary STL declares %d triangles but holds %d bytes", count, len(data))
	}

	mesh := &Mesh{Triangles: make([]Triangle, count)}
	off := binaryHeaderSize + 4
	for i := range mesh.Triangles {
		rec := data[off : off+binaryTriangleSize]
		// 12 bytes of normal skipped, then three vertices.
		for v := 0; v < 3; v++ {
			base := 12 + v*12
			mesh.Triangles[i].V[v] = Vec3{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[base:]))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[base+4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[base+8:]))),
			}
		}
		off += binaryTriangleSize
	}
	return mesh, nil
}

func parseASCII(data []byte) (*Mesh, error) {
	mesh := &Mesh{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var verts []Vec3
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "vertex" {
			continue
		}
		if len(fields) != 4 {
			return nil, fault.Newf(fault.KindValidation, "dna: malformed vertex on line %d", line)
		}
		var v Vec3
		var err error
		if v.X, err = strconv.ParseFloat(fields[1], 64); err == nil {
			if v.Y, err = strconv.ParseFloat(fields[2], 64); err == nil {
				v.Z, err = strconv.ParseFloat(fields[3], 64)
			}
		}
		if err != nil {
			return nil, fault.Newf(fault.KindValidation, "dna: malformed vertex on line %d", line)
		}
		verts = append(verts, v)
		if len(verts) == 3 {
			mesh.Triangles = append(mesh.Triangles, Triangle{V: [3]Vec3{verts[0], verts[1], verts[2]}})
			verts = verts[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ASCII STL: %w", err)
	}
	if len(mesh.Triangles) == 0 {
		return nil, fault.New(fault.KindValidation, "dna: ASCII STL contains no facets")
	}
	return mesh, nil
}

// TriangleCount returns the facet count.
func (m *Mesh) TriangleCount() int { return len(m.Triangles) }

// BoundingBox computes the axis-aligned bounds.
func (m *Mesh) BoundingBox() BBox {
	box := BBox{
		Min: Vec3{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: Vec3{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
	for _, t := range m.Triangles {
		for _, v := range t.V {
			box.Min.X = math.Min(box.Min.X, v.X)
			box.Min.Y = math.Min(box.Min.Y, v.Y)
			box.Min.Z = math.Min(box.Min.Z, v.Z)
			box.Max.X = math.Max(box.Max.X, v.X)
			box.Max.Y = math.Max(box.Max.Y, v.Y)
			box.Max.Z = math.Max(box.Max.Z, v.Z)
		}
	}
	return box
}

// Volume computes the enclosed volume via signed tetrahedra. The result
// is correct for closed manifolds; open meshes get a best-effort value.
func (m *Mesh) Volume() float64 {
	var sum float64
	for _, t := range m.Triangles {
		v0, v1, v2 := t.V[0], t.V[1], t.V[2]
		sum += v0.X*(v1.Y*v2.Z-v1.Z*v2.Y) -
			v0.Y*(v1.X*v2.Z-v1.Z*v2.X) +
			v0.Z*(v1.X*v2.Y-v1.Y*v2.X)
	}
	return math.Abs(sum) / 6
}

// SurfaceArea sums facet areas.
func (m *Mesh) SurfaceArea() float64 {
	var sum float64
	for _, t := range m.Triangles {
		ax := t.V[1].X - t.V[0].X
		ay := t.V[1].Y - t.V[0].Y
		az := t.V[1].Z - t.V[0].Z
		bx := t.V[2].X - t.V[0].X
		by := t.V[2].Y - t.V[0].Y
		bz := t.V[2].Z - t.V[0].Z
		cx := ay*bz - az*by
		cy := az*bx - ax*bz
		cz := ax*by - ay*bx
		sum += math.Sqrt(cx*cx+cy*cy+cz*cz) / 2
	}
	return sum
}
