// Package stl builds surface meshes of binary voxel masks and writes them as
// binary STL files.
package stl

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// Triangle represents a single triangle in the STL file
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// faceNeighbours are the six face directions of a voxel
var faceNeighbours = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// MeshFromMask returns the boundary surface of mask: two triangles for every
// voxel face that borders an unset voxel or the edge of the grid. Vertices are
// voxel corners in physical coordinates and normals point out of the region,
// so the mesh is closed and watertight. Slabs are meshed in parallel.
func MeshFromMask(ctx context.Context, mask *models.Mask) ([]Triangle, error) {
	if mask == nil || len(mask.Data) != mask.Len() {
		return nil, fmt.Errorf("invalid mask")
	}

	set := func(x, y, z int) bool {
		return mask.InBounds(x, y, z) && mask.Data[mask.Index(x, y, z)]
	}

	slabs := make([][]Triangle, mask.Depth)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for z := 0; z < mask.Depth; z++ {
		z := z
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var tris []Triangle
			for y := 0; y < mask.Height; y++ {
				for x := 0; x < mask.Width; x++ {
					if !mask.Data[mask.Index(x, y, z)] {
						continue
					}
					for _, d := range faceNeighbours {
						if set(x+d[0], y+d[1], z+d[2]) {
							continue
						}
						tris = append(tris, face(mask.Geometry, x, y, z, d)...)
					}
				}
			}
			slabs[z] = tris
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Triangle
	for _, s := range slabs {
		out = append(out, s...)
	}
	return out, nil
}

// face returns the two triangles of the face of voxel (x,y,z) facing d.
func face(geom models.Geometry, x, y, z int, d [3]int) []Triangle {
	axis := 0
	for k := range d {
		if d[k] != 0 {
			axis = k
		}
	}
	sign := float64(d[axis])
	a, b := (axis+1)%3, (axis+2)%3

	corner := func(ua, ub float64) [3]float32 {
		c := [3]float64{float64(x), float64(y), float64(z)}
		c[axis] += 0.5 * sign
		c[a] += ua
		c[b] += ub
		p := geom.IndexToPhysical(r3.Vec{X: c[0], Y: c[1], Z: c[2]})
		return [3]float32{float32(p.X), float32(p.Y), float32(p.Z)}
	}

	n := r3.Scale(sign, geom.Axis(axis))
	normal := [3]float32{float32(n.X), float32(n.Y), float32(n.Z)}

	p00 := corner(-0.5, -0.5)
	p10 := corner(0.5, -0.5)
	p11 := corner(0.5, 0.5)
	p01 := corner(-0.5, 0.5)

	// Counter-clockwise seen from outside: (a, b, axis) is right-handed,
	// so flip the winding on negative faces.
	if sign > 0 {
		return []Triangle{
			{Normal: normal, Vertex1: p00, Vertex2: p10, Vertex3: p11},
			{Normal: normal, Vertex1: p00, Vertex2: p11, Vertex3: p01},
		}
	}
	return []Triangle{
		{Normal: normal, Vertex1: p00, Vertex2: p11, Vertex3: p10},
		{Normal: normal, Vertex1: p00, Vertex2: p01, Vertex3: p11},
	}
}

// SaveToSTL writes triangles to a binary STL file
func SaveToSTL(filename string, triangles []Triangle) error {
	if uint64(len(triangles)) > math.MaxUint32 {
		return fmt.Errorf("too many triangles: %d", len(triangles))
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %v", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	// 80-byte header
	header := make([]byte, 80)
	copy(header, "mprengine binary STL")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write STL header: %v", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("failed to write triangle count: %v", err)
	}

	buf := make([]byte, 50)
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		buf[48], buf[49] = 0, 0
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write triangle: %v", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write STL file: %v", err)
	}
	return file.Close()
}
