package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry describes how a voxel grid sits in physical (patient) space.
//
// The mapping from a continuous voxel index i to a physical point p is
//
//	p = Origin + Direction · diag(Spacing) · i
//
// where column k of Direction is the unit vector of index axis k.
type Geometry struct {
	// Width, Height, Depth are the grid dimensions along x, y and z
	Width, Height, Depth int

	// Spacing is the physical size of a voxel along each index axis in mm
	Spacing r3.Vec

	// Origin is the physical position of voxel (0,0,0)
	Origin r3.Vec

	// Direction is the 3x3 orientation matrix in row-major order
	Direction [9]float64
}

// IdentityDirection returns the axis-aligned orientation matrix.
func IdentityDirection() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NewGeometry creates an axis-aligned geometry with unit spacing at the origin.
func NewGeometry(width, height, depth int) Geometry {
	return Geometry{
		Width:     width,
		Height:    height,
		Depth:     depth,
		Spacing:   r3.Vec{X: 1, Y: 1, Z: 1},
		Direction: IdentityDirection(),
	}
}

// Dims returns the grid dimensions as an array indexed by axis.
func (g Geometry) Dims() [3]int {
	return [3]int{g.Width, g.Height, g.Depth}
}

// Len returns the number of voxels in the grid.
func (g Geometry) Len() int {
	return g.Width * g.Height * g.Depth
}

// Index returns the flat offset of voxel (x,y,z) in x-fastest order.
func (g Geometry) Index(x, y, z int) int {
	return z*g.Width*g.Height + y*g.Width + x
}

// InBounds reports whether (x,y,z) addresses a voxel of the grid.
func (g Geometry) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Width && y < g.Height && z < g.Depth
}

// Axis returns the physical unit direction of index axis k (0=x, 1=y, 2=z).
func (g Geometry) Axis(k int) r3.Vec {
	return r3.Vec{X: g.Direction[k], Y: g.Direction[3+k], Z: g.Direction[6+k]}
}

// AxisSpacing returns the spacing along index axis k.
func (g Geometry) AxisSpacing(k int) float64 {
	switch k {
	case 0:
		return g.Spacing.X
	case 1:
		return g.Spacing.Y
	default:
		return g.Spacing.Z
	}
}

// IndexToPhysical maps a continuous voxel index to a physical point.
func (g Geometry) IndexToPhysical(idx r3.Vec) r3.Vec {
	sx := idx.X * g.Spacing.X
	sy := idx.Y * g.Spacing.Y
	sz := idx.Z * g.Spacing.Z
	d := g.Direction
	return r3.Vec{
		X: g.Origin.X + d[0]*sx + d[1]*sy + d[2]*sz,
		Y: g.Origin.Y + d[3]*sx + d[4]*sy + d[5]*sz,
		Z: g.Origin.Z + d[6]*sx + d[7]*sy + d[8]*sz,
	}
}

// Equal reports whether two geometries describe the same grid within tol.
func (g Geometry) Equal(o Geometry, tol float64) bool {
	if g.Dims() != o.Dims() {
		return false
	}
	if !vecNear(g.Spacing, o.Spacing, tol) || !vecNear(g.Origin, o.Origin, tol) {
		return false
	}
	for i := range g.Direction {
		if math.Abs(g.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}

func vecNear(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

// Volume represents a 3D intensity volume with its physical geometry
type Volume struct {
	Geometry

	// Data is the 3D volume data as a 1D array in x-fastest order
	Data []float64

	// MinIntensity and MaxIntensity bound the values in Data
	MinIntensity float64
	MaxIntensity float64

	// Metadata carries free-form descriptive tags from the importer
	// (series description, body part, ...). The engine never interprets it.
	Metadata map[string]string
}

// NewVolume allocates a zero-filled, axis-aligned volume with unit spacing.
func NewVolume(width, height, depth int) *Volume {
	g := NewGeometry(width, height, depth)
	return &Volume{
		Geometry: g,
		Data:     make([]float64, g.Len()),
	}
}

// At returns the voxel value at (x,y,z). The caller guarantees bounds.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x,y,z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// UpdateRange recomputes MinIntensity and MaxIntensity from Data.
func (v *Volume) UpdateRange() {
	if len(v.Data) == 0 {
		v.MinIntensity, v.MaxIntensity = 0, 0
		return
	}
	lo, hi := v.Data[0], v.Data[0]
	for _, d := range v.Data {
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	v.MinIntensity, v.MaxIntensity = lo, hi
}

// LabelVolume is a voxel grid of integer segmentation labels. Label 0 is background.
type LabelVolume struct {
	Geometry

	// Data holds one label per voxel in x-fastest order
	Data []uint16
}

// NewLabelVolume allocates an empty label volume with the given geometry.
func NewLabelVolume(g Geometry) *LabelVolume {
	return &LabelVolume{Geometry: g, Data: make([]uint16, g.Len())}
}

// NonZero counts voxels carrying a non-background label.
func (l *LabelVolume) NonZero() int {
	n := 0
	for _, v := range l.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Mask is a binary voxel volume sharing the geometry of the volume it was derived from
type Mask struct {
	Geometry

	// Data is true for voxels inside the region
	Data []bool
}

// NewMask allocates an empty mask with the given geometry.
func NewMask(g Geometry) *Mask {
	return &Mask{Geometry: g, Data: make([]bool, g.Len())}
}

// Count returns the number of voxels set in the mask.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// BoundingBox returns the inclusive index-space box enclosing all set voxels.
// ok is false for an empty mask.
func (m *Mask) BoundingBox() (lo, hi [3]int, ok bool) {
	lo = [3]int{m.Width, m.Height, m.Depth}
	hi = [3]int{-1, -1, -1}
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			row := m.Index(0, y, z)
			for x := 0; x < m.Width; x++ {
				if !m.Data[row+x] {
					continue
				}
				p := [3]int{x, y, z}
				for k := 0; k < 3; k++ {
					if p[k] < lo[k] {
						lo[k] = p[k]
					}
					if p[k] > hi[k] {
						hi[k] = p[k]
					}
				}
			}
		}
	}
	return lo, hi, hi[0] >= 0
}
