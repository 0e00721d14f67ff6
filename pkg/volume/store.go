// Package volume owns the voxel grid and its physical geometry and answers
// sampling and coordinate queries for the rest of the engine.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// InterpolationMode selects how a continuous position is turned into a value
type InterpolationMode int

const (
	// Nearest picks the closest voxel; used for labels and masks so that
	// discrete label identities are never blended.
	Nearest InterpolationMode = iota

	// Trilinear blends the 8 surrounding voxels; used for intensity data.
	Trilinear
)

func (m InterpolationMode) String() string {
	if m == Nearest {
		return "nearest"
	}
	return "trilinear"
}

var (
	// ErrNoVolume is returned by queries made before any volume was loaded
	ErrNoVolume = errors.New("no volume loaded")

	// ErrInvalidVolume is returned when a volume record is inconsistent
	ErrInvalidVolume = errors.New("invalid volume")

	// ErrResourceExhausted is returned when a volume exceeds the configured voxel budget
	ErrResourceExhausted = errors.New("volume exceeds voxel budget")
)

// Options configures a Store
type Options struct {
	// Background is returned for samples outside the bounding box
	Background float64

	// MaxVoxels bounds the size of a volume accepted by Load (0 disables the check)
	MaxVoxels int
}

// Store holds one volume and its affine mapping.
//
// A Store is immutable once loaded: a new volume gets a new Store, so
// extraction workers holding the previous one keep reading consistent data.
type Store struct {
	vol    *models.Volume
	affine *Affine
	opts   Options
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	return &Store{opts: opts}
}

// Load validates v and installs it, replacing any previous volume.
// On error the store is left unchanged.
func (s *Store) Load(v *models.Volume) error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrInvalidVolume)
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %dx%dx%d", ErrInvalidVolume, v.Width, v.Height, v.Depth)
	}
	if s.opts.MaxVoxels > 0 && v.Len() > s.opts.MaxVoxels {
		return fmt.Errorf("%w: %d voxels, limit %d", ErrResourceExhausted, v.Len(), s.opts.MaxVoxels)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("%w: expected %d voxels, got %d", ErrInvalidVolume, v.Len(), len(v.Data))
	}

	affine, err := NewAffine(v.Geometry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, err)
	}

	v.UpdateRange()
	s.vol = v
	s.affine = affine
	return nil
}

// Loaded reports whether a volume is installed.
func (s *Store) Loaded() bool {
	return s.vol != nil
}

// Volume returns the installed volume, or nil.
func (s *Store) Volume() *models.Volume {
	return s.vol
}

// Geometry returns the geometry of the installed volume.
func (s *Store) Geometry() models.Geometry {
	if s.vol == nil {
		return models.Geometry{}
	}
	return s.vol.Geometry
}

// Dims returns the grid dimensions.
func (s *Store) Dims() [3]int {
	return s.Geometry().Dims()
}

// Affine returns the index/physical mapping of the installed volume.
func (s *Store) Affine() *Affine {
	return s.affine
}

// Background returns the value used for out-of-bounds samples.
func (s *Store) Background() float64 {
	return s.opts.Background
}

// ToIndex maps a physical point to a continuous voxel index.
func (s *Store) ToIndex(p r3.Vec) r3.Vec {
	if s.affine == nil {
		return r3.Vec{}
	}
	return s.affine.ToIndex(p)
}

// ToPhysical maps a continuous voxel index to a physical point.
func (s *Store) ToPhysical(idx r3.Vec) r3.Vec {
	if s.affine == nil {
		return r3.Vec{}
	}
	return s.affine.ToPhysical(idx)
}

// Center returns the physical position of voxel (W/2, H/2, D/2).
func (s *Store) Center() r3.Vec {
	d := s.Dims()
	return s.ToPhysical(r3.Vec{X: float64(d[0] / 2), Y: float64(d[1] / 2), Z: float64(d[2] / 2)})
}

// Bounds returns the axis-aligned physical box enclosing the voxel centres
// of the grid's eight corners.
func (s *Store) Bounds() (lo, hi r3.Vec) {
	if s.vol == nil {
		return r3.Vec{}, r3.Vec{}
	}
	d := s.Dims()
	for i := 0; i < 8; i++ {
		idx := r3.Vec{
			X: float64((i & 1) * (d[0] - 1)),
			Y: float64((i >> 1 & 1) * (d[1] - 1)),
			Z: float64((i >> 2 & 1) * (d[2] - 1)),
		}
		p := s.ToPhysical(idx)
		if i == 0 {
			lo, hi = p, p
			continue
		}
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// Contains reports whether p lies inside the voxel grid bounding box.
func (s *Store) Contains(p r3.Vec) bool {
	if s.vol == nil {
		return false
	}
	idx := s.ToIndex(p)
	d := s.Dims()
	return within(idx.X, d[0]) && within(idx.Y, d[1]) && within(idx.Z, d[2])
}

// Clamp returns the point of the bounding box closest to p in index space.
// Points already inside are returned unchanged.
func (s *Store) Clamp(p r3.Vec) r3.Vec {
	if s.vol == nil {
		return p
	}
	idx := s.ToIndex(p)
	c, changed := s.ClampIndex(idx)
	if !changed {
		return p
	}
	return s.ToPhysical(c)
}

// ClampIndex clamps a continuous index into [0, dim-1] on every axis.
func (s *Store) ClampIndex(idx r3.Vec) (r3.Vec, bool) {
	d := s.Dims()
	x, cx := clampAxis(idx.X, d[0])
	y, cy := clampAxis(idx.Y, d[1])
	z, cz := clampAxis(idx.Z, d[2])
	return r3.Vec{X: x, Y: y, Z: z}, cx || cy || cz
}

// Indices returns the nearest voxel index of p on each axis, clamped into the grid.
func (s *Store) Indices(p r3.Vec) [3]int {
	idx := s.ToIndex(p)
	d := s.Dims()
	return [3]int{
		nearestIndex(idx.X, d[0]),
		nearestIndex(idx.Y, d[1]),
		nearestIndex(idx.Z, d[2]),
	}
}

// SliceIndex returns the nearest voxel index of p along one axis.
func (s *Store) SliceIndex(axis int, p r3.Vec) int {
	return s.Indices(p)[axis]
}

// Sample returns the value at physical point p. Points outside the bounding
// box yield the background value so slice images are always complete.
func (s *Store) Sample(p r3.Vec, mode InterpolationMode) float64 {
	if s.vol == nil {
		return s.opts.Background
	}
	return s.SampleIndex(s.affine.ToIndex(p), mode)
}

// SampleIndex returns the value at a continuous voxel index.
func (s *Store) SampleIndex(idx r3.Vec, mode InterpolationMode) float64 {
	v := s.vol
	if v == nil {
		return s.opts.Background
	}
	if !within(idx.X, v.Width) || !within(idx.Y, v.Height) || !within(idx.Z, v.Depth) {
		return s.opts.Background
	}

	if mode == Nearest {
		return v.At(nearestIndex(idx.X, v.Width), nearestIndex(idx.Y, v.Height), nearestIndex(idx.Z, v.Depth))
	}

	x0, x1, fx := bracket(idx.X, v.Width)
	y0, y1, fy := bracket(idx.Y, v.Height)
	z0, z1, fz := bracket(idx.Z, v.Depth)

	c00 := lerp(v.At(x0, y0, z0), v.At(x1, y0, z0), fx)
	c10 := lerp(v.At(x0, y1, z0), v.At(x1, y1, z0), fx)
	c01 := lerp(v.At(x0, y0, z1), v.At(x1, y0, z1), fx)
	c11 := lerp(v.At(x0, y1, z1), v.At(x1, y1, z1), fx)

	c0 := lerp(c00, c10, fy)
	c1 := lerp(c01, c11, fy)
	return lerp(c0, c1, fz)
}

// Voxel returns the nearest voxel to a continuous index, with ok false when
// idx lies outside the grid's bounding box. Discrete data (labels, masks)
// is looked up this way.
func Voxel(idx r3.Vec, dims [3]int) (x, y, z int, ok bool) {
	if !within(idx.X, dims[0]) || !within(idx.Y, dims[1]) || !within(idx.Z, dims[2]) {
		return 0, 0, 0, false
	}
	return nearestIndex(idx.X, dims[0]), nearestIndex(idx.Y, dims[1]), nearestIndex(idx.Z, dims[2]), true
}

// within accepts indices up to half a voxel outside the centre lattice,
// i.e. the physical extent covered by the voxels themselves.
func within(i float64, n int) bool {
	return i >= -0.5 && i <= float64(n)-0.5
}

func clampAxis(i float64, n int) (float64, bool) {
	if i < 0 {
		return 0, true
	}
	if hi := float64(n - 1); i > hi {
		return hi, true
	}
	return i, false
}

func nearestIndex(i float64, n int) int {
	r := int(math.Floor(i + 0.5))
	if r < 0 {
		return 0
	}
	if r >= n {
		return n - 1
	}
	return r
}

// bracket returns the two lattice indices around i and the blend weight.
func bracket(i float64, n int) (int, int, float64) {
	if i <= 0 {
		return 0, 0, 0
	}
	if hi := float64(n - 1); i >= hi {
		return n - 1, n - 1, 0
	}
	i0 := int(math.Floor(i))
	return i0, i0 + 1, i - float64(i0)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
