package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// ErrDegenerateGeometry is returned when a geometry cannot be inverted
// (zero spacing or a singular direction matrix).
var ErrDegenerateGeometry = errors.New("degenerate volume geometry")

// Affine maps between continuous voxel indices and physical points for one geometry.
// The inverse is computed once so repeated ToIndex calls are a matrix-vector product.
type Affine struct {
	geom models.Geometry
	inv  [9]float64
}

// NewAffine builds the index/physical mapping for g.
func NewAffine(g models.Geometry) (*Affine, error) {
	if g.Spacing.X <= 0 || g.Spacing.Y <= 0 || g.Spacing.Z <= 0 {
		return nil, fmt.Errorf("%w: spacing must be positive, got %v", ErrDegenerateGeometry, g.Spacing)
	}

	// M = Direction · diag(Spacing)
	d := g.Direction
	s := [3]float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, d[r*3+c]*s[c])
		}
	}

	if det := mat.Det(m); math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return nil, fmt.Errorf("%w: direction matrix is singular", ErrDegenerateGeometry)
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		// mat reports ill-conditioning as a Condition error while still
		// producing a usable inverse; anything else is fatal.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
		}
	}

	a := &Affine{geom: g}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.inv[r*3+c] = inv.At(r, c)
		}
	}
	return a, nil
}

// Geometry returns the geometry the mapping was built for.
func (a *Affine) Geometry() models.Geometry {
	return a.geom
}

// ToPhysical maps a continuous voxel index to a physical point.
func (a *Affine) ToPhysical(idx r3.Vec) r3.Vec {
	return a.geom.IndexToPhysical(idx)
}

// ToIndex maps a physical point to a continuous voxel index.
func (a *Affine) ToIndex(p r3.Vec) r3.Vec {
	q := r3.Sub(p, a.geom.Origin)
	m := a.inv
	return r3.Vec{
		X: m[0]*q.X + m[1]*q.Y + m[2]*q.Z,
		Y: m[3]*q.X + m[4]*q.Y + m[5]*q.Z,
		Z: m[6]*q.X + m[7]*q.Y + m[8]*q.Z,
	}
}
