package roi

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
	"mprengine/pkg/volume"
)

// FromPhysical converts a polygon given in physical millimetres into the
// in-plane voxel coordinates of orientation o. Each point is mapped through
// the inverse affine of g and keeps its continuous index on the two in-plane
// axes, so u = index along the first in-plane axis (physical offset divided by
// that axis' spacing on an axis-aligned grid). The returned slice is the mean
// normal-axis index of the points, rounded to the nearest voxel.
func FromPhysical(o models.Orientation, points []r3.Vec, g models.Geometry) ([]Point, int, error) {
	if len(points) == 0 {
		return nil, 0, fmt.Errorf("%w: empty polygon", ErrROIInvalid)
	}
	aff, err := volume.NewAffine(g)
	if err != nil {
		return nil, 0, err
	}
	ua, va := o.InPlaneAxes()
	na := o.NormalAxis()

	out := make([]Point, len(points))
	var depth float64
	for i, p := range points {
		idx := axes(aff.ToIndex(p))
		out[i] = Point{X: idx[ua], Y: idx[va]}
		depth += idx[na]
	}
	return out, int(math.Floor(depth/float64(len(points)) + 0.5)), nil
}

// ToPhysical maps an in-plane point on slice of orientation o back into
// physical space.
func ToPhysical(o models.Orientation, slice int, p Point, g models.Geometry) (r3.Vec, error) {
	aff, err := volume.NewAffine(g)
	if err != nil {
		return r3.Vec{}, err
	}
	ua, va := o.InPlaneAxes()
	var idx [3]float64
	idx[ua], idx[va], idx[o.NormalAxis()] = p.X, p.Y, float64(slice)
	return aff.ToPhysical(r3.Vec{X: idx[0], Y: idx[1], Z: idx[2]}), nil
}

func axes(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
