package slicing

import (
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// Space exposes the volume geometry needed to lay out canonical views.
type Space interface {
	Geometry() models.Geometry
	ToIndex(p r3.Vec) r3.Vec
}

// CanonicalPlane returns the plane and pixel grid of a canonical view through
// cursor. Axial is the XY plane at cursor.z, coronal the XZ plane at cursor.y
// and sagittal the YZ plane at cursor.x. The grid is laid out so that pixel
// (i, j) lands exactly on voxel i of the U axis and voxel j of the V axis.
func CanonicalPlane(space Space, o models.Orientation, cursor r3.Vec) (models.Plane, Grid) {
	g := space.Geometry()
	ua, va := o.InPlaneAxes()
	idx := space.ToIndex(cursor)
	dims := g.Dims()

	u := g.Axis(ua)
	v := g.Axis(va)
	plane := models.Plane{
		Anchor:      cursor,
		U:           u,
		V:           v,
		Normal:      r3.Cross(u, v),
		Orientation: o,
	}

	su, sv := g.AxisSpacing(ua), g.AxisSpacing(va)
	grid := Grid{
		Width:    dims[ua],
		Height:   dims[va],
		SpacingU: su,
		SpacingV: sv,
		OffsetU:  component(idx, ua) * su,
		OffsetV:  component(idx, va) * sv,
	}
	return plane, grid
}

// ObliqueGrid sizes a centred grid large enough to show the whole volume at
// its finest spacing along any rotated plane.
func ObliqueGrid(g models.Geometry) Grid {
	ps := g.Spacing.X
	if g.Spacing.Y < ps {
		ps = g.Spacing.Y
	}
	if g.Spacing.Z < ps {
		ps = g.Spacing.Z
	}
	ext := r3.Vec{
		X: float64(g.Width) * g.Spacing.X,
		Y: float64(g.Height) * g.Spacing.Y,
		Z: float64(g.Depth) * g.Spacing.Z,
	}
	n := int(r3.Norm(ext)/ps + 0.5)
	if n < 1 {
		n = 1
	}
	return CenteredGrid(n, n, ps)
}

func component(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}
