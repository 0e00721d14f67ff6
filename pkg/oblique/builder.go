// Package oblique builds rotated cutting planes anchored at the cursor.
package oblique

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// ErrGeometryDegenerate is returned when a rotated basis collapses.
// The builder keeps its previous plane when this happens.
var ErrGeometryDegenerate = errors.New("degenerate plane basis")

const degenerateEps = 1e-9

// WrapAngle maps an angle in degrees into (-180, 180].
func WrapAngle(deg float64) float64 {
	a := math.Mod(deg, 360)
	if a <= -180 {
		a += 360
	} else if a > 180 {
		a -= 360
	}
	return a
}

// Build returns the plane obtained by rotating the canonical basis of base
// about the volume's X axis by angleX and then about its Y axis by angleY,
// anchored at cursor. The rotation order is fixed; X then Y is not the same
// plane as Y then X.
func Build(g models.Geometry, base models.Orientation, angleX, angleY float64, cursor r3.Vec) (models.Plane, error) {
	if math.IsNaN(angleX) || math.IsInf(angleX, 0) || math.IsNaN(angleY) || math.IsInf(angleY, 0) {
		return models.Plane{}, fmt.Errorf("%w: non-finite angles (%v, %v)", ErrGeometryDegenerate, angleX, angleY)
	}
	angleX, angleY = WrapAngle(angleX), WrapAngle(angleY)

	ua, va := base.InPlaneAxes()
	u, v := g.Axis(ua), g.Axis(va)

	rx := r3.NewRotation(radians(angleX), g.Axis(0))
	u, v = rx.Rotate(u), rx.Rotate(v)
	ry := r3.NewRotation(radians(angleY), g.Axis(1))
	u, v = ry.Rotate(u), ry.Rotate(v)

	u, v, err := orthonormalize(u, v)
	if err != nil {
		return models.Plane{}, err
	}

	return models.Plane{
		Anchor:      cursor,
		U:           u,
		V:           v,
		Normal:      r3.Cross(u, v),
		Orientation: base,
		Oblique:     true,
		AngleX:      angleX,
		AngleY:      angleY,
	}, nil
}

// orthonormalize applies Gram-Schmidt to (u, v) so that rounding error from
// repeated rotations never accumulates into a skewed basis.
func orthonormalize(u, v r3.Vec) (r3.Vec, r3.Vec, error) {
	nu := r3.Norm(u)
	if nu < degenerateEps {
		return u, v, fmt.Errorf("%w: zero-length U", ErrGeometryDegenerate)
	}
	u = r3.Scale(1/nu, u)

	v = r3.Sub(v, r3.Scale(r3.Dot(v, u), u))
	nv := r3.Norm(v)
	if nv < degenerateEps {
		return u, v, fmt.Errorf("%w: U and V are parallel", ErrGeometryDegenerate)
	}
	return u, r3.Scale(1/nv, v), nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Builder tracks the oblique plane of one view.
// It always holds a valid plane: a failed update leaves the last good one.
type Builder struct {
	geom  models.Geometry
	plane models.Plane
}

// NewBuilder starts an unrotated oblique plane of orientation base at cursor.
func NewBuilder(g models.Geometry, base models.Orientation, cursor r3.Vec) (*Builder, error) {
	p, err := Build(g, base, 0, 0, cursor)
	if err != nil {
		return nil, err
	}
	return &Builder{geom: g, plane: p}, nil
}

// Plane returns the current plane.
func (b *Builder) Plane() models.Plane {
	return b.plane
}

// Angles returns the current rotation angles in degrees.
func (b *Builder) Angles() (angleX, angleY float64) {
	return b.plane.AngleX, b.plane.AngleY
}

// Update sets absolute angles and re-anchors at cursor.
func (b *Builder) Update(angleX, angleY float64, cursor r3.Vec) (models.Plane, error) {
	return b.rebuild(b.plane.Orientation, angleX, angleY, cursor)
}

// Nudge adds angle increments to the current rotation.
func (b *Builder) Nudge(dx, dy float64) (models.Plane, error) {
	return b.rebuild(b.plane.Orientation, b.plane.AngleX+dx, b.plane.AngleY+dy, b.plane.Anchor)
}

// SetBase switches the canonical basis the rotation starts from, keeping the angles.
func (b *Builder) SetBase(base models.Orientation) (models.Plane, error) {
	return b.rebuild(base, b.plane.AngleX, b.plane.AngleY, b.plane.Anchor)
}

// Recenter moves the plane to pass through cursor without changing its basis.
func (b *Builder) Recenter(cursor r3.Vec) models.Plane {
	b.plane.Anchor = cursor
	return b.plane
}

func (b *Builder) rebuild(base models.Orientation, angleX, angleY float64, cursor r3.Vec) (models.Plane, error) {
	p, err := Build(b.geom, base, angleX, angleY, cursor)
	if err != nil {
		return b.plane, err
	}
	b.plane = p
	return p, nil
}
