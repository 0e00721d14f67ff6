package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Orientation identifies one of the three canonical viewing directions
type Orientation int

const (
	Axial Orientation = iota
	Coronal
	Sagittal
)

// Orientations lists the canonical orientations in display order.
var Orientations = []Orientation{Axial, Coronal, Sagittal}

func (o Orientation) String() string {
	switch o {
	case Axial:
		return "axial"
	case Coronal:
		return "coronal"
	case Sagittal:
		return "sagittal"
	default:
		return fmt.Sprintf("orientation(%d)", int(o))
	}
}

// ParseOrientation accepts the orientation name or its axis letter
// (z for axial, y for coronal, x for sagittal).
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "axial", "z":
		return Axial, nil
	case "coronal", "y":
		return Coronal, nil
	case "sagittal", "x":
		return Sagittal, nil
	}
	return 0, fmt.Errorf("invalid orientation: %s (must be axial, coronal or sagittal)", s)
}

// NormalAxis is the index axis a view of this orientation slices through.
// Axial views are stacked along z, coronal along y and sagittal along x.
func (o Orientation) NormalAxis() int {
	switch o {
	case Coronal:
		return 1
	case Sagittal:
		return 0
	default:
		return 2
	}
}

// InPlaneAxes returns the index axes mapped to the image columns (u) and rows (v).
func (o Orientation) InPlaneAxes() (u, v int) {
	switch o {
	case Coronal:
		return 0, 2
	case Sagittal:
		return 1, 2
	default:
		return 0, 1
	}
}

// Plane is a cutting plane through the volume.
//
// Anchor is the point the plane passes through; U and V are orthonormal
// in-plane directions and Normal = U × V. Canonical planes are anchored at
// the cursor with fixed bases; oblique planes carry rotated bases.
type Plane struct {
	Anchor r3.Vec
	U      r3.Vec
	V      r3.Vec
	Normal r3.Vec

	// Orientation is the canonical orientation, or the base orientation of an oblique plane
	Orientation Orientation

	// Oblique is true for rotated planes
	Oblique bool

	// AngleX and AngleY are the rotation angles in degrees for oblique planes
	AngleX float64
	AngleY float64
}
