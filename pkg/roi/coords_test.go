package roi

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

func anisotropicGeometry() models.Geometry {
	g := models.NewGeometry(20, 30, 10)
	g.Spacing = r3.Vec{X: 0.5, Y: 2, Z: 3}
	g.Origin = r3.Vec{X: 10, Y: 20, Z: 30}
	return g
}

// TestFromPhysical verifies millimetre polygons are divided by the in-plane spacing
func TestFromPhysical(t *testing.T) {
	g := anisotropicGeometry()
	mm := []r3.Vec{
		{X: 11, Y: 24, Z: 45},
		{X: 11, Y: 40, Z: 45},
		{X: 15, Y: 40, Z: 45},
		{X: 15, Y: 24, Z: 45},
	}

	points, slice, err := FromPhysical(models.Axial, mm, g)
	if err != nil {
		t.Fatalf("Failed to convert polygon: %v", err)
	}
	if slice != 5 {
		t.Errorf("Expected axial slice 5, got %d", slice)
	}
	want := []Point{{2, 2}, {2, 10}, {10, 10}, {10, 2}}
	for i, p := range points {
		if math.Abs(p.X-want[i].X) > 1e-9 || math.Abs(p.Y-want[i].Y) > 1e-9 {
			t.Errorf("Expected point %d = %v, got %v", i, want[i], p)
		}
	}

	// On a coronal view the rows run along z
	points, slice, err = FromPhysical(models.Coronal, []r3.Vec{{X: 12, Y: 40, Z: 45}}, g)
	if err != nil {
		t.Fatalf("Failed to convert point: %v", err)
	}
	if slice != 10 || math.Abs(points[0].X-4) > 1e-9 || math.Abs(points[0].Y-5) > 1e-9 {
		t.Errorf("Expected (4,5) on coronal slice 10, got %v on %d", points[0], slice)
	}

	if _, _, err := FromPhysical(models.Axial, nil, g); !errors.Is(err, ErrROIInvalid) {
		t.Errorf("Expected ErrROIInvalid for an empty polygon, got %v", err)
	}
}

// TestToPhysicalRoundTrip verifies in-plane points map back to the same millimetres
func TestToPhysicalRoundTrip(t *testing.T) {
	g := anisotropicGeometry()
	for _, o := range []models.Orientation{models.Axial, models.Coronal, models.Sagittal} {
		p := Point{3.25, 7.5}
		mm, err := ToPhysical(o, 4, p, g)
		if err != nil {
			t.Fatalf("%v: failed to map point: %v", o, err)
		}
		back, slice, err := FromPhysical(o, []r3.Vec{mm}, g)
		if err != nil {
			t.Fatalf("%v: failed to convert point: %v", o, err)
		}
		if slice != 4 || math.Abs(back[0].X-p.X) > 1e-9 || math.Abs(back[0].Y-p.Y) > 1e-9 {
			t.Errorf("%v: expected %v on slice 4, got %v on %d", o, p, back[0], slice)
		}
	}
}

// TestPropagatePhysicalPolygon verifies a millimetre polygon covers the expected voxels
func TestPropagatePhysicalPolygon(t *testing.T) {
	g := anisotropicGeometry()
	// Edges half way between voxel centres: x 10.75..14.75 mm and
	// y 23..39 mm both cover voxels 2..9
	mm := []r3.Vec{{X: 10.75, Y: 23, Z: 45}, {X: 10.75, Y: 39, Z: 45}, {X: 14.75, Y: 39, Z: 45}, {X: 14.75, Y: 23, Z: 45}}
	points, slice, err := FromPhysical(models.Axial, mm, g)
	if err != nil {
		t.Fatalf("Failed to convert polygon: %v", err)
	}
	mask, err := Propagate(context.Background(), &ROI{Orientation: models.Axial, Slice: slice, Points: points}, g)
	if err != nil {
		t.Fatalf("Failed to propagate: %v", err)
	}
	if got, want := mask.Count(), 8*8*10; got != want {
		t.Errorf("Expected %d voxels, got %d", want, got)
	}
}
