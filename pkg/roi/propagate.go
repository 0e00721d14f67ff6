package roi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// ErrEmptyMask is returned when extracting through a mask with no voxels set
var ErrEmptyMask = errors.New("mask is empty")

// Footprint rasterizes r on the in-plane grid of its orientation.
// The result is indexed [v*width + u] with width = dims[u axis].
func Footprint(r *ROI, g models.Geometry) (footprint []bool, width, height int) {
	ua, va := r.Orientation.InPlaneAxes()
	dims := g.Dims()
	width, height = dims[ua], dims[va]
	return Rasterize(r.Points, width, height), width, height
}

// Propagate turns r into a volume mask: the polygon is rasterized on its home
// slice and the footprint is extruded along the slice normal through the full
// extent of the volume, so the region is a prism through the volume.
// Slices are filled in parallel; the context is checked before each one and a
// canceled run returns no mask.
func Propagate(ctx context.Context, r *ROI, g models.Geometry) (*models.Mask, error) {
	if r == nil || len(r.Points) < 3 {
		return nil, ErrROIInvalid
	}
	footprint, width, _ := Footprint(r, g)

	mask := models.NewMask(g)
	ua, va := r.Orientation.InPlaneAxes()
	na := r.Orientation.NormalAxis()
	depth := g.Dims()[na]

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for k := 0; k < depth; k++ {
		k := k
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var idx [3]int
			idx[na] = k
			for f, in := range footprint {
				if !in {
					continue
				}
				idx[ua] = f % width
				idx[va] = f / width
				mask.Data[g.Index(idx[0], idx[1], idx[2])] = true
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return mask, nil
}

// ExtractVolume returns the part of vol inside the bounding box of mask.
// Voxels outside the mask are zeroed and the origin moves to the physical
// position of the box corner, so the sub-volume keeps its place in space.
func ExtractVolume(vol *models.Volume, mask *models.Mask) (*models.Volume, error) {
	if vol == nil || mask == nil {
		return nil, fmt.Errorf("%w: nil input", ErrEmptyMask)
	}
	if vol.Dims() != mask.Dims() {
		return nil, fmt.Errorf("mask dimensions %v do not match volume %v", mask.Dims(), vol.Dims())
	}
	lo, hi, ok := mask.BoundingBox()
	if !ok {
		return nil, ErrEmptyMask
	}

	out := models.NewVolume(hi[0]-lo[0]+1, hi[1]-lo[1]+1, hi[2]-lo[2]+1)
	out.Spacing = vol.Spacing
	out.Direction = vol.Direction
	out.Origin = vol.IndexToPhysical(r3.Vec{X: float64(lo[0]), Y: float64(lo[1]), Z: float64(lo[2])})
	out.Metadata = make(map[string]string, len(vol.Metadata))
	for k, v := range vol.Metadata {
		out.Metadata[k] = v
	}

	for z := 0; z < out.Depth; z++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				src := vol.Index(x+lo[0], y+lo[1], z+lo[2])
				if mask.Data[src] {
					out.Set(x, y, z, vol.Data[src])
				}
			}
		}
	}
	out.UpdateRange()
	return out, nil
}
