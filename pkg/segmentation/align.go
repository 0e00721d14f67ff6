// Package segmentation aligns label volumes to the loaded intensity volume
// and draws them over slice images.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
	"mprengine/pkg/volume"
)

var (
	// ErrEmptyMask is returned when a non-empty mask loses every label during alignment,
	// which means it does not overlap the volume at all.
	ErrEmptyMask = errors.New("aligned mask is empty")

	// ErrInvalidMask is returned for label volumes with inconsistent data
	ErrInvalidMask = errors.New("invalid segmentation mask")
)

// geometryTolerance is the largest difference in spacing, origin or direction
// for two grids to count as identical.
const geometryTolerance = 1e-6

func validate(m *models.LabelVolume) error {
	if m == nil {
		return fmt.Errorf("%w: nil mask", ErrInvalidMask)
	}
	if m.Width <= 0 || m.Height <= 0 || m.Depth <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %v", ErrInvalidMask, m.Dims())
	}
	if len(m.Data) != m.Len() {
		return fmt.Errorf("%w: expected %d labels, got %d", ErrInvalidMask, m.Len(), len(m.Data))
	}
	return nil
}

// Align returns src resampled onto the target grid. Each target voxel takes
// the label of the source voxel nearest to the same physical point, so labels
// are never blended. A mask already on the target grid is returned with the
// target geometry copied over exactly.
func Align(ctx context.Context, src *models.LabelVolume, target models.Geometry) (*models.LabelVolume, error) {
	if err := validate(src); err != nil {
		return nil, err
	}
	if src.Geometry.Equal(target, geometryTolerance) {
		out := &models.LabelVolume{Geometry: target, Data: src.Data}
		return out, nil
	}

	affine, err := volume.NewAffine(src.Geometry)
	if err != nil {
		return nil, fmt.Errorf("failed to map mask geometry: %w", err)
	}
	dims := src.Dims()

	return resample(ctx, src, target, func(idx r3.Vec) r3.Vec {
		return affine.ToIndex(target.IndexToPhysical(idx))
	}, dims)
}

// FitToExtent stretches src over the target grid in index space, ignoring
// the physical geometry of src. It is meant for masks saved without a usable
// geometry (image stacks, unit-spacing exports) that cover the same field of
// view as the volume.
func FitToExtent(ctx context.Context, src *models.LabelVolume, target models.Geometry) (*models.LabelVolume, error) {
	if err := validate(src); err != nil {
		return nil, err
	}
	dims := src.Dims()
	tdims := target.Dims()
	scale := r3.Vec{
		X: float64(dims[0]) / float64(tdims[0]),
		Y: float64(dims[1]) / float64(tdims[1]),
		Z: float64(dims[2]) / float64(tdims[2]),
	}
	return resample(ctx, src, target, func(idx r3.Vec) r3.Vec {
		return r3.Vec{
			X: (idx.X+0.5)*scale.X - 0.5,
			Y: (idx.Y+0.5)*scale.Y - 0.5,
			Z: (idx.Z+0.5)*scale.Z - 0.5,
		}
	}, dims)
}

// resample fills a target-shaped label volume slab by slab.
func resample(ctx context.Context, src *models.LabelVolume, target models.Geometry, toSource func(r3.Vec) r3.Vec, dims [3]int) (*models.LabelVolume, error) {
	out := models.NewLabelVolume(target)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for z := 0; z < target.Depth; z++ {
		z := z
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for y := 0; y < target.Height; y++ {
				row := target.Index(0, y, z)
				for x := 0; x < target.Width; x++ {
					idx := toSource(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
					sx, sy, sz, ok := volume.Voxel(idx, dims)
					if !ok {
						continue
					}
					out.Data[row+x] = src.Data[src.Index(sx, sy, sz)]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if out.NonZero() == 0 && src.NonZero() > 0 {
		return nil, ErrEmptyMask
	}
	return out, nil
}

// LabelSampler looks up labels at physical points with nearest-neighbour
// sampling. It satisfies slicing.Sampler, so label slices are extracted
// through the same planes as the intensity views.
type LabelSampler struct {
	labels *models.LabelVolume
	affine *volume.Affine
}

// NewLabelSampler creates a sampler over labels.
func NewLabelSampler(labels *models.LabelVolume) (*LabelSampler, error) {
	if err := validate(labels); err != nil {
		return nil, err
	}
	affine, err := volume.NewAffine(labels.Geometry)
	if err != nil {
		return nil, err
	}
	return &LabelSampler{labels: labels, affine: affine}, nil
}

// Sample returns the label at p, or 0 outside the grid. The mode is ignored.
func (s *LabelSampler) Sample(p r3.Vec, _ volume.InterpolationMode) float64 {
	x, y, z, ok := volume.Voxel(s.affine.ToIndex(p), s.labels.Dims())
	if !ok {
		return 0
	}
	return float64(s.labels.Data[s.labels.Index(x, y, z)])
}

// Labels returns the volume the sampler reads.
func (s *LabelSampler) Labels() *models.LabelVolume {
	return s.labels
}

// labelAt rounds a sampled value back to a label.
func labelAt(v float64) uint16 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v + 0.5)
}
