// Package slicing renders 2D images of arbitrary planes through a volume.
package slicing

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
	"mprengine/pkg/volume"
)

// DataKind tells the extractor what the sampled values mean
type DataKind int

const (
	// Intensity data is continuous and sampled trilinearly
	Intensity DataKind = iota

	// Label data is discrete and sampled with nearest neighbour
	Label
)

// Mode returns the interpolation mode appropriate for the data kind.
func (k DataKind) Mode() volume.InterpolationMode {
	if k == Label {
		return volume.Nearest
	}
	return volume.Trilinear
}

// Sampler returns a value for a physical point. *volume.Store implements it.
type Sampler interface {
	Sample(p r3.Vec, mode volume.InterpolationMode) float64
}

// Grid places the output pixels on a plane.
//
// Pixel (i, j) is sampled at
//
//	plane.Anchor + (i·SpacingU − OffsetU)·plane.U + (j·SpacingV − OffsetV)·plane.V
type Grid struct {
	Width, Height int

	// SpacingU and SpacingV are the physical pixel sizes along U and V
	SpacingU, SpacingV float64

	// OffsetU and OffsetV position the anchor inside the image
	OffsetU, OffsetV float64
}

// CenteredGrid returns a square-pixel grid with the plane anchor at the image center.
func CenteredGrid(width, height int, pixelSpacing float64) Grid {
	return Grid{
		Width:    width,
		Height:   height,
		SpacingU: pixelSpacing,
		SpacingV: pixelSpacing,
		OffsetU:  float64(width) / 2 * pixelSpacing,
		OffsetV:  float64(height) / 2 * pixelSpacing,
	}
}

// Point returns the physical sample position of pixel (i, j).
func (g Grid) Point(plane models.Plane, i, j int) r3.Vec {
	du := float64(i)*g.SpacingU - g.OffsetU
	dv := float64(j)*g.SpacingV - g.OffsetV
	return r3.Add(plane.Anchor, r3.Add(r3.Scale(du, plane.U), r3.Scale(dv, plane.V)))
}

// Slice is a 2D grid of sampled values
type Slice struct {
	Width, Height int

	// Data holds the samples row by row
	Data []float64

	// Plane and Grid record where the samples came from
	Plane models.Plane
	Grid  Grid
}

// At returns the sample at pixel (i, j).
func (s *Slice) At(i, j int) float64 {
	return s.Data[j*s.Width+i]
}

// Extractor samples planes through a volume
type Extractor struct {
	sampler Sampler
	workers int
}

// NewExtractor creates an extractor over sampler. workers <= 0 uses all CPUs.
func NewExtractor(sampler Sampler, workers int) *Extractor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Extractor{sampler: sampler, workers: workers}
}

// Extract renders plane on grid. Rows are sampled in parallel; the context is
// checked between rows so a superseded extraction stops early. Points off the
// volume take the sampler's background value, so extraction only fails when
// the context is canceled or the grid is empty.
func (e *Extractor) Extract(ctx context.Context, plane models.Plane, grid Grid, kind DataKind) (*Slice, error) {
	if grid.Width <= 0 || grid.Height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", grid.Width, grid.Height)
	}

	out := &Slice{
		Width:  grid.Width,
		Height: grid.Height,
		Data:   make([]float64, grid.Width*grid.Height),
		Plane:  plane,
		Grid:   grid,
	}
	mode := kind.Mode()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	// Divide rows into one band per worker
	band := (grid.Height + e.workers - 1) / e.workers
	for start := 0; start < grid.Height; start += band {
		end := start + band
		if end > grid.Height {
			end = grid.Height
		}
		start := start
		g.Go(func() error {
			for j := start; j < end; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				row := out.Data[j*grid.Width : (j+1)*grid.Width]
				for i := range row {
					row[i] = e.sampler.Sample(grid.Point(plane, i, j), mode)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
