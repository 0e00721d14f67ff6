package roi

import (
	"math"
	"sort"
)

// Rasterize fills a polygon on a width×height pixel grid with the even-odd
// rule. Pixel (i, j) is sampled at its centre (i, j), the same coordinates a
// canonical view uses for voxel centres, and is inside when the centre lies
// in a half-open span [x0, x1) of the scanline. Edges are half-open in y so
// shared vertices are counted once.
func Rasterize(points []Point, width, height int) []bool {
	out := make([]bool, width*height)
	if len(points) < 3 || width <= 0 || height <= 0 {
		return out
	}

	minY, maxY := points[0].Y, points[0].Y
	for _, p := range points[1:] {
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	j0 := clampInt(int(math.Ceil(minY)), 0, height)
	j1 := clampInt(int(math.Ceil(maxY)), 0, height)

	xs := make([]float64, 0, len(points))
	for j := j0; j < j1; j++ {
		y := float64(j)
		xs = xs[:0]
		for k := range points {
			a := points[k]
			b := points[(k+1)%len(points)]
			if (a.Y <= y && b.Y > y) || (b.Y <= y && a.Y > y) {
				xs = append(xs, a.X+(y-a.Y)*(b.X-a.X)/(b.Y-a.Y))
			}
		}
		sort.Float64s(xs)

		row := out[j*width : (j+1)*width]
		for k := 0; k+1 < len(xs); k += 2 {
			i0 := clampInt(int(math.Ceil(xs[k])), 0, width)
			i1 := clampInt(int(math.Ceil(xs[k+1])), 0, width)
			for i := i0; i < i1; i++ {
				row[i] = true
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
