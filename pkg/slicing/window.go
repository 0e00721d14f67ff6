package slicing

import (
	"image"
	"image/color"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Window is a display window (level/width) applied to raw intensities
type Window struct {
	Center float64
	Width  float64
}

// Apply maps an intensity into [0, 255]:
//
//	v' = clamp((v − center + width/2) / width × 255, 0, 255)
func (w Window) Apply(v float64) uint8 {
	width := w.Width
	if width <= 0 {
		width = 1
	}
	t := (v - w.Center + width/2) / width * 255
	if t <= 0 {
		return 0
	}
	if t >= 255 {
		return 255
	}
	return uint8(t + 0.5)
}

// RangeWindow returns the window spanning [lo, hi].
func RangeWindow(lo, hi float64) Window {
	return Window{Center: (lo + hi) / 2, Width: hi - lo}
}

// maxWindowSamples caps the number of voxels sorted by AutoWindow.
const maxWindowSamples = 1 << 18

// AutoWindow derives a window from the lo and hi quantiles (0..1) of data,
// which ignores the few extreme voxels that would otherwise flatten contrast.
// Large inputs are subsampled with a fixed stride.
func AutoWindow(data []float64, lo, hi float64) Window {
	if len(data) == 0 {
		return Window{Center: 0, Width: 1}
	}
	stride := len(data)/maxWindowSamples + 1
	sample := make([]float64, 0, len(data)/stride+1)
	for i := 0; i < len(data); i += stride {
		sample = append(sample, data[i])
	}
	sort.Float64s(sample)

	qlo := stat.Quantile(lo, stat.Empirical, sample, nil)
	qhi := stat.Quantile(hi, stat.Empirical, sample, nil)
	if qhi <= qlo {
		qlo, qhi = sample[0], sample[len(sample)-1]
	}
	if qhi <= qlo {
		return Window{Center: qlo, Width: 1}
	}
	return RangeWindow(qlo, qhi)
}

// Grayscale windows a slice into an 8-bit grayscale image.
func Grayscale(s *Slice, w Window) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for j := 0; j < s.Height; j++ {
		for i := 0; i < s.Width; i++ {
			img.SetGray(i, j, color.Gray{Y: w.Apply(s.At(i, j))})
		}
	}
	return img
}

// Render windows a slice and maps it through a colormap.
func Render(s *Slice, w Window, cm Colormap) *image.RGBA {
	lut := cm.Table()
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for j := 0; j < s.Height; j++ {
		for i := 0; i < s.Width; i++ {
			img.SetRGBA(i, j, lut[w.Apply(s.At(i, j))])
		}
	}
	return img
}
