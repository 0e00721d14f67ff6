package volume

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"mprengine/internal/models"
)

// entropyBins is the histogram size used for Shannon entropy
const entropyBins = 256

// Summary describes the intensity distribution of a volume
type Summary struct {
	Voxels int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64

	// Entropy is the Shannon entropy in bits of a 256-bin histogram over [Min, Max]
	Entropy float64

	// PhysicalVolume is the volume covered by the voxel grid in mm³
	PhysicalVolume float64
}

// Summarize computes intensity statistics of vol.
func Summarize(vol *models.Volume) Summary {
	s := Summary{Voxels: len(vol.Data)}
	sp := vol.Spacing
	s.PhysicalVolume = float64(vol.Len()) * sp.X * sp.Y * sp.Z
	if len(vol.Data) == 0 {
		return s
	}

	s.Min, s.Max = minMax(vol.Data)
	s.Mean, s.StdDev = stat.MeanStdDev(vol.Data, nil)
	if len(vol.Data) == 1 {
		s.StdDev = 0
	}
	s.Entropy = Entropy(vol.Data)
	return s
}

// Entropy returns the Shannon entropy in bits of data binned into 256
// equal-width bins. Constant data has zero entropy.
func Entropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	lo, hi := minMax(data)
	if hi <= lo {
		return 0
	}

	var hist [entropyBins]int
	binWidth := (hi - lo) / entropyBins
	for _, v := range data {
		bin := int((v - lo) / binWidth)
		if bin >= entropyBins {
			bin = entropyBins - 1
		} else if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := float64(count) / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func minMax(data []float64) (lo, hi float64) {
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
