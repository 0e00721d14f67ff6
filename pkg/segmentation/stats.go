package segmentation

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// LabelStats summarises one label of a segmentation
type LabelStats struct {
	Label  uint16
	Voxels int

	// VolumeMM3 is Voxels times the voxel volume
	VolumeMM3 float64

	// Centroid is the physical centre of mass of the label
	Centroid r3.Vec
}

// Labels returns the distinct non-background labels in ascending order.
func Labels(m *models.LabelVolume) []uint16 {
	seen := make(map[uint16]struct{})
	for _, l := range m.Data {
		if l != 0 {
			seen[l] = struct{}{}
		}
	}
	out := make([]uint16, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats computes voxel counts, volumes and centroids for every label.
func Stats(m *models.LabelVolume) []LabelStats {
	type acc struct {
		n   int
		sum r3.Vec
	}
	accs := make(map[uint16]*acc)
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			row := m.Index(0, y, z)
			for x := 0; x < m.Width; x++ {
				l := m.Data[row+x]
				if l == 0 {
					continue
				}
				a := accs[l]
				if a == nil {
					a = &acc{}
					accs[l] = a
				}
				a.n++
				a.sum = r3.Add(a.sum, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
			}
		}
	}

	voxel := m.Spacing.X * m.Spacing.Y * m.Spacing.Z
	out := make([]LabelStats, 0, len(accs))
	for l, a := range accs {
		out = append(out, LabelStats{
			Label:     l,
			Voxels:    a.n,
			VolumeMM3: float64(a.n) * voxel,
			Centroid:  m.IndexToPhysical(r3.Scale(1/float64(a.n), a.sum)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
