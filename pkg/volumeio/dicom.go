package volumeio

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// DICOMSeries imports a directory of single-frame DICOM files belonging to
// one series. Slices are ordered by their position along the slice normal,
// falling back to InstanceNumber when positions are missing.
type DICOMSeries struct {
	// MaxVoxels rejects series with more voxels (0 = unlimited)
	MaxVoxels int
}

// dicomSlice is one parsed file of a series
type dicomSlice struct {
	pixels    []float64
	rows      int
	cols      int
	position  r3.Vec
	hasPos    bool
	instance  int
	rowDir    r3.Vec
	colDir    r3.Vec
	hasOrient bool
	spacing   [2]float64 // row spacing (y), column spacing (x)
	thickness float64
	meta      map[string]string
}

// Import reads every .dcm file in dir into one volume.
func (d DICOMSeries) Import(ctx context.Context, dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var slices []*dicomSlice
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".dcm" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := readDICOMSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", e.Name(), err)
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM files found in %s", dir)
	}

	first := slices[0]
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("mixed slice sizes in series: %dx%d and %dx%d", first.cols, first.rows, s.cols, s.rows)
		}
	}

	normal := r3.Vec{Z: 1}
	if first.hasOrient {
		normal = r3.Unit(r3.Cross(first.rowDir, first.colDir))
	}
	sort.SliceStable(slices, func(i, j int) bool {
		a, b := slices[i], slices[j]
		if a.hasPos && b.hasPos {
			return r3.Dot(a.position, normal) < r3.Dot(b.position, normal)
		}
		return a.instance < b.instance
	})
	first = slices[0]

	if err := checkBudget(int64(first.cols)*int64(first.rows)*int64(len(slices)), d.MaxVoxels); err != nil {
		return nil, err
	}
	vol := models.NewVolume(first.cols, first.rows, len(slices))
	plane := first.cols * first.rows
	for z, s := range slices {
		copy(vol.Data[z*plane:(z+1)*plane], s.pixels)
	}

	vol.Spacing = r3.Vec{X: first.spacing[1], Y: first.spacing[0], Z: sliceSpacing(slices, normal)}
	if first.hasOrient {
		x, y := r3.Unit(first.rowDir), r3.Unit(first.colDir)
		vol.Direction = [9]float64{
			x.X, y.X, normal.X,
			x.Y, y.Y, normal.Y,
			x.Z, y.Z, normal.Z,
		}
	}
	if first.hasPos {
		vol.Origin = first.position
	}
	vol.Metadata = first.meta
	vol.Metadata["format"] = "dicom"
	vol.UpdateRange()
	return vol, nil
}

// sliceSpacing measures the distance between the first two slices along the
// normal, using SliceThickness when positions are unavailable.
func sliceSpacing(slices []*dicomSlice, normal r3.Vec) float64 {
	if len(slices) > 1 && slices[0].hasPos && slices[1].hasPos {
		d := math.Abs(r3.Dot(r3.Sub(slices[1].position, slices[0].position), normal))
		if d > 1e-6 {
			return d
		}
	}
	if slices[0].thickness > 0 {
		return slices[0].thickness
	}
	return 1
}

func readDICOMSlice(path string) (*dicomSlice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	s := &dicomSlice{
		spacing: [2]float64{1, 1},
		meta:    make(map[string]string),
	}

	if v, ok := floats(&ds, tag.ImagePositionPatient); ok && len(v) == 3 {
		s.position = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		s.hasPos = true
	}
	if v, ok := floats(&ds, tag.ImageOrientationPatient); ok && len(v) == 6 {
		s.rowDir = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		s.colDir = r3.Vec{X: v[3], Y: v[4], Z: v[5]}
		s.hasOrient = r3.Norm(r3.Cross(s.rowDir, s.colDir)) > 1e-6
	}
	if v, ok := floats(&ds, tag.PixelSpacing); ok && len(v) == 2 && v[0] > 0 && v[1] > 0 {
		s.spacing = [2]float64{v[0], v[1]}
	}
	if v, ok := floats(&ds, tag.SliceThickness); ok && len(v) == 1 {
		s.thickness = v[0]
	}
	if v, ok := floats(&ds, tag.InstanceNumber); ok && len(v) == 1 {
		s.instance = int(v[0])
	}
	slope, intercept := 1.0, 0.0
	if v, ok := floats(&ds, tag.RescaleSlope); ok && len(v) == 1 && v[0] != 0 {
		slope = v[0]
	}
	if v, ok := floats(&ds, tag.RescaleIntercept); ok && len(v) == 1 {
		intercept = v[0]
	}
	for name, t := range map[string]tag.Tag{
		"modality":           tag.Modality,
		"series_description": tag.SeriesDescription,
		"body_part":          tag.BodyPartExamined,
	} {
		if v, ok := stringsOf(&ds, t); ok && len(v) > 0 && v[0] != "" {
			s.meta[name] = strings.TrimSpace(v[0])
		}
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %v", err)
	}
	info := dicom.MustGetPixelDataInfo(elem.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("pixel data has no frames")
	}

	stored := samples{}
	if v, ok := floats(&ds, tag.PixelRepresentation); ok && len(v) == 1 {
		stored.signed = v[0] == 1
	}
	if v, ok := floats(&ds, tag.BitsStored); ok && len(v) == 1 {
		stored.bits = int(v[0])
	}

	f := info.Frames[0]
	if !f.IsEncapsulated() {
		native, err := f.GetNativeFrame()
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame: %v", err)
		}
		if stored.bits <= 0 || stored.bits > native.BitsPerSample {
			stored.bits = native.BitsPerSample
		}
		s.cols, s.rows = native.Cols, native.Rows
		if len(native.Data) != s.cols*s.rows {
			return nil, fmt.Errorf("frame holds %d pixels, expected %dx%d", len(native.Data), s.cols, s.rows)
		}
		s.pixels = make([]float64, s.cols*s.rows)
		for i, px := range native.Data {
			if len(px) == 0 {
				return nil, fmt.Errorf("pixel %d has no samples", i)
			}
			s.pixels[i] = stored.value(px[0])*slope + intercept
		}
		return s, nil
	}

	img, err := f.GetImage()
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %v", err)
	}
	b := img.Bounds()
	s.cols, s.rows = b.Dx(), b.Dy()
	s.pixels = make([]float64, s.cols*s.rows)
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			s.pixels[y*s.cols+x] = grayValue(img, b.Min.X+x, b.Min.Y+y)*slope + intercept
		}
	}
	return s, nil
}

// samples describes how raw pixel words are interpreted
type samples struct {
	bits   int
	signed bool
}

// value keeps the low BitsStored bits of raw and sign-extends them for
// two's-complement data (PixelRepresentation 1).
func (p samples) value(raw int) float64 {
	if p.bits <= 0 || p.bits >= 63 {
		return float64(raw)
	}
	v := raw & (1<<p.bits - 1)
	if p.signed && v&(1<<(p.bits-1)) != 0 {
		v -= 1 << p.bits
	}
	return float64(v)
}

// grayValue returns the stored sample value of a decoded frame pixel.
func grayValue(img image.Image, x, y int) float64 {
	switch g := img.(type) {
	case *image.Gray16:
		return float64(g.Gray16At(x, y).Y)
	case *image.Gray:
		return float64(g.GrayAt(x, y).Y)
	}
	r, _, _, _ := img.At(x, y).RGBA()
	return float64(r >> 8)
}

// stringsOf reads a string-valued element.
func stringsOf(ds *dicom.Dataset, t tag.Tag) ([]string, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	v, ok := elem.Value.GetValue().([]string)
	return v, ok
}

// floats reads a decimal or integer string element (DS, IS) as numbers.
func floats(ds *dicom.Dataset, t tag.Tag) ([]float64, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	if ints, ok := elem.Value.GetValue().([]int); ok {
		out := make([]float64, len(ints))
		for i, v := range ints {
			out[i] = float64(v)
		}
		return out, true
	}
	raw, ok := elem.Value.GetValue().([]string)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}
