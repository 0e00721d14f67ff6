package volumeio

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// ImageStack imports a directory of 2D grayscale images as consecutive
// slices. Image files carry no geometry, so the spacing comes from the
// importer settings.
type ImageStack struct {
	// PixelSpacing is the in-plane pixel size in mm
	PixelSpacing float64

	// SliceGap represents the physical distance between consecutive slices in mm
	SliceGap float64

	// MaxVoxels rejects stacks with more voxels (0 = unlimited)
	MaxVoxels int
}

// DefaultImageStack uses 1 mm pixels and a 1 mm slice gap.
func DefaultImageStack() ImageStack {
	return ImageStack{PixelSpacing: 1, SliceGap: 1}
}

func isImageExt(ext string) bool {
	return ext == ".jpg" || ext == ".jpeg" || ext == ".png"
}

// Import loads the stack; voxel values are the 8-bit gray levels.
func (s ImageStack) Import(ctx context.Context, dir string) (*models.Volume, error) {
	slices, err := s.loadSlices(ctx, dir)
	if err != nil {
		return nil, err
	}

	bounds := slices[0].Image.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if err := checkBudget(int64(width)*int64(height)*int64(len(slices)), s.MaxVoxels); err != nil {
		return nil, err
	}
	vol := models.NewVolume(width, height, len(slices))
	vol.Spacing = r3.Vec{X: positive(s.PixelSpacing), Y: positive(s.PixelSpacing), Z: positive(s.SliceGap)}
	vol.Metadata = map[string]string{"format": "image-stack", "first_slice": slices[0].Filename}

	for z, sl := range slices {
		b := sl.Image.Bounds()
		if b.Dx() != width || b.Dy() != height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", sl.Filename, b.Dx(), b.Dy(), width, height)
		}
		imageToFloat(sl.Image, vol.Data[z*width*height:(z+1)*width*height])
	}
	vol.UpdateRange()
	return vol, nil
}

// ImportLabels loads the stack as labels, one gray level per label.
func (s ImageStack) ImportLabels(ctx context.Context, dir string) (*models.LabelVolume, error) {
	vol, err := s.Import(ctx, dir)
	if err != nil {
		return nil, err
	}
	return toLabels(vol), nil
}

// loadSlices reads every image in dir ordered by the number in its filename.
func (s ImageStack) loadSlices(ctx context.Context, dir string) ([]models.Slice, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, e := range entries {
		if !e.IsDir() && isImageExt(strings.ToLower(filepath.Ext(e.Name()))) {
			imageFiles = append(imageFiles, e.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("no JPG or PNG images found in %s", dir)
	}

	// Sort by the number embedded in each filename to keep anatomical order
	sort.SliceStable(imageFiles, func(i, j int) bool {
		return extractNumber(imageFiles[i]) < extractNumber(imageFiles[j])
	})

	slices := make([]models.Slice, 0, len(imageFiles))
	for i, filename := range imageFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := loadImage(filepath.Join(dir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %v", filename, err)
		}
		slices = append(slices, models.Slice{
			Image:     img,
			Index:     i,
			Filename:  filename,
			Thickness: positive(s.SliceGap),
			Position:  float64(i) * positive(s.SliceGap),
		})
	}
	return slices, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// loadImage decodes a JPEG or PNG file
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// imageToFloat writes the gray level of every pixel into out, row by row
func imageToFloat(img image.Image, out []float64) {
	bounds := img.Bounds()
	width := bounds.Dx()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			out[y*width+x] = float64(g.Y)
		}
	}
}

func positive(v float64) float64 {
	if v > 0 {
		return v
	}
	return 1
}
