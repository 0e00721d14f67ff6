// Package visualization renders canonical slices of a loaded volume to image
// files, with windowing, colormaps, segmentation overlays and physical
// aspect correction.
package visualization

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"mprengine/internal/models"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/slicing"
	"mprengine/pkg/volume"
)

// Viewer turns slices of a volume into images
type Viewer struct {
	store     *volume.Store
	extractor *slicing.Extractor

	window   slicing.Window
	colormap slicing.Colormap

	labels       *segmentation.LabelSampler
	overlayMode  segmentation.Mode
	overlayAlpha float64

	// physicalAspect stretches images so one output pixel covers the same
	// distance along both image axes
	physicalAspect bool
}

// NewViewer creates a viewer over a loaded store with an auto window and the gray colormap.
func NewViewer(store *volume.Store, workers int) *Viewer {
	v := &Viewer{
		store:          store,
		extractor:      slicing.NewExtractor(store, workers),
		colormap:       slicing.Gray,
		overlayAlpha:   segmentation.DefaultAlpha,
		physicalAspect: true,
	}
	if vol := store.Volume(); vol != nil {
		v.window = slicing.AutoWindow(vol.Data, 0.01, 0.99)
	}
	return v
}

// SetWindow sets the display window.
func (v *Viewer) SetWindow(w slicing.Window) {
	v.window = w
}

// Window returns the display window.
func (v *Viewer) Window() slicing.Window {
	return v.window
}

// SetColormap sets the colormap.
func (v *Viewer) SetColormap(cm slicing.Colormap) {
	v.colormap = cm
}

// SetOverlay draws labels over every rendered slice; nil removes the overlay.
func (v *Viewer) SetOverlay(labels *segmentation.LabelSampler, mode segmentation.Mode, alpha float64) {
	v.labels = labels
	v.overlayMode = mode
	v.overlayAlpha = alpha
}

// SetPhysicalAspect enables or disables aspect correction for anisotropic voxels.
func (v *Viewer) SetPhysicalAspect(on bool) {
	v.physicalAspect = on
}

// ExtractSlice renders slice position of the canonical view named by axis
// ("x", "y", "z" or an orientation name).
func (v *Viewer) ExtractSlice(ctx context.Context, axis string, position int) (image.Image, error) {
	o, err := models.ParseOrientation(axis)
	if err != nil {
		return nil, err
	}
	if !v.store.Loaded() {
		return nil, volume.ErrNoVolume
	}
	n := v.store.Dims()[o.NormalAxis()]
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside %s range [0, %d)", position, o, n)
	}

	// Cursor at the volume centre with the slice axis moved to position
	idx := v.store.ToIndex(v.store.Center())
	switch o.NormalAxis() {
	case 0:
		idx.X = float64(position)
	case 1:
		idx.Y = float64(position)
	default:
		idx.Z = float64(position)
	}
	plane, grid := slicing.CanonicalPlane(v.store, o, v.store.ToPhysical(idx))
	return v.RenderPlane(ctx, plane, grid)
}

// RenderPlane extracts and renders any plane, oblique ones included.
func (v *Viewer) RenderPlane(ctx context.Context, plane models.Plane, grid slicing.Grid) (image.Image, error) {
	sl, err := v.extractor.Extract(ctx, plane, grid, slicing.Intensity)
	if err != nil {
		return nil, fmt.Errorf("failed to extract slice: %w", err)
	}
	img := slicing.Render(sl, v.window, v.colormap)

	if v.labels != nil {
		lsl, err := slicing.NewExtractor(v.labels, 0).Extract(ctx, plane, grid, slicing.Label)
		if err != nil {
			return nil, fmt.Errorf("failed to extract overlay: %w", err)
		}
		if err := segmentation.Blend(img, lsl, v.overlayMode, v.overlayAlpha); err != nil {
			return nil, err
		}
	}

	if !v.physicalAspect || grid.SpacingU == grid.SpacingV {
		return img, nil
	}
	return scaleToAspect(img, grid.SpacingU, grid.SpacingV), nil
}

// scaleToAspect resamples img so both axes use the finer of the two spacings.
func scaleToAspect(img *image.RGBA, su, sv float64) image.Image {
	ps := math.Min(su, sv)
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * su / ps))
	h := int(math.Round(float64(b.Dy()) * sv / ps))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// SaveSlice saves a slice image as PNG, or JPEG for .jpg/.jpeg names
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %v", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence renders and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(ctx context.Context, axis string, outputDir string) (int, error) {
	o, err := models.ParseOrientation(axis)
	if err != nil {
		return 0, err
	}
	if !v.store.Loaded() {
		return 0, volume.ErrNoVolume
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	n := v.store.Dims()[o.NormalAxis()]
	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(ctx, axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", o, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}
	return n, nil
}

