// Package volumeio reads and writes volumes and label masks on disk.
//
// Supported inputs are NIfTI-1 files (.nii, .nii.gz), directories holding a
// DICOM series and directories holding a numbered JPEG/PNG image stack.
// Volumes are exported as NIfTI-1.
package volumeio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"mprengine/internal/models"
	"mprengine/pkg/volume"
)

var (
	// ErrUnsupported is returned for paths no importer recognises
	ErrUnsupported = errors.New("unsupported volume format")

	// ErrTruncated is returned when a file holds less voxel data than its header declares
	ErrTruncated = errors.New("truncated volume data")
)

// checkBudget rejects a declared voxel count above limit (0 = unlimited) or
// above what a slice can address.
func checkBudget(count int64, limit int) error {
	if count > math.MaxInt || (limit > 0 && count > int64(limit)) {
		return fmt.Errorf("%w: %d voxels, limit %d", volume.ErrResourceExhausted, count, limit)
	}
	return nil
}

// Importer reads an intensity volume
type Importer interface {
	Import(ctx context.Context, path string) (*models.Volume, error)
}

// LabelImporter reads a segmentation label volume
type LabelImporter interface {
	ImportLabels(ctx context.Context, path string) (*models.LabelVolume, error)
}

// Exporter writes a volume with its geometry
type Exporter interface {
	Export(ctx context.Context, path string, vol *models.Volume) error
}

// Format identifies an on-disk layout
type Format int

const (
	FormatUnknown Format = iota
	FormatNIfTI
	FormatDICOM
	FormatImageStack
)

func (f Format) String() string {
	switch f {
	case FormatNIfTI:
		return "nifti"
	case FormatDICOM:
		return "dicom"
	case FormatImageStack:
		return "image-stack"
	}
	return "unknown"
}

// Detect guesses the format of path from its name or, for directories, the
// extensions of the files inside.
func Detect(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FormatUnknown, err
	}
	if !info.IsDir() {
		if isNIfTI(path) {
			return FormatNIfTI, nil
		}
		return FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return FormatUnknown, err
	}
	images := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		switch {
		case ext == ".dcm":
			return FormatDICOM, nil
		case isImageExt(ext):
			images++
		}
	}
	if images > 0 {
		return FormatImageStack, nil
	}
	return FormatUnknown, fmt.Errorf("%w: no .dcm, .jpg or .png files in %s", ErrUnsupported, path)
}

func isNIfTI(path string) bool {
	p := strings.ToLower(path)
	return strings.HasSuffix(p, ".nii") || strings.HasSuffix(p, ".nii.gz")
}

// Auto dispatches to the importer matching the format of each path
type Auto struct {
	NIfTI  NIfTI
	DICOM  DICOMSeries
	Images ImageStack
}

// NewAuto returns a dispatcher with default importer settings.
func NewAuto() *Auto {
	return &Auto{Images: DefaultImageStack()}
}

// SetMaxVoxels makes every importer reject volumes larger than n voxels
// before allocating them (0 = unlimited).
func (a *Auto) SetMaxVoxels(n int) *Auto {
	a.NIfTI.MaxVoxels = n
	a.DICOM.MaxVoxels = n
	a.Images.MaxVoxels = n
	return a
}

// Import reads an intensity volume from any supported format.
func (a *Auto) Import(ctx context.Context, path string) (*models.Volume, error) {
	f, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatNIfTI:
		return a.NIfTI.Import(ctx, path)
	case FormatDICOM:
		return a.DICOM.Import(ctx, path)
	default:
		return a.Images.Import(ctx, path)
	}
}

// ImportLabels reads a label volume from a NIfTI file or an image stack.
func (a *Auto) ImportLabels(ctx context.Context, path string) (*models.LabelVolume, error) {
	f, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatNIfTI:
		return a.NIfTI.ImportLabels(ctx, path)
	case FormatImageStack:
		return a.Images.ImportLabels(ctx, path)
	}
	return nil, fmt.Errorf("%w: %s masks", ErrUnsupported, f)
}

// Export writes vol as NIfTI-1.
func (a *Auto) Export(ctx context.Context, path string, vol *models.Volume) error {
	return a.NIfTI.Export(ctx, path, vol)
}

// toLabels rounds intensities to labels; negative values become background.
func toLabels(v *models.Volume) *models.LabelVolume {
	out := models.NewLabelVolume(v.Geometry)
	for i, d := range v.Data {
		switch {
		case d <= 0:
		case d >= 65535:
			out.Data[i] = 65535
		default:
			out.Data[i] = uint16(d + 0.5)
		}
	}
	return out
}
