package models

import (
	"image"
)

// Slice represents a single 2D image read from an image stack on disk
type Slice struct {
	// Image is the actual slice image data
	Image image.Image

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string

	// Thickness is the physical thickness of the slice in mm
	Thickness float64

	// Position is the physical position of the slice along the stacking axis
	Position float64
}
