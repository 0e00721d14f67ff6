package segmentation

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"strings"

	"mprengine/pkg/slicing"
)

// Mode selects how labels are drawn
type Mode int

const (
	// Filled tints every labelled pixel with the label colour
	Filled Mode = iota

	// Outline paints only the label boundaries
	Outline
)

func (m Mode) String() string {
	if m == Outline {
		return "outline"
	}
	return "filled"
}

// ParseMode accepts "filled" or "outline".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled", "fill":
		return Filled, nil
	case "outline", "contour":
		return Outline, nil
	}
	return Filled, fmt.Errorf("invalid overlay mode: %s (must be filled or outline)", s)
}

// DefaultAlpha is the opacity of filled overlays.
const DefaultAlpha = 0.4

// LabelColor returns the display colour of a label. The hue comes from an
// FNV-1a hash of the label so a label keeps its colour across sessions and
// neighbouring labels rarely look alike. Label 0 is background and transparent.
func LabelColor(label uint16) color.RGBA {
	if label == 0 {
		return color.RGBA{}
	}
	h := fnv.New32a()
	h.Write([]byte{byte(label), byte(label >> 8)})
	hue := float64(h.Sum32()%360) / 60
	return hsv(hue, 0.75, 0.95)
}

// hsv converts a hue in sextants [0, 6) with saturation and value to RGB.
func hsv(h, s, v float64) color.RGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h, 2)-1))
	m := v - c
	var r, g, b float64
	switch int(h) {
	case 0:
		r, g, b = c, x, 0
	case 1:
		r, g, b = x, c, 0
	case 2:
		r, g, b = 0, c, x
	case 3:
		r, g, b = 0, x, c
	case 4:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return color.RGBA{
		R: uint8(math.Round((r + m) * 255)),
		G: uint8(math.Round((g + m) * 255)),
		B: uint8(math.Round((b + m) * 255)),
		A: 255,
	}
}

// Blend draws the label slice labels over dst in place. labels must have the
// same size as dst, which is the case when both come from the same plane and
// grid. Filled mode mixes the label colour in at alpha; Outline mode paints
// opaque boundary pixels, i.e. labelled pixels with a 4-neighbour of a
// different label (pixels past the image edge count as background).
func Blend(dst *image.RGBA, labels *slicing.Slice, mode Mode, alpha float64) error {
	b := dst.Bounds()
	if b.Dx() != labels.Width || b.Dy() != labels.Height {
		return fmt.Errorf("overlay size %dx%d does not match image %dx%d", labels.Width, labels.Height, b.Dx(), b.Dy())
	}
	alpha = math.Max(0, math.Min(1, alpha))

	at := func(i, j int) uint16 {
		if i < 0 || j < 0 || i >= labels.Width || j >= labels.Height {
			return 0
		}
		return labelAt(labels.At(i, j))
	}

	for j := 0; j < labels.Height; j++ {
		for i := 0; i < labels.Width; i++ {
			l := at(i, j)
			if l == 0 {
				continue
			}
			c := LabelColor(l)
			x, y := b.Min.X+i, b.Min.Y+j

			if mode == Outline {
				if at(i-1, j) != l || at(i+1, j) != l || at(i, j-1) != l || at(i, j+1) != l {
					dst.SetRGBA(x, y, c)
				}
				continue
			}

			under := dst.RGBAAt(x, y)
			dst.SetRGBA(x, y, color.RGBA{
				R: mix(under.R, c.R, alpha),
				G: mix(under.G, c.G, alpha),
				B: mix(under.B, c.B, alpha),
				A: 255,
			})
		}
	}
	return nil
}

func mix(a, b uint8, t float64) uint8 {
	return uint8(math.Round(float64(a)*(1-t) + float64(b)*t))
}
