package slicing

import (
	"fmt"
	"image/color"
	"strings"
)

// Colormap is an enumerated transfer function from windowed intensity to colour
type Colormap int

const (
	Gray Colormap = iota
	Viridis
	Plasma
	Inferno
	Magma
	Cividis
	Jet
	Hot
	Cool
)

type stop struct {
	t       float64
	r, g, b float64
}

type colormapDef struct {
	name  string
	stops []stop
}

// hexStops spreads sRGB hex colours evenly over [0, 1].
func hexStops(hex ...uint32) []stop {
	stops := make([]stop, len(hex))
	for i, h := range hex {
		stops[i] = stop{
			t: float64(i) / float64(len(hex)-1),
			r: float64(h>>16&0xff) / 255,
			g: float64(h>>8&0xff) / 255,
			b: float64(h&0xff) / 255,
		}
	}
	return stops
}

var colormaps = [...]colormapDef{
	Gray: {"gray", []stop{{0, 0, 0, 0}, {1, 1, 1, 1}}},
	Viridis: {"viridis", hexStops(0x440154, 0x482878, 0x3e4989, 0x31688e, 0x26828e,
		0x1f9e89, 0x35b779, 0x6ece58, 0xb5de2b, 0xfde725)},
	Plasma: {"plasma", hexStops(0x0d0887, 0x46039f, 0x7201a8, 0x9c179e, 0xbd3786,
		0xd8576b, 0xed7953, 0xfb9f3a, 0xfdca26, 0xf0f921)},
	Inferno: {"inferno", hexStops(0x000004, 0x1b0c41, 0x4a0c6b, 0x781c6d, 0xa52c60,
		0xcf4446, 0xed6925, 0xfb9b06, 0xf7d13d, 0xfcffa4)},
	Magma: {"magma", hexStops(0x000004, 0x180f3d, 0x440f76, 0x721f81, 0x9e2f7f,
		0xcd4071, 0xf1605d, 0xfd9668, 0xfeca8d, 0xfcfdbf)},
	Cividis: {"cividis", hexStops(0x00224e, 0x123570, 0x3b496c, 0x575d6d, 0x707173,
		0x8a8678, 0xa59c74, 0xc3b369, 0xe1cc55, 0xfee838)},
	Jet: {"jet", []stop{
		{0, 0, 0, 0.5}, {0.125, 0, 0, 1}, {0.375, 0, 1, 1},
		{0.625, 1, 1, 0}, {0.875, 1, 0, 0}, {1, 0.5, 0, 0},
	}},
	Hot: {"hot", []stop{{0, 0.0416, 0, 0}, {0.365, 1, 0, 0}, {0.746, 1, 1, 0}, {1, 1, 1, 1}}},
	Cool: {"cool", []stop{{0, 0, 1, 1}, {1, 1, 0, 1}}},
}

// tables caches the 256-entry lookup table of each colormap.
var tables [len(colormaps)][256]color.RGBA

func init() {
	for cm := range colormaps {
		for i := 0; i < 256; i++ {
			tables[cm][i] = Colormap(cm).eval(float64(i) / 255)
		}
	}
}

// Colormaps lists every available colormap in menu order.
func Colormaps() []Colormap {
	out := make([]Colormap, len(colormaps))
	for i := range colormaps {
		out[i] = Colormap(i)
	}
	return out
}

// ParseColormap looks up a colormap by name.
func ParseColormap(name string) (Colormap, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "grey" {
		n = "gray"
	}
	for i, def := range colormaps {
		if def.name == n {
			return Colormap(i), nil
		}
	}
	return Gray, fmt.Errorf("unknown colormap: %s", name)
}

func (c Colormap) valid() bool {
	return c >= 0 && int(c) < len(colormaps)
}

func (c Colormap) String() string {
	if !c.valid() {
		return fmt.Sprintf("colormap(%d)", int(c))
	}
	return colormaps[c].name
}

// Table returns the 256-entry lookup table; invalid values fall back to gray.
func (c Colormap) Table() *[256]color.RGBA {
	if !c.valid() {
		c = Gray
	}
	return &tables[c]
}

// At maps a windowed 8-bit value to a colour.
func (c Colormap) At(v uint8) color.RGBA {
	return c.Table()[v]
}

// eval linearly interpolates between the colormap stops at t in [0, 1].
func (c Colormap) eval(t float64) color.RGBA {
	stops := colormaps[c].stops
	if t <= stops[0].t {
		return toRGBA(stops[0].r, stops[0].g, stops[0].b)
	}
	for k := 1; k < len(stops); k++ {
		a, b := stops[k-1], stops[k]
		if t <= b.t {
			f := (t - a.t) / (b.t - a.t)
			return toRGBA(a.r+(b.r-a.r)*f, a.g+(b.g-a.g)*f, a.b+(b.b-a.b)*f)
		}
	}
	last := stops[len(stops)-1]
	return toRGBA(last.r, last.g, last.b)
}

func toRGBA(r, g, b float64) color.RGBA {
	return color.RGBA{R: unit8(r), G: unit8(g), B: unit8(b), A: 255}
}

func unit8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
