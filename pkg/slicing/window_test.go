package slicing

import (
	"image/color"
	"testing"
)

// TestWindowApply verifies the level/width transfer function
func TestWindowApply(t *testing.T) {
	w := Window{Center: 40, Width: 400}
	tests := []struct {
		in   float64
		want uint8
	}{
		{-160, 0},
		{-1000, 0},
		{240, 255},
		{3000, 255},
		{40, 128},
		{-60, 64},
	}
	for _, tt := range tests {
		if got := w.Apply(tt.in); got != tt.want {
			t.Errorf("Expected Apply(%f) = %d, got %d", tt.in, tt.want, got)
		}
	}

	// A zero width must not divide by zero
	zero := Window{Center: 10, Width: 0}
	if got := zero.Apply(9); got != 0 {
		t.Errorf("Expected 0 below a zero-width window, got %d", got)
	}
	if got := zero.Apply(11); got != 255 {
		t.Errorf("Expected 255 above a zero-width window, got %d", got)
	}
}

// TestAutoWindow verifies percentile windowing ignores outliers
func TestAutoWindow(t *testing.T) {
	data := make([]float64, 1000)
	for i := range data {
		data[i] = float64(i % 100)
	}
	data[0] = -50000
	data[1] = 90000

	w := AutoWindow(data, 0.01, 0.99)
	lo, hi := w.Center-w.Width/2, w.Center+w.Width/2
	if lo < -1 || lo > 2 {
		t.Errorf("Expected lower bound near 0, got %f", lo)
	}
	if hi < 97 || hi > 100 {
		t.Errorf("Expected upper bound near 99, got %f", hi)
	}

	if got := AutoWindow(nil, 0.01, 0.99); got.Width != 1 {
		t.Errorf("Expected unit width for empty data, got %f", got.Width)
	}

	flat := []float64{7, 7, 7, 7}
	if got := AutoWindow(flat, 0.01, 0.99); got.Center != 7 || got.Width != 1 {
		t.Errorf("Expected window {7 1} for constant data, got %+v", got)
	}
}

// TestColormaps verifies colormap lookup and endpoints
func TestColormaps(t *testing.T) {
	if len(Colormaps()) != 9 {
		t.Fatalf("Expected 9 colormaps, got %d", len(Colormaps()))
	}
	for _, cm := range Colormaps() {
		parsed, err := ParseColormap(cm.String())
		if err != nil {
			t.Errorf("Failed to parse colormap %q: %v", cm.String(), err)
		}
		if parsed != cm {
			t.Errorf("Expected %v, got %v", cm, parsed)
		}
	}

	if _, err := ParseColormap("rainbow"); err == nil {
		t.Error("Expected error for unknown colormap")
	}

	if got := Gray.At(0); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("Expected black at gray 0, got %v", got)
	}
	if got := Gray.At(255); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("Expected white at gray 255, got %v", got)
	}
	if got := Viridis.At(0); got != (color.RGBA{0x44, 0x01, 0x54, 255}) {
		t.Errorf("Expected #440154 at viridis 0, got %v", got)
	}
	if got := Viridis.At(255); got != (color.RGBA{0xfd, 0xe7, 0x25, 255}) {
		t.Errorf("Expected #fde725 at viridis 255, got %v", got)
	}
	if got := Colormap(99).At(255); got != Gray.At(255) {
		t.Errorf("Expected invalid colormap to fall back to gray, got %v", got)
	}
}

// TestRender verifies windowing and colour mapping of a slice
func TestRender(t *testing.T) {
	s := &Slice{Width: 2, Height: 1, Data: []float64{0, 100}}
	w := RangeWindow(0, 100)

	img := Render(s, w, Gray)
	if got := img.RGBAAt(0, 0); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("Expected black pixel, got %v", got)
	}
	if got := img.RGBAAt(1, 0); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("Expected white pixel, got %v", got)
	}

	g := Grayscale(s, w)
	if g.GrayAt(1, 0).Y != 255 {
		t.Errorf("Expected gray 255, got %d", g.GrayAt(1, 0).Y)
	}
}
