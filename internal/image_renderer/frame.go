package image_renderer

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"
)

// Frames decodes captured screenshots with libvips.
type Frames struct{}

func NewFrames() *Frames {
	return &Frames{}
}

// Inspect decodes a PNG frame and returns its dimensions.
func (f *Frames) Inspect(buf []byte) (int, int, error) {
	image, err := f.load(buf)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()

	width := image.Width()
	height := image.Height()
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("empty frame %dx%d", width, height)
	}
	return width, height, nil
}

// Luminance returns the relative luminance (0-255) of the pixel at x,y.
func (f *Frames) Luminance(buf []byte, x, y int) (float64, error) {
	image, err := f.load(buf)
	if err != nil {
		return 0, err
	}
	defer image.Close()

	if x < 0 || y < 0 || x >= image.Width() || y >= image.Height() {
		return 0, fmt.Errorf("point %d,%d outside frame %dx%d", x, y, image.Width(), image.Height())
	}

	bands, err := image.Getpoint(x, y, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read pixel: %w", err)
	}
	return luminance(bands), nil
}

func (f *Frames) load(buf []byte) (*vips.Image, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	image, err := vips.NewPngloadBuffer(buf, vips.DefaultPngloadBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return image, nil
}

// luminance applies Rec. 709 weights; grey images carry a single band.
func luminance(bands []float64) float64 {
	switch {
	case len(bands) >= 3:
		return 0.2126*bands[0] + 0.7152*bands[1] + 0.0722*bands[2]
	case len(bands) >= 1:
		return bands[0]
	default:
		return 0
	}
}
