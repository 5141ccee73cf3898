// Package vision turns an image file into the normalised grayscale tensor the
// classifier consumes.
package vision

import "errors"

// ErrEmptyImage is returned when a file decodes to zero pixels.
var ErrEmptyImage = errors.New("empty image")

// normalize scales 8-bit pixels into [0, 1].
func normalize(pix []uint8) []float32 {
	out := make([]float32, len(pix))
	for i, p := range pix {
		out[i] = float32(p) / 255.0
	}
	return out
}
