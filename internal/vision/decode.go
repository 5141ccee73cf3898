//go:build !gocv
// +build !gocv

package vision

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// LoadTensor decodes the image at path in grayscale, resizes it to size x size
// and returns its pixels row by row scaled to [0, 1].
func LoadTensor(path string, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	resized := resize.Resize(uint(size), uint(size), toGray(img), resize.Bilinear)
	return normalize(toGray(resized).Pix), nil
}

// toGray converts img to 8-bit gray with ITU-R 601 weights. Alpha is
// dropped rather than composited, so transparent pixels keep their color.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.Gray:
		if src.Rect.Min == (image.Point{}) && src.Stride == src.Rect.Dx() {
			return src
		}
	case *image.NRGBA:
		return grayFromPix(b, src.Pix, src.Stride, 4, 1)
	case *image.NRGBA64:
		return grayFromPix(b, src.Pix, src.Stride, 8, 2)
	}
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// grayFromPix reads un-premultiplied R, G and B samples of bpp bytes per
// pixel, using the most significant byte of each channel.
func grayFromPix(b image.Rectangle, pix []uint8, stride, bpp, channel int) *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := pix[y*stride:]
		out := gray.Pix[y*gray.Stride:]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*bpp:]
			out[x] = luma(p[0], p[channel], p[2*channel])
		}
	}
	return gray
}

func luma(r, g, b uint8) uint8 {
	return uint8((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
}
