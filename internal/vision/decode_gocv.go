//go:build gocv
// +build gocv

package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// LoadTensor decodes the image at path in grayscale, resizes it to size x size
// and returns its pixels row by row scaled to [0, 1].
func LoadTensor(path string, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}

	mat := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decode image: %s is not a readable image", path)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)
	if resized.Empty() {
		return nil, ErrEmptyImage
	}

	pix := resized.ToBytes()
	if len(pix) != size*size {
		return nil, fmt.Errorf("unexpected pixel count %d", len(pix))
	}
	return normalize(pix), nil
}
