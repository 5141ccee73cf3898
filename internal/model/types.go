package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Threshold separates Normal from Abnormal. Scores strictly above it are Abnormal.
const Threshold float32 = 0.5

// Label is the class shown to the user.
type Label string

const (
	LabelNormal   Label = "Normal"
	LabelAbnormal Label = "Abnormal"
)

// LabelFor maps a raw classifier score to its label.
func LabelFor(score float32) Label {
	if score > Threshold {
		return LabelAbnormal
	}
	return LabelNormal
}

type Metadata struct {
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	ImageSize   int     `json:"image_size"`
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
}

// DefaultMetadata describes the grayscale 224x224 NHWC classifier with a
// single sigmoid output.
func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{1, 224, 224, 1},
		OutputShape: []int64{1, 1},
		ImageSize:   224,
	}
}

// LoadMetadata reads a JSON metadata file on top of the defaults. An empty
// path returns the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// InputSize is the number of float32 values the model consumes per call.
func (m Metadata) InputSize() int {
	return elements(m.InputShape)
}

func (m Metadata) validate() error {
	if m.InputSize() <= 0 {
		return fmt.Errorf("invalid input shape %v", m.InputShape)
	}
	if elements(m.OutputShape) <= 0 {
		return fmt.Errorf("invalid output shape %v", m.OutputShape)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("invalid image size %d", m.ImageSize)
	}
	if want := m.ImageSize * m.ImageSize; m.InputSize() != want {
		return fmt.Errorf("input shape %v does not hold a %dx%d grayscale image", m.InputShape, m.ImageSize, m.ImageSize)
	}
	return nil
}

func elements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return 0
		}
		n *= int(dim)
	}
	return n
}
