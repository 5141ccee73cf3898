package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLabelForThreshold(t *testing.T) {
	cases := []struct {
		score float32
		want  Label
	}{
		{0, LabelNormal},
		{0.25, LabelNormal},
		{0.5, LabelNormal},
		{0.500001, LabelAbnormal},
		{0.9, LabelAbnormal},
		{1, LabelAbnormal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, LabelFor(tc.score), "score %v", tc.score)
	}
}

func TestDefaultMetadata(t *testing.T) {
	meta := DefaultMetadata()
	require.NoError(t, meta.validate())
	require.Equal(t, 224*224, meta.InputSize())
}

func TestLoadMetadataOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input_name":"input_1","output_name":"dense"}`), 0o644))

	meta, err := LoadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, "input_1", meta.InputName)
	require.Equal(t, "dense", meta.OutputName)
	require.Equal(t, []int64{1, 224, 224, 1}, meta.InputShape)
}

func TestLoadMetadataRejectsMismatchedShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input_shape":[1,128,128,1]}`), 0o644))

	_, err := LoadMetadata(path)
	require.ErrorContains(t, err, "does not hold")

	_, err = LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "failed to read metadata")
}
