package data

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func writePNG(t *testing.T, path string, c color.RGBA, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	if path != "" {
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	}
	return buf.Bytes()
}

func TestLoadDirectoryImageFilesSortsByFrame(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "frame-10.png"), color.RGBA{A: 255}, 2, 2)
	writePNG(t, filepath.Join(dir, "frame-2.png"), color.RGBA{A: 255}, 2, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644))

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, 2, images[0].Frame, "frames sort numerically, not lexically")
	assert.Equal(t, 10, images[1].Frame)
	assert.NotEmpty(t, images[0].Data)
}

func TestLoadDirectoryImageFilesRejectsUnnumbered(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "cat.png"), color.RGBA{A: 255}, 2, 2)
	_, err := LoadDirectoryImageFiles(dir)
	assert.Error(t, err)
}

func TestImageToCHW(t *testing.T) {
	raw := writePNG(t, "", color.RGBA{R: 255, G: 0, B: 127, A: 255}, 8, 8)

	got, err := ImageToCHW(raw, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 4}, []int(got.Shape()))

	data := got.Data().([]float32)
	assert.InDelta(t, 1.0, float64(data[0]), 0.02, "red channel first")
	assert.InDelta(t, 0.0, float64(data[16]), 0.02, "green channel second")
	assert.InDelta(t, 0.5, float64(data[32]), 0.02, "blue channel last")
}

func TestRawTensorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "act.bin")
	want := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{1, -2, 3.5, 0, 1e-7, -1e7}))

	require.NoError(t, SaveRawTensor(path, want))
	got, err := LoadRawTensor(path)
	require.NoError(t, err)
	assert.Equal(t, []int(want.Shape()), []int(got.Shape()))
	assert.Equal(t, want.Data(), got.Data())
}

func TestLoadRawTensorRejectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "act.bin")
	full := tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{1, 2, 3, 4}))
	require.NoError(t, SaveRawTensor(path, full))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	_, err = LoadRawTensor(path)
	assert.Error(t, err)
}

func TestSyntheticSourceIsReproducible(t *testing.T) {
	a := NewSyntheticSource(42, 0, 1).Batch(2, 3)
	b := NewSyntheticSource(42, 0, 1).Batch(2, 3)
	assert.Equal(t, a.Data(), b.Data(), "same seed, same batch")

	c := NewSyntheticSource(43, 0, 1).Batch(2, 3)
	assert.NotEqual(t, a.Data(), c.Data())

	batches := NewSyntheticSource(7, 0, 1).Batches(3, 1, 4)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{1, 4}, []int(batches[0][0].Shape()))
}
