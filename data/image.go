package data

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageToCHW decodes, resizes and converts an image into a [1, 3, h, w]
// float32 tensor with channel-major layout and values in [0, 1], the shape
// convolutional calibration batches use.
//
// Arguments:
//   - raw: Encoded image bytes (JPEG or PNG).
//   - w, h: Target width and height.
//
// Returns:
//   - *tensor.Dense: The populated NCHW tensor.
//   - error: An error if decoding fails.
func ImageToCHW(raw []byte, w, h int) (*tensor.Dense, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "data: decoding image")
	}
	return imageToCHW(img, w, h), nil
}

func imageToCHW(img image.Image, w, h int) *tensor.Dense {
	img = resize.Resize(uint(w), uint(h), img, resize.Lanczos3)

	channelSize := w * h
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return tensor.New(tensor.WithShape(1, 3, h, w), tensor.WithBacking(data))
}
