package models

import "github.com/dmx-ai/mltools/nn"

// NewLeNet builds a small strided-convolution classifier for 32x32
// images. Two stride-2 convolutions halve the spatial size twice, so the
// classifier head sees 16 channels of 8x8 features.
func NewLeNet(inChannels, classes int) *nn.Sequential {
	return nn.NewSequential(
		nn.NewConv2d(inChannels, 8, 3, 2, 1),
		nn.NewReLU(),
		nn.NewConv2d(8, 16, 3, 2, 1),
		nn.NewReLU(),
		nn.NewFlatten(),
		nn.NewLinear(16*8*8, classes, true),
	)
}
