package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/kernels"
)

// Conv2d is a 2-D convolution over NCHW tensors implemented with im2col:
// each receptive field is unrolled into a column and the convolution becomes
// one matrix multiply per sample.
type Conv2d struct {
	InC, OutC int
	Kernel    int
	Stride    int
	Padding   int
	Weight    *Param // [OutC, InC, Kernel, Kernel]
	Bias      *Param // [OutC]

	lastInput *tensor.Dense
	lastCols  [][]float32
	lastOutHW [2]int
}

// NewConv2d builds a square-kernel convolution with Kaiming-uniform weight
// and zero bias.
func NewConv2d(inC, outC, kernel, stride, padding int) *Conv2d {
	fan := inC * kernel * kernel
	w := make([]float32, outC*fan)
	uniformInit(w, 1/math32.Sqrt(float32(fan)))
	return &Conv2d{
		InC:     inC,
		OutC:    outC,
		Kernel:  kernel,
		Stride:  stride,
		Padding: padding,
		Weight:  NewParam("weight", dense(w, outC, inC, kernel, kernel)),
		Bias:    NewParam("bias", zeros(outC)),
	}
}

func (c *Conv2d) outSize(h, w int) (int, int) {
	oh := (h+2*c.Padding-c.Kernel)/c.Stride + 1
	ow := (w+2*c.Padding-c.Kernel)/c.Stride + 1
	return oh, ow
}

// im2col unrolls sample x[C,H,W] into cols[C*K*K, oh*ow].
func (c *Conv2d) im2col(x []float32, h, w, oh, ow int, cols []float32) {
	k := c.Kernel
	colW := oh * ow
	for ch := 0; ch < c.InC; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (ch*k*k + ky*k + kx) * colW
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride + ky - c.Padding
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride + kx - c.Padding
						var v float32
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = x[ch*h*w+iy*w+ix]
						}
						cols[row+oy*ow+ox] = v
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back into sample gradient dx[C,H,W].
func (c *Conv2d) col2im(cols []float32, h, w, oh, ow int, dx []float32) {
	k := c.Kernel
	colW := oh * ow
	for ch := 0; ch < c.InC; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (ch*k*k + ky*k + kx) * colW
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride + ky - c.Padding
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride + kx - c.Padding
						if ix < 0 || ix >= w {
							continue
						}
						dx[ch*h*w+iy*w+ix] += cols[row+oy*ow+ox]
					}
				}
			}
		}
	}
}

// Forward convolves x[N,C,H,W] into [N,OutC,oh,ow].
func (c *Conv2d) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Conv2d", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != c.InC {
		return nil, errors.Errorf("nn: Conv2d expects [N,%d,H,W] input, got %v", c.InC, shape)
	}
	n, h, w := shape[0], shape[2], shape[3]
	oh, ow := c.outSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("nn: Conv2d kernel %d does not fit input %v", c.Kernel, shape)
	}

	fan := c.InC * c.Kernel * c.Kernel
	colW := oh * ow
	xs := f32s(x)
	ws := f32s(c.Weight.Data)
	out := make([]float32, n*c.OutC*colW)
	cols := make([][]float32, n)

	for s := 0; s < n; s++ {
		cols[s] = make([]float32, fan*colW)
		c.im2col(xs[s*c.InC*h*w:(s+1)*c.InC*h*w], h, w, oh, ow, cols[s])
		// out_s[OutC, oh*ow] = W[OutC, fan] * cols[fan, oh*ow]
		kernels.MatMul(out[s*c.OutC*colW:(s+1)*c.OutC*colW], ws, cols[s], c.OutC, fan, colW)
		if c.Bias != nil {
			bs := f32s(c.Bias.Data)
			for o := 0; o < c.OutC; o++ {
				row := out[s*c.OutC*colW+o*colW : s*c.OutC*colW+(o+1)*colW]
				for i := range row {
					row[i] += bs[o]
				}
			}
		}
	}

	c.lastInput = x
	c.lastCols = cols
	c.lastOutHW = [2]int{oh, ow}
	return dense(out, n, c.OutC, oh, ow), nil
}

// Backward accumulates weight and bias gradients and returns the input
// gradient via col2im.
func (c *Conv2d) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if c.lastInput == nil {
		return nil, errors.New("nn: Conv2d backward before forward")
	}
	x := c.lastInput
	shape := x.Shape()
	n, h, w := shape[0], shape[2], shape[3]
	oh, ow := c.lastOutHW[0], c.lastOutHW[1]
	fan := c.InC * c.Kernel * c.Kernel
	colW := oh * ow

	g := f32s(upstream)
	ws := f32s(c.Weight.Data)
	dx := make([]float32, len(f32s(x)))
	dw := make([]float32, c.OutC*fan)
	dcols := make([]float32, fan*colW)
	dwSample := make([]float32, c.OutC*fan)

	for s := 0; s < n; s++ {
		gs := g[s*c.OutC*colW : (s+1)*c.OutC*colW]
		// dW += g_s[OutC, colW] * cols_s[fan, colW]^T
		kernels.MatMulNT(dwSample, gs, c.lastCols[s], c.OutC, colW, fan)
		for i, v := range dwSample {
			dw[i] += v
		}
		// dcols[fan, colW] = W[OutC, fan]^T * g_s[OutC, colW]
		kernels.MatMulTN(dcols, ws, gs, c.OutC, fan, colW)
		c.col2im(dcols, h, w, oh, ow, dx[s*c.InC*h*w:(s+1)*c.InC*h*w])
	}

	if c.Weight.RequiresGrad {
		accumulate(c.Weight, dw)
	}
	if c.Bias != nil && c.Bias.RequiresGrad {
		db := f32s(c.Bias.EnsureGrad())
		for s := 0; s < n; s++ {
			for o := 0; o < c.OutC; o++ {
				row := g[s*c.OutC*colW+o*colW : s*c.OutC*colW+(o+1)*colW]
				for _, v := range row {
					db[o] += v
				}
			}
		}
	}
	return []*tensor.Dense{dense(dx, []int(shape)...)}, nil
}

// Params returns the trainable parameters.
func (c *Conv2d) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}
