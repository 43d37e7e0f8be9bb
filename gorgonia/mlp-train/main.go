// Trains a small MLP on synthetic blobs with gorgonia, imports the
// trained weights into the in-process module tree, quantizes it with the
// basic preset and reports how much signal quality the transform costs.
// A short quantization-aware tuning pass then recovers part of the gap.
package main

import (
	"fmt"
	"log"

	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/data"
	"github.com/dmx-ai/mltools/dmx"
	"github.com/dmx-ai/mltools/eval"
	"github.com/dmx-ai/mltools/nn"
)

const (
	inDim   = 8
	hidden  = 16
	classes = 4
	samples = 256
	epochs  = 200
)

func main() {
	xs, ys, labels := makeBlobs(samples)

	w1Val, w2Val, err := trainReference(xs, ys)
	if err != nil {
		log.Fatalf("training reference: %v", err)
	}

	reference := nn.NewSequential(
		nn.NewLinear(inDim, hidden, false),
		nn.NewReLU(),
		nn.NewLinear(hidden, classes, false),
	)
	importWeights(reference, w1Val, w2Val)

	fpLogits, err := reference.Forward(xs)
	if err != nil {
		log.Fatal(err)
	}
	fpAcc, err := eval.Top1Accuracy(fpLogits, labels)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("full precision: top-1 %.3f\n", fpAcc)

	quantized := nn.NewSequential(
		nn.NewLinear(inDim, hidden, false),
		nn.NewReLU(),
		nn.NewLinear(hidden, classes, false),
	)
	importWeights(quantized, w1Val, w2Val)

	model, err := dmx.NewModel(quantized)
	if err != nil {
		log.Fatalf("transforming: %v", err)
	}
	for _, rule := range dmx.Basic() {
		if err := rule.ApplyTo(model); err != nil {
			log.Fatalf("applying preset: %v", err)
		}
	}

	report := func(stage string) {
		qLogits, err := model.Forward(xs)
		if err != nil {
			log.Fatal(err)
		}
		sqnr, err := eval.SQNR(qLogits, fpLogits)
		if err != nil {
			log.Fatal(err)
		}
		agree, err := eval.AgreementRate(qLogits, fpLogits)
		if err != nil {
			log.Fatal(err)
		}
		qAcc, err := eval.Top1Accuracy(qLogits, labels)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s: top-1 %.3f, agreement %.3f, sqnr %.1f dB\n", stage, qAcc, agree, sqnr)
	}
	report("quantized")

	if err := tune(model, xs, ys); err != nil {
		log.Fatalf("tuning: %v", err)
	}
	report("after tuning")

	rec := eval.NewRecord("mlp-train").Add("fp_top1", fpAcc)
	if err := rec.Save("mlp-train-run.json"); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("run record: mlp-train-run.json (%s)\n", rec.ID)
}

// makeBlobs draws one Gaussian blob per class around distinct centers and
// returns the inputs, one-hot targets and integer labels.
func makeBlobs(n int) (*tensor.Dense, *tensor.Dense, []int) {
	noise := data.NewSyntheticSource(1, 0, 0.35)

	inputs := make([]float32, n*inDim)
	targets := make([]float32, n*classes)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % classes
		labels[i] = c
		batch := noise.Batch(inDim).Data().([]float32)
		for j := 0; j < inDim; j++ {
			center := float32(0)
			if j%classes == c {
				center = 1.5
			}
			inputs[i*inDim+j] = center + batch[j]
		}
		targets[i*classes+c] = 1
	}
	x := tensor.New(tensor.WithShape(n, inDim), tensor.WithBacking(inputs))
	y := tensor.New(tensor.WithShape(n, classes), tensor.WithBacking(targets))
	return x, y, labels
}

// trainReference fits a two-layer ReLU network with gorgonia and returns
// the trained weight tensors, laid out [in, out] the way gorgonia
// multiplies them.
func trainReference(xs, ys *tensor.Dense) (tensor.Tensor, tensor.Tensor, error) {
	g := G.NewGraph()

	x := G.NewMatrix(g, tensor.Float32, G.WithShape(samples, inDim), G.WithName("x"))
	y := G.NewMatrix(g, tensor.Float32, G.WithShape(samples, classes), G.WithName("y"))
	w1 := G.NewMatrix(g, tensor.Float32, G.WithShape(inDim, hidden), G.WithName("w1"), G.WithInit(G.GlorotU(1)))
	w2 := G.NewMatrix(g, tensor.Float32, G.WithShape(hidden, classes), G.WithName("w2"), G.WithInit(G.GlorotU(1)))

	h := G.Must(G.Rectify(G.Must(G.Mul(x, w1))))
	logits := G.Must(G.Mul(h, w2))
	probs := G.Must(G.SoftMax(logits))
	cost := G.Must(G.Mean(G.Must(G.Square(G.Must(G.Sub(probs, y))))))

	if _, err := G.Grad(cost, w1, w2); err != nil {
		return nil, nil, err
	}

	machine := G.NewTapeMachine(g, G.BindDualValues(w1, w2))
	defer machine.Close()
	solver := G.NewAdamSolver(G.WithLearnRate(0.01))

	for epoch := 0; epoch < epochs; epoch++ {
		if err := G.Let(x, xs); err != nil {
			return nil, nil, err
		}
		if err := G.Let(y, ys); err != nil {
			return nil, nil, err
		}
		if err := machine.RunAll(); err != nil {
			return nil, nil, err
		}
		if err := solver.Step(G.NodesToValueGrads(G.Nodes{w1, w2})); err != nil {
			return nil, nil, err
		}
		machine.Reset()
	}

	return w1.Value().(tensor.Tensor), w2.Value().(tensor.Tensor), nil
}

// importWeights copies gorgonia's [in, out] weights into the [out, in]
// linear layers.
func importWeights(m *nn.Sequential, w1Val, w2Val tensor.Tensor) {
	copyTransposed(m.At(0).(*nn.Linear), w1Val, inDim, hidden)
	copyTransposed(m.At(2).(*nn.Linear), w2Val, hidden, classes)
}

func copyTransposed(l *nn.Linear, w tensor.Tensor, in, out int) {
	src := w.Data().([]float32)
	dst := l.Weight.Data.Data().([]float32)
	for i := 0; i < in; i++ {
		for o := 0; o < out; o++ {
			dst[o*in+i] = src[i*out+o]
		}
	}
}

// tune runs one epoch of quantization-aware updates: the quantized
// forward pass feeds a softmax cross-entropy-style gradient straight
// through the transformed tree, and SGD nudges the dense master weights.
func tune(model *dmx.Model, xs, ys *tensor.Dense) error {
	logits, err := model.Forward(xs)
	if err != nil {
		return err
	}

	upstream := softmaxGrad(logits, ys)
	params := model.Parameters()
	nn.ZeroGrad(params)
	if _, err := model.Backward(upstream); err != nil {
		return err
	}
	nn.NewSGD(0.05, 0.9).Step(params)
	return nil
}

// softmaxGrad computes (softmax(logits) - onehot) / n, the cross-entropy
// gradient with respect to the logits.
func softmaxGrad(logits, onehot *tensor.Dense) *tensor.Dense {
	shape := logits.Shape()
	rows, cols := shape[0], shape[1]
	src := logits.Data().([]float32)
	tgt := onehot.Data().([]float32)

	out := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		row := src[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		for c, v := range row {
			e := math32.Exp(v - max)
			out[r*cols+c] = e
			sum += e
		}
		for c := range row {
			i := r*cols + c
			out[i] = (out[i]/sum - tgt[i]) / float32(rows)
		}
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(out))
}
