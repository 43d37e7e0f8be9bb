package eval

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var ortInit sync.Once

// initRuntime brings up the ONNX Runtime environment once per process.
// ONNXRUNTIME_SHARED_LIBRARY_PATH overrides the library location when the
// runtime is not on the default search path.
func initRuntime() error {
	var err error
	ortInit.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		err = ort.InitializeEnvironment()
	})
	return errors.Wrap(err, "eval: initializing ONNX runtime")
}

// ReferenceSession runs an exported full-precision model through ONNX
// Runtime, giving quantized in-process models an external reference to
// score against. Input and output shapes are fixed at creation.
type ReferenceSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inputShape  []int
	outputShape []int
}

// NewReferenceSession loads the ONNX model at modelPath with one named
// input and one named output of the given shapes.
//
// Arguments:
//   - modelPath: Path to the ONNX model file.
//   - inputName, outputName: Graph tensor names.
//   - inputShape, outputShape: Fixed tensor shapes.
//
// Returns:
//   - *ReferenceSession: The ready session.
//   - error: An error if runtime or session creation fails.
func NewReferenceSession(
	modelPath string,
	inputName, outputName string,
	inputShape, outputShape []int,
) (*ReferenceSession, error) {
	if err := initRuntime(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(toInt64(inputShape)...))
	if err != nil {
		return nil, errors.Wrap(err, "eval: creating input tensor")
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(toInt64(outputShape)...))
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "eval: creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "eval: creating session options")
	}
	defer options.Destroy()
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrapf(err, "eval: loading %s", modelPath)
	}

	return &ReferenceSession{
		session:     session,
		input:       inputTensor,
		output:      outputTensor,
		inputShape:  inputShape,
		outputShape: outputShape,
	}, nil
}

// Run copies x into the session input, executes the graph and returns a
// fresh tensor holding the output.
func (s *ReferenceSession) Run(x *tensor.Dense) (*tensor.Dense, error) {
	data, ok := x.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("eval: reference input must be float32, got %v", x.Dtype())
	}
	buf := s.input.GetData()
	if len(data) != len(buf) {
		return nil, errors.Errorf("eval: input has %d elements, session expects %d", len(data), len(buf))
	}
	copy(buf, data)

	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "eval: running reference session")
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return tensor.New(tensor.WithShape(s.outputShape...), tensor.WithBacking(out)), nil
}

// Close releases the session and its tensors.
func (s *ReferenceSession) Close() {
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

func toInt64(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}
