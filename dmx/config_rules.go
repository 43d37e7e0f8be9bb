package dmx

import dmxnn "github.com/dmx-ai/mltools/dmx/nn"

// Preset rule lists. Baseline resets every module to exact computation;
// Basic is the standard mixed-precision recipe: block floating point on the
// contracting ops, fp16 elsewhere, int8 embedding activations and the
// base-2 softmax kernel.

const (
	bfp16x64     = "BFP[8|8]{64,-1}(N)"
	bfp16x64Conv = "BFP[8|8]{64,1}(N)"
	fp16         = "FLOAT16"
	fp32         = "FLOAT32"
)

// Baseline returns rules that reset every aware module to SAME formats,
// dense weights and exact kernels.
func Baseline() []*ConfigRule {
	same := "SAME"
	return []*ConfigRule{
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same}, OutputFormat: same, AccumFormat: same,
			WeightFormat: same, BiasFormat: same, WeightSparseness: "DENSE",
		}, "Linear", "Conv2d"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same}, OutputFormat: same,
			WeightFormat: same, BiasFormat: same, WeightSparseness: "DENSE",
			ApproximationFunction: "NONE",
		}, "LayerNorm"),
		NewConfigRule(dmxnn.ModuleConfig{
			OutputFormat: same, WeightFormat: same, WeightSparseness: "DENSE",
		}, "Embedding"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same}, OutputFormat: same,
			ApproximationFunction: "NONE",
		}, "Softmax", "GELU"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same}, OutputFormat: same,
		}, "ReLU"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same, same}, OutputFormat: same,
		}, "ResAdd", "Mul"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same, same}, OutputFormat: same, AccumFormat: same,
		}, "MatMul"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{same, same, same}, OutputFormat: same, AccumFormat: same,
		}, "BAddBMM"),
	}
}

// Basic returns the standard quantization recipe.
func Basic() []*ConfigRule {
	return []*ConfigRule{
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{bfp16x64}, WeightFormat: bfp16x64,
			BiasFormat: fp32, AccumFormat: fp32, OutputFormat: fp16,
		}, "Linear"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{bfp16x64Conv}, WeightFormat: bfp16x64Conv,
			BiasFormat: fp32, AccumFormat: fp32, OutputFormat: fp16,
		}, "Conv2d"),
		// only the left operand is blocked: the right operand's contraction
		// axis depends on the transpose flag, which a rule cannot see
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{bfp16x64}, AccumFormat: fp32, OutputFormat: fp16,
		}, "MatMul"),
		NewConfigRule(dmxnn.ModuleConfig{
			AccumFormat: fp32, OutputFormat: fp16,
		}, "BAddBMM"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{fp16}, OutputFormat: fp16,
			WeightFormat: fp16, BiasFormat: fp16,
		}, "LayerNorm"),
		NewConfigRule(dmxnn.ModuleConfig{
			WeightFormat: bfp16x64, OutputFormat: "INT8",
		}, "Embedding"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{fp16}, OutputFormat: fp16,
			ApproximationFunction: "SOFTMAX(base2)",
		}, "Softmax"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{fp16}, OutputFormat: fp16,
			ApproximationFunction: "GELU(poly2)",
		}, "GELU"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{fp16}, OutputFormat: fp16,
		}, "ReLU"),
		NewConfigRule(dmxnn.ModuleConfig{
			InputFormats: []string{fp16, fp16}, OutputFormat: fp16,
		}, "ResAdd", "Mul"),
	}
}
