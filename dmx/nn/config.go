package dmxnn

// ModuleConfig is the freeze/thaw unit of one aware module: every numerical
// knob as a string, the way it appears in a YAML configuration. Empty fields
// mean "leave as is", so a sparse config patches only what it names.
type ModuleConfig struct {
	// Instance is the aware layer kind, e.g. "Linear". Informational on
	// thaw; rules match against it.
	Instance string `yaml:"instance,omitempty" json:"instance,omitempty"`
	// InputFormats holds one format string per forward input.
	InputFormats []string `yaml:"input_formats,omitempty,flow" json:"input_formats,omitempty"`
	OutputFormat string   `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	AccumFormat  string   `yaml:"accum_format,omitempty" json:"accum_format,omitempty"`
	WeightFormat string   `yaml:"weight_format,omitempty" json:"weight_format,omitempty"`
	BiasFormat   string   `yaml:"bias_format,omitempty" json:"bias_format,omitempty"`
	// WeightSparseness is a sparseness string, e.g. "BTOPK{2:4,-1}".
	WeightSparseness string `yaml:"weight_sparseness,omitempty" json:"weight_sparseness,omitempty"`
	// ApproximationFunction selects the approximated kernel, e.g.
	// "SOFTMAX(base2)".
	ApproximationFunction string `yaml:"approximation_function,omitempty" json:"approximation_function,omitempty"`
}

// Merge overlays patch on c: set fields of patch win, empty fields keep c's
// value. Input formats merge positionally.
func (c ModuleConfig) Merge(patch ModuleConfig) ModuleConfig {
	out := c
	if patch.Instance != "" {
		out.Instance = patch.Instance
	}
	if len(patch.InputFormats) > 0 {
		merged := append([]string{}, c.InputFormats...)
		for len(merged) < len(patch.InputFormats) {
			merged = append(merged, "")
		}
		for i, f := range patch.InputFormats {
			if f != "" {
				merged[i] = f
			}
		}
		out.InputFormats = merged
	}
	if patch.OutputFormat != "" {
		out.OutputFormat = patch.OutputFormat
	}
	if patch.AccumFormat != "" {
		out.AccumFormat = patch.AccumFormat
	}
	if patch.WeightFormat != "" {
		out.WeightFormat = patch.WeightFormat
	}
	if patch.BiasFormat != "" {
		out.BiasFormat = patch.BiasFormat
	}
	if patch.WeightSparseness != "" {
		out.WeightSparseness = patch.WeightSparseness
	}
	if patch.ApproximationFunction != "" {
		out.ApproximationFunction = patch.ApproximationFunction
	}
	return out
}
