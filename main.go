// Command mltools transforms a reference model into its quantized,
// sparsified counterpart from the command line: pick a model, apply a
// preset or a YAML configuration, optionally fold and checkpoint, and
// inspect the resulting module tree.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/dmx-ai/mltools/dmx"
	"github.com/dmx-ai/mltools/models"
)

func main() {
	var (
		modelName  string
		configPath string
		freezePath string
		fold       bool
		savePath   string
		loadPath   string
		printTree  bool
	)
	flag.StringVar(&modelName, "model", string(models.MLPName), "Reference model to build (mlp, lenet, tiny_attention)")
	flag.StringVar(&configPath, "config", "baseline", "Transform configuration: 'baseline', 'basic' or a YAML file path")
	flag.StringVar(&freezePath, "freeze", "", "Write the resolved per-module configuration to this YAML file")
	flag.BoolVar(&fold, "fold", false, "Fold quantized weights and biases into the parameters")
	flag.StringVar(&savePath, "save-checkpoint", "", "Write model weights to this checkpoint file")
	flag.StringVar(&loadPath, "load-checkpoint", "", "Read model weights from this checkpoint file before transforming")
	flag.BoolVar(&printTree, "print-tree", true, "Print the transformed module tree")
	flag.Parse()

	body, err := models.NewModel(models.Name(modelName))
	if err != nil {
		log.Fatal(err)
	}

	model, err := dmx.NewModel(body)
	if err != nil {
		log.Fatalf("transforming %s: %v", modelName, err)
	}

	if loadPath != "" {
		if err := dmx.LoadCheckpoint(loadPath, model.Body); err != nil {
			log.Fatalf("loading checkpoint: %v", err)
		}
		fmt.Printf("Loaded weights from %s\n", loadPath)
	}

	if err := configure(model, configPath); err != nil {
		log.Fatal(err)
	}

	if err := model.CheckDimConsistency(); err != nil {
		log.Fatalf("configuration is inconsistent with the model: %v", err)
	}

	if freezePath != "" {
		if err := model.Freeze(freezePath); err != nil {
			log.Fatalf("freezing configuration: %v", err)
		}
		fmt.Printf("Wrote configuration to %s\n", freezePath)
	}

	if fold {
		if err := model.FoldWeightsAndBiases(); err != nil {
			log.Fatalf("folding: %v", err)
		}
		fmt.Println("Folded quantized weights and biases")
	}

	if savePath != "" {
		if err := dmx.SaveCheckpoint(savePath, model.Body); err != nil {
			log.Fatalf("saving checkpoint: %v", err)
		}
		fmt.Printf("Wrote weights to %s\n", savePath)
	}

	if printTree {
		printModules(model)
	}
}

// configure resolves the -config flag: a preset name applies its rules,
// anything else is read as a YAML configuration file.
func configure(model *dmx.Model, configPath string) error {
	var rules []*dmx.ConfigRule
	switch strings.ToLower(configPath) {
	case "baseline":
		rules = dmx.Baseline()
	case "basic":
		rules = dmx.Basic()
	default:
		return model.TransformFile(configPath)
	}
	for _, rule := range rules {
		if err := rule.ApplyTo(model); err != nil {
			return err
		}
	}
	return nil
}

func printModules(model *dmx.Model) {
	fmt.Println("module tree:")
	for _, nm := range model.NamedDmxModules() {
		cfg := nm.Module.DmxConfig()
		fmt.Printf("  %-24s %s", nm.Name, cfg.Instance)
		if cfg.WeightFormat != "" {
			fmt.Printf("  weight=%s", cfg.WeightFormat)
		}
		if len(cfg.InputFormats) > 0 {
			fmt.Printf("  input=%s", strings.Join(cfg.InputFormats, ","))
		}
		if cfg.OutputFormat != "" {
			fmt.Printf("  output=%s", cfg.OutputFormat)
		}
		if cfg.WeightSparseness != "" {
			fmt.Printf("  sparse=%s", cfg.WeightSparseness)
		}
		fmt.Println()
	}

	params := 0
	for _, p := range model.Parameters() {
		params += p.Data.Shape().TotalSize()
	}
	fmt.Printf("parameters: %d\n", params)
}
