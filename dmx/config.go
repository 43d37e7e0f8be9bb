package dmx

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
)

// Config maps dotted module paths to their numerical configuration. It is
// the YAML freeze/thaw schema: one document, one entry per aware module.
type Config map[string]dmxnn.ModuleConfig

func (c Config) sortedNames() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalYAML emits entries in sorted name order so frozen files diff
// cleanly across runs.
func (c Config) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range c.sortedNames() {
		var key, val yaml.Node
		key.SetString(name)
		if err := val.Encode(c[name]); err != nil {
			return nil, errors.Wrapf(err, "dmx: encoding config for %q", name)
		}
		root.Content = append(root.Content, &key, &val)
	}
	return root, nil
}

// FromModel snapshots the current configuration of every aware module.
func FromModel(m *Model) Config {
	cfg := Config{}
	for _, nm := range m.NamedDmxModules() {
		cfg[nm.Name] = nm.Module.DmxConfig()
	}
	return cfg
}

// FromYAML parses a frozen configuration document.
func FromYAML(data []byte) (Config, error) {
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "dmx: parsing config")
	}
	return cfg, nil
}

// ToYAML serializes the configuration.
func (c Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromYAMLFile reads and parses a frozen configuration file.
func FromYAMLFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dmx: reading %s", path)
	}
	return FromYAML(data)
}

// ToYAMLFile writes the configuration to a file.
func (c Config) ToYAMLFile(path string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "dmx: writing %s", path)
}
