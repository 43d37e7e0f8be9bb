package dmx

import (
	"regexp"

	"github.com/pkg/errors"

	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
)

// ConfigRule patches the configuration of every aware module matching an
// instance-kind set and an optional name pattern. Rules are the scalpel the
// presets are built from: a config file pins individual modules, a rule
// sweeps a class of them.
type ConfigRule struct {
	// Instances are aware layer kinds the rule applies to, e.g. "Linear".
	// Empty means every kind.
	Instances []string
	// NamePattern optionally restricts matches by dotted module path.
	NamePattern *regexp.Regexp
	// Patch holds the fields to overwrite; empty fields leave modules
	// untouched.
	Patch dmxnn.ModuleConfig
}

// NewConfigRule builds a rule for the given instance kinds.
func NewConfigRule(patch dmxnn.ModuleConfig, instances ...string) *ConfigRule {
	return &ConfigRule{Instances: instances, Patch: patch}
}

// MatchingName restricts the rule to module paths matching expr.
func (r *ConfigRule) MatchingName(expr string) (*ConfigRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "dmx: rule name pattern %q", expr)
	}
	r.NamePattern = re
	return r, nil
}

func (r *ConfigRule) matches(name, instance string) bool {
	if r.NamePattern != nil && !r.NamePattern.MatchString(name) {
		return false
	}
	if len(r.Instances) == 0 {
		return true
	}
	for _, inst := range r.Instances {
		if inst == instance {
			return true
		}
	}
	return false
}

// NamesIn lists the module paths the rule would touch in a model.
func (r *ConfigRule) NamesIn(m *Model) []string {
	var names []string
	for _, nm := range m.NamedDmxModules() {
		if r.matches(nm.Name, nm.Module.DmxConfig().Instance) {
			names = append(names, nm.Name)
		}
	}
	return names
}

// NamesInConfig lists the entry names the rule would touch in a frozen
// configuration.
func (r *ConfigRule) NamesInConfig(cfg Config) []string {
	var names []string
	for _, name := range cfg.sortedNames() {
		if r.matches(name, cfg[name].Instance) {
			names = append(names, name)
		}
	}
	return names
}

// ApplyTo patches every matching module of the model in place.
func (r *ConfigRule) ApplyTo(m *Model) error {
	for _, nm := range m.NamedDmxModules() {
		if !r.matches(nm.Name, nm.Module.DmxConfig().Instance) {
			continue
		}
		if err := nm.Module.Configure(r.Patch); err != nil {
			return errors.Wrapf(err, "dmx: rule on %q", nm.Name)
		}
	}
	return nil
}

// ApplyToConfig patches every matching entry of a frozen configuration,
// returning the updated copy.
func (r *ConfigRule) ApplyToConfig(cfg Config) Config {
	out := Config{}
	for name, mc := range cfg {
		if r.matches(name, mc.Instance) {
			out[name] = mc.Merge(r.Patch)
		} else {
			out[name] = mc
		}
	}
	return out
}
