// Package transform is the graph rewrite engine: it walks a native module
// tree and substitutes registered module types with their hardware-aware
// counterparts in place, preserving parameter tensors and gradient flow.
package transform

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/dmx-ai/mltools/nn"
)

// Aware marks modules that are already hardware-aware. Substitute skips
// them, and their subtrees, so a second pass over a transformed tree is a
// no-op.
type Aware interface {
	DmxAware()
}

// FromRaw builds an aware module from its native counterpart, stealing the
// native module's parameter tensors rather than copying them.
type FromRaw func(raw nn.Module) (nn.Module, error)

var (
	registryMu sync.RWMutex
	registry   = map[reflect.Type]FromRaw{}
)

// Register maps a native module type, given by example, to its aware
// constructor. Later registrations for the same type win.
func Register(proto nn.Module, fn FromRaw) {
	registryMu.Lock()
	registry[reflect.TypeOf(proto)] = fn
	registryMu.Unlock()
}

// Mapped reports whether a substitution is registered for m's type.
func Mapped(m nn.Module) bool {
	registryMu.RLock()
	_, ok := registry[reflect.TypeOf(m)]
	registryMu.RUnlock()
	return ok
}

func lookup(m nn.Module) (FromRaw, bool) {
	registryMu.RLock()
	fn, ok := registry[reflect.TypeOf(m)]
	registryMu.RUnlock()
	return fn, ok
}

// Report summarizes a substitution pass.
type Report struct {
	// Substituted lists the dotted paths of modules that were replaced.
	Substituted []string
	// Skipped lists the dotted paths of mapped modules that could not be
	// replaced because their parent slot is concrete-typed.
	Skipped []string
}

// Substitute rewrites the tree rooted at root, replacing every module whose
// type has a registered aware counterpart. The returned module is the new
// root: it differs from root only when root itself was mapped. Modules that
// are already aware are left alone together with their subtrees.
func Substitute(root nn.Module) (nn.Module, *Report, error) {
	report := &Report{}

	if _, ok := root.(Aware); !ok {
		if fn, ok := lookup(root); ok {
			aware, err := fn(root)
			if err != nil {
				return nil, nil, errors.Wrap(err, "transform: substituting root")
			}
			report.Substituted = append(report.Substituted, "")
			root = aware
		}
	}

	err := nn.Walk(root, func(path string, m nn.Module, replace func(nn.Module) bool) error {
		if _, ok := m.(Aware); ok {
			return nn.SkipChildren
		}
		fn, ok := lookup(m)
		if !ok {
			return nil
		}
		if replace == nil {
			// root, handled above
			return nil
		}
		aware, err := fn(m)
		if err != nil {
			return errors.Wrapf(err, "transform: substituting %q", path)
		}
		if !replace(aware) {
			report.Skipped = append(report.Skipped, path)
			return nil
		}
		report.Substituted = append(report.Substituted, path)
		// the aware module owns the raw one now; don't descend into it
		return nn.SkipChildren
	})
	if err != nil {
		return nil, nil, err
	}
	return root, report, nil
}
