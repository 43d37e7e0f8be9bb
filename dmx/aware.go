// Package dmx is the user-facing surface of the extension: awareness
// activation, the transformed model container, the YAML configuration
// schema and the rule engine that patches it.
package dmx

import (
	"sync"

	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
	"github.com/dmx-ai/mltools/transform"
)

var awareOnce sync.Once

// Aware activates dmx awareness by registering the full native-to-aware
// layer mapping with the transform engine. Safe to call any number of
// times; NewModel calls it implicitly.
func Aware() {
	awareOnce.Do(func() {
		for _, e := range dmxnn.Catalog() {
			transform.Register(e.Native, e.FromRaw)
		}
	})
}
