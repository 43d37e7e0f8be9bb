package eval

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Record captures one evaluation run so sweeps over formats and
// sparseness settings stay comparable after the fact.
type Record struct {
	// ID uniquely identifies the run.
	ID string `json:"id"`
	// Model names the evaluated model.
	Model string `json:"model"`
	// Config is the transform configuration the run used, in YAML.
	Config string `json:"config,omitempty"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// Metrics holds named metric values (accuracy, sqnr_db, flops, ...).
	Metrics map[string]float64 `json:"metrics"`
	// Notes carries free-form context for the run.
	Notes string `json:"notes,omitempty"`
}

// NewRecord starts a run record for the named model.
func NewRecord(model string) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Model:     model,
		StartedAt: time.Now().UTC(),
		Metrics:   map[string]float64{},
	}
}

// Add sets one metric on the record and returns it for chaining.
func (r *Record) Add(name string, value float64) *Record {
	r.Metrics[name] = value
	return r
}

// Save writes the record as indented JSON.
func (r *Record) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "eval: encoding record")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "eval: writing %s", path)
}

// LoadRecord reads a record written by Save.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "eval: reading %s", path)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "eval: decoding %s", path)
	}
	return &r, nil
}
