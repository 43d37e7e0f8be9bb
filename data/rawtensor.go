package data

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Raw tensor files carry a single float32 tensor: little-endian uint32
// rank, rank uint32 dims, then the payload. The format exists so captured
// activations and reference outputs can move between runs and tools
// without an image or YAML dependency.

// SaveRawTensor writes t to path.
func SaveRawTensor(path string, t *tensor.Dense) error {
	data, ok := t.Data().([]float32)
	if !ok {
		return errors.Errorf("data: raw tensor files hold float32, got %v", t.Dtype())
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "data: creating %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	shape := t.Shape()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(shape))); err != nil {
		return err
	}
	for _, d := range shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return err
	}
	return errors.Wrapf(w.Flush(), "data: writing %s", path)
}

// LoadRawTensor reads a tensor written by SaveRawTensor.
func LoadRawTensor(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "data: opening %s", path)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return nil, errors.Wrapf(err, "data: reading %s", path)
	}
	if rank == 0 || rank > 8 {
		return nil, errors.Errorf("data: %s has implausible rank %d", path, rank)
	}
	shape := make([]int, rank)
	size := 1
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, err
		}
		shape[i] = int(d)
		size *= int(d)
	}
	data := make([]float32, size)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, errors.Wrapf(err, "data: reading payload of %s", path)
	}
	// trailing garbage means the header lied about the shape
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, errors.Errorf("data: %s has trailing bytes", path)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
