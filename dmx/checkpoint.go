package dmx

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/dmx-ai/mltools/nn"
)

// Binary weight checkpoint for transformed models. Layout, little endian:
//
//	magic "DMXW" | uint16 version | uint32 entry count
//	per entry: uint16 name length | name bytes | uint8 rank |
//	           rank * uint32 dims | prod(dims) * float32 payload
//
// Entries are keyed by "<module path>.<param name>", the same names
// nn.NamedParameters produces, so a checkpoint loads back into any model
// with the same tree shape.

var checkpointMagic = [4]byte{'D', 'M', 'X', 'W'}

const checkpointVersion uint16 = 1

// SaveCheckpoint writes every named parameter of root to path.
func SaveCheckpoint(path string, root nn.Module) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "dmx: creating checkpoint %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	params := nn.NamedParameters(root)

	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return errors.Wrap(err, "dmx: writing checkpoint header")
	}
	if err := binary.Write(w, binary.LittleEndian, checkpointVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}

	for _, np := range params {
		if len(np.Name) > math.MaxUint16 {
			return errors.Errorf("dmx: parameter name %q too long", np.Name)
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(np.Name))); err != nil {
			return err
		}
		if _, err := w.WriteString(np.Name); err != nil {
			return err
		}
		shape := np.Param.Data.Shape()
		if err := w.WriteByte(uint8(len(shape))); err != nil {
			return err
		}
		for _, d := range shape {
			if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, np.Param.Data.Data().([]float32)); err != nil {
			return errors.Wrapf(err, "dmx: writing %q", np.Name)
		}
	}
	return errors.Wrap(w.Flush(), "dmx: flushing checkpoint")
}

// LoadCheckpoint restores parameters saved by SaveCheckpoint into root.
// Every entry must match an existing parameter in name and shape; extra
// parameters in the model are left untouched.
func LoadCheckpoint(path string, root nn.Module) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "dmx: opening checkpoint %s", path)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return errors.Wrap(err, "dmx: reading checkpoint header")
	}
	if magic != checkpointMagic {
		return errors.Errorf("dmx: %s is not a dmx checkpoint", path)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != checkpointVersion {
		return errors.Errorf("dmx: unsupported checkpoint version %d", version)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	byName := make(map[string]*nn.Param)
	for _, np := range nn.NamedParameters(root) {
		byName[np.Name] = np.Param
	}

	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return err
		}
		name := string(nameBuf)

		rank, err := r.ReadByte()
		if err != nil {
			return err
		}
		size := 1
		dims := make([]int, rank)
		for d := range dims {
			var v uint32
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return err
			}
			dims[d] = int(v)
			size *= int(v)
		}

		p, ok := byName[name]
		if !ok {
			return errors.Errorf("dmx: checkpoint entry %q has no matching parameter", name)
		}
		shape := p.Data.Shape()
		if len(shape) != int(rank) || shape.TotalSize() != size {
			return errors.Errorf("dmx: checkpoint entry %q has shape %v, model wants %v", name, dims, shape)
		}
		if err := binary.Read(r, binary.LittleEndian, p.Data.Data().([]float32)); err != nil {
			return errors.Wrapf(err, "dmx: reading %q", name)
		}
	}
	return nil
}
