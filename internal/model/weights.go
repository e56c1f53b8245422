package model

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// maxHeaderSize bounds the JSON header of a safetensors blob.
const maxHeaderSize = 100 << 20

// tensorInfo is one entry of a safetensors header. Data is little-endian, C order.
type tensorInfo struct {
	DType       string    `json:"dtype"`
	Shape       []uint64  `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// stateDict is a decoded safetensors blob: named tensor headers over one byte buffer.
type stateDict struct {
	tensors map[string]tensorInfo
	data    []byte
}

// parseSafetensors decodes the layout
//
//	u64 header length | JSON header | tensor bytes
//
// and checks that every tensor's byte range lies inside the buffer.
func parseSafetensors(buf []byte) (*stateDict, error) {
	if len(buf) < 8 {
		return nil, errors.New("too short for a safetensors header")
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	if n > maxHeaderSize || n > uint64(len(buf)-8) {
		return nil, fmt.Errorf("header length %d out of range", n)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	sd := &stateDict{
		tensors: make(map[string]tensorInfo, len(raw)),
		data:    buf[8+n:],
	}
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin > end || end > uint64(len(sd.data)) {
			return nil, fmt.Errorf("tensor %q: data offsets %v outside %d data bytes", name, info.DataOffsets, len(sd.data))
		}
		sd.tensors[name] = info
	}
	return sd, nil
}

func (sd *stateDict) tensor(name string) (tensorInfo, []byte, bool) {
	info, ok := sd.tensors[name]
	if !ok {
		return tensorInfo{}, nil, false
	}
	return info, sd.data[info.DataOffsets[0]:info.DataOffsets[1]], true
}

// loadNative builds the digit network and applies the state dict stored in the safetensors blob at path.
func loadNative(path string) (*cnn, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, loadError(path, err)
	}

	sd, err := parseSafetensors(buf)
	if err != nil {
		return nil, loadError(path, fmt.Errorf("decode safetensors: %w", err))
	}

	net := newCNN()
	for _, p := range net.params() {
		info, data, ok := sd.tensor(p.name)
		if !ok {
			return nil, loadError(path, fmt.Errorf("missing tensor %q", p.name))
		}
		if err := applyParam(p, info, data); err != nil {
			return nil, loadError(path, err)
		}
	}
	return net, nil
}

func applyParam(p param, info tensorInfo, data []byte) error {
	if len(info.Shape) != len(p.shape) {
		return fmt.Errorf("tensor %q: expected shape %v, got %v", p.name, p.shape, info.Shape)
	}
	for i, d := range info.Shape {
		if d != uint64(p.shape[i]) {
			return fmt.Errorf("tensor %q: expected shape %v, got %v", p.name, p.shape, info.Shape)
		}
	}

	switch info.DType {
	case "F32":
		if len(data) != 4*len(p.data) {
			return fmt.Errorf("tensor %q: expected %d bytes, got %d", p.name, 4*len(p.data), len(data))
		}
		for i := range p.data {
			p.data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:])))
		}
	case "F64":
		if len(data) != 8*len(p.data) {
			return fmt.Errorf("tensor %q: expected %d bytes, got %d", p.name, 8*len(p.data), len(data))
		}
		for i := range p.data {
			p.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
		}
	default:
		return fmt.Errorf("tensor %q: unsupported dtype %q", p.name, info.DType)
	}

	for _, v := range p.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("tensor %q: non-finite value", p.name)
		}
	}
	return nil
}
