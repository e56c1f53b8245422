package model

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

type testTensor struct {
	shape []int
	data  []float32
}

// zeroStateDict returns every parameter of the digit network filled with zeros.
func zeroStateDict() map[string]testTensor {
	out := map[string]testTensor{}
	for _, p := range newCNN().params() {
		out[p.name] = testTensor{shape: p.shape, data: make([]float32, len(p.data))}
	}
	return out
}

// writeSafetensors encodes tensors as F32 in the safetensors layout:
// u64 header length, JSON header, contiguous little-endian data.
func writeSafetensors(t *testing.T, path string, tensors map[string]testTensor) {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]any{}
	var data []byte
	for _, name := range names {
		tt := tensors[name]
		start := len(data)
		for _, v := range tt.data {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        tt.shape,
			"data_offsets": []int{start, len(data)},
		}
	}

	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, data...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

type fixedNet struct {
	scores []float32
	calls  int
}

func (f *fixedNet) Forward(Tensor) ([]float32, error) {
	f.calls++
	return f.scores, nil
}

func (f *fixedNet) Close() error { return nil }
