package model

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
)

func TestReleaseONNXWithoutAcquire(t *testing.T) {
	if onnxEnv.refs != 0 {
		t.Skip("onnxruntime environment in use")
	}
	if err := releaseONNX(); err != nil {
		t.Fatalf("release with no references: %v", err)
	}
	if onnxEnv.refs != 0 {
		t.Fatalf("refs went negative: %d", onnxEnv.refs)
	}
}

func TestAcquireONNXBadLibrary(t *testing.T) {
	if onnxEnv.refs != 0 || ort.IsInitialized() {
		t.Skip("onnxruntime environment in use")
	}
	if err := acquireONNX(filepath.Join(t.TempDir(), "libonnxruntime.so")); err == nil {
		t.Fatal("expected an error for a missing shared library")
	}
	if onnxEnv.refs != 0 {
		t.Fatalf("failed acquire must not take a reference, refs=%d", onnxEnv.refs)
	}
}

func TestLoadONNXBadLibrary(t *testing.T) {
	if onnxEnv.refs != 0 || ort.IsInitialized() {
		t.Skip("onnxruntime environment in use")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "digits.onnx")
	if err := os.WriteFile(path, digitGraph(3), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path, LoadOptions{ONNXLibrary: filepath.Join(dir, "libonnxruntime.so")})
	if !IsKind(err, KindModelLoad) {
		t.Fatalf("expected model_load error, got %v", err)
	}
	if onnxEnv.refs != 0 {
		t.Fatalf("refs leaked: %d", onnxEnv.refs)
	}
}

func TestLoadONNX(t *testing.T) {
	lib := os.Getenv("ONNX_LIBRARY_PATH")
	if lib == "" {
		t.Skip("ONNX_LIBRARY_PATH not set")
	}
	path := filepath.Join(t.TempDir(), "digits.onnx")
	if err := os.WriteFile(path, digitGraph(3), 0o644); err != nil {
		t.Fatal(err)
	}
	opts := LoadOptions{ONNXLibrary: lib}

	first, err := Load(path, opts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := Load(path, opts)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if onnxEnv.refs != 2 {
		t.Fatalf("expected 2 environment references, got %d", onnxEnv.refs)
	}
	if !first.Loaded() || first.Backend() != BackendONNX {
		t.Fatalf("unexpected handle state loaded=%v backend=%q", first.Loaded(), first.Backend())
	}

	want := math.Exp(5) / (math.Exp(5) + 9)
	for i := 0; i < 2; i++ {
		res, err := Predict(first, NewTensor())
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if res.Prediction != 3 || math.Abs(res.Confidence-want) > 1e-6 {
			t.Fatalf("expected class 3 at %f, got %+v", want, res)
		}
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if onnxEnv.refs != 0 || ort.IsInitialized() {
		t.Fatalf("environment still held after closing every handle (refs=%d)", onnxEnv.refs)
	}
}

// protoMsg is a minimal protobuf encoder, enough to write an ONNX ModelProto.
type protoMsg []byte

func (m protoMsg) varint(field int, v int64) protoMsg {
	m = binary.AppendUvarint(m, uint64(field<<3))
	return binary.AppendUvarint(m, uint64(v))
}

func (m protoMsg) bytes(field int, b []byte) protoMsg {
	m = binary.AppendUvarint(m, uint64(field<<3|2))
	m = binary.AppendUvarint(m, uint64(len(b)))
	return append(m, b...)
}

func (m protoMsg) str(field int, s string) protoMsg {
	return m.bytes(field, []byte(s))
}

func valueInfo(name string, dims ...int64) protoMsg {
	var shape protoMsg
	for _, d := range dims {
		shape = shape.bytes(1, protoMsg{}.varint(1, d))
	}
	tensorType := protoMsg{}.varint(1, 1).bytes(2, shape) // elem_type FLOAT
	return protoMsg{}.str(1, name).bytes(2, protoMsg{}.bytes(1, tensorType))
}

func initializer(name string, dims []int64, values []float32) protoMsg {
	var m protoMsg
	for _, d := range dims {
		m = m.varint(1, d)
	}
	var raw []byte
	for _, v := range values {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	return m.varint(2, 1).str(8, name).bytes(9, raw)
}

func node(op string, inputs []string, output string) protoMsg {
	var m protoMsg
	for _, in := range inputs {
		m = m.str(1, in)
	}
	return m.str(2, output).str(4, op)
}

// digitGraph encodes output = Flatten(input) x 0 + b, where b is 5 at class and 0 elsewhere.
func digitGraph(class int) []byte {
	bias := make([]float32, NumClasses)
	bias[class] = 5

	graph := protoMsg{}.
		bytes(1, node("Flatten", []string{"input"}, "flat")).
		bytes(1, node("MatMul", []string{"flat", "w"}, "scores")).
		bytes(1, node("Add", []string{"scores", "b"}, "output")).
		str(2, "digits").
		bytes(5, initializer("w", []int64{ImageSize * ImageSize, NumClasses}, make([]float32, ImageSize*ImageSize*NumClasses))).
		bytes(5, initializer("b", []int64{NumClasses}, bias)).
		bytes(11, valueInfo("input", 1, 1, ImageSize, ImageSize)).
		bytes(12, valueInfo("output", 1, NumClasses))

	opset := protoMsg{}.varint(2, 13)
	return protoMsg{}.varint(1, 7).bytes(7, graph).bytes(8, opset)
}
