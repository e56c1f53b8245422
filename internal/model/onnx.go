package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The onnxruntime environment is process-wide; sessions share it by reference count.
var onnxEnv struct {
	mu   sync.Mutex
	refs int
}

func acquireONNX(libraryPath string) error {
	onnxEnv.mu.Lock()
	defer onnxEnv.mu.Unlock()

	if onnxEnv.refs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	onnxEnv.refs++
	return nil
}

func releaseONNX() error {
	onnxEnv.mu.Lock()
	defer onnxEnv.mu.Unlock()

	if onnxEnv.refs == 0 {
		return nil
	}
	onnxEnv.refs--
	if onnxEnv.refs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// onnxNetwork runs an exported ONNX graph. A dynamic session binds tensors per call,
// so concurrent Forward calls need no lock.
type onnxNetwork struct {
	session *ort.DynamicAdvancedSession
}

func openONNX(path string, opts LoadOptions) (*onnxNetwork, error) {
	if err := acquireONNX(opts.ONNXLibrary); err != nil {
		return nil, loadError(path, err)
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{opts.inputName()}, []string{opts.outputName()}, nil)
	if err != nil {
		_ = releaseONNX()
		return nil, loadError(path, fmt.Errorf("failed to create ONNX session: %w", err))
	}

	n := &onnxNetwork{session: session}

	// Fail at startup rather than on the first request when the graph does not
	// accept the canonical input or does not emit one score per class.
	scores, err := n.Forward(NewTensor())
	if err != nil {
		_ = n.Close()
		return nil, loadError(path, err)
	}
	if len(scores) != NumClasses {
		_ = n.Close()
		return nil, loadError(path, fmt.Errorf("graph emits %d scores, expected %d", len(scores), NumClasses))
	}
	return n, nil
}

func (n *onnxNetwork) Forward(x Tensor) ([]float32, error) {
	if x.Shape != InputShape || len(x.Data) != x.Len() {
		return nil, shapeMismatch("onnx.forward", "expected %v, got %v with %d values", InputShape, x.Shape, len(x.Data))
	}

	shape := ort.NewShape(int64(x.Shape[0]), int64(x.Shape[1]), int64(x.Shape[2]), int64(x.Shape[3]))
	input, err := ort.NewTensor(shape, x.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := n.session.Run([]ort.ArbitraryTensor{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, shapeMismatch("onnx.forward", "output is not a float32 tensor")
	}

	data := out.GetData()
	scores := make([]float32, len(data))
	copy(scores, data)
	return scores, nil
}

func (n *onnxNetwork) Close() error {
	if n.session != nil {
		if err := n.session.Destroy(); err != nil {
			return err
		}
		n.session = nil
	}
	return releaseONNX()
}
