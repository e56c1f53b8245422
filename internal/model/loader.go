package model

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	BackendAuto   = "auto"
	BackendNative = "native"
	BackendONNX   = "onnx"
)

type LoadOptions struct {
	// Backend is one of auto, native or onnx. Auto picks onnx for *.onnx paths.
	Backend string
	// RequireWeights makes a missing weight file fatal instead of falling back to defaults.
	RequireWeights bool
	// Seed drives default parameter initialization.
	Seed uint64

	ONNXLibrary string
	ONNXInput   string
	ONNXOutput  string

	Logger *slog.Logger
}

func (o LoadOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o LoadOptions) inputName() string {
	if o.ONNXInput == "" {
		return "input"
	}
	return o.ONNXInput
}

func (o LoadOptions) outputName() string {
	if o.ONNXOutput == "" {
		return "output"
	}
	return o.ONNXOutput
}

func resolveBackend(path, backend string) (string, error) {
	switch backend {
	case "", BackendAuto:
		if strings.EqualFold(filepath.Ext(path), ".onnx") {
			return BackendONNX, nil
		}
		return BackendNative, nil
	case BackendNative, BackendONNX:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q", backend)
	}
}

// Handle is the loaded classifier. It is immutable after Load returns and safe
// for concurrent use by any number of requests.
type Handle struct {
	net      Network
	meta     Metadata
	loaded   bool
	warnings []string
}

// Load builds the classifier from the weight blob at path.
//
// A missing file is not an error unless opts.RequireWeights is set: the handle
// then carries default-initialized parameters, Loaded reports false and a
// warning is recorded. Any other failure to read or apply the weights is
// returned as a KindModelLoad error.
func Load(path string, opts LoadOptions) (*Handle, error) {
	logger := opts.logger()

	backend, err := resolveBackend(path, opts.Backend)
	if err != nil {
		return nil, loadError(path, err)
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, loadError(path, err)
		}
		if opts.RequireWeights {
			return nil, loadError(path, fmt.Errorf("weight file not found"))
		}

		warning := fmt.Sprintf("model weights not found at %s; serving default-initialized parameters", path)
		logger.Warn("model.weights_missing", "path", path, "backend", BackendNative, "seed", opts.Seed)

		net := newCNN()
		net.initDefault(opts.Seed)
		return &Handle{
			net:      net,
			meta:     newMetadata(BackendNative, path, false),
			loaded:   false,
			warnings: []string{warning},
		}, nil
	}

	var net Network
	switch backend {
	case BackendONNX:
		net, err = openONNX(path, opts)
	default:
		net, err = loadNative(path)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("model.loaded", "path", path, "backend", backend)
	return &Handle{
		net:    net,
		meta:   newMetadata(backend, path, true),
		loaded: true,
	}, nil
}

// NewHandle wraps an already constructed network, e.g. one provided by tests.
func NewHandle(net Network, meta Metadata, loaded bool) *Handle {
	if meta.InputShape == ([4]int{}) {
		meta.InputShape = InputShape
	}
	if meta.NumClasses == 0 {
		meta.NumClasses = NumClasses
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = ImageSize
	}
	meta.WeightsFile = loaded
	return &Handle{net: net, meta: meta, loaded: loaded}
}

func newMetadata(backend, source string, loaded bool) Metadata {
	return Metadata{
		InputShape:  InputShape,
		NumClasses:  NumClasses,
		ImageSize:   ImageSize,
		Backend:     backend,
		Source:      source,
		WeightsFile: loaded,
	}
}

// Loaded reports whether the parameters came from the weight file.
func (h *Handle) Loaded() bool { return h.loaded }

func (h *Handle) Backend() string { return h.meta.Backend }

func (h *Handle) Metadata() Metadata { return h.meta }

func (h *Handle) Warnings() []string {
	out := make([]string, len(h.warnings))
	copy(out, h.warnings)
	return out
}

func (h *Handle) Close() error {
	if h == nil || h.net == nil {
		return nil
	}
	return h.net.Close()
}
