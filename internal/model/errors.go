package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for broad classification.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrModelLoad     = errors.New("model load failed")
)

type ErrorKind string

const (
	KindInvalidInput  ErrorKind = "invalid_input"
	KindShapeMismatch ErrorKind = "shape_mismatch"
	KindModelLoad     ErrorKind = "model_load"
)

// OpError wraps an underlying error with operation context and a kind.
type OpError struct {
	Op   string
	Kind ErrorKind
	Path string // optional: weight file involved
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}

	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		base += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match the sentinel belonging to the error's kind.
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindInvalidInput:
		return target == ErrInvalidInput
	case KindShapeMismatch:
		return target == ErrShapeMismatch
	case KindModelLoad:
		return target == ErrModelLoad
	}
	return false
}

func IsKind(err error, kind ErrorKind) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// InvalidInput builds a KindInvalidInput error for op.
func InvalidInput(op string, format string, args ...any) error {
	return &OpError{Op: op, Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

func shapeMismatch(op string, format string, args ...any) error {
	return &OpError{Op: op, Kind: KindShapeMismatch, Err: fmt.Errorf(format, args...)}
}

func loadError(path string, err error) error {
	return &OpError{Op: "model.load", Kind: KindModelLoad, Path: path, Err: err}
}
