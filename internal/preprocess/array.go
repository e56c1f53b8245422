package preprocess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Brownie44l1/digit-api/internal/model"
)

type ArrayScaling string

const (
	// ScaleNone trusts the caller to send values already in [0, 1].
	ScaleNone ArrayScaling = "none"
	// ScaleAuto divides by 255 when any value is above 1.
	ScaleAuto ArrayScaling = "auto"
)

func (s ArrayScaling) Valid() bool {
	return s == ScaleNone || s == ScaleAuto || s == ""
}

// FromArray reshapes a JSON array of 784 numbers, flat or regularly nested
// (28x28, 1x28x28, 1x1x28x28, ...), into the canonical tensor. A body of the
// form {"image": [...]} is accepted as well.
func FromArray(body []byte, scaling ArrayScaling) (model.Tensor, error) {
	const op = "preprocess.array"

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return model.Tensor{}, model.InvalidInput(op, "invalid JSON: %v", err)
	}
	if dec.More() {
		return model.Tensor{}, model.InvalidInput(op, "unexpected data after JSON value")
	}

	if obj, ok := v.(map[string]any); ok {
		img, found := obj["image"]
		if !found {
			return model.Tensor{}, model.InvalidInput(op, `expected a JSON array or {"image": [...]}`)
		}
		v = img
	}

	shape, err := inferShape(v)
	if err != nil {
		return model.Tensor{}, model.InvalidInput(op, "%v", err)
	}

	want := model.ImageSize * model.ImageSize
	if n := product(shape); n != want {
		return model.Tensor{}, model.InvalidInput(op, "expected %d values for a %dx%d grid, got %d (shape %v)",
			want, model.ImageSize, model.ImageSize, n, shape)
	}

	t := model.NewTensor()
	data := t.Data[:0]
	if err := collect(v, shape, &data); err != nil {
		return model.Tensor{}, model.InvalidInput(op, "%v", err)
	}

	if scaling == ScaleAuto {
		scale255(t.Data)
	}
	return t, nil
}

// inferShape follows the first element at every depth to find the array's shape.
func inferShape(v any) ([]int, error) {
	var shape []int
	for {
		arr, ok := v.([]any)
		if !ok {
			break
		}
		if len(arr) == 0 {
			return nil, fmt.Errorf("empty array at depth %d", len(shape))
		}
		shape = append(shape, len(arr))
		v = arr[0]
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("expected a JSON array")
	}
	return shape, nil
}

func collect(v any, shape []int, out *[]float32) error {
	if len(shape) == 0 {
		num, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("non-numeric value %v", v)
		}
		f, err := num.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxFloat32 {
			return fmt.Errorf("value %s is not a finite float32", num)
		}
		*out = append(*out, float32(f))
		return nil
	}

	arr, ok := v.([]any)
	if !ok || len(arr) != shape[0] {
		return fmt.Errorf("ragged array: expected %d elements at this depth", shape[0])
	}
	for _, e := range arr {
		if err := collect(e, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}

func scale255(data []float32) {
	for _, v := range data {
		if v > 1 {
			for i := range data {
				data[i] /= 255.0
			}
			return
		}
	}
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
