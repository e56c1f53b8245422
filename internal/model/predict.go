package model

import (
	"errors"
	"math"
)

// Predict runs one evaluation-mode forward pass and returns the most probable
// class together with its softmax probability. It never mutates h.
func Predict(h *Handle, x Tensor) (Result, error) {
	if h == nil || h.net == nil {
		return Result{}, errors.New("model.predict: nil model handle")
	}
	if x.Shape != h.meta.InputShape || len(x.Data) != x.Len() {
		return Result{}, shapeMismatch("model.predict", "model expects %v, got %v with %d values",
			h.meta.InputShape, x.Shape, len(x.Data))
	}

	logits, err := h.net.Forward(x)
	if err != nil {
		return Result{}, err
	}
	if len(logits) != h.meta.NumClasses {
		return Result{}, shapeMismatch("model.predict", "model produced %d scores, expected %d",
			len(logits), h.meta.NumClasses)
	}

	probs := Softmax(logits)
	idx, conf := Argmax(probs)
	if idx < 0 || math.IsNaN(conf) {
		return Result{}, shapeMismatch("model.predict", "model produced non-finite scores")
	}
	return Result{Prediction: idx, Confidence: conf}, nil
}

// Softmax converts raw scores into a probability distribution.
func Softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}

	m := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > m {
			m = float64(v)
		}
	}

	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - m)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax returns the first index holding the maximum value, or -1 when v is
// empty or contains NaN.
func Argmax(v []float64) (int, float64) {
	idx, best := -1, math.Inf(-1)
	for i, p := range v {
		if math.IsNaN(p) {
			return -1, math.NaN()
		}
		if p > best {
			idx, best = i, p
		}
	}
	return idx, best
}
