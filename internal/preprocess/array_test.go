package preprocess

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Brownie44l1/digit-api/internal/model"
)

func grid(rows, cols int, v float64) [][]float64 {
	g := make([][]float64, rows)
	for i := range g {
		g[i] = make([]float64, cols)
		for j := range g[i] {
			g[i][j] = v
		}
	}
	return g
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFromArrayShapes(t *testing.T) {
	flat := make([]float64, 784)
	flat[29] = 0.5

	nested := grid(28, 28, 0)
	nested[1][1] = 0.5

	cases := []struct {
		name string
		body any
	}{
		{"flat", flat},
		{"28x28", nested},
		{"1x28x28", [][][]float64{nested}},
		{"1x1x28x28", [][][][]float64{{nested}}},
		{"object", map[string]any{"image": flat}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tensor, err := FromArray(mustJSON(t, c.body), ScaleNone)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tensor.Shape != model.InputShape {
				t.Fatalf("expected shape %v, got %v", model.InputShape, tensor.Shape)
			}
			if len(tensor.Data) != 784 {
				t.Fatalf("expected 784 values, got %d", len(tensor.Data))
			}
			if tensor.Data[29] != 0.5 {
				t.Fatalf("expected value at row 1 col 1, got %v", tensor.Data[29])
			}
		})
	}
}

func TestFromArrayRejects(t *testing.T) {
	ragged := grid(28, 28, 0)
	ragged[5] = ragged[5][:27]

	cases := []struct {
		name string
		body string
		want string
	}{
		{"not json", `[1,2`, "invalid JSON"},
		{"scalar", `3`, "expected a JSON array"},
		{"empty", `[]`, "empty array"},
		{"too short", string(mustJSON(t, make([]float64, 783))), "expected 784 values"},
		{"wrong grid", string(mustJSON(t, grid(27, 28, 0))), "expected 784 values"},
		{"ragged", string(mustJSON(t, ragged)), "ragged"},
		{"string leaf", `[` + strings.Repeat(`"a",`, 783) + `"a"]`, "non-numeric"},
		{"object without image", `{"pixels": []}`, "expected a JSON array"},
		{"trailing data", `[1] [2]`, "unexpected data"},
		{"overflow", `[` + strings.Repeat(`0,`, 783) + `1e300]`, "not a finite float32"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := FromArray([]byte(c.body), ScaleNone)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !model.IsKind(err, model.KindInvalidInput) {
				t.Fatalf("expected invalid_input, got %v", err)
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected %q in error, got %v", c.want, err)
			}
		})
	}
}

func TestFromArrayScaling(t *testing.T) {
	body := mustJSON(t, grid(28, 28, 255))

	raw, err := FromArray(body, ScaleNone)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Data[0] != 255 {
		t.Fatalf("expected values passed through unscaled, got %v", raw.Data[0])
	}

	scaled, err := FromArray(body, ScaleAuto)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range scaled.Data {
		if v != 1 {
			t.Fatalf("expected 1 at %d, got %v", i, v)
		}
	}

	unit, err := FromArray(mustJSON(t, grid(28, 28, 0.25)), ScaleAuto)
	if err != nil {
		t.Fatal(err)
	}
	if unit.Data[0] != 0.25 {
		t.Fatalf("expected pre-scaled input untouched, got %v", unit.Data[0])
	}
}
