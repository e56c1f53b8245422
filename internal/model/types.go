package model

const (
	ImageSize  = 28
	NumClasses = 10
)

// InputShape is the canonical [batch, channels, height, width] layout fed to every backend.
var InputShape = [4]int{1, 1, ImageSize, ImageSize}

type Metadata struct {
	InputShape  [4]int `json:"input_shape"`
	NumClasses  int    `json:"num_classes"`
	ImageSize   int    `json:"image_size"`
	Backend     string `json:"backend"`
	Source      string `json:"source"`
	WeightsFile bool   `json:"weights_file"`
}

// Tensor is a dense float32 tensor in row-major (NCHW) order.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// NewTensor returns a zeroed tensor with the canonical input shape.
func NewTensor() Tensor {
	return Tensor{
		Shape: InputShape,
		Data:  make([]float32, ImageSize*ImageSize),
	}
}

func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type Result struct {
	Prediction int     `json:"prediction"`
	Confidence float64 `json:"confidence"`
}
