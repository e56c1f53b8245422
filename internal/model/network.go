package model

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Network is a classifier that maps one canonical tensor to raw class scores.
// Implementations must be safe for concurrent Forward calls.
type Network interface {
	Forward(x Tensor) ([]float32, error)
	Close() error
}

// conv2d is a stride-1, same-padded 2D convolution evaluated as an im2col matrix product.
type conv2d struct {
	outC, inC, k, pad int
	weight            []float64 // [outC, inC, k, k]
	bias              []float64 // [outC]
	w                 *mat.Dense
}

func newConv2d(inC, outC, k int) *conv2d {
	c := &conv2d{
		outC:   outC,
		inC:    inC,
		k:      k,
		pad:    k / 2,
		weight: make([]float64, outC*inC*k*k),
		bias:   make([]float64, outC),
	}
	c.w = mat.NewDense(outC, inC*k*k, c.weight)
	return c
}

func (c *conv2d) forward(in []float64, h, w int) []float64 {
	rows := c.inC * c.k * c.k
	cols := make([]float64, rows*h*w)
	for ic := 0; ic < c.inC; ic++ {
		plane := in[ic*h*w : (ic+1)*h*w]
		for ky := 0; ky < c.k; ky++ {
			for kx := 0; kx < c.k; kx++ {
				row := cols[((ic*c.k+ky)*c.k+kx)*h*w:]
				for y := 0; y < h; y++ {
					iy := y + ky - c.pad
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + kx - c.pad
						if ix < 0 || ix >= w {
							continue
						}
						row[y*w+x] = plane[iy*w+ix]
					}
				}
			}
		}
	}

	var out mat.Dense
	out.Mul(c.w, mat.NewDense(rows, h*w, cols))

	res := make([]float64, c.outC*h*w)
	for oc := 0; oc < c.outC; oc++ {
		dst := res[oc*h*w : (oc+1)*h*w]
		mat.Row(dst, oc, &out)
		for i := range dst {
			dst[i] += c.bias[oc]
		}
	}
	return res
}

type linear struct {
	in, out int
	weight  []float64 // [out, in]
	bias    []float64 // [out]
	w       *mat.Dense
	b       *mat.VecDense
}

func newLinear(in, out int) *linear {
	l := &linear{
		in:     in,
		out:    out,
		weight: make([]float64, out*in),
		bias:   make([]float64, out),
	}
	l.w = mat.NewDense(out, in, l.weight)
	l.b = mat.NewVecDense(out, l.bias)
	return l
}

func (l *linear) forward(in []float64) []float64 {
	var y mat.VecDense
	y.MulVec(l.w, mat.NewVecDense(l.in, in))
	y.AddVec(&y, l.b)
	return y.RawVector().Data
}

func relu(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// maxPool2 applies a 2x2 max pool with stride 2 to a [c, h, w] volume.
func maxPool2(in []float64, c, h, w int) []float64 {
	oh, ow := h/2, w/2
	out := make([]float64, c*oh*ow)
	for ch := 0; ch < c; ch++ {
		plane := in[ch*h*w:]
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				m := math.Inf(-1)
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						if v := plane[(2*y+dy)*w+2*x+dx]; v > m {
							m = v
						}
					}
				}
				out[(ch*oh+y)*ow+x] = m
			}
		}
	}
	return out
}

// cnn is the digit classifier:
//
//	conv1(1->8, 3x3) relu pool2 -> conv2(8->16, 3x3) relu pool2 -> fc1(784->64) relu dropout -> fc2(64->10)
//
// Only evaluation mode exists: dropout is the identity and no gradient state is kept,
// so the parameters are never written after construction.
type cnn struct {
	conv1, conv2 *conv2d
	fc1, fc2     *linear
}

const (
	conv1Out = 8
	conv2Out = 16
	hidden   = 64
	flatSize = conv2Out * (ImageSize / 4) * (ImageSize / 4)
)

func newCNN() *cnn {
	return &cnn{
		conv1: newConv2d(1, conv1Out, 3),
		conv2: newConv2d(conv1Out, conv2Out, 3),
		fc1:   newLinear(flatSize, hidden),
		fc2:   newLinear(hidden, NumClasses),
	}
}

// param names a parameter slice with the state-dict key and shape it is stored under.
type param struct {
	name  string
	shape []int
	data  []float64
	fanIn int
}

func (n *cnn) params() []param {
	return []param{
		{"conv1.weight", []int{conv1Out, 1, 3, 3}, n.conv1.weight, 9},
		{"conv1.bias", []int{conv1Out}, n.conv1.bias, 9},
		{"conv2.weight", []int{conv2Out, conv1Out, 3, 3}, n.conv2.weight, conv1Out * 9},
		{"conv2.bias", []int{conv2Out}, n.conv2.bias, conv1Out * 9},
		{"fc1.weight", []int{hidden, flatSize}, n.fc1.weight, flatSize},
		{"fc1.bias", []int{hidden}, n.fc1.bias, flatSize},
		{"fc2.weight", []int{NumClasses, hidden}, n.fc2.weight, hidden},
		{"fc2.bias", []int{NumClasses}, n.fc2.bias, hidden},
	}
}

// initDefault fills every parameter from U(-1/sqrt(fan_in), 1/sqrt(fan_in)).
func (n *cnn) initDefault(seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, p := range n.params() {
		bound := 1 / math.Sqrt(float64(p.fanIn))
		for i := range p.data {
			p.data[i] = (r.Float64()*2 - 1) * bound
		}
	}
}

func (n *cnn) Forward(x Tensor) ([]float32, error) {
	if x.Shape != InputShape || len(x.Data) != x.Len() {
		return nil, shapeMismatch("cnn.forward", "expected %v with %d values, got %v with %d values",
			InputShape, InputShape[2]*InputShape[3], x.Shape, len(x.Data))
	}

	in := make([]float64, len(x.Data))
	for i, v := range x.Data {
		in[i] = float64(v)
	}

	const s = ImageSize
	a := n.conv1.forward(in, s, s)
	relu(a)
	a = maxPool2(a, conv1Out, s, s)

	a = n.conv2.forward(a, s/2, s/2)
	relu(a)
	a = maxPool2(a, conv2Out, s/2, s/2)

	a = n.fc1.forward(a)
	relu(a)
	// dropout: identity in evaluation mode

	a = n.fc2.forward(a)

	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = float32(v)
	}
	return out, nil
}

func (n *cnn) Close() error { return nil }
