package tensor

import (
	"fmt"
	"math/rand"
)

// Operation is implemented by every differentiable op. Forward results keep a
// pointer to the op that created them so Backward can walk the graph.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a CPU-resident float64 tensor. Gradients are accumulated into
// grad during Backward; creator links the tensor to the op that produced it.
type Tensor struct {
	Shape    []int
	Data     []float64
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// New creates a tensor with the given shape backed by data. The data slice is
// used directly, not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := numElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data, NumElems: n}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := numElements(shape)
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n), NumElems: n}, nil
}

// Ones creates a one-filled tensor with the given shape.
func Ones(shape []int) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t, nil
}

// Scalar wraps a single value as a [1] tensor.
func Scalar(v float64) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float64{v}, NumElems: 1}
}

// Vector wraps a slice as a rank-1 tensor. The slice is used directly.
func Vector(data []float64) *Tensor {
	return &Tensor{Shape: []int{len(data)}, Data: data, NumElems: len(data)}
}

// RandUniform creates a tensor filled with samples from U(lo, hi) drawn from
// rng, so parameter initialization is reproducible given a seed.
func RandUniform(shape []int, lo, hi float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = lo + rng.Float64()*(hi-lo)
	}
	return t, nil
}

// Clone returns a deep copy of the tensor's shape and data. The copy carries
// the requiresGrad flag but no gradient and no creator.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

func (t *Tensor) SetRequiresGrad(requires bool) { t.requiresGrad = requires }

// Grad returns the accumulated gradient, nil before any Backward call.
func (t *Tensor) Grad() *Tensor { return t.grad }

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() { t.grad = nil }

// Value returns the single element of a scalar tensor.
func (t *Tensor) Value() float64 { return t.Data[0] }

// needsGrad reports whether gradients must flow through this tensor: either
// it is a leaf parameter or it was produced by a recorded op.
func (t *Tensor) needsGrad() bool { return t.requiresGrad || t.creator != nil }

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
