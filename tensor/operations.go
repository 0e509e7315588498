package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

func checkSameShape(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// record wires the result into the graph when any input participates in
// gradient computation.
func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.needsGrad() {
			result.creator = op
			return result
		}
	}
	return result
}

// Add returns the elementwise sum of two tensors of identical shape.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	result, _ := Zeros(t1.Shape)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = t1.Data[i] + t2.Data[i]
	}
	return record(result, &addOp{inputs: []*Tensor{t1, t2}}, t1, t2), nil
}

// Sub returns the elementwise difference t1 - t2.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	result, _ := Zeros(t1.Shape)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = t1.Data[i] - t2.Data[i]
	}
	return record(result, &subOp{inputs: []*Tensor{t1, t2}}, t1, t2), nil
}

// Mul returns the elementwise product of two tensors of identical shape.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	result, _ := Zeros(t1.Shape)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = t1.Data[i] * t2.Data[i]
	}
	return record(result, &mulOp{inputs: []*Tensor{t1, t2}}, t1, t2), nil
}

// Div returns the elementwise quotient t1 / t2.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	result, _ := Zeros(t1.Shape)
	for i := 0; i < t1.NumElems; i++ {
		if t2.Data[i] == 0 {
			return nil, fmt.Errorf("division by zero at index %d", i)
		}
		result.Data[i] = t1.Data[i] / t2.Data[i]
	}
	return record(result, &divOp{inputs: []*Tensor{t1, t2}}, t1, t2), nil
}

// AddScalar adds a constant to every element.
func AddScalar(t *Tensor, c float64) *Tensor {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] + c
	}
	return record(result, &addScalarOp{inputs: []*Tensor{t}}, t)
}

// MulScalar multiplies every element by a constant.
func MulScalar(t *Tensor, c float64) *Tensor {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * c
	}
	return record(result, &mulScalarOp{inputs: []*Tensor{t}, c: c}, t)
}

// Log returns the elementwise natural logarithm. All elements must be
// strictly positive; callers add a stabilizing epsilon first.
func Log(t *Tensor) (*Tensor, error) {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		if t.Data[i] <= 0 {
			return nil, fmt.Errorf("log of non-positive value at index %d: %f", i, t.Data[i])
		}
		result.Data[i] = math.Log(t.Data[i])
	}
	return record(result, &logOp{inputs: []*Tensor{t}}, t), nil
}

// Exp returns the elementwise exponential.
func Exp(t *Tensor) *Tensor {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		result.Data[i] = math.Exp(t.Data[i])
	}
	op := &expOp{inputs: []*Tensor{t}}
	out := record(result, op, t)
	op.output = out
	return out
}

// Sigmoid returns the elementwise logistic function.
func Sigmoid(t *Tensor) *Tensor {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		result.Data[i] = 1.0 / (1.0 + math.Exp(-t.Data[i]))
	}
	op := &sigmoidOp{inputs: []*Tensor{t}}
	out := record(result, op, t)
	op.output = out
	return out
}

// Tanh returns the elementwise hyperbolic tangent.
func Tanh(t *Tensor) *Tensor {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		result.Data[i] = math.Tanh(t.Data[i])
	}
	op := &tanhOp{inputs: []*Tensor{t}}
	out := record(result, op, t)
	op.output = out
	return out
}

// ReLU returns the elementwise rectifier max(x, 0).
func ReLU(t *Tensor) *Tensor {
	result, _ := Zeros(t.Shape)
	for i := range t.Data {
		if t.Data[i] > 0 {
			result.Data[i] = t.Data[i]
		}
	}
	return record(result, &reluOp{inputs: []*Tensor{t}}, t)
}

// MatVec multiplies a [m,n] matrix by a [n] vector, producing a [m] vector.
// The multiplication is delegated to gonum.
func MatVec(w, x *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("MatVec requires a rank-2 matrix, got shape %v", w.Shape)
	}
	if len(x.Shape) != 1 {
		return nil, fmt.Errorf("MatVec requires a rank-1 vector, got shape %v", x.Shape)
	}
	m, n := w.Shape[0], w.Shape[1]
	if x.Shape[0] != n {
		return nil, fmt.Errorf("MatVec dimension mismatch: matrix %v vs vector %v", w.Shape, x.Shape)
	}
	result, _ := Zeros([]int{m})
	dense := mat.NewDense(m, n, w.Data)
	vec := mat.NewVecDense(n, x.Data)
	out := mat.NewVecDense(m, result.Data)
	out.MulVec(dense, vec)
	return record(result, &matVecOp{inputs: []*Tensor{w, x}}, w, x), nil
}

// Concat joins rank-1 tensors into a single vector.
func Concat(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}
	total := 0
	for _, p := range parts {
		if len(p.Shape) != 1 {
			return nil, fmt.Errorf("Concat requires rank-1 tensors, got shape %v", p.Shape)
		}
		total += p.Shape[0]
	}
	result, _ := Zeros([]int{total})
	offset := 0
	for _, p := range parts {
		copy(result.Data[offset:], p.Data)
		offset += p.NumElems
	}
	return record(result, &concatOp{inputs: parts}, parts...), nil
}

// Stack joins scalar tensors into a vector, one element per input.
func Stack(scalars ...*Tensor) (*Tensor, error) {
	if len(scalars) == 0 {
		return nil, fmt.Errorf("Stack requires at least one tensor")
	}
	result, _ := Zeros([]int{len(scalars)})
	for i, s := range scalars {
		if s.NumElems != 1 {
			return nil, fmt.Errorf("Stack requires scalar tensors, got shape %v at index %d", s.Shape, i)
		}
		result.Data[i] = s.Data[0]
	}
	return record(result, &stackOp{inputs: scalars}, scalars...), nil
}

// Index extracts element i of a rank-1 tensor as a scalar tensor.
func Index(t *Tensor, i int) (*Tensor, error) {
	if len(t.Shape) != 1 {
		return nil, fmt.Errorf("Index requires a rank-1 tensor, got shape %v", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, t.Shape[0])
	}
	result := Scalar(t.Data[i])
	return record(result, &indexOp{inputs: []*Tensor{t}, idx: i}, t), nil
}

// Sum reduces all elements to a scalar.
func Sum(t *Tensor) *Tensor {
	total := 0.0
	for _, v := range t.Data {
		total += v
	}
	return record(Scalar(total), &sumOp{inputs: []*Tensor{t}}, t)
}

// Mean reduces all elements to their scalar average.
func Mean(t *Tensor) *Tensor {
	total := 0.0
	for _, v := range t.Data {
		total += v
	}
	return record(Scalar(total/float64(t.NumElems)), &meanOp{inputs: []*Tensor{t}}, t)
}

// Diff returns the first difference of a rank-1 tensor: out[i] = t[i+1]-t[i].
func Diff(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 1 || t.Shape[0] < 2 {
		return nil, fmt.Errorf("Diff requires a rank-1 tensor with at least 2 elements, got shape %v", t.Shape)
	}
	result, _ := Zeros([]int{t.Shape[0] - 1})
	for i := 0; i < t.Shape[0]-1; i++ {
		result.Data[i] = t.Data[i+1] - t.Data[i]
	}
	return record(result, &diffOp{inputs: []*Tensor{t}}, t), nil
}
