package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Backward runs reverse-mode differentiation from a scalar tensor,
// accumulating gradients into every reachable leaf that requires them.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}

	order := topologicalOrder(t)
	grads := make(map[*Tensor]*Tensor, len(order))
	seed, _ := Ones(t.Shape)
	grads[t] = seed

	// Walk in reverse topological order so each node's gradient is complete
	// before its op distributes it to the inputs.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok || node.creator == nil {
			continue
		}
		inputGrads := node.creator.Backward(g)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("op returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			if !in.needsGrad() || inputGrads[j] == nil {
				continue
			}
			if acc, ok := grads[in]; ok {
				for k := range acc.Data {
					acc.Data[k] += inputGrads[j].Data[k]
				}
			} else {
				grads[in] = inputGrads[j].Clone()
			}
		}
	}

	// Expose accumulated gradients on the leaves, summing across calls so
	// repeated Backward invocations behave like the usual accumulate step.
	for node, g := range grads {
		if !node.requiresGrad {
			continue
		}
		if node.grad == nil {
			node.grad = g.Clone()
		} else {
			for k := range node.grad.Data {
				node.grad.Data[k] += g.Data[k]
			}
		}
	}
	return nil
}

func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(*Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(root)
	return order
}

type addOp struct{ inputs []*Tensor }

func (op *addOp) Inputs() []*Tensor { return op.inputs }

func (op *addOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{g.Clone(), g.Clone()}
}

type subOp struct{ inputs []*Tensor }

func (op *subOp) Inputs() []*Tensor { return op.inputs }

func (op *subOp) Backward(g *Tensor) []*Tensor {
	neg := g.Clone()
	for i := range neg.Data {
		neg.Data[i] = -neg.Data[i]
	}
	return []*Tensor{g.Clone(), neg}
}

type mulOp struct{ inputs []*Tensor }

func (op *mulOp) Inputs() []*Tensor { return op.inputs }

func (op *mulOp) Backward(g *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	ga := g.Clone()
	gb := g.Clone()
	for i := range g.Data {
		ga.Data[i] = g.Data[i] * b.Data[i]
		gb.Data[i] = g.Data[i] * a.Data[i]
	}
	return []*Tensor{ga, gb}
}

type divOp struct{ inputs []*Tensor }

func (op *divOp) Inputs() []*Tensor { return op.inputs }

func (op *divOp) Backward(g *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	ga := g.Clone()
	gb := g.Clone()
	for i := range g.Data {
		ga.Data[i] = g.Data[i] / b.Data[i]
		gb.Data[i] = -g.Data[i] * a.Data[i] / (b.Data[i] * b.Data[i])
	}
	return []*Tensor{ga, gb}
}

type addScalarOp struct{ inputs []*Tensor }

func (op *addScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *addScalarOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{g.Clone()}
}

type mulScalarOp struct {
	inputs []*Tensor
	c      float64
}

func (op *mulScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *mulScalarOp) Backward(g *Tensor) []*Tensor {
	out := g.Clone()
	for i := range out.Data {
		out.Data[i] *= op.c
	}
	return []*Tensor{out}
}

type logOp struct{ inputs []*Tensor }

func (op *logOp) Inputs() []*Tensor { return op.inputs }

func (op *logOp) Backward(g *Tensor) []*Tensor {
	in := op.inputs[0]
	out := g.Clone()
	for i := range out.Data {
		out.Data[i] = g.Data[i] / in.Data[i]
	}
	return []*Tensor{out}
}

type expOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *expOp) Inputs() []*Tensor { return op.inputs }

func (op *expOp) Backward(g *Tensor) []*Tensor {
	out := g.Clone()
	for i := range out.Data {
		out.Data[i] = g.Data[i] * op.output.Data[i]
	}
	return []*Tensor{out}
}

type sigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *sigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *sigmoidOp) Backward(g *Tensor) []*Tensor {
	out := g.Clone()
	for i := range out.Data {
		s := op.output.Data[i]
		out.Data[i] = g.Data[i] * s * (1 - s)
	}
	return []*Tensor{out}
}

type tanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *tanhOp) Inputs() []*Tensor { return op.inputs }

func (op *tanhOp) Backward(g *Tensor) []*Tensor {
	out := g.Clone()
	for i := range out.Data {
		h := op.output.Data[i]
		out.Data[i] = g.Data[i] * (1 - h*h)
	}
	return []*Tensor{out}
}

type reluOp struct{ inputs []*Tensor }

func (op *reluOp) Inputs() []*Tensor { return op.inputs }

func (op *reluOp) Backward(g *Tensor) []*Tensor {
	in := op.inputs[0]
	out := g.Clone()
	for i := range out.Data {
		if in.Data[i] <= 0 {
			out.Data[i] = 0
		}
	}
	return []*Tensor{out}
}

type matVecOp struct{ inputs []*Tensor }

func (op *matVecOp) Inputs() []*Tensor { return op.inputs }

func (op *matVecOp) Backward(g *Tensor) []*Tensor {
	w, x := op.inputs[0], op.inputs[1]
	m, n := w.Shape[0], w.Shape[1]

	// dL/dW = g ⊗ x, dL/dx = Wᵀ g.
	gw, _ := Zeros(w.Shape)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			gw.Data[i*n+j] = g.Data[i] * x.Data[j]
		}
	}

	gx, _ := Zeros(x.Shape)
	dense := mat.NewDense(m, n, w.Data)
	gvec := mat.NewVecDense(m, g.Data)
	out := mat.NewVecDense(n, gx.Data)
	out.MulVec(dense.T(), gvec)

	return []*Tensor{gw, gx}
}

type concatOp struct{ inputs []*Tensor }

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

func (op *concatOp) Backward(g *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		part, _ := Zeros(in.Shape)
		copy(part.Data, g.Data[offset:offset+in.NumElems])
		grads[i] = part
		offset += in.NumElems
	}
	return grads
}

type stackOp struct{ inputs []*Tensor }

func (op *stackOp) Inputs() []*Tensor { return op.inputs }

func (op *stackOp) Backward(g *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	for i := range op.inputs {
		grads[i] = Scalar(g.Data[i])
	}
	return grads
}

type indexOp struct {
	inputs []*Tensor
	idx    int
}

func (op *indexOp) Inputs() []*Tensor { return op.inputs }

func (op *indexOp) Backward(g *Tensor) []*Tensor {
	out, _ := Zeros(op.inputs[0].Shape)
	out.Data[op.idx] = g.Data[0]
	return []*Tensor{out}
}

type sumOp struct{ inputs []*Tensor }

func (op *sumOp) Inputs() []*Tensor { return op.inputs }

func (op *sumOp) Backward(g *Tensor) []*Tensor {
	out, _ := Zeros(op.inputs[0].Shape)
	for i := range out.Data {
		out.Data[i] = g.Data[0]
	}
	return []*Tensor{out}
}

type meanOp struct{ inputs []*Tensor }

func (op *meanOp) Inputs() []*Tensor { return op.inputs }

func (op *meanOp) Backward(g *Tensor) []*Tensor {
	out, _ := Zeros(op.inputs[0].Shape)
	scale := g.Data[0] / float64(op.inputs[0].NumElems)
	for i := range out.Data {
		out.Data[i] = scale
	}
	return []*Tensor{out}
}

type diffOp struct{ inputs []*Tensor }

func (op *diffOp) Inputs() []*Tensor { return op.inputs }

func (op *diffOp) Backward(g *Tensor) []*Tensor {
	out, _ := Zeros(op.inputs[0].Shape)
	for i := range g.Data {
		out.Data[i+1] += g.Data[i]
		out.Data[i] -= g.Data[i]
	}
	return []*Tensor{out}
}
