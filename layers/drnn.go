package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/forecastworks/esrnn/tensor"
)

// Linear is a fully connected adaptor layer: y = Wx + b.
type Linear struct {
	w *tensor.Tensor // [out, in]
	b *tensor.Tensor // [out]
}

// NewLinear creates a linear layer with U(-1/sqrt(in), 1/sqrt(in)) init.
func NewLinear(inputSize, outputSize int, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear sizes must be positive, got input %d output %d", inputSize, outputSize)
	}
	bound := 1.0 / math.Sqrt(float64(inputSize))
	w, _ := tensor.RandUniform([]int{outputSize, inputSize}, -bound, bound, rng)
	b, _ := tensor.RandUniform([]int{outputSize}, -bound, bound, rng)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &Linear{w: w, b: b}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.MatVec(l.w, x)
	if err != nil {
		return nil, err
	}
	return tensor.Add(y, l.b)
}

func (l *Linear) Parameters() []*tensor.Tensor { return []*tensor.Tensor{l.w, l.b} }

func (l *Linear) Clone() *Linear {
	return &Linear{w: l.w.Clone(), b: l.b.Clone()}
}

// dilatedLayer wraps a cell with its dilation: at step t the previous state
// is the one recorded at step t-dilation, so larger dilations widen the
// effective context without deepening the per-step recursion.
type dilatedLayer struct {
	cell     Cell
	dilation int
	history  []State
}

// DilatedStack is the shared recurrent core: blocks of dilated cells with
// residual connections between blocks, an optional tanh, and a linear
// adaptor mapping the final hidden state to the forecast horizon.
type DilatedStack struct {
	blocks     [][]*dilatedLayer
	adaptor    *Linear
	addNLLayer bool
	inputSize  int
	hiddenSize int
	outputSize int
}

// NewDilatedStack builds the stack. dilations holds one slice per block,
// e.g. [[1,2],[4,8]]; the first layer of the first block maps the input
// vector to the hidden size, every later layer is hidden to hidden.
func NewDilatedStack(kind CellKind, dilations [][]int, inputSize, hiddenSize, outputSize int, addNLLayer bool, rng *rand.Rand) (*DilatedStack, error) {
	if len(dilations) == 0 {
		return nil, fmt.Errorf("at least one dilation block is required")
	}
	blocks := make([][]*dilatedLayer, len(dilations))
	layerInput := inputSize
	for bi, block := range dilations {
		if len(block) == 0 {
			return nil, fmt.Errorf("dilation block %d is empty", bi)
		}
		blocks[bi] = make([]*dilatedLayer, len(block))
		for li, d := range block {
			if d <= 0 {
				return nil, fmt.Errorf("dilation must be positive, got %d in block %d", d, bi)
			}
			cell, err := NewCell(kind, layerInput, hiddenSize, rng)
			if err != nil {
				return nil, err
			}
			blocks[bi][li] = &dilatedLayer{cell: cell, dilation: d}
			layerInput = hiddenSize
		}
	}
	adaptor, err := NewLinear(hiddenSize, outputSize, rng)
	if err != nil {
		return nil, err
	}
	return &DilatedStack{
		blocks:     blocks,
		adaptor:    adaptor,
		addNLLayer: addNLLayer,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		outputSize: outputSize,
	}, nil
}

// Forward consumes the step vectors of one window and returns the adaptor
// output for the final step. State histories are reset per call; windows
// are independent.
func (s *DilatedStack) Forward(steps []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty input sequence")
	}
	for _, block := range s.blocks {
		for _, layer := range block {
			layer.history = layer.history[:0]
		}
	}

	var final *tensor.Tensor
	for t, x := range steps {
		blockIn := x
		for bi, block := range s.blocks {
			cur := blockIn
			for _, layer := range block {
				prev := State{}
				if back := t - layer.dilation; back >= 0 {
					prev = layer.history[back]
				}
				st, err := layer.cell.Step(cur, prev)
				if err != nil {
					return nil, err
				}
				layer.history = append(layer.history, st)
				cur = st.H
			}
			// Residual connection between blocks; the first block's input
			// has the raw step dimension, so it starts the chain instead.
			if bi > 0 {
				sum, err := tensor.Add(cur, blockIn)
				if err != nil {
					return nil, err
				}
				cur = sum
			}
			blockIn = cur
		}
		final = blockIn
	}

	if s.addNLLayer {
		final = tensor.Tanh(final)
	}
	return s.adaptor.Forward(final)
}

// Parameters returns every weight of the stack, cells first, adaptor last.
func (s *DilatedStack) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, block := range s.blocks {
		for _, layer := range block {
			params = append(params, layer.cell.Parameters()...)
		}
	}
	return append(params, s.adaptor.Parameters()...)
}

// Clone deep-copies the stack's weights. Histories are transient and not
// carried over.
func (s *DilatedStack) Clone() *DilatedStack {
	blocks := make([][]*dilatedLayer, len(s.blocks))
	for bi, block := range s.blocks {
		blocks[bi] = make([]*dilatedLayer, len(block))
		for li, layer := range block {
			blocks[bi][li] = &dilatedLayer{cell: layer.cell.Clone(), dilation: layer.dilation}
		}
	}
	return &DilatedStack{
		blocks:     blocks,
		adaptor:    s.adaptor.Clone(),
		addNLLayer: s.addNLLayer,
		inputSize:  s.inputSize,
		hiddenSize: s.hiddenSize,
		outputSize: s.outputSize,
	}
}
