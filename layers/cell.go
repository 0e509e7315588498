package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/forecastworks/esrnn/tensor"
)

// CellKind selects the recurrent cell used by the dilated stack. The set is
// closed: adding a kind means adding a case to NewCell.
type CellKind int

const (
	Basic CellKind = iota
	GRU
	LSTM
	ResidualLSTM
)

func (k CellKind) String() string {
	switch k {
	case Basic:
		return "RNN"
	case GRU:
		return "GRU"
	case LSTM:
		return "LSTM"
	case ResidualLSTM:
		return "ResidualLSTM"
	default:
		return "Unknown"
	}
}

// ParseCellKind maps a configuration string to a CellKind.
func ParseCellKind(s string) (CellKind, error) {
	switch s {
	case "RNN":
		return Basic, nil
	case "GRU":
		return GRU, nil
	case "LSTM":
		return LSTM, nil
	case "ResidualLSTM":
		return ResidualLSTM, nil
	default:
		return 0, fmt.Errorf("unknown cell type %q, expected RNN, GRU, LSTM or ResidualLSTM", s)
	}
}

// State carries the recurrent state between steps. C is nil for cells
// without a memory cell.
type State struct {
	H *tensor.Tensor
	C *tensor.Tensor
}

// Cell is the shared step interface of all recurrent cell kinds.
type Cell interface {
	Step(x *tensor.Tensor, prev State) (State, error)
	Parameters() []*tensor.Tensor
	HiddenSize() int
	Clone() Cell
}

// NewCell constructs a cell of the given kind. Weights are initialized from
// U(-1/sqrt(h), 1/sqrt(h)) drawn from rng.
func NewCell(kind CellKind, inputSize, hiddenSize int, rng *rand.Rand) (Cell, error) {
	if inputSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("cell sizes must be positive, got input %d hidden %d", inputSize, hiddenSize)
	}
	switch kind {
	case Basic:
		return newBasicCell(inputSize, hiddenSize, rng), nil
	case GRU:
		return newGRUCell(inputSize, hiddenSize, rng), nil
	case LSTM:
		return newLSTMCell(inputSize, hiddenSize, false, rng), nil
	case ResidualLSTM:
		return newLSTMCell(inputSize, hiddenSize, true, rng), nil
	default:
		return nil, fmt.Errorf("unknown cell kind %d", kind)
	}
}

// gate bundles the three affine pieces of one recurrent gate.
type gate struct {
	wx *tensor.Tensor // [hidden, input]
	wh *tensor.Tensor // [hidden, hidden]
	b  *tensor.Tensor // [hidden]
}

func newGate(inputSize, hiddenSize int, rng *rand.Rand) gate {
	bound := 1.0 / math.Sqrt(float64(hiddenSize))
	wx, _ := tensor.RandUniform([]int{hiddenSize, inputSize}, -bound, bound, rng)
	wh, _ := tensor.RandUniform([]int{hiddenSize, hiddenSize}, -bound, bound, rng)
	b, _ := tensor.RandUniform([]int{hiddenSize}, -bound, bound, rng)
	wx.SetRequiresGrad(true)
	wh.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return gate{wx: wx, wh: wh, b: b}
}

// preact computes wx·x + wh·h + b.
func (g gate) preact(x, h *tensor.Tensor) (*tensor.Tensor, error) {
	fromX, err := tensor.MatVec(g.wx, x)
	if err != nil {
		return nil, err
	}
	fromH, err := tensor.MatVec(g.wh, h)
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(fromX, fromH)
	if err != nil {
		return nil, err
	}
	return tensor.Add(sum, g.b)
}

func (g gate) params() []*tensor.Tensor { return []*tensor.Tensor{g.wx, g.wh, g.b} }

func (g gate) clone() gate {
	return gate{wx: g.wx.Clone(), wh: g.wh.Clone(), b: g.b.Clone()}
}

// zeroState returns a fresh zero hidden vector.
func zeroState(hiddenSize int) *tensor.Tensor {
	h, _ := tensor.Zeros([]int{hiddenSize})
	return h
}

type basicCell struct {
	hidden int
	g      gate
}

func newBasicCell(inputSize, hiddenSize int, rng *rand.Rand) *basicCell {
	return &basicCell{hidden: hiddenSize, g: newGate(inputSize, hiddenSize, rng)}
}

func (c *basicCell) HiddenSize() int { return c.hidden }

func (c *basicCell) Step(x *tensor.Tensor, prev State) (State, error) {
	h := prev.H
	if h == nil {
		h = zeroState(c.hidden)
	}
	pre, err := c.g.preact(x, h)
	if err != nil {
		return State{}, err
	}
	return State{H: tensor.Tanh(pre)}, nil
}

func (c *basicCell) Parameters() []*tensor.Tensor { return c.g.params() }

func (c *basicCell) Clone() Cell {
	return &basicCell{hidden: c.hidden, g: c.g.clone()}
}

type gruCell struct {
	hidden           int
	update, reset, h gate
}

func newGRUCell(inputSize, hiddenSize int, rng *rand.Rand) *gruCell {
	return &gruCell{
		hidden: hiddenSize,
		update: newGate(inputSize, hiddenSize, rng),
		reset:  newGate(inputSize, hiddenSize, rng),
		h:      newGate(inputSize, hiddenSize, rng),
	}
}

func (c *gruCell) HiddenSize() int { return c.hidden }

func (c *gruCell) Step(x *tensor.Tensor, prev State) (State, error) {
	h := prev.H
	if h == nil {
		h = zeroState(c.hidden)
	}

	zPre, err := c.update.preact(x, h)
	if err != nil {
		return State{}, err
	}
	z := tensor.Sigmoid(zPre)

	rPre, err := c.reset.preact(x, h)
	if err != nil {
		return State{}, err
	}
	r := tensor.Sigmoid(rPre)

	gated, err := tensor.Mul(r, h)
	if err != nil {
		return State{}, err
	}
	candPre, err := c.h.preact(x, gated)
	if err != nil {
		return State{}, err
	}
	cand := tensor.Tanh(candPre)

	// h' = (1-z)*h + z*cand
	keep, err := tensor.Mul(tensor.AddScalar(tensor.MulScalar(z, -1), 1), h)
	if err != nil {
		return State{}, err
	}
	take, err := tensor.Mul(z, cand)
	if err != nil {
		return State{}, err
	}
	next, err := tensor.Add(keep, take)
	if err != nil {
		return State{}, err
	}
	return State{H: next}, nil
}

func (c *gruCell) Parameters() []*tensor.Tensor {
	params := c.update.params()
	params = append(params, c.reset.params()...)
	return append(params, c.h.params()...)
}

func (c *gruCell) Clone() Cell {
	return &gruCell{hidden: c.hidden, update: c.update.clone(), reset: c.reset.clone(), h: c.h.clone()}
}

type lstmCell struct {
	hidden                int
	input                 int
	residual              bool
	in, forget, out, cand gate
}

func newLSTMCell(inputSize, hiddenSize int, residual bool, rng *rand.Rand) *lstmCell {
	return &lstmCell{
		hidden:   hiddenSize,
		input:    inputSize,
		residual: residual,
		in:       newGate(inputSize, hiddenSize, rng),
		forget:   newGate(inputSize, hiddenSize, rng),
		out:      newGate(inputSize, hiddenSize, rng),
		cand:     newGate(inputSize, hiddenSize, rng),
	}
}

func (c *lstmCell) HiddenSize() int { return c.hidden }

func (c *lstmCell) Step(x *tensor.Tensor, prev State) (State, error) {
	h, cell := prev.H, prev.C
	if h == nil {
		h = zeroState(c.hidden)
	}
	if cell == nil {
		cell = zeroState(c.hidden)
	}

	iPre, err := c.in.preact(x, h)
	if err != nil {
		return State{}, err
	}
	fPre, err := c.forget.preact(x, h)
	if err != nil {
		return State{}, err
	}
	oPre, err := c.out.preact(x, h)
	if err != nil {
		return State{}, err
	}
	gPre, err := c.cand.preact(x, h)
	if err != nil {
		return State{}, err
	}

	forgetPart, err := tensor.Mul(tensor.Sigmoid(fPre), cell)
	if err != nil {
		return State{}, err
	}
	inputPart, err := tensor.Mul(tensor.Sigmoid(iPre), tensor.Tanh(gPre))
	if err != nil {
		return State{}, err
	}
	nextCell, err := tensor.Add(forgetPart, inputPart)
	if err != nil {
		return State{}, err
	}
	nextH, err := tensor.Mul(tensor.Sigmoid(oPre), tensor.Tanh(nextCell))
	if err != nil {
		return State{}, err
	}

	// Residual variant adds the step input to the hidden output when the
	// dimensions line up (always true past the first stacked layer).
	if c.residual && c.input == c.hidden {
		nextH, err = tensor.Add(nextH, x)
		if err != nil {
			return State{}, err
		}
	}
	return State{H: nextH, C: nextCell}, nil
}

func (c *lstmCell) Parameters() []*tensor.Tensor {
	params := c.in.params()
	params = append(params, c.forget.params()...)
	params = append(params, c.out.params()...)
	return append(params, c.cand.params()...)
}

func (c *lstmCell) Clone() Cell {
	return &lstmCell{
		hidden:   c.hidden,
		input:    c.input,
		residual: c.residual,
		in:       c.in.clone(),
		forget:   c.forget.clone(),
		out:      c.out.clone(),
		cand:     c.cand.clone(),
	}
}
