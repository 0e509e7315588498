package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesShape(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float64
		wantErr bool
	}{
		{"vector", []int{3}, []float64{1, 2, 3}, false},
		{"matrix", []int{2, 2}, []float64{1, 2, 3, 4}, false},
		{"length mismatch", []int{3}, []float64{1, 2}, true},
		{"zero dim", []int{0}, nil, true},
		{"negative dim", []int{-1}, nil, true},
		{"empty shape", nil, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.shape, tc.data)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Vector([]float64{1, 2, 3})
	orig.SetRequiresGrad(true)
	clone := orig.Clone()
	clone.Data[0] = 99

	assert.Equal(t, 1.0, orig.Data[0])
	assert.True(t, clone.RequiresGrad())
	assert.Nil(t, clone.Grad())
}

func TestElementwiseForward(t *testing.T) {
	a := Vector([]float64{1, 2, 3})
	b := Vector([]float64{4, 5, 6})

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 9}, sum.Data)

	diff, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{-3, -3, -3}, diff.Data)

	prod, err := Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 10, 18}, prod.Data)

	quot, err := Div(b, a)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{4, 2.5, 2}, quot.Data, 1e-12)
}

func TestShapeMismatchFails(t *testing.T) {
	a := Vector([]float64{1, 2})
	b := Vector([]float64{1, 2, 3})
	_, err := Add(a, b)
	assert.Error(t, err)
}

func TestLogRejectsNonPositive(t *testing.T) {
	_, err := Log(Vector([]float64{1, 0}))
	assert.Error(t, err)
}

func TestMatVecForward(t *testing.T) {
	w, err := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	x := Vector([]float64{1, 1, 1})

	y, err := MatVec(w, x)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, y.Shape)
	assert.InDeltaSlice(t, []float64{6, 15}, y.Data, 1e-12)
}

func TestBackwardThroughComposite(t *testing.T) {
	// f(a, b) = mean((a*b + a)^... ) simple composite with known gradient:
	// y = sum(a*b), dy/da = b, dy/db = a.
	a := Vector([]float64{1, 2, 3})
	b := Vector([]float64{4, 5, 6})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	prod, err := Mul(a, b)
	require.NoError(t, err)
	loss := Sum(prod)
	require.NoError(t, loss.Backward())

	assert.InDeltaSlice(t, []float64{4, 5, 6}, a.Grad().Data, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2, 3}, b.Grad().Data, 1e-12)
}

func TestBackwardAccumulatesAcrossReuse(t *testing.T) {
	// y = sum(a + a) so dy/da = 2 per element.
	a := Vector([]float64{1, 2})
	a.SetRequiresGrad(true)

	twice, err := Add(a, a)
	require.NoError(t, err)
	loss := Sum(twice)
	require.NoError(t, loss.Backward())

	assert.InDeltaSlice(t, []float64{2, 2}, a.Grad().Data, 1e-12)
}

func TestBackwardRequiresScalar(t *testing.T) {
	a := Vector([]float64{1, 2})
	a.SetRequiresGrad(true)
	assert.Error(t, a.Backward())
}

func TestMatVecGradient(t *testing.T) {
	w, _ := New([]int{2, 2}, []float64{1, 2, 3, 4})
	x := Vector([]float64{5, 6})
	w.SetRequiresGrad(true)
	x.SetRequiresGrad(true)

	y, err := MatVec(w, x)
	require.NoError(t, err)
	loss := Sum(y)
	require.NoError(t, loss.Backward())

	// d(sum(Wx))/dW[i][j] = x[j], d/dx[j] = sum_i W[i][j].
	assert.InDeltaSlice(t, []float64{5, 6, 5, 6}, w.Grad().Data, 1e-12)
	assert.InDeltaSlice(t, []float64{4, 6}, x.Grad().Data, 1e-12)
}

func TestDiffGradient(t *testing.T) {
	a := Vector([]float64{1, 4, 9})
	a.SetRequiresGrad(true)

	d, err := Diff(a)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 5}, d.Data)

	loss := Sum(d)
	require.NoError(t, loss.Backward())
	// sum of first differences telescopes: gradient is -1, 0, +1.
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, a.Grad().Data, 1e-12)
}

// numericalGrad approximates df/dx_i by central differences for a scalar f.
func numericalGrad(f func(x []float64) float64, x []float64, i int) float64 {
	const h = 1e-6
	xp := append([]float64(nil), x...)
	xm := append([]float64(nil), x...)
	xp[i] += h
	xm[i] -= h
	return (f(xp) - f(xm)) / (2 * h)
}

func TestGradientMatchesNumerical(t *testing.T) {
	// f(x) = mean(tanh(sigmoid(x) * exp(x))) exercised elementwise.
	f := func(x []float64) float64 {
		total := 0.0
		for _, v := range x {
			s := 1.0 / (1.0 + math.Exp(-v))
			total += math.Tanh(s * math.Exp(v))
		}
		return total / float64(len(x))
	}

	rng := rand.New(rand.NewSource(7))
	x := make([]float64, 5)
	for i := range x {
		x[i] = rng.Float64()*2 - 1
	}

	xt := Vector(append([]float64(nil), x...))
	xt.SetRequiresGrad(true)
	prod, err := Mul(Sigmoid(xt), Exp(xt))
	require.NoError(t, err)
	loss := Mean(Tanh(prod))
	require.NoError(t, loss.Backward())

	for i := range x {
		want := numericalGrad(f, x, i)
		assert.InDelta(t, want, xt.Grad().Data[i], 1e-5, "gradient mismatch at %d", i)
	}
}

func TestStackIndexConcatRoundTrip(t *testing.T) {
	s0 := Scalar(1.5)
	s1 := Scalar(-2.5)
	s0.SetRequiresGrad(true)

	v, err := Stack(s0, s1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2.5}, v.Data)

	elem, err := Index(v, 0)
	require.NoError(t, err)
	require.NoError(t, elem.Backward())
	assert.InDelta(t, 1.0, s0.Grad().Data[0], 1e-12)

	joined, err := Concat(v, Vector([]float64{9}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2.5, 9}, joined.Data)
}

func TestRandUniformDeterministic(t *testing.T) {
	a, err := RandUniform([]int{4}, -0.5, 0.5, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	b, err := RandUniform([]int{4}, -0.5, 0.5, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	for _, v := range a.Data {
		assert.GreaterOrEqual(t, v, -0.5)
		assert.Less(t, v, 0.5)
	}
}
