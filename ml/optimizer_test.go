package ml

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// layerWithGradient returns a zero layer whose stored gradients are all g.
func layerWithGradient(units, inputs int, g float64) *Layer {
	l := newZeroLayer("dense", units, Identity, inputs)
	l.dW.Fill(g)
	l.dB.Fill(g)
	return l
}

func TestNewOptimizerValidation(t *testing.T) {
	for _, lr := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		_, err := NewOptimizer(OptSGD, lr)
		assert.True(t, errors.Is(err, ErrBadConfig), "lr=%g", lr)
	}
	_, err := NewOptimizer(OptAdam, 0.01, WithBetas(1, 0.999))
	assert.True(t, errors.Is(err, ErrBadConfig))
	_, err = NewOptimizer(OptAdam, 0.01, WithEpsilon(0))
	assert.True(t, errors.Is(err, ErrBadConfig))
	_, err = NewOptimizer(OptimizerKind(5), 0.01)
	assert.True(t, errors.Is(err, ErrBadConfig))

	opt, err := NewOptimizer(OptAdam, 0.01, WithBetas(0.8, 0.99), WithTimestepPolicy(TimestepPerUpdate))
	require.NoError(t, err)
	cfg := opt.(*AdamOptimizer).Config()
	assert.Equal(t, 0.8, cfg.Beta1)
	assert.Equal(t, 0.99, cfg.Beta2)
	assert.Equal(t, DefaultAdamConfig.Epsilon, cfg.Epsilon)
	assert.Equal(t, 0.01, opt.LearningRate())
	assert.Equal(t, TimestepPerUpdate, cfg.Timestep)

	kind, err := ParseOptimizer(" Adam ")
	require.NoError(t, err)
	assert.Equal(t, OptAdam, kind)
	_, err = ParseOptimizer("rmsprop")
	assert.True(t, errors.Is(err, ErrBadConfig))
}

func TestSGDStep(t *testing.T) {
	opt, err := NewOptimizer(OptSGD, 0.5)
	require.NoError(t, err)
	l := layerWithGradient(2, 2, 1)
	l.dW.Set(1, 0, -2)
	l.Weights.Fill(1)

	opt.BeginStep()
	opt.Update(0, l)
	assert.Equal(t, []float64{0.5, 0.5, 2, 0.5}, l.Weights.RawData())
	assert.Equal(t, []float64{-0.5, -0.5}, l.Biases.RawData())
	assert.Equal(t, 1, opt.Timestep())
}

func TestAdamConstantGradient(t *testing.T) {
	// With a constant gradient g and zero initial moments, the bias-corrected
	// moments are exactly g and g², so every step moves lr·g/(|g|+ε).
	const lr, g, steps = 0.01, 0.5, 25
	opt, err := NewOptimizer(OptAdam, lr)
	require.NoError(t, err)
	l := layerWithGradient(3, 2, g)

	for i := 0; i < steps; i++ {
		opt.BeginStep()
		opt.Update(0, l)
	}
	want := -steps * lr * g / (g + DefaultAdamConfig.Epsilon)
	for _, w := range l.Weights.RawData() {
		assert.InDelta(t, want, w, 1e-12)
	}
	for _, b := range l.Biases.RawData() {
		assert.InDelta(t, want, b, 1e-12)
	}
	assert.Equal(t, steps, opt.Timestep())

	state := opt.(*AdamOptimizer).State(0)
	require.NotNil(t, state)
	corr := 1 - math.Pow(DefaultAdamConfig.Beta1, steps)
	assert.InDelta(t, corr*g, state.mW.At(0, 0), 1e-12)
}

func TestAdamTimestepPolicy(t *testing.T) {
	layers := []*Layer{layerWithGradient(2, 2, 1), layerWithGradient(2, 2, 1), layerWithGradient(1, 2, 1)}
	for _, tc := range []struct {
		policy TimestepPolicy
		want   int
	}{
		{TimestepPerBatch, 2},
		{TimestepPerUpdate, 6},
	} {
		opt, err := NewOptimizer(OptAdam, 0.001, WithTimestepPolicy(tc.policy))
		require.NoError(t, err)
		for step := 0; step < 2; step++ {
			opt.BeginStep()
			for i, l := range layers {
				opt.Update(i, l)
			}
		}
		assert.Equal(t, tc.want, opt.Timestep(), "policy %d", tc.policy)
	}

	// Update without BeginStep still starts the bias correction at t=1.
	opt := NewAdamOptimizer(DefaultAdamConfig)
	opt.Update(0, layers[0])
	assert.Equal(t, 1, opt.Timestep())
	assert.False(t, layers[0].Weights.HasNaN())
}

func TestAdamStatePerLayer(t *testing.T) {
	opt := NewAdamOptimizer(DefaultAdamConfig)
	a, b := layerWithGradient(2, 3, 1), layerWithGradient(4, 2, -1)
	opt.BeginStep()
	opt.Update(0, a)
	opt.Update(1, b)

	sa, sb := opt.State(0), opt.State(1)
	require.NotNil(t, sa)
	require.NotNil(t, sb)
	assert.NotSame(t, sa, sb)
	assert.Equal(t, 2, sa.mW.Rows())
	assert.Equal(t, 4, sb.mW.Rows())
	assert.Greater(t, sa.mW.At(0, 0), 0.0)
	assert.Less(t, sb.mW.At(0, 0), 0.0)
	assert.Nil(t, opt.State(2))

	// A different shape at the same index starts from fresh moments.
	c := layerWithGradient(5, 3, 1)
	opt.Update(0, c)
	sc := opt.State(0)
	assert.Equal(t, 5, sc.mW.Rows())
	assert.InDelta(t, (1-DefaultAdamConfig.Beta1)*1, sc.mW.At(4, 2), 1e-12)
}
