package ml

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

// buildModel returns a seeded model with the given widths, relu hidden
// layers and the output activation.
func buildModel(t *testing.T, seed uint64, out Activation, widths ...int) *Sequential {
	t.Helper()
	s := NewSequential("test", WithSeed(seed))
	for i := 1; i < len(widths); i++ {
		opts := []LayerOption{WithActivation(ReLU)}
		if i == len(widths)-1 {
			opts = []LayerOption{WithActivation(out)}
		}
		if i == 1 {
			opts = append(opts, InputDim(widths[0]))
		}
		require.NoError(t, s.Add(Dense(widths[i], opts...)))
	}
	return s
}

func TestSequentialAdd(t *testing.T) {
	s := NewSequential("")
	assert.Equal(t, "sequential_model", s.Name)

	err := s.Add(Dense(4))
	assert.True(t, errors.Is(err, ErrBadConfig), "first layer without input dim: %v", err)

	require.NoError(t, s.Add(Dense(4, InputDim(3), ActivationNamed("relu"), LayerName("hidden"))))
	require.NoError(t, s.Add(Dense(2, ActivationNamed("softmax"))))
	assert.Equal(t, 3, s.InputSize())
	assert.Equal(t, 2, s.OutputSize())
	assert.Equal(t, "hidden", s.Layers()[0].Name)
	assert.Equal(t, 4, s.Layers()[1].InputSize())

	err = s.Add(Dense(2, InputDim(7)))
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	err = s.Add(Dense(2, ActivationNamed("swish")))
	assert.True(t, errors.Is(err, ErrBadConfig))
	err = s.Add(Dense(0))
	assert.True(t, errors.Is(err, ErrBadShape))
	assert.Len(t, s.Layers(), 2)

	err = s.AddLayer(newZeroLayer("extra", 1, Identity, 5))
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	require.NoError(t, s.AddLayer(newZeroLayer("extra", 1, Identity, 2)))
	assert.Equal(t, 1, s.OutputSize())
}

func TestSeedReproducible(t *testing.T) {
	a := buildModel(t, 7, Identity, 3, 5, 2)
	b := buildModel(t, 7, Identity, 3, 5, 2)
	c := buildModel(t, 8, Identity, 3, 5, 2)
	for i := range a.Layers() {
		assert.True(t, Equal(a.Layers()[i].Weights, b.Layers()[i].Weights))
	}
	assert.False(t, Equal(a.Layers()[0].Weights, c.Layers()[0].Weights))
}

func TestCompile(t *testing.T) {
	err := NewSequential("empty").Compile(OptSGD, LossMSE, 0.1)
	assert.True(t, errors.Is(err, ErrNoLayers))

	s := buildModel(t, 1, Identity, 2, 1)
	assert.True(t, errors.Is(s.Compile(OptSGD, LossMSE, -1), ErrBadConfig))
	assert.True(t, errors.Is(s.Compile(OptSGD, LossKind(9), 0.1), ErrBadConfig))
	assert.False(t, s.Compiled())
	assert.Nil(t, s.Optimizer())
	assert.Equal(t, 0.0, s.LearningRate())

	require.NoError(t, s.Compile(OptAdam, LossBinaryCrossEntropy, 0.01))
	assert.True(t, s.Compiled())
	assert.Equal(t, LossBinaryCrossEntropy, s.Loss())
	assert.Equal(t, OptAdam, s.Optimizer().Kind())
	assert.Equal(t, 0.01, s.LearningRate())
}

func TestNotCompiled(t *testing.T) {
	s := buildModel(t, 1, Identity, 2, 1)
	X, y := NewMatrix(3, 2), NewMatrix(3, 1)

	_, err := s.Fit(X, y, TrainingConfig{Epochs: 1})
	assert.True(t, errors.Is(err, ErrNotCompiled))
	assert.True(t, IsPrecondition(err))
	_, err = s.TrainOnBatch(X, y)
	assert.True(t, errors.Is(err, ErrNotCompiled))
	assert.True(t, errors.Is(s.UpdateWeights(), ErrNotCompiled))

	// Prediction and evaluation work without compiling.
	pred, err := s.Predict(X)
	require.NoError(t, err)
	loss, err := s.Evaluate(X, y)
	require.NoError(t, err)
	assert.InDelta(t, MeanSquaredError(y, pred), loss, 1e-12)

	_, err = NewSequential("empty").Predict(X)
	assert.True(t, errors.Is(err, ErrNoLayers))
}

func TestLinearRegressionConverges(t *testing.T) {
	s := NewSequential("linear", WithSeed(3))
	require.NoError(t, s.Add(Dense(1, InputDim(1))))
	require.NoError(t, s.Compile(OptSGD, LossMSE, 0.1))

	X := NewMatrixFromRows([][]float64{{-1}, {-0.5}, {0}, {0.5}, {1}})
	y := Scale(X, 2)
	hist, err := s.Fit(X, y, TrainingConfig{Epochs: 500})
	require.NoError(t, err)
	require.Len(t, hist.Loss, 500)
	assert.Less(t, hist.FinalLoss(), hist.Loss[0])

	layer := s.Layers()[0]
	assert.InDelta(t, 2.0, layer.Weights.At(0, 0), 1e-2)
	assert.InDelta(t, 0.0, layer.Biases.At(0, 0), 1e-2)
}

func TestTrainOnBatchMatchesManualSteps(t *testing.T) {
	X := randomMatrix(6, 3, testRand())
	y := randomMatrix(6, 2, testRand())

	a := buildModel(t, 11, Tanh, 3, 4, 2)
	b := buildModel(t, 11, Tanh, 3, 4, 2)
	require.NoError(t, a.Compile(OptAdam, LossMSE, 0.01))
	require.NoError(t, b.Compile(OptAdam, LossMSE, 0.01))

	first, err := a.TrainOnBatch(X, y)
	require.NoError(t, err)

	pred, err := b.Predict(X)
	require.NoError(t, err)
	require.NoError(t, b.BackwardPropagate(y, pred))
	require.NoError(t, b.UpdateWeights())

	for i := range a.Layers() {
		assert.True(t, EqualApprox(a.Layers()[i].Weights, b.Layers()[i].Weights, 1e-15))
	}
	second, err := a.TrainOnBatch(X, y)
	require.NoError(t, err)
	assert.Less(t, second, first)

	_, err = a.TrainOnBatch(X, NewMatrix(5, 2))
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestSoftmaxClassifier(t *testing.T) {
	X := NewMatrixFromRows([][]float64{
		{-1, -1}, {1, 1}, {-1.2, -0.8}, {1.1, 0.7},
		{-0.7, -1.1}, {0.8, 1.3}, {-0.9, -0.6}, {0.6, 0.9},
	})
	y := NewMatrix(8, 2)
	for i := 0; i < 8; i++ {
		y.Set(i, i%2, 1)
	}

	s := buildModel(t, 5, Softmax, 2, 6, 2)
	require.NoError(t, s.Compile(OptAdam, LossCategoricalCrossEntropy, 0.05))
	hist, err := s.Fit(X, y, TrainingConfig{Epochs: 200, BatchSize: 4})
	require.NoError(t, err)
	assert.Less(t, hist.FinalLoss(), 0.1)

	acc, err := s.Accuracy(X, y)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)

	classes, conf, err := s.PredictClasses(X)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1, 0, 1}, classes)
	for _, c := range conf {
		assert.Greater(t, c, 0.5)
	}
}

func TestBinaryAccuracy(t *testing.T) {
	s := NewSequential("binary")
	require.NoError(t, s.Add(Dense(1, InputDim(1), WithActivation(Sigmoid))))
	s.Layers()[0].Weights.Set(0, 0, 10)

	X := NewMatrixFromSlice(4, 1, []float64{-1, 1, 2, -2})
	y := NewMatrixFromSlice(4, 1, []float64{0, 1, 0, 0})
	acc, err := s.Accuracy(X, y)
	require.NoError(t, err)
	assert.Equal(t, 0.75, acc)
}

// TestNetworkGradientsMatchFiniteDifferences pins the stored gradients to
// the finite-difference gradient of the batch loss divided by the batch size.
func TestNetworkGradientsMatchFiniteDifferences(t *testing.T) {
	const batch = 5
	rng := testRand()
	X := randomMatrix(batch, 3, rng)

	for _, tc := range []struct {
		out  Activation
		loss LossKind
	}{
		{Sigmoid, LossMSE},
		{Sigmoid, LossBinaryCrossEntropy},
		{Softmax, LossCategoricalCrossEntropy},
	} {
		s := NewSequential("grad", WithSeed(5))
		require.NoError(t, s.Add(Dense(4, InputDim(3), WithActivation(Tanh))))
		require.NoError(t, s.Add(Dense(2, WithActivation(tc.out))))
		require.NoError(t, s.Compile(OptSGD, tc.loss, 0.1))

		y := Softmax.Forward(randomMatrix(batch, 2, rng))
		pred, err := s.Predict(X)
		require.NoError(t, err)
		require.NoError(t, s.BackwardPropagate(y, pred))

		for li, l := range s.Layers() {
			dW, dB := l.Gradients()
			for _, param := range []struct {
				values *Matrix
				grad   []float64
			}{
				{l.Weights, dW.Copy().RawData()},
				{l.Biases, dB.Copy().RawData()},
			} {
				orig := param.values.Copy().RawData()
				f := func(x []float64) float64 {
					copy(param.values.RawData(), x)
					loss, err := s.Evaluate(X, y)
					require.NoError(t, err)
					return loss
				}
				numeric := fd.Gradient(nil, f, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
				copy(param.values.RawData(), orig)
				for i := range numeric {
					assert.InDelta(t, numeric[i], batch*param.grad[i], 1e-6,
						"%s layer %d component %d", tc.loss, li, i)
				}
			}
		}
	}
}

func TestTopK(t *testing.T) {
	got := TopK([]float64{0.1, 0.5, 0.2, 0.5}, 2)
	assert.Equal(t, []ClassScore{{1, 0.5}, {3, 0.5}}, got)
	assert.Len(t, TopK([]float64{1, 2, 3}, 0), 3)
	assert.Len(t, TopK([]float64{1, 2, 3}, 10), 3)
}

func TestSummary(t *testing.T) {
	s := NewSequential("mnist")
	require.NoError(t, s.Add(Dense(128, InputDim(784), ActivationNamed("relu"), LayerName("hidden"))))
	require.NoError(t, s.Add(Dense(10, ActivationNamed("softmax"))))

	out := s.Summary()
	assert.Contains(t, out, "Model: mnist")
	assert.Contains(t, out, "Compiled: no")
	assert.Contains(t, out, "Dense(784 -> 128)")
	assert.Contains(t, out, "100,480")
	assert.Contains(t, out, "softmax")
	assert.Contains(t, out, "Total parameters: 101,770")

	require.NoError(t, s.Compile(OptAdam, LossCategoricalCrossEntropy, 0.001))
	assert.Contains(t, s.Summary(), "optimizer=Adam loss=CategoricalCE")
}
