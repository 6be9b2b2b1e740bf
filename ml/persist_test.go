package ml

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelRoundTrip(t *testing.T) {
	s := buildModel(t, 9, Softmax, 4, 7, 3)
	s.Layers()[0].Name = "hidden"
	require.NoError(t, s.Compile(OptAdam, LossCategoricalCrossEntropy, 0.003))
	X := randomMatrix(10, 4, testRand())
	_, err := s.Fit(X, Softmax.Forward(randomMatrix(10, 3, testRand())), TrainingConfig{Epochs: 3})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.WriteModel(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), modelMagic+"\n"))

	loaded, err := ReadModel(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.Name, loaded.Name)
	assert.Equal(t, "hidden", loaded.Layers()[0].Name)
	assert.True(t, loaded.Compiled())
	assert.Equal(t, LossCategoricalCrossEntropy, loaded.Loss())
	assert.Equal(t, OptAdam, loaded.Optimizer().Kind())
	assert.Equal(t, 0.003, loaded.LearningRate())
	assert.Equal(t, 0, loaded.Optimizer().Timestep(), "optimizer state starts fresh")

	want, err := s.Predict(X)
	require.NoError(t, err)
	got, err := loaded.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, want.RawData(), got.RawData(), "predictions must match bit for bit")
}

func TestUncompiledRoundTrip(t *testing.T) {
	s := buildModel(t, 4, Tanh, 2, 3)
	var buf bytes.Buffer
	require.NoError(t, s.WriteModel(&buf))
	loaded, err := ReadModel(&buf)
	require.NoError(t, err)
	assert.False(t, loaded.Compiled())
	assert.Equal(t, Tanh, loaded.Layers()[0].Activation)

	assert.True(t, errors.Is(NewSequential("empty").WriteModel(&buf), ErrNoLayers))
}

func TestSaveAndLoadFiles(t *testing.T) {
	dir := t.TempDir()
	s := buildModel(t, 4, Sigmoid, 3, 5, 1)
	require.NoError(t, s.Compile(OptSGD, LossBinaryCrossEntropy, 0.1))

	modelPath := filepath.Join(dir, "model.txt")
	require.NoError(t, s.SaveModel(modelPath))
	loaded, err := LoadModel(modelPath)
	require.NoError(t, err)
	for i := range s.Layers() {
		assert.True(t, Equal(s.Layers()[i].Weights, loaded.Layers()[i].Weights))
		assert.True(t, Equal(s.Layers()[i].Biases, loaded.Layers()[i].Biases))
	}

	weightsPath := filepath.Join(dir, "weights.txt")
	require.NoError(t, s.SaveWeights(weightsPath))
	other := buildModel(t, 99, Sigmoid, 3, 5, 1)
	require.NoError(t, other.LoadWeights(weightsPath))
	for i := range s.Layers() {
		assert.True(t, Equal(s.Layers()[i].Weights, other.Layers()[i].Weights))
	}

	_, err = LoadModel(filepath.Join(dir, "missing.txt"))
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, IsEnvironment(err))
	assert.True(t, errors.Is(other.LoadWeights(filepath.Join(dir, "missing.txt")), ErrIO))
	assert.True(t, errors.Is(s.SaveModel(filepath.Join(dir, "no", "such", "dir")), ErrIO))
}

func TestReadWeightsMismatchLeavesModelUnchanged(t *testing.T) {
	src := buildModel(t, 1, Identity, 3, 4, 2)
	var buf bytes.Buffer
	require.NoError(t, src.WriteWeights(&buf))
	valid := buf.String()

	dst := buildModel(t, 2, Identity, 3, 4, 3)
	before := []*Matrix{dst.Layers()[0].Weights.Copy(), dst.Layers()[1].Weights.Copy()}

	err := dst.ReadWeights(strings.NewReader(valid))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
	assert.True(t, Equal(before[0], dst.Layers()[0].Weights), "first layer must not be half-loaded")
	assert.True(t, Equal(before[1], dst.Layers()[1].Weights))

	shallow := buildModel(t, 2, Identity, 3, 2)
	assert.True(t, errors.Is(shallow.ReadWeights(strings.NewReader(valid)), ErrFormat))

	huge := strings.Replace(valid, "WEIGHTS 4 3", "WEIGHTS 3037000500 3037000500", 1)
	err = src.ReadWeights(strings.NewReader(huge))
	assert.True(t, errors.Is(err, ErrFormat), "%v", err)
	assert.True(t, IsEnvironment(err))

	truncated := valid[:len(valid)/2]
	same := buildModel(t, 2, Identity, 3, 4, 2)
	w0 := same.Layers()[0].Weights.Copy()
	assert.True(t, errors.Is(same.ReadWeights(strings.NewReader(truncated)), ErrFormat))
	assert.True(t, Equal(w0, same.Layers()[0].Weights))
}

func TestReadModelMalformed(t *testing.T) {
	s := buildModel(t, 1, ReLU, 2, 2)
	var buf bytes.Buffer
	require.NoError(t, s.WriteModel(&buf))
	valid := buf.String()

	for name, input := range map[string]string{
		"empty":          "",
		"bad magic":      "DEEPC_MODEL_V1\n" + strings.SplitN(valid, "\n", 2)[1],
		"truncated":      valid[:len(valid)-10],
		"bad number":     strings.Replace(valid, "WEIGHTS 2 2\n", "WEIGHTS 2 2\nabc\n", 1),
		"bad activation": strings.Replace(valid, "LAYER_START\ndense\n2\n2\n2\n", "LAYER_START\ndense\n2\n2\n9\n", 1),
		"zero layers":    strings.Replace(valid, "test\n1\n", "test\n0\n", 1),
		"wrong shape":    strings.Replace(valid, "WEIGHTS 2 2", "WEIGHTS 2 1", 1),
		"huge header":    strings.Replace(valid, "WEIGHTS 2 2", "WEIGHTS 3037000500 3037000500", 1),
		"huge layer":     strings.Replace(valid, "LAYER_START\ndense\n2\n2\n", "LAYER_START\ndense\n3037000500\n3037000500\n", 1),
		"large layer":    strings.Replace(valid, "LAYER_START\ndense\n2\n2\n", "LAYER_START\ndense\n100000\n100000\n", 1),
	} {
		loaded, err := ReadModel(strings.NewReader(input))
		assert.Nil(t, loaded, name)
		assert.True(t, errors.Is(err, ErrFormat), "%s: %v", name, err)
		assert.True(t, IsEnvironment(err), name)
	}
}

func TestWriteModelRejectsLineBreaks(t *testing.T) {
	s := buildModel(t, 1, Identity, 2, 1)
	s.Layers()[0].Name = "two\nlines"
	var buf bytes.Buffer
	assert.True(t, errors.Is(s.WriteModel(&buf), ErrBadConfig))

	s.Layers()[0].Name = "dense"
	s.Name = "carriage\rreturn"
	assert.True(t, errors.Is(s.WriteModel(&buf), ErrBadConfig))
	assert.True(t, errors.Is(s.SaveModel(filepath.Join(t.TempDir(), "m.txt")), ErrBadConfig))

	s.Name = "fine name"
	buf.Reset()
	require.NoError(t, s.WriteModel(&buf))
	loaded, err := ReadModel(&buf)
	require.NoError(t, err)
	assert.Equal(t, "fine name", loaded.Name)
}
