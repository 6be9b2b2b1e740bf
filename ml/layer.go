package ml

import (
	"math"
	"math/rand/v2"
)

// -------- TYPE DEFINITIONS -------- //
type LayerOption func(*LayerConfig)

// LayerConfig holds the blueprint for a layer. Sequential.Add turns it into a Layer.
type LayerConfig struct {
	Name       string
	Units      int
	Activation Activation
	// InputDim is required for the first layer. Later layers infer it from the
	// previous layer's width; a non-zero value is checked against it.
	InputDim int

	err error
}

// Layer is a fully connected layer: output = act(input · Weightsᵗ + Biases).
type Layer struct {
	Name       string
	Activation Activation

	inputSize, outputSize int

	Weights *Matrix // [outputs, inputs]
	Biases  *Matrix // [outputs, 1]

	// Gradients of the last Backward call, same shapes as Weights and Biases.
	dW *Matrix
	dB *Matrix

	// Forward cache, replaced on every Forward call.
	input  *Matrix
	z      *Matrix
	output *Matrix
}

// ------- LAYER CONFIG HELPERS ------- //

// Dense defines a fully connected layer with the given number of units.
func Dense(units int, opts ...LayerOption) LayerConfig {
	d := LayerConfig{
		Name:       "dense",
		Units:      units,
		Activation: Identity,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// ActivationNamed selects the activation by name, e.g. "relu". Unknown names
// are reported by Sequential.Add.
func ActivationNamed(activation string) LayerOption {
	return func(lc *LayerConfig) {
		act, err := ParseActivation(activation)
		if err != nil {
			lc.err = err
			return
		}
		lc.Activation = act
	}
}

func WithActivation(act Activation) LayerOption {
	return func(lc *LayerConfig) {
		lc.Activation = act
	}
}

func InputDim(size int) LayerOption {
	return func(lc *LayerConfig) {
		lc.InputDim = size
	}
}

func LayerName(name string) LayerOption {
	return func(lc *LayerConfig) {
		lc.Name = name
	}
}

// ------- CONSTRUCTION ------- //

// NewLayer creates a dense layer with Xavier-style uniform weights in
// [-s, s], s = sqrt(2/(inputDim+units)), and zero biases.
func NewLayer(units int, act Activation, inputDim int, rng *rand.Rand) (layer *Layer, err error) {
	err = catch(func() { layer = newLayer("dense", units, act, inputDim, rng) })
	return
}

func newLayer(name string, units int, act Activation, inputDim int, rng *rand.Rand) *Layer {
	if rng == nil {
		failf(ErrBadConfig, "layer %q: nil random generator", name)
	}
	layer := newZeroLayer(name, units, act, inputDim)
	layer.Weights.RandomizeUniform(math.Sqrt(2.0/float64(inputDim+units)), rng)
	return layer
}

// newZeroLayer allocates a layer with zero parameters, used when loading.
func newZeroLayer(name string, units int, act Activation, inputDim int) *Layer {
	if units <= 0 || inputDim <= 0 {
		failf(ErrBadShape, "layer %q: units=%d inputDim=%d must be positive", name, units, inputDim)
	}
	if !act.Valid() {
		failf(ErrBadConfig, "layer %q: unknown activation %d", name, int(act))
	}
	return &Layer{
		Name:       name,
		Activation: act,
		inputSize:  inputDim,
		outputSize: units,
		Weights:    NewMatrix(units, inputDim),
		Biases:     NewMatrix(units, 1),
		dW:         NewMatrix(units, inputDim),
		dB:         NewMatrix(units, 1),
	}
}

// CloneStructure returns a layer sharing Weights and Biases with l but owning
// its own gradients and forward cache. Clones must not be updated concurrently
// with reads of the shared parameters.
func (l *Layer) CloneStructure() *Layer {
	return &Layer{
		Name:       l.Name,
		Activation: l.Activation,
		inputSize:  l.inputSize,
		outputSize: l.outputSize,
		Weights:    l.Weights,
		Biases:     l.Biases,
		dW:         NewMatrix(l.outputSize, l.inputSize),
		dB:         NewMatrix(l.outputSize, 1),
	}
}

// -------- LAYER METHODS -------- //

func (l *Layer) InputSize() int { return l.inputSize }

func (l *Layer) OutputSize() int { return l.outputSize }

// ParamCount is the number of trainable values.
func (l *Layer) ParamCount() int { return l.outputSize*l.inputSize + l.outputSize }

// Gradients returns the weight and bias gradients of the last Backward call.
// The matrices are live; optimizers read them directly.
func (l *Layer) Gradients() (dW, dB *Matrix) { return l.dW, l.dB }

// Output returns the cached activation of the last Forward call, or nil.
func (l *Layer) Output() *Matrix { return l.output }

// Forward computes act(input · Weightsᵗ + Biases), refreshes the forward cache
// and returns a new [batch, units] matrix owned by the caller.
func (l *Layer) Forward(input *Matrix) *Matrix {
	if input == nil {
		failf(ErrBadShape, "layer %q: nil input", l.Name)
	}
	if input.cols != l.inputSize {
		failf(ErrDimensionMismatch, "layer %q: input has %d columns, want %d", l.Name, input.cols, l.inputSize)
	}

	z := NewMatrix(input.rows, l.outputSize)
	z.dense.Mul(input.dense, l.Weights.dense.T())
	for i := 0; i < z.rows; i++ {
		row := z.data[i*z.cols : (i+1)*z.cols]
		for j := range row {
			row[j] += l.Biases.data[j]
		}
	}

	l.input = input.Copy()
	l.z = z
	output := l.Activation.Forward(z)
	l.output = output.Copy()
	return output
}

// Backward consumes dL/doutput for the cached batch, stores the parameter
// gradients and returns dL/dinput. Parameters are left untouched.
func (l *Layer) Backward(gradient *Matrix) *Matrix {
	if l.z == nil || l.input == nil {
		failf(ErrNoForward, "layer %q", l.Name)
	}
	if gradient == nil {
		failf(ErrBadShape, "layer %q: nil gradient", l.Name)
	}
	if gradient.rows != l.z.rows || gradient.cols != l.z.cols {
		failf(ErrDimensionMismatch, "layer %q: gradient is [%d, %d], cache is [%d, %d]",
			l.Name, gradient.rows, gradient.cols, l.z.rows, l.z.cols)
	}

	delta := Multiply(gradient, l.Activation.Derivative(l.z))
	batchSize := float64(delta.rows)

	// dW = deltaᵗ · input / batch
	l.dW.dense.Mul(delta.dense.T(), l.input.dense)
	l.dW.ScaleInPlace(1 / batchSize)

	// dB = mean of delta over the batch
	l.dB.Reset()
	for i := 0; i < delta.rows; i++ {
		row := delta.data[i*delta.cols : (i+1)*delta.cols]
		for j, v := range row {
			l.dB.data[j] += v
		}
	}
	l.dB.ScaleInPlace(1 / batchSize)

	prev := NewMatrix(delta.rows, l.inputSize)
	prev.dense.Mul(delta.dense, l.Weights.dense)
	return prev
}
