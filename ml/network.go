package ml

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sequential is an ordered stack of dense layers trained end to end.
//
// A model starts uncompiled; Add builds layers and Compile attaches a loss
// and an optimizer. Fit may be called any number of times and keeps training
// from the current weights.
type Sequential struct {
	Name string

	layers []*Layer
	rng    *rand.Rand

	compiled  bool
	loss      LossKind
	optimizer Optimizer
}

type SequentialOption func(*Sequential)

// WithSeed makes weight initialization reproducible.
func WithSeed(seed uint64) SequentialOption {
	return func(s *Sequential) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithRand sets the random generator used to initialize new layers.
func WithRand(rng *rand.Rand) SequentialOption {
	return func(s *Sequential) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// NewSequential returns an empty, uncompiled model. Without WithSeed or
// WithRand the model draws its seed from the runtime.
func NewSequential(name string, opts ...SequentialOption) *Sequential {
	if name == "" {
		name = "sequential_model"
	}
	s := &Sequential{Name: name}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// -------- BUILDING -------- //

// Add builds a layer from cfg and appends it. The first layer needs
// InputDim; later layers take their input width from the previous layer.
func (s *Sequential) Add(cfg LayerConfig) error {
	if cfg.err != nil {
		return cfg.err
	}
	inputDim := cfg.InputDim
	if len(s.layers) > 0 {
		prev := s.layers[len(s.layers)-1].outputSize
		if inputDim != 0 && inputDim != prev {
			return errors.Wrapf(ErrDimensionMismatch, "layer %q: input dim %d, previous layer outputs %d",
				cfg.Name, inputDim, prev)
		}
		inputDim = prev
	} else if inputDim <= 0 {
		return errors.Wrapf(ErrBadConfig, "layer %q: the first layer needs InputDim", cfg.Name)
	}

	var layer *Layer
	if err := catch(func() { layer = newLayer(cfg.Name, cfg.Units, cfg.Activation, inputDim, s.rng) }); err != nil {
		return err
	}
	s.layers = append(s.layers, layer)
	return nil
}

// AddLayer appends an already built layer. Its input size must match the
// output size of the current last layer.
func (s *Sequential) AddLayer(layer *Layer) error {
	if layer == nil {
		return errors.Wrap(ErrBadConfig, "AddLayer: nil layer")
	}
	if n := len(s.layers); n > 0 && s.layers[n-1].outputSize != layer.inputSize {
		return errors.Wrapf(ErrDimensionMismatch, "layer %q: input size %d, previous layer outputs %d",
			layer.Name, layer.inputSize, s.layers[n-1].outputSize)
	}
	s.layers = append(s.layers, layer)
	return nil
}

// Compile attaches the optimizer and loss used by Fit and Evaluate.
func (s *Sequential) Compile(kind OptimizerKind, loss LossKind, lr float64, opts ...OptimizerOption) error {
	if len(s.layers) == 0 {
		return errors.Wrapf(ErrNoLayers, "compile %q", s.Name)
	}
	if !loss.Valid() {
		return errors.Wrapf(ErrBadConfig, "compile %q: unknown loss %d", s.Name, int(loss))
	}
	opt, err := NewOptimizer(kind, lr, opts...)
	if err != nil {
		return errors.WithMessagef(err, "compile %q", s.Name)
	}
	if loss == LossCategoricalCrossEntropy && s.layers[len(s.layers)-1].Activation != Softmax {
		klog.Warningf("model %q: categorical cross-entropy without a softmax output layer computes a wrong gradient", s.Name)
	}
	s.optimizer = opt
	s.loss = loss
	s.compiled = true
	klog.V(1).Infof("compiled model %q: optimizer=%s loss=%s lr=%g", s.Name, kind, loss, lr)
	return nil
}

// -------- GETTERS -------- //

func (s *Sequential) Layers() []*Layer { return s.layers }

func (s *Sequential) Compiled() bool { return s.compiled }

func (s *Sequential) Loss() LossKind { return s.loss }

// Optimizer returns the compiled optimizer, or nil.
func (s *Sequential) Optimizer() Optimizer { return s.optimizer }

func (s *Sequential) LearningRate() float64 {
	if s.optimizer == nil {
		return 0
	}
	return s.optimizer.LearningRate()
}

// InputSize is the feature count the first layer expects, or 0 for an empty model.
func (s *Sequential) InputSize() int {
	if len(s.layers) == 0 {
		return 0
	}
	return s.layers[0].inputSize
}

// OutputSize is the width of the last layer, or 0 for an empty model.
func (s *Sequential) OutputSize() int {
	if len(s.layers) == 0 {
		return 0
	}
	return s.layers[len(s.layers)-1].outputSize
}

// ParamCount is the total number of trainable values.
func (s *Sequential) ParamCount() int {
	total := 0
	for _, l := range s.layers {
		total += l.ParamCount()
	}
	return total
}

// -------- FORWARD / BACKWARD -------- //

// Predict runs X through every layer and returns the final activations.
func (s *Sequential) Predict(X *Matrix) (out *Matrix, err error) {
	err = catch(func() { out = s.predict(X) })
	return
}

func (s *Sequential) predict(X *Matrix) *Matrix {
	if len(s.layers) == 0 {
		failf(ErrNoLayers, "predict %q", s.Name)
	}
	return forwardChain(s.layers, X)
}

func forwardChain(layers []*Layer, X *Matrix) *Matrix {
	out := X
	for _, l := range layers {
		out = l.Forward(out)
	}
	return out
}

func backwardChain(layers []*Layer, grad *Matrix) *Matrix {
	for i := len(layers) - 1; i >= 0; i-- {
		grad = layers[i].Backward(grad)
	}
	return grad
}

// Evaluate returns the loss of the model's predictions for X against y. An
// uncompiled model is scored with mean squared error.
func (s *Sequential) Evaluate(X, y *Matrix) (loss float64, err error) {
	err = catch(func() {
		checkXY(X, y)
		kind := LossMSE
		if s.compiled {
			kind = s.loss
		}
		loss = kind.Loss(y, s.predict(X))
	})
	return
}

// BackwardPropagate pushes the loss gradient of the cached forward pass
// through every layer, leaving the parameter gradients in place. It does not
// update any weights.
func (s *Sequential) BackwardPropagate(yTrue, yPred *Matrix) error {
	return catch(func() {
		s.mustBeCompiled("backward")
		backwardChain(s.layers, s.loss.Gradient(yTrue, yPred))
	})
}

// UpdateWeights runs one optimizer step over every layer using the stored gradients.
func (s *Sequential) UpdateWeights() error {
	return catch(func() {
		s.mustBeCompiled("update")
		s.step()
	})
}

func (s *Sequential) step() {
	s.optimizer.BeginStep()
	for i, l := range s.layers {
		s.optimizer.Update(i, l)
	}
}

// TrainOnBatch performs one forward, backward and update cycle and returns
// the batch loss measured before the update.
func (s *Sequential) TrainOnBatch(X, y *Matrix) (loss float64, err error) {
	err = catch(func() {
		s.mustBeCompiled("train")
		checkXY(X, y)
		loss = s.trainBatch(X, y)
	})
	return
}

func (s *Sequential) trainBatch(X, y *Matrix) float64 {
	pred := s.predict(X)
	loss := s.loss.Loss(y, pred)
	backwardChain(s.layers, s.loss.Gradient(y, pred))
	s.step()
	return loss
}

func (s *Sequential) mustBeCompiled(op string) {
	if !s.compiled {
		failf(ErrNotCompiled, "%s %q", op, s.Name)
	}
	if len(s.layers) == 0 {
		failf(ErrNoLayers, "%s %q", op, s.Name)
	}
}

func checkXY(X, y *Matrix) {
	if X == nil || y == nil {
		failf(ErrBadShape, "nil features or labels")
	}
	if X.rows != y.rows {
		failf(ErrDimensionMismatch, "features have %d rows, labels have %d", X.rows, y.rows)
	}
}

// isFinite reports whether a training loss is usable.
func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
