package ml

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// OptimizerKind selects the update rule. The numeric values are part of the
// persisted model format.
type OptimizerKind int

const (
	OptSGD OptimizerKind = iota
	OptAdam
)

var optimizerMap = map[string]OptimizerKind{
	"sgd":  OptSGD,
	"adam": OptAdam,
}

var optimizerNames = [...]string{"SGD", "Adam"}

// ParseOptimizer maps "sgd" or "adam" to its OptimizerKind.
func ParseOptimizer(name string) (OptimizerKind, error) {
	kind, ok := optimizerMap[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, errors.Wrapf(ErrBadConfig, "unknown optimizer %q", name)
	}
	return kind, nil
}

func (k OptimizerKind) Valid() bool { return k == OptSGD || k == OptAdam }

func (k OptimizerKind) String() string {
	if !k.Valid() {
		return "OptimizerKind(" + strconv.Itoa(int(k)) + ")"
	}
	return optimizerNames[k]
}

// TimestepPolicy decides when Adam advances its timestep t.
type TimestepPolicy int

const (
	// TimestepPerBatch advances t once per optimization step (BeginStep), so
	// every layer of a batch sees the same bias correction.
	TimestepPerBatch TimestepPolicy = iota

	// TimestepPerUpdate advances t on every per-layer Update call. A network
	// with L layers therefore advances t by L per batch.
	TimestepPerUpdate
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
	Timestep:     TimestepPerBatch,
}

type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
	Timestep     TimestepPolicy
}

// Optimizer updates a layer's parameters in place from its stored gradients.
//
// A training step calls BeginStep once, then Update once per layer with the
// layer's position counted from the input.
type Optimizer interface {
	Kind() OptimizerKind
	LearningRate() float64
	BeginStep()
	Update(index int, layer *Layer)
	Timestep() int
}

// OptimizerOption tweaks Adam hyperparameters. SGD ignores them.
type OptimizerOption func(*AdamConfig)

func WithBetas(beta1, beta2 float64) OptimizerOption {
	return func(c *AdamConfig) {
		c.Beta1 = beta1
		c.Beta2 = beta2
	}
}

func WithEpsilon(eps float64) OptimizerOption {
	return func(c *AdamConfig) { c.Epsilon = eps }
}

func WithTimestepPolicy(p TimestepPolicy) OptimizerOption {
	return func(c *AdamConfig) { c.Timestep = p }
}

// NewOptimizer builds the optimizer for kind with learning rate lr.
func NewOptimizer(kind OptimizerKind, lr float64, opts ...OptimizerOption) (Optimizer, error) {
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return nil, errors.Wrapf(ErrBadConfig, "learning rate %g must be positive", lr)
	}
	switch kind {
	case OptAdam:
		cfg := DefaultAdamConfig
		cfg.LearningRate = lr
		for _, opt := range opts {
			opt(&cfg)
		}
		if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
			return nil, errors.Wrapf(ErrBadConfig, "adam betas (%g, %g) must be in [0, 1)", cfg.Beta1, cfg.Beta2)
		}
		if cfg.Epsilon <= 0 {
			return nil, errors.Wrapf(ErrBadConfig, "adam epsilon %g must be positive", cfg.Epsilon)
		}
		return NewAdamOptimizer(cfg), nil

	case OptSGD:
		return &SGDOptimizer{lr: lr}, nil

	default:
		return nil, errors.Wrapf(ErrBadConfig, "unknown optimizer %d", int(kind))
	}
}

// ------ SGD OPTIMIZER ------ //

type SGDOptimizer struct {
	lr       float64
	timeStep int
}

func (opt *SGDOptimizer) Kind() OptimizerKind   { return OptSGD }
func (opt *SGDOptimizer) LearningRate() float64 { return opt.lr }
func (opt *SGDOptimizer) Timestep() int         { return opt.timeStep }
func (opt *SGDOptimizer) BeginStep()            { opt.timeStep++ }

// Update: W = W - (lr * gradient)
func (opt *SGDOptimizer) Update(_ int, layer *Layer) {
	floats.AddScaled(layer.Weights.data, -opt.lr, layer.dW.data)
	floats.AddScaled(layer.Biases.data, -opt.lr, layer.dB.data)
}

// ------ ADAM OPTIMIZER ------ //

// LayerState holds Adam's first and second moments for one layer.
type LayerState struct {
	mW, vW *Matrix
	mB, vB *Matrix
}

func newLayerState(layer *Layer) *LayerState {
	return &LayerState{
		mW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
		vW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
		mB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
		vB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
	}
}

func (s *LayerState) fits(layer *Layer) bool {
	return s.mW.rows == layer.Weights.rows && s.mW.cols == layer.Weights.cols &&
		s.mB.rows == layer.Biases.rows
}

type AdamOptimizer struct {
	cfg      AdamConfig
	states   map[int]*LayerState
	timeStep int // 't' in the Adam paper
}

func NewAdamOptimizer(cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{
		cfg:    cfg,
		states: make(map[int]*LayerState),
	}
}

func (opt *AdamOptimizer) Kind() OptimizerKind   { return OptAdam }
func (opt *AdamOptimizer) LearningRate() float64 { return opt.cfg.LearningRate }
func (opt *AdamOptimizer) Timestep() int         { return opt.timeStep }
func (opt *AdamOptimizer) Config() AdamConfig    { return opt.cfg }

func (opt *AdamOptimizer) BeginStep() {
	if opt.cfg.Timestep == TimestepPerBatch {
		opt.timeStep++
	}
}

// State returns the moments for the layer at index, or nil before its first update.
func (opt *AdamOptimizer) State(index int) *LayerState { return opt.states[index] }

// Update applies the Adam update rule to the layer's weights and biases.
func (opt *AdamOptimizer) Update(index int, layer *Layer) {
	if opt.cfg.Timestep == TimestepPerUpdate || opt.timeStep == 0 {
		opt.timeStep++
	}
	t := float64(opt.timeStep)

	// correction1 = 1 - beta1^t
	// correction2 = 1 - beta2^t
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	state := opt.states[index]
	if state == nil || !state.fits(layer) {
		state = newLayerState(layer)
		opt.states[index] = state
	}

	apply := func(params, grads, m, v []float64) {
		beta1 := opt.cfg.Beta1
		beta2 := opt.cfg.Beta2
		eps := opt.cfg.Epsilon
		lr := opt.cfg.LearningRate

		for i := range params {
			g := grads[i]

			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m[i] = beta1*m[i] + (1.0-beta1)*g

			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v[i] = beta2*v[i] + (1.0-beta2)*(g*g)

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			params[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}

	apply(layer.Weights.data, layer.dW.data, state.mW.data, state.vW.data)
	apply(layer.Biases.data, layer.dB.data, state.mB.data, state.vB.data)
}
