package ml

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Activation is the closed set of nonlinearities a Layer can apply. The
// numeric values are part of the persisted model format.
type Activation int

const (
	Identity Activation = iota
	Sigmoid
	ReLU
	Tanh
	Softmax
)

var activationMap = map[string]Activation{
	"identity": Identity,
	"linear":   Identity,
	"sigmoid":  Sigmoid,
	"relu":     ReLU,
	"tanh":     Tanh,
	"softmax":  Softmax,
}

var activationNames = [...]string{"identity", "sigmoid", "relu", "tanh", "softmax"}

// ParseActivation maps a name such as "relu" to its Activation.
func ParseActivation(name string) (Activation, error) {
	act, exists := activationMap[strings.ToLower(strings.TrimSpace(name))]
	if !exists {
		return 0, errors.Wrapf(ErrBadConfig, "unknown activation %q", name)
	}
	return act, nil
}

func (a Activation) Valid() bool { return a >= Identity && a <= Softmax }

func (a Activation) String() string {
	if !a.Valid() {
		return "Activation(" + strconv.Itoa(int(a)) + ")"
	}
	return activationNames[a]
}

// Forward applies the activation to the pre-activation z and returns a new matrix.
func (a Activation) Forward(z *Matrix) *Matrix {
	switch a {
	case Identity:
		return z.Copy()
	case Sigmoid:
		return Apply(z, sigmoid)
	case ReLU:
		return Apply(z, Relu)
	case Tanh:
		return Apply(z, math.Tanh)
	case Softmax:
		out := z.Copy()
		SoftmaxRow(out)
		return out
	}
	failf(ErrBadConfig, "Forward: unknown activation %d", int(a))
	return nil
}

// Derivative returns the elementwise derivative evaluated at z.
//
// Softmax returns ones: its Jacobian is folded into the categorical
// cross-entropy gradient, so it must only be paired with that loss.
func (a Activation) Derivative(z *Matrix) *Matrix {
	switch a {
	case Identity, Softmax:
		out := NewMatrix(z.rows, z.cols)
		out.Fill(1)
		return out
	case Sigmoid:
		return Apply(z, func(x float64) float64 {
			s := sigmoid(x)
			return s * (1 - s)
		})
	case ReLU:
		return Apply(z, ReluDerivative)
	case Tanh:
		return Apply(z, func(x float64) float64 {
			t := math.Tanh(x)
			return 1 - t*t
		})
	}
	failf(ErrBadConfig, "Derivative: unknown activation %d", int(a))
	return nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func Relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// SoftmaxRow applies softmax to each row of the matrix in place.
func SoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.data[i*m.cols : (i+1)*m.cols]
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - maxVal)
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}
