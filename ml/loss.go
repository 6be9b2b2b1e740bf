package ml

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LossKind selects a loss function. The numeric values are part of the
// persisted model format.
type LossKind int

const (
	LossMSE LossKind = iota
	LossBinaryCrossEntropy
	LossCategoricalCrossEntropy
)

// clipEpsilon keeps cross-entropy logarithms and divisions finite.
const clipEpsilon = 1e-7

var lossMap = map[string]LossKind{
	"mse":                      LossMSE,
	"mean_squared_error":       LossMSE,
	"binary_crossentropy":      LossBinaryCrossEntropy,
	"bce":                      LossBinaryCrossEntropy,
	"categorical_crossentropy": LossCategoricalCrossEntropy,
	"cce":                      LossCategoricalCrossEntropy,
}

var lossNames = [...]string{"MSE", "BinaryCE", "CategoricalCE"}

// ParseLoss maps a name such as "mse" or "categorical_crossentropy" to its LossKind.
func ParseLoss(name string) (LossKind, error) {
	kind, ok := lossMap[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, errors.Wrapf(ErrBadConfig, "unknown loss %q", name)
	}
	return kind, nil
}

func (k LossKind) Valid() bool { return k >= LossMSE && k <= LossCategoricalCrossEntropy }

func (k LossKind) String() string {
	if !k.Valid() {
		return "LossKind(" + strconv.Itoa(int(k)) + ")"
	}
	return lossNames[k]
}

// Loss returns the scalar loss of yPred against yTrue.
func (k LossKind) Loss(yTrue, yPred *Matrix) float64 {
	switch k {
	case LossMSE:
		return MeanSquaredError(yTrue, yPred)
	case LossBinaryCrossEntropy:
		return BinaryCrossEntropy(yTrue, yPred)
	case LossCategoricalCrossEntropy:
		return CategoricalCrossEntropy(yTrue, yPred)
	}
	failf(ErrBadConfig, "unknown loss %d", int(k))
	return 0
}

// Gradient returns dLoss/dyPred as a new matrix shaped like yPred.
func (k LossKind) Gradient(yTrue, yPred *Matrix) *Matrix {
	switch k {
	case LossMSE:
		return MeanSquaredErrorGradient(yTrue, yPred)
	case LossBinaryCrossEntropy:
		return BinaryCrossEntropyGradient(yTrue, yPred)
	case LossCategoricalCrossEntropy:
		return CategoricalCrossEntropyGradient(yTrue, yPred)
	}
	failf(ErrBadConfig, "unknown loss %d", int(k))
	return nil
}

func checkLossOperands(op string, yTrue, yPred *Matrix) {
	sameShape(op, yTrue, yPred)
	if yTrue.HasNaN() {
		failf(ErrNaN, "%s: true labels contain NaN", op)
	}
	if yPred.HasNaN() {
		failf(ErrNaN, "%s: predictions contain NaN", op)
	}
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, clipEpsilon), 1-clipEpsilon)
}

// MeanSquaredError is mean((yPred - yTrue)²) over all elements.
func MeanSquaredError(yTrue, yPred *Matrix) float64 {
	checkLossOperands("MeanSquaredError", yTrue, yPred)
	sum := 0.0
	for i, t := range yTrue.data {
		diff := t - yPred.data[i]
		sum += diff * diff
	}
	return sum / float64(len(yTrue.data))
}

// MeanSquaredErrorGradient is 2(yPred - yTrue)/N, N the element count.
func MeanSquaredErrorGradient(yTrue, yPred *Matrix) *Matrix {
	checkLossOperands("MeanSquaredErrorGradient", yTrue, yPred)
	grad := NewMatrix(yTrue.rows, yTrue.cols)
	n := float64(len(yTrue.data))
	for i, t := range yTrue.data {
		grad.data[i] = 2.0 * (yPred.data[i] - t) / n
	}
	return grad
}

// BinaryCrossEntropy is -mean(y log p + (1-y) log(1-p)) with p clipped to [ε, 1-ε].
func BinaryCrossEntropy(yTrue, yPred *Matrix) float64 {
	checkLossOperands("BinaryCrossEntropy", yTrue, yPred)
	sum := 0.0
	for i, t := range yTrue.data {
		p := clip(yPred.data[i])
		sum += t*math.Log(p) + (1-t)*math.Log(1-p)
	}
	return -sum / float64(len(yTrue.data))
}

// BinaryCrossEntropyGradient is (p-y)/(p(1-p))/N with p clipped.
func BinaryCrossEntropyGradient(yTrue, yPred *Matrix) *Matrix {
	checkLossOperands("BinaryCrossEntropyGradient", yTrue, yPred)
	grad := NewMatrix(yTrue.rows, yTrue.cols)
	n := float64(len(yTrue.data))
	for i, t := range yTrue.data {
		p := clip(yPred.data[i])
		grad.data[i] = (p - t) / (p * (1 - p)) / n
	}
	return grad
}

// CategoricalCrossEntropy is -(1/samples) Σ y log p with p clipped.
func CategoricalCrossEntropy(yTrue, yPred *Matrix) float64 {
	checkLossOperands("CategoricalCrossEntropy", yTrue, yPred)
	sum := 0.0
	for i, t := range yTrue.data {
		sum += t * math.Log(clip(yPred.data[i]))
	}
	return -sum / float64(yTrue.rows)
}

// CategoricalCrossEntropyGradient is (p-y)/samples: the joint gradient of
// softmax followed by cross-entropy with respect to the softmax input. It is
// only correct when the output layer uses Softmax.
func CategoricalCrossEntropyGradient(yTrue, yPred *Matrix) *Matrix {
	checkLossOperands("CategoricalCrossEntropyGradient", yTrue, yPred)
	grad := NewMatrix(yTrue.rows, yTrue.cols)
	n := float64(yTrue.rows)
	for i, t := range yTrue.data {
		grad.data[i] = (clip(yPred.data[i]) - t) / n
	}
	return grad
}
