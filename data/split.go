package data

import (
	"math/rand/v2"

	"github.com/b0tShaman/densenet/ml"
	"github.com/pkg/errors"
)

// SplitFeaturesLabels separates column labelCol of m into a label column and
// returns the remaining columns as features. labelCol -1 selects the last column.
func SplitFeaturesLabels(m *ml.Matrix, labelCol int) (X, y *ml.Matrix, err error) {
	rows, cols := m.Dims()
	if labelCol == -1 {
		labelCol = cols - 1
	}
	if labelCol < 0 || labelCol >= cols {
		return nil, nil, errors.Wrapf(ml.ErrOutOfRange, "label column %d of %d", labelCol, cols)
	}
	if cols < 2 {
		return nil, nil, errors.Wrap(ml.ErrBadShape, "need at least one feature column besides the label")
	}

	data := m.RawData()
	features := make([]float64, 0, rows*(cols-1))
	labels := make([]float64, rows)
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		features = append(features, row[:labelCol]...)
		features = append(features, row[labelCol+1:]...)
		labels[i] = row[labelCol]
	}
	return ml.NewMatrixFromSlice(rows, cols-1, features), ml.NewMatrixFromSlice(rows, 1, labels), nil
}

// Shuffle returns copies of X and y with their rows permuted by the same
// random permutation.
func Shuffle(X, y *ml.Matrix, rng *rand.Rand) (*ml.Matrix, *ml.Matrix, error) {
	if err := checkPair(X, y); err != nil {
		return nil, nil, err
	}
	perm := rng.Perm(X.Rows())
	return gatherPair(X, y, perm)
}

// TrainTestSplit shuffles the samples and puts int(rows*testSize) of them in
// the test set. testSize must be in (0, 1) and both sets must be non-empty.
func TrainTestSplit(X, y *ml.Matrix, testSize float64, rng *rand.Rand) (XTrain, XTest, yTrain, yTest *ml.Matrix, err error) {
	if err = checkPair(X, y); err != nil {
		return
	}
	if !(testSize > 0 && testSize < 1) {
		err = errors.Wrapf(ml.ErrBadConfig, "test size %g must be in (0, 1)", testSize)
		return
	}
	total := X.Rows()
	numTest := int(float64(total) * testSize)
	numTrain := total - numTest
	if numTest == 0 || numTrain == 0 {
		err = errors.Wrapf(ml.ErrBadConfig, "splitting %d samples with test size %g leaves an empty set", total, testSize)
		return
	}

	perm := rng.Perm(total)
	if XTrain, yTrain, err = gatherPair(X, y, perm[:numTrain]); err != nil {
		return
	}
	XTest, yTest, err = gatherPair(X, y, perm[numTrain:])
	return
}

func checkPair(X, y *ml.Matrix) error {
	if X == nil || y == nil {
		return errors.Wrap(ml.ErrBadShape, "nil features or labels")
	}
	if X.Rows() != y.Rows() {
		return errors.Wrapf(ml.ErrDimensionMismatch, "features have %d rows, labels have %d", X.Rows(), y.Rows())
	}
	return nil
}

func gatherPair(X, y *ml.Matrix, indices []int) (*ml.Matrix, *ml.Matrix, error) {
	xs, err := ml.GatherRows(X, indices)
	if err != nil {
		return nil, nil, err
	}
	ys, err := ml.GatherRows(y, indices)
	if err != nil {
		return nil, nil, err
	}
	return xs, ys, nil
}
