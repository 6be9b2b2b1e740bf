package data

import (
	"math"

	"github.com/b0tShaman/densenet/ml"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// ColumnScaler maps every column j to (x - Offset[j]) * Factor[j]. Fit it on
// training data and reuse it for test data so both share the same scale.
type ColumnScaler struct {
	Offset []float64
	Factor []float64
}

// FitMinMax returns the scaler mapping each column's [min, max] onto [0, 1].
// Constant columns map to 0.
func FitMinMax(m *ml.Matrix) *ColumnScaler {
	cols := m.Cols()
	sc := &ColumnScaler{Offset: make([]float64, cols), Factor: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		col := m.Col(j).RawData()
		lo, hi := floats.Min(col), floats.Max(col)
		sc.Offset[j] = lo
		if hi > lo {
			sc.Factor[j] = 1 / (hi - lo)
		}
	}
	return sc
}

// FitStandard returns the scaler giving each column zero mean and unit
// (sample) standard deviation. Columns with zero or undefined deviation map to 0.
func FitStandard(m *ml.Matrix) *ColumnScaler {
	cols := m.Cols()
	sc := &ColumnScaler{Offset: make([]float64, cols), Factor: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		mean, std := stat.MeanStdDev(m.Col(j).RawData(), nil)
		sc.Offset[j] = mean
		if std > 0 && !math.IsNaN(std) && !math.IsInf(std, 0) {
			sc.Factor[j] = 1 / std
		}
	}
	return sc
}

// Transform scales m in place.
func (sc *ColumnScaler) Transform(m *ml.Matrix) error {
	rows, cols := m.Dims()
	if cols != len(sc.Offset) {
		return errors.Wrapf(ml.ErrDimensionMismatch, "scaler fitted on %d columns, got %d", len(sc.Offset), cols)
	}
	data := m.RawData()
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		for j := range row {
			row[j] = (row[j] - sc.Offset[j]) * sc.Factor[j]
		}
	}
	return nil
}

// Normalize rescales every column of m to [0, 1] in place and returns the
// fitted scaler.
func Normalize(m *ml.Matrix) *ColumnScaler {
	sc := FitMinMax(m)
	_ = sc.Transform(m)
	return sc
}

// Standardize turns every column of m into z-scores in place and returns the
// fitted scaler.
func Standardize(m *ml.Matrix) *ColumnScaler {
	sc := FitStandard(m)
	_ = sc.Transform(m)
	return sc
}

// OneHot encodes a column of class indices as rows of numClasses values. A
// label that is not an integer in [0, numClasses) is encoded as the uniform
// distribution and logged; it does not fail the encoding.
func OneHot(labels *ml.Matrix, numClasses int) (*ml.Matrix, error) {
	if numClasses <= 0 {
		return nil, errors.Wrapf(ml.ErrBadConfig, "one-hot with %d classes", numClasses)
	}
	if labels == nil || labels.Cols() != 1 {
		return nil, errors.Wrap(ml.ErrBadShape, "one-hot expects a single label column")
	}
	rows := labels.Rows()
	out := make([]float64, rows*numClasses)
	uniform := 1 / float64(numClasses)
	for i, v := range labels.RawData() {
		row := out[i*numClasses : (i+1)*numClasses]
		class := int(v)
		if math.IsNaN(v) || float64(class) != v || class < 0 || class >= numClasses {
			klog.Warningf("label %v at row %d is outside [0, %d), using a uniform distribution", v, i, numClasses)
			for j := range row {
				row[j] = uniform
			}
			continue
		}
		row[class] = 1
	}
	return ml.NewMatrixFromSlice(rows, numClasses, out), nil
}

// NumClasses returns 1 + the largest valid class index in a label column.
func NumClasses(labels *ml.Matrix) int {
	maxClass := -1
	for _, v := range labels.RawData() {
		if !math.IsNaN(v) && v >= 0 && int(v) > maxClass {
			maxClass = int(v)
		}
	}
	return maxClass + 1
}
