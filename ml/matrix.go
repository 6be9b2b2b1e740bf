package ml

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense matrix with a flat data slice for performance.
// The gonum view shares the same backing slice, so BLAS routines and direct
// indexing always see the same values.
//
// Operations that return a *Matrix allocate a new one owned by the caller.
// Shape violations panic with an ErrPrecondition error; the Sequential API
// recovers them into returned errors.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //

// NewMatrix returns a zero-filled rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	if rows <= 0 || cols <= 0 {
		failf(ErrBadShape, "NewMatrix(%d, %d)", rows, cols)
	}
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromSlice wraps data (row-major) without copying. The matrix takes
// ownership of the slice.
func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if rows <= 0 || cols <= 0 {
		failf(ErrBadShape, "NewMatrixFromSlice(%d, %d)", rows, cols)
	}
	if len(data) != rows*cols {
		failf(ErrDimensionMismatch, "NewMatrixFromSlice: %d values for shape [%d, %d]", len(data), rows, cols)
	}
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromRows copies a rectangular [][]float64 into a new matrix.
func NewMatrixFromRows(values [][]float64) *Matrix {
	if len(values) == 0 || len(values[0]) == 0 {
		failf(ErrBadShape, "NewMatrixFromRows: empty input")
	}
	rows, cols := len(values), len(values[0])
	flat := make([]float64, rows*cols)
	for i, row := range values {
		if len(row) != cols {
			failf(ErrDimensionMismatch, "NewMatrixFromRows: row %d has %d values, want %d", i, len(row), cols)
		}
		copy(flat[i*cols:], row)
	}
	return NewMatrixFromSlice(rows, cols, flat)
}

// ------- ACCESSORS ------ //

func (m *Matrix) Rows() int { return m.rows }

func (m *Matrix) Cols() int { return m.cols }

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// RawData returns the live row-major backing slice.
func (m *Matrix) RawData() []float64 { return m.data }

func (m *Matrix) checkIndex(op string, i, j int) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		failf(ErrOutOfRange, "%s(%d, %d) on [%d, %d]", op, i, j, m.rows, m.cols)
	}
}

func (m *Matrix) At(i, j int) float64 {
	m.checkIndex("At", i, j)
	return m.data[i*m.cols+j]
}

func (m *Matrix) Set(i, j int, v float64) {
	m.checkIndex("Set", i, j)
	m.data[i*m.cols+j] = v
}

// Copy returns a deep copy.
func (m *Matrix) Copy() *Matrix {
	data := make([]float64, len(m.data))
	copy(data, m.data)
	return NewMatrixFromSlice(m.rows, m.cols, data)
}

func (m *Matrix) String() string {
	return fmt.Sprintf("[%d x %d]\n%v", m.rows, m.cols, mat.Formatted(m.dense, mat.Squeeze()))
}

// ------- IN-PLACE METHODS ------ //

func (m *Matrix) Reset() {
	for i := range m.data {
		m.data[i] = 0.0
	}
}

func (m *Matrix) Fill(v float64) {
	for i := range m.data {
		m.data[i] = v
	}
}

// RandomizeUniform fills the matrix with values drawn uniformly from [-limit, limit].
func (m *Matrix) RandomizeUniform(limit float64, rng *rand.Rand) {
	for i := range m.data {
		m.data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (m *Matrix) AddInPlace(b *Matrix) {
	sameShape("AddInPlace", m, b)
	m.dense.Add(m.dense, b.dense)
}

func (m *Matrix) SubtractInPlace(b *Matrix) {
	sameShape("SubtractInPlace", m, b)
	m.dense.Sub(m.dense, b.dense)
}

func (m *Matrix) ScaleInPlace(s float64) {
	floats.Scale(s, m.data)
}

// AddScaledInPlace performs m += alpha * b.
func (m *Matrix) AddScaledInPlace(alpha float64, b *Matrix) {
	sameShape("AddScaledInPlace", m, b)
	floats.AddScaled(m.data, alpha, b.data)
}

// ApplyFunc maps fn over every element in place.
func (m *Matrix) ApplyFunc(fn func(float64) float64) {
	for i := range m.data {
		m.data[i] = fn(m.data[i])
	}
}

// HasNaN reports whether any element is NaN.
func (m *Matrix) HasNaN() bool {
	return floats.HasNaN(m.data)
}

// ------- ROWS & COLUMNS ------ //

// Row materializes row i as a new 1 x cols matrix.
func (m *Matrix) Row(i int) *Matrix {
	m.checkIndex("Row", i, 0)
	data := make([]float64, m.cols)
	copy(data, m.data[i*m.cols:(i+1)*m.cols])
	return NewMatrixFromSlice(1, m.cols, data)
}

// Col materializes column j as a new rows x 1 matrix.
func (m *Matrix) Col(j int) *Matrix {
	m.checkIndex("Col", 0, j)
	data := make([]float64, m.rows)
	mat.Col(data, j, m.dense)
	return NewMatrixFromSlice(m.rows, 1, data)
}

// SetRow overwrites row i with a 1 x cols matrix.
func (m *Matrix) SetRow(i int, row *Matrix) {
	m.checkIndex("SetRow", i, 0)
	if row.rows != 1 || row.cols != m.cols {
		failf(ErrDimensionMismatch, "SetRow: row is [%d, %d], want [1, %d]", row.rows, row.cols, m.cols)
	}
	m.dense.SetRow(i, row.data)
}

// SetCol overwrites column j with a rows x 1 matrix.
func (m *Matrix) SetCol(j int, col *Matrix) {
	m.checkIndex("SetCol", 0, j)
	if col.cols != 1 || col.rows != m.rows {
		failf(ErrDimensionMismatch, "SetCol: column is [%d, %d], want [%d, 1]", col.rows, col.cols, m.rows)
	}
	m.dense.SetCol(j, col.data)
}

// SliceRows copies rows [start, end) into a new matrix.
func (m *Matrix) SliceRows(start, end int) *Matrix {
	if start < 0 || end > m.rows || start >= end {
		failf(ErrOutOfRange, "SliceRows(%d, %d) on %d rows", start, end, m.rows)
	}
	data := make([]float64, (end-start)*m.cols)
	copy(data, m.data[start*m.cols:end*m.cols])
	return NewMatrixFromSlice(end-start, m.cols, data)
}

// ------ UTILITY FUNCTIONS ------

func sameShape(op string, a, b *Matrix) {
	if a == nil || b == nil {
		failf(ErrBadShape, "%s: nil operand", op)
	}
	if a.rows != b.rows || a.cols != b.cols {
		failf(ErrDimensionMismatch, "%s: [%d, %d] vs [%d, %d]", op, a.rows, a.cols, b.rows, b.cols)
	}
}

// Add returns a + b.
func Add(a, b *Matrix) *Matrix {
	sameShape("Add", a, b)
	out := NewMatrix(a.rows, a.cols)
	out.dense.Add(a.dense, b.dense)
	return out
}

// Subtract returns a - b.
func Subtract(a, b *Matrix) *Matrix {
	sameShape("Subtract", a, b)
	out := NewMatrix(a.rows, a.cols)
	out.dense.Sub(a.dense, b.dense)
	return out
}

// Multiply returns the elementwise (Hadamard) product.
func Multiply(a, b *Matrix) *Matrix {
	sameShape("Multiply", a, b)
	out := NewMatrix(a.rows, a.cols)
	out.dense.MulElem(a.dense, b.dense)
	return out
}

// Product returns the matrix product a·b. It panics with ErrDimensionMismatch
// when a.cols != b.rows, like every other shape violation; use TryProduct to
// branch on the mismatch instead.
func Product(a, b *Matrix) *Matrix {
	if a == nil || b == nil {
		failf(ErrBadShape, "Product: nil operand")
	}
	if a.cols != b.rows {
		failf(ErrDimensionMismatch, "Product: [%d, %d] · [%d, %d]", a.rows, a.cols, b.rows, b.cols)
	}
	out := NewMatrix(a.rows, b.cols)
	out.dense.Mul(a.dense, b.dense)
	return out
}

// TryProduct is Product returning the dimension mismatch as an error.
func TryProduct(a, b *Matrix) (out *Matrix, err error) {
	err = catch(func() { out = Product(a, b) })
	return
}

// Scale returns s * a.
func Scale(a *Matrix, s float64) *Matrix {
	out := NewMatrix(a.rows, a.cols)
	out.dense.Scale(s, a.dense)
	return out
}

// Transpose returns aᵗ.
func Transpose(a *Matrix) *Matrix {
	out := NewMatrix(a.cols, a.rows)
	out.dense.Copy(a.dense.T())
	return out
}

// Apply returns a new matrix with fn applied elementwise.
func Apply(a *Matrix, fn func(float64) float64) *Matrix {
	out := NewMatrix(a.rows, a.cols)
	out.dense.Apply(func(_, _ int, v float64) float64 { return fn(v) }, a.dense)
	return out
}

// Equal reports whether a and b have the same shape and identical values.
func Equal(a, b *Matrix) bool {
	return a.rows == b.rows && a.cols == b.cols && mat.Equal(a.dense, b.dense)
}

// EqualApprox is Equal within an absolute or relative tolerance.
func EqualApprox(a, b *Matrix, tol float64) bool {
	return a.rows == b.rows && a.cols == b.cols && mat.EqualApprox(a.dense, b.dense, tol)
}
