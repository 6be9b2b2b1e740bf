package data

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/b0tShaman/densenet/ml"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const messyCSV = `a,b,label
1,2,0
NA,4,1
# comment lines are skipped
5,,0
7,8
?, 3.5 ,null
`

func TestReadCSVMissingValues(t *testing.T) {
	m, names, err := ReadCSV(strings.NewReader(messyCSV), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "label"}, names)
	rows, cols := m.Dims()
	assert.Equal(t, 5, rows)
	assert.Equal(t, 3, cols)

	assert.Equal(t, 1.0, m.At(0, 0))
	assert.True(t, math.IsNaN(m.At(1, 0)), "NA")
	assert.True(t, math.IsNaN(m.At(2, 1)), "empty cell")
	assert.True(t, math.IsNaN(m.At(3, 2)), "short row is padded")
	assert.True(t, math.IsNaN(m.At(4, 0)), "?")
	assert.Equal(t, 3.5, m.At(4, 1))
	assert.True(t, math.IsNaN(m.At(4, 2)), "null")
	assert.Equal(t, 5, CountMissing(m))
}

func TestReadCSVWithoutHeader(t *testing.T) {
	m, names, err := ReadCSV(strings.NewReader("1,2\n3,4\n"), false)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, m.RawData())
	assert.Len(t, names, 2)

	_, _, err = ReadCSV(strings.NewReader("a,b\n"), true)
	assert.True(t, errors.Is(err, ml.ErrFormat))
	_, _, err = ReadCSV(strings.NewReader(""), false)
	assert.True(t, errors.Is(err, ml.ErrFormat))
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,y\n1,10\n2,20\n"), 0o644))
	m, names, err := LoadCSV(path, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, names)
	assert.Equal(t, []float64{1, 10, 2, 20}, m.RawData())

	_, _, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), true)
	assert.True(t, errors.Is(err, ml.ErrIO))
	assert.True(t, ml.IsEnvironment(err))
}

func TestFillMissing(t *testing.T) {
	m, _, err := ReadCSV(strings.NewReader(messyCSV), true)
	require.NoError(t, err)
	zeros := m.Copy()

	FillMissingWithMean(m)
	assert.Equal(t, 0, CountMissing(m))
	assert.InDelta(t, 13.0/3, m.At(1, 0), 1e-12)
	assert.InDelta(t, (2+4+8+3.5)/4, m.At(2, 1), 1e-12)
	assert.InDelta(t, 1.0/3, m.At(3, 2), 1e-12)
	assert.Equal(t, 1.0, m.At(0, 0), "valid cells are kept")

	FillMissingWithZeros(zeros)
	assert.Equal(t, 0, CountMissing(zeros))
	assert.Equal(t, 0.0, zeros.At(1, 0))

	empty := ml.NewMatrixFromSlice(2, 1, []float64{math.NaN(), math.NaN()})
	FillMissingWithMean(empty)
	assert.Equal(t, []float64{0, 0}, empty.RawData())
}
