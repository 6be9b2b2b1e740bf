// Package data prepares tabular and image inputs for the ml package: CSV
// loading with missing-value handling, scaling, encoding and splitting.
package data

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"strings"

	"github.com/b0tShaman/densenet/ml"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MissingTokens are the cell values, compared case-insensitively after
// trimming, read as missing. Cells that do not parse as numbers are missing too.
var MissingTokens = []string{"", "NA", "NULL", "N/A", "NaN", "?"}

func isMissingToken(cell string) bool {
	for _, t := range MissingTokens {
		if strings.EqualFold(cell, t) {
			return true
		}
	}
	return false
}

// LoadCSV reads a numeric CSV file. Missing or unparseable cells become NaN
// and short rows are padded with NaN. It returns the values and the column
// names (generated as X0, X1... when hasHeader is false).
func LoadCSV(path string, hasHeader bool) (*ml.Matrix, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(ml.ErrIO, "opening %q: %v", path, err)
	}
	defer f.Close()
	m, names, err := ReadCSV(f, hasHeader)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loading %q", path)
	}
	klog.V(1).Infof("Loaded %s: %d rows, %d columns, %d missing", path, m.Rows(), m.Cols(), CountMissing(m))
	return m, names, nil
}

// ReadCSV is LoadCSV over a reader.
func ReadCSV(r io.Reader, hasHeader bool) (*ml.Matrix, []string, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 || (hasHeader && len(records) == 1) {
		return nil, nil, errors.Wrap(ml.ErrFormat, "csv has no data rows")
	}

	df := dataframe.LoadRecords(records,
		dataframe.HasHeader(hasHeader),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float),
		dataframe.NaNValues([]string{"NaN"}),
	)
	if df.Err != nil {
		return nil, nil, errors.Wrapf(ml.ErrFormat, "parsing csv: %v", df.Err)
	}

	rows, cols := df.Dims()
	values := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			elem := df.Elem(i, j)
			if elem.IsNA() {
				values[i*cols+j] = math.NaN()
				continue
			}
			values[i*cols+j] = elem.Float()
		}
	}
	return ml.NewMatrixFromSlice(rows, cols, values), df.Names(), nil
}

// readRecords reads every record, trims cells, maps missing tokens to "NaN"
// and pads short rows to the widest row.
func readRecords(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var records [][]string
	width := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ml.ErrFormat, "reading csv: %v", err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		for j, cell := range record {
			cell = strings.TrimSpace(cell)
			if isMissingToken(cell) {
				cell = "NaN"
			}
			record[j] = cell
		}
		width = max(width, len(record))
		records = append(records, record)
	}

	for i, record := range records {
		if len(record) < width {
			klog.Warningf("csv row %d has %d cells, padding to %d with missing values", i+1, len(record), width)
			for len(record) < width {
				record = append(record, "NaN")
			}
			records[i] = record
		}
	}
	return records, nil
}

// CountMissing returns the number of NaN cells.
func CountMissing(m *ml.Matrix) int {
	count := 0
	for _, v := range m.RawData() {
		if math.IsNaN(v) {
			count++
		}
	}
	return count
}

// FillMissingWithMean replaces NaN cells with the mean of the valid cells of
// their column. Columns with no valid cell are filled with 0.
func FillMissingWithMean(m *ml.Matrix) {
	rows, cols := m.Dims()
	data := m.RawData()
	for j := 0; j < cols; j++ {
		sum, count := 0.0, 0
		for i := 0; i < rows; i++ {
			if v := data[i*cols+j]; !math.IsNaN(v) {
				sum += v
				count++
			}
		}
		fill := 0.0
		if count > 0 {
			fill = sum / float64(count)
		} else {
			klog.Warningf("column %d has no valid values, filling with 0", j)
		}
		for i := 0; i < rows; i++ {
			if math.IsNaN(data[i*cols+j]) {
				data[i*cols+j] = fill
			}
		}
	}
}

// FillMissingWithZeros replaces NaN cells with 0.
func FillMissingWithZeros(m *ml.Matrix) {
	data := m.RawData()
	for i, v := range data {
		if math.IsNaN(v) {
			data[i] = 0
		}
	}
}
