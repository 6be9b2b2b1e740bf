package data

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/b0tShaman/densenet/ml"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ColumnStats summarizes the valid (non-NaN) values of one column.
type ColumnStats struct {
	Mean, StdDev float64
	Min, Max     float64
	Valid        int
	Missing      int
}

// Describe computes per-column statistics ignoring NaN cells. Columns with
// no valid value report NaN for every statistic.
func Describe(m *ml.Matrix) []ColumnStats {
	out := make([]ColumnStats, m.Cols())
	for j := range out {
		col := m.Col(j).RawData()
		valid := make([]float64, 0, len(col))
		for _, v := range col {
			if !math.IsNaN(v) {
				valid = append(valid, v)
			}
		}
		cs := ColumnStats{Valid: len(valid), Missing: len(col) - len(valid)}
		switch len(valid) {
		case 0:
			cs.Mean, cs.StdDev, cs.Min, cs.Max = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		default:
			cs.Mean, cs.StdDev = stat.MeanStdDev(valid, nil)
			cs.Min, cs.Max = floats.Min(valid), floats.Max(valid)
		}
		out[j] = cs
	}
	return out
}

// FormatStats renders column statistics as a table. names may be nil.
func FormatStats(stats []ColumnStats, names []string) string {
	cell := lipgloss.NewStyle().Padding(0, 1)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(_, _ int) lipgloss.Style { return cell }).
		Headers("Column", "Mean", "Std", "Min", "Max", "Valid", "Missing")
	for j, cs := range stats {
		name := "col " + strconv.Itoa(j)
		if j < len(names) {
			name = names[j]
		}
		table.Row(name,
			fmt.Sprintf("%.4f", cs.Mean), fmt.Sprintf("%.4f", cs.StdDev),
			fmt.Sprintf("%.4f", cs.Min), fmt.Sprintf("%.4f", cs.Max),
			strconv.Itoa(cs.Valid), strconv.Itoa(cs.Missing))
	}
	return table.Render()
}

// ClassCount is the number of samples of one class.
type ClassCount struct {
	Class int
	Count int
}

// ClassDistribution counts samples per class, sorted by class. Labels may be
// a column of class indices or one-hot rows (the argmax is used).
func ClassDistribution(labels *ml.Matrix) []ClassCount {
	rows, cols := labels.Dims()
	data := labels.RawData()
	counts := make(map[int]int)
	for i := 0; i < rows; i++ {
		if cols == 1 {
			if v := data[i]; !math.IsNaN(v) {
				counts[int(v)]++
			}
			continue
		}
		counts[floats.MaxIdx(data[i*cols:(i+1)*cols])]++
	}

	out := make([]ClassCount, 0, len(counts))
	for class, n := range counts {
		out = append(out, ClassCount{Class: class, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
