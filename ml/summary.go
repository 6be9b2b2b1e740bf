package ml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	summaryCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	summaryHeaderStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	summaryNumberStyle = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
)

// Summary renders the model configuration and a per-layer table of shapes,
// activations and parameter counts.
func (s *Sequential) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s\n", s.Name)
	fmt.Fprintf(&sb, "Layers: %d\n", len(s.layers))
	if s.compiled {
		fmt.Fprintf(&sb, "Compiled: optimizer=%s loss=%s learning rate=%g\n",
			s.optimizer.Kind(), s.loss, s.optimizer.LearningRate())
	} else {
		sb.WriteString("Compiled: no\n")
	}

	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return summaryHeaderStyle
			case col == 4:
				return summaryNumberStyle
			}
			return summaryCellStyle
		}).
		Headers("#", "Layer", "Shape", "Activation", "Params")

	for i, l := range s.layers {
		table.Row(
			strconv.Itoa(i+1),
			l.Name,
			fmt.Sprintf("Dense(%d -> %d)", l.inputSize, l.outputSize),
			l.Activation.String(),
			humanize.Comma(int64(l.ParamCount())),
		)
	}
	sb.WriteString(table.Render())
	fmt.Fprintf(&sb, "\nTotal parameters: %s\n", humanize.Comma(int64(s.ParamCount())))
	return sb.String()
}
