// Package report renders training feedback: a terminal progress bar for
// running fits and a loss curve for finished ones.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// Progress tracks the epochs of one fit on a terminal.
type Progress struct {
	bar    *progressbar.ProgressBar
	epochs int
	epoch  int
	start  time.Time
}

// NewProgress starts a bar of the given number of epochs writing to w.
func NewProgress(w io.Writer, epochs int) *Progress {
	bar := progressbar.NewOptions(epochs,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionShowIts(),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(w) }),
	)
	return &Progress{bar: bar, epochs: epochs, start: time.Now()}
}

// Epoch advances the bar by one epoch and shows its loss.
func (p *Progress) Epoch(loss float64) {
	p.epoch++
	p.bar.Describe(fmt.Sprintf("epoch %d/%d loss=%.6f", p.epoch, p.epochs, loss))
	_ = p.bar.Add(1)
}

// Elapsed is the time since the bar was created.
func (p *Progress) Elapsed() time.Duration { return time.Since(p.start) }

// Finish completes the bar even if fewer epochs were reported.
func (p *Progress) Finish() {
	if !p.bar.IsFinished() {
		_ = p.bar.Finish()
	}
}
