package ml

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	modelMagic   = "DEEPC_MODEL_V2"
	weightsMagic = "DEEPC_WEIGHTS_V2"

	// maxLayerParams bounds the weights of a single layer read from a file.
	maxLayerParams = 1 << 28
)

// ------- WRITING ------- //

// lineWriter writes one value per line and keeps the first write error.
type lineWriter struct {
	w   *bufio.Writer
	buf []byte
	err error
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: bufio.NewWriter(w)}
}

func (lw *lineWriter) line(s string) {
	if lw.err != nil {
		return
	}
	if _, err := lw.w.WriteString(s); err != nil {
		lw.err = err
		return
	}
	lw.err = lw.w.WriteByte('\n')
}

func (lw *lineWriter) int(v int) { lw.line(strconv.Itoa(v)) }

// float writes v with 17 significant digits, enough to read back the same bits.
func (lw *lineWriter) float(v float64) {
	lw.buf = strconv.AppendFloat(lw.buf[:0], v, 'g', 17, 64)
	lw.line(string(lw.buf))
}

func (lw *lineWriter) matrix(tag string, m *Matrix) {
	lw.line(tag + " " + strconv.Itoa(m.rows) + " " + strconv.Itoa(m.cols))
	for _, v := range m.data {
		lw.float(v)
	}
}

func (lw *lineWriter) flush() error {
	if lw.err == nil {
		lw.err = lw.w.Flush()
	}
	if lw.err != nil {
		return errors.Wrapf(ErrIO, "writing model: %v", lw.err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// checkName rejects names that would break the one-value-per-line layout.
func checkName(what, name string) error {
	if strings.ContainsAny(name, "\r\n") {
		return errors.Wrapf(ErrBadConfig, "%s name %q contains a line break", what, name)
	}
	return nil
}

// WriteModel writes the architecture, compile settings and parameters of s.
// Optimizer moments are not saved. Names containing line breaks are refused.
func (s *Sequential) WriteModel(w io.Writer) error {
	if len(s.layers) == 0 {
		return errors.Wrapf(ErrNoLayers, "write model %q", s.Name)
	}
	if err := checkName("model", s.Name); err != nil {
		return err
	}
	for _, l := range s.layers {
		if err := checkName("layer", l.Name); err != nil {
			return errors.WithMessagef(err, "write model %q", s.Name)
		}
	}
	lw := newLineWriter(w)
	lw.line(modelMagic)
	lw.line(s.Name)
	lw.int(len(s.layers))
	lw.int(boolToInt(s.compiled))
	kind := OptSGD
	if s.optimizer != nil {
		kind = s.optimizer.Kind()
	}
	lw.int(int(kind))
	lw.int(int(s.loss))
	lw.float(s.LearningRate())

	for _, l := range s.layers {
		lw.line("LAYER_START")
		lw.line(l.Name)
		lw.int(l.inputSize)
		lw.int(l.outputSize)
		lw.int(int(l.Activation))
		lw.matrix("WEIGHTS", l.Weights)
		lw.matrix("BIASES", l.Biases)
		lw.line("LAYER_END")
	}
	return lw.flush()
}

// WriteWeights writes only the parameters of s.
func (s *Sequential) WriteWeights(w io.Writer) error {
	if len(s.layers) == 0 {
		return errors.Wrapf(ErrNoLayers, "write weights %q", s.Name)
	}
	lw := newLineWriter(w)
	lw.line(weightsMagic)
	lw.int(len(s.layers))
	for _, l := range s.layers {
		lw.matrix("WEIGHTS", l.Weights)
		lw.matrix("BIASES", l.Biases)
	}
	return lw.flush()
}

// SaveModel writes the model to path, replacing any existing file.
func (s *Sequential) SaveModel(path string) error {
	if err := writeFile(path, s.WriteModel); err != nil {
		return err
	}
	klog.Infof("Model %q saved to %s", s.Name, path)
	return nil
}

// SaveWeights writes the parameters to path, replacing any existing file.
func (s *Sequential) SaveWeights(path string) error {
	if err := writeFile(path, s.WriteWeights); err != nil {
		return err
	}
	klog.Infof("Weights of %q saved to %s", s.Name, path)
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "creating %q: %v", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(ErrIO, "closing %q: %v", path, err)
	}
	return nil
}

// ------- READING ------- //

// lineReader reads the line-oriented format and panics with ErrFormat on
// anything unexpected.
type lineReader struct {
	sc   *bufio.Scanner
	line int
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineReader{sc: sc}
}

func (lr *lineReader) next(what string) string {
	if !lr.sc.Scan() {
		if err := lr.sc.Err(); err != nil {
			failf(ErrIO, "reading %s at line %d: %v", what, lr.line+1, err)
		}
		failf(ErrFormat, "unexpected end of file, expected %s at line %d", what, lr.line+1)
	}
	lr.line++
	return strings.TrimRight(lr.sc.Text(), "\r")
}

func (lr *lineReader) expect(token string) {
	if got := lr.next(token); strings.TrimSpace(got) != token {
		failf(ErrFormat, "line %d: expected %q, got %q", lr.line, token, got)
	}
}

func (lr *lineReader) int(what string) int {
	s := strings.TrimSpace(lr.next(what))
	v, err := strconv.Atoi(s)
	if err != nil {
		failf(ErrFormat, "line %d: %s %q is not an integer", lr.line, what, s)
	}
	return v
}

func (lr *lineReader) float(what string) float64 {
	s := strings.TrimSpace(lr.next(what))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		failf(ErrFormat, "line %d: %s %q is not a number", lr.line, what, s)
	}
	return v
}

// matrix reads "<tag> <rows> <cols>" followed by rows*cols values into dst.
// The header must match the shape of dst, so nothing is allocated from
// sizes found in the file.
func (lr *lineReader) matrix(tag string, index int, dst *Matrix) {
	header := strings.Fields(lr.next(tag + " header"))
	if len(header) != 3 || header[0] != tag {
		failf(ErrFormat, "line %d: expected %q header, got %v", lr.line, tag, header)
	}
	rows, errR := strconv.Atoi(header[1])
	cols, errC := strconv.Atoi(header[2])
	if errR != nil || errC != nil {
		failf(ErrFormat, "line %d: bad %s shape %v", lr.line, tag, header[1:])
	}
	if rows != dst.rows || cols != dst.cols {
		failf(ErrFormat, "layer %d: %s are [%d, %d], want [%d, %d]",
			index, strings.ToLower(tag), rows, cols, dst.rows, dst.cols)
	}
	for i := range dst.data {
		dst.data[i] = lr.float(tag + " value")
	}
}

// ReadModel rebuilds a model written by WriteModel. A model saved compiled
// comes back compiled with fresh optimizer state. Options apply as in
// NewSequential.
func ReadModel(r io.Reader, opts ...SequentialOption) (s *Sequential, err error) {
	err = catch(func() { s = readModel(r, opts...) })
	if err != nil {
		s = nil
	}
	return
}

func readModel(r io.Reader, opts ...SequentialOption) *Sequential {
	lr := newLineReader(r)
	lr.expect(modelMagic)
	name := lr.next("model name")
	numLayers := lr.int("layer count")
	if numLayers <= 0 {
		failf(ErrFormat, "layer count %d", numLayers)
	}
	compiled := lr.int("compiled flag")
	if compiled != 0 && compiled != 1 {
		failf(ErrFormat, "compiled flag %d", compiled)
	}
	optKind := OptimizerKind(lr.int("optimizer kind"))
	lossKind := LossKind(lr.int("loss kind"))
	learningRate := lr.float("learning rate")
	if compiled == 1 && (!optKind.Valid() || !lossKind.Valid()) {
		failf(ErrFormat, "optimizer %d / loss %d", int(optKind), int(lossKind))
	}

	s := NewSequential(name, opts...)
	for i := 0; i < numLayers; i++ {
		lr.expect("LAYER_START")
		layerName := lr.next("layer name")
		inputSize := lr.int("input size")
		outputSize := lr.int("output size")
		act := Activation(lr.int("activation"))
		if inputSize <= 0 || outputSize <= 0 || !act.Valid() {
			failf(ErrFormat, "layer %d: input=%d output=%d activation=%d", i, inputSize, outputSize, int(act))
		}
		if inputSize > maxLayerParams/outputSize {
			failf(ErrFormat, "layer %d: %d x %d weights exceed %d values", i, outputSize, inputSize, maxLayerParams)
		}
		layer := newZeroLayer(layerName, outputSize, act, inputSize)
		readParams(lr, i, layer)
		lr.expect("LAYER_END")
		if err := s.AddLayer(layer); err != nil {
			failf(ErrFormat, "layer %d: %v", i, err)
		}
	}

	if compiled == 1 {
		if err := s.Compile(optKind, lossKind, learningRate); err != nil {
			failf(ErrFormat, "compile settings: %v", err)
		}
	}
	return s
}

// readParams reads WEIGHTS and BIASES into dst, whose shapes they must match.
func readParams(lr *lineReader, index int, dst *Layer) {
	lr.matrix("WEIGHTS", index, dst.Weights)
	lr.matrix("BIASES", index, dst.Biases)
}

// ReadWeights loads parameters written by WriteWeights into s. The layer
// count and every shape must match. The whole input is validated before any
// parameter is overwritten, so on error s is unchanged.
func (s *Sequential) ReadWeights(r io.Reader) error {
	return catch(func() {
		if len(s.layers) == 0 {
			failf(ErrNoLayers, "read weights into %q", s.Name)
		}
		lr := newLineReader(r)
		lr.expect(weightsMagic)
		numLayers := lr.int("layer count")
		if numLayers != len(s.layers) {
			failf(ErrFormat, "layer count mismatch: model has %d, file has %d", len(s.layers), numLayers)
		}

		// --- VALIDATION STEP ---
		staged := make([]*Layer, numLayers)
		for i, l := range s.layers {
			staged[i] = newZeroLayer(l.Name, l.outputSize, l.Activation, l.inputSize)
			readParams(lr, i, staged[i])
		}

		// --- APPLICATION STEP ---
		for i, l := range s.layers {
			copy(l.Weights.data, staged[i].Weights.data)
			copy(l.Biases.data, staged[i].Biases.data)
		}
	})
}

// LoadModel reads a model saved with SaveModel.
func LoadModel(path string, opts ...SequentialOption) (*Sequential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening %q: %v", path, err)
	}
	defer f.Close()
	s, err := ReadModel(f, opts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	klog.Infof("Model %q loaded from %s (%d layers)", s.Name, path, len(s.layers))
	return s, nil
}

// LoadWeights reads parameters saved with SaveWeights into s.
func (s *Sequential) LoadWeights(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "opening %q: %v", path, err)
	}
	defer f.Close()
	if err := s.ReadWeights(f); err != nil {
		return errors.WithMessagef(err, "loading weights %q", path)
	}
	klog.Infof("Weights loaded into %q from %s", s.Name, path)
	return nil
}
