package ml

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/b0tShaman/densenet/report"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

type TrainingConfig struct {
	Epochs int
	// BatchSize <= 0 or larger than the sample count trains on the full batch.
	BatchSize int

	// Verbose logs the epoch loss every VerboseEvery epochs (default 1).
	Verbose      bool
	VerboseEvery int

	// NumWorkers > 1 splits every batch across that many goroutines.
	NumWorkers int

	// ProgressWriter, when set, receives a progress bar.
	ProgressWriter io.Writer
}

// History records one Fit call.
type History struct {
	// Loss is the sample-weighted average batch loss of each epoch, measured
	// before each batch's update.
	Loss      []float64
	EpochTime []time.Duration
	Elapsed   time.Duration
}

// FinalLoss is the loss of the last completed epoch, or NaN.
func (h *History) FinalLoss() float64 {
	if len(h.Loss) == 0 {
		return math.NaN()
	}
	return h.Loss[len(h.Loss)-1]
}

// Fit trains the model on X, y for cfg.Epochs epochs of contiguous batches.
// Samples are used in the given order; shuffle beforehand if needed.
func (s *Sequential) Fit(X, y *Matrix, cfg TrainingConfig) (*History, error) {
	return s.FitContext(context.Background(), X, y, cfg)
}

// FitContext is Fit stopping between batches once ctx is done. The history
// of the completed epochs is returned along with ctx's error.
func (s *Sequential) FitContext(ctx context.Context, X, y *Matrix, cfg TrainingConfig) (*History, error) {
	hist := &History{}
	var ctxErr error
	if err := catch(func() { ctxErr = s.fit(ctx, X, y, cfg, hist) }); err != nil {
		return hist, err
	}
	return hist, ctxErr
}

func (s *Sequential) fit(ctx context.Context, X, y *Matrix, cfg TrainingConfig, hist *History) error {
	s.mustBeCompiled("fit")
	checkXY(X, y)
	validateConfig(cfg)

	numSamples := X.rows
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > numSamples {
		batchSize = numSamples
	}
	verboseEvery := max(cfg.VerboseEvery, 1)

	var trainer *parallelTrainer
	if cfg.NumWorkers > 1 {
		trainer = newParallelTrainer(s.layers, s.loss, min(cfg.NumWorkers, batchSize))
		klog.V(1).Infof("model %q: %d workers, batch %d", s.Name, len(trainer.workers), batchSize)
	}

	var progress *report.Progress
	if cfg.ProgressWriter != nil {
		progress = report.NewProgress(cfg.ProgressWriter, cfg.Epochs)
		defer progress.Finish()
	}

	start := time.Now()
	defer func() { hist.Elapsed = time.Since(start) }()

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		epochStart := time.Now()
		var totalLoss float64

		for batchStart := 0; batchStart < numSamples; batchStart += batchSize {
			if err := ctx.Err(); err != nil {
				klog.Infof("model %q: training stopped at epoch %d: %v", s.Name, epoch, err)
				return err
			}
			batchEnd := min(batchStart+batchSize, numSamples)
			xb, yb := X, y
			if batchStart != 0 || batchEnd != numSamples {
				xb, yb = X.SliceRows(batchStart, batchEnd), y.SliceRows(batchStart, batchEnd)
			}

			var loss float64
			if trainer != nil {
				loss = trainer.trainBatch(xb, yb, s.optimizer)
			} else {
				loss = s.trainBatch(xb, yb)
			}
			totalLoss += loss * float64(batchEnd-batchStart)
		}

		avgLoss := totalLoss / float64(numSamples)
		hist.Loss = append(hist.Loss, avgLoss)
		hist.EpochTime = append(hist.EpochTime, time.Since(epochStart))

		if !isFinite(avgLoss) {
			klog.Warningf("model %q: epoch %d loss is %v", s.Name, epoch, avgLoss)
		}
		if progress != nil {
			progress.Epoch(avgLoss)
		}
		if cfg.Verbose && (epoch%verboseEvery == 0 || epoch == 1 || epoch == cfg.Epochs) {
			klog.Infof("Epoch %d/%d | Loss: %.6f | Time: %v", epoch, cfg.Epochs, avgLoss, time.Since(start))
		}
	}
	return nil
}

func validateConfig(cfg TrainingConfig) {
	if cfg.Epochs <= 0 {
		failf(ErrBadConfig, "epochs=%d must be positive", cfg.Epochs)
	}
	if cfg.NumWorkers < 0 {
		failf(ErrBadConfig, "workers=%d must not be negative", cfg.NumWorkers)
	}
}

// ------ DATA PARALLELISM ------ //

// parallelTrainer splits each batch into contiguous row ranges, one per
// worker. Workers own cloned layers sharing the model's parameters, so the
// forward and backward passes run concurrently while every write goes to
// worker-owned matrices. Parameters change only in the optimizer step, after
// all workers have finished.
type parallelTrainer struct {
	master  []*Layer
	workers [][]*Layer
	loss    LossKind
}

type rowRange struct{ start, end int }

func newParallelTrainer(layers []*Layer, loss LossKind, numWorkers int) *parallelTrainer {
	pt := &parallelTrainer{
		master:  layers,
		workers: make([][]*Layer, numWorkers),
		loss:    loss,
	}
	for w := range pt.workers {
		clones := make([]*Layer, len(layers))
		for i, l := range layers {
			clones[i] = l.CloneStructure()
		}
		pt.workers[w] = clones
	}
	return pt
}

// splitRows partitions n rows into parts contiguous ranges whose sizes differ by at most one.
func splitRows(n, parts int) []rowRange {
	ranges := make([]rowRange, parts)
	base, extra := n/parts, n%parts
	start := 0
	for i := range ranges {
		size := base
		if i < extra {
			size++
		}
		ranges[i] = rowRange{start, start + size}
		start += size
	}
	return ranges
}

func (pt *parallelTrainer) trainBatch(X, y *Matrix, opt Optimizer) float64 {
	batch := X.rows
	numWorkers := min(len(pt.workers), batch)
	ranges := splitRows(batch, numWorkers)

	// A. Forward on every shard.
	preds := make([]*Matrix, numWorkers)
	pt.run(numWorkers, func(w int) {
		r := ranges[w]
		preds[w] = forwardChain(pt.workers[w], X.SliceRows(r.start, r.end))
	})

	// B. Loss and its gradient over the whole batch.
	pred := stackRows(preds, batch)
	loss := pt.loss.Loss(y, pred)
	grad := pt.loss.Gradient(y, pred)

	// C. Backward on every shard, weighted by its share of the batch.
	pt.run(numWorkers, func(w int) {
		r := ranges[w]
		backwardChain(pt.workers[w], grad.SliceRows(r.start, r.end))
		share := float64(r.end-r.start) / float64(batch)
		for _, l := range pt.workers[w] {
			l.dW.ScaleInPlace(share)
			l.dB.ScaleInPlace(share)
		}
	})

	// D. Pairwise tree reduction into worker 0.
	for stride := 1; stride < numWorkers; stride *= 2 {
		var pairs []int
		for i := 0; i+stride < numWorkers; i += 2 * stride {
			pairs = append(pairs, i)
		}
		pt.run(len(pairs), func(p int) {
			dst, src := pt.workers[pairs[p]], pt.workers[pairs[p]+stride]
			for l := range dst {
				floats.Add(dst[l].dW.data, src[l].dW.data)
				floats.Add(dst[l].dB.data, src[l].dB.data)
			}
		})
	}

	// E. One optimizer step on the shared parameters.
	for l, layer := range pt.master {
		copy(layer.dW.data, pt.workers[0][l].dW.data)
		copy(layer.dB.data, pt.workers[0][l].dB.data)
	}
	opt.BeginStep()
	for i, layer := range pt.master {
		opt.Update(i, layer)
	}
	return loss
}

// run calls fn(0..n-1) concurrently and re-raises the first failure.
func (pt *parallelTrainer) run(n int, fn func(i int)) {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return catch(func() { fn(i) })
		})
	}
	if err := g.Wait(); err != nil {
		panic(errors.WithMessage(err, "parallel worker"))
	}
}

// stackRows concatenates matrices of equal width vertically.
func stackRows(parts []*Matrix, rows int) *Matrix {
	out := NewMatrix(rows, parts[0].cols)
	offset := 0
	for _, p := range parts {
		copy(out.data[offset:], p.data)
		offset += len(p.data)
	}
	return out
}

// ------ DATA HANDLING HELPERS ------ //

func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// Gather copies the rows of src listed in indices into a new matrix, in that order.
func Gather(src *Matrix, indices []int) *Matrix {
	if len(indices) == 0 {
		failf(ErrBadShape, "Gather: no indices")
	}
	dst := NewMatrix(len(indices), src.cols)
	for localRow, srcRow := range indices {
		if srcRow < 0 || srcRow >= src.rows {
			failf(ErrOutOfRange, "Gather: row %d of %d", srcRow, src.rows)
		}
		copy(dst.data[localRow*src.cols:(localRow+1)*src.cols], src.data[srcRow*src.cols:(srcRow+1)*src.cols])
	}
	return dst
}

// GatherRows is Gather returning precondition failures as errors.
func GatherRows(src *Matrix, indices []int) (out *Matrix, err error) {
	err = catch(func() { out = Gather(src, indices) })
	return
}
