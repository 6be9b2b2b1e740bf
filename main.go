package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/b0tShaman/densenet/data"
	"github.com/b0tShaman/densenet/ml"
	"github.com/b0tShaman/densenet/report"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "run.yaml", "YAML run configuration.")
	flagData   = flag.String("data", "", "CSV file to train on, overrides data.path.")
	flagSave   = flag.String("save", "", "Save the trained model to this file.")
	flagLoad   = flag.String("load", "", "Continue training a model saved with -save.")
	flagPlot   = flag.String("plot", "", "Save the loss curve to this image (png, svg...).")
	flagStats  = flag.Bool("stats", false, "Print column statistics of the loaded data.")
)

// runPaths are the files a run reads and writes besides the data.
type runPaths struct {
	Load, Save, Plot string
	Stats            bool
}

// -------- MAIN -------- //
func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(LoadRunConfig(*flagConfig))
	if *flagData != "" {
		cfg.Data.Path = *flagData
	}
	if cfg.Train.Workers == 0 {
		cfg.Train.Workers = runtime.GOMAXPROCS(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := runPaths{Load: *flagLoad, Save: *flagSave, Plot: *flagPlot, Stats: *flagStats}
	if err := run(ctx, cfg, paths); err != nil {
		klog.Fatalf("%+v", err)
	}
}

// preparedData holds the matrices a run trains and evaluates on.
type preparedData struct {
	XTrain, yTrain *ml.Matrix
	XTest, yTest   *ml.Matrix
	numClasses     int
}

func prepareData(cfg RunConfig, showStats bool) (*preparedData, error) {
	if cfg.Data.Path == "" {
		return nil, errors.Wrap(ml.ErrBadConfig, "no data file, set data.path or -data")
	}
	raw, names, err := data.LoadCSV(cfg.Data.Path, cfg.Data.HasHeader)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Loaded dataset: %d samples, %d columns, %d missing values\n",
		raw.Rows(), raw.Cols(), data.CountMissing(raw))
	if showStats {
		fmt.Println(data.FormatStats(data.Describe(raw), names))
	}

	switch cfg.Data.Missing {
	case "zeros":
		data.FillMissingWithZeros(raw)
	default:
		data.FillMissingWithMean(raw)
	}

	X, y, err := data.SplitFeaturesLabels(raw, cfg.Data.LabelColumn)
	if err != nil {
		return nil, err
	}
	pd := &preparedData{}
	if cfg.Data.OneHot {
		pd.numClasses = data.NumClasses(y)
		for _, cc := range data.ClassDistribution(y) {
			klog.V(1).Infof("class %d: %d samples", cc.Class, cc.Count)
		}
		if y, err = data.OneHot(y, pd.numClasses); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	if cfg.Data.TestSize > 0 {
		pd.XTrain, pd.XTest, pd.yTrain, pd.yTest, err = data.TrainTestSplit(X, y, cfg.Data.TestSize, rng)
	} else {
		pd.XTrain, pd.yTrain, err = data.Shuffle(X, y, rng)
	}
	if err != nil {
		return nil, err
	}

	var scaler *data.ColumnScaler
	switch cfg.Data.Scaling {
	case "standardize":
		scaler = data.Standardize(pd.XTrain)
	case "normalize":
		scaler = data.Normalize(pd.XTrain)
	}
	if scaler != nil && pd.XTest != nil {
		if err := scaler.Transform(pd.XTest); err != nil {
			return nil, err
		}
	}
	return pd, nil
}

func loadOrBuildModel(cfg RunConfig, loadPath string, inputDim int) (*ml.Sequential, error) {
	if loadPath == "" {
		return cfg.BuildModel(inputDim)
	}
	model, err := ml.LoadModel(loadPath, ml.WithSeed(cfg.Seed))
	if err != nil {
		return nil, err
	}
	if model.InputSize() != inputDim {
		return nil, errors.Wrapf(ml.ErrDimensionMismatch, "model %q expects %d features, data has %d",
			model.Name, model.InputSize(), inputDim)
	}
	// A compiled file keeps its optimizer, loss and learning rate. The
	// optimizer hyperparameters are not stored, so they come from cfg.
	var optKind ml.OptimizerKind
	lossKind, lr := model.Loss(), model.LearningRate()
	if model.Compiled() {
		optKind = model.Optimizer().Kind()
	} else {
		optKind = must.M1(ml.ParseOptimizer(cfg.Model.Optimizer))
		lossKind = must.M1(ml.ParseLoss(cfg.Model.Loss))
		lr = cfg.Model.LearningRate
	}
	if err := model.Compile(optKind, lossKind, lr, cfg.OptimizerOptions()...); err != nil {
		return nil, err
	}
	return model, nil
}

func run(ctx context.Context, cfg RunConfig, paths runPaths) error {
	// 1. Load Data
	pd, err := prepareData(cfg, paths.Stats)
	if err != nil {
		return err
	}

	// 2. Initialize Network
	model, err := loadOrBuildModel(cfg, paths.Load, pd.XTrain.Cols())
	if err != nil {
		return err
	}
	if model.OutputSize() != pd.yTrain.Cols() {
		return errors.Wrapf(ml.ErrDimensionMismatch, "model outputs %d values, labels have %d columns",
			model.OutputSize(), pd.yTrain.Cols())
	}
	fmt.Println(model.Summary())

	// 3. Train
	trainCfg := ml.TrainingConfig{
		Epochs:       cfg.Train.Epochs,
		BatchSize:    cfg.Train.BatchSize,
		NumWorkers:   cfg.Train.Workers,
		Verbose:      true,
		VerboseEvery: cfg.Train.VerboseEvery,
	}
	if cfg.Train.Progress {
		trainCfg.ProgressWriter = os.Stderr
	}
	fmt.Printf("Training on %d samples (batch %d, %d workers)\n", pd.XTrain.Rows(), cfg.Train.BatchSize, cfg.Train.Workers)
	hist, err := model.FitContext(ctx, pd.XTrain, pd.yTrain, trainCfg)
	if err != nil {
		if ctx.Err() != nil && paths.Save != "" {
			klog.Infof("Interrupted after %d epochs, saving model", len(hist.Loss))
			return model.SaveModel(paths.Save)
		}
		return err
	}
	fmt.Printf("Training complete: final loss %.6f in %v\n", hist.FinalLoss(), hist.Elapsed)

	// 4. Evaluate
	if pd.XTest != nil {
		loss, err := model.Evaluate(pd.XTest, pd.yTest)
		if err != nil {
			return err
		}
		fmt.Printf("Test loss: %.6f\n", loss)
		if cfg.Data.OneHot {
			acc, err := model.Accuracy(pd.XTest, pd.yTest)
			if err != nil {
				return err
			}
			fmt.Printf("Test accuracy: %.2f%%\n", acc*100)
		}
	}

	// 5. Persist
	if paths.Save != "" {
		if err := model.SaveModel(paths.Save); err != nil {
			return err
		}
	}
	if paths.Plot != "" {
		if err := report.PlotLoss(hist.Loss, model.Name+" loss", paths.Plot); err != nil {
			return err
		}
		klog.Infof("Loss curve saved to %s", paths.Plot)
	}
	return nil
}
