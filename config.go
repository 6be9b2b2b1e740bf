package main

import (
	"os"

	"github.com/b0tShaman/densenet/ml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RunConfig describes one training run: where the data comes from, how it
// is prepared, the model and the training loop.
type RunConfig struct {
	Name string `yaml:"name"`
	Seed uint64 `yaml:"seed"`

	Data  DataConfig  `yaml:"data"`
	Model ModelConfig `yaml:"model"`
	Train TrainConfig `yaml:"train"`
}

type DataConfig struct {
	Path      string `yaml:"path"`
	HasHeader bool   `yaml:"header"`
	// LabelColumn -1 is the last column.
	LabelColumn int     `yaml:"label_column"`
	Missing     string  `yaml:"missing"` // mean | zeros
	Scaling     string  `yaml:"scaling"` // standardize | normalize | none
	OneHot      bool    `yaml:"one_hot"`
	TestSize    float64 `yaml:"test_size"`
}

type LayerSpec struct {
	Name       string `yaml:"name"`
	Units      int    `yaml:"units"`
	Activation string `yaml:"activation"`
}

type ModelConfig struct {
	Layers       []LayerSpec `yaml:"layers"`
	Optimizer    string      `yaml:"optimizer"`
	Loss         string      `yaml:"loss"`
	LearningRate float64     `yaml:"learning_rate"`
	Adam         AdamSpec    `yaml:"adam"`
}

type AdamSpec struct {
	Beta1    float64 `yaml:"beta1"`
	Beta2    float64 `yaml:"beta2"`
	Epsilon  float64 `yaml:"epsilon"`
	Timestep string  `yaml:"timestep"` // batch | update
}

type TrainConfig struct {
	Epochs       int  `yaml:"epochs"`
	BatchSize    int  `yaml:"batch_size"`
	Workers      int  `yaml:"workers"`
	VerboseEvery int  `yaml:"verbose_every"`
	Progress     bool `yaml:"progress"`
}

// DefaultRunConfig is used for every field the YAML file leaves out.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Name: "sequential_model",
		Seed: 42,
		Data: DataConfig{
			HasHeader:   true,
			LabelColumn: -1,
			Missing:     "mean",
			Scaling:     "standardize",
			TestSize:    0.2,
		},
		Model: ModelConfig{
			Optimizer:    "adam",
			Loss:         "mse",
			LearningRate: 0.001,
		},
		Train: TrainConfig{
			Epochs:       100,
			BatchSize:    32,
			Workers:      1,
			VerboseEvery: 10,
		},
	}
}

// LoadRunConfig reads a YAML run config over the defaults.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(ml.ErrIO, "reading config %q: %v", path, err)
	}
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.Wrapf(ml.ErrBadConfig, "parsing config %q: %v", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the parts of the config that do not need the data.
func (c RunConfig) Validate() error {
	if len(c.Model.Layers) == 0 {
		return errors.Wrap(ml.ErrBadConfig, "model.layers is empty")
	}
	for i, l := range c.Model.Layers {
		if l.Units <= 0 {
			return errors.Wrapf(ml.ErrBadConfig, "model.layers[%d].units=%d", i, l.Units)
		}
		if l.Activation != "" {
			if _, err := ml.ParseActivation(l.Activation); err != nil {
				return errors.WithMessagef(err, "model.layers[%d]", i)
			}
		}
	}
	if _, err := ml.ParseOptimizer(c.Model.Optimizer); err != nil {
		return err
	}
	if _, err := ml.ParseLoss(c.Model.Loss); err != nil {
		return err
	}
	if c.Model.LearningRate <= 0 {
		return errors.Wrapf(ml.ErrBadConfig, "model.learning_rate=%g", c.Model.LearningRate)
	}
	if c.Train.Epochs <= 0 {
		return errors.Wrapf(ml.ErrBadConfig, "train.epochs=%d", c.Train.Epochs)
	}
	if c.Data.TestSize < 0 || c.Data.TestSize >= 1 {
		return errors.Wrapf(ml.ErrBadConfig, "data.test_size=%g must be in [0, 1)", c.Data.TestSize)
	}
	switch c.Data.Missing {
	case "", "mean", "zeros":
	default:
		return errors.Wrapf(ml.ErrBadConfig, "data.missing=%q", c.Data.Missing)
	}
	switch c.Data.Scaling {
	case "", "none", "standardize", "normalize":
	default:
		return errors.Wrapf(ml.ErrBadConfig, "data.scaling=%q", c.Data.Scaling)
	}
	switch c.Model.Adam.Timestep {
	case "", "batch", "update":
	default:
		return errors.Wrapf(ml.ErrBadConfig, "model.adam.timestep=%q", c.Model.Adam.Timestep)
	}
	return nil
}

// OptimizerOptions translates the adam section into ml options.
func (c RunConfig) OptimizerOptions() []ml.OptimizerOption {
	var opts []ml.OptimizerOption
	a := c.Model.Adam
	if a.Beta1 != 0 || a.Beta2 != 0 {
		b1, b2 := ml.DefaultAdamConfig.Beta1, ml.DefaultAdamConfig.Beta2
		if a.Beta1 != 0 {
			b1 = a.Beta1
		}
		if a.Beta2 != 0 {
			b2 = a.Beta2
		}
		opts = append(opts, ml.WithBetas(b1, b2))
	}
	if a.Epsilon != 0 {
		opts = append(opts, ml.WithEpsilon(a.Epsilon))
	}
	if a.Timestep == "update" {
		opts = append(opts, ml.WithTimestepPolicy(ml.TimestepPerUpdate))
	}
	return opts
}

// BuildModel creates and compiles the model described by the config for
// inputDim features.
func (c RunConfig) BuildModel(inputDim int) (*ml.Sequential, error) {
	model := ml.NewSequential(c.Name, ml.WithSeed(c.Seed))
	for i, l := range c.Model.Layers {
		opts := []ml.LayerOption{}
		if l.Activation != "" {
			opts = append(opts, ml.ActivationNamed(l.Activation))
		}
		if l.Name != "" {
			opts = append(opts, ml.LayerName(l.Name))
		}
		if i == 0 {
			opts = append(opts, ml.InputDim(inputDim))
		}
		if err := model.Add(ml.Dense(l.Units, opts...)); err != nil {
			return nil, errors.WithMessagef(err, "model.layers[%d]", i)
		}
	}
	optKind, err := ml.ParseOptimizer(c.Model.Optimizer)
	if err != nil {
		return nil, err
	}
	lossKind, err := ml.ParseLoss(c.Model.Loss)
	if err != nil {
		return nil, err
	}
	if err := model.Compile(optKind, lossKind, c.Model.LearningRate, c.OptimizerOptions()...); err != nil {
		return nil, err
	}
	return model, nil
}
