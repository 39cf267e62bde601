package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-superres/device"
	"github.com/tsawler/go-superres/models"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

// Scheduler names accepted by Config.Scheduler.
const (
	SchedulerMultiStep   = "multistep"
	SchedulerStep        = "step"
	SchedulerExponential = "exponential"
	SchedulerCosine      = "cosine"
	SchedulerPlateau     = "plateau"
	SchedulerConstant    = "constant"
)

// Optimizer names accepted by Config.Optimizer.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Config holds every option of a training run. The trainer keeps its own
// copy, so callers may reuse a Config after handing it over.
type Config struct {
	Model         string
	LearningRate  float64
	Epochs        int
	Seed          int64
	UpscaleFactor int
	BatchSize     int
	TestBatchSize int

	CheckpointDir string
	Interpolation string
	Optimizer     string
	Momentum      float64 // used by sgd only
	Scheduler     string
	Milestones    []int   // epochs after which the rate is multiplied by Gamma
	Gamma         float64 // decay factor for the step-style schedulers
	StepSize      int     // epochs between decays for the "step" scheduler
	Device        string  // auto, cpu or cuda
	Workers       int     // convolution and resampling workers; 0 uses every CPU
}

func DefaultConfig() Config {
	return Config{
		Model:         models.VDSR,
		LearningRate:  0.002,
		Epochs:        20,
		Seed:          123,
		UpscaleFactor: 4,
		BatchSize:     4,
		TestBatchSize: 2,
		CheckpointDir: "model",
		Interpolation: "bicubic",
		Optimizer:     OptimizerAdam,
		Momentum:      0.9,
		Scheduler:     SchedulerMultiStep,
		Milestones:    []int{40, 60, 80},
		Gamma:         0.5,
		StepSize:      30,
		Device:        device.Auto,
	}
}

// Validate reports the first problem found, wrapped in ErrConfiguration.
func (c Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if _, err := models.SpecFor(c.Model); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if c.LearningRate <= 0 || math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0) {
		return fail("learning rate must be positive and finite, got %v", c.LearningRate)
	}
	if c.Epochs <= 0 {
		return fail("epoch count must be positive, got %d", c.Epochs)
	}
	if c.UpscaleFactor <= 0 {
		return fail("upscale factor must be positive, got %d", c.UpscaleFactor)
	}
	if c.BatchSize <= 0 || c.TestBatchSize <= 0 {
		return fail("batch sizes must be positive, got %d and %d", c.BatchSize, c.TestBatchSize)
	}
	if c.CheckpointDir == "" {
		return fail("checkpoint directory is required")
	}
	if _, err := preprocessing.ParseInterpolation(c.Interpolation); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	switch c.Optimizer {
	case "", OptimizerAdam:
	case OptimizerSGD:
		if c.Momentum < 0 || c.Momentum >= 1 {
			return fail("momentum must be in [0, 1), got %v", c.Momentum)
		}
	default:
		return fail("unknown optimizer %q", c.Optimizer)
	}
	if c.Workers < 0 {
		return fail("workers cannot be negative, got %d", c.Workers)
	}
	switch strings.ToLower(c.Device) {
	case "", device.Auto, device.CPU, device.CUDA:
	default:
		return fail("unknown device %q", c.Device)
	}

	switch c.Scheduler {
	case "", SchedulerMultiStep:
		for i, m := range c.Milestones {
			if m <= 0 || (i > 0 && m <= c.Milestones[i-1]) {
				return fail("milestones must be positive and increasing, got %v", c.Milestones)
			}
		}
	case SchedulerStep:
		if c.StepSize <= 0 {
			return fail("step size must be positive, got %d", c.StepSize)
		}
	case SchedulerExponential, SchedulerCosine, SchedulerPlateau, SchedulerConstant:
	default:
		return fail("unknown scheduler %q", c.Scheduler)
	}
	if c.Scheduler != SchedulerConstant && c.Scheduler != SchedulerCosine && (c.Gamma <= 0 || c.Gamma > 1) {
		return fail("gamma must be in (0, 1], got %v", c.Gamma)
	}
	return nil
}
