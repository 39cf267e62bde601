// Package training drives super-resolution training: one build, then for each
// epoch a training pass, an evaluation pass, a scheduler step and a checkpoint
// written whenever the evaluation score improves.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/device"
	"github.com/tsawler/go-superres/models"
	"github.com/tsawler/go-superres/optimizer"
	"github.com/tsawler/go-superres/tensor"
	"github.com/tsawler/go-superres/vision/dataloader"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

// Loader is a restartable source of batches. Reset begins a new pass and Next
// returns nil once the pass is exhausted.
type Loader interface {
	Len() int
	Reset()
	Next() (*dataloader.Batch, error)
}

// State is the trainer's lifecycle stage.
type State int

const (
	Uninitialized State = iota
	Built
	Training
	Evaluating
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Built:
		return "Built"
	case Training:
		return "Training"
	case Evaluating:
		return "Evaluating"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// EpochResult describes one finished epoch.
type EpochResult struct {
	Epoch         int
	TrainLoss     float64
	PSNR          float64
	LearningRate  float64 // after the scheduler step
	Checkpointed  bool
	CheckpointErr error
	Duration      time.Duration
}

// EpochObserver is notified after every epoch. Errors are logged and do not
// stop the run.
type EpochObserver interface {
	EpochEnd(ctx context.Context, result EpochResult) error
}

// Summary is the outcome of Run.
type Summary struct {
	Model          string
	BestScore      float64
	BestEpoch      int
	Epochs         []EpochResult
	CheckpointPath string
	Duration       time.Duration
}

// Trainer owns the model, optimizer and scheduler of one run. It is not safe
// for concurrent use.
type Trainer struct {
	config    Config
	train     Loader
	test      Loader
	out       io.Writer
	observers []EpochObserver

	state     State
	device    *device.Device
	rng       *rand.Rand
	prep      preprocessing.Preprocessor
	model     models.Model
	optimizer optimizer.Optimizer
	scheduler *SchedulerStepper
	store     *checkpoints.Store

	bestScore float64
	bestEpoch int
	lastScore float64
	results   []EpochResult
}

// NewTrainer prepares a trainer. Nothing is allocated until Build.
func NewTrainer(cfg Config, train, test Loader) *Trainer {
	cfg.Milestones = append([]int(nil), cfg.Milestones...)
	return &Trainer{
		config: cfg,
		train:  train,
		test:   test,
		out:    os.Stdout,
	}
}

// SetOutput redirects progress lines. The default is standard output.
func (t *Trainer) SetOutput(w io.Writer) {
	t.out = w
}

func (t *Trainer) AddObserver(o EpochObserver) {
	t.observers = append(t.observers, o)
}

func (t *Trainer) State() State {
	return t.state
}

func (t *Trainer) Config() Config {
	return t.config
}

// Model returns the current model handle, nil before Build.
func (t *Trainer) Model() models.Model {
	return t.model
}

func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

func (t *Trainer) Device() *device.Device {
	return t.device
}

// BestScore is the highest PSNR of this run whose checkpoint was saved, 0
// before any. Scores whose save failed do not raise it.
func (t *Trainer) BestScore() float64 {
	return t.bestScore
}

// LastScore is the PSNR of the most recent evaluation.
func (t *Trainer) LastScore() float64 {
	return t.lastScore
}

func (t *Trainer) CheckpointPath() string {
	if t.store == nil {
		return ""
	}
	return t.store.Path()
}

// Build validates the configuration, picks the device, creates the model and
// replaces it with the stored checkpoint when one exists, then sets up the
// optimizer and scheduler.
func (t *Trainer) Build(ctx context.Context) error {
	if t.state != Uninitialized {
		return fmt.Errorf("trainer already built (state %s)", t.state)
	}
	if err := t.config.Validate(); err != nil {
		return err
	}
	if t.train == nil || t.test == nil {
		return fmt.Errorf("%w: training and test loaders are required", ErrConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dev, err := device.Select(t.config.Device, t.config.Workers)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	t.device = dev
	klog.Infof("Using %s: %s", dev, dev.Info)

	kernel, _ := preprocessing.ParseInterpolation(t.config.Interpolation)
	t.prep = preprocessing.Preprocessor{Factor: t.config.UpscaleFactor, Kernel: kernel, Workers: dev.Workers}
	t.rng = rand.New(rand.NewSource(t.config.Seed))

	model, err := models.New(t.config.Model, t.rng, dev.Workers)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	t.model = model

	t.store = checkpoints.NewStore(t.config.CheckpointDir, t.config.Model)
	if t.store.Exists() {
		restored, checkpoint, err := t.store.LoadNetwork(dev.Workers)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		t.model = restored
		klog.Infof("Loaded %s checkpoint from %s (epoch %d, %.4f dB)",
			t.config.Model, t.store.Path(), checkpoint.TrainingState.Epoch, checkpoint.TrainingState.BestScore)
		fmt.Fprintln(t.out, "Pre-trained model have been loaded")
	}

	t.model.Train()
	t.optimizer = newOptimizer(t.config, t.model.Parameters())
	t.scheduler = NewSchedulerStepper(NewScheduler(t.config), t.optimizer)
	t.bestScore = 0
	t.state = Built

	NewModelArchitecturePrinter(t.model.Name()).PrintArchitecture(t.out, t.model.Spec())
	klog.V(1).Infof("Optimizer %s, scheduler %s, base learning rate %g",
		t.optimizer.State().Type, t.scheduler.Name(), t.config.LearningRate)
	return nil
}

func newOptimizer(cfg Config, params []*tensor.Tensor) optimizer.Optimizer {
	if cfg.Optimizer == OptimizerSGD {
		return optimizer.NewSGD(params, optimizer.SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
		})
	}
	return optimizer.NewAdam(params, optimizer.DefaultAdamConfig(cfg.LearningRate))
}

// TrainEpoch makes one pass over the training loader, applying one optimizer
// step per batch, and returns the average loss.
func (t *Trainer) TrainEpoch(ctx context.Context) (float64, error) {
	if err := t.enter(Training); err != nil {
		return 0, err
	}
	t.model.Train()
	t.train.Reset()

	var avg RunningAverage
	bar := NewProgressBar(t.out, "Training", t.train.Len())
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return avg.Mean(), err
		}
		batch, err := t.train.Next()
		if err != nil {
			return avg.Mean(), fmt.Errorf("loading training batch %d: %w", step, err)
		}
		if batch == nil {
			break
		}

		loss, err := t.trainStep(batch)
		if err != nil {
			return avg.Mean(), fmt.Errorf("training batch %d: %w", step, err)
		}
		avg.Add(loss)
		bar.Update(step, map[string]float64{"Loss": avg.Mean()})
	}
	bar.Finish()

	fmt.Fprintf(t.out, "    Average Loss: %.4f\n", avg.Mean())
	return avg.Mean(), nil
}

func (t *Trainer) trainStep(batch *dataloader.Batch) (float64, error) {
	input, target, err := t.prepare(batch)
	if err != nil {
		return 0, err
	}

	t.optimizer.ZeroGrad()
	output, err := t.model.Forward(input)
	if err != nil {
		return 0, err
	}
	loss, err := MSELoss(output, target)
	if err != nil {
		return 0, err
	}
	value := float64(loss.Data[0])
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: loss is %v", ErrNumerical, value)
	}
	if err := loss.Backward(); err != nil {
		return 0, err
	}
	if err := t.optimizer.Step(); err != nil {
		if errors.Is(err, optimizer.ErrNonFiniteGradient) {
			return 0, fmt.Errorf("%w: %w", ErrNumerical, err)
		}
		return 0, err
	}
	return value, nil
}

// EvaluateEpoch makes one pass over the test loader without recording a
// graph or touching the optimizer, and returns the batch-averaged PSNR.
func (t *Trainer) EvaluateEpoch(ctx context.Context) (float64, error) {
	if err := t.enter(Evaluating); err != nil {
		return 0, err
	}
	t.model.Eval()
	t.test.Reset()

	var avg RunningAverage
	bar := NewProgressBar(t.out, "Evaluating", t.test.Len())
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return avg.Mean(), err
		}
		batch, err := t.test.Next()
		if err != nil {
			return avg.Mean(), fmt.Errorf("loading test batch %d: %w", step, err)
		}
		if batch == nil {
			break
		}

		input, target, err := t.prepare(batch)
		if err != nil {
			return avg.Mean(), fmt.Errorf("test batch %d: %w", step, err)
		}
		output, err := t.model.Forward(input)
		if err != nil {
			return avg.Mean(), fmt.Errorf("test batch %d: %w", step, err)
		}
		mse, err := MeanSquaredError(output, target)
		if err != nil {
			return avg.Mean(), fmt.Errorf("test batch %d: %w", step, err)
		}
		if math.IsNaN(mse) || math.IsInf(mse, 0) {
			return avg.Mean(), fmt.Errorf("test batch %d: %w: mse is %v", step, ErrNumerical, mse)
		}
		avg.Add(PSNR(mse))
		bar.Update(step, map[string]float64{"PSNR": avg.Mean()})
	}
	bar.Finish()

	t.lastScore = avg.Mean()
	fmt.Fprintf(t.out, "    Average PSNR: %.4f dB\n", t.lastScore)
	return t.lastScore, nil
}

// prepare upsamples the low-resolution input to the target size and places
// both tensors on the device.
func (t *Trainer) prepare(batch *dataloader.Batch) (*tensor.Tensor, *tensor.Tensor, error) {
	upscaled, err := t.prep.Upscale(batch.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("preprocessing: %w", err)
	}
	if err := tensor.CheckSameShape(upscaled, batch.Target); err != nil {
		return nil, nil, fmt.Errorf("upscaled input does not match target: %w", err)
	}
	input, err := t.device.Place(upscaled)
	if err != nil {
		return nil, nil, err
	}
	target, err := t.device.Place(batch.Target)
	if err != nil {
		return nil, nil, err
	}
	return input, target, nil
}

// Run builds the trainer if needed and runs every configured epoch. Failed
// checkpoint writes do not stop the run; they are reported in the epoch
// results and returned, each wrapping ErrPersistence, at the end. Any other
// error ends the run immediately. The summary is valid in both cases.
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	if t.state == Uninitialized {
		if err := t.Build(ctx); err != nil {
			return nil, err
		}
	}
	defer func() { t.state = Terminated }()

	var persistErrs []error
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		fmt.Fprintf(t.out, "\n===> Epoch %d starts:\n", epoch)
		epochStart := time.Now()

		loss, err := t.TrainEpoch(ctx)
		if err != nil {
			return t.summary(started), fmt.Errorf("epoch %d: %w", epoch, err)
		}
		score, err := t.EvaluateEpoch(ctx)
		if err != nil {
			return t.summary(started), fmt.Errorf("epoch %d: %w", epoch, err)
		}
		lr := t.scheduler.Step(score)

		result := EpochResult{
			Epoch:        epoch,
			TrainLoss:    loss,
			PSNR:         score,
			LearningRate: lr,
		}
		if score > t.bestScore {
			if err := t.save(epoch, score); err != nil {
				klog.Errorf("Epoch %d: %v", epoch, err)
				result.CheckpointErr = err
				persistErrs = append(persistErrs, fmt.Errorf("epoch %d: %w", epoch, err))
			} else {
				t.bestScore, t.bestEpoch = score, epoch
				result.Checkpointed = true
				fmt.Fprintf(t.out, "Checkpoint saved to %s\n", t.store.Path())
			}
		}
		result.Duration = time.Since(epochStart)
		t.results = append(t.results, result)

		for _, o := range t.observers {
			if err := o.EpochEnd(ctx, result); err != nil {
				klog.Warningf("Epoch %d observer: %v", epoch, err)
			}
		}
		klog.V(1).Infof("Epoch %d: loss %.4f, PSNR %.4f dB, lr %g", epoch, loss, score, lr)
	}

	summary := t.summary(started)
	if len(persistErrs) > 0 {
		return summary, fmt.Errorf("%d checkpoint writes failed: %w", len(persistErrs), errors.Join(persistErrs...))
	}
	return summary, nil
}

func (t *Trainer) save(epoch int, score float64) error {
	opt := t.optimizer.State()
	err := t.store.Save(t.model, checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         int(t.optimizer.GetStepCount()),
		LearningRate: t.optimizer.GetLR(),
		BestScore:    score,
		TotalSteps:   int(t.optimizer.GetStepCount()),
	}, &opt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (t *Trainer) summary(started time.Time) *Summary {
	results := make([]EpochResult, len(t.results))
	copy(results, t.results)
	return &Summary{
		Model:          t.config.Model,
		BestScore:      t.bestScore,
		BestEpoch:      t.bestEpoch,
		Epochs:         results,
		CheckpointPath: t.CheckpointPath(),
		Duration:       time.Since(started),
	}
}

func (t *Trainer) enter(next State) error {
	switch t.state {
	case Built, Training, Evaluating:
		t.state = next
		return nil
	default:
		return fmt.Errorf("trainer cannot start %s while %s", next, t.state)
	}
}
