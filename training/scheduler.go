package training

import (
	"math"
	"sort"

	"github.com/tsawler/go-superres/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the number of completed epochs.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler multiplies the rate by Gamma once for every milestone
// reached.
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	m := make([]int, len(milestones))
	copy(m, milestones)
	sort.Ints(m)
	return &MultiStepLRScheduler{Milestones: m, Gamma: gamma}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// Unlike the others it is stateful and driven through Step.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs without improvement before reducing
	Threshold float64 // Minimum change counted as an improvement
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one epoch's metric and returns the rate for the next epoch.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds the scheduler selected by cfg.
func NewScheduler(cfg Config) LRScheduler {
	switch cfg.Scheduler {
	case SchedulerStep:
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma)
	case SchedulerExponential:
		return NewExponentialLRScheduler(cfg.Gamma)
	case SchedulerCosine:
		return NewCosineAnnealingLRScheduler(cfg.Epochs, 0)
	case SchedulerPlateau:
		// PSNR is maximised
		return NewReduceLROnPlateauScheduler(cfg.Gamma, 10, 1e-4, "max")
	case SchedulerConstant:
		return &NoOpScheduler{}
	default:
		return NewMultiStepLRScheduler(cfg.Milestones, cfg.Gamma)
	}
}

// SchedulerStepper applies a scheduler to an optimizer once per epoch.
type SchedulerStepper struct {
	scheduler LRScheduler
	optimizer optimizer.Optimizer
	baseLR    float64
	epoch     int
}

// NewSchedulerStepper takes the optimizer's current rate as the base rate.
func NewSchedulerStepper(scheduler LRScheduler, opt optimizer.Optimizer) *SchedulerStepper {
	return &SchedulerStepper{
		scheduler: scheduler,
		optimizer: opt,
		baseLR:    opt.GetLR(),
	}
}

// Step marks one more epoch complete, updates the optimizer's rate and
// returns it. metric is the epoch's evaluation score.
func (s *SchedulerStepper) Step(metric float64) float64 {
	s.epoch++
	var lr float64
	if plateau, ok := s.scheduler.(*ReduceLROnPlateauScheduler); ok {
		lr = plateau.Step(metric, s.optimizer.GetLR())
	} else {
		lr = s.scheduler.GetLR(s.epoch, 0, s.baseLR)
	}
	s.optimizer.SetLR(lr)
	return lr
}

// Epoch returns the number of completed steps.
func (s *SchedulerStepper) Epoch() int {
	return s.epoch
}

func (s *SchedulerStepper) Name() string {
	return s.scheduler.GetName()
}
