package history

import (
	"context"

	"github.com/tsawler/go-superres/training"
)

// Observer records every finished epoch of a trainer under one run.
type Observer struct {
	store *Store
	runID string
}

// NewObserver starts a run described by cfg.
func NewObserver(ctx context.Context, store *Store, cfg training.Config) (*Observer, error) {
	run, err := store.StartRun(ctx, Run{
		Model:         cfg.Model,
		Epochs:        cfg.Epochs,
		UpscaleFactor: cfg.UpscaleFactor,
		LearningRate:  cfg.LearningRate,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	return &Observer{store: store, runID: run.ID}, nil
}

func (o *Observer) RunID() string {
	return o.runID
}

func (o *Observer) EpochEnd(ctx context.Context, result training.EpochResult) error {
	e := Epoch{
		Epoch:        result.Epoch,
		TrainLoss:    result.TrainLoss,
		PSNR:         result.PSNR,
		LearningRate: result.LearningRate,
		Checkpointed: result.Checkpointed,
		Duration:     result.Duration,
	}
	if result.CheckpointErr != nil {
		e.Error = result.CheckpointErr.Error()
	}
	return o.store.RecordEpoch(ctx, o.runID, e)
}

// Finish closes the run with the trainer's outcome.
func (o *Observer) Finish(ctx context.Context, summary *training.Summary, runErr error) error {
	best := 0.0
	if summary != nil {
		best = summary.BestScore
	}
	return o.store.FinishRun(ctx, o.runID, best, runErr)
}
