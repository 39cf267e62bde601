package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-superres/training"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStartRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, Run{Model: "vdsr", Epochs: 20, UpscaleFactor: 4, LearningRate: 0.002, Seed: 123})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if _, err := uuid.Parse(run.ID); err != nil {
		t.Errorf("run id %q is not a uuid: %v", run.ID, err)
	}
	if run.Status != StatusRunning || run.StartedAt.IsZero() {
		t.Errorf("run = %+v", run)
	}

	runs, err := store.Runs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, expected 1", len(runs))
	}
	got := runs[0]
	if got.ID != run.ID || got.Model != "vdsr" || got.Epochs != 20 || got.UpscaleFactor != 4 ||
		got.LearningRate != 0.002 || got.Seed != 123 || got.Status != StatusRunning {
		t.Errorf("stored run = %+v", got)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt = %v, expected zero while running", got.FinishedAt)
	}
}

func TestRecordEpoch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	run, err := store.StartRun(ctx, Run{Model: "srcnn", Epochs: 3})
	if err != nil {
		t.Fatal(err)
	}

	records := []Epoch{
		{Epoch: 2, TrainLoss: 0.02, PSNR: 25.5, LearningRate: 0.002, Duration: 1500 * time.Millisecond},
		{Epoch: 1, TrainLoss: 0.05, PSNR: 22.1, LearningRate: 0.002, Checkpointed: true},
		{Epoch: 2, TrainLoss: 0.02, PSNR: 26, LearningRate: 0.001, Error: "disk full"},
	}
	for _, e := range records {
		if err := store.RecordEpoch(ctx, run.ID, e); err != nil {
			t.Fatalf("RecordEpoch(%d) failed: %v", e.Epoch, err)
		}
	}

	epochs, err := store.Epochs(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 2 {
		t.Fatalf("got %d epochs, expected 2", len(epochs))
	}
	if epochs[0].Epoch != 1 || !epochs[0].Checkpointed || epochs[0].RunID != run.ID {
		t.Errorf("epochs[0] = %+v", epochs[0])
	}
	if epochs[1].PSNR != 26 || epochs[1].Error != "disk full" || epochs[1].LearningRate != 0.001 {
		t.Errorf("epochs[1] = %+v, expected the replacing record", epochs[1])
	}

	other, err := store.Epochs(ctx, "missing")
	if err != nil || len(other) != 0 {
		t.Errorf("Epochs(missing) = %v, %v", other, err)
	}
}

func TestFinishRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	ok, _ := store.StartRun(ctx, Run{Model: "vdsr", StartedAt: time.UnixMilli(1000)})
	bad, _ := store.StartRun(ctx, Run{Model: "vdsr", StartedAt: time.UnixMilli(2000)})

	if err := store.FinishRun(ctx, ok.ID, 31.25, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, bad.ID, 0, errors.New("loss is NaN")); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, "missing", 0, nil); err == nil {
		t.Error("finishing an unknown run should fail")
	}

	runs, err := store.Runs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != bad.ID || runs[1].ID != ok.ID {
		t.Fatalf("runs are not newest first: %+v", runs)
	}
	if runs[0].Status != StatusFailed || runs[0].Error != "loss is NaN" || runs[0].FinishedAt.IsZero() {
		t.Errorf("failed run = %+v", runs[0])
	}
	if runs[1].Status != StatusCompleted || runs[1].BestPSNR != 31.25 || runs[1].Error != "" {
		t.Errorf("completed run = %+v", runs[1])
	}
}

func TestRunsLimit(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	var ids []string
	for i := 1; i <= 5; i++ {
		run, err := store.StartRun(ctx, Run{Model: "vdsr", StartedAt: time.UnixMilli(int64(i) * 1000)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}

	tests := []struct {
		limit    int
		expected []string
	}{
		{2, []string{ids[4], ids[3]}},
		{10, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}},
		{-1, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}},
	}
	for _, test := range tests {
		runs, err := store.Runs(ctx, test.limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != len(test.expected) {
			t.Errorf("Runs(%d) returned %d runs, expected %d", test.limit, len(runs), len(test.expected))
			continue
		}
		for i, r := range runs {
			if r.ID != test.expected[i] {
				t.Errorf("Runs(%d)[%d] = %s, expected %s", test.limit, i, r.ID, test.expected[i])
			}
		}
	}
}

func TestStorePersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run, err := store.StartRun(ctx, Run{Model: "srcnn"})
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	runs, err := reopened.Runs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("reopened store has runs %+v", runs)
	}
}

func TestObserver(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	cfg := training.DefaultConfig()
	cfg.Epochs = 2
	observer, err := NewObserver(ctx, store, cfg)
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}

	results := []training.EpochResult{
		{Epoch: 1, TrainLoss: 0.04, PSNR: 24, LearningRate: 0.002, Checkpointed: true, Duration: time.Second},
		{Epoch: 2, TrainLoss: 0.03, PSNR: 23, LearningRate: 0.002, CheckpointErr: errors.New("read-only file system")},
	}
	for _, r := range results {
		if err := observer.EpochEnd(ctx, r); err != nil {
			t.Fatalf("EpochEnd failed: %v", err)
		}
	}
	if err := observer.Finish(ctx, &training.Summary{BestScore: 24}, nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	epochs, err := store.Epochs(ctx, observer.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 2 {
		t.Fatalf("got %d epochs, expected 2", len(epochs))
	}
	if !epochs[0].Checkpointed || epochs[0].Duration != time.Second {
		t.Errorf("epochs[0] = %+v", epochs[0])
	}
	if epochs[1].Checkpointed || epochs[1].Error != "read-only file system" {
		t.Errorf("epochs[1] = %+v", epochs[1])
	}

	runs, err := store.Runs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Model != cfg.Model || runs[0].Epochs != 2 || runs[0].Status != StatusCompleted || runs[0].BestPSNR != 24 {
		t.Errorf("run = %+v", runs[0])
	}
}
