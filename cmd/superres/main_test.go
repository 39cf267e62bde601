package main

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/history"
	"github.com/tsawler/go-superres/models"
	"github.com/tsawler/go-superres/training"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTrainFlagDefaults(t *testing.T) {
	if trainCfg.Model != models.VDSR || trainCfg.Epochs != 20 || trainCfg.BatchSize != 4 ||
		trainCfg.TestBatchSize != 2 || trainCfg.LearningRate != 0.002 || trainCfg.Seed != 123 ||
		trainCfg.UpscaleFactor != 4 {
		t.Errorf("train defaults = %+v", trainCfg)
	}
	for _, name := range []string{"nEpochs", "batchSize", "testBatchSize", "lr", "seed", "upscale_factor", "milestones"} {
		if trainCmd.Flags().Lookup(name) == nil {
			t.Errorf("train command has no --%s flag", name)
		}
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	net, err := models.New(models.SRCNN, rand.New(rand.NewSource(1)), 1)
	if err != nil {
		t.Fatal(err)
	}
	store := checkpoints.NewStore(dir, models.SRCNN)
	if err := store.Save(net, checkpoints.TrainingState{Epoch: 3, BestScore: 27.5}, nil); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "srcnn.onnx")
	stdout, err := execute(t, "export", "--model", "srcnn", "--checkpoint-dir", dir, "--out", out)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(stdout, "epoch 3, 27.5000 dB") {
		t.Errorf("output = %q", stdout)
	}
	if _, err := checkpoints.NewONNXImporter().ImportFromONNX(out); err != nil {
		t.Errorf("exported file does not import: %v", err)
	}

	if _, err := execute(t, "export", "--model", "vdsr", "--checkpoint-dir", dir, "--out", out); err == nil {
		t.Error("exporting a missing checkpoint should fail")
	}
}

func TestHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	store, err := history.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	cfg := training.DefaultConfig()
	observer, err := history.NewObserver(ctx, store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := observer.EpochEnd(ctx, training.EpochResult{Epoch: 1, PSNR: 24.25, LearningRate: 0.002, Checkpointed: true}); err != nil {
		t.Fatal(err)
	}
	if err := observer.Finish(ctx, &training.Summary{BestScore: 24.25}, nil); err != nil {
		t.Fatal(err)
	}
	store.Close()

	stdout, err := execute(t, "history", "--history", db)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(stdout, observer.RunID()) || !strings.Contains(stdout, history.StatusCompleted) {
		t.Errorf("run list = %q", stdout)
	}

	stdout, err = execute(t, "history", "--history", db, observer.RunID())
	if err != nil {
		t.Fatalf("history %s failed: %v", observer.RunID(), err)
	}
	if !strings.Contains(stdout, "24.2500") {
		t.Errorf("epoch list = %q", stdout)
	}

	if _, err := execute(t, "history", "--history", db, "unknown"); err == nil {
		t.Error("listing an unknown run should fail")
	}
}

func TestDevices(t *testing.T) {
	stdout, err := execute(t, "devices")
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "CPU: ") || !strings.Contains(stdout, "CUDA") {
		t.Errorf("output = %q", stdout)
	}
}

func TestTrainRequiresImages(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	_, err := execute(t, "train", "--history", "", "--train-dir", missing, "--test-dir", missing,
		"--checkpoint-dir", t.TempDir())
	if err == nil {
		t.Fatal("training without images should fail")
	}
	if _, statErr := os.Stat(missing); !os.IsNotExist(statErr) {
		t.Errorf("train created %s", missing)
	}
}
