package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-superres/history"
	"github.com/tsawler/go-superres/training"
	"github.com/tsawler/go-superres/vision/dataloader"
	"github.com/tsawler/go-superres/vision/dataset"
)

var (
	trainCfg = training.DefaultConfig()

	trainDir  string
	testDir   string
	cropSize  int
	prefetch  int
	cacheSize int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a super-resolution model",
	Long: `Train a model on the images of --train-dir, evaluating PSNR on --test-dir
after every epoch. The model is saved whenever the score improves, and an
existing checkpoint for the same architecture is loaded before training.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := trainCfg
		if err := cfg.Validate(); err != nil {
			return err
		}

		trainLoader, err := newLoader(trainDir, cfg, cfg.BatchSize, true)
		if err != nil {
			return fmt.Errorf("training set: %w", err)
		}
		defer trainLoader.Close()
		testLoader, err := newLoader(testDir, cfg, cfg.TestBatchSize, false)
		if err != nil {
			return fmt.Errorf("test set: %w", err)
		}
		defer testLoader.Close()
		klog.Infof("Training on %d images, evaluating on %d", trainLoader.NumSamples(), testLoader.NumSamples())

		trainer := training.NewTrainer(cfg, trainLoader, testLoader)
		trainer.SetOutput(cmd.OutOrStdout())

		var observer *history.Observer
		if historyPath != "" {
			store, err := history.Open(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if observer, err = history.NewObserver(ctx, store, cfg); err != nil {
				return err
			}
			trainer.AddObserver(observer)
			klog.Infof("Recording run %s in %s", observer.RunID(), historyPath)
		}

		summary, runErr := trainer.Run(ctx)
		if observer != nil {
			// the run context may already be cancelled
			if err := observer.Finish(context.Background(), summary, runErr); err != nil {
				klog.Warningf("Failed to close run %s: %v", observer.RunID(), err)
			}
		}
		if runErr != nil {
			return runErr
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\nBest PSNR %.4f dB at epoch %d (%s)\n",
			summary.BestScore, summary.BestEpoch, summary.Duration.Round(time.Second))
		if summary.BestEpoch > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Model saved to %s\n", summary.CheckpointPath)
		}
		if trainLoader.CacheStats().MaxSize > 0 {
			klog.V(1).Infof("Training cache: %s", trainLoader.CacheStats())
		}
		return nil
	},
}

func newLoader(dir string, cfg training.Config, batchSize int, shuffle bool) (*dataloader.DataLoader, error) {
	ds, err := dataset.NewSuperResolutionFolder(dir, cfg.UpscaleFactor, cropSize)
	if err != nil {
		return nil, err
	}
	return dataloader.New(ds, dataloader.Config{
		BatchSize: batchSize,
		Shuffle:   shuffle,
		Seed:      cfg.Seed,
		Prefetch:  prefetch,
		CacheSize: cacheSize,
	})
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainCfg.Model, "model", trainCfg.Model, "architecture: srcnn or vdsr")
	f.IntVar(&trainCfg.Epochs, "nEpochs", trainCfg.Epochs, "number of epochs to train for")
	f.IntVar(&trainCfg.BatchSize, "batchSize", trainCfg.BatchSize, "training batch size")
	f.IntVar(&trainCfg.TestBatchSize, "testBatchSize", trainCfg.TestBatchSize, "evaluation batch size")
	f.Float64Var(&trainCfg.LearningRate, "lr", trainCfg.LearningRate, "initial learning rate")
	f.Int64Var(&trainCfg.Seed, "seed", trainCfg.Seed, "random seed")
	f.IntVar(&trainCfg.UpscaleFactor, "upscale_factor", trainCfg.UpscaleFactor, "super resolution upscale factor")
	f.StringVar(&trainCfg.CheckpointDir, "checkpoint-dir", trainCfg.CheckpointDir, "directory holding model_<arch>.json")
	f.StringVar(&trainCfg.Interpolation, "interpolation", trainCfg.Interpolation, "input upsampling kernel: bicubic, bilinear or nearest")
	f.StringVar(&trainCfg.Optimizer, "optimizer", trainCfg.Optimizer, "optimizer: adam or sgd")
	f.Float64Var(&trainCfg.Momentum, "momentum", trainCfg.Momentum, "sgd momentum")
	f.StringVar(&trainCfg.Scheduler, "scheduler", trainCfg.Scheduler, "learning rate schedule: multistep, step, exponential, cosine, plateau or constant")
	f.IntSliceVar(&trainCfg.Milestones, "milestones", trainCfg.Milestones, "epochs after which the multistep schedule decays")
	f.Float64Var(&trainCfg.Gamma, "gamma", trainCfg.Gamma, "learning rate decay factor")
	f.IntVar(&trainCfg.StepSize, "step-size", trainCfg.StepSize, "epochs between decays of the step schedule")
	f.StringVar(&trainCfg.Device, "device", trainCfg.Device, "compute device: auto, cpu or cuda")
	f.IntVar(&trainCfg.Workers, "workers", trainCfg.Workers, "worker goroutines, 0 uses every CPU")

	f.StringVar(&trainDir, "train-dir", "dataset/BSDS300/images/train", "training images")
	f.StringVar(&testDir, "test-dir", "dataset/BSDS300/images/test", "evaluation images")
	f.IntVar(&cropSize, "crop-size", 256, "centre crop size of the high-resolution targets")
	f.IntVar(&prefetch, "prefetch", 2, "batches assembled ahead of the trainer")
	f.IntVar(&cacheSize, "cache-size", 0, "decoded samples kept in memory")
}
