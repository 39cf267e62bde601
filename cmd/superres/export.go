package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/models"
)

var (
	exportModel  string
	exportDir    string
	exportOutput  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a stored checkpoint to ONNX",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := exportOutput
		if out == "" {
			out = exportModel + ".onnx"
		}

		store := checkpoints.NewStore(exportDir, exportModel)
		ckpt, err := store.Load()
		if err != nil {
			if checkpoints.IsNotExist(err) {
				return fmt.Errorf("no %s checkpoint in %s, train one first", exportModel, exportDir)
			}
			return err
		}
		if err := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).SaveCheckpoint(ckpt, out); err != nil {
			return fmt.Errorf("failed to export %s: %w", store.Path(), err)
		}

		klog.V(1).Infof("Exported %d weight tensors from %s", len(ckpt.Weights), store.Path())
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (epoch %d, %.4f dB) to %s\n",
			exportModel, ckpt.TrainingState.Epoch, ckpt.TrainingState.BestScore, out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportModel, "model", models.VDSR, "architecture of the checkpoint")
	exportCmd.Flags().StringVar(&exportDir, "checkpoint-dir", "model", "directory holding model_<arch>.json")
	exportCmd.Flags().StringVar(&exportOutput, "out", "", "output file, <model>.onnx by default")
}
