// Command superres trains and evaluates single-image super-resolution networks.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var version = "0.1.0"

var historyPath string

var rootCmd = &cobra.Command{
	Use:   "superres",
	Short: "Super-resolution training and evaluation",
	Long: `superres trains SRCNN and VDSR networks on folders of images.

It provides:
  - Training with PSNR evaluation and multi-step learning rate decay
  - Best-model checkpoints under <checkpoint-dir>/model_<arch>.json
  - ONNX export of stored checkpoints
  - A SQLite history of runs and epochs`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "history.db", "run history database, empty to disable")

	rootCmd.AddCommand(trainCmd, exportCmd, devicesCmd, historyCmd)
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		klog.Flush()
		os.Exit(1)
	}
}
