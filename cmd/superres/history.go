package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-superres/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded training runs, or the epochs of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyPath == "" {
			return fmt.Errorf("--history is required")
		}
		store, err := history.Open(historyPath)
		if err != nil {
			return err
		}
		defer store.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()

		if len(args) == 1 {
			epochs, err := store.Epochs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(epochs) == 0 {
				return fmt.Errorf("no epochs recorded for run %s", args[0])
			}
			fmt.Fprintln(w, "EPOCH\tLOSS\tPSNR\tLR\tSAVED\tDURATION\tERROR")
			for _, e := range epochs {
				fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%g\t%t\t%s\t%s\n",
					e.Epoch, e.TrainLoss, e.PSNR, e.LearningRate, e.Checkpointed, e.Duration.Round(time.Millisecond), e.Error)
			}
			return nil
		}

		runs, err := store.Runs(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs recorded")
			return nil
		}
		fmt.Fprintln(w, "ID\tMODEL\tEPOCHS\tFACTOR\tBEST PSNR\tSTATUS\tSTARTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.4f\t%s\t%s\n",
				r.ID, r.Model, r.Epochs, r.UpscaleFactor, r.BestPSNR, r.Status, r.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs, 0 for all")
}
