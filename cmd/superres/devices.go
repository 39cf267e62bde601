package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-superres/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Describe the host CPU and any CUDA devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "CPU: %s\n", device.Describe())

		accelerators, err := device.Probe()
		if err != nil {
			fmt.Fprintf(out, "CUDA: unavailable (%v)\n", err)
			return nil
		}
		if len(accelerators) == 0 {
			fmt.Fprintln(out, "CUDA: no devices (build with -tags cuda to probe)")
			return nil
		}
		for _, a := range accelerators {
			fmt.Fprintf(out, "CUDA: %s\n", a)
		}
		fmt.Fprintln(out, "Training runs on the CPU; CUDA devices are reported only.")
		return nil
	},
}
