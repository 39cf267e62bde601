//go:build cuda

package device

import (
	"fmt"

	"gorgonia.org/cu"
)

// Probe lists the CUDA devices visible to the driver.
func Probe() ([]Accelerator, error) {
	count, err := cu.NumDevices()
	if err != nil {
		return nil, fmt.Errorf("cuda %d: %w", cu.Version(), err)
	}

	accelerators := make([]Accelerator, 0, count)
	for d := 0; d < count; d++ {
		dev := cu.Device(d)
		name, err := dev.Name()
		if err != nil {
			return nil, err
		}
		mem, _ := dev.TotalMem()
		maj, _ := dev.Attribute(cu.ComputeCapabilityMajor)
		min, _ := dev.Attribute(cu.ComputeCapabilityMinor)
		accelerators = append(accelerators, Accelerator{
			Index:        d,
			Name:         name,
			MemoryBytes:  int64(mem),
			ComputeMajor: maj,
			ComputeMinor: min,
		})
	}
	return accelerators, nil
}
