// Package device selects where tensors are computed. Every kernel in this
// module runs on the host, so accelerator requests are probed, reported and
// then served by the CPU.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-superres/parallel"
	"github.com/tsawler/go-superres/tensor"
)

// ErrUnavailable is returned when the requested device cannot run the model.
var ErrUnavailable = errors.New("device: unavailable")

const (
	Auto = "auto"
	CPU  = "cpu"
	CUDA = "cuda"
)

// Accelerator describes one GPU found by Probe.
type Accelerator struct {
	Index        int
	Name         string
	MemoryBytes  int64
	ComputeMajor int
	ComputeMinor int
}

func (a Accelerator) String() string {
	return fmt.Sprintf("#%d %s (%d MiB, compute %d.%d)",
		a.Index, a.Name, a.MemoryBytes>>20, a.ComputeMajor, a.ComputeMinor)
}

// Device is the compute target handed to the trainer.
type Device struct {
	Type    tensor.DeviceType
	Workers int
	Info    string
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%d workers)", d.Type, d.Workers)
}

// Place moves t onto the device.
func (d *Device) Place(t *tensor.Tensor) (*tensor.Tensor, error) {
	return t.ToDevice(d.Type)
}

// Describe summarizes the host CPU.
func Describe() string {
	features := []string{}
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "neon"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	return fmt.Sprintf("%s, %d physical / %d logical cores, features [%s]",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(features, " "))
}

// Select resolves a device preference. "auto" and "cuda" fall back to the CPU
// with a warning; an unknown preference is an error.
func Select(preference string, workers int) (*Device, error) {
	cpu := &Device{Type: tensor.CPU, Workers: parallel.Workers(workers), Info: Describe()}

	switch strings.ToLower(preference) {
	case CPU:
		return cpu, nil
	case "", Auto, CUDA:
		accelerators, err := Probe()
		switch {
		case err != nil:
			klog.Warningf("%v: accelerator probe failed: %v; using CPU", ErrUnavailable, err)
		case len(accelerators) == 0:
			if strings.ToLower(preference) == CUDA {
				klog.Warningf("%v: no CUDA devices found; using CPU", ErrUnavailable)
			}
		default:
			klog.Warningf("%v: found %s but kernels run on the host; using CPU", ErrUnavailable, accelerators[0])
		}
		return cpu, nil
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrUnavailable, preference)
	}
}
