//go:build !cuda

package device

// Probe reports no accelerators when built without the cuda tag.
func Probe() ([]Accelerator, error) {
	return nil, nil
}
