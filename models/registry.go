package models

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/tsawler/go-superres/layers"
)

const (
	SRCNN = "srcnn"
	VDSR  = "vdsr"
)

var (
	// ErrUnknownArchitecture is returned for selectors no version of this
	// program has ever known.
	ErrUnknownArchitecture = errors.New("unknown architecture")
	// ErrUnsupportedArchitecture is returned for recognised selectors whose
	// networks are not implemented here.
	ErrUnsupportedArchitecture = errors.New("architecture not implemented")
)

var builders = map[string]func() (*layers.ModelSpec, error){
	SRCNN: func() (*layers.ModelSpec, error) { return SRCNNSpec(1, 64) },
	VDSR:  func() (*layers.ModelSpec, error) { return VDSRSpec(1, 64, 4) },
}

var recognised = []string{"fsrcnn", "sub", "drcn", "srgan", "edsr", "dbpn"}

// Architectures lists the selectors New accepts.
func Architectures() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpecFor returns the compiled topology for an architecture selector.
func SpecFor(name string) (*layers.ModelSpec, error) {
	build, ok := builders[name]
	if !ok {
		for _, r := range recognised {
			if r == name {
				return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnsupportedArchitecture, name, Architectures())
			}
		}
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownArchitecture, name, Architectures())
	}
	return build()
}

// New builds the named architecture with fresh weights drawn from rng.
func New(name string, rng *rand.Rand, workers int) (*Network, error) {
	spec, err := SpecFor(name)
	if err != nil {
		return nil, err
	}
	return NewNetwork(spec, rng, workers)
}

// SRCNNSpec is the three-stage patch extraction, non-linear mapping and
// reconstruction network (9x9, 5x5, 5x5).
func SRCNNSpec(numChannels, baseChannels int) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder(SRCNN, []int{layers.Dynamic, numChannels, layers.Dynamic, layers.Dynamic}).
		AddConv2D(baseChannels, 9, 1, 4, true, layers.InitXavierUniform, "layers.0").
		AddReLU("layers.1").
		AddConv2D(baseChannels/2, 5, 1, 2, true, layers.InitXavierUniform, "layers.2").
		AddReLU("layers.3").
		AddConv2D(numChannels, 5, 1, 2, true, layers.InitXavierUniform, "layers.4").
		Compile()
}

// VDSRSpec is an input convolution, numResiduals conv+ReLU stages, an output
// convolution and a global skip from the network input.
func VDSRSpec(numChannels, baseChannels, numResiduals int) (*layers.ModelSpec, error) {
	b := layers.NewModelBuilder(VDSR, []int{layers.Dynamic, numChannels, layers.Dynamic, layers.Dynamic}).
		AddConv2D(baseChannels, 3, 1, 1, true, layers.InitHeNormal, "input_conv.0").
		AddReLU("input_conv.1")
	for i := 0; i < numResiduals; i++ {
		b.AddConv2D(baseChannels, 3, 1, 1, true, layers.InitHeNormal, fmt.Sprintf("residual_layers.%d.0", i)).
			AddReLU(fmt.Sprintf("residual_layers.%d.1", i))
	}
	return b.AddConv2D(numChannels, 3, 1, 1, true, layers.InitHeNormal, "output_conv").
		AddResidual(layers.ModelInput, "skip").
		Compile()
}
