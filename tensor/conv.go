package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-superres/parallel"
)

// Conv2DParams configures a 2-D convolution. Workers bounds the number of
// samples processed concurrently; zero means one per CPU.
type Conv2DParams struct {
	Stride  int
	Padding int
	Workers int
}

type convGeometry struct {
	n, c, h, w      int
	o, kh, kw       int
	hOut, wOut      int
	stride, padding int
}

func (g convGeometry) patch() int { return g.c * g.kh * g.kw }
func (g convGeometry) pixels() int { return g.hOut * g.wOut }

// Conv2DOutputSize returns the spatial extent produced by a convolution.
func Conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

func conv2DGeometry(input, weight, bias *Tensor, p Conv2DParams) (convGeometry, error) {
	var g convGeometry
	if len(input.Shape) != 4 {
		return g, fmt.Errorf("%w: conv2d input must be [N,C,H,W], got %v", ErrShapeMismatch, input.Shape)
	}
	if len(weight.Shape) != 4 {
		return g, fmt.Errorf("%w: conv2d weight must be [O,C,KH,KW], got %v", ErrShapeMismatch, weight.Shape)
	}
	if p.Stride <= 0 || p.Padding < 0 {
		return g, fmt.Errorf("conv2d: invalid stride %d or padding %d", p.Stride, p.Padding)
	}
	g = convGeometry{
		n: input.Shape[0], c: input.Shape[1], h: input.Shape[2], w: input.Shape[3],
		o: weight.Shape[0], kh: weight.Shape[2], kw: weight.Shape[3],
		stride: p.Stride, padding: p.Padding,
	}
	if weight.Shape[1] != g.c {
		return g, fmt.Errorf("%w: conv2d weight expects %d input channels, input has %d", ErrShapeMismatch, weight.Shape[1], g.c)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != g.o) {
		return g, fmt.Errorf("%w: conv2d bias must be [%d], got %v", ErrShapeMismatch, g.o, bias.Shape)
	}
	g.hOut = Conv2DOutputSize(g.h, g.kh, g.stride, g.padding)
	g.wOut = Conv2DOutputSize(g.w, g.kw, g.stride, g.padding)
	if g.hOut <= 0 || g.wOut <= 0 {
		return g, fmt.Errorf("%w: conv2d kernel %dx%d does not fit input %dx%d with padding %d", ErrShapeMismatch, g.kh, g.kw, g.h, g.w, g.padding)
	}
	return g, nil
}

// im2col unrolls one [C,H,W] sample into a [C*KH*KW, HOut*WOut] matrix.
func im2col(src []float32, g convGeometry, cols []float32) {
	pixels := g.pixels()
	row := 0
	for ci := 0; ci < g.c; ci++ {
		plane := src[ci*g.h*g.w : (ci+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				dst := cols[row*pixels : (row+1)*pixels]
				for oy := 0; oy < g.hOut; oy++ {
					iy := oy*g.stride - g.padding + ki
					for ox := 0; ox < g.wOut; ox++ {
						ix := ox*g.stride - g.padding + kj
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							dst[oy*g.wOut+ox] = 0
						} else {
							dst[oy*g.wOut+ox] = plane[iy*g.w+ix]
						}
					}
				}
				row++
			}
		}
	}
}

// col2im scatters a column matrix back into one [C,H,W] sample, accumulating
// overlapping patches.
func col2im(cols []float32, g convGeometry, dst []float32) {
	pixels := g.pixels()
	row := 0
	for ci := 0; ci < g.c; ci++ {
		plane := dst[ci*g.h*g.w : (ci+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				src := cols[row*pixels : (row+1)*pixels]
				for oy := 0; oy < g.hOut; oy++ {
					iy := oy*g.stride - g.padding + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.wOut; ox++ {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.w {
							continue
						}
						plane[iy*g.w+ix] += src[oy*g.wOut+ox]
					}
				}
				row++
			}
		}
	}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Conv2D computes a cross-correlation of input [N,C,H,W] with weight
// [O,C,KH,KW] plus an optional bias [O]. No graph is recorded.
func Conv2D(input, weight, bias *Tensor, p Conv2DParams) (*Tensor, error) {
	g, err := conv2DGeometry(input, weight, bias, p)
	if err != nil {
		return nil, err
	}
	output, err := NewTensor([]int{g.n, g.o, g.hOut, g.wOut}, nil)
	if err != nil {
		return nil, err
	}

	patch, pixels := g.patch(), g.pixels()
	inSize := g.c * g.h * g.w
	outSize := g.o * pixels
	w := general(g.o, patch, weight.Data)

	parallel.ForEach(g.n, p.Workers, func(n int) {
		cols := scratch.Get(patch * pixels)
		defer scratch.Put(cols)
		im2col(input.Data[n*inSize:(n+1)*inSize], g, cols)

		out := output.Data[n*outSize : (n+1)*outSize]
		if bias != nil {
			for oc := 0; oc < g.o; oc++ {
				b := bias.Data[oc]
				row := out[oc*pixels : (oc+1)*pixels]
				for i := range row {
					row[i] = b
				}
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, general(patch, pixels, cols), 1, general(g.o, pixels, out))
	})

	return output, nil
}

// Conv2DOp records a convolution for automatic differentiation.
type Conv2DOp struct {
	inputs []*Tensor
	params Conv2DParams
	geom   convGeometry
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("Conv2DOp requires input, weight and bias (bias may be nil), got %d", len(inputs))
	}
	input, weight, bias := inputs[0], inputs[1], inputs[2]
	g, err := conv2DGeometry(input, weight, bias, op.params)
	if err != nil {
		return nil, err
	}
	op.inputs = inputs
	op.geom = g

	result, err := Conv2D(input, weight, bias, op.params)
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *Conv2DOp) Inputs() []*Tensor {
	return op.inputs
}

// Backward recomputes the column matrices rather than keeping them from the
// forward pass. Per-sample weight and bias gradients are reduced in sample
// order so the result does not depend on scheduling.
func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	input, weight, bias := op.inputs[0], op.inputs[1], op.inputs[2]
	g := op.geom
	if !ShapesEqual(gradOut.Shape, []int{g.n, g.o, g.hOut, g.wOut}) {
		return nil, fmt.Errorf("%w: conv2d gradient shape %v", ErrShapeMismatch, gradOut.Shape)
	}

	patch, pixels := g.patch(), g.pixels()
	inSize := g.c * g.h * g.w
	outSize := g.o * pixels
	w := general(g.o, patch, weight.Data)

	var gradInput *Tensor
	if input.requiresGrad {
		var err error
		gradInput, err = NewTensor(input.Shape, nil)
		if err != nil {
			return nil, err
		}
	}
	needWeight := weight.requiresGrad
	needBias := bias != nil && bias.requiresGrad

	partialW := make([][]float32, g.n)
	partialB := make([][]float32, g.n)

	parallel.ForEach(g.n, op.params.Workers, func(n int) {
		gOut := gradOut.Data[n*outSize : (n+1)*outSize]
		gOutMat := general(g.o, pixels, gOut)

		if needWeight {
			cols := scratch.Get(patch * pixels)
			im2col(input.Data[n*inSize:(n+1)*inSize], g, cols)
			dw := make([]float32, g.o*patch)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gOutMat, general(patch, pixels, cols), 0, general(g.o, patch, dw))
			partialW[n] = dw
			scratch.Put(cols)
		}
		if needBias {
			db := make([]float32, g.o)
			for oc := 0; oc < g.o; oc++ {
				var s float32
				for _, v := range gOut[oc*pixels : (oc+1)*pixels] {
					s += v
				}
				db[oc] = s
			}
			partialB[n] = db
		}
		if gradInput != nil {
			dCols := scratch.Get(patch * pixels)
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, w, gOutMat, 0, general(patch, pixels, dCols))
			col2im(dCols, g, gradInput.Data[n*inSize:(n+1)*inSize])
			scratch.Put(dCols)
		}
	})

	var gradWeight, gradBias *Tensor
	if needWeight {
		var err error
		gradWeight, err = NewTensor(weight.Shape, nil)
		if err != nil {
			return nil, err
		}
		for _, dw := range partialW {
			for i, v := range dw {
				gradWeight.Data[i] += v
			}
		}
	}
	if needBias {
		var err error
		gradBias, err = NewTensor(bias.Shape, nil)
		if err != nil {
			return nil, err
		}
		for _, db := range partialB {
			for i, v := range db {
				gradBias.Data[i] += v
			}
		}
	}

	return []*Tensor{gradInput, gradWeight, gradBias}, nil
}

// Conv2DAutograd performs a convolution with automatic differentiation.
// bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, p Conv2DParams) (*Tensor, error) {
	op := &Conv2DOp{params: p}
	return op.Forward(input, weight, bias)
}
