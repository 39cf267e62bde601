// Package preprocessing resamples image tensors and converts between decoded
// images and luma tensors.
package preprocessing

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/tsawler/go-superres/parallel"
	"github.com/tsawler/go-superres/tensor"
)

// ErrInvalidFactor is returned for non-positive scale factors or sizes.
var ErrInvalidFactor = errors.New("preprocessing: scale factor must be positive")

// Interpolation selects the resampling kernel.
type Interpolation int

const (
	Bicubic Interpolation = iota
	Bilinear
	Nearest
)

func (i Interpolation) String() string {
	switch i {
	case Bicubic:
		return "bicubic"
	case Bilinear:
		return "bilinear"
	case Nearest:
		return "nearest"
	default:
		return "unknown"
	}
}

func (i Interpolation) scaler() (draw.Scaler, error) {
	switch i {
	case Bicubic:
		return draw.CatmullRom, nil
	case Bilinear:
		return draw.BiLinear, nil
	case Nearest:
		return draw.NearestNeighbor, nil
	default:
		return nil, fmt.Errorf("unknown interpolation %d", int(i))
	}
}

// ParseInterpolation maps a kernel name to an Interpolation. The empty string
// selects bicubic.
func ParseInterpolation(name string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bicubic":
		return Bicubic, nil
	case "bilinear":
		return Bilinear, nil
	case "nearest":
		return Nearest, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q (expected bicubic, bilinear or nearest)", name)
	}
}

// Preprocessor upsamples model inputs by a fixed factor. Workers bounds the
// planes resampled concurrently; zero means one per CPU.
type Preprocessor struct {
	Factor  int
	Kernel  Interpolation
	Workers int
}

// Upscale resamples every plane of a [N,C,H,W] or [C,H,W] tensor to
// H*Factor x W*Factor. Batch order and channel count are preserved.
func (p Preprocessor) Upscale(t *tensor.Tensor) (*tensor.Tensor, error) {
	if p.Factor <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFactor, p.Factor)
	}
	h, w, err := spatial(t)
	if err != nil {
		return nil, err
	}
	return resize(t, h*p.Factor, w*p.Factor, p.Kernel, p.Workers)
}

// Upscale is Preprocessor.Upscale using every CPU.
func Upscale(t *tensor.Tensor, factor int, kernel Interpolation) (*tensor.Tensor, error) {
	return Preprocessor{Factor: factor, Kernel: kernel}.Upscale(t)
}

// Downscale resamples every plane to H/factor x W/factor. H and W must be
// multiples of factor.
func Downscale(t *tensor.Tensor, factor int, kernel Interpolation) (*tensor.Tensor, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFactor, factor)
	}
	h, w, err := spatial(t)
	if err != nil {
		return nil, err
	}
	if h%factor != 0 || w%factor != 0 {
		return nil, fmt.Errorf("%w: %dx%d is not divisible by %d", tensor.ErrShapeMismatch, h, w, factor)
	}
	return Resize(t, h/factor, w/factor, kernel)
}

// Resize resamples every plane of a [N,C,H,W] or [C,H,W] tensor to
// height x width. Values are read as intensities in [0,1] and pass through
// 16-bit grey images, so out-of-range inputs are clamped. Planes are
// resampled on every CPU.
func Resize(t *tensor.Tensor, height, width int, kernel Interpolation) (*tensor.Tensor, error) {
	return resize(t, height, width, kernel, 0)
}

func resize(t *tensor.Tensor, height, width int, kernel Interpolation, workers int) (*tensor.Tensor, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: target size %dx%d", ErrInvalidFactor, height, width)
	}
	h, w, err := spatial(t)
	if err != nil {
		return nil, err
	}
	scaler, err := kernel.scaler()
	if err != nil {
		return nil, err
	}

	outShape := make([]int, len(t.Shape))
	copy(outShape, t.Shape)
	outShape[len(outShape)-2] = height
	outShape[len(outShape)-1] = width
	out, err := tensor.NewTensor(outShape, nil)
	if err != nil {
		return nil, err
	}

	planes := t.NumElems / (h * w)
	parallel.ForEach(planes, workers, func(p int) {
		src := planeToGray16(t.Data[p*h*w:(p+1)*h*w], w, h)
		dst := image.NewGray16(image.Rect(0, 0, width, height))
		scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		gray16ToPlane(dst, out.Data[p*height*width:(p+1)*height*width])
	})
	return out, nil
}

func spatial(t *tensor.Tensor) (int, int, error) {
	switch len(t.Shape) {
	case 3:
		return t.Shape[1], t.Shape[2], nil
	case 4:
		return t.Shape[2], t.Shape[3], nil
	default:
		return 0, 0, fmt.Errorf("%w: expected [N,C,H,W] or [C,H,W], got %v", tensor.ErrShapeMismatch, t.Shape)
	}
}

func planeToGray16(plane []float32, w, h int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range plane {
		q := quantize(v)
		img.Pix[2*i] = uint8(q >> 8)
		img.Pix[2*i+1] = uint8(q)
	}
	return img
}

func gray16ToPlane(img *image.Gray16, plane []float32) {
	for i := range plane {
		q := uint16(img.Pix[2*i])<<8 | uint16(img.Pix[2*i+1])
		plane[i] = float32(q) / 0xffff
	}
}

func quantize(v float32) uint16 {
	f := float64(v)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return 0xffff
	}
	return uint16(math.Round(f * 0xffff))
}

// DecodeImage decodes a JPEG, PNG, BMP or TIFF stream.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// LoadImage opens and decodes an image file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LumaTensor returns the Y channel of img as a [1,H,W] tensor in [0,1].
func LumaTensor(img image.Image) (*tensor.Tensor, error) {
	b := img.Bounds()
	t, err := tensor.NewTensor([]int{1, b.Dy(), b.Dx()}, nil)
	if err != nil {
		return nil, err
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			ycc := color.YCbCrModel.Convert(img.At(x, y)).(color.YCbCr)
			t.Data[i] = float32(ycc.Y) / 255
			i++
		}
	}
	return t, nil
}

// LumaImage renders a [1,H,W] tensor as an 8-bit grey image.
func LumaImage(t *tensor.Tensor) (*image.Gray, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: expected [1,H,W], got %v", tensor.ErrShapeMismatch, t.Shape)
	}
	h, w := t.Shape[1], t.Shape[2]
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range t.Data {
		img.Pix[i] = uint8(quantize(v) >> 8)
	}
	return img, nil
}

// CenterCrop returns the centred width x height region of img.
func CenterCrop(img image.Image, width, height int) (image.Image, error) {
	b := img.Bounds()
	if width <= 0 || height <= 0 || width > b.Dx() || height > b.Dy() {
		return nil, fmt.Errorf("cannot crop %dx%d from a %dx%d image", width, height, b.Dx(), b.Dy())
	}
	x0 := b.Min.X + (b.Dx()-width)/2
	y0 := b.Min.Y + (b.Dy()-height)/2
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img, image.Point{X: x0, Y: y0}, draw.Src)
	return dst, nil
}
