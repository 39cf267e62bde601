// Package dataset reads super-resolution training pairs.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-superres/tensor"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

// DefaultExtensions are the image types scanned when none are given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"}

// ValidCropSize returns the largest size not above cropSize that is a
// multiple of factor.
func ValidCropSize(cropSize, factor int) int {
	return cropSize - cropSize%factor
}

// SuperResolutionFolder serves (low-resolution, high-resolution) luma pairs
// built from every image in a directory. The target is a centred crop; the
// input is that crop downscaled by the upscale factor with bicubic resampling.
type SuperResolutionFolder struct {
	root       string
	imagePaths []string
	factor     int
	cropSize   int
}

// NewSuperResolutionFolder scans root for images. cropSize is reduced to a
// multiple of factor.
func NewSuperResolutionFolder(root string, factor, cropSize int, extensions ...string) (*SuperResolutionFolder, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("upscale factor must be positive, got %d", factor)
	}
	valid := ValidCropSize(cropSize, factor)
	if valid <= 0 {
		return nil, fmt.Errorf("crop size %d is too small for upscale factor %d", cropSize, factor)
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	wanted := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		wanted[strings.ToLower(ext)] = true
	}

	d := &SuperResolutionFolder{root: root, factor: factor, cropSize: valid}
	for _, e := range entries {
		if e.IsDir() || !wanted[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		d.imagePaths = append(d.imagePaths, filepath.Join(root, e.Name()))
	}
	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	sort.Strings(d.imagePaths)

	return d, nil
}

func (d *SuperResolutionFolder) Len() int {
	return len(d.imagePaths)
}

// Get returns the [1,h,w] input and [1,H,W] target for index.
func (d *SuperResolutionFolder) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	path := d.imagePaths[index]

	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return nil, nil, err
	}
	cropped, err := preprocessing.CenterCrop(img, d.cropSize, d.cropSize)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	target, err := preprocessing.LumaTensor(cropped)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	input, err := preprocessing.Downscale(target, d.factor, preprocessing.Bicubic)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return input, target, nil
}

// Path returns the image file behind index.
func (d *SuperResolutionFolder) Path(index int) string {
	return d.imagePaths[index]
}

func (d *SuperResolutionFolder) CropSize() int {
	return d.cropSize
}

// Subset creates a dataset over the given indices, in that order.
func (d *SuperResolutionFolder) Subset(indices []int) (*SuperResolutionFolder, error) {
	subset := &SuperResolutionFolder{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		factor:     d.factor,
		cropSize:   d.cropSize,
	}
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.imagePaths) {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.imagePaths))
		}
		subset.imagePaths[i] = d.imagePaths[idx]
	}
	return subset, nil
}

func (d *SuperResolutionFolder) String() string {
	lr := d.cropSize / d.factor
	return fmt.Sprintf("SuperResolutionFolder: %d images in %s, %dx%d -> %dx%d (x%d)",
		len(d.imagePaths), d.root, lr, lr, d.cropSize, d.cropSize, d.factor)
}
