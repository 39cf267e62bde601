package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-superres/tensor"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8(x + y), A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func createTestDataset(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		writePNG(t, filepath.Join(dir, name), 40, 36)
	}
	return dir
}

func TestValidCropSize(t *testing.T) {
	tests := []struct {
		crop, factor, expected int
	}{
		{256, 4, 256},
		{256, 3, 255},
		{33, 2, 32},
		{3, 4, 0},
	}
	for _, test := range tests {
		if got := ValidCropSize(test.crop, test.factor); got != test.expected {
			t.Errorf("ValidCropSize(%d, %d) = %d, expected %d", test.crop, test.factor, got, test.expected)
		}
	}
}

func TestNewSuperResolutionFolder(t *testing.T) {
	dir := createTestDataset(t, "b.png", "a.png")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.png"), 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	ds, err := NewSuperResolutionFolder(dir, 3, 32)
	if err != nil {
		t.Fatalf("NewSuperResolutionFolder failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len() = %d, expected 2", ds.Len())
	}
	if filepath.Base(ds.Path(0)) != "a.png" {
		t.Errorf("paths are not sorted: %s first", ds.Path(0))
	}
	if ds.CropSize() != 30 {
		t.Errorf("CropSize() = %d, expected 30", ds.CropSize())
	}
	if !strings.Contains(ds.String(), "10x10 -> 30x30 (x3)") {
		t.Errorf("String() = %s", ds.String())
	}
}

func TestNewSuperResolutionFolderErrors(t *testing.T) {
	empty := t.TempDir()
	tests := []struct {
		name   string
		root   string
		factor int
		crop   int
	}{
		{"missing directory", filepath.Join(empty, "absent"), 2, 32},
		{"no images", empty, 2, 32},
		{"zero factor", empty, 0, 32},
		{"crop too small", empty, 4, 3},
	}
	for _, test := range tests {
		if _, err := NewSuperResolutionFolder(test.root, test.factor, test.crop); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
}

func TestSuperResolutionFolderGet(t *testing.T) {
	dir := createTestDataset(t, "img.png")
	ds, err := NewSuperResolutionFolder(dir, 4, 32)
	if err != nil {
		t.Fatalf("NewSuperResolutionFolder failed: %v", err)
	}

	input, target, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(input.Shape, []int{1, 8, 8}) {
		t.Errorf("input shape = %v", input.Shape)
	}
	if !reflect.DeepEqual(target.Shape, []int{1, 32, 32}) {
		t.Errorf("target shape = %v", target.Shape)
	}
	for _, v := range append(append([]float32{}, input.Data...), target.Data...) {
		if v < 0 || v > 1 {
			t.Fatalf("value %f outside [0,1]", v)
		}
	}

	if _, _, err := ds.Get(1); err == nil {
		t.Error("expected out of range error")
	}
}

func TestSuperResolutionFolderRejectsSmallImages(t *testing.T) {
	dir := createTestDataset(t, "small.png")
	ds, err := NewSuperResolutionFolder(dir, 2, 64)
	if err != nil {
		t.Fatalf("NewSuperResolutionFolder failed: %v", err)
	}
	if _, _, err := ds.Get(0); err == nil {
		t.Error("expected error cropping 64x64 from a 40x36 image")
	}
}

func TestSubset(t *testing.T) {
	dir := createTestDataset(t, "a.png", "b.png", "c.png")
	ds, _ := NewSuperResolutionFolder(dir, 2, 16)

	sub, err := ds.Subset([]int{2, 0})
	if err != nil {
		t.Fatalf("Subset failed: %v", err)
	}
	if sub.Len() != 2 || filepath.Base(sub.Path(0)) != "c.png" {
		t.Errorf("unexpected subset %v", sub.imagePaths)
	}
	if _, err := ds.Subset([]int{5}); err == nil {
		t.Error("expected out of range error")
	}
}

func TestInMemory(t *testing.T) {
	a, _ := tensor.Zeros([]int{1, 2, 2})
	b, _ := tensor.Ones([]int{1, 4, 4})

	ds, err := NewInMemory([]*tensor.Tensor{a}, []*tensor.Tensor{b})
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	in, target, err := ds.Get(0)
	if err != nil || in != a || target != b {
		t.Errorf("Get(0) = %v, %v, %v", in, target, err)
	}
	if _, _, err := ds.Get(1); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := NewInMemory([]*tensor.Tensor{a}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
}
