// Package imagery reads raster patches and writes predicted class maps through
// ImageMagick.
package imagery

import (
	"fmt"
	"math"
	"sync"

	"geoseg/internal/tensor"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

// Init starts ImageMagick once per process.
func Init() {
	initOnce.Do(imagick.Initialize)
}

// Terminate releases ImageMagick at process exit. No imagery call may follow.
func Terminate() {
	imagick.Terminate()
}

func pixelMap(channels int) (string, error) {
	switch channels {
	case 1:
		return "I", nil
	case 3:
		return "RGB", nil
	case 4:
		return "RGBA", nil
	}
	return "", fmt.Errorf("cannot read %d channels from an image, want 1, 3 or 4", channels)
}

// LoadPatch reads an image as a 1 x H x W x channels tensor of values in [0, 1].
func LoadPatch(path string, channels int) (*tensor.Tensor, error) {
	pmap, err := pixelMap(channels)
	if err != nil {
		return nil, err
	}
	Init()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	width, height := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, pmap, imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels from %s: %w", path, err)
	}
	vals, ok := pixels.([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}
	return tensor.FromData(vals, 1, int(height), int(width), channels)
}

// MaxClasses is the most labels an 8-bit class map can hold distinctly.
const MaxClasses = 256

// labelLevel spreads class labels over the 8-bit gray range.
func labelLevel(label, classes int) uint8 {
	if classes <= 1 {
		return 0
	}
	return uint8(math.Round(float64(label) * 255 / float64(classes-1)))
}

func levelLabel(level uint8, classes int) int {
	if classes <= 1 {
		return 0
	}
	return int(math.Round(float64(level) * float64(classes-1) / 255))
}

// WriteClassMap writes per-pixel class labels (row-major, width x height) as a
// grayscale image. The format follows the file extension.
func WriteClassMap(path string, labels []int, width, height, classes int) error {
	if classes > MaxClasses {
		return fmt.Errorf("%d classes do not fit an 8-bit class map (max %d)", classes, MaxClasses)
	}
	if len(labels) != width*height {
		return fmt.Errorf("class map has %d labels, want %d", len(labels), width*height)
	}
	gray := make([]uint8, len(labels))
	for i, l := range labels {
		if l < 0 || l >= classes {
			return fmt.Errorf("label %d at pixel %d outside [0, %d)", l, i, classes)
		}
		gray[i] = labelLevel(l, classes)
	}
	Init()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(width), uint(height), "I", imagick.PIXEL_CHAR, gray); err != nil {
		return fmt.Errorf("failed to create class map: %w", err)
	}
	if err := mw.SetImageDepth(8); err != nil {
		return err
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadClassMap reads a map written by WriteClassMap.
func ReadClassMap(path string, classes int) (labels []int, width, height int, err error) {
	if classes > MaxClasses {
		return nil, 0, 0, fmt.Errorf("%d classes do not fit an 8-bit class map (max %d)", classes, MaxClasses)
	}
	Init()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to export pixels from %s: %w", path, err)
	}
	gray, ok := pixels.([]byte)
	if !ok {
		return nil, 0, 0, fmt.Errorf("unexpected pixel type: %T", pixels)
	}
	labels = make([]int, len(gray))
	for i, g := range gray {
		labels[i] = levelLabel(g, classes)
	}
	return labels, int(w), int(h), nil
}
