package unet

import (
	"fmt"
	"strings"
)

// Variant selects the encoder used by Build.
type Variant string

const (
	Plain    Variant = "plain"
	VGG19    Variant = "vgg19"
	ResNet50 Variant = "resnet50"
)

// Transfer is the default pre-trained variant.
const Transfer = VGG19

// Variants lists the built-in architectures.
func Variants() []Variant { return []Variant{Plain, VGG19, ResNet50} }

// ParseVariant accepts a variant name; "transfer" and "unet" are aliases.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain", "unet", "u-net":
		return Plain, nil
	case "transfer", "vgg19", "vgg19-unet":
		return VGG19, nil
	case "resnet50", "resnet50-unet":
		return ResNet50, nil
	default:
		return "", &ValidationError{Reason: UnknownVariant, Detail: fmt.Sprintf("%q", s)}
	}
}

// ArchitectureConfig describes one network to build. It is validated before any
// node is created.
type ArchitectureConfig struct {
	Height   int     `json:"height"`
	Width    int     `json:"width"`
	Channels int     `json:"channels"`
	Classes  int     `json:"classes"`
	Variant  Variant `json:"variant"`
}

// Shape returns (height, width, channels).
func (c ArchitectureConfig) Shape() []int {
	return []int{c.Height, c.Width, c.Channels}
}

func (c ArchitectureConfig) String() string {
	v := c.Variant
	if v == "" {
		v = Plain
	}
	return fmt.Sprintf("%s %dx%dx%d -> %d classes", v, c.Height, c.Width, c.Channels, c.Classes)
}

// ValidateShape checks an input shape against the encoder-decoder constraints.
// Checks run in order and the first failure is returned.
func ValidateShape(shape []int) error {
	if len(shape) != 3 {
		return invalid(InvalidArity, shape)
	}
	h, w, c := shape[0], shape[1], shape[2]
	if h != w {
		return invalid(NonSquareInput, shape)
	}
	if c <= 0 {
		return invalid(InvalidChannelCount, shape)
	}
	// Four 2x2 poolings must divide evenly so the decoder can recombine.
	if h <= 0 || h%16 != 0 {
		return invalid(UnsupportedResolution, shape)
	}
	return nil
}

// Validate checks the full config, including the class count and the channel
// requirement of pre-trained encoders.
func (c ArchitectureConfig) Validate() error {
	_, err := c.source()
	return err
}

func (c ArchitectureConfig) source() (EncoderSource, error) {
	if err := ValidateShape(c.Shape()); err != nil {
		return nil, err
	}
	if c.Classes <= 0 {
		return nil, &ValidationError{Reason: InvalidClassCount, Shape: c.Shape(), Detail: fmt.Sprintf("classes=%d", c.Classes)}
	}
	src, err := SourceFor(c.Variant)
	if err != nil {
		return nil, err
	}
	if want := src.InputChannels(); want > 0 && c.Channels != want {
		return nil, &ValidationError{
			Reason: IncompatibleChannelCount,
			Shape:  c.Shape(),
			Detail: fmt.Sprintf("%s expects %d channels, got %d", src.Name(), want, c.Channels),
		}
	}
	return src, nil
}
