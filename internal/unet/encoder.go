package unet

import (
	"errors"
	"fmt"
)

// EncoderSource supplies the four skip activations (shallow to deep) and the
// bridge activation consumed by the decoder. It is either LocalEncoder, which
// computes four encoder stages and a bridge block, or PretrainedEncoder, which
// reads named activations from an external feature extractor.
type EncoderSource interface {
	Name() string
	// InputChannels is the channel count the source requires, or 0 for any.
	InputChannels() int
	encode(b *Builder, input NodeID) (skips [4]NodeID, bridge NodeID, err error)
}

// LocalEncoder builds four encoder stages followed by the bridge conv block.
type LocalEncoder struct{}

func (LocalEncoder) Name() string       { return "local" }
func (LocalEncoder) InputChannels() int { return 0 }

func (LocalEncoder) encode(b *Builder, input NodeID) ([4]NodeID, NodeID, error) {
	var skips [4]NodeID
	x := input
	for i, f := range EncoderFilters {
		skips[i], x = b.encoderStage(fmt.Sprintf("enc%d", i+1), x, f)
	}
	bridge := b.convBlock("bridge", x, BridgeFilters)
	return skips, bridge, nil
}

// FeatureExtractor is a pre-trained network that exposes named intermediate
// activations for a given input.
type FeatureExtractor interface {
	Name() string
	// InputChannels is the channel count the extractor was trained on.
	InputChannels() int
	// Extract appends the extractor's layers after input.
	Extract(b *Builder, input NodeID) error
	// SkipLayers names the four skip activations, shallow to deep.
	SkipLayers() [4]string
	// BridgeLayer names the deepest activation used as the bridge.
	BridgeLayer() string
}

// PretrainedEncoder borrows skips and bridge from a FeatureExtractor. The
// extractor's layers are marked frozen.
type PretrainedEncoder struct {
	Extractor FeatureExtractor
}

func (p PretrainedEncoder) Name() string       { return p.Extractor.Name() }
func (p PretrainedEncoder) InputChannels() int { return p.Extractor.InputChannels() }

func (p PretrainedEncoder) encode(b *Builder, input NodeID) ([4]NodeID, NodeID, error) {
	var skips [4]NodeID
	first := NodeID(b.Len())
	if err := p.Extractor.Extract(b, input); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return skips, 0, err
		}
		return skips, 0, p.fault(b, input, err.Error())
	}
	b.FreezeFrom(first)
	for i, name := range p.Extractor.SkipLayers() {
		id, ok := b.Lookup(name)
		if !ok {
			return skips, 0, p.fault(b, input, fmt.Sprintf("no activation named %q", name))
		}
		skips[i] = id
	}
	bridge, ok := b.Lookup(p.Extractor.BridgeLayer())
	if !ok {
		return skips, 0, p.fault(b, input, fmt.Sprintf("no activation named %q", p.Extractor.BridgeLayer()))
	}
	return skips, bridge, nil
}

func (p PretrainedEncoder) fault(b *Builder, input NodeID, detail string) *ValidationError {
	in := b.Shape(input)
	return &ValidationError{
		Reason: EncoderWiringFault,
		Shape:  []int{in.H, in.W, in.C},
		Detail: p.Extractor.Name() + ": " + detail,
	}
}

// SourceFor returns the encoder source of a built-in variant.
func SourceFor(v Variant) (EncoderSource, error) {
	switch v {
	case Plain, "":
		return LocalEncoder{}, nil
	case VGG19:
		return PretrainedEncoder{Extractor: VGG19Extractor{}}, nil
	case ResNet50:
		return PretrainedEncoder{Extractor: ResNet50Extractor{}}, nil
	}
	return nil, &ValidationError{Reason: UnknownVariant, Detail: fmt.Sprintf("%q", v)}
}

// VGG19Extractor is the convolutional part of VGG19 (ImageNet weights).
type VGG19Extractor struct{}

func (VGG19Extractor) Name() string       { return "vgg19" }
func (VGG19Extractor) InputChannels() int { return 3 }

func (VGG19Extractor) SkipLayers() [4]string {
	return [4]string{"block1_conv2", "block2_conv2", "block3_conv4", "block4_conv4"}
}

func (VGG19Extractor) BridgeLayer() string { return "block5_conv4" }

func (VGG19Extractor) Extract(b *Builder, input NodeID) error {
	blocks := []struct{ convs, filters int }{{2, 64}, {2, 128}, {4, 256}, {4, 512}, {4, 512}}
	x := input
	for i, blk := range blocks {
		for j := 1; j <= blk.convs; j++ {
			x = b.Conv2D(fmt.Sprintf("block%d_conv%d", i+1, j), x, blk.filters, 3, 1, "relu")
		}
		// The classifier head and final pooling are not needed.
		if i < len(blocks)-1 {
			x = b.MaxPool(fmt.Sprintf("block%d_pool", i+1), x, 2, 2, PadValid)
		}
	}
	return nil
}

// ResNet50Extractor is ResNet50 up to conv4 (ImageNet weights). Its shallowest
// skip is the input itself.
type ResNet50Extractor struct{}

func (ResNet50Extractor) Name() string       { return "resnet50" }
func (ResNet50Extractor) InputChannels() int { return 3 }

func (ResNet50Extractor) SkipLayers() [4]string {
	return [4]string{"input_1", "conv1_relu", "conv2_block3_out", "conv3_block4_out"}
}

func (ResNet50Extractor) BridgeLayer() string { return "conv4_block6_out" }

func (ResNet50Extractor) Extract(b *Builder, input NodeID) error {
	x := b.Conv2D("conv1_conv", input, 64, 7, 2, "")
	x = b.BatchNorm("conv1_bn", x)
	x = b.ReLU("conv1_relu", x)
	x = b.MaxPool("pool1_pool", x, 3, 2, PadSame)

	stacks := []struct {
		name           string
		filters, count int
		stride         int
	}{
		{"conv2", 64, 3, 1},
		{"conv3", 128, 4, 2},
		{"conv4", 256, 6, 2},
	}
	var err error
	for _, st := range stacks {
		for i := 1; i <= st.count; i++ {
			stride := 1
			if i == 1 {
				stride = st.stride
			}
			x, err = bottleneck(b, fmt.Sprintf("%s_block%d", st.name, i), x, st.filters, stride, i == 1)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func bottleneck(b *Builder, name string, in NodeID, filters, stride int, projectShortcut bool) (NodeID, error) {
	shortcut := in
	if projectShortcut {
		shortcut = b.Conv2D(name+"_0_conv", in, 4*filters, 1, stride, "")
		shortcut = b.BatchNorm(name+"_0_bn", shortcut)
	}
	x := b.Conv2D(name+"_1_conv", in, filters, 1, stride, "")
	x = b.BatchNorm(name+"_1_bn", x)
	x = b.ReLU(name+"_1_relu", x)
	x = b.Conv2D(name+"_2_conv", x, filters, 3, 1, "")
	x = b.BatchNorm(name+"_2_bn", x)
	x = b.ReLU(name+"_2_relu", x)
	x = b.Conv2D(name+"_3_conv", x, 4*filters, 1, 1, "")
	x = b.BatchNorm(name+"_3_bn", x)
	sum, err := b.Add(name+"_add", shortcut, x)
	if err != nil {
		return 0, err
	}
	return b.ReLU(name+"_out", sum), nil
}
