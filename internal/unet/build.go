package unet

import "fmt"

var graphNames = map[Variant]string{
	Plain:    "U-Net",
	VGG19:    "VGG19-UNet",
	ResNet50: "ResNet50-UNet",
}

// Build validates cfg and assembles the encoder-decoder graph. On failure no
// graph is returned and the error is a *ValidationError.
func Build(cfg ArchitectureConfig) (*Graph, error) {
	if cfg.Variant == "" {
		cfg.Variant = Plain
	}
	src, err := cfg.source()
	if err != nil {
		return nil, err
	}
	g, err := BuildWith(cfg, src)
	if err != nil {
		return nil, err
	}
	g.Name = graphNames[cfg.Variant]
	return g, nil
}

// BuildShape is Build for a raw (height, width, channels) shape.
func BuildShape(shape []int, classes int, variant Variant) (*Graph, error) {
	if err := ValidateShape(shape); err != nil {
		return nil, err
	}
	return Build(ArchitectureConfig{
		Height: shape[0], Width: shape[1], Channels: shape[2],
		Classes: classes, Variant: variant,
	})
}

// BuildWith assembles a graph around a caller supplied encoder source. Only the
// generic shape and class checks are applied; the source's channel requirement
// is enforced too.
func BuildWith(cfg ArchitectureConfig, src EncoderSource) (*Graph, error) {
	if err := ValidateShape(cfg.Shape()); err != nil {
		return nil, err
	}
	if cfg.Classes <= 0 {
		return nil, &ValidationError{Reason: InvalidClassCount, Shape: cfg.Shape()}
	}
	if want := src.InputChannels(); want > 0 && cfg.Channels != want {
		return nil, &ValidationError{
			Reason: IncompatibleChannelCount,
			Shape:  cfg.Shape(),
			Detail: fmt.Sprintf("%s expects %d channels, got %d", src.Name(), want, cfg.Channels),
		}
	}

	b := NewBuilder()
	input := b.Input("input_1", Shape{H: cfg.Height, W: cfg.Width, C: cfg.Channels})

	skips, bridge, err := src.encode(b, input)
	if err != nil {
		return nil, err
	}

	// Deepest skip pairs with the bridge output, shallowest with the last stage.
	var pairs []SkipPair
	x := bridge
	for stage, f := range DecoderFilters {
		skip := skips[len(skips)-1-stage]
		x, err = b.decoderStage(fmt.Sprintf("dec%d", stage+1), x, skip, f)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, SkipPair{
			Stage:   stage + 1,
			Skip:    skip,
			Name:    b.nodes[skip].Name,
			Shape:   b.Shape(skip),
			Filters: f,
		})
	}
	out := b.projection(x, cfg.Classes)

	return &Graph{
		Name:    "custom",
		Config:  cfg,
		Nodes:   b.nodesCopy(),
		Input:   input,
		Output:  out,
		Bridge:  bridge,
		Skips:   pairs,
		Encoder: src.Name(),
	}, nil
}
