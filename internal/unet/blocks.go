package unet

import "fmt"

// Filter counts of the four encoder stages, the bridge and the four decoder
// stages.
var (
	EncoderFilters = [4]int{64, 128, 256, 512}
	BridgeFilters  = 1024
	DecoderFilters = [4]int{512, 256, 128, 64}
)

// convBlock applies (3x3 conv, batch norm, relu) twice at the input resolution.
func (b *Builder) convBlock(scope string, in NodeID, filters int) NodeID {
	x := in
	for _, step := range []string{"a", "b"} {
		x = b.Conv2D(fmt.Sprintf("%s/conv_%s", scope, step), x, filters, 3, 1, "")
		x = b.BatchNorm(fmt.Sprintf("%s/bn_%s", scope, step), x)
		x = b.ReLU(fmt.Sprintf("%s/relu_%s", scope, step), x)
	}
	return x
}

// encoderStage returns the full resolution skip tensor and its 2x2 max pooled
// downsample.
func (b *Builder) encoderStage(scope string, in NodeID, filters int) (skip, down NodeID) {
	skip = b.convBlock(scope, in, filters)
	down = b.MaxPool(scope+"/pool", skip, 2, 2, PadValid)
	return skip, down
}

// decoderStage upsamples in, fuses it with skip and reduces back to filters
// channels. The skip must be exactly twice the resolution of in.
func (b *Builder) decoderStage(scope string, in, skip NodeID, filters int) (NodeID, error) {
	up := b.ConvTranspose(scope+"/up", in, filters)
	us, ss := b.Shape(up), b.Shape(skip)
	if us.H != ss.H || us.W != ss.W {
		return 0, &ValidationError{
			Reason: SkipResolutionMismatch,
			Shape:  []int{ss.H, ss.W, ss.C},
			Detail: fmt.Sprintf("%s upsampled to %dx%d, skip %q is %dx%d", scope, us.H, us.W, b.nodes[skip].Name, ss.H, ss.W),
		}
	}
	cat, err := b.Concat(scope+"/concat", up, skip)
	if err != nil {
		return 0, err
	}
	return b.convBlock(scope, cat, filters), nil
}

// projection maps every pixel to class probabilities with a 1x1 conv and softmax.
func (b *Builder) projection(in NodeID, classes int) NodeID {
	logits := b.Conv2D("head/conv", in, classes, 1, 1, "")
	return b.Softmax("head/softmax", logits)
}
