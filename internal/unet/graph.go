package unet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Op names a node operation.
type Op string

const (
	OpInput         Op = "input"
	OpConv2D        Op = "conv2d"
	OpConvTranspose Op = "conv2d_transpose"
	OpBatchNorm     Op = "batch_norm"
	OpReLU          Op = "relu"
	OpMaxPool       Op = "max_pool"
	OpConcat        Op = "concat"
	OpAdd           Op = "add"
	OpSoftmax       Op = "softmax"
)

// Padding policies.
const (
	PadSame  = "same"
	PadValid = "valid"
)

// NodeID indexes Graph.Nodes.
type NodeID int

// Shape is the per-sample (height, width, channels) of a feature tensor.
type Shape struct {
	H int `json:"h"`
	W int `json:"w"`
	C int `json:"c"`
}

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s.H, s.W, s.C) }

// Node is one feature tensor in the graph together with the op producing it.
type Node struct {
	ID         NodeID   `json:"id"`
	Name       string   `json:"name"`
	Op         Op       `json:"op"`
	Inputs     []NodeID `json:"inputs,omitempty"`
	Out        Shape    `json:"out"`
	Filters    int      `json:"filters,omitempty"`
	Kernel     int      `json:"kernel,omitempty"`
	Stride     int      `json:"stride,omitempty"`
	Padding    string   `json:"padding,omitempty"`
	Activation string   `json:"activation,omitempty"`
	// Frozen nodes carry pre-trained weights from an external extractor.
	Frozen bool `json:"frozen,omitempty"`
}

// ParamCount is the number of weights the node owns.
func (n Node) ParamCount(in Shape) int {
	switch n.Op {
	case OpConv2D, OpConvTranspose:
		return n.Kernel*n.Kernel*in.C*n.Filters + n.Filters
	case OpBatchNorm:
		return 4 * n.Out.C
	}
	return 0
}

// SkipPair records which encoder activation fed which decoder stage.
type SkipPair struct {
	Stage   int    `json:"stage"`
	Skip    NodeID `json:"skip"`
	Name    string `json:"name"`
	Shape   Shape  `json:"shape"`
	Filters int    `json:"filters"`
}

// Graph is an assembled encoder-decoder network. It is not modified after Build
// returns it.
type Graph struct {
	Name    string             `json:"name"`
	Config  ArchitectureConfig `json:"config"`
	Nodes   []Node             `json:"nodes"`
	Input   NodeID             `json:"input"`
	Output  NodeID             `json:"output"`
	Bridge  NodeID             `json:"bridge"`
	Skips   []SkipPair         `json:"skips"`
	Encoder string             `json:"encoder"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) Node { return g.Nodes[id] }

// InputShape is the shape of the input node.
func (g *Graph) InputShape() Shape { return g.Nodes[g.Input].Out }

// OutputShape is the shape of the per-pixel class probability map.
func (g *Graph) OutputShape() Shape { return g.Nodes[g.Output].Out }

// ParamCount sums the weights of every node.
func (g *Graph) ParamCount() int {
	total := 0
	for _, n := range g.Nodes {
		if len(n.Inputs) > 0 {
			total += n.ParamCount(g.Nodes[n.Inputs[0]].Out)
		}
	}
	return total
}

// Lookup finds a node by name.
func (g *Graph) Lookup(name string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Signature is a canonical description of the topology. Two graphs built from the
// same config have the same signature.
func (g *Graph) Signature() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s encoder=%s in=%d out=%d\n", g.Name, g.Encoder, g.Input, g.Output)
	for _, n := range g.Nodes {
		fmt.Fprintf(&sb, "%d %s %s %v %s f=%d k=%d s=%d p=%s a=%s frozen=%t\n",
			n.ID, n.Op, n.Name, n.Inputs, n.Out, n.Filters, n.Kernel, n.Stride, n.Padding, n.Activation, n.Frozen)
	}
	for _, s := range g.Skips {
		fmt.Fprintf(&sb, "skip %d <- %d %s %s f=%d\n", s.Stage, s.Skip, s.Name, s.Shape, s.Filters)
	}
	return sb.String()
}

// Digest is the hex sha256 of Signature.
func (g *Graph) Digest() string {
	sum := sha256.Sum256([]byte(g.Signature()))
	return hex.EncodeToString(sum[:])
}

// Summary is a compact description used by the CLI, API and store.
type Summary struct {
	Name           string     `json:"name"`
	Variant        Variant    `json:"variant"`
	Encoder        string     `json:"encoder"`
	Input          Shape      `json:"input"`
	Output         Shape      `json:"output"`
	Bridge         Shape      `json:"bridge"`
	Nodes          int        `json:"nodes"`
	Params         int        `json:"params"`
	FrozenNodes    int        `json:"frozen_nodes"`
	DecoderFilters []int      `json:"decoder_filters"`
	Skips          []SkipPair `json:"skips"`
	Digest         string     `json:"digest"`
}

// Summary describes the graph.
func (g *Graph) Summary() Summary {
	s := Summary{
		Name:    g.Name,
		Variant: g.Config.Variant,
		Encoder: g.Encoder,
		Input:   g.InputShape(),
		Output:  g.OutputShape(),
		Bridge:  g.Nodes[g.Bridge].Out,
		Nodes:   len(g.Nodes),
		Params:  g.ParamCount(),
		Skips:   g.Skips,
		Digest:  g.Digest(),
	}
	for _, n := range g.Nodes {
		if n.Frozen {
			s.FrozenNodes++
		}
	}
	for _, sp := range g.Skips {
		s.DecoderFilters = append(s.DecoderFilters, sp.Filters)
	}
	return s
}

// Builder appends nodes to a graph under construction and infers their shapes.
// Extractors use it to add their own layers.
type Builder struct {
	nodes []Node
	names map[string]NodeID
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]NodeID)}
}

func (b *Builder) add(n Node) NodeID {
	n.ID = NodeID(len(b.nodes))
	if n.Name == "" {
		n.Name = fmt.Sprintf("%s_%d", n.Op, n.ID)
	}
	if _, dup := b.names[n.Name]; dup {
		n.Name = fmt.Sprintf("%s_%d", n.Name, n.ID)
	}
	b.names[n.Name] = n.ID
	b.nodes = append(b.nodes, n)
	return n.ID
}

// Shape returns the output shape of a node.
func (b *Builder) Shape(id NodeID) Shape { return b.nodes[id].Out }

// Lookup finds a node by name.
func (b *Builder) Lookup(name string) (NodeID, bool) {
	id, ok := b.names[name]
	return id, ok
}

// Len is the number of nodes added so far.
func (b *Builder) Len() int { return len(b.nodes) }

// FreezeFrom marks every node from id onwards as carrying pre-trained weights.
func (b *Builder) FreezeFrom(id NodeID) {
	for i := int(id); i < len(b.nodes); i++ {
		b.nodes[i].Frozen = true
	}
}

// Input adds the graph input.
func (b *Builder) Input(name string, s Shape) NodeID {
	return b.add(Node{Name: name, Op: OpInput, Out: s})
}

func sameOut(in, stride int) int { return (in + stride - 1) / stride }

// Conv2D adds a learned kernel x kernel convolution with same padding.
func (b *Builder) Conv2D(name string, in NodeID, filters, kernel, stride int, activation string) NodeID {
	s := b.Shape(in)
	return b.add(Node{
		Name: name, Op: OpConv2D, Inputs: []NodeID{in},
		Out:     Shape{H: sameOut(s.H, stride), W: sameOut(s.W, stride), C: filters},
		Filters: filters, Kernel: kernel, Stride: stride, Padding: PadSame, Activation: activation,
	})
}

// ConvTranspose adds a learned 2x2 stride-2 transposed convolution that doubles
// height and width.
func (b *Builder) ConvTranspose(name string, in NodeID, filters int) NodeID {
	s := b.Shape(in)
	return b.add(Node{
		Name: name, Op: OpConvTranspose, Inputs: []NodeID{in},
		Out:     Shape{H: s.H * 2, W: s.W * 2, C: filters},
		Filters: filters, Kernel: 2, Stride: 2, Padding: PadSame,
	})
}

// BatchNorm adds a per-channel normalization.
func (b *Builder) BatchNorm(name string, in NodeID) NodeID {
	return b.add(Node{Name: name, Op: OpBatchNorm, Inputs: []NodeID{in}, Out: b.Shape(in)})
}

// ReLU adds a rectifier.
func (b *Builder) ReLU(name string, in NodeID) NodeID {
	return b.add(Node{Name: name, Op: OpReLU, Inputs: []NodeID{in}, Out: b.Shape(in)})
}

// MaxPool adds a size x size max reduction.
func (b *Builder) MaxPool(name string, in NodeID, size, stride int, padding string) NodeID {
	s := b.Shape(in)
	out := Shape{C: s.C}
	if padding == PadSame {
		out.H, out.W = sameOut(s.H, stride), sameOut(s.W, stride)
	} else {
		padding = PadValid
		out.H, out.W = (s.H-size)/stride+1, (s.W-size)/stride+1
	}
	return b.add(Node{
		Name: name, Op: OpMaxPool, Inputs: []NodeID{in}, Out: out,
		Kernel: size, Stride: stride, Padding: padding,
	})
}

// Concat joins two tensors along the channel axis. Height and width must match.
func (b *Builder) Concat(name string, x, y NodeID) (NodeID, error) {
	sx, sy := b.Shape(x), b.Shape(y)
	if sx.H != sy.H || sx.W != sy.W {
		return 0, fmt.Errorf("concat %s: shape mismatch: %s vs %s", name, sx, sy)
	}
	return b.add(Node{
		Name: name, Op: OpConcat, Inputs: []NodeID{x, y},
		Out: Shape{H: sx.H, W: sx.W, C: sx.C + sy.C},
	}), nil
}

// Add sums two tensors of identical shape.
func (b *Builder) Add(name string, x, y NodeID) (NodeID, error) {
	if b.Shape(x) != b.Shape(y) {
		return 0, fmt.Errorf("add %s: shape mismatch: %s vs %s", name, b.Shape(x), b.Shape(y))
	}
	return b.add(Node{Name: name, Op: OpAdd, Inputs: []NodeID{x, y}, Out: b.Shape(x)}), nil
}

// Softmax normalizes the channel vector of every pixel into probabilities.
func (b *Builder) Softmax(name string, in NodeID) NodeID {
	return b.add(Node{Name: name, Op: OpSoftmax, Inputs: []NodeID{in}, Out: b.Shape(in)})
}

func (b *Builder) nodesCopy() []Node {
	out := make([]Node, len(b.nodes))
	for i, n := range b.nodes {
		n.Inputs = append([]NodeID(nil), n.Inputs...)
		out[i] = n
	}
	return out
}
