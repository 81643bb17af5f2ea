package unet

import (
	"fmt"

	"geoseg/internal/tensor"
)

// Executor runs a forward pass of a built graph.
type Executor struct {
	graph      *Graph
	params     *Params
	batchStats bool
	uses       []int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBatchStatistics normalises with the statistics of each input batch
// instead of the stored moving averages.
func WithBatchStatistics() ExecutorOption {
	return func(e *Executor) { e.batchStats = true }
}

// NewExecutor checks that params cover every learned node of g.
func NewExecutor(g *Graph, p *Params, opts ...ExecutorOption) (*Executor, error) {
	if g == nil || p == nil {
		return nil, fmt.Errorf("executor: graph and params are required")
	}
	e := &Executor{graph: g, params: p, uses: make([]int, len(g.Nodes))}
	for _, n := range g.Nodes {
		switch n.Op {
		case OpConv2D, OpConvTranspose, OpBatchNorm:
			if p.Layer(n.ID) == nil {
				return nil, fmt.Errorf("executor: no weights for %s", n.Name)
			}
		}
		for _, in := range n.Inputs {
			e.uses[in]++
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Forward maps an N x H x W x C batch to N x H x W x classes probabilities.
func (e *Executor) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("executor: input must be 4-D, got %v", x.Shape)
	}
	want := e.graph.InputShape()
	if x.Shape[1] != want.H || x.Shape[2] != want.W || x.Shape[3] != want.C {
		return nil, fmt.Errorf("executor: input %v does not match %s", x.Shape[1:], want)
	}

	acts := make([]*tensor.Tensor, len(e.graph.Nodes))
	remaining := append([]int(nil), e.uses...)
	for _, n := range e.graph.Nodes {
		var in []*tensor.Tensor
		for _, id := range n.Inputs {
			in = append(in, acts[id])
		}
		out, err := e.eval(n, x, in)
		if err != nil {
			return nil, fmt.Errorf("executor: %s: %w", n.Name, err)
		}
		acts[n.ID] = out
		// Drop activations once their last consumer has run.
		for _, id := range n.Inputs {
			remaining[id]--
			if remaining[id] == 0 && id != e.graph.Output {
				acts[id] = nil
			}
		}
	}
	return acts[e.graph.Output], nil
}

func (e *Executor) eval(n Node, x *tensor.Tensor, in []*tensor.Tensor) (*tensor.Tensor, error) {
	lp := e.params.Layer(n.ID)
	switch n.Op {
	case OpInput:
		return x, nil
	case OpConv2D:
		return conv2D(in[0], n, lp), nil
	case OpConvTranspose:
		return convTranspose(in[0], n, lp), nil
	case OpBatchNorm:
		return batchNorm(in[0], lp, e.batchStats), nil
	case OpReLU:
		out := in[0].Clone()
		relu(out)
		return out, nil
	case OpMaxPool:
		return maxPool(in[0], n), nil
	case OpConcat:
		return tensor.Concat(in...)
	case OpAdd:
		if !tensor.SameSpatial(in[0], in[1]) || in[0].Shape[3] != in[1].Shape[3] {
			return nil, fmt.Errorf("add: shape mismatch: %v vs %v", in[0].Shape, in[1].Shape)
		}
		return add(in[0], in[1]), nil
	case OpSoftmax:
		return Softmax(in[0]), nil
	}
	return nil, fmt.Errorf("unsupported op %q", n.Op)
}

// Predict returns the most probable class of every pixel, in NHW order.
func (e *Executor) Predict(x *tensor.Tensor) ([]int, error) {
	probs, err := e.Forward(x)
	if err != nil {
		return nil, err
	}
	return tensor.ArgMax(probs), nil
}
