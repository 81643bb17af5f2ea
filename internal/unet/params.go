package unet

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// LayerParams holds the weights of one node.
//
// Conv2D: W is (kernel*kernel*in) x filters, rows ordered (dy, dx, channel).
// ConvTranspose: W is in x (kernel*kernel*filters), columns ordered (dy, dx, filter).
// BatchNorm: Gamma, Beta, Mean and Var per channel.
type LayerParams struct {
	W     *mat.Dense
	B     []float64
	Gamma []float64
	Beta  []float64
	Mean  []float64
	Var   []float64
}

// Params maps graph nodes to their weights.
type Params struct {
	layers map[NodeID]*LayerParams
}

// Layer returns the weights of a node, or nil if it has none.
func (p *Params) Layer(id NodeID) *LayerParams { return p.layers[id] }

// Len is the number of nodes with weights.
func (p *Params) Len() int { return len(p.layers) }

func weightDims(g *Graph, n Node) (rows, cols int) {
	in := g.Nodes[n.Inputs[0]].Out
	switch n.Op {
	case OpConv2D:
		return n.Kernel * n.Kernel * in.C, n.Filters
	case OpConvTranspose:
		return in.C, n.Kernel * n.Kernel * n.Filters
	}
	return 0, 0
}

// InitParams draws He-normal weights for every learned node, zero biases and
// identity batch norm statistics. The same seed gives the same weights.
func InitParams(g *Graph, seed uint64) *Params {
	src := rand.NewSource(seed)
	p := &Params{layers: make(map[NodeID]*LayerParams)}
	for _, n := range g.Nodes {
		switch n.Op {
		case OpConv2D, OpConvTranspose:
			rows, cols := weightDims(g, n)
			fanIn := rows
			if n.Op == OpConvTranspose {
				fanIn = rows * n.Kernel * n.Kernel
			}
			dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(fanIn)), Src: src}
			data := make([]float64, rows*cols)
			for i := range data {
				data[i] = dist.Rand()
			}
			p.layers[n.ID] = &LayerParams{W: mat.NewDense(rows, cols, data), B: make([]float64, n.Filters)}
		case OpBatchNorm:
			c := n.Out.C
			lp := &LayerParams{
				Gamma: make([]float64, c),
				Beta:  make([]float64, c),
				Mean:  make([]float64, c),
				Var:   make([]float64, c),
			}
			for i := 0; i < c; i++ {
				lp.Gamma[i] = 1
				lp.Var[i] = 1
			}
			p.layers[n.ID] = lp
		}
	}
	return p
}

// WeightData is one serialised array.
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// LayerWeight groups the arrays of one layer.
type LayerWeight struct {
	Weight *WeightData `json:"weight,omitempty"`
	Bias   *WeightData `json:"bias,omitempty"`
	Gamma  *WeightData `json:"gamma,omitempty"`
	Beta   *WeightData `json:"beta,omitempty"`
	Mean   *WeightData `json:"moving_mean,omitempty"`
	Var    *WeightData `json:"moving_variance,omitempty"`
}

// ModelWeights is the on-disk weights file, keyed by node name.
type ModelWeights struct {
	Version string                 `json:"version"`
	Model   string                 `json:"model"`
	Digest  string                 `json:"digest"`
	Layers  map[string]LayerWeight `json:"layers"`
}

const weightsVersion = "geoseg.weights.v1"

func vec(name string, v []float64) *WeightData {
	return &WeightData{Name: name, Shape: []int{len(v)}, Data: append([]float64(nil), v...)}
}

// Export converts the params of g into a serialisable form.
func (p *Params) Export(g *Graph) *ModelWeights {
	mw := &ModelWeights{Version: weightsVersion, Model: g.Name, Digest: g.Digest(), Layers: make(map[string]LayerWeight)}
	for _, n := range g.Nodes {
		lp := p.layers[n.ID]
		if lp == nil {
			continue
		}
		var lw LayerWeight
		if lp.W != nil {
			in := g.Nodes[n.Inputs[0]].Out
			shape := []int{n.Kernel, n.Kernel, in.C, n.Filters}
			if n.Op == OpConvTranspose {
				shape = []int{in.C, n.Kernel, n.Kernel, n.Filters}
			}
			rows, cols := lp.W.Dims()
			data := make([]float64, 0, rows*cols)
			for r := 0; r < rows; r++ {
				data = append(data, lp.W.RawRowView(r)...)
			}
			lw.Weight = &WeightData{Name: n.Name + "/kernel", Shape: shape, Data: data}
			lw.Bias = vec(n.Name+"/bias", lp.B)
		}
		if lp.Gamma != nil {
			lw.Gamma = vec(n.Name+"/gamma", lp.Gamma)
			lw.Beta = vec(n.Name+"/beta", lp.Beta)
			lw.Mean = vec(n.Name+"/moving_mean", lp.Mean)
			lw.Var = vec(n.Name+"/moving_variance", lp.Var)
		}
		mw.Layers[n.Name] = lw
	}
	return mw
}

// Import overwrites params from a weights file. Layers missing from the file
// keep their current values. Every size is checked before anything is copied,
// so a mismatch leaves p unchanged.
func (p *Params) Import(g *Graph, mw *ModelWeights) (int, error) {
	type update struct {
		lp *LayerParams
		lw LayerWeight
	}
	var updates []update
	for _, n := range g.Nodes {
		lw, ok := mw.Layers[n.Name]
		lp := p.layers[n.ID]
		if !ok || lp == nil {
			continue
		}
		if err := checkLayer(n.Name, lp, lw); err != nil {
			return 0, err
		}
		updates = append(updates, update{lp, lw})
	}
	for _, u := range updates {
		lp, lw := u.lp, u.lw
		if lw.Weight != nil && lp.W != nil {
			rows, cols := lp.W.Dims()
			lp.W = mat.NewDense(rows, cols, append([]float64(nil), lw.Weight.Data...))
			copyVec(lp.B, lw.Bias)
		}
		if lp.Gamma != nil {
			copyVec(lp.Gamma, lw.Gamma)
			copyVec(lp.Beta, lw.Beta)
			copyVec(lp.Mean, lw.Mean)
			copyVec(lp.Var, lw.Var)
		}
	}
	return len(updates), nil
}

func checkLayer(name string, lp *LayerParams, lw LayerWeight) error {
	if lw.Weight != nil && lp.W != nil {
		rows, cols := lp.W.Dims()
		if len(lw.Weight.Data) != rows*cols {
			return fmt.Errorf("layer %s: kernel has %d values, want %d", name, len(lw.Weight.Data), rows*cols)
		}
		if err := checkVec(name, "bias", lp.B, lw.Bias); err != nil {
			return err
		}
	}
	if lp.Gamma != nil {
		for _, pair := range []struct {
			field string
			dst   []float64
			src   *WeightData
		}{{"gamma", lp.Gamma, lw.Gamma}, {"beta", lp.Beta, lw.Beta}, {"moving_mean", lp.Mean, lw.Mean}, {"moving_variance", lp.Var, lw.Var}} {
			if err := checkVec(name, pair.field, pair.dst, pair.src); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkVec(layer, field string, dst []float64, src *WeightData) error {
	if src != nil && len(src.Data) != len(dst) {
		return fmt.Errorf("layer %s: %s has %d values, want %d", layer, field, len(src.Data), len(dst))
	}
	return nil
}

func copyVec(dst []float64, src *WeightData) {
	if src != nil {
		copy(dst, src.Data)
	}
}

// SaveWeights writes params of g to a JSON file.
func SaveWeights(path string, g *Graph, p *Params) error {
	data, err := json.Marshal(p.Export(g))
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadWeights reads a JSON weights file.
func LoadWeights(path string) (*ModelWeights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var mw ModelWeights
	if err := json.Unmarshal(data, &mw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if mw.Version != weightsVersion {
		return nil, fmt.Errorf("unsupported weights version %q", mw.Version)
	}
	return &mw, nil
}
