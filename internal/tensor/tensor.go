package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a 4-D NHWC array backed by a flat []float64.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a zeroed Tensor of the given shape (batch, height, width, channels).
func New(n, h, w, c int) *Tensor {
	if n <= 0 || h <= 0 || w <= 0 || c <= 0 {
		panic(fmt.Sprintf("New: invalid shape [%d %d %d %d]", n, h, w, c))
	}
	return &Tensor{
		Data:  make([]float64, n*h*w*c),
		Shape: []int{n, h, w, c},
	}
}

// FromData wraps data as a tensor of the given shape. The slice is copied.
func FromData(data []float64, n, h, w, c int) (*Tensor, error) {
	if len(data) != n*h*w*c {
		return nil, fmt.Errorf("data length %d does not match shape [%d %d %d %d]", len(data), n, h, w, c)
	}
	t := New(n, h, w, c)
	copy(t.Data, data)
	return t, nil
}

// Dims returns batch, height, width and channels.
func (t *Tensor) Dims() (n, h, w, c int) {
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
	return out
}

func (t *Tensor) index(b, y, x, ch int) int {
	n, h, w, c := t.Dims()
	if b < 0 || b >= n || y < 0 || y >= h || x < 0 || x >= w || ch < 0 || ch >= c {
		panic(fmt.Sprintf("index [%d %d %d %d] out of bounds for shape %v", b, y, x, ch, t.Shape))
	}
	return ((b*h+y)*w+x)*c + ch
}

// At returns the element at (batch, y, x, channel).
func (t *Tensor) At(b, y, x, ch int) float64 {
	return t.Data[t.index(b, y, x, ch)]
}

// Set stores v at (batch, y, x, channel).
func (t *Tensor) Set(v float64, b, y, x, ch int) {
	t.Data[t.index(b, y, x, ch)] = v
}

// Pixel returns the channel vector at (batch, y, x). The slice aliases the tensor.
func (t *Tensor) Pixel(b, y, x int) []float64 {
	i := t.index(b, y, x, 0)
	return t.Data[i : i+t.Shape[3]]
}

// Rows views the tensor as an (N*H*W) x C matrix sharing storage.
func (t *Tensor) Rows() *mat.Dense {
	n, h, w, c := t.Dims()
	return mat.NewDense(n*h*w, c, t.Data)
}

// SameSpatial reports whether a and b have equal batch, height and width.
func SameSpatial(a, b *Tensor) bool {
	return a.Shape[0] == b.Shape[0] && a.Shape[1] == b.Shape[1] && a.Shape[2] == b.Shape[2]
}

// Concat joins tensors along the channel axis.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	total := 0
	for _, t := range ts {
		if !SameSpatial(ts[0], t) {
			return nil, fmt.Errorf("concat: shape mismatch: %v vs %v", ts[0].Shape, t.Shape)
		}
		total += t.Shape[3]
	}
	n, h, w, _ := ts[0].Dims()
	out := New(n, h, w, total)
	for p := 0; p < n*h*w; p++ {
		off := p * total
		for _, t := range ts {
			c := t.Shape[3]
			copy(out.Data[off:off+c], t.Data[p*c:(p+1)*c])
			off += c
		}
	}
	return out, nil
}

// Stack builds a single-image tensor from per-band rasters of h*w values each,
// in band order.
func Stack(bands [][]float64, h, w int) (*Tensor, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("stack: no bands")
	}
	out := New(1, h, w, len(bands))
	for ch, band := range bands {
		if len(band) != h*w {
			return nil, fmt.Errorf("stack: band %d has %d values, want %d", ch, len(band), h*w)
		}
		for i, v := range band {
			out.Data[i*len(bands)+ch] = v
		}
	}
	return out, nil
}

// OneHot expands integer labels (h*w values) into a 1 x h x w x depth tensor.
// Labels outside [0, depth) produce an all-zero pixel.
func OneHot(labels []int, h, w, depth int) (*Tensor, error) {
	if len(labels) != h*w {
		return nil, fmt.Errorf("one-hot: %d labels, want %d", len(labels), h*w)
	}
	out := New(1, h, w, depth)
	for i, l := range labels {
		if l >= 0 && l < depth {
			out.Data[i*depth+l] = 1
		}
	}
	return out, nil
}

// Batch concatenates single- or multi-image tensors along the batch axis.
func Batch(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("batch: no tensors")
	}
	_, h, w, c := ts[0].Dims()
	n := 0
	for _, t := range ts {
		_, th, tw, tc := t.Dims()
		if th != h || tw != w || tc != c {
			return nil, fmt.Errorf("batch: shape mismatch: %v vs %v", ts[0].Shape, t.Shape)
		}
		n += t.Shape[0]
	}
	out := New(n, h, w, c)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out, nil
}

// ArgMax returns the index of the largest channel for every pixel, in NHW order.
func ArgMax(t *Tensor) []int {
	n, h, w, c := t.Dims()
	out := make([]int, n*h*w)
	for p := range out {
		px := t.Data[p*c : (p+1)*c]
		best := 0
		for i, v := range px {
			if v > px[best] {
				best = i
			}
		}
		out[p] = best
	}
	return out
}
