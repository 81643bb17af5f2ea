package unet

import (
	"math"

	"geoseg/internal/tensor"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const bnEpsilon = 1e-3

// samePad returns the leading padding of a "same" convolution along one axis.
func samePad(in, kernel, stride int) int {
	out := sameOut(in, stride)
	total := (out-1)*stride + kernel - in
	if total < 0 {
		total = 0
	}
	return total / 2
}

// im2col lays out every kernel window of x as one row, ordered (dy, dx, channel).
// Positions outside the input are zero.
func im2col(x *tensor.Tensor, kernel, stride int) (*mat.Dense, int, int) {
	n, h, w, c := x.Dims()
	oh, ow := sameOut(h, stride), sameOut(w, stride)
	padT, padL := samePad(h, kernel, stride), samePad(w, kernel, stride)
	cols := kernel * kernel * c
	data := make([]float64, n*oh*ow*cols)
	row := 0
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				dst := data[row*cols : (row+1)*cols]
				for dy := 0; dy < kernel; dy++ {
					iy := oy*stride + dy - padT
					if iy < 0 || iy >= h {
						continue
					}
					for dx := 0; dx < kernel; dx++ {
						ix := ox*stride + dx - padL
						if ix < 0 || ix >= w {
							continue
						}
						off := (dy*kernel + dx) * c
						copy(dst[off:off+c], x.Pixel(b, iy, ix))
					}
				}
				row++
			}
		}
	}
	return mat.NewDense(n*oh*ow, cols, data), oh, ow
}

func conv2D(x *tensor.Tensor, n Node, lp *LayerParams) *tensor.Tensor {
	batch := x.Shape[0]
	var cols *mat.Dense
	oh, ow := x.Shape[1], x.Shape[2]
	if n.Kernel == 1 && n.Stride == 1 {
		cols = x.Rows()
	} else {
		cols, oh, ow = im2col(x, n.Kernel, n.Stride)
	}
	out := tensor.New(batch, oh, ow, n.Filters)
	res := out.Rows()
	res.Mul(cols, lp.W)
	for p := 0; p < batch*oh*ow; p++ {
		px := out.Data[p*n.Filters : (p+1)*n.Filters]
		floats.Add(px, lp.B)
	}
	if n.Activation == "relu" {
		relu(out)
	}
	return out
}

// convTranspose computes a kernel x kernel, stride = kernel transposed
// convolution. Windows never overlap so each input pixel writes its own block.
func convTranspose(x *tensor.Tensor, n Node, lp *LayerParams) *tensor.Tensor {
	batch, h, w, _ := x.Dims()
	k, f := n.Kernel, n.Filters
	var prod mat.Dense
	prod.Mul(x.Rows(), lp.W)
	out := tensor.New(batch, h*k, w*k, f)
	row := 0
	for b := 0; b < batch; b++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				src := prod.RawRowView(row)
				for dy := 0; dy < k; dy++ {
					for dx := 0; dx < k; dx++ {
						dst := out.Pixel(b, y*k+dy, xx*k+dx)
						off := (dy*k + dx) * f
						copy(dst, src[off:off+f])
						floats.Add(dst, lp.B)
					}
				}
				row++
			}
		}
	}
	return out
}

// batchNorm normalises each channel with the stored moving statistics, or with
// the statistics of the current batch when batchStats is set.
func batchNorm(x *tensor.Tensor, lp *LayerParams, batchStats bool) *tensor.Tensor {
	out := x.Clone()
	_, _, _, c := x.Dims()
	pixels := x.Len() / c
	mean, variance := lp.Mean, lp.Var
	if batchStats {
		mean, variance = make([]float64, c), make([]float64, c)
		col := make([]float64, pixels)
		for ch := 0; ch < c; ch++ {
			for p := 0; p < pixels; p++ {
				col[p] = x.Data[p*c+ch]
			}
			m, v := stat.PopMeanVariance(col, nil)
			mean[ch], variance[ch] = m, v
		}
	}
	scale := make([]float64, c)
	shift := make([]float64, c)
	for ch := 0; ch < c; ch++ {
		scale[ch] = lp.Gamma[ch] / math.Sqrt(variance[ch]+bnEpsilon)
		shift[ch] = lp.Beta[ch] - mean[ch]*scale[ch]
	}
	for p := 0; p < pixels; p++ {
		px := out.Data[p*c : (p+1)*c]
		floats.Mul(px, scale)
		floats.Add(px, shift)
	}
	return out
}

func relu(t *tensor.Tensor) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
}

func maxPool(x *tensor.Tensor, n Node) *tensor.Tensor {
	batch, h, w, c := x.Dims()
	var oh, ow, padT, padL int
	if n.Padding == PadSame {
		oh, ow = sameOut(h, n.Stride), sameOut(w, n.Stride)
		padT, padL = samePad(h, n.Kernel, n.Stride), samePad(w, n.Kernel, n.Stride)
	} else {
		oh, ow = (h-n.Kernel)/n.Stride+1, (w-n.Kernel)/n.Stride+1
	}
	out := tensor.New(batch, oh, ow, c)
	for b := 0; b < batch; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				dst := out.Pixel(b, oy, ox)
				for i := range dst {
					dst[i] = math.Inf(-1)
				}
				for dy := 0; dy < n.Kernel; dy++ {
					iy := oy*n.Stride + dy - padT
					if iy < 0 || iy >= h {
						continue
					}
					for dx := 0; dx < n.Kernel; dx++ {
						ix := ox*n.Stride + dx - padL
						if ix < 0 || ix >= w {
							continue
						}
						for ch, v := range x.Pixel(b, iy, ix) {
							if v > dst[ch] {
								dst[ch] = v
							}
						}
					}
				}
			}
		}
	}
	return out
}

func add(x, y *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	floats.Add(out.Data, y.Data)
	return out
}

// Softmax returns per-pixel class probabilities of a logits tensor. Every
// channel vector of the result is non-negative and sums to one.
func Softmax(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	c := x.Shape[3]
	for p := 0; p < x.Len()/c; p++ {
		px := out.Data[p*c : (p+1)*c]
		lse := floats.LogSumExp(px)
		for i, v := range px {
			px[i] = math.Exp(v - lse)
		}
	}
	return out
}
