package dataset

import (
	"context"
	"fmt"
	"sync"

	"geoseg/internal/tensor"
)

// DefaultParallelCalls is the number of records parsed concurrently.
const DefaultParallelCalls = 5

// Example is one parsed patch: H x W x bands inputs and H x W x classes
// one-hot labels.
type Example struct {
	X *tensor.Tensor
	Y *tensor.Tensor
}

// Batch stacks examples along the batch axis. Y is nil for prediction data.
type Batch struct {
	X *tensor.Tensor
	Y *tensor.Tensor
}

// Size is the number of examples in the batch.
func (b Batch) Size() int { return b.X.Shape[0] }

// BatchSizes configures Prepare. Valid zero means the test batch size.
type BatchSizes struct {
	Train, Test, Valid int
}

// Prepared holds the batched subsets.
type Prepared struct {
	Train, Test, Valid []Batch
}

// Preparer parses patch records against a features dict and one-hot encodes
// the class band.
type Preparer struct {
	Features      []FeatureSpec
	Classes       int
	ClassLabel    string
	ParallelCalls int
	ShuffleBuffer int
	Seed          uint64
}

// Parse converts one record into an example. Input bands are stacked in the
// order of Features.
func (p *Preparer) Parse(rec Record) (Example, error) {
	var bands [][]float64
	var labels []int
	var h, w int
	for _, f := range p.Features {
		h, w = f.Dims[0], f.Dims[1]
		vals, ok := rec[f.Name]
		if !ok {
			return Example{}, fmt.Errorf("missing band %q", f.Name)
		}
		if len(vals) != f.Size() {
			return Example{}, fmt.Errorf("band %q has %d values, want %d", f.Name, len(vals), f.Size())
		}
		if f.Name == p.ClassLabel {
			labels = make([]int, len(vals))
			for i, v := range vals {
				labels[i] = int(v)
			}
			continue
		}
		bands = append(bands, vals)
	}
	if labels == nil {
		return Example{}, fmt.Errorf("features have no %q label band", p.ClassLabel)
	}
	x, err := tensor.Stack(bands, h, w)
	if err != nil {
		return Example{}, err
	}
	y, err := tensor.OneHot(labels, h, w, p.Classes)
	if err != nil {
		return Example{}, err
	}
	return Example{X: x, Y: y}, nil
}

// parseAll runs Parse over recs on a pool of workers, keeping input order.
func (p *Preparer) parseAll(ctx context.Context, recs []Record) ([]Example, error) {
	workers := p.ParallelCalls
	if workers <= 0 {
		workers = DefaultParallelCalls
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]Example, len(recs))
	idx := make(chan int)
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range idx {
				ex, err := p.Parse(recs[j])
				if err != nil {
					once.Do(func() {
						firstErr = fmt.Errorf("record %d: %w", j, err)
						cancel()
					})
					continue
				}
				out[j] = ex
			}
		}()
	}
feed:
	for j := range recs {
		select {
		case <-ctx.Done():
			break feed
		case idx <- j:
		}
	}
	close(idx)
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Preparer) batches(ctx context.Context, recs []Record, size int) ([]Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	examples, err := p.parseAll(ctx, recs)
	if err != nil {
		return nil, err
	}
	buffer := p.ShuffleBuffer
	if buffer <= 0 {
		buffer = DefaultShuffleBuffer
	}
	examples = Shuffle(examples, buffer, p.Seed)
	return MakeBatches(examples, size)
}

// MakeBatches groups examples into batches of size; the last may be smaller.
func MakeBatches(examples []Example, size int) ([]Batch, error) {
	var out []Batch
	for start := 0; start < len(examples); start += size {
		end := min(start+size, len(examples))
		xs := make([]*tensor.Tensor, 0, end-start)
		ys := make([]*tensor.Tensor, 0, end-start)
		for _, ex := range examples[start:end] {
			xs = append(xs, ex.X)
			if ex.Y != nil {
				ys = append(ys, ex.Y)
			}
		}
		x, err := tensor.Batch(xs...)
		if err != nil {
			return nil, err
		}
		b := Batch{X: x}
		if len(ys) > 0 {
			if b.Y, err = tensor.Batch(ys...); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// Prepare parses, shuffles and batches the subsets. valid may be nil.
func (p *Preparer) Prepare(ctx context.Context, train, test, valid []Record, sizes BatchSizes) (Prepared, error) {
	var res Prepared
	var err error
	if p.Classes <= 0 {
		return res, fmt.Errorf("prepare: classes must be positive, got %d", p.Classes)
	}
	if res.Train, err = p.batches(ctx, train, sizes.Train); err != nil {
		return res, fmt.Errorf("prepare train: %w", err)
	}
	if res.Test, err = p.batches(ctx, test, sizes.Test); err != nil {
		return res, fmt.Errorf("prepare test: %w", err)
	}
	if valid == nil {
		return res, nil
	}
	vs := sizes.Valid
	if vs == 0 {
		vs = sizes.Test
	}
	if res.Valid, err = p.batches(ctx, valid, vs); err != nil {
		return res, fmt.Errorf("prepare valid: %w", err)
	}
	return res, nil
}
