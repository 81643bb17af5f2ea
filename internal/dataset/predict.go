package dataset

import (
	"errors"
	"fmt"

	"geoseg/internal/tensor"
)

// ClassBand is the band holding reference classifications.
const ClassBand = "classes"

func checkDims(dims []int) error {
	if len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
		return fmt.Errorf("dims must be two positive integers, got %v", dims)
	}
	return nil
}

// PredictionDataset reads patch files and stacks the given bands of every
// record into a batch of one. No labels are produced.
func PredictionDataset(files []string, dims []int, bands []string) ([]Batch, error) {
	if err := checkDims(dims); err != nil {
		return nil, err
	}
	if len(bands) == 0 {
		return nil, errors.New("no bands requested")
	}
	recs, err := ReadFiles(files)
	if err != nil {
		return nil, err
	}
	h, w := dims[0], dims[1]
	out := make([]Batch, 0, len(recs))
	for i, rec := range recs {
		stack := make([][]float64, len(bands))
		for j, b := range bands {
			vals, ok := rec[b]
			if !ok {
				return nil, fmt.Errorf("record %d: missing band %q", i, b)
			}
			stack[j] = vals
		}
		x, err := tensor.Stack(stack, h, w)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, Batch{X: x})
	}
	return out, nil
}

// ClassMap is the reference classification of one patch.
type ClassMap struct {
	Labels []int
	OneHot *tensor.Tensor
}

// PredictionClasses reads the reference classifications from patch files for
// cross-checking predictions. The "classes" band must be among bands. With
// oneHot, each map is also expanded to classes channels.
func PredictionClasses(files []string, dims []int, bands []string, oneHot bool, classes int) ([]ClassMap, error) {
	if err := checkDims(dims); err != nil {
		return nil, err
	}
	found := false
	for _, b := range bands {
		if b == ClassBand {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("bands %v do not include %q", bands, ClassBand)
	}
	if oneHot && classes <= 0 {
		return nil, fmt.Errorf("one-hot classes need a positive class count, got %d", classes)
	}
	recs, err := ReadFiles(files)
	if err != nil {
		return nil, err
	}
	h, w := dims[0], dims[1]
	out := make([]ClassMap, 0, len(recs))
	for i, rec := range recs {
		vals, ok := rec[ClassBand]
		if !ok {
			return nil, fmt.Errorf("record %d: missing band %q", i, ClassBand)
		}
		if len(vals) != h*w {
			return nil, fmt.Errorf("record %d: %d class values, want %d", i, len(vals), h*w)
		}
		cm := ClassMap{Labels: make([]int, len(vals))}
		for j, v := range vals {
			cm.Labels[j] = int(v)
		}
		if oneHot {
			if cm.OneHot, err = tensor.OneHot(cm.Labels, h, w, classes); err != nil {
				return nil, err
			}
		}
		out = append(out, cm)
	}
	return out, nil
}
