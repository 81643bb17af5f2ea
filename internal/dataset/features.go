// Package dataset turns exported image patches into batches for the network:
// feature selection, train/test/validation splits, parsing, one-hot labels and
// batching.
package dataset

import (
	"errors"
	"fmt"
)

// FeatureKind is the value type of one band.
type FeatureKind int

const (
	Float FeatureKind = iota
	Int
)

func (k FeatureKind) String() string {
	if k == Int {
		return "int64"
	}
	return "float32"
}

// FeatureSpec describes one fixed-length band of a patch record.
type FeatureSpec struct {
	Name string      `json:"name"`
	Dims [2]int      `json:"dims"`
	Kind FeatureKind `json:"kind"`
}

// Size is the number of values the band holds.
func (f FeatureSpec) Size() int { return f.Dims[0] * f.Dims[1] }

// FeaturesDict maps band names to fixed-length features of the given patch
// dimensions and keeps only the bands of interest, in that order. The class
// label is appended as an integer feature. Bands of interest that are not in
// bands are returned as unknown.
func FeaturesDict(bands []string, classLabel string, bandsOfInterest []string, dims []int) ([]FeatureSpec, []string, error) {
	if classLabel == "" {
		return nil, nil, errors.New("features: class label must be set")
	}
	if len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
		return nil, nil, fmt.Errorf("features: dims must be two positive integers, got %v", dims)
	}
	d := [2]int{dims[0], dims[1]}

	known := make(map[string]FeatureKind, len(bands)+1)
	for _, b := range bands {
		known[b] = Float
	}
	known[classLabel] = Int

	var specs []FeatureSpec
	var unknown []string
	seen := make(map[string]bool)
	for _, name := range append(append([]string(nil), bandsOfInterest...), classLabel) {
		if seen[name] {
			continue
		}
		seen[name] = true
		kind, ok := known[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		specs = append(specs, FeatureSpec{Name: name, Dims: d, Kind: kind})
	}
	return specs, unknown, nil
}
