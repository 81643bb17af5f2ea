// Package metrics cross-checks predicted class maps against reference
// classifications.
package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// Metric names accepted by Report.
const (
	MetricErrorMatrix = "error_matrix"
	MetricAccuracy    = "test_accuracy"
	MetricKappa       = "kappa_coefficient"
	MetricProducers   = "producers_accuracy"
	MetricConsumers   = "consumers_accuracy"
)

// DefaultDecimalPlaces is the rounding used when none is given.
const DefaultDecimalPlaces = 4

// ErrorMatrix counts reference classes (rows) against predicted classes
// (columns).
type ErrorMatrix struct {
	classes int
	counts  *mat.Dense
}

// NewErrorMatrix returns an empty matrix for classes labels.
func NewErrorMatrix(classes int) (*ErrorMatrix, error) {
	if classes <= 0 {
		return nil, fmt.Errorf("classes must be positive, got %d", classes)
	}
	return &ErrorMatrix{classes: classes, counts: mat.NewDense(classes, classes, nil)}, nil
}

// Compare builds an error matrix from paired labels.
func Compare(reference, predicted []int, classes int) (*ErrorMatrix, error) {
	m, err := NewErrorMatrix(classes)
	if err != nil {
		return nil, err
	}
	if err := m.Add(reference, predicted); err != nil {
		return nil, err
	}
	return m, nil
}

// Add accumulates paired labels. Nothing is counted if any label is out of range.
func (m *ErrorMatrix) Add(reference, predicted []int) error {
	if len(reference) != len(predicted) {
		return fmt.Errorf("reference has %d labels, prediction %d", len(reference), len(predicted))
	}
	for i := range reference {
		if r, p := reference[i], predicted[i]; r < 0 || r >= m.classes || p < 0 || p >= m.classes {
			return fmt.Errorf("label pair %d (%d, %d) outside [0, %d)", i, r, p, m.classes)
		}
	}
	for i := range reference {
		r, p := reference[i], predicted[i]
		m.counts.Set(r, p, m.counts.At(r, p)+1)
	}
	return nil
}

// Classes is the matrix dimension.
func (m *ErrorMatrix) Classes() int { return m.classes }

// Counts returns a copy of the matrix as rows of integers.
func (m *ErrorMatrix) Counts() [][]int {
	out := make([][]int, m.classes)
	for r := range out {
		out[r] = make([]int, m.classes)
		for c := range out[r] {
			out[r][c] = int(m.counts.At(r, c))
		}
	}
	return out
}

// Total is the number of counted pixels.
func (m *ErrorMatrix) Total() float64 { return mat.Sum(m.counts) }

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Accuracy is the fraction of pixels on the diagonal.
func (m *ErrorMatrix) Accuracy() float64 {
	return safeDiv(mat.Trace(m.counts), m.Total())
}

func (m *ErrorMatrix) marginals() (rows, cols []float64) {
	rows = make([]float64, m.classes)
	cols = make([]float64, m.classes)
	for i := 0; i < m.classes; i++ {
		rows[i] = mat.Sum(m.counts.RowView(i))
		cols[i] = mat.Sum(m.counts.ColView(i))
	}
	return rows, cols
}

// Kappa is Cohen's kappa coefficient.
func (m *ErrorMatrix) Kappa() float64 {
	total := m.Total()
	if total == 0 {
		return 0
	}
	rows, cols := m.marginals()
	expected := 0.0
	for i := range rows {
		expected += rows[i] * cols[i]
	}
	expected /= total * total
	return safeDiv(m.Accuracy()-expected, 1-expected)
}

// ProducersAccuracy is, per reference class, the fraction correctly predicted.
func (m *ErrorMatrix) ProducersAccuracy() []float64 {
	rows, _ := m.marginals()
	out := make([]float64, m.classes)
	for i := range out {
		out[i] = safeDiv(m.counts.At(i, i), rows[i])
	}
	return out
}

// ConsumersAccuracy is, per predicted class, the fraction that is correct.
func (m *ErrorMatrix) ConsumersAccuracy() []float64 {
	_, cols := m.marginals()
	out := make([]float64, m.classes)
	for i := range out {
		out[i] = safeDiv(m.counts.At(i, i), cols[i])
	}
	return out
}

func roundAll(xs []float64, decimal int) []float64 {
	for i, x := range xs {
		xs[i] = scalar.Round(x, decimal)
	}
	return xs
}

// Report returns the named metrics, rounded to decimal places. An unknown name
// is an error and no partial report is returned.
func (m *ErrorMatrix) Report(names []string, decimal int) (map[string]any, error) {
	if len(names) == 0 {
		names = []string{MetricErrorMatrix}
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		switch name {
		case MetricErrorMatrix:
			out[name] = m.Counts()
		case MetricAccuracy:
			out[name] = scalar.Round(m.Accuracy(), decimal)
		case MetricKappa:
			out[name] = scalar.Round(m.Kappa(), decimal)
		case MetricProducers:
			out[name] = roundAll(m.ProducersAccuracy(), decimal)
		case MetricConsumers:
			out[name] = roundAll(m.ConsumersAccuracy(), decimal)
		default:
			return nil, fmt.Errorf("%q isn't a valid metric", name)
		}
	}
	return out, nil
}

// AllMetrics lists every metric Report understands.
func AllMetrics() []string {
	return []string{MetricErrorMatrix, MetricAccuracy, MetricKappa, MetricProducers, MetricConsumers}
}
