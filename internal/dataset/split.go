package dataset

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/rand"
)

// DefaultShuffleBuffer matches the buffer used when exporting patches.
const DefaultShuffleBuffer = 10

const proportionTolerance = 1e-9

// SplitError lists every problem with a split request.
type SplitError struct {
	Problems []string
}

func (e *SplitError) Error() string {
	return "split: " + strings.Join(e.Problems, "; ")
}

// SplitOptions are the proportions of a split. Valid is optional; zero means
// no validation subset.
type SplitOptions struct {
	Train, Test, Valid float64
	ShuffleBuffer      int
	Seed               uint64
}

// Splits holds the subsets and their nominal sizes.
type Splits[T any] struct {
	Train, Test, Valid             []T
	TrainSize, TestSize, ValidSize int
	Warnings                       []string
}

func (o SplitOptions) check(total int) error {
	var problems []string
	if total < 0 {
		problems = append(problems, "the number of patches needs to be a positive number")
	}
	for _, p := range []float64{o.Train, o.Test, o.Valid} {
		if p < 0 || p > 1 {
			problems = append(problems, "the proportions need to be between 0.0 and 1.0")
			break
		}
	}
	if math.Abs(o.Train+o.Test+o.Valid-1) > proportionTolerance {
		problems = append(problems, fmt.Sprintf("the proportions need to add up to exactly 1.0, got %g", o.Train+o.Test+o.Valid))
	}
	if len(problems) > 0 {
		return &SplitError{Problems: problems}
	}
	return nil
}

// Split shuffles items with a bounded buffer and cuts them into training, test
// and optional validation subsets. Sizes are truncated proportions of total.
// With a validation subset, the test subset is the first TestSize records
// after training and validation is what follows ValidSize records after
// training; the two overlap when Test > Valid.
func Split[T any](items []T, total int, opts SplitOptions) (Splits[T], error) {
	var s Splits[T]
	if err := opts.check(total); err != nil {
		return s, err
	}
	buffer := opts.ShuffleBuffer
	if buffer <= 0 {
		buffer = DefaultShuffleBuffer
	}
	shuffled := Shuffle(items, buffer, opts.Seed)

	s.TrainSize = int(opts.Train * float64(total))
	s.TestSize = int(opts.Test * float64(total))
	s.Train = take(shuffled, s.TrainSize)
	rest := skip(shuffled, s.TrainSize)

	if opts.Test >= opts.Train {
		s.Warnings = append(s.Warnings, "test set is larger than the training set")
	}
	if opts.Valid == 0 {
		s.Test = rest
		return s, nil
	}

	s.ValidSize = int(opts.Valid * float64(total))
	s.Valid = skip(rest, s.ValidSize)
	s.Test = take(rest, s.TestSize)
	if opts.Valid >= opts.Train {
		s.Warnings = append(s.Warnings, "validation set is larger than the training set")
	}
	return s, nil
}

func take[T any](xs []T, n int) []T {
	if n > len(xs) {
		n = len(xs)
	}
	return xs[:n:n]
}

func skip[T any](xs []T, n int) []T {
	if n > len(xs) {
		n = len(xs)
	}
	return xs[n:]
}

// Shuffle reorders items through a buffer of the given size: each output is
// drawn uniformly from the buffer, which is refilled from the input in order.
// A buffer of one keeps the input order.
func Shuffle[T any](items []T, buffer int, seed uint64) []T {
	if buffer < 1 {
		buffer = 1
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]T, 0, len(items))
	buf := make([]T, 0, buffer)
	next := 0
	for next < len(items) && len(buf) < buffer {
		buf = append(buf, items[next])
		next++
	}
	for len(buf) > 0 {
		i := rng.Intn(len(buf))
		out = append(out, buf[i])
		if next < len(items) {
			buf[i] = items[next]
			next++
		} else {
			buf[i] = buf[len(buf)-1]
			buf = buf[:len(buf)-1]
		}
	}
	return out
}
