package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtSetRoundTrip(t *testing.T) {
	x := New(2, 3, 4, 5)
	x.Set(7.5, 1, 2, 3, 4)
	assert.Equal(t, 7.5, x.At(1, 2, 3, 4))
	assert.Equal(t, 7.5, x.Data[len(x.Data)-1])

	assert.Panics(t, func() { x.At(2, 0, 0, 0) })
	assert.Panics(t, func() { x.Set(1, 0, 3, 0, 0) })
}

func TestPixelAliases(t *testing.T) {
	x := New(1, 2, 2, 3)
	px := x.Pixel(0, 1, 0)
	px[2] = 9
	assert.Equal(t, 9.0, x.At(0, 1, 0, 2))
	assert.Len(t, px, 3)
}

func TestConcatChannels(t *testing.T) {
	a := New(1, 2, 2, 1)
	b := New(1, 2, 2, 2)
	for i := range a.Data {
		a.Data[i] = 1
	}
	for i := range b.Data {
		b.Data[i] = 2
	}
	out, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 3}, out.Shape)
	assert.Equal(t, []float64{1, 2, 2}, out.Pixel(0, 1, 1))

	_, err = Concat(a, New(1, 4, 4, 1))
	assert.Error(t, err)
}

func TestStackAndOneHot(t *testing.T) {
	x, err := Stack([][]float64{{1, 2, 3, 4}, {10, 20, 30, 40}}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 30}, x.Pixel(0, 1, 0))

	_, err = Stack([][]float64{{1, 2, 3}}, 2, 2)
	assert.Error(t, err)

	oh, err := OneHot([]int{0, 2, 1, 5}, 2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1}, oh.Pixel(0, 0, 1))
	assert.Equal(t, []float64{0, 0, 0}, oh.Pixel(0, 1, 1))
}

func TestBatchAndArgMax(t *testing.T) {
	a, _ := FromData([]float64{0.1, 0.9, 0.8, 0.2}, 1, 1, 2, 2)
	b, _ := FromData([]float64{0.3, 0.7, 0.6, 0.4}, 1, 1, 2, 2)
	out, err := Batch(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 2}, out.Shape)
	assert.Equal(t, []int{1, 0, 1, 0}, ArgMax(out))

	_, err = FromData([]float64{1, 2}, 1, 1, 1, 3)
	assert.Error(t, err)
}

func TestRowsSharesStorage(t *testing.T) {
	x := New(1, 2, 1, 3)
	m := x.Rows()
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	m.Set(1, 2, 4)
	assert.Equal(t, 4.0, x.At(0, 1, 0, 2))
}
