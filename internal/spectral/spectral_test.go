package spectral

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizedDifference(t *testing.T) {
	got := NormalizedDifference([]float64{0.5, 0.2, 0}, []float64{0.1, 0.2, 0})
	assert.InDeltaSlice(t, []float64{0.4 / 0.6, 0, 0}, got, 1e-12)
}

func sentinelPixel(t *testing.T) *Raster {
	t.Helper()
	r, err := FromBands(1, 1, map[string][]float64{
		"B2":  {0.1},
		"B3":  {0.2},
		"B4":  {0.3},
		"B8":  {0.6},
		"B11": {0.4},
		"B12": {0.5},
	})
	require.NoError(t, err)
	return r
}

func TestSentinel2Indices(t *testing.T) {
	r := sentinelPixel(t)
	require.NoError(t, AddIndices(r, Sentinel2))

	want := map[string]float64{
		"NDVI":   (0.6 - 0.3) / (0.6 + 0.3),
		"NDWI":   (0.6 - 0.2) / (0.6 + 0.2),
		"MNDWI":  (0.4 - 0.2) / (0.4 + 0.2),
		"NDSI":   (0.5 - 0.4) / (0.5 + 0.4),
		"NDMI":   (0.4 - 0.6) / (0.4 + 0.6),
		"EVI":    2.5 * (0.6 - 0.3) / (0.6 + 6*0.3 - 7.5*0.1 + 1),
		"EVI2":   2.4 * (0.6 - 0.3) / (0.6 + 0.3 + 1),
		"GOSAVI": (0.6 - 0.2) / (0.6 + 0.2 + 0.16),
		"SAVI":   1.5 * (0.6 - 0.3) / (0.6 + 0.3 + 0.5),
	}
	for name, v := range want {
		band, err := r.Band(name)
		require.NoError(t, err, name)
		assert.InDelta(t, v, band[0], 1e-12, name)
	}
	assert.Equal(t, append([]string{"B11", "B12", "B2", "B3", "B4", "B8"}, Indices...), r.Names)
}

func TestLandsatBandMaps(t *testing.T) {
	r, err := FromBands(1, 1, map[string][]float64{
		"B1": {0.1}, "B2": {0.2}, "B3": {0.3}, "B4": {0.6}, "B5": {0.4}, "B7": {0.5},
	})
	require.NoError(t, err)
	require.NoError(t, AddIndices(r, Landsat57))
	ndsi, _ := r.Band("NDSI")
	assert.InDelta(t, (0.5-0.2)/(0.5+0.2), ndsi[0], 1e-12)
	ndwi, _ := r.Band("NDWI")
	ndmi, _ := r.Band("NDMI")
	assert.Equal(t, ndwi, ndmi)

	// Landsat 8 needs B8, which this raster lacks.
	err = AddIndices(r, Landsat8)
	assert.True(t, errors.Is(err, ErrMissingBand))
}

func TestMissingBandLeavesRasterUntouched(t *testing.T) {
	r := sentinelPixel(t)
	delete(r.Bands, "B12")
	r.Names = r.Names[:0]
	err := AddIndices(r, Sentinel2)
	require.ErrorIs(t, err, ErrMissingBand)
	_, err = r.Band("NDVI")
	assert.Error(t, err)
}

func TestRasterTensor(t *testing.T) {
	r := NewRaster(2, 1)
	require.NoError(t, r.Add("a", []float64{1, 2}))
	require.NoError(t, r.Add("b", []float64{3, 4}))
	assert.Error(t, r.Add("c", []float64{1}))

	x, err := r.Tensor()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, x.Shape)
	assert.Equal(t, []float64{1, 3, 2, 4}, x.Data)

	x, err = r.Tensor("b")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, x.Data)
}

func TestSensorByName(t *testing.T) {
	s, err := SensorByName("Landsat7")
	require.NoError(t, err)
	assert.Equal(t, "landsat57", s.Name)
	_, err = SensorByName("modis")
	assert.Error(t, err)
}
