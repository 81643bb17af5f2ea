// Package spectral adds vegetation, water, salinity and moisture indices to
// multispectral rasters.
package spectral

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"geoseg/internal/tensor"

	"gonum.org/v1/gonum/floats"
)

// ErrMissingBand is wrapped when an index needs a band the raster lacks.
var ErrMissingBand = errors.New("missing band")

// Raster is a set of co-registered bands of Width x Height row-major values.
type Raster struct {
	Width, Height int
	Names         []string
	Bands         map[string][]float64
}

// NewRaster returns an empty raster.
func NewRaster(width, height int) *Raster {
	return &Raster{Width: width, Height: height, Bands: make(map[string][]float64)}
}

// FromBands builds a raster from named bands; names are sorted for a stable
// band order.
func FromBands(width, height int, bands map[string][]float64) (*Raster, error) {
	r := NewRaster(width, height)
	names := make([]string, 0, len(bands))
	for name := range bands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.Add(name, bands[name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends or replaces a band.
func (r *Raster) Add(name string, vals []float64) error {
	if len(vals) != r.Width*r.Height {
		return fmt.Errorf("band %s has %d values, want %d", name, len(vals), r.Width*r.Height)
	}
	if _, ok := r.Bands[name]; !ok {
		r.Names = append(r.Names, name)
	}
	r.Bands[name] = vals
	return nil
}

// Band returns a band by name.
func (r *Raster) Band(name string) ([]float64, error) {
	v, ok := r.Bands[name]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrMissingBand, name)
	}
	return v, nil
}

// Tensor stacks the named bands, or all bands in order, into 1 x H x W x C.
func (r *Raster) Tensor(names ...string) (*tensor.Tensor, error) {
	if len(names) == 0 {
		names = r.Names
	}
	stack := make([][]float64, len(names))
	for i, name := range names {
		v, err := r.Band(name)
		if err != nil {
			return nil, err
		}
		stack[i] = v
	}
	return tensor.Stack(stack, r.Height, r.Width)
}

// ratio computes scale*num/den element-wise; zero denominators give zero.
func ratio(num, den []float64, scale float64) []float64 {
	out := make([]float64, len(num))
	floats.DivTo(out, num, den)
	floats.Scale(scale, out)
	for i, d := range den {
		if d == 0 {
			out[i] = 0
		}
	}
	return out
}

// NormalizedDifference returns (a - b) / (a + b).
func NormalizedDifference(a, b []float64) []float64 {
	num := make([]float64, len(a))
	den := make([]float64, len(a))
	floats.SubTo(num, a, b)
	floats.AddTo(den, a, b)
	return ratio(num, den, 1)
}

// Sensor names the bands each index reads on one platform.
type Sensor struct {
	Name                    string
	Blue, Green, Red, NIR   string
	NDWI, MNDWI, NDSI, NDMI [2]string
}

var (
	Sentinel2 = Sensor{
		Name: "sentinel2",
		Blue: "B2", Green: "B3", Red: "B4", NIR: "B8",
		NDWI:  [2]string{"B8", "B3"},
		MNDWI: [2]string{"B11", "B3"},
		NDSI:  [2]string{"B12", "B11"},
		NDMI:  [2]string{"B11", "B8"},
	}
	Landsat57 = Sensor{
		Name: "landsat57",
		Blue: "B1", Green: "B2", Red: "B3", NIR: "B4",
		NDWI:  [2]string{"B5", "B4"},
		MNDWI: [2]string{"B5", "B3"},
		NDSI:  [2]string{"B7", "B2"},
		NDMI:  [2]string{"B5", "B4"},
	}
	Landsat8 = Sensor{
		Name: "landsat8",
		Blue: "B2", Green: "B3", Red: "B4", NIR: "B5",
		NDWI:  [2]string{"B7", "B5"},
		MNDWI: [2]string{"B7", "B4"},
		NDSI:  [2]string{"B8", "B3"},
		NDMI:  [2]string{"B7", "B5"},
	}
)

// Indices lists the bands AddIndices appends, in order.
var Indices = []string{"NDVI", "NDWI", "MNDWI", "NDSI", "NDMI", "EVI", "EVI2", "GOSAVI", "SAVI"}

// SensorByName looks up a sensor; "landsat5" and "landsat7" map to Landsat57.
func SensorByName(name string) (Sensor, error) {
	switch strings.ToLower(name) {
	case "sentinel2", "s2":
		return Sentinel2, nil
	case "landsat57", "landsat5", "landsat7":
		return Landsat57, nil
	case "landsat8", "l8":
		return Landsat8, nil
	}
	return Sensor{}, fmt.Errorf("unknown sensor %q", name)
}

// AddIndices appends the nine spectral indices to r. r is not modified if a
// required band is missing.
func AddIndices(r *Raster, s Sensor) error {
	get := func(names ...string) ([][]float64, error) {
		out := make([][]float64, len(names))
		for i, n := range names {
			v, err := r.Band(n)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name, err)
			}
			out[i] = v
		}
		return out, nil
	}
	b, err := get(s.Blue, s.Green, s.Red, s.NIR,
		s.NDWI[0], s.NDWI[1], s.MNDWI[0], s.MNDWI[1],
		s.NDSI[0], s.NDSI[1], s.NDMI[0], s.NDMI[1])
	if err != nil {
		return err
	}
	blue, green, red, nir := b[0], b[1], b[2], b[3]
	n := len(nir)

	diff := make([]float64, n)
	floats.SubTo(diff, nir, red)

	// EVI: 2.5 * (NIR - RED) / (NIR + 6 RED - 7.5 BLUE + 1)
	eviDen := make([]float64, n)
	floats.AddScaledTo(eviDen, nir, 6, red)
	floats.AddScaled(eviDen, -7.5, blue)
	floats.AddConst(1, eviDen)

	// EVI2: 2.4 * (NIR - RED) / (NIR + RED + 1)
	evi2Den := make([]float64, n)
	floats.AddTo(evi2Den, nir, red)
	floats.AddConst(1, evi2Den)

	// GOSAVI: (NIR - G) / (NIR + G + 0.16)
	gNum, gDen := make([]float64, n), make([]float64, n)
	floats.SubTo(gNum, nir, green)
	floats.AddTo(gDen, nir, green)
	floats.AddConst(0.16, gDen)

	// SAVI: 1.5 * (NIR - RED) / (NIR + RED + 0.5)
	saviDen := make([]float64, n)
	floats.AddTo(saviDen, nir, red)
	floats.AddConst(0.5, saviDen)

	out := [][]float64{
		NormalizedDifference(nir, red),
		NormalizedDifference(b[4], b[5]),
		NormalizedDifference(b[6], b[7]),
		NormalizedDifference(b[8], b[9]),
		NormalizedDifference(b[10], b[11]),
		ratio(diff, eviDen, 2.5),
		ratio(diff, evi2Den, 2.4),
		ratio(gNum, gDen, 1),
		ratio(diff, saviDen, 1.5),
	}
	for i, name := range Indices {
		if err := r.Add(name, out[i]); err != nil {
			return err
		}
	}
	return nil
}
