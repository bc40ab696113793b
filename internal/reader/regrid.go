package reader

import (
	"context"
	"fmt"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
)

// Regrid coarsens d by averaging blocks of RegridFactor x RegridFactor cells.
// Missing cells are ignored; a block with no valid cell is missing. Trailing
// rows and columns that do not fill a whole block are dropped.
func (a *Archive) Regrid(_ context.Context, d *dataset.Dataset) (*dataset.Dataset, error) {
	return Coarsen(d, a.cfg.RegridFactor)
}

// Coarsen block-averages d by factor along both axes. A factor below 2
// returns d unchanged.
func Coarsen(d *dataset.Dataset, factor int) (*dataset.Dataset, error) {
	if factor < 2 {
		return d, nil
	}
	nx, ny := d.NX()/factor, d.NY()/factor
	if nx == 0 || ny == 0 {
		return nil, fmt.Errorf("regrid: grid %dx%d smaller than factor %d", d.NX(), d.NY(), factor)
	}

	out := dataset.New(d.Times, meanCoords(d.Lons, factor, nx), meanCoords(d.Lats, factor, ny))
	for k, v := range d.Attrs {
		out.Attrs[k] = v
	}

	coarse := make([]float32, nx*ny)
	for _, name := range d.Names() {
		for ti := range d.Times {
			fine, err := d.Field(name, ti)
			if err != nil {
				return nil, err
			}
			for j := range ny {
				for i := range nx {
					coarse[j*nx+i] = blockMean(fine, d.NX(), i*factor, j*factor, factor)
				}
			}
			if err := out.SetField(name, ti, coarse); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func blockMean(fine []float32, width, i0, j0, factor int) float32 {
	var (
		sum float64
		n   int
	)
	for j := j0; j < j0+factor; j++ {
		for i := i0; i < i0+factor; i++ {
			v := fine[j*width+i]
			if dataset.IsMissing(v) {
				continue
			}
			sum += float64(v)
			n++
		}
	}
	if n == 0 {
		return dataset.FillValue
	}
	return float32(sum / float64(n))
}

func meanCoords(c []float64, factor, n int) []float64 {
	out := make([]float64, n)
	for k := range out {
		var sum float64
		for _, v := range c[k*factor : (k+1)*factor] {
			sum += v
		}
		out[k] = sum / float64(factor)
	}
	return out
}
