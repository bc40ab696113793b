package extract

import (
	"math"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/paulmach/orb"
)

// Boxes returns the square of half-width delta degrees around each position.
func Boxes(positions []domain.Position, delta float64) []orb.Bound {
	out := make([]orb.Bound, len(positions))
	for k, p := range positions {
		out[k] = orb.Bound{
			Min: orb.Point{p.Lon - delta, p.Lat - delta},
			Max: orb.Point{p.Lon + delta, p.Lat + delta},
		}
	}
	return out
}

// Mask marks the grid cells whose centroid lies inside at least one box. The
// result is indexed like a dataset field, latitude-major. Longitudes are
// compared modulo 360, so boxes may straddle the grid seam.
func Mask(lons, lats []float64, boxes []orb.Bound) []bool {
	mask := make([]bool, len(lons)*len(lats))
	for _, b := range boxes {
		center := b.Center()[0]
		for j, lat := range lats {
			if lat < b.Min[1] || lat > b.Max[1] {
				continue
			}
			row := j * len(lons)
			for i, lon := range lons {
				if mask[row+i] {
					continue
				}
				p := orb.Point{center + wrap(lon-center), lat}
				if b.Contains(p) {
					mask[row+i] = true
				}
			}
		}
	}
	return mask
}

// wrap maps a longitude difference to [-180, 180).
func wrap(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// Count returns the number of set cells.
func Count(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
