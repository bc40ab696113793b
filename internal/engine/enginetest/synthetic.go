package enginetest

import (
	"math"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/engine"
)

// Background is the undisturbed sea level pressure of synthetic fields, Pa.
const Background = 101300

// Storm is a synthetic cyclone that moves DLon/DLat degrees per timestep
// from (Lon0, Lat0).
type Storm struct {
	Lon0, Lat0 float64
	DLon, DLat float64
	Depth      float64 // central pressure deficit, Pa
	Wind       float64 // peak 10 m wind speed, m/s, reached sqrt(2) degrees from the center
}

// vortexScale makes r*exp(-r*r/4) peak at 1 for r = sqrt(2).
var vortexScale = math.Sqrt(math.E / 2)

// Position returns the storm center at timestep k.
func (s Storm) Position(k int) (lon, lat float64) {
	return s.Lon0 + float64(k)*s.DLon, s.Lat0 + float64(k)*s.DLat
}

// Grid returns regular coordinates starting at (lon0, lat0).
func Grid(lon0, lat0, res float64, nx, ny int) (lons, lats []float64) {
	lons = make([]float64, nx)
	for i := range lons {
		lons[i] = lon0 + float64(i)*res
	}
	lats = make([]float64, ny)
	for j := range lats {
		lats[j] = lat0 + float64(j)*res
	}
	return lons, lats
}

// Steps returns n timesteps spaced by step from start.
func Steps(start time.Time, step time.Duration, n int) []time.Time {
	out := make([]time.Time, n)
	for k := range out {
		out[k] = start.Add(time.Duration(k) * step)
	}
	return out
}

// Fields builds a dataset holding every variable named in f except
// orography, with a Gaussian pressure low and a cyclonic wind vortex per
// storm.
func Fields(times []time.Time, lons, lats []float64, f engine.Fields, storms ...Storm) *dataset.Dataset {
	d := dataset.New(times, lons, lats)
	cells := len(lons) * len(lats)
	for k := range times {
		psl := make([]float32, cells)
		u := make([]float32, cells)
		v := make([]float32, cells)
		z300 := make([]float32, cells)
		z500 := make([]float32, cells)
		for j, lat := range lats {
			for i, lon := range lons {
				c := j*len(lons) + i
				p := float64(Background)
				var wu, wv float64
				for _, s := range storms {
					slon, slat := s.Position(k)
					dx, dy := lon-slon, lat-slat
					w := math.Exp(-(dx*dx + dy*dy) / 4)
					p -= s.Depth * w
					wu += -dy * s.Wind * vortexScale * w
					wv += dx * s.Wind * vortexScale * w
				}
				psl[c] = float32(p)
				u[c] = float32(wu)
				v[c] = float32(wv)
				z300[c] = 90000
				z500[c] = 55000
			}
		}
		_ = d.SetField(f.Pressure, k, psl)
		_ = d.SetField(f.U10, k, u)
		_ = d.SetField(f.V10, k, v)
		_ = d.SetField(f.Geopotential300, k, z300)
		_ = d.SetField(f.Geopotential500, k, z500)
	}
	return d
}

// Orography returns a single-time field named name with height h everywhere.
func Orography(lons, lats []float64, name string, h float32) *dataset.Dataset {
	d := dataset.New([]time.Time{{}}, lons, lats)
	field := make([]float32, len(lons)*len(lats))
	for k := range field {
		field[k] = h
	}
	_ = d.SetField(name, 0, field)
	return d
}
