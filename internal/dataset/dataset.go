// Package dataset holds gridded fields on a regular lon/lat grid and their
// compressed on-disk container.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// FillValue marks missing cells. It matches the NetCDF default float fill.
const FillValue float32 = 9.96921e+36

// TimeUnits and Calendar describe the encoded time coordinate.
const (
	TimeUnits = "hours since 1970-01-01 00:00:00"
	Calendar  = "standard"
)

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Dataset is a set of 2D variables sharing a time axis and a regular grid.
// Each variable is stored time-major as len(Times)*len(Lats)*len(Lons) values.
type Dataset struct {
	Times []time.Time
	Lons  []float64
	Lats  []float64
	Vars  map[string][]float32
	Attrs map[string]string
}

// New allocates a dataset with the given coordinates and no variables.
func New(times []time.Time, lons, lats []float64) *Dataset {
	return &Dataset{
		Times: append([]time.Time(nil), times...),
		Lons:  append([]float64(nil), lons...),
		Lats:  append([]float64(nil), lats...),
		Vars:  make(map[string][]float32),
		Attrs: make(map[string]string),
	}
}

// NX is the number of longitudes.
func (d *Dataset) NX() int { return len(d.Lons) }

// NY is the number of latitudes.
func (d *Dataset) NY() int { return len(d.Lats) }

// Cells is the number of grid cells per time slice.
func (d *Dataset) Cells() int { return d.NX() * d.NY() }

// Names returns the variable names in sorted order.
func (d *Dataset) Names() []string {
	names := make([]string, 0, len(d.Vars))
	for name := range d.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the variable exists.
func (d *Dataset) Has(name string) bool {
	_, ok := d.Vars[name]
	return ok
}

// Field returns the slice of variable name at time index ti. The returned
// slice aliases the dataset storage.
func (d *Dataset) Field(name string, ti int) ([]float32, error) {
	data, ok := d.Vars[name]
	if !ok {
		return nil, fmt.Errorf("variable %q not found", name)
	}
	if ti < 0 || ti >= len(d.Times) {
		return nil, fmt.Errorf("time index %d out of range [0,%d)", ti, len(d.Times))
	}
	n := d.Cells()
	return data[ti*n : (ti+1)*n], nil
}

// SetField stores a single-time field for variable name, allocating the
// variable if needed.
func (d *Dataset) SetField(name string, ti int, values []float32) error {
	if len(values) != d.Cells() {
		return fmt.Errorf("field %q has %d cells, grid has %d", name, len(values), d.Cells())
	}
	if ti < 0 || ti >= len(d.Times) {
		return fmt.Errorf("time index %d out of range [0,%d)", ti, len(d.Times))
	}
	data, ok := d.Vars[name]
	if !ok {
		data = make([]float32, len(d.Times)*d.Cells())
		for k := range data {
			data[k] = FillValue
		}
		d.Vars[name] = data
	}
	copy(data[ti*d.Cells():], values)
	return nil
}

// TimeIndex returns the index of ts on the time axis, or -1.
func (d *Dataset) TimeIndex(ts time.Time) int {
	for i, t := range d.Times {
		if t.Equal(ts) {
			return i
		}
	}
	return -1
}

// At returns a single-time copy of the dataset restricted to vars. All
// variables are kept when vars is empty.
func (d *Dataset) At(ti int, vars ...string) (*Dataset, error) {
	if ti < 0 || ti >= len(d.Times) {
		return nil, fmt.Errorf("time index %d out of range [0,%d)", ti, len(d.Times))
	}
	if len(vars) == 0 {
		vars = d.Names()
	}
	out := New([]time.Time{d.Times[ti]}, d.Lons, d.Lats)
	for k, v := range d.Attrs {
		out.Attrs[k] = v
	}
	for _, name := range vars {
		f, err := d.Field(name, ti)
		if err != nil {
			return nil, err
		}
		out.Vars[name] = append([]float32(nil), f...)
	}
	return out, nil
}

// SameGrid reports whether two datasets share lon/lat coordinates.
func (d *Dataset) SameGrid(o *Dataset) bool {
	return equalCoords(d.Lons, o.Lons) && equalCoords(d.Lats, o.Lats)
}

// Validate checks that every variable matches the coordinate sizes.
func (d *Dataset) Validate() error {
	want := len(d.Times) * d.Cells()
	for name, data := range d.Vars {
		if len(data) != want {
			return fmt.Errorf("variable %q has %d values, want %d", name, len(data), want)
		}
	}
	for i := 1; i < len(d.Times); i++ {
		if !d.Times[i].After(d.Times[i-1]) {
			return fmt.Errorf("time axis not increasing at index %d", i)
		}
	}
	return nil
}

// IsMissing reports whether v is the fill value or NaN.
func IsMissing(v float32) bool {
	return v == FillValue || math.IsNaN(float64(v))
}

// EncodeTime converts a timestamp to hours since the epoch.
func EncodeTime(t time.Time) float64 {
	return t.Sub(epoch).Hours()
}

// DecodeTime converts hours since the epoch to a UTC timestamp rounded to the
// second.
func DecodeTime(hours float64) time.Time {
	return epoch.Add(time.Duration(math.Round(hours*3600)) * time.Second)
}

func equalCoords(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}
