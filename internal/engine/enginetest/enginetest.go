// Package enginetest provides in-process detection and stitching engines that
// speak the same file protocol as the external binaries.
package enginetest

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/engine"
)

// Detector reports every local pressure minimum below Threshold as a node,
// carrying the strongest 10 m wind within WindRadius grid cells.
type Detector struct {
	Threshold float32
	// WindRadius defaults to 2 cells.
	WindRadius int
	// Fail makes Detect return an error for the listed timesteps.
	Fail map[time.Time]error

	mu    sync.Mutex
	calls []engine.DetectRequest
}

// Calls returns the requests seen so far.
func (d *Detector) Calls() []engine.DetectRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.DetectRequest(nil), d.calls...)
}

func (d *Detector) Detect(_ context.Context, req engine.DetectRequest) error {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.mu.Unlock()

	if err, ok := d.Fail[req.Time]; ok {
		return err
	}

	snap, err := dataset.ReadFile(req.SnapshotPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFailed, err)
	}
	if len(snap.Times) != 1 {
		return fmt.Errorf("%w: snapshot holds %d timesteps", domain.ErrEngineFailed, len(snap.Times))
	}
	for _, name := range req.Fields.Required(req.Schema) {
		if !snap.Has(name) {
			return fmt.Errorf("%w: snapshot lacks %q", domain.ErrEngineFailed, name)
		}
	}

	psl, _ := snap.Field(req.Fields.Pressure, 0)
	var nodes []domain.Node
	for cell, v := range psl {
		if dataset.IsMissing(v) || v >= d.Threshold || !localMinimum(psl, cell, snap.NX(), snap.NY()) {
			continue
		}
		nodes = append(nodes, d.node(snap, req, cell))
	}
	out := domain.FormatNodeFile(snap.Times[0], nodes, req.Schema)
	return os.WriteFile(req.OutputPath, []byte(out), 0o644)
}

func (d *Detector) node(snap *dataset.Dataset, req engine.DetectRequest, cell int) domain.Node {
	i, j := cell%snap.NX(), cell/snap.NX()
	psl, _ := snap.Field(req.Fields.Pressure, 0)
	u, _ := snap.Field(req.Fields.U10, 0)
	v, _ := snap.Field(req.Fields.V10, 0)
	n := domain.Node{
		I:         i,
		J:         j,
		Lon:       snap.Lons[i],
		Lat:       snap.Lats[j],
		Pressure:  float64(psl[cell]),
		WindSpeed: d.maxWind(u, v, i, j, snap.NX(), snap.NY()),
	}
	if req.Schema.HasOrography() {
		zs, _ := snap.Field(req.Fields.Orography, 0)
		val := float64(zs[cell])
		n.Orography = &val
	}
	return n
}

func (d *Detector) maxWind(u, v []float32, i, j, nx, ny int) float64 {
	r := d.WindRadius
	if r <= 0 {
		r = 2
	}
	best := 0.0
	for dj := -r; dj <= r; dj++ {
		for di := -r; di <= r; di++ {
			x, y := i+di, j+dj
			if di*di+dj*dj > r*r || x < 0 || x >= nx || y < 0 || y >= ny {
				continue
			}
			c := y*nx + x
			if dataset.IsMissing(u[c]) || dataset.IsMissing(v[c]) {
				continue
			}
			best = math.Max(best, math.Hypot(float64(u[c]), float64(v[c])))
		}
	}
	return best
}

// localMinimum reports whether cell is below its eight neighbours. Ties go to
// the lower cell index so a flat bottom yields one node.
func localMinimum(f []float32, cell, nx, ny int) bool {
	i, j := cell%nx, cell/nx
	for dj := -1; dj <= 1; dj++ {
		for di := -1; di <= 1; di++ {
			x, y := i+di, j+dj
			if (di == 0 && dj == 0) || x < 0 || x >= nx || y < 0 || y >= ny {
				continue
			}
			n := y*nx + x
			if dataset.IsMissing(f[n]) {
				continue
			}
			if f[n] < f[cell] || (f[n] == f[cell] && n < cell) {
				return false
			}
		}
	}
	return true
}

// Stitcher links nodes greedily: each node joins the nearest open track whose
// last point lies within Range degrees and MaxGap hours, otherwise it starts a
// new track.
type Stitcher struct {
	Err error

	mu    sync.Mutex
	calls []engine.StitchRequest
}

// Calls returns the requests seen so far.
func (s *Stitcher) Calls() []engine.StitchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.StitchRequest(nil), s.calls...)
}

func (s *Stitcher) Stitch(_ context.Context, req engine.StitchRequest) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}

	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFailed, err)
	}
	steps, err := parseCorpus(string(data), req.Schema)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFailed, err)
	}

	tracks := link(steps, req.Constraints)
	var kept []domain.Track
	for _, t := range tracks {
		if t.Duration() < req.Constraints.MinTime || !meetsThresholds(t, req.Constraints.Thresholds) {
			continue
		}
		kept = append(kept, t)
	}
	out := domain.FormatTrackFile(kept, req.Schema)
	return os.WriteFile(req.OutputPath, []byte(out), 0o644)
}

type step struct {
	time  time.Time
	nodes []domain.Node
}

// parseCorpus splits concatenated node files at their header lines, which
// unlike records do not start with whitespace.
func parseCorpus(data string, schema domain.Schema) ([]step, error) {
	var (
		steps []step
		chunk strings.Builder
	)
	flush := func() error {
		if chunk.Len() == 0 {
			return nil
		}
		ts, nodes, err := domain.ParseNodeFile(chunk.String(), schema)
		if err != nil {
			return err
		}
		steps = append(steps, step{time: ts, nodes: nodes})
		chunk.Reset()
		return nil
	}
	for _, line := range strings.Split(data, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		chunk.WriteString(line)
		chunk.WriteByte('\n')
	}
	if err := flush(); err != nil {
		return nil, err
	}
	sort.SliceStable(steps, func(a, b int) bool { return steps[a].time.Before(steps[b].time) })
	return steps, nil
}

func link(steps []step, c domain.Constraints) []domain.Track {
	var tracks []domain.Track
	for _, st := range steps {
		taken := make(map[int]bool)
		for _, n := range st.nodes {
			best, bestDist := -1, math.Inf(1)
			for k := range tracks {
				if taken[k] {
					continue
				}
				last := tracks[k].Points[len(tracks[k].Points)-1]
				if c.MaxGap > 0 && st.time.Sub(last.Time) > c.MaxGap {
					continue
				}
				dist := distance(last.Lon, last.Lat, n.Lon, n.Lat)
				if dist <= c.Range && dist < bestDist {
					best, bestDist = k, dist
				}
			}
			p := domain.TrackPoint{
				Time:      st.time,
				Lon:       n.Lon,
				Lat:       n.Lat,
				Pressure:  n.Pressure,
				WindSpeed: n.WindSpeed,
				Orography: n.Orography,
			}
			if best < 0 {
				tracks = append(tracks, domain.Track{Points: []domain.TrackPoint{p}})
				taken[len(tracks)-1] = true
				continue
			}
			tracks[best].Points = append(tracks[best].Points, p)
			taken[best] = true
		}
	}
	return tracks
}

// distance is the planar separation in degrees with longitudes wrapped.
func distance(lon1, lat1, lon2, lat2 float64) float64 {
	dlon := math.Abs(math.Mod(lon1-lon2, 360))
	if dlon > 180 {
		dlon = 360 - dlon
	}
	return math.Hypot(dlon, lat1-lat2)
}

func meetsThresholds(t domain.Track, thresholds []domain.Threshold) bool {
	for _, th := range thresholds {
		n := 0
		for _, p := range t.Points {
			if compare(pointValue(p, th.Var), th.Op, th.Value) {
				n++
			}
		}
		if n < th.Count {
			return false
		}
	}
	return true
}

func pointValue(p domain.TrackPoint, name string) float64 {
	switch name {
	case "lon":
		return p.Lon
	case "lat":
		return p.Lat
	case "slp":
		return p.Pressure
	case "wind":
		return p.WindSpeed
	case "zs":
		if p.Orography != nil {
			return *p.Orography
		}
	}
	return math.NaN()
}

func compare(v float64, op string, ref float64) bool {
	switch op {
	case ">":
		return v > ref
	case ">=":
		return v >= ref
	case "<":
		return v < ref
	case "<=":
		return v <= ref
	case "=":
		return v == ref
	case "!=":
		return v != ref
	}
	return false
}
