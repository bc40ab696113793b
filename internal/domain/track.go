package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TrackPoint is one position of a stitched track.
type TrackPoint struct {
	Time      time.Time `json:"time"`
	Lon       float64   `json:"lon"`
	Lat       float64   `json:"lat"`
	Pressure  float64   `json:"pressure"`
	WindSpeed float64   `json:"wind_speed"`
	Orography *float64  `json:"orography,omitempty"`
}

// Track is a time-ordered sequence of positions believed to be one storm.
type Track struct {
	ID     string       `json:"id"`
	Points []TrackPoint `json:"points"`

	// Genesis annotation, filled when reverse geocoding is enabled.
	GenesisPlace string `json:"genesis_place,omitempty"`
	GeoSource    string `json:"geo_source,omitempty"`
}

// Start returns the time of the first point.
func (t Track) Start() time.Time {
	if len(t.Points) == 0 {
		return time.Time{}
	}
	return t.Points[0].Time
}

// End returns the time of the last point.
func (t Track) End() time.Time {
	if len(t.Points) == 0 {
		return time.Time{}
	}
	return t.Points[len(t.Points)-1].Time
}

// Duration is the span between the first and last point.
func (t Track) Duration() time.Duration {
	return t.End().Sub(t.Start())
}

// Threshold is one predicate passed to the stitching engine: at least Count
// points of a track must satisfy "Var Op Value".
type Threshold struct {
	Var   string  `yaml:"var" json:"var"`
	Op    string  `yaml:"op" json:"op"`
	Value float64 `yaml:"value" json:"value"`
	Count int     `yaml:"count" json:"count"`
}

func (th Threshold) String() string {
	return fmt.Sprintf("%s,%s,%g,%d", th.Var, th.Op, th.Value, th.Count)
}

// Constraints bound the tracks the stitching engine may produce.
type Constraints struct {
	Range      float64       // max displacement between consecutive points, degrees
	MinTime    time.Duration // minimum track duration
	MaxGap     time.Duration // max time between consecutive points
	Thresholds []Threshold
}

// ThresholdExpr joins the thresholds in engine syntax.
func (c Constraints) ThresholdExpr() string {
	parts := make([]string, len(c.Thresholds))
	for i, th := range c.Thresholds {
		parts[i] = th.String()
	}
	return strings.Join(parts, ";")
}

// Check reports whether a track satisfies the gap and lifetime constraints.
func (c Constraints) Check(t Track) error {
	if len(t.Points) == 0 {
		return fmt.Errorf("track %s has no points", t.ID)
	}
	for k := 1; k < len(t.Points); k++ {
		gap := t.Points[k].Time.Sub(t.Points[k-1].Time)
		if gap <= 0 {
			return fmt.Errorf("track %s: points not increasing in time at %d", t.ID, k)
		}
		if c.MaxGap > 0 && gap > c.MaxGap {
			return fmt.Errorf("track %s: gap %s exceeds maxgap %s", t.ID, gap, c.MaxGap)
		}
	}
	if t.Duration() < c.MinTime {
		return fmt.Errorf("track %s: duration %s below mintime %s", t.ID, t.Duration(), c.MinTime)
	}
	return nil
}

// TrackParseError describes a track block that could not be parsed. The
// remaining blocks of the file are unaffected.
type TrackParseError struct {
	Index int
	Line  int
	Err   error
}

func (e *TrackParseError) Error() string {
	return fmt.Sprintf("track %d (line %d): %v", e.Index, e.Line, e.Err)
}

func (e *TrackParseError) Unwrap() error { return e.Err }

// ParseTrackFile parses stitching engine output. Tracks whose block is
// malformed are reported in the second return value and skipped; parsing
// resumes at the next header line. Track IDs are the block ordinal in file
// order.
func ParseTrackFile(data string, schema Schema) ([]Track, []error) {
	lines := strings.Split(data, "\n")
	var (
		tracks []Track
		errs   []error
		index  int
	)

	k := 0
	for k < len(lines) {
		fields := strings.Fields(lines[k])
		if len(fields) == 0 {
			k++
			continue
		}
		if fields[0] != "start" {
			errs = append(errs, &TrackParseError{Index: index, Line: k + 1, Err: fmt.Errorf("%w: expected track header, got %q", ErrMalformedHeader, lines[k])})
			k = nextHeader(lines, k+1)
			continue
		}

		headerLine := k
		n, err := parseTrackHeader(fields)
		if err != nil {
			errs = append(errs, &TrackParseError{Index: index, Line: headerLine + 1, Err: err})
			index++
			k = nextHeader(lines, k+1)
			continue
		}

		track := Track{ID: strconv.Itoa(index), Points: make([]TrackPoint, 0, n)}
		k++
		var blockErr error
		for len(track.Points) < n && k < len(lines) {
			pf := strings.Fields(lines[k])
			if len(pf) == 0 {
				k++
				continue
			}
			if pf[0] == "start" {
				break
			}
			p, err := parseTrackPoint(pf, schema)
			if err != nil && blockErr == nil {
				blockErr = fmt.Errorf("line %d: %w", k+1, err)
			}
			track.Points = append(track.Points, p)
			k++
		}
		if blockErr == nil && len(track.Points) < n {
			blockErr = fmt.Errorf("%w: header declares %d points, found %d", ErrMalformedRecord, n, len(track.Points))
		}
		if blockErr != nil {
			errs = append(errs, &TrackParseError{Index: index, Line: headerLine + 1, Err: blockErr})
			k = nextHeader(lines, k)
		} else {
			tracks = append(tracks, track)
		}
		index++
	}
	return tracks, errs
}

// FormatTrackFile renders tracks in the stitching engine's output layout.
func FormatTrackFile(tracks []Track, schema Schema) string {
	var b strings.Builder
	for _, t := range tracks {
		s := t.Start().UTC()
		fmt.Fprintf(&b, "start\t%d\t%d\t%02d\t%02d\t%02d\n", len(t.Points), s.Year(), int(s.Month()), s.Day(), s.Hour())
		for _, p := range t.Points {
			n := Node{Lon: p.Lon, Lat: p.Lat, Pressure: p.Pressure, WindSpeed: p.WindSpeed, Orography: p.Orography}
			ts := p.Time.UTC()
			fmt.Fprintf(&b, "%s\t%d\t%02d\t%02d\t%02d\n", formatNodeFields(n, schema), ts.Year(), int(ts.Month()), ts.Day(), ts.Hour())
		}
	}
	return b.String()
}

func nextHeader(lines []string, from int) int {
	for k := from; k < len(lines); k++ {
		fields := strings.Fields(lines[k])
		if len(fields) > 0 && fields[0] == "start" {
			return k
		}
	}
	return len(lines)
}

func parseTrackHeader(fields []string) (int, error) {
	if len(fields) != 6 {
		return 0, fmt.Errorf("%w: want 6 tokens, got %d", ErrMalformedHeader, len(fields))
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bad point count %q", ErrMalformedHeader, fields[1])
	}
	if _, err := parseDate(fields[2], fields[3], fields[4], fields[5]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return n, nil
}

func parseTrackPoint(fields []string, schema Schema) (TrackPoint, error) {
	if len(fields) != schema.TrackColumns() {
		return TrackPoint{}, fmt.Errorf("%w: want %d columns, got %d", ErrMalformedRecord, schema.TrackColumns(), len(fields))
	}
	nc := schema.NodeColumns()
	n, err := parseNodeFields(fields[:nc], schema)
	if err != nil {
		return TrackPoint{}, err
	}
	ts, err := parseDate(fields[nc], fields[nc+1], fields[nc+2], fields[nc+3])
	if err != nil {
		return TrackPoint{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return TrackPoint{
		Time:      ts,
		Lon:       n.Lon,
		Lat:       n.Lat,
		Pressure:  n.Pressure,
		WindSpeed: n.WindSpeed,
		Orography: n.Orography,
	}, nil
}

// Position is one (lon, lat) entry of a reordered time mapping.
type Position struct {
	Lon     float64 `json:"lon"`
	Lat     float64 `json:"lat"`
	TrackID string  `json:"track_id"`
}

// ReorderedTimeMapping fans tracks out per timestamp. Timestamps without any
// active track are absent.
type ReorderedTimeMapping map[time.Time][]Position

// Block is the outcome of one stitched block as handed to the sinks.
type Block struct {
	Model    string
	Exp      string
	RunID    string
	Window   TimeWindow
	Artifact string
	Tracks   []Track
}
