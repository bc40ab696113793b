package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Node is one detected storm-center candidate at one timestep.
type Node struct {
	Time      time.Time `json:"time"`
	I         int       `json:"i"`
	J         int       `json:"j"`
	Lon       float64   `json:"lon"`
	Lat       float64   `json:"lat"`
	Pressure  float64   `json:"pressure"`
	WindSpeed float64   `json:"wind_speed"`
	Orography *float64  `json:"orography,omitempty"`
}

// NodeFile is the ordered set of nodes detected at a single timestep together
// with the artifact that holds them.
type NodeFile struct {
	Time  time.Time
	Path  string
	Nodes []Node
}

// NodeFileName returns the file name for a timestep's node file. Names sort in
// timestamp order.
func NodeFileName(ts time.Time) string {
	return "nodes_" + FormatStamp(ts) + ".txt"
}

// FormatStamp renders a timestamp as YYYYMMDDHH.
func FormatStamp(ts time.Time) string {
	return ts.UTC().Format("2006010215")
}

// ParseNodeFile parses engine output for one timestep. The header must hold
// exactly five tokens and declare exactly the records that follow, and every
// record must match the schema's column count.
// A file may be empty, which means nothing was detected.
func ParseNodeFile(data string, schema Schema) (time.Time, []Node, error) {
	lines := nonEmptyLines(data)
	if len(lines) == 0 {
		return time.Time{}, nil, nil
	}

	header := strings.Fields(lines[0])
	if len(header) != 5 {
		return time.Time{}, nil, fmt.Errorf("%w: want 5 tokens, got %d in %q", ErrMalformedHeader, len(header), lines[0])
	}
	ts, err := parseDate(header[0], header[1], header[2], header[4])
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	count, err := strconv.Atoi(header[3])
	if err != nil || count < 0 {
		return time.Time{}, nil, fmt.Errorf("%w: bad node count %q", ErrMalformedHeader, header[3])
	}
	if len(lines)-1 != count {
		return time.Time{}, nil, fmt.Errorf("%w: header declares %d nodes, found %d", ErrMalformedHeader, count, len(lines)-1)
	}

	nodes := make([]Node, 0, count)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) != schema.NodeColumns() {
			return time.Time{}, nil, fmt.Errorf("%w: want %d columns, got %d in %q", ErrMalformedRecord, schema.NodeColumns(), len(fields), line)
		}
		n, err := parseNodeFields(fields, schema)
		if err != nil {
			return time.Time{}, nil, err
		}
		n.Time = ts
		nodes = append(nodes, n)
	}
	return ts, nodes, nil
}

// FormatNodeFile renders nodes in the node file layout. It is the inverse of
// ParseNodeFile.
func FormatNodeFile(ts time.Time, nodes []Node, schema Schema) string {
	var b strings.Builder
	ts = ts.UTC()
	fmt.Fprintf(&b, "%d\t%02d\t%02d\t%d\t%02d\n", ts.Year(), int(ts.Month()), ts.Day(), len(nodes), ts.Hour())
	for _, n := range nodes {
		b.WriteString(formatNodeFields(n, schema))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatNodeFields(n Node, schema Schema) string {
	s := fmt.Sprintf("\t%d\t%d\t%.6f\t%.6f\t%.6e\t%.6e", n.I, n.J, n.Lon, n.Lat, n.Pressure, n.WindSpeed)
	if schema.HasOrography() {
		zs := 0.0
		if n.Orography != nil {
			zs = *n.Orography
		}
		s += fmt.Sprintf("\t%.6e", zs)
	}
	return s
}

func parseNodeFields(fields []string, schema Schema) (Node, error) {
	i, errI := strconv.Atoi(fields[0])
	j, errJ := strconv.Atoi(fields[1])
	if errI != nil || errJ != nil {
		return Node{}, fmt.Errorf("%w: bad grid index in %v", ErrMalformedRecord, fields[:2])
	}
	vals, err := parseFloats(fields[2:schema.NodeColumns()])
	if err != nil {
		return Node{}, err
	}
	n := Node{I: i, J: j, Lon: vals[0], Lat: vals[1], Pressure: vals[2], WindSpeed: vals[3]}
	if schema.HasOrography() {
		zs := vals[4]
		n.Orography = &zs
	}
	return n, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for k, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrMalformedRecord, f)
		}
		out[k] = v
	}
	return out, nil
}

func parseDate(year, month, day, hour string) (time.Time, error) {
	parts := make([]int, 4)
	for k, s := range []string{year, month, day, hour} {
		v, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad date token %q", s)
		}
		parts[k] = v
	}
	if parts[1] < 1 || parts[1] > 12 || parts[2] < 1 || parts[2] > 31 || parts[3] < 0 || parts[3] > 23 {
		return time.Time{}, fmt.Errorf("date out of range: %v", parts)
	}
	return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], 0, 0, 0, time.UTC), nil
}

func nonEmptyLines(data string) []string {
	raw := strings.Split(data, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
