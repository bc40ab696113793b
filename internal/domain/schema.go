package domain

import "fmt"

// Schema selects the column layout shared by node files, the stitching engine
// input format, and track files.
type Schema int

const (
	SchemaWithoutOrography Schema = iota
	SchemaWithOrography
)

// SchemaFor returns the schema implied by the orography configuration flag.
func SchemaFor(orography bool) Schema {
	if orography {
		return SchemaWithOrography
	}
	return SchemaWithoutOrography
}

// HasOrography reports whether records carry the zs column.
func (s Schema) HasOrography() bool {
	return s == SchemaWithOrography
}

// NodeColumns is the number of tokens in one node record: i, j, lon, lat,
// psl, wind and optionally zs.
func (s Schema) NodeColumns() int {
	if s.HasOrography() {
		return 7
	}
	return 6
}

// TrackColumns is the number of tokens in one track point record: the node
// columns followed by year, month, day and hour.
func (s Schema) TrackColumns() int {
	return s.NodeColumns() + 4
}

// Variables lists the logical names of the value columns after the grid
// indices, in file order. It is passed to the stitching engine as its input
// format.
func (s Schema) Variables() []string {
	vars := []string{"lon", "lat", "slp", "wind"}
	if s.HasOrography() {
		vars = append(vars, "zs")
	}
	return vars
}

func (s Schema) String() string {
	switch s {
	case SchemaWithOrography:
		return "with_orography"
	case SchemaWithoutOrography:
		return "without_orography"
	default:
		return fmt.Sprintf("schema(%d)", int(s))
	}
}
