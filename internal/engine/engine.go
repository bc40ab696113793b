// Package engine defines the contract with the external detection and
// stitching engines and runs them as subprocesses.
package engine

import (
	"context"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
)

// Fields maps the logical inputs of the detection engine to variable names
// inside the snapshot file.
type Fields struct {
	Pressure        string
	U10             string
	V10             string
	Geopotential300 string
	Geopotential500 string
	Orography       string
}

// Required lists the snapshot variables the engine reads for a schema.
func (f Fields) Required(schema domain.Schema) []string {
	vars := []string{f.Pressure, f.U10, f.V10, f.Geopotential300, f.Geopotential500}
	if schema.HasOrography() {
		vars = append(vars, f.Orography)
	}
	return vars
}

// DetectRequest asks the engine to find nodes in one single-timestep
// snapshot and write a node file to OutputPath.
type DetectRequest struct {
	Time         time.Time
	SnapshotPath string
	OutputPath   string
	Fields       Fields
	Schema       domain.Schema
}

// StitchRequest asks the engine to build tracks from a concatenated node
// corpus and write a track file to OutputPath.
type StitchRequest struct {
	InputPath   string
	OutputPath  string
	Constraints domain.Constraints
	Schema      domain.Schema
}

// DetectionEngine finds storm-center candidates in one snapshot.
type DetectionEngine interface {
	Detect(ctx context.Context, req DetectRequest) error
}

// StitchingEngine links node files into tracks.
type StitchingEngine interface {
	Stitch(ctx context.Context, req StitchRequest) error
}
