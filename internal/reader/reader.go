// Package reader supplies model snapshots to the pipeline.
package reader

import (
	"context"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
)

// Request selects variables over the half-open interval [From, To).
type Request struct {
	Vars []string
	From time.Time
	To   time.Time
	// NoWait reports a missing interval at once even when following the
	// archive. Callers reading behind the detection cursor set it.
	NoWait bool
}

// Reader retrieves snapshots and coarsens them to the detection grid.
// Retrieve returns domain.ErrEndOfStream when no data exists for the request
// and none is expected.
type Reader interface {
	Retrieve(ctx context.Context, req Request) (*dataset.Dataset, error)
	Regrid(ctx context.Context, d *dataset.Dataset) (*dataset.Dataset, error)
}
