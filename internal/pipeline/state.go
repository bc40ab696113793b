package pipeline

import (
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
)

// Mode selects how the controller bounds its input.
type Mode int

const (
	// ModeBatch processes [Start, End) and stops.
	ModeBatch Mode = iota
	// ModeStreaming processes from Start until the reader reports end of
	// stream.
	ModeStreaming
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "streaming"
}

// State is the controller's position in its cycle. The numeric value is
// exported as the pipeline_state gauge.
type State int

const (
	StateIdle State = iota
	StateRetrieving
	StateDetecting
	StateStitchDue
	StateStitching
	StateExtracting
	StateTerminated
)

var stateNames = [...]string{"idle", "retrieving", "detecting", "stitch_due", "stitching", "extracting", "terminated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Reason tells why a run ended without error.
type Reason string

const (
	ReasonEndOfData Reason = "end_of_data"
	ReasonCompleted Reason = "completed"
	ReasonCancelled Reason = "cancelled"
)

// Result summarizes a finished run.
type Result struct {
	RunID  string
	Reason Reason
	// Cursor is the exclusive end of the data the run detected on.
	Cursor    time.Time
	Timesteps int
	Failed    int
	Blocks    int
}

// RunContext carries the state of one run between the control loop stages.
type RunContext struct {
	RunID       string
	Model       string
	Exp         string
	Constraints domain.Constraints
	WorkDir     string

	// Cursor is the next timestep to retrieve.
	Cursor time.Time
	// Window is the block being stitched, if any.
	Window domain.TimeWindow
	// NodeFiles are the detected timesteps not yet consumed by every block
	// that needs them, in time order.
	NodeFiles []domain.NodeFile

	Timesteps int
	Failed    int
	Blocks    int
}

// prune drops node files before t.
func (rc *RunContext) prune(t time.Time) {
	kept := rc.NodeFiles[:0]
	for _, nf := range rc.NodeFiles {
		if !nf.Time.Before(t) {
			kept = append(kept, nf)
		}
	}
	rc.NodeFiles = kept
}

func (rc *RunContext) result(reason Reason) Result {
	return Result{
		RunID:     rc.RunID,
		Reason:    reason,
		Cursor:    rc.Cursor,
		Timesteps: rc.Timesteps,
		Failed:    rc.Failed,
		Blocks:    rc.Blocks,
	}
}
