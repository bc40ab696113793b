// Package pipeline drives detection, stitching and extraction over a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/observability"
	"github.com/couchcryptid/storm-tracker/internal/reader"
	"github.com/couchcryptid/storm-tracker/internal/state"
	"github.com/couchcryptid/storm-tracker/internal/window"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Detector turns one snapshot into a node file and owns the files it made.
type Detector interface {
	Detect(ctx context.Context, ts time.Time, snapshot *dataset.Dataset) (domain.NodeFile, error)
	Recover() ([]domain.NodeFile, error)
	Cleanup(before time.Time) (int, error)
}

// Stitcher builds the tracks of one block.
type Stitcher interface {
	Stitch(ctx context.Context, files []domain.NodeFile, window domain.TimeWindow) ([]domain.Track, error)
}

// Extractor persists the fields around the tracks of one block.
type Extractor interface {
	Run(ctx context.Context, window domain.TimeWindow, mapping domain.ReorderedTimeMapping) (string, error)
}

// Catalog stores the tracks of finished blocks.
type Catalog interface {
	UpsertBlock(ctx context.Context, b domain.Block) error
}

// Publisher announces the tracks of finished blocks.
type Publisher interface {
	PublishTracks(ctx context.Context, b domain.Block) error
}

// Checkpoints stores run progress.
type Checkpoints interface {
	Load(model, exp string) (state.Checkpoint, bool, error)
	Save(cp state.Checkpoint) error
}

// extent is implemented by readers that know the span of their data.
type extent interface {
	First() (time.Time, bool, error)
	Last() (time.Time, bool, error)
}

// Deps are the collaborators of a Controller. Reader, Detector, Stitcher and
// Extractor are required; the sinks and the geocoder are optional.
type Deps struct {
	Reader      reader.Reader
	Detector    Detector
	Stitcher    Stitcher
	Extractor   Extractor
	Catalog     Catalog
	Publisher   Publisher
	Checkpoints Checkpoints
	Geocoder    domain.Geocoder
	Clock       clockwork.Clock
}

// Config holds the control loop settings.
type Config struct {
	Model string
	Exp   string
	Mode  Mode
	// Start is the first timestep. In streaming mode a zero Start means the
	// reader's first timestep.
	Start time.Time
	// End bounds batch runs, exclusive.
	End       time.Time
	Step      time.Duration
	NDaysFreq int
	NDaysExt  int
	// Vars are the variables retrieved for detection.
	Vars        []string
	Constraints domain.Constraints
	WorkDir     string
	MaxRetries  int
	// FlushRemainder stitches the unfinished block when input ends.
	FlushRemainder bool
	// Resume continues a streaming run from its checkpoint.
	Resume bool
	// Workers bounds concurrent block extraction; 0 runs it inline.
	Workers int
}

// WorkDir returns the working directory of an identity under base.
func WorkDir(base, model, exp string) string {
	return filepath.Join(base, model+"_"+exp)
}

// Controller runs the detect, stitch and extract cycle.
type Controller struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	ready atomic.Bool
	state atomic.Int32

	// cpMu orders checkpoint writes from concurrent block jobs.
	cpMu     sync.Mutex
	cpMarker time.Time
}

// New creates a Controller.
func New(deps Deps, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Controller, error) {
	switch {
	case deps.Reader == nil:
		return nil, errors.New("pipeline: reader is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Stitcher == nil:
		return nil, errors.New("pipeline: stitcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	}
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("pipeline: invalid timestep %s", cfg.Step)
	}
	if cfg.Mode == ModeBatch && (cfg.Start.IsZero() || !cfg.End.After(cfg.Start)) {
		return nil, errors.New("pipeline: batch mode needs start before end")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
	}, nil
}

// CheckReadiness returns nil once the controller has detected at least one
// timestep.
func (c *Controller) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("pipeline has not processed any timesteps yet")
	}
	return nil
}

// State returns the current controller state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.PipelineState.Set(float64(s))
}

// Run executes the control loop until the input ends, the batch range is
// done or ctx is cancelled. Only configuration problems and exhausted
// retrieval retries return an error.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.setState(StateIdle)
	c.metrics.PipelineRunning.Set(1)
	defer c.metrics.PipelineRunning.Set(0)
	defer c.setState(StateTerminated)

	rc, trigger, err := c.start()
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("pipeline started",
		"run_id", rc.RunID,
		"model", rc.Model,
		"exp", rc.Exp,
		"mode", c.cfg.Mode.String(),
		"start", rc.Cursor,
		"marker", trigger.Marker(),
	)

	pool := c.newPool()
	reason, runErr := c.loop(ctx, rc, trigger, pool)

	if reason != ReasonCancelled && runErr == nil && c.cfg.FlushRemainder {
		if w, ok := trigger.Remainder(rc.Cursor); ok {
			c.logger.Info("flushing final block", "block_start", w.BlockStart, "block_end", w.BlockEnd)
			c.block(ctx, rc, w, w.BlockEnd.Add(-w.ExtensionBefore), pool)
		}
	}
	pool.Wait() //nolint:errcheck // block jobs log their own failures

	c.logger.Info("pipeline stopped",
		"run_id", rc.RunID,
		"reason", string(reason),
		"cursor", rc.Cursor,
		"timesteps", rc.Timesteps,
		"failed", rc.Failed,
		"blocks", rc.Blocks,
	)
	return rc.result(reason), runErr
}

// start builds the run context, resuming from a checkpoint when allowed.
func (c *Controller) start() (*RunContext, *window.Trigger, error) {
	rc := &RunContext{
		RunID:       uuid.NewString(),
		Model:       c.cfg.Model,
		Exp:         c.cfg.Exp,
		Constraints: c.cfg.Constraints,
		WorkDir:     c.cfg.WorkDir,
		Cursor:      c.cfg.Start.UTC(),
	}

	if c.cfg.Mode == ModeStreaming && c.cfg.Resume && c.deps.Checkpoints != nil {
		cp, ok, err := c.deps.Checkpoints.Load(c.cfg.Model, c.cfg.Exp)
		if err != nil {
			return nil, nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			return c.resume(rc, cp)
		}
	}

	if rc.Cursor.IsZero() {
		first, err := c.firstTimestep()
		if err != nil {
			return nil, nil, err
		}
		rc.Cursor = first
	}
	t, err := window.NewTrigger(rc.Cursor, c.cfg.NDaysFreq, c.cfg.NDaysExt)
	if err != nil {
		return nil, nil, err
	}
	return rc, t, nil
}

func (c *Controller) resume(rc *RunContext, cp state.Checkpoint) (*RunContext, *window.Trigger, error) {
	t, err := window.ResumeTrigger(cp.Marker, c.cfg.NDaysFreq, c.cfg.NDaysExt)
	if err != nil {
		return nil, nil, err
	}
	files, err := c.deps.Detector.Recover()
	if err != nil {
		return nil, nil, fmt.Errorf("recover node files: %w", err)
	}
	for _, nf := range files {
		if !nf.Time.Before(cp.Marker) && nf.Time.Before(cp.Cursor) {
			rc.NodeFiles = append(rc.NodeFiles, nf)
		}
	}
	rc.Cursor = cp.Cursor
	rc.Blocks = cp.Blocks
	c.cpMarker = cp.Marker
	c.logger.Info("resuming from checkpoint",
		"previous_run_id", cp.RunID,
		"marker", cp.Marker,
		"cursor", cp.Cursor,
		"recovered_node_files", len(rc.NodeFiles),
	)
	return rc, t, nil
}

func (c *Controller) firstTimestep() (time.Time, error) {
	ext, ok := c.deps.Reader.(extent)
	if !ok {
		return time.Time{}, errors.New("pipeline: start is required for this reader")
	}
	first, found, err := ext.First()
	if err != nil {
		return time.Time{}, fmt.Errorf("find first timestep: %w", err)
	}
	if !found {
		return time.Time{}, fmt.Errorf("find first timestep: %w", domain.ErrEndOfStream)
	}
	return first.UTC(), nil
}

// loop runs retrieval and detection timestep by timestep and stitches every
// block that becomes due.
func (c *Controller) loop(ctx context.Context, rc *RunContext, t *window.Trigger, pool *errgroup.Group) (Reason, error) {
	for {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		if c.cfg.Mode == ModeBatch && !rc.Cursor.Before(c.cfg.End) {
			return ReasonCompleted, nil
		}

		c.setState(StateRetrieving)
		snap, err := c.retrieve(ctx, rc.Cursor)
		switch {
		case errors.Is(err, domain.ErrEndOfStream):
			if !c.gap(rc.Cursor) {
				return ReasonEndOfData, nil
			}
			c.logger.Warn("timestep missing from input, skipping", "timestep", rc.Cursor)
			rc.Failed++
		case err != nil:
			if ctx.Err() != nil {
				return ReasonCancelled, nil
			}
			return "", err
		default:
			c.setState(StateDetecting)
			c.detect(ctx, rc, snap)
		}
		rc.Cursor = rc.Cursor.Add(c.cfg.Step)

		for t.Due(rc.Cursor) {
			if ctx.Err() != nil {
				return ReasonCancelled, nil
			}
			c.setState(StateStitchDue)
			w := t.Window()
			t.Advance()
			c.block(ctx, rc, w, t.Marker(), pool)
		}
	}
}

// gap reports whether data exists after ts, so that a missing timestep is
// a hole in the input rather than its end.
func (c *Controller) gap(ts time.Time) bool {
	ext, ok := c.deps.Reader.(extent)
	if !ok {
		return false
	}
	last, found, err := ext.Last()
	return err == nil && found && last.After(ts)
}

// retrieve fetches the snapshot of one timestep, retrying transient errors
// with exponential backoff.
func (c *Controller) retrieve(ctx context.Context, ts time.Time) (*dataset.Dataset, error) {
	req := reader.Request{Vars: c.cfg.Vars, From: ts, To: ts.Add(c.cfg.Step)}
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		snap, err := c.deps.Reader.Retrieve(ctx, req)
		if err == nil {
			return snap, nil
		}
		if errors.Is(err, domain.ErrEndOfStream) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("retrieve %s after %d attempts: %w", domain.FormatStamp(ts), attempt+1, err)
		}
		c.logger.Warn("retrieve failed, retrying",
			"timestep", ts,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		c.metrics.RetrieveRetries.Inc()
		if !sleepWithContext(ctx, c.clock, backoff) {
			return nil, ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

// detect regrids and detects one timestep. Failures are logged, counted and
// leave the timestep out of the node corpus.
func (c *Controller) detect(ctx context.Context, rc *RunContext, snap *dataset.Dataset) {
	ts := rc.Cursor
	coarse, err := c.deps.Reader.Regrid(ctx, snap)
	if err == nil {
		var nf domain.NodeFile
		started := c.clock.Now()
		nf, err = c.deps.Detector.Detect(ctx, ts, coarse)
		c.metrics.EngineDuration.WithLabelValues("detect").Observe(c.clock.Since(started).Seconds())
		if err == nil {
			rc.NodeFiles = append(rc.NodeFiles, nf)
			rc.Timesteps++
			c.metrics.TimestepsProcessed.Inc()
			c.metrics.NodesDetected.Add(float64(len(nf.Nodes)))
			c.ready.Store(true)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	c.logger.Warn("detection failed, skipping timestep", "timestep", ts, "error", err)
	c.metrics.DetectErrors.Inc()
	rc.Failed++
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
