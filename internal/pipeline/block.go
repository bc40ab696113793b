package pipeline

import (
	"context"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/state"
	"github.com/couchcryptid/storm-tracker/internal/stitch"
	"golang.org/x/sync/errgroup"
)

// blockJob is the part of a block that runs after stitching. It only holds
// copies, so it may run while the control loop moves on.
type blockJob struct {
	runID      string
	window     domain.TimeWindow
	tracks     []domain.Track
	stitchErr  error
	nextMarker time.Time
	cursor     time.Time
	blocks     int
	started    time.Time
}

func (c *Controller) newPool() *errgroup.Group {
	g := &errgroup.Group{}
	if c.cfg.Workers > 0 {
		g.SetLimit(c.cfg.Workers)
	}
	return g
}

// block stitches w synchronously and hands the rest to the pool, or runs it
// inline when no workers are configured. nextMarker is where the following
// extended window starts.
func (c *Controller) block(ctx context.Context, rc *RunContext, w domain.TimeWindow, nextMarker time.Time, pool *errgroup.Group) {
	started := c.clock.Now()
	rc.Window = w
	rc.Blocks++

	c.setState(StateStitching)
	tracks, err := c.deps.Stitcher.Stitch(ctx, rc.NodeFiles, w)
	if err != nil {
		c.logger.Error("stitching failed, skipping block",
			"block_start", w.BlockStart,
			"block_end", w.BlockEnd,
			"error", err,
		)
		c.metrics.StitchErrors.Inc()
		tracks = nil
	} else {
		c.metrics.BlocksStitched.Inc()
		c.metrics.TracksStitched.Add(float64(len(tracks)))
		c.logger.Info("block stitched",
			"block_start", w.BlockStart,
			"block_end", w.BlockEnd,
			"tracks", len(tracks),
		)
	}
	rc.prune(nextMarker)

	job := blockJob{
		runID:      rc.RunID,
		window:     w,
		tracks:     tracks,
		stitchErr:  err,
		nextMarker: nextMarker,
		cursor:     rc.Cursor,
		blocks:     rc.Blocks,
		started:    started,
	}
	if c.cfg.Workers == 0 {
		c.setState(StateExtracting)
		c.finishBlock(ctx, job)
		return
	}
	pool.Go(func() error {
		c.finishBlock(ctx, job)
		return nil
	})
}

// finishBlock extracts and persists the block, feeds the sinks, records the
// checkpoint and releases the node files no later block needs. Each failure
// is logged and counted without stopping the rest. A block interrupted by
// cancellation is neither checkpointed nor cleaned up, so a resumed run
// processes it again.
func (c *Controller) finishBlock(ctx context.Context, job blockJob) {
	if c.interrupted(ctx, job) {
		return
	}
	tracks := domain.AnnotateGenesis(ctx, job.tracks, c.deps.Geocoder, c.logger)
	mapping := stitch.Reorder(tracks)

	var artifact string
	if len(tracks) > 0 {
		path, err := c.deps.Extractor.Run(ctx, job.window, mapping)
		if err != nil {
			c.logger.Error("extraction failed",
				"block_start", job.window.BlockStart,
				"error", err,
			)
			c.metrics.ExtractErrors.Inc()
		}
		artifact = path
	}
	if c.interrupted(ctx, job) {
		return
	}

	b := domain.Block{
		Model:    c.cfg.Model,
		Exp:      c.cfg.Exp,
		RunID:    job.runID,
		Window:   job.window,
		Artifact: artifact,
		Tracks:   tracks,
	}
	// A failed stitch must not replace tracks an earlier run stored.
	if c.deps.Catalog != nil && job.stitchErr == nil {
		if err := c.deps.Catalog.UpsertBlock(ctx, b); err != nil {
			c.sinkFailed("catalog", job.window, err)
		}
	}
	if c.deps.Publisher != nil && len(tracks) > 0 {
		if err := c.deps.Publisher.PublishTracks(ctx, b); err != nil {
			c.sinkFailed("kafka", job.window, err)
		}
	}
	c.checkpoint(job)

	removed, err := c.deps.Detector.Cleanup(job.nextMarker)
	if err != nil {
		c.logger.Warn("node file cleanup failed", "before", job.nextMarker, "error", err)
	}
	c.metrics.BlockProcessingDuration.Observe(c.clock.Since(job.started).Seconds())
	c.logger.Debug("block done",
		"block_start", job.window.BlockStart,
		"artifact", artifact,
		"node_files_removed", removed,
	)
}

func (c *Controller) interrupted(ctx context.Context, job blockJob) bool {
	if ctx.Err() == nil {
		return false
	}
	c.logger.Warn("run stopped before block finished, leaving it for resume",
		"block_start", job.window.BlockStart,
		"block_end", job.window.BlockEnd,
	)
	return true
}

// checkpoint stores the progress reached by job unless a later block has
// already been recorded.
func (c *Controller) checkpoint(job blockJob) {
	if c.deps.Checkpoints == nil {
		return
	}
	c.cpMu.Lock()
	defer c.cpMu.Unlock()
	if !job.nextMarker.After(c.cpMarker) {
		return
	}
	err := c.deps.Checkpoints.Save(state.Checkpoint{
		Model:  c.cfg.Model,
		Exp:    c.cfg.Exp,
		RunID:  job.runID,
		Marker: job.nextMarker,
		Cursor: job.cursor,
		Blocks: job.blocks,
	})
	if err != nil {
		c.sinkFailed("checkpoint", job.window, err)
		return
	}
	c.cpMarker = job.nextMarker
}

func (c *Controller) sinkFailed(sink string, w domain.TimeWindow, err error) {
	c.logger.Error("block sink failed",
		"sink", sink,
		"block_start", w.BlockStart,
		"error", err,
	)
	c.metrics.SinkErrors.WithLabelValues(sink).Inc()
}
