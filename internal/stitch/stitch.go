// Package stitch links the node files of one block into tracks.
package stitch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/engine"
	"github.com/couchcryptid/storm-tracker/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Config holds what a Stitcher needs besides its engine.
type Config struct {
	WorkDir     string
	Schema      domain.Schema
	Constraints domain.Constraints
	// Clock times engine invocations; nil means the real clock.
	Clock clockwork.Clock
}

// Stitcher runs the stitching engine over the extended interval of a block.
type Stitcher struct {
	engine  engine.StitchingEngine
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Stitcher and its working directory.
func New(eng engine.StitchingEngine, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Stitcher, error) {
	if err := os.MkdirAll(stitchDir(cfg.WorkDir), 0o755); err != nil {
		return nil, fmt.Errorf("create stitch dir: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Stitcher{engine: eng, cfg: cfg, logger: logger, metrics: metrics}, nil
}

// Stitch builds the tracks of window from the node files that fall in its
// extended interval. Tracks the engine emits malformed, or that violate the
// gap and lifetime constraints, are dropped. No tracks is a valid result.
func (s *Stitcher) Stitch(ctx context.Context, files []domain.NodeFile, window domain.TimeWindow) ([]domain.Track, error) {
	selected := Select(files, window)
	if len(selected) == 0 {
		s.logger.Info("no node files in window, nothing to stitch", "block_start", window.BlockStart)
		return nil, nil
	}

	span := domain.FormatStamp(window.ExtendedStart()) + "-" + domain.FormatStamp(window.ExtendedEnd())
	inPath := filepath.Join(stitchDir(s.cfg.WorkDir), "all_nodes_"+span+".txt")
	outPath := filepath.Join(stitchDir(s.cfg.WorkDir), "tracks_"+span+".txt")
	defer func() {
		_ = os.Remove(inPath)
		_ = os.Remove(outPath)
	}()
	if err := concat(inPath, selected); err != nil {
		return nil, fmt.Errorf("concatenate node files: %w", err)
	}

	start := s.cfg.Clock.Now()
	err := s.engine.Stitch(ctx, engine.StitchRequest{
		InputPath:   inPath,
		OutputPath:  outPath,
		Constraints: s.cfg.Constraints,
		Schema:      s.cfg.Schema,
	})
	s.metrics.EngineDuration.WithLabelValues("stitch").Observe(s.cfg.Clock.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("stitch block %s: %w", domain.FormatStamp(window.BlockStart), err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read track file: %w", err)
	}
	tracks := s.parse(string(data), window)
	s.logger.Debug("engine output parsed",
		"block_start", window.BlockStart,
		"node_files", len(selected),
		"tracks", len(tracks),
	)
	return tracks, nil
}

func (s *Stitcher) parse(data string, window domain.TimeWindow) []domain.Track {
	parsed, errs := domain.ParseTrackFile(data, s.cfg.Schema)
	for _, err := range errs {
		s.logger.Warn("dropping malformed track", "block_start", window.BlockStart, "error", err)
		s.metrics.TracksDropped.WithLabelValues("parse").Inc()
	}

	prefix := window.BlockStart.UTC().Format("20060102")
	tracks := make([]domain.Track, 0, len(parsed))
	for _, t := range parsed {
		t.ID = prefix + "-" + t.ID
		if err := s.cfg.Constraints.Check(t); err != nil {
			s.logger.Warn("dropping track outside constraints", "track_id", t.ID, "error", err)
			s.metrics.TracksDropped.WithLabelValues("constraints").Inc()
			continue
		}
		tracks = append(tracks, t)
	}
	return tracks
}

// Select returns the files whose timestep lies in the extended interval of
// window, sorted by file name.
func Select(files []domain.NodeFile, window domain.TimeWindow) []domain.NodeFile {
	var out []domain.NodeFile
	for _, f := range files {
		if window.InExtended(f.Time) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return filepath.Base(out[a].Path) < filepath.Base(out[b].Path)
	})
	return out
}

func concat(path string, files []domain.NodeFile) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	for _, f := range files {
		in, err := os.Open(f.Path)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Reorder groups every track point by timestamp. Each point lands in exactly
// one bucket, and timestamps without points are absent.
func Reorder(tracks []domain.Track) domain.ReorderedTimeMapping {
	m := make(domain.ReorderedTimeMapping)
	for _, t := range tracks {
		for _, p := range t.Points {
			ts := p.Time.UTC()
			m[ts] = append(m[ts], domain.Position{Lon: p.Lon, Lat: p.Lat, TrackID: t.ID})
		}
	}
	return m
}

// Times returns the timestamps of m in increasing order.
func Times(m domain.ReorderedTimeMapping) []time.Time {
	out := make([]time.Time, 0, len(m))
	for ts := range m {
		out = append(out, ts)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out
}

func stitchDir(workDir string) string { return filepath.Join(workDir, "stitch") }
