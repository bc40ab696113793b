// Package detect runs the detection engine on one snapshot at a time and
// manages the node files it produces.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/engine"
)

// Config holds what a Detector needs besides its engine.
type Config struct {
	// WorkDir is the run's working directory. Node files go to
	// WorkDir/nodes and transient snapshots to WorkDir/snapshots.
	WorkDir string
	Fields  engine.Fields
	Schema  domain.Schema
	// Orography is a single-time field merged into every snapshot when the
	// schema carries orography. Its variable must be named Fields.Orography.
	Orography *dataset.Dataset
}

// Detector turns snapshots into node files.
type Detector struct {
	engine engine.DetectionEngine
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	files map[time.Time]string
}

// New creates a Detector and its working directories.
func New(eng engine.DetectionEngine, cfg Config, logger *slog.Logger) (*Detector, error) {
	if cfg.Schema.HasOrography() {
		if cfg.Orography == nil || !cfg.Orography.Has(cfg.Fields.Orography) {
			return nil, fmt.Errorf("%w: orography field %q not loaded", domain.ErrMissingField, cfg.Fields.Orography)
		}
	}
	for _, dir := range []string{nodesDir(cfg.WorkDir), snapshotsDir(cfg.WorkDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	return &Detector{
		engine: eng,
		cfg:    cfg,
		logger: logger,
		files:  make(map[time.Time]string),
	}, nil
}

// Detect runs the engine on the timestep ts of snapshot and returns the
// parsed node file. An empty file is a valid result.
func (d *Detector) Detect(ctx context.Context, ts time.Time, snapshot *dataset.Dataset) (domain.NodeFile, error) {
	ts = ts.UTC()
	snap, err := d.prepare(ts, snapshot)
	if err != nil {
		return domain.NodeFile{}, err
	}

	snapPath := filepath.Join(snapshotsDir(d.cfg.WorkDir), "snap_"+domain.FormatStamp(ts)+".tcz")
	if err := dataset.WriteFile(snapPath, snap); err != nil {
		return domain.NodeFile{}, fmt.Errorf("write snapshot: %w", err)
	}
	defer os.Remove(snapPath)

	outPath := filepath.Join(nodesDir(d.cfg.WorkDir), domain.NodeFileName(ts))
	err = d.engine.Detect(ctx, engine.DetectRequest{
		Time:         ts,
		SnapshotPath: snapPath,
		OutputPath:   outPath,
		Fields:       d.cfg.Fields,
		Schema:       d.cfg.Schema,
	})
	if err != nil {
		_ = os.Remove(outPath)
		return domain.NodeFile{}, fmt.Errorf("detect %s: %w", domain.FormatStamp(ts), err)
	}

	nf, err := d.read(outPath, d.cfg.Schema)
	if err != nil {
		_ = os.Remove(outPath)
		return domain.NodeFile{}, err
	}
	if !nf.Time.IsZero() && !nf.Time.Equal(ts) {
		_ = os.Remove(outPath)
		return domain.NodeFile{}, fmt.Errorf("%w: node file for %s stamped %s", domain.ErrMalformedHeader, domain.FormatStamp(ts), domain.FormatStamp(nf.Time))
	}
	nf.Time = ts

	d.mu.Lock()
	d.files[ts] = outPath
	d.mu.Unlock()

	d.logger.Debug("nodes detected", "timestep", ts, "nodes", len(nf.Nodes))
	return nf, nil
}

// prepare extracts the single timestep the engine reads and merges the
// orography field.
func (d *Detector) prepare(ts time.Time, snapshot *dataset.Dataset) (*dataset.Dataset, error) {
	ti := snapshot.TimeIndex(ts)
	if ti < 0 {
		return nil, fmt.Errorf("%w: snapshot has no timestep %s", domain.ErrMissingField, domain.FormatStamp(ts))
	}

	need := d.cfg.Fields.Required(domain.SchemaWithoutOrography)
	var missing []string
	for _, name := range need {
		if !snapshot.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s at %s", domain.ErrMissingField, strings.Join(missing, ", "), domain.FormatStamp(ts))
	}

	snap, err := snapshot.At(ti, need...)
	if err != nil {
		return nil, err
	}
	if !d.cfg.Schema.HasOrography() {
		return snap, nil
	}

	if !d.cfg.Orography.SameGrid(snap) {
		return nil, fmt.Errorf("%w: orography is %dx%d, snapshot is %dx%d", domain.ErrGridMismatch,
			d.cfg.Orography.NX(), d.cfg.Orography.NY(), snap.NX(), snap.NY())
	}
	orog, err := d.cfg.Orography.Field(d.cfg.Fields.Orography, 0)
	if err != nil {
		return nil, err
	}
	if err := snap.SetField(d.cfg.Fields.Orography, 0, orog); err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *Detector) read(path string, schema domain.Schema) (domain.NodeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.NodeFile{}, fmt.Errorf("read node file: %w", err)
	}
	ts, nodes, err := domain.ParseNodeFile(string(data), schema)
	if err != nil {
		return domain.NodeFile{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return domain.NodeFile{Time: ts, Path: path, Nodes: nodes}, nil
}

// Recover loads node files left in the working directory by an earlier run
// of the same identity, in time order. Unreadable files are skipped.
func (d *Detector) Recover() ([]domain.NodeFile, error) {
	entries, err := os.ReadDir(nodesDir(d.cfg.WorkDir))
	if err != nil {
		return nil, fmt.Errorf("list node files: %w", err)
	}

	var out []domain.NodeFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "nodes_") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		ts, err := time.Parse("2006010215", strings.TrimSuffix(strings.TrimPrefix(name, "nodes_"), ".txt"))
		if err != nil {
			continue
		}
		path := filepath.Join(nodesDir(d.cfg.WorkDir), name)
		nf, err := d.read(path, d.cfg.Schema)
		if err != nil {
			d.logger.Warn("skipping unreadable node file", "path", path, "error", err)
			continue
		}
		nf.Time = ts
		out = append(out, nf)

		d.mu.Lock()
		d.files[ts] = path
		d.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })
	return out, nil
}

// Cleanup removes the node files of timesteps before the given time and
// returns how many were removed.
func (d *Detector) Cleanup(before time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		removed int
		errs    []error
	)
	for ts, path := range d.files {
		if !ts.Before(before) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(d.files, ts)
		removed++
	}
	return removed, errors.Join(errs...)
}

// Pending returns the number of node files currently kept on disk.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

func nodesDir(workDir string) string     { return filepath.Join(workDir, "nodes") }
func snapshotsDir(workDir string) string { return filepath.Join(workDir, "snapshots") }
