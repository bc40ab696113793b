package reader

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
	"github.com/dgraph-io/ristretto"
	"github.com/fsnotify/fsnotify"
)

// Ext is the file extension of dataset containers.
const Ext = ".tcz"

// ArchiveConfig configures an Archive.
type ArchiveConfig struct {
	Dir string
	// RegridFactor is the number of cells averaged along each axis by
	// Regrid. Values below 2 disable regridding.
	RegridFactor int
	// Follow makes Retrieve wait for new files instead of reporting the end
	// of the stream, until nothing arrives for IdleTimeout.
	Follow      bool
	IdleTimeout time.Duration
	// CacheFiles bounds how many decoded files are kept in memory.
	CacheFiles int64
}

// Archive reads snapshots from a directory of dataset containers. Each file
// may hold any number of timesteps; files are indexed by the times in their
// headers.
type Archive struct {
	cfg    ArchiveConfig
	logger *slog.Logger
	cache  *ristretto.Cache

	mu      sync.Mutex
	index   map[time.Time]string
	scanned map[string]bool
}

// NewArchive creates an Archive over cfg.Dir, which must exist.
func NewArchive(cfg ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open archive: %s is not a directory", cfg.Dir)
	}
	if cfg.CacheFiles <= 0 {
		cfg.CacheFiles = 8
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.CacheFiles * 10,
		MaxCost:     cfg.CacheFiles,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create file cache: %w", err)
	}
	return &Archive{
		cfg:     cfg,
		logger:  logger,
		cache:   cache,
		index:   make(map[time.Time]string),
		scanned: make(map[string]bool),
	}, nil
}

// Close releases the decoded-file cache.
func (a *Archive) Close() {
	a.cache.Close()
}

// Retrieve returns the requested variables for every archived timestep in
// [req.From, req.To). Variables absent from a file are left missing for its
// timesteps, and variables absent from every file are omitted.
func (a *Archive) Retrieve(ctx context.Context, req Request) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.scan(); err != nil {
		return nil, err
	}

	steps := a.steps(req)
	if len(steps) == 0 {
		if !a.cfg.Follow || req.NoWait {
			return nil, domain.ErrEndOfStream
		}
		if err := a.wait(ctx, req); err != nil {
			return nil, err
		}
		steps = a.steps(req)
	}
	return a.assemble(req, steps)
}

func (a *Archive) assemble(req Request, steps []time.Time) (*dataset.Dataset, error) {
	var out *dataset.Dataset
	for k, ts := range steps {
		a.mu.Lock()
		path := a.index[ts]
		a.mu.Unlock()

		src, err := a.load(path)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = dataset.New(steps, src.Lons, src.Lats)
			for key, v := range src.Attrs {
				out.Attrs[key] = v
			}
		} else if !out.SameGrid(src) {
			return nil, fmt.Errorf("%w: %s differs from earlier files", domain.ErrGridMismatch, filepath.Base(path))
		}

		ti := src.TimeIndex(ts)
		for _, name := range req.Vars {
			if !src.Has(name) {
				continue
			}
			field, err := src.Field(name, ti)
			if err != nil {
				return nil, err
			}
			if err := out.SetField(name, k, field); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// load decodes a file, consulting the cache first. Cached datasets are
// shared and must not be modified.
func (a *Archive) load(path string) (*dataset.Dataset, error) {
	if v, ok := a.cache.Get(path); ok {
		return v.(*dataset.Dataset), nil
	}
	d, err := dataset.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a.cache.Set(path, d, 1)
	return d, nil
}

// scan indexes container files not seen before.
func (a *Archive) scan() error {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != Ext {
			continue
		}
		path := filepath.Join(a.cfg.Dir, name)
		if a.scanned[path] {
			continue
		}
		h, err := dataset.ReadHeader(path)
		if err != nil {
			a.logger.Warn("skipping unreadable archive file", "path", path, "error", err)
			a.scanned[path] = true
			continue
		}
		for _, ts := range h.Times() {
			if prev, ok := a.index[ts]; ok {
				a.logger.Warn("timestep present in several files, keeping first",
					"timestep", ts, "kept", prev, "ignored", path)
				continue
			}
			a.index[ts] = path
		}
		a.scanned[path] = true
	}
	return nil
}

func (a *Archive) steps(req Request) []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []time.Time
	for ts := range a.index {
		if !ts.Before(req.From) && ts.Before(req.To) {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Last returns the latest indexed timestep, or false for an empty archive.
func (a *Archive) Last() (time.Time, bool, error) {
	if err := a.scan(); err != nil {
		return time.Time{}, false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var last time.Time
	for ts := range a.index {
		if ts.After(last) {
			last = ts
		}
	}
	return last, !last.IsZero(), nil
}

// First returns the earliest indexed timestep, or false for an empty archive.
func (a *Archive) First() (time.Time, bool, error) {
	if err := a.scan(); err != nil {
		return time.Time{}, false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var first time.Time
	for ts := range a.index {
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
	}
	return first, !first.IsZero(), nil
}

// wait blocks until a file covering req appears, the idle timeout expires or
// ctx is done.
func (a *Archive) wait(ctx context.Context, req Request) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch archive: %w", err)
	}
	defer w.Close()
	if err := w.Add(a.cfg.Dir); err != nil {
		return fmt.Errorf("watch archive: %w", err)
	}

	a.logger.Debug("waiting for new snapshots", "from", req.From, "idle_timeout", a.cfg.IdleTimeout)
	idle := time.NewTimer(a.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		// Files may have landed between the last scan and the watch.
		if err := a.scan(); err != nil {
			return err
		}
		if len(a.steps(req)) > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return domain.ErrEndOfStream
		case ev, ok := <-w.Events:
			if !ok {
				return domain.ErrEndOfStream
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				idle.Reset(a.cfg.IdleTimeout)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return domain.ErrEndOfStream
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				continue
			}
			a.logger.Warn("archive watch error", "error", err)
		}
	}
}
