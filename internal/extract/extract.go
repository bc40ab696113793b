// Package extract cuts the fields around active tracks out of full
// resolution snapshots and persists them per block.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/reader"
)

// MaskedField holds the variables of one timestamp with every cell outside
// the union of track boxes set to dataset.FillValue.
type MaskedField struct {
	Time   time.Time
	Lons   []float64
	Lats   []float64
	Fields map[string][]float32
	Kept   int // cells inside the mask
}

// Extract masks every variable of full at ts to the boxes of half-width
// delta around the active positions. No positions yields an all-missing
// field.
func Extract(ts time.Time, active []domain.Position, full *dataset.Dataset, vars []string, delta float64) (MaskedField, error) {
	ti := full.TimeIndex(ts)
	if ti < 0 {
		return MaskedField{}, fmt.Errorf("%w: no timestep %s in fields", domain.ErrMissingField, domain.FormatStamp(ts))
	}
	mask := Mask(full.Lons, full.Lats, Boxes(active, delta))

	mf := MaskedField{
		Time:   ts,
		Lons:   full.Lons,
		Lats:   full.Lats,
		Fields: make(map[string][]float32, len(vars)),
		Kept:   Count(mask),
	}
	for _, name := range vars {
		src, err := full.Field(name, ti)
		if err != nil {
			return MaskedField{}, fmt.Errorf("%w: %v", domain.ErrMissingField, err)
		}
		out := make([]float32, len(src))
		for c, v := range src {
			if mask[c] {
				out[c] = v
			} else {
				out[c] = dataset.FillValue
			}
		}
		mf.Fields[name] = out
	}
	return mf, nil
}

// Block accumulates the masked fields of one core block on a regular time
// axis. Timesteps never added stay missing.
type Block struct {
	window domain.TimeWindow
	times  []time.Time
	vars   []string
	data   *dataset.Dataset
	last   time.Time
}

// NewBlock prepares an accumulator for the core of window at the given
// model timestep.
func NewBlock(window domain.TimeWindow, step time.Duration, vars []string) *Block {
	return &Block{
		window: window,
		times:  domain.Steps(window.BlockStart, window.BlockEnd, step),
		vars:   vars,
	}
}

// Add stores mf. Fields must arrive in increasing time order, lie on the
// block's time axis and share one grid.
func (b *Block) Add(mf MaskedField) error {
	if !b.last.IsZero() && !mf.Time.After(b.last) {
		return fmt.Errorf("field at %s added after %s", domain.FormatStamp(mf.Time), domain.FormatStamp(b.last))
	}
	ti := -1
	for k, ts := range b.times {
		if ts.Equal(mf.Time) {
			ti = k
			break
		}
	}
	if ti < 0 {
		return fmt.Errorf("field at %s outside block %s", domain.FormatStamp(mf.Time), domain.FormatStamp(b.window.BlockStart))
	}

	if b.data == nil {
		b.data = dataset.New(b.times, mf.Lons, mf.Lats)
	} else if !b.data.SameGrid(dataset.New(nil, mf.Lons, mf.Lats)) {
		return fmt.Errorf("%w: field at %s", domain.ErrGridMismatch, domain.FormatStamp(mf.Time))
	}
	for _, name := range b.vars {
		field, ok := mf.Fields[name]
		if !ok {
			continue
		}
		if err := b.data.SetField(name, ti, field); err != nil {
			return err
		}
	}
	b.last = mf.Time
	return nil
}

// Empty reports whether no field has been added.
func (b *Block) Empty() bool { return b.data == nil }

// Persist writes the block as one compressed container.
func (b *Block) Persist(path string, attrs map[string]string) error {
	if b.data == nil {
		return errors.New("persist empty block")
	}
	// Variables never seen are written as all-missing.
	for _, name := range b.vars {
		if b.data.Has(name) {
			continue
		}
		missing := make([]float32, b.data.Cells())
		for c := range missing {
			missing[c] = dataset.FillValue
		}
		if err := b.data.SetField(name, 0, missing); err != nil {
			return err
		}
	}
	for k, v := range attrs {
		b.data.Attrs[k] = v
	}
	b.data.Attrs["block_start"] = b.window.BlockStart.Format(time.RFC3339)
	b.data.Attrs["block_end"] = b.window.BlockEnd.Format(time.RFC3339)
	return dataset.WriteFile(path, b.data)
}

// ArtifactPath returns where the block artifact of window is stored.
func ArtifactPath(outDir, model, exp string, window domain.TimeWindow) string {
	name := fmt.Sprintf("tc_fields_%s_%s_%s-%s.tcz", model, exp,
		domain.FormatStamp(window.BlockStart), domain.FormatStamp(window.BlockEnd))
	return filepath.Join(outDir, model, exp, name)
}

// Retriever supplies full resolution fields.
type Retriever interface {
	Retrieve(ctx context.Context, req reader.Request) (*dataset.Dataset, error)
}

// Config holds the extraction settings of a run.
type Config struct {
	OutDir string
	Model  string
	Exp    string
	Vars   []string
	Delta  float64
	Step   time.Duration
}

// Extractor is the only writer of block artifacts.
type Extractor struct {
	src    Retriever
	cfg    Config
	logger *slog.Logger
}

// New creates an Extractor reading full resolution fields from src.
func New(src Retriever, cfg Config, logger *slog.Logger) *Extractor {
	return &Extractor{src: src, cfg: cfg, logger: logger}
}

// Run extracts every core timestep of window around the positions in
// mapping and persists the block. It returns the artifact path.
func (e *Extractor) Run(ctx context.Context, window domain.TimeWindow, mapping domain.ReorderedTimeMapping) (string, error) {
	block := NewBlock(window, e.cfg.Step, e.cfg.Vars)
	var tracked int
	for _, ts := range block.times {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		active := mapping[ts]
		if len(active) == 0 && !block.Empty() {
			continue
		}

		full, err := e.src.Retrieve(ctx, reader.Request{
			Vars:   e.cfg.Vars,
			From:   ts,
			To:     ts.Add(e.cfg.Step),
			NoWait: true,
		})
		if errors.Is(err, domain.ErrEndOfStream) {
			e.logger.Warn("no full resolution fields for timestep", "timestep", ts)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("retrieve fields at %s: %w", domain.FormatStamp(ts), err)
		}

		mf, err := Extract(ts, active, full, e.cfg.Vars, e.cfg.Delta)
		if err != nil {
			return "", err
		}
		if err := block.Add(mf); err != nil {
			return "", err
		}
		if len(active) > 0 {
			tracked++
		}
	}
	if block.Empty() {
		return "", fmt.Errorf("no fields available for block %s", domain.FormatStamp(window.BlockStart))
	}

	path := ArtifactPath(e.cfg.OutDir, e.cfg.Model, e.cfg.Exp, window)
	attrs := map[string]string{
		"model": e.cfg.Model,
		"exp":   e.cfg.Exp,
		"delta": strconv.FormatFloat(e.cfg.Delta, 'f', -1, 64),
	}
	if err := block.Persist(path, attrs); err != nil {
		return "", fmt.Errorf("persist block: %w", err)
	}
	e.logger.Info("block persisted",
		"path", path,
		"block_start", window.BlockStart,
		"tracked_timesteps", tracked,
	)
	return path, nil
}
