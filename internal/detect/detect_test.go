package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/engine"
	"github.com/couchcryptid/storm-tracker/internal/engine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 20, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ifsFields(t *testing.T) engine.Fields {
	t.Helper()
	f, err := FieldsFor("IFS")
	require.NoError(t, err)
	return f
}

func snapshot(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	lons, lats := enginetest.Grid(0, -10, 1, 40, 30)
	storm := enginetest.Storm{Lon0: 10, Lat0: 0, DLon: 1, DLat: 1, Depth: 2000}
	return enginetest.Fields(enginetest.Steps(t0, 6*time.Hour, n), lons, lats, ifsFields(t), storm)
}

func newDetector(t *testing.T, eng engine.DetectionEngine, cfg Config) *Detector {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.Fields == (engine.Fields{}) {
		cfg.Fields = ifsFields(t)
	}
	d, err := New(eng, cfg, discardLogger())
	require.NoError(t, err)
	return d
}

func TestFieldsFor(t *testing.T) {
	for _, model := range []string{"IFS", "ERA5", "ICON", "IFS-NEMO", "IFS-FESOM", "era5"} {
		t.Run(model, func(t *testing.T) {
			f, err := FieldsFor(model)
			require.NoError(t, err)
			assert.NotEmpty(t, f.Pressure)
			assert.NotEmpty(t, f.Geopotential500)
		})
	}

	_, err := FieldsFor("GFS")
	assert.ErrorIs(t, err, domain.ErrUnknownModel)
	assert.Len(t, Models(), 5)
}

func TestDetect_FindsStormCenter(t *testing.T) {
	eng := &enginetest.Detector{Threshold: 100500}
	d := newDetector(t, eng, Config{})

	nf, err := d.Detect(context.Background(), t0.Add(6*time.Hour), snapshot(t, 3))
	require.NoError(t, err)

	assert.Equal(t, t0.Add(6*time.Hour), nf.Time)
	require.Len(t, nf.Nodes, 1)
	assert.InDelta(t, 11.0, nf.Nodes[0].Lon, 1e-9)
	assert.InDelta(t, 1.0, nf.Nodes[0].Lat, 1e-9)
	assert.Less(t, nf.Nodes[0].Pressure, 100000.0)
	assert.Nil(t, nf.Nodes[0].Orography)
	assert.Equal(t, "nodes_2020012006.txt", filepath.Base(nf.Path))
	assert.FileExists(t, nf.Path)

	calls := eng.Calls()
	require.Len(t, calls, 1)
	assert.NoFileExists(t, calls[0].SnapshotPath, "snapshot removed after the engine returns")
}

func TestDetect_EachStormWithPeakWind(t *testing.T) {
	lons, lats := enginetest.Grid(0, -10, 1, 40, 30)
	snap := enginetest.Fields(enginetest.Steps(t0, 6*time.Hour, 1), lons, lats, ifsFields(t),
		enginetest.Storm{Lon0: 10, Lat0: 5, Depth: 2000, Wind: 15},
		enginetest.Storm{Lon0: 30, Lat0: -5, Depth: 1500, Wind: 12},
	)
	d := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{})

	nf, err := d.Detect(context.Background(), t0, snap)
	require.NoError(t, err)
	require.Len(t, nf.Nodes, 2)

	// Nodes come out in grid order, south to north.
	assert.InDelta(t, 30.0, nf.Nodes[0].Lon, 1e-9)
	assert.InDelta(t, -5.0, nf.Nodes[0].Lat, 1e-9)
	assert.InDelta(t, 12.0, nf.Nodes[0].WindSpeed, 0.01)
	assert.InDelta(t, 10.0, nf.Nodes[1].Lon, 1e-9)
	assert.InDelta(t, 5.0, nf.Nodes[1].Lat, 1e-9)
	assert.InDelta(t, 15.0, nf.Nodes[1].WindSpeed, 0.01)
	assert.Greater(t, nf.Nodes[0].Pressure, nf.Nodes[1].Pressure)
}

func TestDetect_EmptyResult(t *testing.T) {
	d := newDetector(t, &enginetest.Detector{Threshold: 90000}, Config{})

	nf, err := d.Detect(context.Background(), t0, snapshot(t, 1))
	require.NoError(t, err)
	assert.Empty(t, nf.Nodes)
	assert.Equal(t, t0, nf.Time)
}

func TestDetect_Idempotent(t *testing.T) {
	d := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{})
	snap := snapshot(t, 1)

	first, err := d.Detect(context.Background(), t0, snap)
	require.NoError(t, err)
	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	second, err := d.Detect(context.Background(), t0, snap)
	require.NoError(t, err)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, first.Nodes, second.Nodes)
}

func TestDetect_MissingField(t *testing.T) {
	eng := &enginetest.Detector{Threshold: 100500}
	d := newDetector(t, eng, Config{})
	snap := snapshot(t, 1)
	delete(snap.Vars, "z_300")

	_, err := d.Detect(context.Background(), t0, snap)
	assert.ErrorIs(t, err, domain.ErrMissingField)
	assert.Empty(t, eng.Calls(), "engine not invoked")
}

func TestDetect_UnknownTimestep(t *testing.T) {
	d := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{})
	_, err := d.Detect(context.Background(), t0.Add(time.Hour), snapshot(t, 1))
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestDetect_EngineFailureLeavesNoFile(t *testing.T) {
	eng := &enginetest.Detector{
		Threshold: 100500,
		Fail:      map[time.Time]error{t0: errors.Join(domain.ErrEngineFailed, errors.New("boom"))},
	}
	d := newDetector(t, eng, Config{})

	_, err := d.Detect(context.Background(), t0, snapshot(t, 1))
	assert.ErrorIs(t, err, domain.ErrEngineFailed)
	assert.Zero(t, d.Pending())
}

func TestDetect_WithOrography(t *testing.T) {
	f := ifsFields(t)
	lons, lats := enginetest.Grid(0, -10, 1, 40, 30)
	d := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{
		Fields:    f,
		Schema:    domain.SchemaWithOrography,
		Orography: enginetest.Orography(lons, lats, f.Orography, 12.5),
	})

	nf, err := d.Detect(context.Background(), t0, snapshot(t, 1))
	require.NoError(t, err)
	require.Len(t, nf.Nodes, 1)
	require.NotNil(t, nf.Nodes[0].Orography)
	assert.InDelta(t, 12.5, *nf.Nodes[0].Orography, 1e-6)
}

func TestDetect_OrographyGridMismatch(t *testing.T) {
	f := ifsFields(t)
	lons, lats := enginetest.Grid(0, -10, 2, 20, 15)
	d := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{
		Fields:    f,
		Schema:    domain.SchemaWithOrography,
		Orography: enginetest.Orography(lons, lats, f.Orography, 0),
	})

	_, err := d.Detect(context.Background(), t0, snapshot(t, 1))
	assert.ErrorIs(t, err, domain.ErrGridMismatch)
}

func TestNew_OrographyRequired(t *testing.T) {
	_, err := New(&enginetest.Detector{}, Config{
		WorkDir: t.TempDir(),
		Fields:  ifsFields(t),
		Schema:  domain.SchemaWithOrography,
	}, discardLogger())
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestCleanupAndRecover(t *testing.T) {
	dir := t.TempDir()
	d := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{WorkDir: dir})
	snap := snapshot(t, 4)

	var paths []string
	for _, ts := range snap.Times {
		nf, err := d.Detect(context.Background(), ts, snap)
		require.NoError(t, err)
		paths = append(paths, nf.Path)
	}
	assert.Equal(t, 4, d.Pending())

	removed, err := d.Cleanup(snap.Times[2])
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, paths[0])
	assert.NoFileExists(t, paths[1])
	assert.FileExists(t, paths[2])

	restarted := newDetector(t, &enginetest.Detector{Threshold: 100500}, Config{WorkDir: dir})
	files, err := restarted.Recover()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, snap.Times[2], files[0].Time)
	assert.Equal(t, snap.Times[3], files[1].Time)
	assert.Len(t, files[1].Nodes, 1)
	assert.Equal(t, 2, restarted.Pending())
}
