package extract

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/engine"
	"github.com/couchcryptid/storm-tracker/internal/engine/enginetest"
	"github.com/couchcryptid/storm-tracker/internal/reader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 20, 0, 0, 0, 0, time.UTC)

var fieldNames = engine.Fields{
	Pressure:        "msl",
	U10:             "10u",
	V10:             "10v",
	Geopotential300: "z_300",
	Geopotential500: "z_500",
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMask_UnionCount(t *testing.T) {
	lons, lats := enginetest.Grid(0, -10, 1, 40, 30)

	one := Mask(lons, lats, Boxes([]domain.Position{{Lon: 15, Lat: 5}}, 2))
	assert.Equal(t, 25, Count(one))

	two := Mask(lons, lats, Boxes([]domain.Position{{Lon: 15, Lat: 5}, {Lon: 17, Lat: 5}}, 2))
	assert.Equal(t, 35, Count(two), "overlapping cells counted once")

	disjoint := Mask(lons, lats, Boxes([]domain.Position{{Lon: 5, Lat: 0}, {Lon: 30, Lat: 10}}, 1))
	assert.Equal(t, 18, Count(disjoint))

	assert.Zero(t, Count(Mask(lons, lats, nil)))
}

func TestMask_WrapsLongitude(t *testing.T) {
	lons, lats := enginetest.Grid(0, -2, 1, 360, 5)

	for _, lon := range []float64{359, -1} {
		mask := Mask(lons, lats, Boxes([]domain.Position{{Lon: lon, Lat: 0}}, 2))
		assert.Equal(t, 25, Count(mask), "box at %v", lon)
		for _, i := range []int{357, 358, 359, 0, 1} {
			assert.True(t, mask[2*360+i], "lon %d", i)
		}
		assert.False(t, mask[2*360+2])
		assert.False(t, mask[2*360+356])
	}
}

func stormFields(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	lons, lats := enginetest.Grid(0, -10, 1, 40, 30)
	f := enginetest.Fields(enginetest.Steps(t0, 6*time.Hour, n), lons, lats,
		fieldNames, enginetest.Storm{Lon0: 10, Lat0: 0, DLon: 1, DLat: 1, Depth: 2000})
	return f
}

func TestExtract(t *testing.T) {
	full := stormFields(t, 1)

	mf, err := Extract(t0, []domain.Position{{Lon: 15, Lat: 5, TrackID: "x"}}, full, []string{"msl", "10u"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 25, mf.Kept)

	src, _ := full.Field("msl", 0)
	for c, v := range mf.Fields["msl"] {
		lon, lat := full.Lons[c%full.NX()], full.Lats[c/full.NX()]
		inside := lon >= 13 && lon <= 17 && lat >= 3 && lat <= 7
		if inside {
			assert.InDelta(t, src[c], v, 0)
		} else {
			assert.True(t, dataset.IsMissing(v))
		}
	}
}

func TestExtract_NoPositionsAllMissing(t *testing.T) {
	mf, err := Extract(t0, nil, stormFields(t, 1), []string{"msl"}, 2)
	require.NoError(t, err)
	assert.Zero(t, mf.Kept)
	for _, v := range mf.Fields["msl"] {
		require.True(t, dataset.IsMissing(v))
	}
}

func TestExtract_MissingVariable(t *testing.T) {
	_, err := Extract(t0, nil, stormFields(t, 1), []string{"tp"}, 2)
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = Extract(t0.Add(time.Hour), nil, stormFields(t, 1), []string{"msl"}, 2)
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestBlock_OrderAndPersist(t *testing.T) {
	full := stormFields(t, 4)
	window := domain.TimeWindow{BlockStart: t0, BlockEnd: t0.Add(domain.Day)}
	b := NewBlock(window, 6*time.Hour, []string{"msl", "tp"})

	second, err := Extract(t0.Add(6*time.Hour), []domain.Position{{Lon: 11, Lat: 1}}, full, []string{"msl"}, 3)
	require.NoError(t, err)
	first, err := Extract(t0, []domain.Position{{Lon: 10, Lat: 0}}, full, []string{"msl"}, 3)
	require.NoError(t, err)

	require.NoError(t, b.Add(second))
	assert.Error(t, b.Add(first), "out of order")
	assert.Error(t, b.Add(second), "duplicate")

	outside, err := Extract(t0, nil, full, []string{"msl"}, 3)
	require.NoError(t, err)
	outside.Time = t0.Add(domain.Day)
	assert.Error(t, b.Add(outside))

	path := filepath.Join(t.TempDir(), "block.tcz")
	require.NoError(t, b.Persist(path, map[string]string{"model": "IFS"}))

	got, err := dataset.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, enginetest.Steps(t0, 6*time.Hour, 4), got.Times)
	assert.Equal(t, []string{"msl", "tp"}, got.Names())
	assert.Equal(t, "IFS", got.Attrs["model"])

	h, err := dataset.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, "hours since 1970-01-01 00:00:00", h.Units)
	assert.Equal(t, "standard", h.Calendar)

	never, _ := got.Field("msl", 0)
	for _, v := range never {
		require.True(t, dataset.IsMissing(v))
	}
	kept := 0
	added, _ := got.Field("msl", 1)
	for _, v := range added {
		if !dataset.IsMissing(v) {
			kept++
		}
	}
	assert.Equal(t, 49, kept)
}

func TestBlock_PersistEmpty(t *testing.T) {
	b := NewBlock(domain.TimeWindow{BlockStart: t0, BlockEnd: t0.Add(domain.Day)}, 6*time.Hour, []string{"msl"})
	assert.True(t, b.Empty())
	assert.Error(t, b.Persist(filepath.Join(t.TempDir(), "x.tcz"), nil))
}

func TestArtifactPath(t *testing.T) {
	w := domain.TimeWindow{BlockStart: t0, BlockEnd: t0.Add(3 * domain.Day)}
	assert.Equal(t,
		filepath.Join("out", "IFS", "hist", "tc_fields_IFS_hist_2020012000-2020012300.tcz"),
		ArtifactPath("out", "IFS", "hist", w))
}

type memRetriever struct {
	d     *dataset.Dataset
	calls int
	reqs  []reader.Request
}

func (m *memRetriever) Retrieve(_ context.Context, req reader.Request) (*dataset.Dataset, error) {
	m.calls++
	m.reqs = append(m.reqs, req)
	ti := m.d.TimeIndex(req.From)
	if ti < 0 {
		return nil, domain.ErrEndOfStream
	}
	return m.d.At(ti, req.Vars...)
}

func TestExtractor_Run(t *testing.T) {
	full := stormFields(t, 10)
	src := &memRetriever{d: full}
	out := t.TempDir()
	e := New(src, Config{
		OutDir: out,
		Model:  "IFS",
		Exp:    "hist",
		Vars:   []string{"msl", "10u", "10v"},
		Delta:  2,
		Step:   6 * time.Hour,
	}, discardLogger())

	storm := enginetest.Storm{Lon0: 10, Lat0: 0, DLon: 1, DLat: 1}
	mapping := make(domain.ReorderedTimeMapping)
	for k := 2; k < 8; k++ {
		lon, lat := storm.Position(k)
		mapping[full.Times[k]] = []domain.Position{{Lon: lon, Lat: lat, TrackID: "20200120-0"}}
	}
	window := domain.TimeWindow{BlockStart: t0, BlockEnd: t0.Add(3 * domain.Day)}

	path, err := e.Run(context.Background(), window, mapping)
	require.NoError(t, err)
	assert.Equal(t, ArtifactPath(out, "IFS", "hist", window), path)
	assert.Equal(t, 7, src.calls, "one grid lookup plus one per tracked timestep")
	for _, req := range src.reqs {
		assert.True(t, req.NoWait, "core timesteps lie behind the cursor")
	}

	got, err := dataset.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Times, 12)

	msl, err := got.Field("msl", 5)
	require.NoError(t, err)
	kept := 0
	for c, v := range msl {
		if dataset.IsMissing(v) {
			continue
		}
		kept++
		lon, lat := got.Lons[c%got.NX()], got.Lats[c/got.NX()]
		assert.LessOrEqual(t, abs(lon-15), 2.0)
		assert.LessOrEqual(t, abs(lat-5), 2.0)
	}
	assert.Equal(t, 25, kept)
}

func TestExtractor_FollowedArchiveWithHole(t *testing.T) {
	full := stormFields(t, 10)
	dir := t.TempDir()
	for k, ts := range full.Times {
		if k == 4 {
			continue
		}
		snap, err := full.At(k)
		require.NoError(t, err)
		require.NoError(t, dataset.WriteFile(filepath.Join(dir, "ifs_"+domain.FormatStamp(ts)+reader.Ext), snap))
	}
	archive, err := reader.NewArchive(reader.ArchiveConfig{Dir: dir, Follow: true, IdleTimeout: time.Minute}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(archive.Close)

	e := New(archive, Config{
		OutDir: t.TempDir(),
		Model:  "IFS",
		Exp:    "hist",
		Vars:   []string{"msl"},
		Delta:  2,
		Step:   6 * time.Hour,
	}, discardLogger())

	storm := enginetest.Storm{Lon0: 10, Lat0: 0, DLon: 1, DLat: 1}
	mapping := make(domain.ReorderedTimeMapping)
	for k := 2; k < 8; k++ {
		lon, lat := storm.Position(k)
		mapping[full.Times[k]] = []domain.Position{{Lon: lon, Lat: lat, TrackID: "20200120-0"}}
	}
	window := domain.TimeWindow{BlockStart: t0, BlockEnd: t0.Add(10 * 6 * time.Hour)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	path, err := e.Run(ctx, window, mapping)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "the missing timestep does not wait for new files")

	got, err := dataset.ReadFile(path)
	require.NoError(t, err)
	msl, err := got.Field("msl", 4)
	require.NoError(t, err)
	for _, v := range msl {
		assert.True(t, dataset.IsMissing(v))
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
