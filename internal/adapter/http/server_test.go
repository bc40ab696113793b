package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	httpadapter "github.com/couchcryptid/storm-tracker/internal/adapter/http"
	"github.com/couchcryptid/storm-tracker/internal/catalog"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 20, 0, 0, 0, 0, time.UTC)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, nil, slog.Default())
}

func track(id string, start time.Time, n int) domain.Track {
	tr := domain.Track{ID: id}
	for k := range n {
		tr.Points = append(tr.Points, domain.TrackPoint{
			Time:     start.Add(time.Duration(k) * 6 * time.Hour),
			Lon:      130 - float64(k),
			Lat:      12 + float64(k),
			Pressure: 100000 - 100*float64(k),
		})
	}
	return tr
}

// newCatalogServer serves a catalog holding two tracks of one block.
func newCatalogServer(t *testing.T) *httpadapter.Server {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "tracks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.UpsertBlock(context.Background(), domain.Block{
		Model:  "ERA5",
		Exp:    "hist",
		RunID:  "run-1",
		Window: domain.TimeWindow{BlockStart: t0, BlockEnd: t0.Add(3 * domain.Day)},
		Tracks: []domain.Track{
			track("20200120-0", t0, 10),
			track("20200120-1", t0.Add(2*domain.Day), 4),
		},
	}))
	return httpadapter.NewServer(":0", &mockReadiness{}, db, slog.Default())
}

func get(t *testing.T, srv http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := get(t, newTestServer(nil), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := get(t, newTestServer(nil), "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := get(t, newTestServer(fmt.Errorf("not ready yet")), "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(nil), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTracksRoutesAbsentWithoutCatalog(t *testing.T) {
	rec := get(t, newTestServer(nil), "/tracks")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTracks(t *testing.T) {
	srv := newCatalogServer(t)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all", "/tracks", []string{"20200120-0", "20200120-1"}},
		{"by identity", "/tracks?model=ERA5&exp=hist", []string{"20200120-0", "20200120-1"}},
		{"other identity", "/tracks?model=IFS", nil},
		{"limit", "/tracks?limit=1", []string{"20200120-0"}},
		{"ending after from", "/tracks?from=2020-01-22T07:00:00Z", []string{"20200120-1"}},
		{"starting before to", "/tracks?to=2020-01-21T00:00:00Z", []string{"20200120-0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Tracks []catalog.Summary `json:"tracks"`
				Count  int               `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			var ids []string
			for _, s := range body.Tracks {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), body.Count)
		})
	}
}

func TestListTracks_BadParams(t *testing.T) {
	srv := newCatalogServer(t)
	for _, target := range []string{"/tracks?from=yesterday", "/tracks?to=2020-01-21", "/tracks?limit=-1", "/tracks?limit=x"} {
		rec := get(t, srv, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGetTrack(t *testing.T) {
	srv := newCatalogServer(t)

	rec := get(t, srv, "/tracks/20200120-0?model=ERA5&exp=hist")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Summary catalog.Summary `json:"summary"`
		Track   domain.Track    `json:"track"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.Summary.RunID)
	assert.Equal(t, 10, body.Summary.Points)
	assert.Len(t, body.Track.Points, 10)
	assert.Equal(t, t0, body.Track.Points[0].Time)
}

func TestGetTrack_Errors(t *testing.T) {
	srv := newCatalogServer(t)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/tracks/20200120-0").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/tracks/20200120-9?model=ERA5&exp=hist").Code)
}

type failingStore struct{}

func (failingStore) List(context.Context, catalog.Filter) ([]catalog.Summary, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) Get(context.Context, string, string, string) (catalog.Summary, domain.Track, error) {
	return catalog.Summary{}, domain.Track{}, errors.New("disk gone")
}

func TestTracks_StoreFailure(t *testing.T) {
	srv := httpadapter.NewServer(":0", &mockReadiness{}, failingStore{}, slog.Default())

	assert.Equal(t, http.StatusInternalServerError, get(t, srv, "/tracks").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, srv, "/tracks/x?model=ERA5&exp=hist").Code)
}
