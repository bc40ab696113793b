// Package catalog stores stitched tracks in SQLite for querying.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tracks (
	model         TEXT NOT NULL,
	exp           TEXT NOT NULL,
	id            TEXT NOT NULL,
	run_id        TEXT NOT NULL DEFAULT '',
	block_start   TEXT NOT NULL,
	block_end     TEXT NOT NULL,
	start_time    TEXT NOT NULL,
	end_time      TEXT NOT NULL,
	points        INTEGER NOT NULL,
	min_pressure  REAL NOT NULL,
	max_wind      REAL NOT NULL,
	genesis_lon   REAL NOT NULL,
	genesis_lat   REAL NOT NULL,
	genesis_place TEXT NOT NULL DEFAULT '',
	geo_source    TEXT NOT NULL DEFAULT '',
	artifact      TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (model, exp, id)
);

CREATE TABLE IF NOT EXISTS track_points (
	model     TEXT NOT NULL,
	exp       TEXT NOT NULL,
	track_id  TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	time      TEXT NOT NULL,
	lon       REAL NOT NULL,
	lat       REAL NOT NULL,
	pressure  REAL NOT NULL,
	wind      REAL NOT NULL,
	orography REAL,
	PRIMARY KEY (model, exp, track_id, seq),
	FOREIGN KEY (model, exp, track_id) REFERENCES tracks(model, exp, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tracks_block ON tracks(model, exp, block_start);
CREATE INDEX IF NOT EXISTS idx_tracks_start ON tracks(start_time);
`

// ErrNotFound is returned when a track does not exist.
var ErrNotFound = errors.New("track not found")

// DB wraps a sql.DB with catalog operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// CheckReadiness pings the database.
func (db *DB) CheckReadiness(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Summary is one row of the tracks table.
type Summary struct {
	Model        string    `json:"model"`
	Exp          string    `json:"exp"`
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	BlockStart   time.Time `json:"block_start"`
	BlockEnd     time.Time `json:"block_end"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Points       int       `json:"points"`
	MinPressure  float64   `json:"min_pressure"`
	MaxWind      float64   `json:"max_wind"`
	GenesisLon   float64   `json:"genesis_lon"`
	GenesisLat   float64   `json:"genesis_lat"`
	GenesisPlace string    `json:"genesis_place,omitempty"`
	GeoSource    string    `json:"geo_source,omitempty"`
	Artifact     string    `json:"artifact,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UpsertBlock replaces every track previously stored for the block with
// b.Tracks, within a transaction.
func (db *DB) UpsertBlock(ctx context.Context, b domain.Block) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	blockStart := formatTime(b.Window.BlockStart)
	_, err = tx.ExecContext(ctx, `DELETE FROM tracks WHERE model = ? AND exp = ? AND block_start = ?`, b.Model, b.Exp, blockStart)
	if err != nil {
		return fmt.Errorf("catalog: clear block: %w", err)
	}

	trackStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracks (model, exp, id, run_id, block_start, block_end, start_time, end_time,
			points, min_pressure, max_wind, genesis_lon, genesis_lat, genesis_place, geo_source, artifact, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, exp, id) DO UPDATE SET
			run_id        = excluded.run_id,
			block_start   = excluded.block_start,
			block_end     = excluded.block_end,
			start_time    = excluded.start_time,
			end_time      = excluded.end_time,
			points        = excluded.points,
			min_pressure  = excluded.min_pressure,
			max_wind      = excluded.max_wind,
			genesis_lon   = excluded.genesis_lon,
			genesis_lat   = excluded.genesis_lat,
			genesis_place = excluded.genesis_place,
			geo_source    = excluded.geo_source,
			artifact      = excluded.artifact,
			updated_at    = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("catalog: prepare track insert: %w", err)
	}
	defer trackStmt.Close()

	pointStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO track_points (model, exp, track_id, seq, time, lon, lat, pressure, wind, orography)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("catalog: prepare point insert: %w", err)
	}
	defer pointStmt.Close()

	now := formatTime(domain.Now())
	for _, t := range b.Tracks {
		if len(t.Points) == 0 {
			continue
		}
		minP, maxW := extremes(t)
		g := t.Points[0]
		_, err := trackStmt.ExecContext(ctx,
			b.Model, b.Exp, t.ID, b.RunID, blockStart, formatTime(b.Window.BlockEnd),
			formatTime(t.Start()), formatTime(t.End()), len(t.Points), minP, maxW,
			g.Lon, g.Lat, t.GenesisPlace, t.GeoSource, b.Artifact, now,
		)
		if err != nil {
			return fmt.Errorf("catalog: insert track %s: %w", t.ID, err)
		}
		for seq, p := range t.Points {
			_, err := pointStmt.ExecContext(ctx, b.Model, b.Exp, t.ID, seq,
				formatTime(p.Time), p.Lon, p.Lat, p.Pressure, p.WindSpeed, p.Orography)
			if err != nil {
				return fmt.Errorf("catalog: insert point %s/%d: %w", t.ID, seq, err)
			}
		}
	}

	return tx.Commit()
}

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	Model string
	Exp   string
	From  time.Time // tracks ending at or after From
	To    time.Time // tracks starting before To
	Limit int
}

// List returns track summaries ordered by start time.
func (db *DB) List(ctx context.Context, f Filter) ([]Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM tracks WHERE 1=1`
	var args []any
	if f.Model != "" {
		query += ` AND model = ?`
		args = append(args, f.Model)
	}
	if f.Exp != "" {
		query += ` AND exp = ?`
		args = append(args, f.Exp)
	}
	if !f.From.IsZero() {
		query += ` AND end_time >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND start_time < ?`
		args = append(args, formatTime(f.To))
	}
	query += ` ORDER BY start_time, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns a track with all its points.
func (db *DB) Get(ctx context.Context, model, exp, id string) (Summary, domain.Track, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM tracks WHERE model = ? AND exp = ? AND id = ?`, model, exp, id)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, domain.Track{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, domain.Track{}, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT time, lon, lat, pressure, wind, orography FROM track_points
		WHERE model = ? AND exp = ? AND track_id = ? ORDER BY seq`, model, exp, id)
	if err != nil {
		return Summary{}, domain.Track{}, fmt.Errorf("catalog: points: %w", err)
	}
	defer rows.Close()

	track := domain.Track{ID: s.ID, GenesisPlace: s.GenesisPlace, GeoSource: s.GeoSource}
	for rows.Next() {
		var (
			p    domain.TrackPoint
			ts   string
			orog sql.NullFloat64
		)
		if err := rows.Scan(&ts, &p.Lon, &p.Lat, &p.Pressure, &p.WindSpeed, &orog); err != nil {
			return Summary{}, domain.Track{}, err
		}
		if p.Time, err = parseTime(ts); err != nil {
			return Summary{}, domain.Track{}, err
		}
		if orog.Valid {
			v := orog.Float64
			p.Orography = &v
		}
		track.Points = append(track.Points, p)
	}
	return s, track, rows.Err()
}

const summaryColumns = `model, exp, id, run_id, block_start, block_end, start_time, end_time,
	points, min_pressure, max_wind, genesis_lon, genesis_lat, genesis_place, geo_source, artifact, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (Summary, error) {
	var (
		s                                         Summary
		blockStart, blockEnd, start, end, updated string
	)
	err := row.Scan(&s.Model, &s.Exp, &s.ID, &s.RunID, &blockStart, &blockEnd, &start, &end,
		&s.Points, &s.MinPressure, &s.MaxWind, &s.GenesisLon, &s.GenesisLat, &s.GenesisPlace,
		&s.GeoSource, &s.Artifact, &updated)
	if err != nil {
		return Summary{}, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&s.BlockStart, blockStart},
		{&s.BlockEnd, blockEnd},
		{&s.Start, start},
		{&s.End, end},
		{&s.UpdatedAt, updated},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return Summary{}, err
		}
	}
	return s, nil
}

func extremes(t domain.Track) (minPressure, maxWind float64) {
	minPressure, maxWind = t.Points[0].Pressure, t.Points[0].WindSpeed
	for _, p := range t.Points[1:] {
		minPressure = min(minPressure, p.Pressure)
		maxWind = max(maxWind, p.WindSpeed)
	}
	return minPressure, maxWind
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("catalog: bad timestamp %q: %w", s, err)
	}
	return t, nil
}
