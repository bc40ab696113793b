package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// writeScript creates an executable that writes body to the path following
// --out and exits with code.
func writeScript(t *testing.T, body string, code int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	script := "#!/bin/sh\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"--out\" ]; then out=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n"
	if body != "" {
		script += "printf '" + body + "' > \"$out\"\n"
	}
	script += "exit " + string(rune('0'+code)) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

var fields = Fields{
	Pressure:        "msl",
	U10:             "10u",
	V10:             "10v",
	Geopotential300: "z_300",
	Geopotential500: "z_500",
	Orography:       "orog",
}

func TestCommand_Run(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		err := Command{Path: "sh"}.Run(ctx, discardLogger(), "-c", "exit 0")
		assert.NoError(t, err)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		err := Command{Path: "sh"}.Run(ctx, discardLogger(), "-c", "echo boom >&2; exit 3")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrEngineFailed)
		assert.Contains(t, err.Error(), "code 3")
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("timeout", func(t *testing.T) {
		cmd := Command{Path: "sh", Timeout: 50 * time.Millisecond}
		err := cmd.Run(ctx, discardLogger(), "-c", "exec sleep 5")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrEngineTimeout)
	})

	t.Run("missing binary", func(t *testing.T) {
		err := Command{Path: filepath.Join(t.TempDir(), "nope")}.Run(ctx, discardLogger())
		assert.ErrorIs(t, err, domain.ErrEngineFailed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := Command{Path: "sh"}.Run(cctx, discardLogger(), "-c", "exit 0")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDetectNodes_Args(t *testing.T) {
	d := NewDetectNodes(Command{Path: "DetectNodes"}, DetectParams{
		MergeDist:          6,
		ClosedContourPSL:   "200.0,5.5,0",
		ClosedContourThick: "-58.8,6.5,1.0",
	}, discardLogger())

	req := DetectRequest{SnapshotPath: "in.tcz", OutputPath: "out.txt", Fields: fields}
	args := d.Args(req)
	assert.Equal(t, []string{
		"--in_data", "in.tcz",
		"--out", "out.txt",
		"--searchbymin", "msl",
		"--closedcontourcmd", "msl,200.0,5.5,0;_DIFF(z_300,z_500),-58.8,6.5,1.0",
		"--mergedist", "6",
		"--outputcmd", "msl,min,0;_VECMAG(10u,10v),max,2",
		"--latname", "lat",
		"--lonname", "lon",
	}, args)

	req.Schema = domain.SchemaWithOrography
	args = d.Args(req)
	assert.Contains(t, args, "msl,min,0;_VECMAG(10u,10v),max,2;orog,min,0")
}

func TestStitchNodes_Args(t *testing.T) {
	s := NewStitchNodes(Command{Path: "StitchNodes"}, discardLogger())
	req := StitchRequest{
		InputPath:  "all.txt",
		OutputPath: "tracks.txt",
		Schema:     domain.SchemaWithOrography,
		Constraints: domain.Constraints{
			Range:   8,
			MinTime: 54 * time.Hour,
			MaxGap:  24 * time.Hour,
			Thresholds: []domain.Threshold{
				{Var: "wind", Op: ">=", Value: 10, Count: 10},
				{Var: "zs", Op: "<", Value: 150, Count: 10},
			},
		},
	}
	assert.Equal(t, []string{
		"--in", "all.txt",
		"--in_fmt", "lon,lat,slp,wind,zs",
		"--range", "8",
		"--mintime", "54h",
		"--maxgap", "24h",
		"--out", "tracks.txt",
		"--threshold", "wind,>=,10,10;zs,<,150,10",
	}, s.Args(req))

	req.Constraints.Thresholds = nil
	assert.NotContains(t, s.Args(req), "--threshold")
}

func TestDetectNodes_Detect(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "nodes.txt")
	req := DetectRequest{SnapshotPath: "in.tcz", OutputPath: out, Fields: fields}

	t.Run("writes output", func(t *testing.T) {
		d := NewDetectNodes(Command{Path: writeScript(t, `2020\t01\t20\t0\t00\n`, 0)}, DetectParams{ClosedContourPSL: "200,5.5,0"}, discardLogger())
		require.NoError(t, d.Detect(context.Background(), req))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "2020\t01\t20\t0\t00\n", string(data))
	})

	t.Run("no output file", func(t *testing.T) {
		missing := req
		missing.OutputPath = filepath.Join(t.TempDir(), "missing.txt")
		d := NewDetectNodes(Command{Path: writeScript(t, "", 0)}, DetectParams{}, discardLogger())
		err := d.Detect(context.Background(), missing)
		assert.ErrorIs(t, err, domain.ErrEngineFailed)
	})

	t.Run("engine failure", func(t *testing.T) {
		d := NewDetectNodes(Command{Path: writeScript(t, "", 2)}, DetectParams{}, discardLogger())
		err := d.Detect(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrEngineFailed)
	})
}

func TestStitchNodes_EmptyOutputIsValid(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "tracks.txt")
	s := NewStitchNodes(Command{Path: writeScript(t, "", 0)}, discardLogger())
	require.NoError(t, os.WriteFile(out, nil, 0o644))

	err := s.Stitch(context.Background(), StitchRequest{InputPath: "in", OutputPath: out})
	assert.NoError(t, err)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "cdef", b.String())
}

func TestFields_Required(t *testing.T) {
	assert.Equal(t, []string{"msl", "10u", "10v", "z_300", "z_500"}, fields.Required(domain.SchemaWithoutOrography))
	assert.Len(t, fields.Required(domain.SchemaWithOrography), 6)
}
