package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/domain"
)

// maxCapturedOutput bounds how much engine output is kept for error messages.
const maxCapturedOutput = 4096

// waitDelay bounds how long a killed engine may hold its output pipes open.
const waitDelay = 5 * time.Second

// Command describes how to launch an engine binary.
type Command struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration
	Dir       string
}

// Run executes the command with args under the configured timeout. A
// non-zero exit maps to domain.ErrEngineFailed and an expired timeout to
// domain.ErrEngineTimeout.
func (c Command) Run(ctx context.Context, logger *slog.Logger, args ...string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	full := append(append([]string(nil), args...), c.ExtraArgs...)
	cmd := exec.CommandContext(ctx, c.Path, full...)
	cmd.Dir = c.Dir
	out := &tailBuffer{max: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	logger.Debug("engine finished",
		"command", c.Path,
		"duration", time.Since(start),
		"error", err,
	)
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", domain.ErrEngineTimeout, c.Path, c.Timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with code %d: %s", domain.ErrEngineFailed, c.Path, exitErr.ExitCode(), strings.TrimSpace(out.String()))
	}
	return fmt.Errorf("%w: start %s: %v", domain.ErrEngineFailed, c.Path, err)
}

// DetectParams tunes the detection criteria passed to the engine.
type DetectParams struct {
	MergeDist          float64
	ClosedContourPSL   string // "<dist>,<delta>,<minmaxdist>" for pressure
	ClosedContourThick string // warm-core thickness criterion; empty disables
}

// DetectNodes runs a DetectNodes-style binary.
type DetectNodes struct {
	cmd    Command
	params DetectParams
	logger *slog.Logger
}

// NewDetectNodes wraps a command as a DetectionEngine.
func NewDetectNodes(cmd Command, params DetectParams, logger *slog.Logger) *DetectNodes {
	return &DetectNodes{cmd: cmd, params: params, logger: logger}
}

// Args renders the engine arguments for a request.
func (d *DetectNodes) Args(req DetectRequest) []string {
	f := req.Fields
	contour := fmt.Sprintf("%s,%s", f.Pressure, d.params.ClosedContourPSL)
	if d.params.ClosedContourThick != "" {
		contour += fmt.Sprintf(";_DIFF(%s,%s),%s", f.Geopotential300, f.Geopotential500, d.params.ClosedContourThick)
	}
	output := fmt.Sprintf("%s,min,0;_VECMAG(%s,%s),max,2", f.Pressure, f.U10, f.V10)
	if req.Schema.HasOrography() {
		output += fmt.Sprintf(";%s,min,0", f.Orography)
	}
	return []string{
		"--in_data", req.SnapshotPath,
		"--out", req.OutputPath,
		"--searchbymin", f.Pressure,
		"--closedcontourcmd", contour,
		"--mergedist", strconv.FormatFloat(d.params.MergeDist, 'f', -1, 64),
		"--outputcmd", output,
		"--latname", "lat",
		"--lonname", "lon",
	}
}

// Detect runs the engine and checks that it produced its output file.
func (d *DetectNodes) Detect(ctx context.Context, req DetectRequest) error {
	if err := d.cmd.Run(ctx, d.logger, d.Args(req)...); err != nil {
		return err
	}
	return requireOutput(req.OutputPath)
}

// StitchNodes runs a StitchNodes-style binary.
type StitchNodes struct {
	cmd    Command
	logger *slog.Logger
}

// NewStitchNodes wraps a command as a StitchingEngine.
func NewStitchNodes(cmd Command, logger *slog.Logger) *StitchNodes {
	return &StitchNodes{cmd: cmd, logger: logger}
}

// Args renders the engine arguments for a request. The input format follows
// the run's schema.
func (s *StitchNodes) Args(req StitchRequest) []string {
	c := req.Constraints
	args := []string{
		"--in", req.InputPath,
		"--in_fmt", strings.Join(req.Schema.Variables(), ","),
		"--range", strconv.FormatFloat(c.Range, 'f', -1, 64),
		"--mintime", hours(c.MinTime),
		"--maxgap", hours(c.MaxGap),
		"--out", req.OutputPath,
	}
	if expr := c.ThresholdExpr(); expr != "" {
		args = append(args, "--threshold", expr)
	}
	return args
}

// Stitch runs the engine. A missing output file is a failure; an empty one
// means no track met the thresholds.
func (s *StitchNodes) Stitch(ctx context.Context, req StitchRequest) error {
	if err := s.cmd.Run(ctx, s.logger, s.Args(req)...); err != nil {
		return err
	}
	return requireOutput(req.OutputPath)
}

func requireOutput(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: no output at %s: %v", domain.ErrEngineFailed, path, err)
	}
	return nil
}

func hours(d time.Duration) string {
	return strconv.FormatFloat(d.Hours(), 'f', -1, 64) + "h"
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
