package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/storm-tracker/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-tracker/internal/adapter/kafka"
	"github.com/couchcryptid/storm-tracker/internal/adapter/mapbox"
	"github.com/couchcryptid/storm-tracker/internal/catalog"
	"github.com/couchcryptid/storm-tracker/internal/config"
	"github.com/couchcryptid/storm-tracker/internal/dataset"
	"github.com/couchcryptid/storm-tracker/internal/detect"
	"github.com/couchcryptid/storm-tracker/internal/engine"
	"github.com/couchcryptid/storm-tracker/internal/extract"
	"github.com/couchcryptid/storm-tracker/internal/observability"
	"github.com/couchcryptid/storm-tracker/internal/pipeline"
	"github.com/couchcryptid/storm-tracker/internal/reader"
	"github.com/couchcryptid/storm-tracker/internal/state"
	"github.com/couchcryptid/storm-tracker/internal/stitch"
	"github.com/couchcryptid/storm-tracker/internal/window"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "tracker",
		Usage: "Detect, stitch and extract tropical cyclone tracks from model output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the tracking configuration (default: $TRACKER_CONFIG or tracker.yaml)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "batch",
				Usage:  "Track a closed time range and exit",
				Flags:  rangeFlags(),
				Action: runMode(pipeline.ModeBatch),
			},
			{
				Name:  "stream",
				Usage: "Track incoming data, resuming from the last checkpoint",
				Flags: append(rangeFlags(), &cli.BoolFlag{
					Name:  "follow",
					Usage: "Wait for new input files instead of stopping at the end of the archive",
				}),
				Action: runMode(pipeline.ModeStreaming),
			},
			{
				Name:   "plan",
				Usage:  "Print the block windows of a time range",
				Flags:  rangeFlags(),
				Action: plan,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func rangeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "start", Usage: "First timestep (YYYY-MM-DD or RFC3339), overrides streaming.start"},
		&cli.StringFlag{Name: "end", Usage: "Exclusive end (YYYY-MM-DD or RFC3339), overrides streaming.end"},
	}
}

// loadTracking reads the environment and the tracking configuration, applying
// command line overrides.
func loadTracking(cmd *cli.Command) (*config.Config, *config.Tracking, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	path := cmd.String("config")
	if path == "" {
		path = cfg.TrackerConfig
	}
	tracking, err := config.LoadTracking(path)
	if err != nil {
		return nil, nil, err
	}
	if tracking.Streaming.Start, err = timeFlag(cmd, "start", tracking.Streaming.Start); err != nil {
		return nil, nil, err
	}
	if tracking.Streaming.End, err = timeFlag(cmd, "end", tracking.Streaming.End); err != nil {
		return nil, nil, err
	}
	if cmd.Bool("follow") {
		tracking.Streaming.Follow = true
	}
	if err := tracking.Streaming.Validate(); err != nil {
		return nil, nil, fmt.Errorf("streaming: %w", err)
	}
	return cfg, tracking, nil
}

func timeFlag(cmd *cli.Command, name string, def time.Time) (time.Time, error) {
	v := cmd.String(name)
	if v == "" {
		return def, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD or RFC3339", name, v)
}

func plan(_ context.Context, cmd *cli.Command) error {
	_, tracking, err := loadTracking(cmd)
	if err != nil {
		return err
	}
	if tracking.Streaming.Start.IsZero() || tracking.Streaming.End.IsZero() {
		return errors.New("plan needs a start and an end")
	}
	windows, err := window.Schedule(tracking.Streaming.Start, tracking.Streaming.End,
		tracking.Stitch.NDaysFreq, tracking.Stitch.NDaysExt)
	if err != nil {
		return err
	}
	for _, w := range windows {
		fmt.Fprintf(os.Stdout, "block %s - %s  extended %s - %s\n",
			w.BlockStart.Format(time.DateOnly), w.BlockEnd.Format(time.DateOnly),
			w.ExtendedStart().Format(time.DateOnly), w.ExtendedEnd().Format(time.DateOnly))
	}
	return nil
}

func runMode(mode pipeline.Mode) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, tracking, err := loadTracking(cmd)
		if err != nil {
			return err
		}
		return run(ctx, mode, cfg, tracking)
	}
}

func run(ctx context.Context, mode pipeline.Mode, cfg *config.Config, tracking *config.Tracking) error {
	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	fields, err := detect.FieldsFor(tracking.Model)
	if err != nil {
		return err
	}
	schema := tracking.Schema()
	workDir := pipeline.WorkDir(tracking.Paths.WorkDir, tracking.Model, tracking.Exp)

	var orography *dataset.Dataset
	if schema.HasOrography() {
		orography, err = dataset.ReadFile(tracking.Paths.Orography)
		if err != nil {
			return fmt.Errorf("load orography: %w", err)
		}
	}

	archive, err := reader.NewArchive(reader.ArchiveConfig{
		Dir:          tracking.Paths.Archive,
		RegridFactor: tracking.Detect.RegridFactor,
		Follow:       mode == pipeline.ModeStreaming && tracking.Streaming.Follow,
		IdleTimeout:  tracking.Streaming.IdleTimeout,
		CacheFiles:   tracking.Streaming.CacheFiles,
	}, logger)
	if err != nil {
		return err
	}
	defer archive.Close()

	detectEngine := engine.NewDetectNodes(engineCommand(tracking.Detect.Engine, workDir), engine.DetectParams{
		MergeDist:          tracking.Detect.MergeDist,
		ClosedContourPSL:   tracking.Detect.ClosedContourPSL,
		ClosedContourThick: tracking.Detect.ClosedContourThick,
	}, logger)
	detector, err := detect.New(detectEngine, detect.Config{
		WorkDir:   workDir,
		Fields:    fields,
		Schema:    schema,
		Orography: orography,
	}, logger)
	if err != nil {
		return err
	}

	stitchEngine := engine.NewStitchNodes(engineCommand(tracking.Stitch.Engine, workDir), logger)
	stitcher, err := stitch.New(stitchEngine, stitch.Config{
		WorkDir:     workDir,
		Schema:      schema,
		Constraints: tracking.Constraints(),
	}, logger, metrics)
	if err != nil {
		return err
	}

	extractor := extract.New(archive, extract.Config{
		OutDir: tracking.Paths.OutDir,
		Model:  tracking.Model,
		Exp:    tracking.Exp,
		Vars:   tracking.Extract.Vars,
		Delta:  tracking.Extract.Delta,
		Step:   tracking.Timestep,
	}, logger)

	checkpoints, err := state.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	db, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer db.Close()

	deps := pipeline.Deps{
		Reader:      archive,
		Detector:    detector,
		Stitcher:    stitcher,
		Extractor:   extractor,
		Catalog:     db,
		Checkpoints: checkpoints,
	}

	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		deps.Publisher = writer
		logger.Info("kafka publishing enabled", "topic", cfg.KafkaTrackTopic)
	}

	// Genesis geocoding is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN.
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		cached, err := mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		if err != nil {
			return err
		}
		defer cached.Close()
		deps.Geocoder = cached
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	controller, err := pipeline.New(deps, pipeline.Config{
		Model:          tracking.Model,
		Exp:            tracking.Exp,
		Mode:           mode,
		Start:          tracking.Streaming.Start,
		End:            tracking.Streaming.End,
		Step:           tracking.Timestep,
		NDaysFreq:      tracking.Stitch.NDaysFreq,
		NDaysExt:       tracking.Stitch.NDaysExt,
		Vars:           fields.Required(schema),
		Constraints:    tracking.Constraints(),
		WorkDir:        workDir,
		MaxRetries:     tracking.Streaming.MaxRetries,
		FlushRemainder: tracking.Streaming.FlushRemainder,
		Resume:         tracking.Streaming.Resume,
		Workers:        tracking.Extract.Workers,
	}, logger, metrics)
	if err != nil {
		return err
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, controller, db, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		result, err := controller.Run(gctx)
		if err == nil {
			logger.Info("tracking finished",
				"mode", mode.String(),
				"run_id", result.RunID,
				"reason", result.Reason,
				"cursor", result.Cursor,
				"timesteps", result.Timesteps,
				"failed", result.Failed,
				"blocks", result.Blocks,
			)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("http server shutdown error", "error", serr)
		}
		return err
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func engineCommand(c config.EngineConfig, workDir string) engine.Command {
	return engine.Command{
		Path:      c.Command,
		ExtraArgs: c.Args,
		Timeout:   c.Timeout,
		Dir:       workDir,
	}
}
