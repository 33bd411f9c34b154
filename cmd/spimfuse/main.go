package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"spimfuse/internal/ctxlog"
	"spimfuse/internal/models"
	"spimfuse/pkg/config"
	"spimfuse/pkg/errs"
	"spimfuse/pkg/pipeline"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/visualization"
	"spimfuse/pkg/volume"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("spimfuse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "spimfuse.yaml", "Configuration file (.yaml, .toml or .hcl)")
	initConfig := fs.Bool("init-config", false, "Write the default configuration to -config and exit")
	manifestPath := fs.String("manifest", "", "Acquisition manifest listing timepoints and views")
	output := fs.String("output", "", "Output directory, or a .db file for a SQLite store")
	workers := fs.Int("workers", 0, "Chunk tasks run at once (overrides execution.workers)")
	logFormat := fs.String("log-format", "", "Log format, text or json (overrides execution.logFormat)")
	reportPath := fs.String("report", "", "Write an HTML batch report to this file")
	plotPath := fs.String("plot", "", "Write a registration cost plot to this file (.png, .svg, .pdf)")
	previewDir := fs.String("preview", "", "Write maximum intensity projections of each fused timepoint to this directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(stderr, "spimfuse: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Default configuration written to %s\n", *configPath)
		return 0
	}

	if *manifestPath == "" || *output == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "spimfuse: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Execution.Workers = *workers
	}
	if *logFormat != "" {
		cfg.Execution.LogFormat = *logFormat
	}

	logger, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "spimfuse: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	start := time.Now()
	outcomes, err := fuse(ctx, cfg, *manifestPath, *output)
	if outcomes == nil {
		logger.Error("Run failed", "error", err)
		return 1
	}

	if rerr := pipeline.Report(stdout, outcomes); rerr != nil {
		logger.Error("Failed to write report", "error", rerr)
	}
	if *reportPath != "" {
		if werr := writeReport(*reportPath, outcomes); werr != nil {
			logger.Warn("Failed to write HTML report", "path", *reportPath, "error", werr)
		}
	}
	if *plotPath != "" {
		if perr := visualization.PlotCostHistory("Registration cost", costSeries(outcomes), *plotPath); perr != nil {
			logger.Warn("Failed to write cost plot", "path", *plotPath, "error", perr)
		}
	}
	if *previewDir != "" {
		if perr := writePreviews(ctx, cfg, *previewDir, outcomes); perr != nil {
			logger.Warn("Failed to write previews", "dir", *previewDir, "error", perr)
		}
	}

	logger.Info("Batch finished", "timepoints", len(outcomes), "elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		logger.Error("Batch incomplete", "kind", errs.KindOf(err), "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Execution.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, errs.Configuration("main", "unknown log format %q", cfg.Execution.LogFormat)
}

// fuse runs the batch. It returns nil outcomes when the batch could not
// start at all, and outcomes with a PartialPipelineFailure when some
// timepoints failed.
func fuse(ctx context.Context, cfg *config.Config, manifestPath, output string) (map[int]pipeline.Outcome, error) {
	log := ctxlog.FromContext(ctx)

	opts, err := cfg.PipelineOptions()
	if err != nil {
		return nil, err
	}
	chunk, err := cfg.ChunkShape()
	if err != nil {
		return nil, err
	}
	dtype, err := cfg.DType()
	if err != nil {
		return nil, err
	}
	compression, err := cfg.Compression()
	if err != nil {
		return nil, err
	}

	manifest, err := models.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	ex := sched.NewLocal(cfg.Execution.Workers)
	tps, err := manifest.Open(ctx, ex, chunk)
	if err != nil {
		return nil, err
	}
	log.Info("Manifest loaded", "path", manifestPath, "timepoints", len(tps), "workers", ex.Workers(), "chunk", chunk.String())

	var sink pipeline.Sink
	if strings.EqualFold(filepath.Ext(output), ".db") {
		db, err := store.OpenDB(ctx, output)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		sink = &pipeline.SQLiteSink{DB: db, DType: dtype}
	} else {
		sink = &pipeline.DirSink{Root: output, DType: dtype, Compression: compression}
	}

	return pipeline.New(ex, sink, opts).RunBatch(ctx, tps)
}

func writeReport(path string, outcomes map[int]pipeline.Outcome) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := visualization.RenderReport(f, "spimfuse batch", outcomes); err != nil {
		return err
	}
	return f.Close()
}

func costSeries(outcomes map[int]pipeline.Outcome) []visualization.CostSeries {
	var series []visualization.CostSeries
	for _, tp := range sortedTimepoints(outcomes) {
		o := outcomes[tp]
		if o.Result == nil {
			continue
		}
		for _, v := range o.Result.Provenance.Views {
			if v.Registration == nil {
				continue
			}
			series = append(series, visualization.CostSeries{
				Label: fmt.Sprintf("t%04d/%s", tp, v.Name),
				Steps: v.Registration.History,
			})
		}
	}
	return series
}

// writePreviews saves a Z and a Y projection of every fused timepoint.
func writePreviews(ctx context.Context, cfg *config.Config, dir string, outcomes map[int]pipeline.Outcome) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	ex := sched.NewLocal(cfg.Execution.Workers)
	var failed []error
	for _, tp := range sortedTimepoints(outcomes) {
		o := outcomes[tp]
		if o.Result == nil || o.Result.Volume == nil {
			continue
		}
		for _, axis := range []int{volume.AxisZ, volume.AxisY} {
			p, err := visualization.Projection(ctx, ex, o.Result.Volume, axis)
			if err != nil {
				failed = append(failed, fmt.Errorf("timepoint %d: %w", tp, err))
				continue
			}
			name := filepath.Join(dir, fmt.Sprintf("t%04d_mip_%s.tif", tp, axisName(axis)))
			if err := visualization.SaveSlice(p.AutoImage(), name); err != nil {
				failed = append(failed, fmt.Errorf("timepoint %d: %w", tp, err))
			}
		}
	}
	return errors.Join(failed...)
}

func axisName(axis int) string {
	return [...]string{"z", "y", "x"}[axis]
}

func sortedTimepoints(outcomes map[int]pipeline.Outcome) []int {
	tps := make([]int, 0, len(outcomes))
	for tp := range outcomes {
		tps = append(tps, tp)
	}
	sort.Ints(tps)
	return tps
}
