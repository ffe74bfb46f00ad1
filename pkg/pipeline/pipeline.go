// Package pipeline runs the fetch job: resolve the newest release once, then
// download and materialize each dataset archive in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/eunmann/tracefetch/internal/logctx"
	"github.com/eunmann/tracefetch/pkg/archive"
	"github.com/eunmann/tracefetch/pkg/config"
	"github.com/eunmann/tracefetch/pkg/fileutil"
	"github.com/eunmann/tracefetch/pkg/humanfmt"
	"github.com/eunmann/tracefetch/pkg/logging"
	"github.com/eunmann/tracefetch/pkg/remote"
	"github.com/eunmann/tracefetch/pkg/version"
)

// ErrEmptyArchive is returned when a download completes with no bytes.
var ErrEmptyArchive = errors.New("pipeline: downloaded archive is empty")

// Materializer turns a downloaded archive into targetDir, which it owns.
type Materializer func(ctx context.Context, zipPath, targetDir string) (*archive.Stats, error)

// MaterializerFor returns the materializer selected by cfg.Mode.
func MaterializerFor(cfg config.Config) (Materializer, error) {
	switch cfg.Mode {
	case config.ModeParquet:
		opts := cfg.ColumnarOptions()
		return func(ctx context.Context, zipPath, targetDir string) (*archive.Stats, error) {
			return archive.Transcode(ctx, zipPath, targetDir, opts)
		}, nil
	case config.ModeRaw:
		return archive.Extract, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// Deps are the collaborators of Run. Zero fields get defaults: Source from
// cfg.Host and Materialize from cfg.Mode.
type Deps struct {
	Source      remote.Source
	Materialize Materializer
}

// Summary describes a completed run.
type Summary struct {
	Version  version.Version
	BaseURL  string
	Datasets []DatasetResult
}

// Downloaded is the total archive size fetched during the run.
func (s *Summary) Downloaded() int64 {
	var n int64
	for _, ds := range s.Datasets {
		n += ds.Downloaded
	}
	return n
}

// DatasetResult describes one materialized dataset.
type DatasetResult struct {
	Dataset    string
	TargetDir  string
	Downloaded int64
	Stats      archive.Stats
	Duration   time.Duration
}

// Resolve discovers the newest release reachable from cfg.Start.
func Resolve(ctx context.Context, cfg config.Config, src remote.Source) (version.Version, error) {
	resolver := version.NewResolver(
		remote.Prober(src, cfg.Host, cfg.ProbeDataset(), cfg.Country),
		version.WithProbeRate(cfg.ProbeRate),
	)
	return resolver.Latest(ctx, cfg.Start)
}

// Run resolves the release and processes every configured dataset in order.
// The first failure aborts the run.
func Run(ctx context.Context, cfg config.Config, deps Deps) (*Summary, error) {
	src, materialize, err := withDefaults(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	v, err := Resolve(ctx, cfg, src)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}
	return RunVersion(ctx, cfg, Deps{Source: src, Materialize: materialize}, v)
}

// RunVersion processes every configured dataset of release v without
// probing.
func RunVersion(ctx context.Context, cfg config.Config, deps Deps, v version.Version) (*Summary, error) {
	src, materialize, err := withDefaults(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	base := remote.BaseURL(cfg.Host, v)
	ctx = logctx.WithStr(ctx, "version", v.String())
	log := logctx.FromContext(ctx)
	log.Info().Str("base_url", base).Msg("using dataset version")

	summary := &Summary{Version: v, BaseURL: base}
	progress := logging.NewProgressTracker(len(cfg.Datasets))

	for i, ds := range cfg.Datasets {
		dsCtx := logctx.WithInt(logctx.WithStr(ctx, "dataset", ds), "dataset_index", i)
		res, err := runDataset(dsCtx, cfg, src, materialize, base, ds)
		if err != nil {
			return summary, fmt.Errorf("dataset %s: %w", ds, err)
		}
		summary.Datasets = append(summary.Datasets, *res)

		progress.RecordCompletion(res.Duration)
		dsLog := logctx.FromContext(dsCtx)
		progress.Fields(dsLog.Info()).
			Int64("bytes", res.Downloaded).
			Int("converted", res.Stats.Converted).
			Int("copied", res.Stats.Copied).
			Int64("rows", res.Stats.Rows).
			Dur("duration", res.Duration).
			Msg("dataset materialized")
	}

	log.Info().
		Int("datasets", len(summary.Datasets)).
		Dur("elapsed", progress.Elapsed()).
		Msg("fetch complete")
	return summary, nil
}

// runDataset downloads one archive into a scoped temp dir and materializes
// it. The temp dir is removed on every exit path.
func runDataset(ctx context.Context, cfg config.Config, src remote.Source, materialize Materializer, base, dataset string) (*DatasetResult, error) {
	start := time.Now()
	url := remote.ArchiveURL(base, dataset, cfg.Country)
	target := filepath.Join(cfg.OutputRoot, dataset)
	log := logctx.FromContext(ctx)

	log.Info().Str("url", url).Str("target", target).Msg("downloading")

	res := &DatasetResult{Dataset: dataset, TargetDir: target}
	err := fileutil.WithTempDir(cfg.TempDir, "tracefetch-"+dataset+"-*", func(tmp string) error {
		zipPath := filepath.Join(tmp, cfg.Country+".zip")

		fetched, err := src.Fetch(ctx, url, zipPath)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if !fileutil.IsNonEmpty(zipPath) {
			return fmt.Errorf("fetch %s: %w", url, ErrEmptyArchive)
		}
		res.Downloaded = fetched.Bytes
		log.Debug().
			Int64("bytes", fetched.Bytes).
			Dur("duration", fetched.Duration).
			Str("rate", humanfmt.Rate(fetched.Bytes, fetched.Duration)).
			Msg("downloaded archive")

		st, err := materialize(ctx, zipPath, target)
		if err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
		res.Stats = *st
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	return res, nil
}

func withDefaults(ctx context.Context, cfg config.Config, deps Deps) (remote.Source, Materializer, error) {
	src := deps.Source
	if src == nil {
		var err error
		src, err = remote.New(ctx, cfg.Host, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
	}

	materialize := deps.Materialize
	if materialize == nil {
		var err error
		materialize, err = MaterializerFor(cfg)
		if err != nil {
			return nil, nil, err
		}
	}
	return src, materialize, nil
}
