// Package cli implements the command-line interface for tracefetch.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/eunmann/tracefetch/internal/logctx"
	"github.com/eunmann/tracefetch/pkg/config"
	"github.com/eunmann/tracefetch/pkg/humanfmt"
	"github.com/eunmann/tracefetch/pkg/inspect"
	"github.com/eunmann/tracefetch/pkg/pipeline"
	"github.com/eunmann/tracefetch/pkg/remote"
	"github.com/eunmann/tracefetch/pkg/version"
)

// Run executes the CLI with the given arguments. Command output goes to
// stdout and logs go to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type globalFlags struct {
	configPath string
	debug      bool
	human      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "tracefetch",
		Short:         "Download Climate TRACE country emissions packages",
		Long:          "Discovers the newest Climate TRACE release and materializes the per-country dataset archives on local disk, optionally converting CSV payloads to Parquet.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger := logctx.NewConfiguredLogger(stderr, g.debug, g.human)
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&g.human, "human", false, "human-readable console logs instead of JSON")

	root.AddCommand(newFetchCmd(g), newResolveCmd(g), newInspectCmd())
	return root
}

// sourceFlags are shared by every command that talks to the host.
type sourceFlags struct {
	host      string
	country   string
	datasets  []string
	start     versionValue
	timeout   time.Duration
	probeRate float64
}

func (s *sourceFlags) register(fs *pflag.FlagSet) {
	d := config.Default()
	s.start = versionValue{v: d.Start}

	fs.StringVar(&s.host, "host", d.Host, "distribution host (http(s):// or s3://bucket/prefix)")
	fs.StringVar(&s.country, "country", d.Country, "ISO3 country code")
	fs.StringSliceVar(&s.datasets, "datasets", d.Datasets, "datasets to fetch (canonical order is kept)")
	fs.Var(&s.start, "start", "version to start discovery from")
	fs.DurationVar(&s.timeout, "timeout", d.Timeout, "timeout for every network operation")
	fs.Float64Var(&s.probeRate, "probe-rate", d.ProbeRate, "max version probes per second (0 = unlimited)")
}

// apply overlays the flags the user actually set on cfg.
func (s *sourceFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("host") {
		cfg.Host = s.host
	}
	if fs.Changed("country") {
		cfg.Country = strings.ToUpper(s.country)
	}
	if fs.Changed("datasets") {
		cfg.Datasets = s.datasets
	}
	if fs.Changed("start") {
		cfg.Start = s.start.v
	}
	if fs.Changed("timeout") {
		cfg.Timeout = s.timeout
	}
	if fs.Changed("probe-rate") {
		cfg.ProbeRate = s.probeRate
	}
}

// loadConfig builds the run configuration: defaults, then the YAML file,
// then flags.
func loadConfig(g *globalFlags, apply func(*config.Config)) (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		cfg, err = config.LoadFile(g.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var (
		src         sourceFlags
		release     versionValue
		output      string
		mode        string
		compression string
		chunkRows   int
		tmpDir      string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Resolve the latest release and download every dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			cfg, err := loadConfig(g, func(cfg *config.Config) {
				src.apply(fs, cfg)
				if fs.Changed("output") {
					cfg.OutputRoot = output
				}
				if fs.Changed("mode") {
					cfg.Mode = config.Mode(mode)
				}
				if fs.Changed("compression") {
					cfg.Compression = compression
				}
				if fs.Changed("chunk-rows") {
					cfg.ChunkRows = chunkRows
				}
				if fs.Changed("tmp") {
					cfg.TempDir = tmpDir
				}
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var summary *pipeline.Summary
			if fs.Changed("version") {
				summary, err = pipeline.RunVersion(ctx, cfg, pipeline.Deps{}, release.v)
			} else {
				summary, err = pipeline.Run(ctx, cfg, pipeline.Deps{})
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d datasets (%s) written to %s\n",
				summary.Version, len(summary.Datasets), humanfmt.Bytes(summary.Downloaded()), cfg.OutputRoot)
			return nil
		},
	}

	d := config.Default()
	fs := cmd.Flags()
	src.register(fs)
	fs.Var(&release, "version", "use this release instead of discovering the latest")
	fs.StringVarP(&output, "output", "o", d.OutputRoot, "output root; each dataset is written to <output>/<dataset>")
	fs.StringVar(&mode, "mode", string(d.Mode), "materializer: parquet or raw")
	fs.StringVar(&compression, "compression", d.Compression, "parquet codec: zstd, snappy, gzip, lz4 or none")
	fs.IntVar(&chunkRows, "chunk-rows", d.ChunkRows, "CSV rows converted per parquet batch")
	fs.StringVar(&tmpDir, "tmp", d.TempDir, "directory for temporary downloads (default: system temp dir)")
	return cmd
}

func newResolveCmd(g *globalFlags) *cobra.Command {
	var src sourceFlags

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the latest available release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			cfg, err := loadConfig(g, func(cfg *config.Config) {
				src.apply(fs, cfg)
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			source, err := remote.New(ctx, cfg.Host, cfg.Timeout)
			if err != nil {
				return err
			}
			v, err := pipeline.Resolve(ctx, cfg, source)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
	src.register(cmd.Flags())
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dir>",
		Short: "List the parquet files below a directory with their schema and row count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := inspect.Dir(args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tROWS\tCODEC\tCOLUMNS")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
					info.Path, info.Rows, info.Codec, strings.Join(info.ColumnNames(), ","))
			}
			return tw.Flush()
		},
	}
}

// versionValue is a pflag.Value for release versions.
type versionValue struct {
	v version.Version
}

func (f *versionValue) String() string { return f.v.String() }

func (f *versionValue) Set(s string) error {
	v, err := version.Parse(s)
	if err != nil {
		return err
	}
	f.v = v
	return nil
}

func (f *versionValue) Type() string { return "version" }

var _ pflag.Value = (*versionValue)(nil)
