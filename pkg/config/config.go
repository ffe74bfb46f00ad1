// Package config defines the immutable configuration of a fetch run.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/tracefetch/pkg/columnar"
	"github.com/eunmann/tracefetch/pkg/version"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Mode selects the materializer.
type Mode string

const (
	// ModeParquet converts DATA/*.csv members to Parquet.
	ModeParquet Mode = "parquet"
	// ModeRaw extracts archives verbatim.
	ModeRaw Mode = "raw"
)

// datasets is the canonical dataset enumeration. The first entry doubles as
// the version probe.
var datasets = []string{
	"co2",
	"co2e_100yr",
	"co2e_20yr",
	"ch4",
	"n2o",
	"pm2_5",
	"vocs",
	"co",
	"nh3",
	"nox",
	"so2",
	"bc",
	"oc",
}

// Config is built once, validated, and then only read.
type Config struct {
	Host        string          `yaml:"host"`
	Country     string          `yaml:"country"`
	Datasets    []string        `yaml:"datasets"`
	Start       version.Version `yaml:"start_version"`
	OutputRoot  string          `yaml:"output_root"`
	Timeout     time.Duration   `yaml:"timeout"`
	Mode        Mode            `yaml:"mode"`
	Compression string          `yaml:"compression"`
	ChunkRows   int             `yaml:"chunk_rows"`
	ProbeRate   float64         `yaml:"probe_rate"`
	TempDir     string          `yaml:"temp_dir"`
}

// Default returns the configuration of the standard Spain download.
func Default() Config {
	return Config{
		Host:        "https://downloads.climatetrace.org",
		Country:     "ESP",
		Datasets:    CanonicalDatasets(),
		Start:       version.New(4, 8, 0),
		OutputRoot:  "data/raw",
		Timeout:     30 * time.Second,
		Mode:        ModeParquet,
		Compression: "zstd",
		ChunkRows:   columnar.DefaultOptions().ChunkRows,
	}
}

// LoadFile reads a YAML file and overlays it on Default. Keys missing from
// the file keep their default value.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks cfg and puts Datasets into canonical order.
func (c *Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	} else if u, err := url.Parse(c.Host); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("host %q is not an absolute URL", c.Host))
	}
	if c.Country == "" {
		errs = append(errs, errors.New("country is required"))
	}
	if c.OutputRoot == "" {
		errs = append(errs, errors.New("output_root is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Mode != ModeParquet && c.Mode != ModeRaw {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeParquet, ModeRaw, c.Mode))
	}
	if _, err := columnar.ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.ChunkRows <= 0 {
		errs = append(errs, fmt.Errorf("chunk_rows must be positive, got %d", c.ChunkRows))
	}
	if c.ProbeRate < 0 {
		errs = append(errs, fmt.Errorf("probe_rate must not be negative, got %g", c.ProbeRate))
	}

	datasets, err := canonicalDatasets(c.Datasets)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.Datasets = datasets
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// CanonicalDatasets returns a copy of the dataset enumeration in canonical
// order.
func CanonicalDatasets() []string {
	return slices.Clone(datasets)
}

// ProbeDataset is the dataset whose archive signals that a release exists:
// the first canonical dataset, whichever subset c selects.
func (c Config) ProbeDataset() string {
	return datasets[0]
}

// ColumnarOptions returns the conversion options derived from c.
func (c Config) ColumnarOptions() columnar.Options {
	return columnar.Options{Compression: c.Compression, ChunkRows: c.ChunkRows}
}

// canonicalDatasets validates names against the enumeration, drops duplicates and
// orders the result like the canonical enumeration.
func canonicalDatasets(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one dataset is required")
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if !slices.Contains(datasets, n) {
			return nil, fmt.Errorf("unknown dataset %q", n)
		}
		want[n] = true
	}

	out := make([]string, 0, len(want))
	for _, ds := range datasets {
		if want[ds] {
			out = append(out, ds)
		}
	}
	return out, nil
}
