// Package archive materializes downloaded dataset archives on disk.
//
// Both materializers own their target directory: it is deleted and recreated
// before any member is written, so nothing from an earlier run survives.
//
//   - Extract writes every member verbatim.
//   - Transcode converts CSV members under the top-level DATA directory to
//     Parquet via package columnar and copies everything else verbatim.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/eunmann/tracefetch/internal/logctx"
	"github.com/eunmann/tracefetch/pkg/columnar"
	"github.com/eunmann/tracefetch/pkg/fileutil"
)

// DataDir is the top-level archive directory holding the CSV payloads.
const DataDir = "DATA"

// ErrUnsafePath is returned for members that would be written outside the
// target directory.
var ErrUnsafePath = fileutil.ErrUnsafePath

// Stats counts what a materializer wrote.
type Stats struct {
	Copied    int
	Converted int
	Rows      int64
}

// Extract replaces targetDir with the full contents of the ZIP at zipPath.
func Extract(ctx context.Context, zipPath, targetDir string) (*Stats, error) {
	return materialize(ctx, zipPath, targetDir, true, func(_ context.Context, f *zip.File, name string, st *Stats) error {
		return copyMember(f, targetDir, name, st)
	})
}

// Transcode replaces targetDir with the contents of the ZIP at zipPath,
// converting DATA/**/*.csv members to Parquet with opts.
func Transcode(ctx context.Context, zipPath, targetDir string, opts columnar.Options) (*Stats, error) {
	return materialize(ctx, zipPath, targetDir, false, func(ctx context.Context, f *zip.File, name string, st *Stats) error {
		if !IsDataCSV(name) {
			return copyMember(f, targetDir, name, st)
		}
		return convertMember(ctx, f, targetDir, name, opts, st)
	})
}

// IsDataCSV reports whether the archive member name is a CSV payload: its
// first path component is DATA and its extension is .csv in any case. A
// dot-file such as DATA/.csv has no extension.
func IsDataCSV(name string) bool {
	name = strings.ReplaceAll(name, `\`, "/")
	first, _, _ := strings.Cut(strings.TrimPrefix(path.Clean(name), "./"), "/")
	return first == DataDir && strings.EqualFold(suffix(name), ".csv")
}

// suffix is path.Ext, except that a base name made only of the extension
// (a dot-file) has none.
func suffix(name string) string {
	ext := path.Ext(name)
	if ext == path.Base(name) {
		return ""
	}
	return ext
}

// ParquetName swaps the extension of a member name for the Parquet one.
func ParquetName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + columnar.Extension
}

type memberFunc func(ctx context.Context, f *zip.File, name string, st *Stats) error

// materialize replaces targetDir and feeds every file member to handle.
// Directory members are recreated when keepDirs is set and skipped otherwise.
func materialize(ctx context.Context, zipPath, targetDir string, keepDirs bool, handle memberFunc) (*Stats, error) {
	if err := fileutil.ReplaceDir(targetDir); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer zr.Close()

	log := logctx.FromContext(ctx)
	st := &Stats{}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if keepDirs {
				if err := makeDir(targetDir, f.Name); err != nil {
					return nil, fmt.Errorf("member %s: %w", f.Name, err)
				}
			}
			continue
		}
		if err := handle(ctx, f, f.Name, st); err != nil {
			return nil, fmt.Errorf("member %s: %w", f.Name, err)
		}
	}

	log.Debug().
		Str("archive", zipPath).
		Str("target", targetDir).
		Int("copied", st.Copied).
		Int("converted", st.Converted).
		Msg("materialized archive")
	return st, nil
}

func copyMember(f *zip.File, targetDir, name string, st *Stats) error {
	dest, err := fileutil.SafeJoin(targetDir, name)
	if err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	if _, err := fileutil.WriteFrom(dest, rc); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	st.Copied++
	return nil
}

func convertMember(ctx context.Context, f *zip.File, targetDir, name string, opts columnar.Options, st *Stats) error {
	dest, err := fileutil.SafeJoin(targetDir, ParquetName(name))
	if err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	res, err := columnar.ConvertCSV(ctx, rc, dest, opts)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	st.Converted++
	st.Rows += res.Rows
	return nil
}

func makeDir(targetDir, name string) error {
	dir, err := fileutil.SafeJoin(targetDir, strings.TrimSuffix(name, "/"))
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
