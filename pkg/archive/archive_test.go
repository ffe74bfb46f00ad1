package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/tracefetch/pkg/columnar"
	"github.com/eunmann/tracefetch/pkg/inspect"
)

type member struct {
	name string
	body string
}

// writeZip builds an archive of members at dir/name. Names ending in "/"
// become directory entries.
func writeZip(t *testing.T, dir, name string, members ...member) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		if m.body != "" {
			_, err = w.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// listFiles returns slash-separated paths of regular files below root.
func listFiles(t *testing.T, root string) []string {
	t.Helper()

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

var packageMembers = []member{
	{name: "DATA/"},
	{name: "DATA/power/ESP_electricity-generation_emissions_sources.csv", body: "source_id,gas,emissions_quantity\n1,co2,12.5\n2,co2,\n"},
	{name: "DATA/UPPER.CSV", body: "a\nx\n"},
	{name: "DATA/notes.txt", body: "not a csv"},
	{name: "README.md", body: "# Climate TRACE\n"},
	{name: "LICENSE/terms.csv", body: "this,is,copied\n"},
}

func TestExtract_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", packageMembers...)
	target := filepath.Join(tmp, "out", "co2")

	st, err := Extract(context.Background(), zipPath, target)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Copied)
	assert.Zero(t, st.Converted)

	for _, m := range packageMembers {
		if m.body == "" {
			continue
		}
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(m.name)))
		require.NoError(t, err, m.name)
		assert.Equal(t, m.body, string(got), m.name)
	}
	assert.DirExists(t, filepath.Join(target, "DATA"))
}

func TestExtract_EmptyDirectoryMember(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", member{name: "empty/"}, member{name: "a.txt", body: "a"})
	target := filepath.Join(tmp, "out")

	_, err := Extract(context.Background(), zipPath, target)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(target, "empty"))
}

func TestExtract_RemovesStaleFiles(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", member{name: "DATA/a.csv", body: "a\n1\n"})
	target := filepath.Join(tmp, "co2")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "old.txt"), []byte("stale"), 0o644))

	_, err := Extract(context.Background(), zipPath, target)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(target, "old.txt"))
	assert.Equal(t, []string{"DATA/a.csv"}, listFiles(t, target))
}

func TestTranscode(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", packageMembers...)
	target := filepath.Join(tmp, "out", "co2")

	st, err := Transcode(context.Background(), zipPath, target, columnar.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Converted)
	assert.Equal(t, 3, st.Copied)
	assert.Equal(t, int64(3), st.Rows)

	assert.Equal(t, []string{
		"DATA/UPPER.parquet",
		"DATA/notes.txt",
		"DATA/power/ESP_electricity-generation_emissions_sources.parquet",
		"LICENSE/terms.csv",
		"README.md",
	}, listFiles(t, target))

	// Non-payload members are byte-identical.
	for _, name := range []string{"DATA/notes.txt", "LICENSE/terms.csv", "README.md"} {
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(name)))
		require.NoError(t, err)
		for _, m := range packageMembers {
			if m.name == name {
				assert.Equal(t, m.body, string(got), name)
			}
		}
	}

	info, err := inspect.File(filepath.Join(target, "DATA", "power", "ESP_electricity-generation_emissions_sources.parquet"))
	require.NoError(t, err)
	assert.Equal(t, []string{"source_id", "gas", "emissions_quantity"}, info.ColumnNames())
	assert.True(t, info.AllText())
	assert.Equal(t, int64(2), info.Rows)
}

func TestTranscode_RemovesStaleFiles(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", member{name: "DATA/a.csv", body: "a\n1\n"})
	target := filepath.Join(tmp, "co2")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "DATA"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "old.txt"), []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(target, "DATA", "gone.parquet"), []byte("stale"), 0o644))

	_, err := Transcode(context.Background(), zipPath, target, columnar.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"DATA/a.parquet"}, listFiles(t, target))
}

func TestTranscode_HeaderOnlyCSV(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", member{name: "DATA/empty.csv", body: "iso3_country,gas\n"})
	target := filepath.Join(tmp, "co2")

	_, err := Transcode(context.Background(), zipPath, target, columnar.DefaultOptions())
	require.NoError(t, err)

	info, err := inspect.File(filepath.Join(target, "DATA", "empty.parquet"))
	require.NoError(t, err)
	assert.Equal(t, []string{"iso3_country", "gas"}, info.ColumnNames())
	assert.Zero(t, info.Rows)
}

func TestTranscode_DotFileCopiedVerbatim(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", member{name: "DATA/.csv", body: "not,a\npayload\n"})
	target := filepath.Join(tmp, "co2")

	st, err := Transcode(context.Background(), zipPath, target, columnar.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Copied)
	assert.Zero(t, st.Converted)
	assert.Equal(t, []string{"DATA/.csv"}, listFiles(t, target))
}

func TestMaterialize_CorruptArchive(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "ESP.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("<html>not a zip</html>"), 0o644))

	_, err := Extract(context.Background(), zipPath, filepath.Join(tmp, "a"))
	require.Error(t, err)

	_, err = Transcode(context.Background(), zipPath, filepath.Join(tmp, "b"), columnar.DefaultOptions())
	require.Error(t, err)
}

func TestMaterialize_UnsafeMember(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, "ESP.zip", member{name: "../escape.txt", body: "x"})
	target := filepath.Join(tmp, "nested", "co2")

	_, err := Extract(context.Background(), zipPath, target)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(tmp, "nested", "escape.txt"))
}

func TestIsDataCSV(t *testing.T) {
	tests := map[string]bool{
		"DATA/ESP.csv":          true,
		"DATA/sub/dir/x.CSV":    true,
		"DATA/x.Csv":            true,
		"./DATA/x.csv":          true,
		"DATA/x.txt":            false,
		"DATA.csv":              false,
		"data/x.csv":            false,
		"README.csv":            false,
		"METADATA/x.csv":        false,
		"LICENSE/DATA/x.csv":    false,
		"DATA/archive.csv.json": false,
		"DATA/.csv":             false,
		"DATA/sub/.CSV":         false,
		"DATA/.hidden.csv":      true,
	}
	for name, want := range tests {
		assert.Equal(t, want, IsDataCSV(name), name)
	}
}

func TestParquetName(t *testing.T) {
	assert.Equal(t, "DATA/ESP.parquet", ParquetName("DATA/ESP.csv"))
	assert.Equal(t, "DATA/a.b.parquet", ParquetName("DATA/a.b.CSV"))
}
