package columnar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/tracefetch/pkg/inspect"
)

const emissionsCSV = `iso3_country,start_time,gas,emissions_quantity,sector
ESP,2021-01-01,co2,1234.5,power
ESP,2021-02-01,co2,,power
ESP,2021-03-01,co2,0042,"manufacturing, steel"
`

// readColumns returns every value of the file as text, "<null>" for nulls.
func readColumns(t *testing.T, path string) (*arrow.Schema, [][]string) {
	t.Helper()

	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)

	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	cols := make([][]string, tbl.NumCols())
	for i := range cols {
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			str, ok := chunk.(*array.String)
			require.True(t, ok, "column %d is %T, want string", i, chunk)
			for j := 0; j < str.Len(); j++ {
				if str.IsNull(j) {
					cols[i] = append(cols[i], "<null>")
				} else {
					cols[i] = append(cols[i], str.Value(j))
				}
			}
		}
	}
	return tbl.Schema(), cols
}

func TestConvertCSV_PreservesTextValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "DATA", "ESP.parquet")

	res, err := ConvertCSV(context.Background(), strings.NewReader(emissionsCSV), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"iso3_country", "start_time", "gas", "emissions_quantity", "sector"}, res.Columns)
	assert.Equal(t, int64(3), res.Rows)

	schema, cols := readColumns(t, path)
	require.Equal(t, 5, schema.NumFields())
	for _, f := range schema.Fields() {
		assert.Equal(t, arrow.STRING, f.Type.ID(), f.Name)
		assert.True(t, f.Nullable, f.Name)
	}

	assert.Equal(t, []string{"1234.5", "<null>", "0042"}, cols[3], "numbers stay text, empty is null")
	assert.Equal(t, []string{"2021-01-01", "2021-02-01", "2021-03-01"}, cols[1])
	assert.Equal(t, "manufacturing, steel", cols[4][2])
}

func TestConvertCSV_BoundedBatches(t *testing.T) {
	var b strings.Builder
	b.WriteString("asset_id,value\n")
	for i := 0; i < 25; i++ {
		b.WriteString("a,1\n")
	}
	path := filepath.Join(t.TempDir(), "batches.parquet")

	res, err := ConvertCSV(context.Background(), strings.NewReader(b.String()), path, Options{ChunkRows: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.Rows)
	assert.Equal(t, 3, res.Batches)

	info, err := inspect.File(path)
	require.NoError(t, err)
	assert.Equal(t, int64(25), info.Rows)
	assert.Equal(t, 3, info.RowGroups)
}

func TestConvertCSV_HeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")

	res, err := ConvertCSV(context.Background(), strings.NewReader("a,b,c\n"), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows)
	assert.Equal(t, 0, res.Batches)

	info, err := inspect.File(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, info.ColumnNames())
	assert.True(t, info.AllText())
	assert.Equal(t, int64(0), info.Rows)
}

func TestConvertCSV_EmptyInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nothing.parquet")

	res, err := ConvertCSV(context.Background(), strings.NewReader(""), path, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Columns)
	assert.Equal(t, int64(0), res.Rows)

	st, err := os.Stat(path)
	require.NoError(t, err, "an empty input still produces a file")
	assert.Positive(t, st.Size())
}

func TestConvertCSV_SchemaIndependentOfValues(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.parquet")
	b := filepath.Join(dir, "b.parquet")

	_, err := ConvertCSV(context.Background(), strings.NewReader("x,y\n1,2\n3,4\n"), a, DefaultOptions())
	require.NoError(t, err)
	_, err = ConvertCSV(context.Background(), strings.NewReader("x,y\nfoo,2024-01-01\n,\n"), b, DefaultOptions())
	require.NoError(t, err)

	ia, err := inspect.File(a)
	require.NoError(t, err)
	ib, err := inspect.File(b)
	require.NoError(t, err)
	assert.Equal(t, ia.Columns, ib.Columns)
	assert.True(t, ia.AllText())
}

func TestConvertCSV_StripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bom.parquet")

	res, err := ConvertCSV(context.Background(), strings.NewReader("\ufeffsector,gas\npower,ch4\n"), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"sector", "gas"}, res.Columns)
}

func TestConvertCSV_Compression(t *testing.T) {
	for _, tt := range []struct {
		name  string
		codec string
	}{
		{"zstd", "ZSTD"},
		{"snappy", "SNAPPY"},
		{"gzip", "GZIP"},
		{"none", "UNCOMPRESSED"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name+".parquet")
			_, err := ConvertCSV(context.Background(), strings.NewReader("a\n1\n"), path, Options{Compression: tt.name})
			require.NoError(t, err)

			info, err := inspect.File(path)
			require.NoError(t, err)
			assert.Equal(t, tt.codec, info.Codec)
		})
	}
}

func TestConvertCSV_MalformedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.parquet")

	_, err := ConvertCSV(context.Background(), strings.NewReader("a,b\n1,2\n1,2,3\n"), path, DefaultOptions())
	require.Error(t, err)
}

func TestConvertCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ConvertCSV(ctx, strings.NewReader("a\n1\n"), filepath.Join(t.TempDir(), "c.parquet"), DefaultOptions())
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, compress.Codecs.Zstd, c)

	_, err = ParseCompression("brotli-ish")
	assert.True(t, errors.Is(err, ErrUnknownCodec))
}
