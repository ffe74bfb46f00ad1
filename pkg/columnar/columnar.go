// Package columnar streams CSV payloads into zstd-compressed Parquet files.
//
// Every column is stored as a nullable UTF-8 string. Values are never type
// inferred, so downstream readers see exactly the text the archive carried.
// Input is parsed in blocks of Options.ChunkRows rows and each block is
// appended to the output as its own batch, keeping memory bounded by the
// block size rather than the file size.
package columnar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/eunmann/tracefetch/internal/logctx"
)

// Extension is the file extension of converted outputs.
const Extension = ".parquet"

// readBufferSize is the size of the buffered reader in front of the CSV
// parser.
const readBufferSize = 1 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrUnknownCodec is returned for compression names ParseCompression does
// not recognise.
var ErrUnknownCodec = errors.New("columnar: unknown compression codec")

// Options configures ConvertCSV.
type Options struct {
	// Compression names the Parquet codec: zstd, snappy, gzip, lz4 or none.
	// Default: zstd.
	Compression string

	// ChunkRows is the number of CSV rows parsed and written per batch.
	// Default: 65536.
	ChunkRows int

	// Allocator backs Arrow buffers. Default: memory.DefaultAllocator.
	Allocator memory.Allocator
}

// DefaultOptions returns zstd compression with 64Ki-row batches.
func DefaultOptions() Options {
	return Options{
		Compression: "zstd",
		ChunkRows:   64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Compression == "" {
		o.Compression = d.Compression
	}
	if o.ChunkRows <= 0 {
		o.ChunkRows = d.ChunkRows
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// ParseCompression maps a codec name to its Parquet compression type.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "zstd", "":
		return compress.Codecs.Zstd, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Result summarises a conversion.
type Result struct {
	Columns []string
	Rows    int64
	Batches int
}

// ConvertCSV reads a CSV document from r and writes it to path as Parquet.
//
// The first record names the columns. A header with no data rows produces a
// file with that schema and zero rows; an entirely empty input produces a
// file with an empty schema. Parent directories of path are created.
func ConvertCSV(ctx context.Context, r io.Reader, path string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	codec, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(r, readBufferSize)
	if err := skipBOM(br); err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	header, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	schema := TextSchema(header)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}

	out := &lazyWriter{path: path, schema: schema, codec: codec, mem: opts.Allocator}
	res := &Result{Columns: header}

	if len(header) > 0 {
		rdr := arrowcsv.NewReader(br, schema,
			arrowcsv.WithHeader(false),
			arrowcsv.WithChunk(opts.ChunkRows),
			arrowcsv.WithNullReader(true),
			arrowcsv.WithAllocator(opts.Allocator),
		)
		defer rdr.Release()

		for rdr.Next() {
			if err := ctx.Err(); err != nil {
				out.abort()
				return nil, err
			}
			rec := rdr.Record()
			if err := out.write(rec); err != nil {
				out.abort()
				return nil, err
			}
			res.Rows += rec.NumRows()
			res.Batches++
		}
		if err := rdr.Err(); err != nil {
			out.abort()
			return nil, fmt.Errorf("parse csv: %w", err)
		}
	}

	if err := out.close(); err != nil {
		return nil, err
	}

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("path", path).
		Int("columns", len(header)).
		Int64("rows", res.Rows).
		Int("batches", res.Batches).
		Msg("converted csv")
	return res, nil
}

// TextSchema returns a schema naming columns in order, each a nullable
// string.
func TextSchema(columns []string) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, name := range columns {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func skipBOM(br *bufio.Reader) error {
	head, err := br.Peek(len(utf8BOM))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if bytes.Equal(head, utf8BOM) {
		_, err = br.Discard(len(utf8BOM))
		return err
	}
	return nil
}

// readHeader consumes exactly the first CSV record from br. csv.NewReader
// reuses br as its buffer, so the data rows stay unread.
func readHeader(br *bufio.Reader) ([]string, error) {
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	record, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// lazyWriter creates the output file on the first batch, or on close when no
// batch arrived.
type lazyWriter struct {
	path   string
	schema *arrow.Schema
	codec  compress.Compression
	mem    memory.Allocator

	file *os.File
	fw   *pqarrow.FileWriter
}

func (w *lazyWriter) open() error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(w.codec),
		parquet.WithAllocator(w.mem),
	)
	fw, err := pqarrow.NewFileWriter(w.schema, f, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(w.mem)))
	if err != nil {
		f.Close()
		os.Remove(w.path)
		return fmt.Errorf("create parquet writer: %w", err)
	}

	w.file, w.fw = f, fw
	return nil
}

func (w *lazyWriter) write(rec arrow.Record) error {
	if w.fw == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	if err := w.fw.Write(rec); err != nil {
		return fmt.Errorf("write parquet batch: %w", err)
	}
	return nil
}

func (w *lazyWriter) close() error {
	if w.fw == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	// The parquet writer closes the file it was given.
	if err := w.fw.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}

// abort releases the output after a failed conversion. The partial file is
// left in place; the dataset directory is rebuilt on the next run.
func (w *lazyWriter) abort() {
	if w.fw != nil {
		w.fw.Close()
	}
	if w.file != nil {
		w.file.Close()
	}
}
