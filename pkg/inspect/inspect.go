// Package inspect reads back converted Parquet files and reports their
// schema and size without loading row data.
package inspect

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Column describes one top-level Parquet column.
type Column struct {
	Name     string
	Text     bool // UTF-8 string logical type
	Optional bool
}

// FileInfo summarises a Parquet file.
type FileInfo struct {
	Path      string
	Columns   []Column
	Rows      int64
	RowGroups int
	// Codec is the compression codec of the first column chunk, empty when
	// the file holds no row groups.
	Codec string
}

// ColumnNames returns the column names in schema order.
func (fi *FileInfo) ColumnNames() []string {
	names := make([]string, len(fi.Columns))
	for i, c := range fi.Columns {
		names[i] = c.Name
	}
	return names
}

// AllText reports whether every column is an optional UTF-8 string.
func (fi *FileInfo) AllText() bool {
	for _, c := range fi.Columns {
		if !c.Text || !c.Optional {
			return false
		}
	}
	return true
}

// File opens path and reads its footer.
func File(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file %s: %w", path, err)
	}

	info := &FileInfo{
		Path:      path,
		Rows:      pf.NumRows(),
		RowGroups: len(pf.RowGroups()),
	}

	for _, field := range pf.Schema().Fields() {
		lt := field.Type().LogicalType()
		info.Columns = append(info.Columns, Column{
			Name:     field.Name(),
			Text:     field.Leaf() && lt != nil && lt.UTF8 != nil,
			Optional: field.Optional(),
		})
	}

	if md := pf.Metadata(); md != nil && len(md.RowGroups) > 0 && len(md.RowGroups[0].Columns) > 0 {
		info.Codec = md.RowGroups[0].Columns[0].MetaData.Codec.String()
	}

	return info, nil
}

// Dir inspects every .parquet file below root, in lexical path order.
func Dir(root string) ([]FileInfo, error) {
	var infos []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".parquet") {
			return nil
		}
		info, err := File(path)
		if err != nil {
			return err
		}
		infos = append(infos, *info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}
