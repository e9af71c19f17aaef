package indexer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Record is one dataset row: lower-cased column name to its text value.
// Null cells are absent.
type Record map[string]string

// ReadFunc receives records in file order. Returning an error stops the read.
type ReadFunc func(Record) error

// ReadFile streams the records of a parquet, CSV or JSON Lines file, chosen by
// extension.
func ReadFile(path string, fn ReadFunc) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		return readParquet(path, fn)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return readCSV(f, fn)
	case ".jsonl", ".ndjson":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return readJSONL(f, fn)
	default:
		return fmt.Errorf("unsupported dataset format %q (want .parquet, .csv or .jsonl)", filepath.Ext(path))
	}
}

func readParquet(path string, fn ReadFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return fmt.Errorf("open parquet: %w", err)
	}

	// Leaf columns in schema order; Value.Column() indexes into this.
	var names []string
	for _, p := range pf.Schema().Columns() {
		names = append(names, strings.ToLower(strings.Join(p, ".")))
	}

	buf := make([]parquet.Row, 128)
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, names, buf, fn); err != nil {
			return err
		}
	}
	return nil
}

func readRowGroup(rg parquet.RowGroup, names []string, buf []parquet.Row, fn ReadFunc) error {
	rows := rg.Rows()
	defer rows.Close()
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			rec := Record{}
			for _, v := range row {
				col := v.Column()
				if v.IsNull() || col < 0 || col >= len(names) {
					continue
				}
				s := valueString(v)
				if prev, ok := rec[names[col]]; ok {
					// Repeated leaf: keep every element.
					s = prev + " " + s
				}
				rec[names[col]] = s
			}
			if ferr := fn(rec); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read parquet rows: %w", err)
		}
	}
}

func valueString(v parquet.Value) string {
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'f', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

func readCSV(r io.Reader, fn ReadFunc) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read csv header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}
		rec := Record{}
		for i, v := range fields {
			if i < len(header) && v != "" {
				rec[header[i]] = v
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readJSONL(r io.Reader, fn ReadFunc) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
		rec := Record{}
		for k, v := range obj {
			if s, ok := cellString(v); ok {
				rec[strings.ToLower(strings.TrimSpace(k))] = s
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

func cellString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		b, _ := json.Marshal(x)
		return string(b), true
	}
}
