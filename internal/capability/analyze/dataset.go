package analyze

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Dataset is a loaded table: a header row plus raw string cells.
// Empty cells count as missing values.
type Dataset struct {
	Columns []string
	Rows    [][]string
}

func (d Dataset) Column(name string) ([]string, bool) {
	idx := -1
	for i, c := range d.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]string, 0, len(d.Rows))
	for _, row := range d.Rows {
		if idx < len(row) {
			out = append(out, row[idx])
		} else {
			out = append(out, "")
		}
	}
	return out, true
}

// loadDataset reads a tabular file by extension: csv, xlsx, json
// (array of flat objects), or txt (tab-separated).
func loadDataset(path string) (Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadSeparated(path, ',')
	case ".txt", ".tsv":
		return loadSeparated(path, '\t')
	case ".xlsx", ".xls":
		return loadExcel(path)
	case ".json":
		return loadJSON(path)
	default:
		return Dataset{}, fmt.Errorf("unsupported file format %q", filepath.Ext(path))
	}
}

func loadSeparated(path string, sep rune) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = sep
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return Dataset{}, fmt.Errorf("read records: %w", err)
	}
	if len(rows) < 1 {
		return Dataset{}, fmt.Errorf("empty file")
	}
	return Dataset{Columns: rows[0], Rows: rows[1:]}, nil
}

func loadExcel(path string) (Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Dataset{}, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Dataset{}, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Dataset{}, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) < 1 {
		return Dataset{}, fmt.Errorf("empty sheet")
	}
	return Dataset{Columns: rows[0], Rows: rows[1:]}, nil
}

func loadJSON(path string) (Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, err
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return Dataset{}, fmt.Errorf("expected an array of objects: %w", err)
	}
	if len(records) == 0 {
		return Dataset{}, fmt.Errorf("empty dataset")
	}

	colSet := map[string]struct{}{}
	for _, rec := range records {
		for k := range rec {
			colSet[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = cellString(rec[col])
		}
		rows = append(rows, row)
	}
	return Dataset{Columns: columns, Rows: rows}, nil
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
