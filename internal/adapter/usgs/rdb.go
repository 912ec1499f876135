package usgs

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// rdbTable is a decoded RDB document: tab-delimited text with '#' comment
// lines, a header row, and a column-format row that is discarded.
type rdbTable struct {
	columns map[string]int
	header  []string
	rows    [][]string
}

func readRDB(r io.Reader) (*rdbTable, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("rdb: no header row")
	}
	if err != nil {
		return nil, err
	}
	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("rdb: no format row")
		}
		return nil, err
	}

	t := &rdbTable{columns: make(map[string]int, len(header)), header: header}
	for i, name := range header {
		t.columns[strings.TrimSpace(name)] = i
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		t.rows = append(t.rows, row)
	}
}

// require returns the index of each named column.
func (t *rdbTable) require(names ...string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		c, ok := t.columns[n]
		if !ok {
			return nil, fmt.Errorf("rdb: missing column %q", n)
		}
		idx[i] = c
	}
	return idx, nil
}

// field returns row[i], or "" when the row is short.
func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
