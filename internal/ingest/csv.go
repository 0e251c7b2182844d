// Package ingest reads raw identifiers from collector output.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Column is the header naming the identifier column.
const Column = "cep"

// ReadCSV returns the raw values of the "cep" column. Without that header the
// first column of every row is used. Blank cells are skipped; validation is
// left to the caller.
func ReadCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), Column) {
			col = i
			break
		}
	}

	var out []string
	if col < 0 {
		col = 0
		out = appendCell(out, header, col)
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		out = appendCell(out, row, col)
	}
}

// ReadFile opens path and calls ReadCSV.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func appendCell(out, row []string, col int) []string {
	if col >= len(row) {
		return out
	}
	if v := strings.TrimSpace(row[col]); v != "" {
		out = append(out, v)
	}
	return out
}
