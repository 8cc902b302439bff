package irsa

import (
	"bufio"
	"encoding/csv"
	"io"
	"strings"

	"go.wisevar.org/lightcurves/go/skerr"
)

// ParseIPACTable reads a Gator IPAC ASCII table. The format is:
//
//	\ keyword and comment lines
//	|  col1  |  col2  |      <- column names
//	|  type1 |  type2 |      <- ignored (types, units, null markers)
//	   val1     val2          <- data rows aligned to the bars
//
// Cells are sliced by the bar positions of the name header rather than split
// on whitespace, since character cells can be empty.
func ParseIPACTable(r io.Reader) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	var cols []string
	var bounds []int
	var rows [][]string
	for scanner.Scan() {
		line := scanner.Text()
		if len(strings.TrimSpace(line)) == 0 {
			continue
		}
		if strings.HasPrefix(line, "\\") {
			continue
		}
		if strings.HasPrefix(line, "|") {
			if cols != nil {
				// Type, unit, and null header rows.
				continue
			}
			for i, ch := range line {
				if ch == '|' {
					bounds = append(bounds, i)
				}
			}
			if len(bounds) < 2 {
				return nil, skerr.Fmt("malformed column header: %q", line)
			}
			for i := 0; i+1 < len(bounds); i++ {
				cols = append(cols, strings.TrimSpace(line[bounds[i]+1:bounds[i+1]]))
			}
			continue
		}
		if cols == nil {
			return nil, skerr.Fmt("data before column header: %q", line)
		}
		row := make([]string, len(cols))
		for i := range cols {
			start := bounds[i] + 1
			end := bounds[i+1]
			if i == len(cols)-1 || end > len(line) {
				end = len(line)
			}
			if start > end {
				start = end
			}
			cell := strings.TrimSpace(line[start:end])
			if strings.EqualFold(cell, "null") {
				cell = ""
			}
			row[i] = cell
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, skerr.Wrapf(err, "reading IPAC table")
	}
	if cols == nil {
		return nil, skerr.Fmt("IPAC table has no column header")
	}
	return &Table{Columns: cols, Rows: rows}, nil
}

// ParseCSVTable reads a TAP CSV result: a header row of column names followed
// by data rows.
func ParseCSVTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, skerr.Fmt("empty CSV response")
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "reading CSV header")
	}
	t := &Table{Columns: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skerr.Wrapf(err, "reading CSV row")
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}
