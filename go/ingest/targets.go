package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"go.wisevar.org/lightcurves/go/skerr"
)

// Target is one row of the input catalog: where to look and, optionally,
// which AllWISE designation identifies the object there.
type Target struct {
	SourceID  string
	RA        float64
	Dec       float64
	AllWISEID string
}

// LoadTargets reads the target list CSV. The header must contain source_id,
// ra, and dec; an AllWISE_ID column is optional and enables identifier-based
// fetching. Rows with a blank source_id are skipped.
func LoadTargets(path string) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "opening target list %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	targets, err := ParseTargets(f)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing target list %s", path)
	}
	return targets, nil
}

// ParseTargets reads targets from r. See LoadTargets.
func ParseTargets(r io.Reader) ([]Target, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, skerr.Wrapf(err, "reading header")
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"source_id", "ra", "dec"} {
		if _, ok := col[required]; !ok {
			return nil, skerr.Fmt("target list is missing column %q", required)
		}
	}
	idCol, hasID := col["allwise_id"]

	var out []Target
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skerr.Wrapf(err, "reading line %d", line)
		}
		t := Target{SourceID: strings.TrimSpace(rec[col["source_id"]])}
		if t.SourceID == "" {
			continue
		}
		if t.RA, err = strconv.ParseFloat(strings.TrimSpace(rec[col["ra"]]), 64); err != nil {
			return nil, skerr.Fmt("line %d: bad ra %q", line, rec[col["ra"]])
		}
		if t.Dec, err = strconv.ParseFloat(strings.TrimSpace(rec[col["dec"]]), 64); err != nil {
			return nil, skerr.Fmt("line %d: bad dec %q", line, rec[col["dec"]])
		}
		if hasID && idCol < len(rec) {
			t.AllWISEID = strings.TrimSpace(rec[idCol])
		}
		out = append(out, t)
	}
	return out, nil
}
