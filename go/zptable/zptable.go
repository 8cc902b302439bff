// Package zptable loads the NEOWISE zero-point stability table, which maps a
// scan_id to per-band magnitude offsets. The table also supplies the minimum
// MJD it covers, used as an ingest-time cutoff so that only observations the
// corrections apply to are kept.
package zptable

import (
	"bufio"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/sklog"
	"go.wisevar.org/lightcurves/go/types"
)

// The published NEOWISE_zp_stb.csv starts with a fixed-length comment
// preamble before the CSV header row.
const preambleLines = 12

type dmags struct {
	w1 float64
	w2 float64
}

// Table is a read-only lookup from scan_id to zero-point offsets. The zero
// value (and nil) behave as an empty table: DMag is always 0 and there is no
// MJD cutoff.
type Table struct {
	byScan map[string]dmags
	minMJD float64
	hasMin bool
}

// Load reads the zero-point table at path. A missing file is not an error:
// zero-point correction and the MJD cutoff simply become no-ops.
func Load(path string) (*Table, error) {
	if path == "" {
		return &Table{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			sklog.Warningf("Zero-point table %s not found; zero-point correction will be skipped.", path)
			return &Table{}, nil
		}
		return nil, skerr.Wrapf(err, "opening zero-point table %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	t, err := Parse(f)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing zero-point table %s", path)
	}
	sklog.Infof("Loaded zero-point table with %d scans from %s", len(t.byScan), path)
	return t, nil
}

// Parse reads the zero-point table from r, skipping the comment preamble.
func Parse(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	for i := 0; i < preambleLines; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			return nil, skerr.Wrapf(err, "reading preamble line %d", i+1)
		}
	}
	cr := csv.NewReader(br)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, skerr.Wrapf(err, "reading header")
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"scan", "mjd", "w1dmag", "w2dmag"} {
		if _, ok := col[required]; !ok {
			return nil, skerr.Fmt("zero-point table is missing column %q", required)
		}
	}

	t := &Table{byScan: map[string]dmags{}}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skerr.Wrapf(err, "reading row")
		}
		scan := strings.TrimSpace(rec[col["scan"]])
		if scan == "" {
			continue
		}
		mjd, err := strconv.ParseFloat(strings.TrimSpace(rec[col["mjd"]]), 64)
		if err != nil {
			return nil, skerr.Wrapf(err, "bad mjd for scan %s", scan)
		}
		w1, err := strconv.ParseFloat(strings.TrimSpace(rec[col["w1dmag"]]), 64)
		if err != nil {
			return nil, skerr.Wrapf(err, "bad w1dmag for scan %s", scan)
		}
		w2, err := strconv.ParseFloat(strings.TrimSpace(rec[col["w2dmag"]]), 64)
		if err != nil {
			return nil, skerr.Wrapf(err, "bad w2dmag for scan %s", scan)
		}
		t.byScan[scan] = dmags{w1: w1, w2: w2}
		if !t.hasMin || mjd < t.minMJD {
			t.minMJD = mjd
			t.hasMin = true
		}
	}
	return t, nil
}

// Empty returns true when the table holds no scans.
func (t *Table) Empty() bool {
	return t == nil || len(t.byScan) == 0
}

// DMag returns the zero-point offset for the given scan and band, or 0 when
// the scan is not in the table.
func (t *Table) DMag(scanID string, band types.Band) float64 {
	if t == nil {
		return 0
	}
	d, ok := t.byScan[scanID]
	if !ok {
		return 0
	}
	if band == types.W2 {
		return d.w2
	}
	return d.w1
}

// MinMJD returns the smallest MJD covered by the table. The second return
// value is false when the table is empty, i.e. no cutoff applies.
func (t *Table) MinMJD() (float64, bool) {
	if t.Empty() {
		return math.NaN(), false
	}
	return t.minMJD, t.hasMin
}
