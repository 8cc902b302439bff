// Package irsa fetches NEOWISE single-exposure photometry from IRSA. Two
// query shapes are supported: a Gator cone search around a sky position, and
// a TAP/ADQL search by AllWISE designation. Both return the same typed
// catalog rows.
package irsa

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/types"
)

const (
	// DefaultGatorURL is the IRSA catalog query endpoint used for cone
	// searches.
	DefaultGatorURL = "https://irsa.ipac.caltech.edu/cgi-bin/Gator/nph-query"

	// DefaultTAPURL is the IRSA synchronous TAP endpoint.
	DefaultTAPURL = "https://irsa.ipac.caltech.edu/TAP/sync"

	// Catalog is the NEOWISE single-exposure source table.
	Catalog = "neowiser_p1bs_psd"

	// ConeRadiusArcsec is the cone search radius.
	ConeRadiusArcsec = 5

	// FetchColumns is the column set requested from the catalog.
	FetchColumns = "ra,dec,allwise_cntr,w1mpro,w1sigmpro,w1rchi2,w1sat,w1sky,w2mpro,w2sigmpro,w2rchi2,w2sat,w2sky,cc_flags,sso_flg,qi_fact,ph_qual,qual_frame,moon_masked,saa_sep,mjd,scan_id"
)

// Row is one single-exposure catalog row. Both bands are present on every
// row; per-band accessors select the right columns.
type Row struct {
	RA          float64
	Dec         float64
	AllWISECntr sql.NullInt64

	W1MPro    sql.NullFloat64
	W1SigMPro sql.NullFloat64
	W1RChi2   sql.NullFloat64
	W1Sat     sql.NullFloat64
	W1Sky     sql.NullFloat64

	W2MPro    sql.NullFloat64
	W2SigMPro sql.NullFloat64
	W2RChi2   sql.NullFloat64
	W2Sat     sql.NullFloat64
	W2Sky     sql.NullFloat64

	CCFlags    string
	SSOFlag    int64
	QIFact     float64
	PhQual     string
	QualFrame  float64
	MoonMasked string
	SAASep     float64
	MJD        float64
	ScanID     string
}

// MPro returns the magnitude for the given band.
func (r Row) MPro(b types.Band) sql.NullFloat64 {
	if b == types.W2 {
		return r.W2MPro
	}
	return r.W1MPro
}

// SigMPro returns the magnitude uncertainty for the given band.
func (r Row) SigMPro(b types.Band) sql.NullFloat64 {
	if b == types.W2 {
		return r.W2SigMPro
	}
	return r.W1SigMPro
}

// RChi2 returns the per-band reduced chi-square.
func (r Row) RChi2(b types.Band) sql.NullFloat64 {
	if b == types.W2 {
		return r.W2RChi2
	}
	return r.W1RChi2
}

// Sat returns the per-band saturated pixel fraction.
func (r Row) Sat(b types.Band) sql.NullFloat64 {
	if b == types.W2 {
		return r.W2Sat
	}
	return r.W1Sat
}

// Sky returns the per-band sky background.
func (r Row) Sky(b types.Band) sql.NullFloat64 {
	if b == types.W2 {
		return r.W2Sky
	}
	return r.W1Sky
}

// Client queries IRSA with an injected *http.Client, so connection pooling
// and transport retries are configured once by the caller rather than through
// a library global.
type Client struct {
	client *http.Client

	// GatorURL and TAPURL may be overridden, e.g. by tests.
	GatorURL string
	TAPURL   string
}

// NewClient returns a Client using the given *http.Client, typically built
// with NewHTTPClient.
func NewClient(client *http.Client) *Client {
	return &Client{
		client:   client,
		GatorURL: DefaultGatorURL,
		TAPURL:   DefaultTAPURL,
	}
}

// ConeSearch fetches all catalog rows within ConeRadiusArcsec of (ra, dec),
// both in decimal degrees. The response is an IPAC ASCII table.
func (c *Client) ConeSearch(ctx context.Context, ra, dec float64) ([]Row, error) {
	v := url.Values{}
	v.Set("catalog", Catalog)
	v.Set("spatial", "cone")
	v.Set("objstr", fmt.Sprintf("%s %s", formatDeg(ra), formatDeg(dec)))
	v.Set("radius", strconv.Itoa(ConeRadiusArcsec))
	v.Set("radunits", "arcsec")
	v.Set("selcols", FetchColumns)
	v.Set("outfmt", "1")
	resp, err := c.get(ctx, c.GatorURL+"?"+v.Encode())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	table, err := ParseIPACTable(resp.Body)
	if err != nil {
		return nil, skerr.Wrapf(err, "cone search at (%s, %s)", formatDeg(ra), formatDeg(dec))
	}
	return decodeRows(table)
}

// TAPQuery fetches all catalog rows whose AllWISE designation matches
// allwiseID, ordered by MJD, via a synchronous ADQL query. The response is
// CSV.
func (c *Client) TAPQuery(ctx context.Context, allwiseID string) ([]Row, error) {
	adql := fmt.Sprintf("SELECT * FROM %s WHERE designation = '%s' ORDER BY mjd", Catalog, strings.ReplaceAll(allwiseID, "'", "''"))
	v := url.Values{}
	v.Set("QUERY", adql)
	v.Set("LANG", "ADQL")
	v.Set("FORMAT", "csv")
	resp, err := c.get(ctx, c.TAPURL+"?"+v.Encode())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	table, err := ParseCSVTable(resp.Body)
	if err != nil {
		return nil, skerr.Wrapf(err, "TAP query for %q", allwiseID)
	}
	return decodeRows(table)
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}
	return resp, nil
}

func formatDeg(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

// Table is a raw tabular query result: column names plus string cells. Empty
// cells represent nulls.
type Table struct {
	Columns []string
	Rows    [][]string
}

// decodeRows converts a raw Table into typed catalog rows, validating that
// every fetched column is present.
func decodeRows(t *Table) ([]Row, error) {
	col := map[string]int{}
	for i, name := range t.Columns {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range strings.Split(FetchColumns, ",") {
		if _, ok := col[required]; !ok {
			return nil, skerr.Fmt("response is missing column %q", required)
		}
	}
	cell := func(row []string, name string) string {
		i := col[name]
		if i >= len(row) {
			return ""
		}
		return row[i]
	}
	rows := make([]Row, 0, len(t.Rows))
	for n, raw := range t.Rows {
		var r Row
		var err error
		if r.RA, err = parseFloat(cell(raw, "ra")); err != nil {
			return nil, skerr.Wrapf(err, "row %d: ra", n)
		}
		if r.Dec, err = parseFloat(cell(raw, "dec")); err != nil {
			return nil, skerr.Wrapf(err, "row %d: dec", n)
		}
		if r.MJD, err = parseFloat(cell(raw, "mjd")); err != nil {
			return nil, skerr.Wrapf(err, "row %d: mjd", n)
		}
		r.AllWISECntr = parseNullInt(cell(raw, "allwise_cntr"))
		r.W1MPro = parseNullFloat(cell(raw, "w1mpro"))
		r.W1SigMPro = parseNullFloat(cell(raw, "w1sigmpro"))
		r.W1RChi2 = parseNullFloat(cell(raw, "w1rchi2"))
		r.W1Sat = parseNullFloat(cell(raw, "w1sat"))
		r.W1Sky = parseNullFloat(cell(raw, "w1sky"))
		r.W2MPro = parseNullFloat(cell(raw, "w2mpro"))
		r.W2SigMPro = parseNullFloat(cell(raw, "w2sigmpro"))
		r.W2RChi2 = parseNullFloat(cell(raw, "w2rchi2"))
		r.W2Sat = parseNullFloat(cell(raw, "w2sat"))
		r.W2Sky = parseNullFloat(cell(raw, "w2sky"))
		r.CCFlags = cell(raw, "cc_flags")
		r.PhQual = cell(raw, "ph_qual")
		r.MoonMasked = cell(raw, "moon_masked")
		r.ScanID = cell(raw, "scan_id")
		if f := parseNullFloat(cell(raw, "sso_flg")); f.Valid {
			r.SSOFlag = int64(f.Float64)
		}
		if f := parseNullFloat(cell(raw, "qi_fact")); f.Valid {
			r.QIFact = f.Float64
		}
		if f := parseNullFloat(cell(raw, "qual_frame")); f.Valid {
			r.QualFrame = f.Float64
		}
		if f := parseNullFloat(cell(raw, "saa_sep")); f.Valid {
			r.SAASep = f.Float64
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, skerr.Fmt("invalid number %q", s)
	}
	return f, nil
}

func parseNullFloat(s string) sql.NullFloat64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "nan") {
		return sql.NullFloat64{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func parseNullInt(s string) sql.NullInt64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return sql.NullInt64{}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return sql.NullInt64{Int64: i, Valid: true}
	}
	// Some output formats render the counter as a float.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return sql.NullInt64{Int64: int64(f), Valid: true}
	}
	return sql.NullInt64{}
}
