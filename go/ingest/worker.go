package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.wisevar.org/lightcurves/go/filter"
	"go.wisevar.org/lightcurves/go/irsa"
	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/sklog"
	"go.wisevar.org/lightcurves/go/store"
	"go.wisevar.org/lightcurves/go/types"
	"go.wisevar.org/lightcurves/go/zptable"
)

// Result reports one target's outcome.
type Result struct {
	SourceID string
	OK       bool
	Msg      string
}

// fetcher is the slice of the irsa client the worker needs; tests substitute
// their own.
type fetcher interface {
	ConeSearch(ctx context.Context, ra, dec float64) ([]irsa.Row, error)
	TAPQuery(ctx context.Context, allwiseID string) ([]irsa.Row, error)
}

// worker processes one target at a time against its own Store handle.
type worker struct {
	store   *store.Store
	client  fetcher
	retrier *Retrier
	zp      *zptable.Table
	useTAP  bool
}

// process fetches, cleans, aggregates, and stores one target. Panics are
// recovered into a failed Result so one bad target cannot take down the pool.
func (w *worker) process(ctx context.Context, t Target) (res Result) {
	res = Result{SourceID: t.SourceID}
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Msg = fmt.Sprintf("panic: %v", r)
			sklog.Errorf("Panic while processing %s: %v", t.SourceID, r)
		}
	}()

	rows, err := w.fetch(ctx, t)
	if err != nil {
		res.Msg = skerr.Unwrap(err).Error()
		return res
	}
	if len(rows) == 0 {
		res.Msg = "no observations found"
		return res
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].MJD < rows[j].MJD })
	rows, cntr := disambiguate(t.SourceID, rows)
	rows = w.applyMJDCutoff(rows)
	if len(rows) == 0 {
		res.Msg = "no observations after MJD cutoff"
		return res
	}

	src := types.Source{SourceID: t.SourceID, RA: t.RA, Dec: t.Dec, AllWISECntr: cntr}
	var raws []types.RawObservation
	var epochs []types.EpochSummary
	for _, band := range types.AllBands() {
		obs := filter.BandObservations(rows, t.SourceID, band, w.zp)
		raws = append(raws, obs...)
		cleaned := filter.Clean(obs, band, filter.DefaultParams())
		epochs = append(epochs, filter.Epochs(cleaned, t.SourceID, band)...)
	}

	if err := w.store.WriteLightCurve(ctx, src, raws, epochs); err != nil {
		res.Msg = err.Error()
		return res
	}
	res.OK = true
	if len(epochs) == 0 {
		res.Msg = fmt.Sprintf("stored %d raw observations, no valid epochs after filtering", len(raws))
	} else {
		res.Msg = fmt.Sprintf("stored %d raw observations, %d epochs", len(raws), len(epochs))
	}
	return res
}

// fetch picks the query shape: identifier search when TAP mode is on and the
// target carries an AllWISE designation, cone search otherwise. Each attempt
// of the retry loop holds a concurrency slot.
func (w *worker) fetch(ctx context.Context, t Target) ([]irsa.Row, error) {
	var rows []irsa.Row
	var desc string
	var do func(ctx context.Context) error
	if w.useTAP && t.AllWISEID != "" {
		desc = fmt.Sprintf("TAP query for %s", t.SourceID)
		do = func(ctx context.Context) error {
			var err error
			rows, err = w.client.TAPQuery(ctx, t.AllWISEID)
			return err
		}
	} else {
		desc = fmt.Sprintf("cone search for %s", t.SourceID)
		do = func(ctx context.Context) error {
			var err error
			rows, err = w.client.ConeSearch(ctx, t.RA, t.Dec)
			return err
		}
	}
	if err := w.retrier.Do(ctx, desc, do); err != nil {
		return nil, err
	}
	return rows, nil
}

// applyMJDCutoff drops observations predating the zero-point table, which the
// corrections cannot describe.
func (w *worker) applyMJDCutoff(rows []irsa.Row) []irsa.Row {
	min, ok := w.zp.MinMJD()
	if !ok {
		return rows
	}
	kept := rows[:0]
	for _, r := range rows {
		if r.MJD > min {
			kept = append(kept, r)
		}
	}
	return kept
}

// disambiguate handles cone searches that caught more than one object: it
// keeps the rows of the most frequent allwise_cntr (first seen in MJD order
// wins ties) and returns that counter for the source record. Rows without a
// counter are kept only when no row has one.
func disambiguate(sourceID string, rows []irsa.Row) ([]irsa.Row, sql.NullInt64) {
	counts := map[int64]int{}
	var order []int64
	for _, r := range rows {
		if !r.AllWISECntr.Valid {
			continue
		}
		if _, seen := counts[r.AllWISECntr.Int64]; !seen {
			order = append(order, r.AllWISECntr.Int64)
		}
		counts[r.AllWISECntr.Int64]++
	}
	if len(counts) == 0 {
		return rows, sql.NullInt64{}
	}
	best := order[0]
	for _, c := range order[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	if len(counts) > 1 {
		sklog.Warningf("Cone search for %s matched %d objects; keeping allwise_cntr %d with %d of %d rows", sourceID, len(counts), best, counts[best], len(rows))
	}
	kept := make([]irsa.Row, 0, counts[best])
	for _, r := range rows {
		if r.AllWISECntr.Valid && r.AllWISECntr.Int64 == best {
			kept = append(kept, r)
		}
	}
	return kept, sql.NullInt64{Int64: best, Valid: true}
}
