// Package query reads light curves back out of the store, either as the
// persisted default-filter epoch summaries or by re-running the cleaning
// kernel over the raw observations with caller-chosen toggles.
package query

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"go.wisevar.org/lightcurves/go/filter"
	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/store"
	"go.wisevar.org/lightcurves/go/types"
)

var (
	// ErrNotFound means no stored source matches the request.
	ErrNotFound = errors.New("source not found")

	// ErrBadRequest means the request identifies no source at all.
	ErrBadRequest = errors.New("request needs a source_id or coordinates")
)

// maxMatchDistanceDeg is how far a coordinate lookup may be from the nearest
// stored source and still match: 3 arcsec, boundary inclusive.
const maxMatchDistanceDeg = 0.00083

// Request selects a source by ID or by coordinates and chooses between the
// persisted summaries and a raw re-filtering.
type Request struct {
	SourceID string

	// RA and Dec are used when SourceID is empty; HasCoords marks them as
	// set, since (0, 0) is a valid position.
	RA        float64
	Dec       float64
	HasCoords bool

	// Raw re-runs the cleaning kernel over the stored raw observations with
	// Params instead of returning the persisted epoch summaries.
	Raw    bool
	Params filter.Params
}

// Observation is one time step of the returned curve. A band absent at that
// time is null.
type Observation struct {
	MJD   float64  `json:"mjd"`
	W1Mag *float64 `json:"w1_mag"`
	W1Err *float64 `json:"w1_err"`
	W2Mag *float64 `json:"w2_mag"`
	W2Err *float64 `json:"w2_err"`
}

// LightCurve is the query response.
type LightCurve struct {
	SourceID        string        `json:"source_id"`
	RA              float64       `json:"ra"`
	Dec             float64       `json:"dec"`
	AllWISEID       *int64        `json:"allwise_id"`
	NumObservations int           `json:"num_observations"`
	Observations    []Observation `json:"observations"`
}

// Service answers light-curve queries against one store handle.
type Service struct {
	store *store.Store
}

// New returns a Service reading from st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Get resolves the requested source and returns its light curve. Returns
// ErrBadRequest when the request names no source and ErrNotFound when nothing
// stored matches.
func (s *Service) Get(ctx context.Context, req Request) (*LightCurve, error) {
	src, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	var obs []Observation
	if req.Raw {
		obs, err = s.refiltered(ctx, src.SourceID, req.Params)
	} else {
		obs, err = s.persisted(ctx, src.SourceID)
	}
	if err != nil {
		return nil, err
	}

	lc := &LightCurve{
		SourceID:        src.SourceID,
		RA:              src.RA,
		Dec:             src.Dec,
		NumObservations: len(obs),
		Observations:    obs,
	}
	if src.AllWISECntr.Valid {
		id := src.AllWISECntr.Int64
		lc.AllWISEID = &id
	}
	return lc, nil
}

func (s *Service) resolve(ctx context.Context, req Request) (types.Source, error) {
	if req.SourceID != "" {
		src, err := s.store.GetSource(ctx, req.SourceID)
		if err == sql.ErrNoRows {
			return src, ErrNotFound
		}
		if err != nil {
			return src, skerr.Wrap(err)
		}
		return src, nil
	}
	if !req.HasCoords {
		return types.Source{}, ErrBadRequest
	}
	src, dist, err := s.store.NearestSource(ctx, req.RA, req.Dec)
	if err == sql.ErrNoRows {
		return src, ErrNotFound
	}
	if err != nil {
		return src, skerr.Wrap(err)
	}
	if dist > maxMatchDistanceDeg {
		return src, ErrNotFound
	}
	return src, nil
}

// persisted pivots the stored epoch summaries into per-MJD records.
func (s *Service) persisted(ctx context.Context, sourceID string) ([]Observation, error) {
	epochs, err := s.store.FetchEpochForSource(ctx, sourceID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	p := newPivot()
	for _, e := range epochs {
		mag, se := e.MagMean, e.MagSE
		p.add(float64(e.MJDMean), e.Band, mag, &se)
	}
	return p.sorted(), nil
}

// refiltered re-runs the cleaning kernel over the stored raw observations
// with the given parameters and pivots the surviving points.
func (s *Service) refiltered(ctx context.Context, sourceID string, params filter.Params) ([]Observation, error) {
	raws, err := s.store.FetchRawForSource(ctx, sourceID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	byBand := map[types.Band][]types.RawObservation{}
	for _, o := range raws {
		byBand[o.Band] = append(byBand[o.Band], o)
	}
	p := newPivot()
	for _, band := range types.AllBands() {
		for _, pt := range filter.Clean(byBand[band], band, params) {
			var errp *float64
			if pt.MagErr.Valid {
				e := pt.MagErr.Float64
				errp = &e
			}
			p.add(pt.MJD, band, pt.Mag, errp)
		}
	}
	return p.sorted(), nil
}

// pivot merges per-band series into per-MJD records. Only MJDs with at least
// one band present appear.
type pivot struct {
	byMJD map[float64]*Observation
}

func newPivot() *pivot {
	return &pivot{byMJD: map[float64]*Observation{}}
}

func (p *pivot) add(mjd float64, band types.Band, mag float64, magErr *float64) {
	o, ok := p.byMJD[mjd]
	if !ok {
		o = &Observation{MJD: mjd}
		p.byMJD[mjd] = o
	}
	m := mag
	if band == types.W2 {
		o.W2Mag = &m
		o.W2Err = magErr
	} else {
		o.W1Mag = &m
		o.W1Err = magErr
	}
}

func (p *pivot) sorted() []Observation {
	out := make([]Observation, 0, len(p.byMJD))
	for _, o := range p.byMJD {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MJD < out[j].MJD })
	return out
}
