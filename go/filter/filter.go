// Package filter is the light-curve cleaning and aggregation kernel. It is
// pure: ingest feeds it freshly fetched catalog rows, the query service feeds
// it persisted raw observations, and both get identical results for identical
// inputs and parameters.
package filter

import (
	"database/sql"
	"math"
	"sort"

	"go.wisevar.org/lightcurves/go/irsa"
	"go.wisevar.org/lightcurves/go/types"
	"go.wisevar.org/lightcurves/go/zptable"
)

const (
	// epochGapDays separates visit clusters: a gap of at least this many
	// days between consecutive observations starts a new epoch.
	epochGapDays = 100

	// Epoch retention thresholds. Epochs at or above snrPrimary are kept;
	// when none qualify the band falls back to snrFallback, and when that
	// also finds nothing the band is dropped.
	snrPrimary  = 300
	snrFallback = 10

	sigmaClipFactor = 3
)

// Params holds the per-predicate toggles of the cleaning recipe. The zero
// value disables everything; use DefaultParams for the ingest-time recipe.
type Params struct {
	CCFlags      bool
	SSOFlag      bool
	QIFact       bool
	SAASep       bool
	PhQual       bool
	MoonMasked   bool
	Saturation   bool
	RChi2        bool
	QualFrame    bool
	Sky          bool
	ZPCorrection bool
	SigmaClip    bool
}

// DefaultParams enables every predicate. This is the configuration used at
// ingest time.
func DefaultParams() Params {
	return Params{
		CCFlags:      true,
		SSOFlag:      true,
		QIFact:       true,
		SAASep:       true,
		PhQual:       true,
		MoonMasked:   true,
		Saturation:   true,
		RChi2:        true,
		QualFrame:    true,
		Sky:          true,
		ZPCorrection: true,
		SigmaClip:    true,
	}
}

// Point is one cleaned observation: the MJD, the working magnitude chosen by
// the parameters, and its uncertainty (absent when the catalog reported none).
type Point struct {
	MJD    float64
	Mag    float64
	MagErr sql.NullFloat64
}

// BandObservations extracts the single-band observations from catalog rows.
// Rows without a magnitude in the requested band are dropped; everything else
// is kept, quality filtering happens later in Clean. The zero-point corrected
// magnitude is attached here so it is available on every stored row.
func BandObservations(rows []irsa.Row, sourceID string, band types.Band, zp *zptable.Table) []types.RawObservation {
	obs := make([]types.RawObservation, 0, len(rows))
	for _, r := range rows {
		mpro := r.MPro(band)
		if !mpro.Valid || math.IsNaN(mpro.Float64) {
			continue
		}
		o := types.RawObservation{
			SourceID:   sourceID,
			MJD:        r.MJD,
			Band:       band,
			MPro:       mpro.Float64,
			SigMPro:    r.SigMPro(band),
			CCFlags:    r.CCFlags,
			PhQual:     r.PhQual,
			MoonMasked: r.MoonMasked,
			SSOFlag:    r.SSOFlag,
			QIFact:     r.QIFact,
			SAASep:     r.SAASep,
			QualFrame:  r.QualFrame,
			Sky:        r.Sky(band),
			ScanID:     r.ScanID,
		}
		if sat := r.Sat(band); sat.Valid {
			o.Sat = sat.Float64
		}
		if rchi2 := r.RChi2(band); rchi2.Valid {
			o.RChi2 = rchi2.Float64
		}
		o.MProCorrected = o.MPro - zp.DMag(o.ScanID, band)
		obs = append(obs, o)
	}
	return obs
}

// flagChar returns the flag character for the band, or 0 when the combined
// flag string is too short.
func flagChar(s string, band types.Band) byte {
	i := band.Index()
	if i >= len(s) {
		return 0
	}
	return s[i]
}

// pass applies the enabled quality predicates to one observation.
func pass(o types.RawObservation, band types.Band, p Params) bool {
	if p.CCFlags && flagChar(o.CCFlags, band) != '0' {
		return false
	}
	if p.SSOFlag && o.SSOFlag != 0 {
		return false
	}
	if p.QIFact && o.QIFact != 1.0 {
		return false
	}
	if p.SAASep && o.SAASep < 5.0 {
		return false
	}
	if p.PhQual && flagChar(o.PhQual, band) != 'A' {
		return false
	}
	if p.MoonMasked && flagChar(o.MoonMasked, band) != '0' {
		return false
	}
	if p.Saturation && o.Sat > 0.05 {
		return false
	}
	if p.RChi2 && o.RChi2 > 50 {
		return false
	}
	if p.QualFrame && !(o.QualFrame > 0.0) {
		return false
	}
	if p.Sky && !o.Sky.Valid {
		return false
	}
	return true
}

// Clean applies the quality predicates, chooses the working magnitude, sorts
// by MJD, and 3σ-clips the result. A standard deviation of zero (or an
// undefined one, e.g. a single point) keeps every point.
func Clean(obs []types.RawObservation, band types.Band, p Params) []Point {
	points := make([]Point, 0, len(obs))
	for _, o := range obs {
		if !pass(o, band, p) {
			continue
		}
		mag := o.MPro
		if p.ZPCorrection {
			mag = o.MProCorrected
		}
		points = append(points, Point{MJD: o.MJD, Mag: mag, MagErr: o.SigMPro})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].MJD < points[j].MJD })

	if !p.SigmaClip || len(points) == 0 {
		return points
	}
	mags := make([]float64, len(points))
	for i, pt := range points {
		mags[i] = pt.Mag
	}
	mean := meanOf(mags)
	sd := sampleStdDev(mags, mean)
	if sd == 0 || math.IsNaN(sd) {
		return points
	}
	clipped := points[:0]
	for _, pt := range points {
		if math.Abs(pt.Mag-mean) <= sigmaClipFactor*sd {
			clipped = append(clipped, pt)
		}
	}
	return clipped
}

// epoch is one visit cluster while aggregating.
type epoch struct {
	id        int
	mjds      []float64
	mags      []float64
	fluxSum   float64
	errSqSum  float64
	fluxCount int
}

func (e *epoch) snr() float64 {
	return e.fluxSum / math.Sqrt(e.errSqSum)
}

// Epochs groups the MJD-sorted cleaned points into visit clusters, selects
// clusters by signal-to-noise, and aggregates each retained cluster into one
// summary row. Returns nil when no cluster clears even the fallback
// threshold, meaning this band carries no usable signal.
//
// Epoch IDs are assigned over the full cleaned series and kept as-is after
// selection, so a retained set can have gaps in its IDs.
func Epochs(points []Point, sourceID string, band types.Band) []types.EpochSummary {
	if len(points) == 0 {
		return nil
	}

	var epochs []*epoch
	cur := &epoch{id: 0}
	epochs = append(epochs, cur)
	for i, pt := range points {
		if i > 0 && pt.MJD-points[i-1].MJD >= epochGapDays {
			cur = &epoch{id: cur.id + 1}
			epochs = append(epochs, cur)
		}
		flux := math.Pow(10, -0.4*pt.Mag)
		cur.mjds = append(cur.mjds, pt.MJD)
		cur.mags = append(cur.mags, pt.Mag)
		cur.fluxSum += flux
		cur.fluxCount++
		if pt.MagErr.Valid && !math.IsNaN(pt.MagErr.Float64) {
			fluxErr := flux * (math.Pow(10, 0.4*pt.MagErr.Float64) - 1)
			cur.errSqSum += fluxErr * fluxErr
		}
	}

	retained := selectBySNR(epochs, snrPrimary)
	if len(retained) == 0 {
		retained = selectBySNR(epochs, snrFallback)
	}
	if len(retained) == 0 {
		return nil
	}

	out := make([]types.EpochSummary, 0, len(retained))
	for _, e := range retained {
		n := len(e.mags)
		magMean := meanOf(e.mags)
		se := 0.0
		if n > 1 {
			se = sampleStdDev(e.mags, magMean) / math.Sqrt(float64(n))
		}
		s := types.EpochSummary{
			SourceID:      sourceID,
			Band:          band,
			EpochID:       e.id,
			MJDMean:       int64(math.Round(meanOf(e.mjds))),
			MagMean:       magMean,
			MagSE:         se,
			NPoints:       n,
			FilterApplied: types.DefaultFilterTag,
		}
		fluxMean := e.fluxSum / float64(n)
		magLim := -2.5 * math.Log10((fluxMean-math.Sqrt(e.errSqSum)/float64(n))/fluxMean)
		if !math.IsInf(magLim, 0) && !math.IsNaN(magLim) {
			s.MagLim = sql.NullFloat64{Float64: magLim, Valid: true}
		}
		if snr := e.snr(); !math.IsInf(snr, 0) && !math.IsNaN(snr) {
			s.SNR = sql.NullFloat64{Float64: snr, Valid: true}
		}
		out = append(out, s)
	}
	return out
}

// selectBySNR keeps the epochs whose SNR meets the threshold. An epoch with
// no error terms has infinite SNR and is always kept.
func selectBySNR(epochs []*epoch, threshold float64) []*epoch {
	var keep []*epoch
	for _, e := range epochs {
		if e.fluxCount == 0 {
			continue
		}
		if snr := e.snr(); snr >= threshold {
			keep = append(keep, e)
		}
	}
	return keep
}

func meanOf(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdDev is the n-1 normalised standard deviation. Undefined (NaN) for
// fewer than two values.
func sampleStdDev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
