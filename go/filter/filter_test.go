package filter

import (
	"database/sql"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wisevar.org/lightcurves/go/irsa"
	"go.wisevar.org/lightcurves/go/types"
	"go.wisevar.org/lightcurves/go/zptable"
)

func nf(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

// zpReader wraps data rows in the comment preamble and header the zero-point
// table parser expects.
func zpReader(t *testing.T, rows ...string) *strings.Reader {
	t.Helper()
	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("\\ comment\n")
	}
	b.WriteString("scan,mjd,w1dmag,w2dmag\n")
	for _, r := range rows {
		b.WriteString(r)
		b.WriteString("\n")
	}
	return strings.NewReader(b.String())
}

// goodObs returns an observation that passes every default predicate.
func goodObs(mjd, mag float64) types.RawObservation {
	return types.RawObservation{
		SourceID:      "src1",
		MJD:           mjd,
		Band:          types.W1,
		MPro:          mag,
		SigMPro:       nf(0.02),
		CCFlags:       "00",
		PhQual:        "AA",
		MoonMasked:    "00",
		SSOFlag:       0,
		QIFact:        1.0,
		SAASep:        30.0,
		Sat:           0.0,
		RChi2:         1.0,
		QualFrame:     1.0,
		Sky:           nf(20.0),
		ScanID:        "01234a",
		MProCorrected: mag - 0.01,
	}
}

func TestBandObservations(t *testing.T) {
	rows := []irsa.Row{
		{
			MJD:        57000.1,
			W1MPro:     nf(12.5),
			W1SigMPro:  nf(0.02),
			W1Sat:      nf(0.01),
			W1RChi2:    nf(1.5),
			W1Sky:      nf(21.0),
			W2MPro:     nf(12.0),
			CCFlags:    "00",
			PhQual:     "AB",
			MoonMasked: "00",
			QIFact:     1.0,
			SAASep:     30,
			QualFrame:  1,
			ScanID:     "01234a",
		},
		{
			// No W1 magnitude: dropped for W1, kept for W2.
			MJD:    57000.2,
			W2MPro: nf(12.1),
			ScanID: "01234a",
		},
	}
	tab, err := zptable.Parse(zpReader(t, "01234a,56700.5,0.012,-0.004"))
	require.NoError(t, err)

	w1 := BandObservations(rows, "src1", types.W1, tab)
	require.Len(t, w1, 1)
	assert.Equal(t, 12.5, w1[0].MPro)
	assert.InDelta(t, 12.5-0.012, w1[0].MProCorrected, 1e-12)
	assert.Equal(t, 0.01, w1[0].Sat)
	assert.Equal(t, 1.5, w1[0].RChi2)
	assert.Equal(t, "AB", w1[0].PhQual)

	w2 := BandObservations(rows, "src1", types.W2, tab)
	require.Len(t, w2, 2)
	assert.InDelta(t, 12.0+0.004, w2[0].MProCorrected, 1e-12)
}

func TestClean_Predicates(t *testing.T) {
	base := goodObs(57000, 12.0)
	cases := []struct {
		name   string
		mutate func(*types.RawObservation)
	}{
		{"cc_flags", func(o *types.RawObservation) { o.CCFlags = "D0" }},
		{"sso_flg", func(o *types.RawObservation) { o.SSOFlag = 1 }},
		{"qi_fact", func(o *types.RawObservation) { o.QIFact = 0.5 }},
		{"saa_sep", func(o *types.RawObservation) { o.SAASep = 4.9 }},
		{"ph_qual", func(o *types.RawObservation) { o.PhQual = "BA" }},
		{"moon_masked", func(o *types.RawObservation) { o.MoonMasked = "10" }},
		{"saturation", func(o *types.RawObservation) { o.Sat = 0.06 }},
		{"rchi2", func(o *types.RawObservation) { o.RChi2 = 50.1 }},
		{"qual_frame", func(o *types.RawObservation) { o.QualFrame = 0 }},
		{"sky", func(o *types.RawObservation) { o.Sky = sql.NullFloat64{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			assert.Empty(t, Clean([]types.RawObservation{o}, types.W1, DefaultParams()))
			// With everything switched off the row survives.
			assert.Len(t, Clean([]types.RawObservation{o}, types.W1, Params{}), 1)
		})
	}
}

func TestClean_BoundaryValues(t *testing.T) {
	// sat == 0.05 and rchi2 == 50 pass; saa_sep == 5.0 passes.
	o := goodObs(57000, 12.0)
	o.Sat = 0.05
	o.RChi2 = 50
	o.SAASep = 5.0
	assert.Len(t, Clean([]types.RawObservation{o}, types.W1, DefaultParams()), 1)
}

func TestClean_MagnitudeChoice(t *testing.T) {
	o := goodObs(57000, 12.0)
	pts := Clean([]types.RawObservation{o}, types.W1, DefaultParams())
	require.Len(t, pts, 1)
	assert.Equal(t, o.MProCorrected, pts[0].Mag)

	p := DefaultParams()
	p.ZPCorrection = false
	pts = Clean([]types.RawObservation{o}, types.W1, p)
	require.Len(t, pts, 1)
	assert.Equal(t, o.MPro, pts[0].Mag)
}

func TestClean_SortsByMJD(t *testing.T) {
	obs := []types.RawObservation{
		goodObs(57002, 12.0),
		goodObs(57000, 12.1),
		goodObs(57001, 12.2),
	}
	pts := Clean(obs, types.W1, DefaultParams())
	require.Len(t, pts, 3)
	assert.True(t, pts[0].MJD < pts[1].MJD && pts[1].MJD < pts[2].MJD)
}

func TestClean_SigmaClip(t *testing.T) {
	var obs []types.RawObservation
	for i := 0; i < 14; i++ {
		obs = append(obs, goodObs(57000+float64(i), 12.0+0.01*float64(i%3)))
	}
	obs = append(obs, goodObs(57014, 100.0)) // outlier

	pts := Clean(obs, types.W1, DefaultParams())
	assert.Len(t, pts, 14)
	for _, pt := range pts {
		assert.Less(t, pt.Mag, 13.0)
	}

	p := DefaultParams()
	p.SigmaClip = false
	assert.Len(t, Clean(obs, types.W1, p), 15)
}

func TestClean_SigmaClipZeroStddevKeepsAll(t *testing.T) {
	obs := []types.RawObservation{
		goodObs(57000, 12.0),
		goodObs(57001, 12.0),
		goodObs(57002, 12.0),
	}
	assert.Len(t, Clean(obs, types.W1, DefaultParams()), 3)

	// A single point has no defined stddev and is kept too.
	assert.Len(t, Clean(obs[:1], types.W1, DefaultParams()), 1)
}

func TestEpochs_Grouping(t *testing.T) {
	// Two clusters separated by a 150-day gap; small errors keep SNR high.
	var pts []Point
	for i := 0; i < 5; i++ {
		pts = append(pts, Point{MJD: 57000 + float64(i), Mag: 12.0, MagErr: nf(0.001)})
	}
	for i := 0; i < 5; i++ {
		pts = append(pts, Point{MJD: 57200 + float64(i), Mag: 12.5, MagErr: nf(0.001)})
	}
	epochs := Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 2)

	e0, e1 := epochs[0], epochs[1]
	assert.Equal(t, 0, e0.EpochID)
	assert.Equal(t, 1, e1.EpochID)
	assert.Equal(t, int64(57002), e0.MJDMean)
	assert.Equal(t, int64(57202), e1.MJDMean)
	assert.Equal(t, 5, e0.NPoints)
	assert.InDelta(t, 12.0, e0.MagMean, 1e-9)
	assert.InDelta(t, 12.5, e1.MagMean, 1e-9)
	// Identical magnitudes within the cluster mean zero standard error.
	assert.Equal(t, 0.0, e0.MagSE)
	assert.Equal(t, "src1", e0.SourceID)
	assert.Equal(t, types.W1, e0.Band)
	assert.Equal(t, types.DefaultFilterTag, e0.FilterApplied)
	require.True(t, e0.SNR.Valid)
	assert.Greater(t, e0.SNR.Float64, 300.0)
	require.True(t, e0.MagLim.Valid)
}

func TestEpochs_GapJustUnder100DaysIsOneEpoch(t *testing.T) {
	pts := []Point{
		{MJD: 57000, Mag: 12.0, MagErr: nf(0.001)},
		{MJD: 57099.9, Mag: 12.0, MagErr: nf(0.001)},
	}
	epochs := Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 1)
	assert.Equal(t, 2, epochs[0].NPoints)

	pts[1].MJD = 57100
	epochs = Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 2)
}

func TestEpochs_SNRFallback(t *testing.T) {
	// Large errors push SNR below 300 but above 10.
	var pts []Point
	for i := 0; i < 3; i++ {
		pts = append(pts, Point{MJD: 57000 + float64(i), Mag: 12.0, MagErr: nf(0.02)})
	}
	epochs := Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 1)
	require.True(t, epochs[0].SNR.Valid)
	assert.Less(t, epochs[0].SNR.Float64, 300.0)
	assert.GreaterOrEqual(t, epochs[0].SNR.Float64, 10.0)
}

func TestEpochs_AllBelowFallbackDropsBand(t *testing.T) {
	pts := []Point{{MJD: 57000, Mag: 12.0, MagErr: nf(2.0)}}
	assert.Nil(t, Epochs(pts, "src1", types.W1))
	assert.Nil(t, Epochs(nil, "src1", types.W1))
}

func TestEpochs_SparseRetentionKeepsIDs(t *testing.T) {
	// Three clusters; the middle one has a noisy error budget so only the
	// outer two clear the primary threshold. Their IDs stay 0 and 2.
	var pts []Point
	for i := 0; i < 4; i++ {
		pts = append(pts, Point{MJD: 57000 + float64(i), Mag: 12.0, MagErr: nf(0.001)})
	}
	pts = append(pts, Point{MJD: 57200, Mag: 12.0, MagErr: nf(0.05)})
	for i := 0; i < 4; i++ {
		pts = append(pts, Point{MJD: 57400 + float64(i), Mag: 12.0, MagErr: nf(0.001)})
	}
	epochs := Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 2)
	assert.Equal(t, 0, epochs[0].EpochID)
	assert.Equal(t, 2, epochs[1].EpochID)
}

func TestEpochs_NoErrorsMeansInfiniteSNRStoredAsNull(t *testing.T) {
	pts := []Point{
		{MJD: 57000, Mag: 12.0},
		{MJD: 57001, Mag: 12.1},
	}
	epochs := Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 1)
	// SNR is +Inf: the epoch is retained but the value is not representable.
	assert.False(t, epochs[0].SNR.Valid)
	assert.False(t, epochs[0].MagLim.Valid)
}

func TestEpochs_MagSESingleVsMultiple(t *testing.T) {
	pts := []Point{
		{MJD: 57000, Mag: 12.0, MagErr: nf(0.001)},
		{MJD: 57001, Mag: 12.2, MagErr: nf(0.001)},
		{MJD: 57002, Mag: 12.4, MagErr: nf(0.001)},
	}
	epochs := Epochs(pts, "src1", types.W1)
	require.Len(t, epochs, 1)
	// Sample stddev of {12.0, 12.2, 12.4} is 0.2; SE = 0.2/sqrt(3).
	assert.InDelta(t, 0.2/math.Sqrt(3), epochs[0].MagSE, 1e-9)
}

func TestDeterminism(t *testing.T) {
	obs := []types.RawObservation{
		goodObs(57000, 12.0),
		goodObs(57001, 12.1),
		goodObs(57150, 12.2),
	}
	a := Epochs(Clean(obs, types.W1, DefaultParams()), "src1", types.W1)
	b := Epochs(Clean(obs, types.W1, DefaultParams()), "src1", types.W1)
	assert.Equal(t, a, b)
}
