package store

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wisevar.org/lightcurves/go/types"
)

func newForTest(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), &sync.Mutex{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func testSource() types.Source {
	return types.Source{
		SourceID:    "src1",
		RA:          10.684708,
		Dec:         41.269065,
		AllWISECntr: sql.NullInt64{Int64: 1234500000001, Valid: true},
	}
}

func testRaw(mjd float64, band types.Band, mag float64) types.RawObservation {
	return types.RawObservation{
		SourceID:      "src1",
		MJD:           mjd,
		Band:          band,
		MPro:          mag,
		SigMPro:       sql.NullFloat64{Float64: 0.02, Valid: true},
		CCFlags:       "00",
		PhQual:        "AA",
		MoonMasked:    "00",
		QIFact:        1,
		SAASep:        30,
		RChi2:         1,
		QualFrame:     1,
		Sky:           sql.NullFloat64{Float64: 20, Valid: true},
		ScanID:        "01234a",
		MProCorrected: mag - 0.01,
	}
}

func testEpoch(epochID int, band types.Band, mjdMean int64) types.EpochSummary {
	return types.EpochSummary{
		SourceID:      "src1",
		Band:          band,
		EpochID:       epochID,
		MJDMean:       mjdMean,
		MagMean:       12.123456,
		MagSE:         0.0123456,
		MagLim:        sql.NullFloat64{Float64: 15.98765, Valid: true},
		NPoints:       10,
		SNR:           sql.NullFloat64{Float64: 456.789, Valid: true},
		FilterApplied: types.DefaultFilterTag,
	}
}

func TestWriteAndFetch(t *testing.T) {
	ctx := context.Background()
	s := newForTest(t)

	raws := []types.RawObservation{
		testRaw(57000.2, types.W1, 12.00004),
		testRaw(57000.1, types.W2, 11.9),
	}
	epochs := []types.EpochSummary{
		testEpoch(0, types.W1, 57000),
		testEpoch(1, types.W1, 57200),
	}
	require.NoError(t, s.WriteLightCurve(ctx, testSource(), raws, epochs))

	src, err := s.GetSource(ctx, "src1")
	require.NoError(t, err)
	assert.Equal(t, 10.684708, src.RA)
	require.True(t, src.AllWISECntr.Valid)
	assert.Equal(t, int64(1234500000001), src.AllWISECntr.Int64)
	assert.False(t, src.CreatedAt.IsZero())

	gotRaws, err := s.FetchRawForSource(ctx, "src1")
	require.NoError(t, err)
	require.Len(t, gotRaws, 2)
	// Ordered by MJD, so W2 comes first.
	assert.Equal(t, types.W2, gotRaws[0].Band)
	// Magnitudes are rounded to 4 decimals at insert.
	assert.Equal(t, 12.0, gotRaws[1].MPro)
	assert.Equal(t, 11.89, gotRaws[1].MProCorrected)

	gotEpochs, err := s.FetchEpochForSource(ctx, "src1")
	require.NoError(t, err)
	require.Len(t, gotEpochs, 2)
	assert.Equal(t, 12.1235, gotEpochs[0].MagMean)
	assert.Equal(t, 0.0123, gotEpochs[0].MagSE)
	assert.Equal(t, 15.9877, gotEpochs[0].MagLim.Float64)
	// SNR keeps 2 decimals.
	assert.Equal(t, 456.79, gotEpochs[0].SNR.Float64)
	assert.Equal(t, int64(57000), gotEpochs[0].MJDMean)
}

func TestWriteLightCurve_ReplacesPreviousRows(t *testing.T) {
	ctx := context.Background()
	s := newForTest(t)

	require.NoError(t, s.WriteLightCurve(ctx, testSource(), []types.RawObservation{
		testRaw(57000, types.W1, 12.0),
		testRaw(57001, types.W1, 12.1),
	}, []types.EpochSummary{testEpoch(0, types.W1, 57000)}))

	require.NoError(t, s.WriteLightCurve(ctx, testSource(), []types.RawObservation{
		testRaw(57002, types.W1, 12.2),
	}, nil))

	raws, err := s.FetchRawForSource(ctx, "src1")
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, 57002.0, raws[0].MJD)

	epochs, err := s.FetchEpochForSource(ctx, "src1")
	require.NoError(t, err)
	assert.Empty(t, epochs)
}

func TestWriteLightCurve_NonFiniteBecomesNull(t *testing.T) {
	ctx := context.Background()
	s := newForTest(t)

	e := testEpoch(0, types.W1, 57000)
	e.SNR = sql.NullFloat64{Float64: math.Inf(1), Valid: true}
	e.MagLim = sql.NullFloat64{Float64: math.NaN(), Valid: true}
	require.NoError(t, s.WriteLightCurve(ctx, testSource(), nil, []types.EpochSummary{e}))

	epochs, err := s.FetchEpochForSource(ctx, "src1")
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	assert.False(t, epochs[0].SNR.Valid)
	assert.False(t, epochs[0].MagLim.Valid)
}

func TestNearestSource(t *testing.T) {
	ctx := context.Background()
	s := newForTest(t)

	a := testSource()
	b := types.Source{SourceID: "src2", RA: 11.0, Dec: 42.0}
	require.NoError(t, s.WriteLightCurve(ctx, a, nil, nil))
	require.NoError(t, s.WriteLightCurve(ctx, b, nil, nil))

	got, dist, err := s.NearestSource(ctx, 10.6847, 41.2690)
	require.NoError(t, err)
	assert.Equal(t, "src1", got.SourceID)
	assert.Less(t, dist, 0.0001)

	got, _, err = s.NearestSource(ctx, 11.001, 42.001)
	require.NoError(t, err)
	assert.Equal(t, "src2", got.SourceID)
}

func TestNearestSource_EmptyTable(t *testing.T) {
	s := newForTest(t)
	_, _, err := s.NearestSource(context.Background(), 1, 2)
	assert.Equal(t, sql.ErrNoRows, err)
}

func TestListSources(t *testing.T) {
	ctx := context.Background()
	s := newForTest(t)
	require.NoError(t, s.WriteLightCurve(ctx, types.Source{SourceID: "b", RA: 2, Dec: 2}, nil, nil))
	require.NoError(t, s.WriteLightCurve(ctx, types.Source{SourceID: "a", RA: 1, Dec: 1}, nil, nil))

	srcs, err := s.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, "a", srcs[0].SourceID)
	assert.Equal(t, "b", srcs[1].SourceID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newForTest(t)
	require.NoError(t, s.WriteLightCurve(ctx, testSource(), []types.RawObservation{testRaw(57000, types.W1, 12.0)}, []types.EpochSummary{testEpoch(0, types.W1, 57000)}))
	require.NoError(t, s.Clear(ctx))

	srcs, err := s.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, srcs)
	raws, err := s.FetchRawForSource(ctx, "src1")
	require.NoError(t, err)
	assert.Empty(t, raws)
}

func TestSchemaIndexes(t *testing.T) {
	s := newForTest(t)
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'`)
	require.NoError(t, err)
	defer func() {
		_ = rows.Close()
	}()
	got := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		got[name] = true
	}
	require.NoError(t, rows.Err())
	for _, want := range []string{
		"idx_raw_source", "idx_raw_band", "idx_raw_source_band", "idx_raw_mjd",
		"idx_epoch_source", "idx_epoch_band", "idx_epoch_source_band", "idx_epoch_mjd",
	} {
		assert.True(t, got[want], "missing index %s", want)
	}
}

func TestSharedMutexAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	var mu sync.Mutex

	s1, err := New(path, &mu)
	require.NoError(t, err)
	defer func() {
		_ = s1.Close()
	}()
	s2, err := New(path, &mu)
	require.NoError(t, err)
	defer func() {
		_ = s2.Close()
	}()

	var wg sync.WaitGroup
	for i, s := range []*Store{s1, s2} {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			src := types.Source{SourceID: string(rune('a' + i)), RA: float64(i), Dec: float64(i)}
			for j := 0; j < 10; j++ {
				o := testRaw(57000+float64(j), types.W1, 12.0)
				o.SourceID = src.SourceID
				assert.NoError(t, s.WriteLightCurve(ctx, src, []types.RawObservation{o}, nil))
			}
		}(i, s)
	}
	wg.Wait()

	srcs, err := s1.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)
}
