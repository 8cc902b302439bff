// Package store persists sources, raw observations, and epoch summaries in a
// single SQLite file. Writers hold a shared mutex so concurrent workers
// serialise their transactions instead of fighting over the file lock.
package store

import (
	"context"
	"database/sql"
	"math"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"

	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/sklog"
	"go.wisevar.org/lightcurves/go/types"
)

// Stored magnitudes keep 4 decimals, SNR keeps 2, and epoch MJDs are whole
// days, so re-runs produce byte-identical rows.
const (
	magDecimals = 4
	snrDecimals = 2
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	source_id    TEXT PRIMARY KEY,
	ra           REAL NOT NULL,
	dec          REAL NOT NULL,
	allwise_cntr INTEGER,
	created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS neowise_raw_observations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id      TEXT NOT NULL REFERENCES sources (source_id),
	mjd            REAL NOT NULL,
	band           TEXT NOT NULL,
	mpro           REAL NOT NULL,
	sigmpro        REAL,
	cc_flags       TEXT,
	ph_qual        TEXT,
	moon_masked    TEXT,
	sso_flg        INTEGER,
	qi_fact        REAL,
	saa_sep        REAL,
	sat            REAL,
	rchi2          REAL,
	qual_frame     REAL,
	sky            REAL,
	scan_id        TEXT,
	mpro_corrected REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS neowise_epoch_summary (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id      TEXT NOT NULL REFERENCES sources (source_id),
	band           TEXT NOT NULL,
	epoch_id       INTEGER NOT NULL,
	mjd_mean       INTEGER NOT NULL,
	mag_mean       REAL NOT NULL,
	mag_se         REAL NOT NULL,
	mag_lim        REAL,
	n_points       INTEGER NOT NULL,
	snr            REAL,
	filter_applied TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_source       ON neowise_raw_observations (source_id);
CREATE INDEX IF NOT EXISTS idx_raw_band         ON neowise_raw_observations (band);
CREATE INDEX IF NOT EXISTS idx_raw_source_band  ON neowise_raw_observations (source_id, band);
CREATE INDEX IF NOT EXISTS idx_raw_mjd          ON neowise_raw_observations (mjd);
CREATE INDEX IF NOT EXISTS idx_epoch_source      ON neowise_epoch_summary (source_id);
CREATE INDEX IF NOT EXISTS idx_epoch_band        ON neowise_epoch_summary (band);
CREATE INDEX IF NOT EXISTS idx_epoch_source_band ON neowise_epoch_summary (source_id, band);
CREATE INDEX IF NOT EXISTS idx_epoch_mjd         ON neowise_epoch_summary (mjd_mean);
`

// Store is one handle onto the database file. Open one handle per worker; all
// handles onto the same file must share the same write mutex.
type Store struct {
	db      *sql.DB
	path    string
	writeMu *sync.Mutex
}

// New opens (and if necessary creates) the database at path. The mutex
// serialises write transactions across every handle sharing it.
func New(path string, writeMu *sync.Mutex) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=10000")
	if err != nil {
		return nil, skerr.Wrapf(err, "opening %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, skerr.Wrapf(err, "creating schema in %s", path)
	}
	return &Store{db: db, path: path, writeMu: writeMu}, nil
}

// Close releases the handle. The file stays.
func (s *Store) Close() error {
	return skerr.Wrap(s.db.Close())
}

// Clear empties all three tables and reclaims the file space.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, table := range []string{"neowise_epoch_summary", "neowise_raw_observations", "sources"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return skerr.Wrapf(err, "clearing %s", table)
		}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return skerr.Wrapf(err, "vacuuming")
	}
	sklog.Infof("Cleared all tables in %s", s.path)
	return nil
}

// Drop closes the handle and deletes the database file.
func (s *Store) Drop() error {
	if err := s.db.Close(); err != nil {
		return skerr.Wrap(err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return skerr.Wrapf(err, "removing %s", s.path)
	}
	sklog.Infof("Dropped database %s", s.path)
	return nil
}

// WriteLightCurve stores one source's ingest result in a single transaction:
// the source row, its raw observations, and its epoch summaries. Previous
// rows for the source are replaced so re-ingesting is idempotent.
func (s *Store) WriteLightCurve(ctx context.Context, src types.Source, raws []types.RawObservation, epochs []types.EpochSummary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return skerr.Wrapf(err, "beginning transaction for %s", src.SourceID)
	}
	if err := writeLightCurveTx(ctx, tx, src, raws, epochs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = multierror.Append(err, rbErr)
		}
		return skerr.Wrapf(err, "writing light curve for %s", src.SourceID)
	}
	if err := tx.Commit(); err != nil {
		return skerr.Wrapf(err, "committing light curve for %s", src.SourceID)
	}
	return nil
}

func writeLightCurveTx(ctx context.Context, tx *sql.Tx, src types.Source, raws []types.RawObservation, epochs []types.EpochSummary) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sources (source_id, ra, dec, allwise_cntr) VALUES (?, ?, ?, ?)`,
		src.SourceID, src.RA, src.Dec, src.AllWISECntr); err != nil {
		return skerr.Wrapf(err, "upserting source")
	}
	if src.AllWISECntr.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE sources SET allwise_cntr = ? WHERE source_id = ?`,
			src.AllWISECntr, src.SourceID); err != nil {
			return skerr.Wrapf(err, "updating allwise_cntr")
		}
	}
	for _, table := range []string{"neowise_raw_observations", "neowise_epoch_summary"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE source_id = ?", src.SourceID); err != nil {
			return skerr.Wrapf(err, "deleting stale rows from %s", table)
		}
	}

	rawStmt, err := tx.PrepareContext(ctx, `INSERT INTO neowise_raw_observations
		(source_id, mjd, band, mpro, sigmpro, cc_flags, ph_qual, moon_masked, sso_flg, qi_fact, saa_sep, sat, rchi2, qual_frame, sky, scan_id, mpro_corrected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return skerr.Wrapf(err, "preparing raw insert")
	}
	defer func() {
		_ = rawStmt.Close()
	}()
	for _, o := range raws {
		if _, err := rawStmt.ExecContext(ctx,
			o.SourceID, o.MJD, string(o.Band), round(o.MPro, magDecimals), roundNull(o.SigMPro, magDecimals),
			o.CCFlags, o.PhQual, o.MoonMasked, o.SSOFlag, o.QIFact, o.SAASep, o.Sat, o.RChi2, o.QualFrame,
			o.Sky, o.ScanID, round(o.MProCorrected, magDecimals)); err != nil {
			return skerr.Wrapf(err, "inserting raw observation")
		}
	}

	epochStmt, err := tx.PrepareContext(ctx, `INSERT INTO neowise_epoch_summary
		(source_id, band, epoch_id, mjd_mean, mag_mean, mag_se, mag_lim, n_points, snr, filter_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return skerr.Wrapf(err, "preparing epoch insert")
	}
	defer func() {
		_ = epochStmt.Close()
	}()
	for _, e := range epochs {
		if _, err := epochStmt.ExecContext(ctx,
			e.SourceID, string(e.Band), e.EpochID, e.MJDMean, round(e.MagMean, magDecimals), round(e.MagSE, magDecimals),
			roundNull(e.MagLim, magDecimals), e.NPoints, roundNull(e.SNR, snrDecimals), e.FilterApplied); err != nil {
			return skerr.Wrapf(err, "inserting epoch summary")
		}
	}
	return nil
}

// GetSource returns the source with the given ID, or sql.ErrNoRows.
func (s *Store) GetSource(ctx context.Context, sourceID string) (types.Source, error) {
	var src types.Source
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, ra, dec, allwise_cntr, created_at FROM sources WHERE source_id = ?`, sourceID).
		Scan(&src.SourceID, &src.RA, &src.Dec, &src.AllWISECntr, &src.CreatedAt)
	if err == sql.ErrNoRows {
		return src, err
	}
	if err != nil {
		return src, skerr.Wrapf(err, "fetching source %s", sourceID)
	}
	return src, nil
}

// NearestSource returns the source closest to (ra, dec) by small-angle
// Euclidean distance in degrees, or sql.ErrNoRows when the table is empty.
func (s *Store) NearestSource(ctx context.Context, ra, dec float64) (types.Source, float64, error) {
	var src types.Source
	var dist2 float64
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, ra, dec, allwise_cntr, created_at,
			(ra - ?) * (ra - ?) + (dec - ?) * (dec - ?) AS dist2
		 FROM sources ORDER BY dist2 ASC LIMIT 1`, ra, ra, dec, dec).
		Scan(&src.SourceID, &src.RA, &src.Dec, &src.AllWISECntr, &src.CreatedAt, &dist2)
	if err == sql.ErrNoRows {
		return src, 0, err
	}
	if err != nil {
		return src, 0, skerr.Wrapf(err, "finding nearest source to (%f, %f)", ra, dec)
	}
	return src, math.Sqrt(dist2), nil
}

// ListSources returns every source ordered by ID.
func (s *Store) ListSources(ctx context.Context) ([]types.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, ra, dec, allwise_cntr, created_at FROM sources ORDER BY source_id`)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing sources")
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []types.Source
	for rows.Next() {
		var src types.Source
		if err := rows.Scan(&src.SourceID, &src.RA, &src.Dec, &src.AllWISECntr, &src.CreatedAt); err != nil {
			return nil, skerr.Wrapf(err, "scanning source")
		}
		out = append(out, src)
	}
	return out, skerr.Wrap(rows.Err())
}

// FetchRawForSource returns the source's raw observations ordered by MJD.
func (s *Store) FetchRawForSource(ctx context.Context, sourceID string) ([]types.RawObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, mjd, band, mpro, sigmpro, cc_flags, ph_qual, moon_masked, sso_flg, qi_fact, saa_sep, sat, rchi2, qual_frame, sky, scan_id, mpro_corrected
		 FROM neowise_raw_observations WHERE source_id = ? ORDER BY mjd`, sourceID)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching raw observations for %s", sourceID)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []types.RawObservation
	for rows.Next() {
		var o types.RawObservation
		var band string
		if err := rows.Scan(&o.SourceID, &o.MJD, &band, &o.MPro, &o.SigMPro, &o.CCFlags, &o.PhQual, &o.MoonMasked,
			&o.SSOFlag, &o.QIFact, &o.SAASep, &o.Sat, &o.RChi2, &o.QualFrame, &o.Sky, &o.ScanID, &o.MProCorrected); err != nil {
			return nil, skerr.Wrapf(err, "scanning raw observation")
		}
		o.Band = types.Band(band)
		out = append(out, o)
	}
	return out, skerr.Wrap(rows.Err())
}

// FetchEpochForSource returns the source's epoch summaries ordered by epoch
// MJD.
func (s *Store) FetchEpochForSource(ctx context.Context, sourceID string) ([]types.EpochSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, band, epoch_id, mjd_mean, mag_mean, mag_se, mag_lim, n_points, snr, filter_applied
		 FROM neowise_epoch_summary WHERE source_id = ? ORDER BY mjd_mean, band`, sourceID)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching epoch summaries for %s", sourceID)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []types.EpochSummary
	for rows.Next() {
		var e types.EpochSummary
		var band string
		if err := rows.Scan(&e.SourceID, &band, &e.EpochID, &e.MJDMean, &e.MagMean, &e.MagSE, &e.MagLim,
			&e.NPoints, &e.SNR, &e.FilterApplied); err != nil {
			return nil, skerr.Wrapf(err, "scanning epoch summary")
		}
		e.Band = types.Band(band)
		out = append(out, e)
	}
	return out, skerr.Wrap(rows.Err())
}

// round rounds half away from zero to the given number of decimals.
func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// roundNull rounds a nullable value; non-finite values become NULL.
func roundNull(v sql.NullFloat64, decimals int) sql.NullFloat64 {
	if !v.Valid || math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: round(v.Float64, decimals), Valid: true}
}
