// Package types holds the core types for NEOWISE light-curve ingestion: the
// source being observed, its per-exposure raw observations, and the per-epoch
// aggregates derived from them.
package types

import (
	"database/sql"
	"time"
)

// Band is one of the two NEOWISE photometric bands.
type Band string

const (
	W1 Band = "W1"
	W2 Band = "W2"
)

// AllBands lists the bands in the order they are processed.
func AllBands() []Band {
	return []Band{W1, W2}
}

// Index returns the character position of this band in the combined per-row
// flag strings (cc_flags, ph_qual, moon_masked): 0 for W1, 1 for W2.
func (b Band) Index() int {
	if b == W2 {
		return 1
	}
	return 0
}

// Source is one astronomical target. Rows are immutable once inserted.
type Source struct {
	SourceID    string
	RA          float64
	Dec         float64
	AllWISECntr sql.NullInt64
	CreatedAt   time.Time
}

// RawObservation is one single-exposure single-band measurement. The flag
// strings keep both band characters; Band.Index selects the relevant one.
type RawObservation struct {
	SourceID string
	MJD      float64
	Band     Band

	MPro    float64
	SigMPro sql.NullFloat64

	CCFlags    string
	PhQual     string
	MoonMasked string
	SSOFlag    int64
	QIFact     float64
	SAASep     float64
	Sat        float64
	RChi2      float64
	QualFrame  float64
	Sky        sql.NullFloat64

	ScanID string

	// MProCorrected is MPro with the per-scan zero-point offset subtracted.
	MProCorrected float64
}

// EpochSummary is the aggregate of one visit cluster of observations for one
// (source, band).
type EpochSummary struct {
	SourceID string
	Band     Band
	EpochID  int

	MJDMean int64
	MagMean float64
	MagSE   float64
	MagLim  sql.NullFloat64
	NPoints int
	SNR     sql.NullFloat64

	// FilterApplied tags which filter configuration produced this row;
	// ingest-time summaries always use "default".
	FilterApplied string
}

// DefaultFilterTag is the FilterApplied value for ingest-time summaries.
const DefaultFilterTag = "default"
