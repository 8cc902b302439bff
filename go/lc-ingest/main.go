// Command lc-ingest fetches NEOWISE photometry for a list of targets, cleans
// and aggregates it, and writes the light curves to a SQLite database.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/urfave/cli/v2"

	"go.wisevar.org/lightcurves/go/ingest"
	"go.wisevar.org/lightcurves/go/sklog"
	"go.wisevar.org/lightcurves/go/sklog/sklogimpl"
	"go.wisevar.org/lightcurves/go/sklog/stdlogging"
	"go.wisevar.org/lightcurves/go/store"
)

// IngestFlags defines the commandline flags for the ingest command.
type IngestFlags struct {
	Sources              string
	DB                   string
	ZPStb                string
	Workers              int
	MaxConcurrentQueries int64
	MaxAttempts          int
	PoolMaxsize          int
	UseTAP               bool
	Clear                bool
	Drop                 bool
}

func (flags *IngestFlags) AsCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Destination: &flags.Sources,
			Name:        "sources",
			Usage:       "CSV of targets with columns source_id, ra, dec, and optionally AllWISE_ID.",
		},
		&cli.StringFlag{
			Destination: &flags.DB,
			Name:        "db",
			Value:       "./lightcurves.db",
			Usage:       "Path of the SQLite database file.",
		},
		&cli.StringFlag{
			Destination: &flags.ZPStb,
			Name:        "zp-stb",
			Usage:       "Path of the NEOWISE zero-point stability CSV. Missing file disables the correction.",
		},
		&cli.IntFlag{
			Destination: &flags.Workers,
			Name:        "workers",
			Value:       ingest.DefaultWorkers,
			Usage:       "Number of ingest workers.",
		},
		&cli.Int64Flag{
			Destination: &flags.MaxConcurrentQueries,
			Name:        "max-concurrent-queries",
			Value:       ingest.DefaultMaxConcurrentQueries,
			Usage:       "Maximum simultaneous IRSA queries across all workers.",
		},
		&cli.IntFlag{
			Destination: &flags.MaxAttempts,
			Name:        "max-attempts",
			Value:       ingest.DefaultMaxAttempts,
			Usage:       "Attempts per remote query before giving up on a target.",
		},
		&cli.IntFlag{
			Destination: &flags.PoolMaxsize,
			Name:        "pool-maxsize",
			Value:       ingest.DefaultPoolMaxsize,
			Usage:       "Idle HTTP connections kept per host.",
		},
		&cli.BoolFlag{
			Destination: &flags.UseTAP,
			Name:        "use-tap",
			Usage:       "Query by AllWISE designation over TAP where the target list provides one.",
		},
		&cli.BoolFlag{
			Destination: &flags.Clear,
			Name:        "clear",
			Usage:       "Empty all tables before ingesting.",
		},
		&cli.BoolFlag{
			Destination: &flags.Drop,
			Name:        "drop",
			Usage:       "Delete the database file before ingesting.",
		},
	}
}

func main() {
	var flags IngestFlags
	cliApp := &cli.App{
		Name:  "lc-ingest",
		Usage: "Build NEOWISE light curves from the IRSA single-exposure catalog.",
		Before: func(c *cli.Context) error {
			sklogimpl.SetLogger(stdlogging.New(os.Stdout))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:        "ingest",
				Usage:       "Fetch, filter, and store light curves.",
				Description: "Reads the target list, queries IRSA for each target, and writes raw observations and epoch summaries to the database.",
				Flags:       (&flags).AsCliFlags(),
				Action: func(c *cli.Context) error {
					if err := manageDB(&flags); err != nil {
						return err
					}
					if flags.Sources == "" {
						sklog.Info("No --sources given; nothing to ingest.")
						return nil
					}
					summary, err := ingest.Run(c.Context, ingest.Config{
						SourcesPath:          flags.Sources,
						DBPath:               flags.DB,
						ZPPath:               flags.ZPStb,
						Workers:              flags.Workers,
						MaxConcurrentQueries: flags.MaxConcurrentQueries,
						MaxAttempts:          flags.MaxAttempts,
						PoolMaxsize:          flags.PoolMaxsize,
						UseTAP:               flags.UseTAP,
					})
					if err != nil {
						return err
					}
					summary.Print()
					return nil
				},
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Printf("\nError: %s\n", err.Error())
		os.Exit(2)
	}
}

// manageDB applies --drop and --clear. Either without --sources is a complete
// run in itself.
func manageDB(flags *IngestFlags) error {
	if !flags.Drop && !flags.Clear {
		return nil
	}
	st, err := store.New(flags.DB, &sync.Mutex{})
	if err != nil {
		return err
	}
	if flags.Drop {
		return st.Drop()
	}
	defer func() {
		_ = st.Close()
	}()
	return st.Clear(context.Background())
}
