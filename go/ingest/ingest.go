// Package ingest drives NEOWISE light-curve ingestion: it fans a target list
// out over a worker pool, where each worker fetches a target's photometry
// from IRSA, runs the cleaning and aggregation kernel, and writes the result
// to the store in one transaction.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"go.wisevar.org/lightcurves/go/irsa"
	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/sklog"
	"go.wisevar.org/lightcurves/go/store"
	"go.wisevar.org/lightcurves/go/zptable"
)

const (
	DefaultWorkers     = 4
	DefaultPoolMaxsize = 50

	// Only the first few distinct failure messages make the summary; the
	// full list is in the log.
	maxSummaryErrors = 10
)

// Config holds everything an ingest run needs.
type Config struct {
	SourcesPath string
	DBPath      string
	ZPPath      string

	Workers              int
	MaxConcurrentQueries int64
	MaxAttempts          int
	PoolMaxsize          int
	UseTAP               bool

	// GatorURL and TAPURL override the IRSA endpoints, e.g. in tests.
	GatorURL string
	TAPURL   string

	// Client overrides the HTTP client built from PoolMaxsize.
	Client *http.Client
}

// Summary is the outcome of a run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration

	// Errors holds the first distinct failure messages, at most
	// maxSummaryErrors of them.
	Errors []string
}

// Run ingests every target in cfg.SourcesPath. Per-target failures are
// counted in the Summary, not returned; the error covers setup problems only.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	start := time.Now()

	targets, err := LoadTargets(cfg.SourcesPath)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(targets) == 0 {
		sklog.Warningf("Target list %s is empty; nothing to ingest.", cfg.SourcesPath)
		return &Summary{Elapsed: time.Since(start)}, nil
	}
	zp, err := zptable.Load(cfg.ZPPath)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = irsa.NewHTTPClient(cfg.PoolMaxsize)
	}
	client := irsa.NewClient(httpClient)
	if cfg.GatorURL != "" {
		client.GatorURL = cfg.GatorURL
	}
	if cfg.TAPURL != "" {
		client.TAPURL = cfg.TAPURL
	}
	retrier := NewRetrier(cfg.MaxConcurrentQueries, cfg.MaxAttempts)

	sklog.Infof("Ingesting %d targets with %d workers into %s", len(targets), cfg.Workers, cfg.DBPath)

	// One write mutex shared by every store handle onto the file.
	var writeMu sync.Mutex
	targetCh := make(chan Target)
	resultCh := make(chan Result)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		eg.Go(func() error {
			st, err := store.New(cfg.DBPath, &writeMu)
			if err != nil {
				return skerr.Wrap(err)
			}
			defer func() {
				_ = st.Close()
			}()
			w := &worker{store: st, client: client, retrier: retrier, zp: zp, useTAP: cfg.UseTAP}
			for t := range targetCh {
				res := w.process(egCtx, t)
				select {
				case resultCh <- res:
				case <-egCtx.Done():
					return egCtx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		defer close(targetCh)
		for _, t := range targets {
			select {
			case targetCh <- t:
			case <-egCtx.Done():
				return
			}
		}
	}()

	summary := &Summary{Total: len(targets)}
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		seen := map[string]bool{}
		for res := range resultCh {
			if res.OK {
				summary.Succeeded++
				sklog.Infof("%s: %s", res.SourceID, res.Msg)
			} else {
				summary.Failed++
				sklog.Errorf("%s: %s", res.SourceID, res.Msg)
				if !seen[res.Msg] && len(summary.Errors) < maxSummaryErrors {
					seen[res.Msg] = true
					summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", res.SourceID, res.Msg))
				}
			}
		}
	}()

	err = eg.Wait()
	close(resultCh)
	<-collectDone
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// Print renders the summary as a table on stdout.
func (s *Summary) Print() {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Targets", strconv.Itoa(s.Total)})
	table.Append([]string{"Succeeded", strconv.Itoa(s.Succeeded)})
	table.Append([]string{"Failed", strconv.Itoa(s.Failed)})
	table.Append([]string{"Elapsed", s.Elapsed.Round(time.Millisecond).String()})
	table.Render()
	if len(s.Errors) > 0 {
		fmt.Printf("First %d distinct failures:\n", len(s.Errors))
		for _, e := range s.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
}
