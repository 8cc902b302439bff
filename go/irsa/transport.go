package irsa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"

	"go.wisevar.org/lightcurves/go/sklog"
)

const (
	// RequestTimeout applies to each IRSA HTTP request, response body
	// included. Large cone searches can take a while to stream.
	RequestTimeout = 120 * time.Second

	// Transport-level retries are independent of the logical retries in the
	// ingest retrier: a single logical attempt may retry its HTTP call this
	// many times before succeeding or giving up.
	transportRetries = 3

	backoffInitialInterval = time.Second
	backoffMultiplier      = 2.0
	backoffMaxInterval     = 30 * time.Second
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP status %d from %s", e.Code, e.URL)
}

// retryableStatus reports whether a status code is worth retrying, matching
// the set the transport retries: rate limiting and server-side failures.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err is transient: a retryable HTTP status or a
// transport-level failure (timeout, connection reset, proxy error).
// Cancellation, permanent HTTP errors, and parse failures are not retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.Code)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// NewHTTPClient returns a pooled *http.Client for IRSA queries. The pool
// holds up to poolMaxsize idle connections and the transport retries
// {429, 500, 502, 503, 504} responses up to three times with exponential
// backoff before the response is handed back.
func NewHTTPClient(poolMaxsize int) *http.Client {
	if poolMaxsize <= 0 {
		poolMaxsize = 50
	}
	base := &http.Transport{
		MaxIdleConns:        poolMaxsize,
		MaxIdleConnsPerHost: poolMaxsize,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: &backOffTransport{base: base},
		Timeout:   RequestTimeout,
	}
}

// backOffTransport retries transient failures with exponential backoff. On a
// response with a non-retryable status, or once retries are exhausted, the
// last response is returned so the caller can classify it.
type backOffTransport struct {
	base http.RoundTripper
}

var errTransient = errors.New("transient server error")

// RoundTrip implements http.RoundTripper.
func (t *backOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     backoffInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          backoffMultiplier,
		MaxInterval:         backoffMaxInterval,
		Clock:               backoff.SystemClock,
	}, transportRetries), req.Context())

	// Copy the body so the request can be replayed on retry.
	var bodyBuf bytes.Buffer
	if req.Body != nil {
		if _, err := bodyBuf.ReadFrom(req.Body); err != nil {
			return nil, fmt.Errorf("failed to read request body: %s", err)
		}
	}

	var resp *http.Response
	var err error
	roundTripOp := func() error {
		if req.Body != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBuf.Bytes()))
		}
		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if retryableStatus(resp.StatusCode) {
			return errTransient
		}
		return nil
	}
	notifyFunc := func(notifyErr error, wait time.Duration) {
		if notifyErr == errTransient {
			sklog.Warningf("Got status %d from %s %s; retrying after %s", resp.StatusCode, req.Method, req.URL, wait)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			resp = nil
		} else {
			sklog.Warningf("Round trip to %s failed: %s; retrying after %s", req.URL, notifyErr, wait)
		}
	}

	retryErr := backoff.RetryNotify(roundTripOp, b, notifyFunc)
	if retryErr == nil || retryErr == errTransient {
		// Either success or the final attempt still returned a retryable
		// status; in both cases hand the response to the caller.
		return resp, nil
	}
	return nil, retryErr
}
