// Package fetch downloads remote artifacts under a shared concurrency cap,
// with linear backoff between failed attempts and explicit handling for
// rate-limit responses.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/couchcryptid/mrms-compare/internal/observability"
)

// GetFunc performs one transport attempt. A Throttled result reports a
// rate-limit response rather than an error, so the server's Retry-After can
// steer the next attempt.
type GetFunc func(ctx context.Context) (AttemptResult, error)

// ValidateFunc reports whether a downloaded payload is usable.
type ValidateFunc func(payload []byte) bool

// AttemptResult is the outcome of a single transport attempt.
type AttemptResult struct {
	Payload       []byte
	Throttled     bool
	RetryAfter    time.Duration
	RetryAfterSet bool
}

// Request describes one artifact to download.
type Request struct {
	Key      string // identity for logs and reports, typically the source URL
	Source   string // metric label, "noaa" or "iem"
	Get      GetFunc
	Validate ValidateFunc // optional; invalid payloads are terminal

	// DestPath persists the payload to disk. When the file already exists
	// the download is skipped entirely and no attempts are made.
	DestPath string
}

// Status classifies the terminal outcome of one request.
type Status string

const (
	StatusOK        Status = "ok"
	StatusCached    Status = "cached"
	StatusInvalid   Status = "invalid_payload"
	StatusExhausted Status = "max_retries_exceeded"
	StatusAborted   Status = "aborted"
)

// Outcome is the terminal result of one request. Payload is set only for
// successful in-memory requests, Path only for durable ones.
type Outcome struct {
	Key      string
	Status   Status
	Attempts int
	Payload  []byte
	Path     string
	Err      error
}

// Defaults sized for the NOAA archive: twenty workers stay under its
// request-rate ceiling and a minute of backoff outlives its usual 503 windows.
const (
	DefaultConcurrency = 20
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 60 * time.Second
)

// Config bounds the fetcher. Zero values take the defaults.
type Config struct {
	Concurrency int64
	MaxRetries  int
	BackoffBase time.Duration
}

// Fetcher runs requests to completion under one shared semaphore. A permit
// is acquired before the first attempt and held until the outcome is known,
// retries and backoff sleeps included, so the cap bounds transport pressure
// rather than just instantaneous connections.
type Fetcher struct {
	cfg     Config
	sem     *semaphore.Weighted
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Fetcher with the given bounds and observability.
func New(cfg Config, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	return &Fetcher{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Fetch runs one request to its terminal outcome. Safe for concurrent use.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Outcome {
	out := f.run(ctx, req)
	f.metrics.Fetches.WithLabelValues(req.Source, string(out.Status)).Inc()
	switch out.Status {
	case StatusOK, StatusCached:
		f.logger.Debug("fetch finished", "key", req.Key, "status", out.Status, "attempts", out.Attempts)
	default:
		f.logger.Warn("fetch failed", "key", req.Key, "status", out.Status, "attempts", out.Attempts, "error", out.Err)
	}
	return out
}

func (f *Fetcher) run(ctx context.Context, req Request) Outcome {
	if req.DestPath != "" {
		if _, err := os.Stat(req.DestPath); err == nil {
			return Outcome{Key: req.Key, Status: StatusCached, Path: req.DestPath}
		}
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Key: req.Key, Status: StatusAborted, Err: err}
	}
	defer f.sem.Release(1)

	start := f.clock.Now()
	out := f.attempts(ctx, req)
	f.metrics.FetchDuration.WithLabelValues(req.Source).Observe(f.clock.Since(start).Seconds())
	return out
}

// attempts drives the retry loop. A request gets MaxRetries+1 attempts in
// total; throttled responses consume an attempt like any other failure.
func (f *Fetcher) attempts(ctx context.Context, req Request) Outcome {
	total := f.cfg.MaxRetries + 1
	for attempt := 1; attempt <= total; attempt++ {
		res, err := req.Get(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Outcome{Key: req.Key, Status: StatusAborted, Attempts: attempt, Err: ctx.Err()}
			}
			if attempt == total {
				return Outcome{Key: req.Key, Status: StatusExhausted, Attempts: attempt, Err: err}
			}
			f.logger.Warn("attempt failed", "key", req.Key, "attempt", attempt, "error", err)
			if !f.sleep(ctx, f.backoffDelay(attempt)) {
				return Outcome{Key: req.Key, Status: StatusAborted, Attempts: attempt, Err: ctx.Err()}
			}

		case res.Throttled:
			f.metrics.ThrottleResponses.Inc()
			if attempt == total {
				return Outcome{Key: req.Key, Status: StatusExhausted, Attempts: attempt, Err: errors.New("rate limited")}
			}
			// Honor the server's Retry-After; fall back to the backoff base.
			delay := f.cfg.BackoffBase
			if res.RetryAfterSet {
				delay = res.RetryAfter
			}
			f.logger.Warn("rate limited", "key", req.Key, "attempt", attempt, "retry_after", delay)
			if !f.sleep(ctx, delay) {
				return Outcome{Key: req.Key, Status: StatusAborted, Attempts: attempt, Err: ctx.Err()}
			}

		default:
			if req.Validate != nil && !req.Validate(res.Payload) {
				f.metrics.InvalidPayloads.Inc()
				return Outcome{Key: req.Key, Status: StatusInvalid, Attempts: attempt, Err: errors.New("payload failed validation")}
			}
			return f.deliver(req, res.Payload, attempt)
		}
	}
	return Outcome{Key: req.Key, Status: StatusExhausted, Attempts: total}
}

// deliver hands the payload back in memory or persists it, staging through
// a sibling file so a crash never leaves a half-written artifact behind.
func (f *Fetcher) deliver(req Request, payload []byte, attempts int) Outcome {
	if req.DestPath == "" {
		return Outcome{Key: req.Key, Status: StatusOK, Attempts: attempts, Payload: payload}
	}

	tmp := req.DestPath + ".partial"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return Outcome{Key: req.Key, Status: StatusAborted, Attempts: attempts, Err: fmt.Errorf("persist %s: %w", req.DestPath, err)}
	}
	if err := os.Rename(tmp, req.DestPath); err != nil {
		os.Remove(tmp)
		return Outcome{Key: req.Key, Status: StatusAborted, Attempts: attempts, Err: fmt.Errorf("persist %s: %w", req.DestPath, err)}
	}
	return Outcome{Key: req.Key, Status: StatusOK, Attempts: attempts, Path: req.DestPath}
}

// backoffDelay grows linearly with the attempt number that just failed.
func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	return time.Duration(attempt) * f.cfg.BackoffBase
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-f.clock.After(d):
		return true
	}
}
