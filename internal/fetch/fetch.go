// Package fetch drives paginated, time-chunked pulls against a page Source,
// applying pacing, rate-limit backoff and transient retry per page.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hargabyte/lwreport/internal/config"
	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/query"
	"github.com/hargabyte/lwreport/internal/retry"
)

// Source returns a single page for a query. The API client implements it.
type Source interface {
	FetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error)
}

// Observer receives fetch events. telemetry.Metrics implements it.
type Observer interface {
	PageFetched(objectType string, records int)
	Retried(objectType, reason string)
}

type nopObserver struct{}

func (nopObserver) PageFetched(string, int) {}
func (nopObserver) Retried(string, string)  {}

// Options tunes an Orchestrator.
type Options struct {
	Concurrency       int
	RequestsPerSecond float64 // 0 disables pacing
	MaxAttempts       int     // per page, for transient failures, including the first
	RateLimitRetries  int     // per page, extra attempts after a rate-limit signal
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxWindow         map[string]time.Duration // per object type, 0 or missing means unchunked

	Sleep    retry.Sleeper
	Logger   *slog.Logger
	Observer Observer
}

// OptionsFromConfig maps the fetch section of the config file.
func OptionsFromConfig(cfg config.FetchConfig) Options {
	windows := make(map[string]time.Duration, len(cfg.MaxWindow))
	for k, v := range cfg.MaxWindow {
		windows[k] = v.Std()
	}
	return Options{
		Concurrency:       cfg.Concurrency,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxAttempts:       cfg.MaxAttempts,
		RateLimitRetries:  cfg.RateLimitRetries,
		InitialBackoff:    cfg.InitialBackoff.Std(),
		MaxBackoff:        cfg.MaxBackoff.Std(),
		MaxWindow:         windows,
	}
}

// Orchestrator is safe for concurrent use; the rate limiter is shared by every pull.
type Orchestrator struct {
	src     Source
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	obs     Observer
}

// New returns an Orchestrator over src.
func New(src Source, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	o := &Orchestrator{
		src:     src,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Concurrency),
		logger:  opts.Logger,
		obs:     opts.Observer,
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.obs == nil {
		o.obs = nopObserver{}
	}
	return o
}

// Pages returns the batches of q's time range in API order. The sequence is
// lazy: nothing is requested until it is ranged over, and ranging again
// starts a fresh pull. An error ends the sequence.
func (o *Orchestrator) Pages(ctx context.Context, q query.DatasetQuery) iter.Seq2[query.Batch, error] {
	return o.pages(ctx, q, 0)
}

func (o *Orchestrator) pages(ctx context.Context, q query.DatasetQuery, index int) iter.Seq2[query.Batch, error] {
	return func(yield func(query.Batch, error) bool) {
		seen := make(map[string]struct{})
		if q.Cursor != "" {
			seen[q.Cursor] = struct{}{}
		}

		cur := q
		for pageNo := 0; ; pageNo++ {
			batch := query.Batch{Range: q.TimeRange, Index: index, Page: pageNo}

			if err := ctx.Err(); err != nil {
				yield(batch, err)
				return
			}

			page, err := o.fetchPage(ctx, cur)
			if err != nil {
				yield(batch, err)
				return
			}
			o.obs.PageFetched(q.ObjectType, len(page.Records))

			batch.Records = page.Records
			if !yield(batch, nil) {
				return
			}

			next := page.NextCursor
			if next == "" {
				return
			}
			if _, dup := seen[next]; dup {
				yield(query.Batch{Range: q.TimeRange, Index: index, Page: pageNo + 1},
					&lwerr.ProtocolError{Reason: "cursor repeated", Cursor: next})
				return
			}
			seen[next] = struct{}{}
			cur = cur.WithCursor(next)
		}
	}
}

// Rate-limit and transient failures keep separate budgets: a throttled page
// does not use up its transient attempts.
func (o *Orchestrator) fetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error) {
	throttle := retry.Policy{Initial: o.opts.InitialBackoff, Max: o.opts.MaxBackoff}
	transient := retry.Policy{Initial: o.opts.InitialBackoff, Max: o.opts.MaxBackoff, Jitter: true}

	var throttled, failed int
	for {
		if err := o.limiter.Wait(ctx); err != nil {
			return query.Page{}, err
		}

		page, err := o.src.FetchPage(ctx, q)
		if err == nil {
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return query.Page{}, ctxErr
		}

		var delay time.Duration
		switch {
		case isRateLimited(err):
			throttled++
			if throttled > o.opts.RateLimitRetries {
				return query.Page{}, &lwerr.RateLimitExceeded{Range: q.TimeRange, Attempts: throttled}
			}
			delay = throttle.Delay(throttled - 1)
			if ra := retryAfter(err); ra > delay {
				delay = min(ra, o.opts.MaxBackoff)
			}
			o.obs.Retried(q.ObjectType, "rate_limit")

		case isTransient(err):
			failed++
			if failed >= o.opts.MaxAttempts {
				return query.Page{}, &lwerr.FetchFailed{Range: q.TimeRange, Attempts: failed, Err: err}
			}
			delay = transient.Delay(failed - 1)
			o.obs.Retried(q.ObjectType, "transient")

		case lwerr.CategoryOf(err) != "":
			return query.Page{}, err

		default:
			return query.Page{}, &lwerr.FetchFailed{Range: q.TimeRange, Attempts: failed + 1, Err: err}
		}

		o.logger.Debug("retrying page",
			"object_type", q.ObjectType,
			"range", q.TimeRange.String(),
			"throttled", throttled,
			"failed", failed,
			"delay", delay,
			"err", err)

		if err := o.opts.Sleep(ctx, delay); err != nil {
			return query.Page{}, err
		}
	}
}

// Gap is a sub-range whose records are missing from a Result.
type Gap struct {
	Range query.TimeRange
	Index int
	Err   error
}

func (g Gap) String() string {
	return fmt.Sprintf("%s: %v", g.Range, g.Err)
}

// Result is a reassembled pull. Batches are ordered by sub-range, then page.
type Result struct {
	Query   query.DatasetQuery
	Ranges  []query.TimeRange
	Batches []query.Batch
	Gaps    []Gap
}

// Records flattens the batches in order.
func (r Result) Records() []query.RawRecord {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Records)
	}
	out := make([]query.RawRecord, 0, n)
	for _, b := range r.Batches {
		out = append(out, b.Records...)
	}
	return out
}

// Complete reports whether every sub-range was fetched.
func (r Result) Complete() bool { return len(r.Gaps) == 0 }

type subResult struct {
	batches []query.Batch
	err     error
}

// Fetch pulls q in full. The time range is split by the object type's maximum
// window and sub-ranges are fetched concurrently; the result is reassembled
// in sub-range order so it matches a sequential pull.
//
// A sub-range that fails loses all of its pages and is reported as a Gap.
// Fatal errors and cancellation abort the whole pull and are returned.
func (o *Orchestrator) Fetch(ctx context.Context, q query.DatasetQuery) (Result, error) {
	return o.FetchWithin(ctx, q, o.opts.MaxWindow[q.ObjectType])
}

// FetchWithin is Fetch with an explicit maximum window, for definitions that
// narrow the configured one. A non-positive window fetches q unchunked.
func (o *Orchestrator) FetchWithin(ctx context.Context, q query.DatasetQuery, window time.Duration) (Result, error) {
	ranges := q.TimeRange.Split(window)

	parts := make([]subResult, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, r := range ranges {
		g.Go(func() error {
			var batches []query.Batch
			for batch, err := range o.pages(gctx, q.WithRange(r), i) {
				if err != nil {
					if lwerr.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					parts[i] = subResult{err: err}
					return nil
				}
				batches = append(batches, batch)
			}
			parts[i] = subResult{batches: batches}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Query: q, Ranges: ranges}
	for i, p := range parts {
		if p.err != nil {
			o.logger.Warn("sub-range failed",
				"object_type", q.ObjectType,
				"range", ranges[i].String(),
				"category", lwerr.CategoryOf(p.err),
				"err", p.err)
			res.Gaps = append(res.Gaps, Gap{Range: ranges[i], Index: i, Err: p.err})
			continue
		}
		res.Batches = append(res.Batches, p.batches...)
	}
	return res, nil
}

func isRateLimited(err error) bool {
	var rl interface{ RateLimited() bool }
	return errors.As(err, &rl) && rl.RateLimited()
}

func isTransient(err error) bool {
	var tr interface{ Transient() bool }
	return errors.As(err, &tr) && tr.Transient()
}

func retryAfter(err error) time.Duration {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
