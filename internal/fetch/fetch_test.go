package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/query"
	"github.com/hargabyte/lwreport/internal/retry"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// hourlySource serves one record per minute in the requested range, in pages
// of pageSize. Cursors encode the next offset.
type hourlySource struct {
	pageSize int
	calls    atomic.Int32
	jitter   bool

	mu     sync.Mutex
	faults map[int]error // call number (1-based) -> error to return instead
}

func (s *hourlySource) FetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error) {
	n := int(s.calls.Add(1))
	s.mu.Lock()
	fault := s.faults[n]
	s.mu.Unlock()
	if fault != nil {
		return query.Page{}, fault
	}
	if s.jitter {
		time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	}

	offset := 0
	if q.Cursor != "" {
		offset, _ = strconv.Atoi(strings.TrimPrefix(q.Cursor, "off-"))
	}
	total := int(q.TimeRange.Duration() / time.Minute)

	var recs []query.RawRecord
	for i := offset; i < total && len(recs) < s.pageSize; i++ {
		ts := q.TimeRange.Start.Add(time.Duration(i) * time.Minute)
		recs = append(recs, query.RawRecord{"id": ts.Format(time.RFC3339)})
	}
	next := ""
	if offset+len(recs) < total {
		next = fmt.Sprintf("off-%d", offset+len(recs))
	}
	return query.Page{Records: recs, NextCursor: next}, nil
}

type fixedPages struct {
	sizes   []int
	cursors []string
	calls   int
}

func (f *fixedPages) FetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error) {
	i := f.calls
	f.calls++
	recs := make([]query.RawRecord, f.sizes[i])
	for j := range recs {
		recs[j] = query.RawRecord{"page": i, "n": j}
	}
	return query.Page{Records: recs, NextCursor: f.cursors[i]}, nil
}

type rateLimited struct{ after time.Duration }

func (rateLimited) Error() string               { return "HTTP 429" }
func (rateLimited) RateLimited() bool           { return true }
func (r rateLimited) RetryAfter() time.Duration { return r.after }

type transient struct{}

func (transient) Error() string   { return "connection reset" }
func (transient) Transient() bool { return true }

func testOptions() Options {
	return Options{
		Concurrency:      4,
		MaxAttempts:      3,
		RateLimitRetries: 3,
		InitialBackoff:   time.Second,
		MaxBackoff:       8 * time.Second,
		Sleep:            retry.NoSleep,
	}
}

func collect(t *testing.T, seq func(func(query.Batch, error) bool)) ([]query.Batch, error) {
	t.Helper()
	var out []query.Batch
	for b, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

func TestPagesFollowsCursorToEnd(t *testing.T) {
	src := &fixedPages{sizes: []int{100, 100, 37}, cursors: []string{"p2", "p3", ""}}
	o := New(src, testOptions())
	q := query.DatasetQuery{ObjectType: "AlertRules", TimeRange: query.TimeRange{Start: day0, End: day0.Add(24 * time.Hour)}}

	batches, err := collect(t, o.Pages(context.Background(), q))
	require.NoError(t, err)
	require.Len(t, batches, 3)

	total := 0
	for i, b := range batches {
		assert.Equal(t, i, b.Page)
		total += len(b.Records)
	}
	assert.Equal(t, 237, total)
}

func TestPagesRepeatedCursorIsProtocolError(t *testing.T) {
	src := &fixedPages{sizes: []int{5, 5, 5}, cursors: []string{"a", "b", "a"}}
	o := New(src, testOptions())

	batches, err := collect(t, o.Pages(context.Background(), query.DatasetQuery{ObjectType: "Alerts"}))
	var pe *lwerr.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "a", pe.Cursor)
	assert.Len(t, batches, 3)
	assert.Equal(t, 3, src.calls, "must stop once the cursor repeats")
}

func TestPagesSelfReferencingCursor(t *testing.T) {
	src := &fixedPages{sizes: []int{1, 1}, cursors: []string{"same", "same"}}
	_, err := collect(t, New(src, testOptions()).Pages(context.Background(), query.DatasetQuery{ObjectType: "Alerts"}))
	assert.Equal(t, lwerr.CategoryProtocol, lwerr.CategoryOf(err))
}

func TestPagesIsLazyAndRestartable(t *testing.T) {
	src := &hourlySource{pageSize: 25}
	o := New(src, testOptions())
	q := query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}}

	seq := o.Pages(context.Background(), q)
	assert.Equal(t, int32(0), src.calls.Load())

	first, err := collect(t, seq)
	require.NoError(t, err)
	second, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(6), src.calls.Load())

	// early break stops requesting
	src.calls.Store(0)
	for range seq {
		break
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRateLimitTwiceThenSuccess(t *testing.T) {
	q := query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}}

	clean := &hourlySource{pageSize: 20}
	want, err := collect(t, New(clean, testOptions()).Pages(context.Background(), q))
	require.NoError(t, err)

	var slept []time.Duration
	opts := testOptions()
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	throttled := &hourlySource{pageSize: 20, faults: map[int]error{1: rateLimited{}, 2: rateLimited{}}}
	got, err := collect(t, New(throttled, opts).Pages(context.Background(), q))
	require.NoError(t, err)

	assert.Equal(t, want, got, "no duplicated or dropped records")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestRetryAfterIsCapped(t *testing.T) {
	var slept []time.Duration
	opts := testOptions()
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	src := &hourlySource{pageSize: 100, faults: map[int]error{1: rateLimited{after: time.Hour}}}
	_, err := collect(t, New(src, opts).Pages(context.Background(),
		query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}}))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{8 * time.Second}, slept)
}

func TestRateLimitExceeded(t *testing.T) {
	faults := map[int]error{}
	for i := 1; i <= 10; i++ {
		faults[i] = rateLimited{}
	}
	src := &hourlySource{pageSize: 100, faults: faults}
	r := query.TimeRange{Start: day0, End: day0.Add(time.Hour)}

	_, err := collect(t, New(src, testOptions()).Pages(context.Background(), query.DatasetQuery{ObjectType: "Alerts", TimeRange: r}))
	var rle *lwerr.RateLimitExceeded
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, r, rle.Range)
	assert.Equal(t, 4, rle.Attempts)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestTransientExhaustionIsFetchFailed(t *testing.T) {
	src := &hourlySource{pageSize: 100, faults: map[int]error{1: transient{}, 2: transient{}, 3: transient{}}}
	r := query.TimeRange{Start: day0, End: day0.Add(time.Hour)}

	_, err := collect(t, New(src, testOptions()).Pages(context.Background(), query.DatasetQuery{ObjectType: "Alerts", TimeRange: r}))
	var ff *lwerr.FetchFailed
	require.ErrorAs(t, err, &ff)
	assert.Equal(t, r, ff.Range)
	assert.Equal(t, 3, ff.Attempts)
}

func TestTransientRecovers(t *testing.T) {
	src := &hourlySource{pageSize: 100, faults: map[int]error{1: transient{}}}
	batches, err := collect(t, New(src, testOptions()).Pages(context.Background(),
		query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}}))
	require.NoError(t, err)
	assert.Len(t, batches[0].Records, 60)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	src := &hourlySource{pageSize: 100, faults: map[int]error{1: errors.New("HTTP 400: bad filter")}}
	_, err := collect(t, New(src, testOptions()).Pages(context.Background(),
		query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}}))
	assert.Equal(t, lwerr.CategoryFetch, lwerr.CategoryOf(err))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestFetchChunkedMatchesSequential(t *testing.T) {
	full := query.TimeRange{Start: day0, End: day0.Add(30 * time.Hour)}
	q := query.DatasetQuery{ObjectType: "Alerts", TimeRange: full}

	seqOpts := testOptions()
	seqOpts.Concurrency = 1
	sequential, err := New(&hourlySource{pageSize: 50}, seqOpts).Fetch(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, sequential.Ranges, 1)

	for trial := range 5 {
		opts := testOptions()
		opts.Concurrency = 4
		opts.MaxWindow = map[string]time.Duration{"Alerts": 4 * time.Hour}
		chunked, err := New(&hourlySource{pageSize: 50, jitter: true}, opts).Fetch(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, chunked.Ranges, 8)
		require.True(t, chunked.Complete())
		assert.Equal(t, sequential.Records(), chunked.Records(), "trial %d", trial)
	}
	assert.Len(t, sequential.Records(), 30*60)
}

func TestFetchWithinOverridesWindow(t *testing.T) {
	full := query.TimeRange{Start: day0, End: day0.Add(6 * time.Hour)}
	opts := testOptions()
	opts.MaxWindow = map[string]time.Duration{"Alerts": 4 * time.Hour}
	o := New(&hourlySource{pageSize: 100}, opts)

	res, err := o.FetchWithin(context.Background(), query.DatasetQuery{ObjectType: "Alerts", TimeRange: full}, time.Hour)
	require.NoError(t, err)
	assert.Len(t, res.Ranges, 6)
	assert.Len(t, res.Records(), 6*60)
}

func TestFetchFailedSubRangeBecomesGap(t *testing.T) {
	full := query.TimeRange{Start: day0, End: day0.Add(3 * time.Hour)}
	opts := testOptions()
	opts.Concurrency = 1
	opts.MaxAttempts = 1
	opts.MaxWindow = map[string]time.Duration{"Alerts": time.Hour}

	// call 2 is the first page of the second hour
	src := &hourlySource{pageSize: 100, faults: map[int]error{2: transient{}}}
	res, err := New(src, opts).Fetch(context.Background(), query.DatasetQuery{ObjectType: "Alerts", TimeRange: full})
	require.NoError(t, err)

	require.Len(t, res.Gaps, 1)
	assert.Equal(t, 1, res.Gaps[0].Index)
	assert.Equal(t, full.Start.Add(time.Hour), res.Gaps[0].Range.Start)
	assert.Len(t, res.Records(), 120)
	assert.False(t, res.Complete())
}

func TestFetchFatalAborts(t *testing.T) {
	src := &hourlySource{pageSize: 100, faults: map[int]error{1: lwerr.NewFatal("invalid api credentials", nil)}}
	opts := testOptions()
	opts.Concurrency = 1
	_, err := New(src, opts).Fetch(context.Background(),
		query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}})
	assert.True(t, lwerr.IsFatal(err))
}

func TestFetchCancelledStopsRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancelOnCall{cancel: cancel, at: 2}
	opts := testOptions()
	opts.Concurrency = 1

	_, err := New(src, opts).Fetch(ctx, query.DatasetQuery{ObjectType: "Alerts",
		TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, src.calls)
}

type cancelOnCall struct {
	cancel context.CancelFunc
	at     int
	calls  int
}

func (c *cancelOnCall) FetchPage(ctx context.Context, q query.DatasetQuery) (query.Page, error) {
	c.calls++
	if c.calls == c.at {
		c.cancel()
	}
	return query.Page{Records: []query.RawRecord{{"n": c.calls}}, NextCursor: fmt.Sprintf("c%d", c.calls)}, nil
}

type countingObserver struct {
	mu      sync.Mutex
	pages   int
	records int
	retries map[string]int
}

func (c *countingObserver) PageFetched(_ string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages++
	c.records += n
}

func (c *countingObserver) Retried(_ string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[reason]++
}

func TestObserverSeesPagesAndRetries(t *testing.T) {
	obs := &countingObserver{retries: map[string]int{}}
	opts := testOptions()
	opts.Observer = obs
	src := &hourlySource{pageSize: 30, faults: map[int]error{1: rateLimited{}, 3: transient{}}}

	_, err := New(src, opts).Fetch(context.Background(),
		query.DatasetQuery{ObjectType: "Alerts", TimeRange: query.TimeRange{Start: day0, End: day0.Add(time.Hour)}})
	require.NoError(t, err)
	assert.Equal(t, 2, obs.pages)
	assert.Equal(t, 60, obs.records)
	assert.Equal(t, map[string]int{"rate_limit": 1, "transient": 1}, obs.retries)
}
