// Package pipeline runs report definitions end to end: fetch, normalize,
// compare with and persist to the store, and render artifacts. Independent
// definitions run concurrently; each ends with one status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hargabyte/lwreport/internal/fetch"
	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/query"
	"github.com/hargabyte/lwreport/internal/render"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

// Status is the outcome of one definition.
type Status string

const (
	StatusSuccess Status = store.RunSuccess
	StatusPartial Status = store.RunPartial
	StatusFailed  Status = store.RunFailed
)

// RunObserver is told about every finished run. telemetry.Metrics implements it.
type RunObserver interface {
	RunFinished(report, status string, d time.Duration)
}

type nopRunObserver struct{}

func (nopRunObserver) RunFinished(string, string, time.Duration) {}

// Options configures a Pipeline.
type Options struct {
	Fetch  fetch.Options
	Render render.Options

	// OutputDir is the artifact root; each run writes under OutputDir/<run id>.
	OutputDir string

	// ParallelReports bounds RunAll. Defaults to 2.
	ParallelReports int

	// Commit creates a Dolt commit after each persisted run.
	Commit bool

	Logger   *slog.Logger
	Observer RunObserver
	Now      func() time.Time
}

// Request is one definition to run. Def must already be resolved.
type Request struct {
	Def report.Definition

	// Reset drops the report's table before writing.
	Reset bool

	// DryRun fetches, normalizes and diffs without writing or rendering.
	DryRun bool

	// Account targets one organization sub-account. Its name is added to
	// every fetched record as lwAccount.
	Account string
}

// AccountField is the record field naming the sub-account a record came from.
const AccountField = "lwAccount"

// FanOut repeats every request once per account, keeping request order and
// then account order. No accounts returns reqs unchanged.
func FanOut(reqs []Request, accounts []string) []Request {
	if len(accounts) == 0 {
		return reqs
	}
	out := make([]Request, 0, len(reqs)*len(accounts))
	for _, r := range reqs {
		for _, a := range accounts {
			r.Account = a
			out = append(out, r)
		}
	}
	return out
}

// Report is the outcome of one Request. Outcome is its serializable view.
type Report struct {
	Name     string
	Account  string
	Status   Status
	Run      store.Run
	Stats    store.UpsertStats
	Changes  int
	Delta    []store.Change // dry runs only
	Gaps     []fetch.Gap
	Skipped  int
	Empty    int // records whose expand list yielded no rows
	Mismatch []schema.Mismatch
	Render   render.Result
	Commit   string
	Problems []string
	Err      error
	Summary  map[string]store.Result
	Duration time.Duration
}

// Pipeline runs definitions against one store and one API source.
type Pipeline struct {
	store  *store.Store
	orch   *fetch.Orchestrator
	opts   Options
	logger *slog.Logger

	// tables serializes writes per report table.
	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// New returns a Pipeline. st may be nil only for dry runs.
func New(src fetch.Source, st *store.Store, opts Options) *Pipeline {
	if opts.ParallelReports <= 0 {
		opts.ParallelReports = 2
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = nopRunObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fetch.Logger == nil {
		opts.Fetch.Logger = opts.Logger
	}
	if opts.Render.Logger == nil {
		opts.Render.Logger = opts.Logger
	}
	if opts.Render.Now == nil {
		opts.Render.Now = opts.Now
	}
	return &Pipeline{
		store:  st,
		orch:   fetch.New(src, opts.Fetch),
		opts:   opts,
		logger: opts.Logger,
		tables: make(map[string]*sync.Mutex),
	}
}

// OpenStore opens the store and classifies a failure as fatal.
func OpenStore(path string, opts store.Options) (*store.Store, error) {
	st, err := store.Open(path, opts)
	if err != nil {
		return nil, lwerr.NewFatal("store unavailable", err)
	}
	return st, nil
}

// RunAll runs reqs with at most ParallelReports at a time. Reports come back
// in request order. The error is non-nil only when ctx ends first.
func (p *Pipeline) RunAll(ctx context.Context, reqs []Request) ([]Report, error) {
	out := make([]Report, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ParallelReports)
	for i, req := range reqs {
		g.Go(func() error {
			out[i] = p.Run(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}

// Run executes one definition and returns its report. Failures are in the
// report, never panics or partial returns.
func (p *Pipeline) Run(ctx context.Context, req Request) Report {
	def := req.Def
	start := p.opts.Now()
	rep := Report{Name: def.Name, Account: req.Account}
	logger := p.logger.With("report", def.Name)
	if req.Account != "" {
		logger = logger.With("account", req.Account)
	}

	if !req.DryRun {
		if p.store == nil {
			return p.fail(rep, lwerr.NewFatal("no store configured", nil), start)
		}
		run, err := p.store.BeginRun(ctx, def.Name)
		if err != nil {
			return p.fail(rep, lwerr.NewFatal("store unavailable", err), start)
		}
		rep.Run = run
		logger = logger.With("run_id", run.ID)
	}
	logger.Info("run started", "object_type", def.Query.ObjectType, "range", def.Query.Range.String())

	rep = p.execute(ctx, req, rep, logger)
	rep.Duration = p.opts.Now().Sub(start)

	if !req.DryRun {
		rep.Run.Status = string(rep.Status)
		rep.Run.FinishedAt = p.opts.Now().UTC()
		if rep.Err != nil {
			rep.Run.Error = rep.Err.Error()
		}
		// The run log is written even when ctx has ended.
		if err := p.store.FinishRun(context.WithoutCancel(ctx), rep.Run); err != nil {
			logger.Error("recording run", "err", err)
		}
		p.opts.Observer.RunFinished(def.Name, string(rep.Status), rep.Duration)
	}

	logger.Info("run finished",
		"status", rep.Status,
		"records", rep.Run.Records,
		"inserted", rep.Stats.Inserted,
		"updated", rep.Stats.Updated,
		"unchanged", rep.Stats.Unchanged,
		"skipped", rep.Skipped,
		"gaps", len(rep.Gaps),
		"duration", rep.Duration.Round(time.Millisecond))
	return rep
}

func (p *Pipeline) fail(rep Report, err error, start time.Time) Report {
	rep.Status = StatusFailed
	rep.Err = err
	rep.Duration = p.opts.Now().Sub(start)
	p.logger.Error("run failed", "report", rep.Name, "category", lwerr.CategoryOf(err), "err", err)
	return rep
}

func (p *Pipeline) execute(ctx context.Context, req Request, rep Report, logger *slog.Logger) Report {
	def := req.Def
	failed := func(err error) Report {
		rep.Status = StatusFailed
		rep.Err = err
		logger.Error("run failed", "category", lwerr.CategoryOf(err), "err", err)
		return rep
	}

	sc := &def.Schema
	norm, err := schema.NewNormalizer(sc)
	if err != nil {
		return failed(lwerr.NewFatal("invalid schema", err))
	}

	// Fetch.
	dq := def.Query.Dataset()
	dq.Account = req.Account
	res, err := p.orch.FetchWithin(ctx, dq, p.window(def))
	if err != nil {
		return failed(err)
	}
	rep.Gaps = res.Gaps
	for _, g := range res.Gaps {
		rep.Problems = append(rep.Problems, "gap "+g.String())
	}
	if len(res.Ranges) > 0 && len(res.Gaps) == len(res.Ranges) {
		return failed(res.Gaps[0].Err)
	}

	// Normalize.
	records := res.Records()
	if req.Account != "" {
		// Sources may share record maps between calls, so annotate copies.
		for i, rec := range records {
			c := make(query.RawRecord, len(rec)+1)
			maps.Copy(c, rec)
			c[AccountField] = req.Account
			records[i] = c
		}
	}
	rep.Run.Records = len(records)
	batch := norm.NormalizeBatch(records)
	rep.Skipped = batch.Skipped
	rep.Run.Skipped = batch.Skipped
	rep.Run.Gaps = len(res.Gaps)
	rep.Mismatch = batch.Mismatches
	if batch.Skipped > 0 {
		rep.Problems = append(rep.Problems, fmt.Sprintf("%d records skipped", batch.Skipped))
		for _, m := range batch.Mismatches {
			logger.Warn("record skipped", "index", m.Index, "column", m.Err.Column, "reason", m.Err.Reason)
		}
	}
	rep.Empty = batch.Empty
	if batch.Empty > 0 {
		rep.Problems = append(rep.Problems, fmt.Sprintf("%d records produced no rows (empty or missing expand list)", batch.Empty))
	}
	rows := batch.Rows

	if req.DryRun {
		changes, err := p.delta(ctx, sc, rows)
		if err != nil {
			return failed(err)
		}
		rep.Changes = len(changes)
		rep.Delta = changes
		rep.Status = p.status(rep)
		return rep
	}

	unlock := p.lockTable(store.TableName(sc))
	defer unlock()

	if req.Reset {
		if err := p.store.DropTable(ctx, sc); err != nil {
			return failed(&lwerr.PersistenceError{Table: store.TableName(sc), Err: err})
		}
		logger.Info("table reset", "table", store.TableName(sc))
	}
	if err := p.store.EnsureTable(ctx, sc); err != nil {
		return failed(&lwerr.PersistenceError{Table: store.TableName(sc), To: len(rows), Err: err})
	}

	changes, err := p.delta(ctx, sc, rows)
	if err != nil {
		return failed(err)
	}
	rep.Changes = len(changes)

	renderer := render.New(filepath.Join(p.opts.OutputDir, p.runDir(rep)), p.opts.Render)
	in := render.Input{Rows: rows, Schema: sc, Changes: changes}

	var persistErr error
	if len(def.Summaries) > 0 {
		// Summary queries read the persisted table, so rendering waits.
		rep.Stats, persistErr = p.store.Upsert(ctx, sc, rows, rep.Run.ID)
		if persistErr == nil || partiallyPersisted(persistErr, rep.Stats, len(rows)) {
			in.Summaries = p.summaries(ctx, def, &rep, logger)
			rep.Summary = in.Summaries
		}
		rep.Render = renderer.Render(ctx, def, in)
	} else {
		var wg sync.WaitGroup
		wg.Go(func() {
			rep.Stats, persistErr = p.store.Upsert(ctx, sc, rows, rep.Run.ID)
		})
		wg.Go(func() {
			rep.Render = renderer.Render(ctx, def, in)
		})
		wg.Wait()
	}

	rep.Run.Inserted = rep.Stats.Inserted
	rep.Run.Updated = rep.Stats.Updated
	rep.Run.Unchanged = rep.Stats.Unchanged
	rep.Run.Rejected = rep.Stats.Rejected
	if rep.Stats.Rejected > 0 {
		rep.Problems = append(rep.Problems, fmt.Sprintf("%d rows rejected for a null key", rep.Stats.Rejected))
	}
	for _, e := range rep.Render.Errors {
		rep.Problems = append(rep.Problems, e.Error())
	}

	if persistErr != nil {
		if !partiallyPersisted(persistErr, rep.Stats, len(rows)) {
			return failed(persistErr)
		}
		// Other batches were saved; the abandoned ranges make the run partial.
		for _, e := range lwerr.PersistenceErrors(persistErr) {
			rep.Problems = append(rep.Problems, e.Error())
			logger.Warn("rows not persisted", "from", e.From, "to", e.To, "err", e.Err)
		}
		rep.Err = persistErr
	}

	if p.opts.Commit && p.store.Backend() == store.BackendDolt && rep.Stats.Written() > 0 {
		hash, err := p.store.Commit(ctx, fmt.Sprintf("lwreport: %s run %s", def.Name, rep.Run.ID))
		if err != nil {
			rep.Problems = append(rep.Problems, err.Error())
			logger.Warn("dolt commit failed", "err", err)
		}
		rep.Commit = hash
	}

	rep.Status = p.status(rep)
	if rep.Status == StatusPartial && rep.Err == nil && len(rep.Gaps) > 0 {
		rep.Err = rep.Gaps[0].Err
	}
	return rep
}

// partiallyPersisted reports whether err only names abandoned batches and at
// least one other batch of the n rows was saved.
func partiallyPersisted(err error, stats store.UpsertStats, n int) bool {
	if len(lwerr.PersistenceErrors(err)) == 0 || stats.Failed == 0 {
		return false
	}
	return stats.Failed < n && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (p *Pipeline) status(rep Report) Status {
	if len(rep.Problems) > 0 {
		return StatusPartial
	}
	return StatusSuccess
}

func (p *Pipeline) delta(ctx context.Context, sc *schema.Schema, rows []schema.Row) ([]store.Change, error) {
	if p.store == nil {
		return nil, nil
	}
	changes, err := p.store.Delta(ctx, sc, rows)
	if err != nil {
		return nil, &lwerr.PersistenceError{Table: store.TableName(sc), To: len(rows), Err: err}
	}
	return changes, nil
}

func (p *Pipeline) summaries(ctx context.Context, def report.Definition, rep *Report, logger *slog.Logger) map[string]store.Result {
	out := make(map[string]store.Result, len(def.Summaries))
	for _, q := range def.Summaries {
		res, err := p.store.Summary(ctx, &def.Schema, q.SQL)
		if err != nil {
			logger.Warn("summary query failed", "summary", q.Name, "err", err)
			rep.Problems = append(rep.Problems, (&lwerr.RenderError{Report: def.Name, Component: "summary:" + q.Name, Err: err}).Error())
			continue
		}
		out[q.Name] = res
	}
	return out
}

// window is the definition's max window, or the configured one when the
// definition does not narrow it.
func (p *Pipeline) window(def report.Definition) time.Duration {
	configured := p.opts.Fetch.MaxWindow[def.Query.ObjectType]
	own := def.MaxWindow.Std()
	if own > 0 && (configured <= 0 || own < configured) {
		return own
	}
	return configured
}

func (p *Pipeline) runDir(rep Report) string {
	if rep.Run.ID != "" {
		return rep.Run.ID
	}
	return "dry-run"
}

func (p *Pipeline) lockTable(table string) func() {
	p.mu.Lock()
	m, ok := p.tables[table]
	if !ok {
		m = &sync.Mutex{}
		p.tables[table] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Worst returns the most severe status of reports: failed over partial over
// success. No reports is a success.
func Worst(reports []Report) Status {
	worst := StatusSuccess
	for _, r := range reports {
		switch r.Status {
		case StatusFailed:
			return StatusFailed
		case StatusPartial:
			worst = StatusPartial
		}
	}
	return worst
}

// ErrFailed and ErrPartial let callers map a run outcome to an exit code.
var (
	ErrFailed  = errors.New("one or more reports failed")
	ErrPartial = errors.New("one or more reports are partial")
)

// Err maps the worst status of reports to ErrFailed, ErrPartial or nil.
func Err(reports []Report) error {
	switch Worst(reports) {
	case StatusFailed:
		return ErrFailed
	case StatusPartial:
		return ErrPartial
	}
	return nil
}

// Outcome is the serializable view of a Report.
type Outcome struct {
	Report    string            `json:"report"`
	Account   string            `json:"account,omitempty"`
	Status    Status            `json:"status"`
	RunID     string            `json:"run_id,omitempty"`
	Records   int               `json:"records"`
	Inserted  int               `json:"inserted"`
	Updated   int               `json:"updated"`
	Unchanged int               `json:"unchanged"`
	Rejected  int               `json:"rejected"`
	Failed    int               `json:"failed,omitempty"`
	Skipped   int               `json:"skipped"`
	Empty     int               `json:"empty,omitempty"`
	Changes   int               `json:"changes"`
	Gaps      []string          `json:"gaps,omitempty"`
	Artifacts []render.Artifact `json:"artifacts,omitempty"`
	Problems  []string          `json:"problems,omitempty"`
	Commit    string            `json:"commit,omitempty"`
	Error     string            `json:"error,omitempty"`
	Seconds   float64           `json:"seconds"`
}

// Outcome summarizes r.
func (r Report) Outcome() Outcome {
	o := Outcome{
		Report:    r.Name,
		Account:   r.Account,
		Status:    r.Status,
		RunID:     r.Run.ID,
		Records:   r.Run.Records,
		Inserted:  r.Stats.Inserted,
		Updated:   r.Stats.Updated,
		Unchanged: r.Stats.Unchanged,
		Rejected:  r.Stats.Rejected,
		Failed:    r.Stats.Failed,
		Skipped:   r.Skipped,
		Empty:     r.Empty,
		Changes:   r.Changes,
		Artifacts: r.Render.Artifacts,
		Problems:  r.Problems,
		Commit:    r.Commit,
		Seconds:   r.Duration.Seconds(),
	}
	for _, g := range r.Gaps {
		o.Gaps = append(o.Gaps, g.String())
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	return o
}
