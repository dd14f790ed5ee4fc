package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/model"
)

const (
	otelScope     = "rowsync/sync"
	spanRun       = "sync.run"
	spanKind      = "sync.kind"
	metricCreated = "rowsync.sync.created"
	metricUpdated = "rowsync.sync.updated"
	metricDeleted = "rowsync.sync.deleted"
	metricSkipped = "rowsync.sync.skipped"
	metricFailed  = "rowsync.sync.failed"

	// DefaultConcurrency bounds in-flight remote operations per run.
	DefaultConcurrency = 8

	// DefaultKindConcurrency bounds how many kinds are processed at once.
	DefaultKindConcurrency = 2
)

var (
	// ErrRunInProgress is returned when a run is requested while another is
	// still active on the same engine.
	ErrRunInProgress = errors.New("a sync run is already in progress")

	// ErrUnknownKind is returned when a run names a kind with no source query.
	ErrUnknownKind = errors.New("unknown kind")
)

// Mode selects how a kind's documents are written.
type Mode string

const (
	// ModeSet replaces the whole document (PUT).
	ModeSet Mode = "set"
	// ModeMerge merges top-level keys into the document (PATCH).
	ModeMerge Mode = "merge"
)

// Options tunes an [Engine]. Zero values select the defaults.
type Options struct {
	// Concurrency bounds in-flight remote operations per run.
	Concurrency int

	// KindConcurrency bounds how many kinds are processed at once.
	KindConcurrency int

	// Modes overrides the write mode per kind. Kinds not listed use [ModeSet].
	Modes map[string]Mode

	// ReportPath, when set, is the remote path each finished report is
	// pushed under.
	ReportPath string

	// Interval is the pause between passes in [Engine.Run].
	Interval time.Duration

	// Deadline bounds passes whose [RunOptions] carry none. 0 means unbounded.
	Deadline time.Duration
}

// RunOptions scopes a single pass.
type RunOptions struct {
	// Kinds restricts the pass. Empty means every configured kind.
	Kinds []string

	// Deadline bounds the pass. When it passes no new operations are
	// scheduled and the report is marked cancelled.
	Deadline time.Duration
}

// Engine orchestrates sync passes. Create one with [NewEngine]; trigger a
// pass with [Engine.RunOnce] or start the interval loop with [Engine.Run].
type Engine struct {
	src    Source
	mapper Mapper
	ledger Ledger
	remote Remote
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	last *model.Report

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntDeleted metric.Int64Counter
	cntSkipped metric.Int64Counter
	cntFailed  metric.Int64Counter
}

// NewEngine creates an Engine wired to the given collaborators.
func NewEngine(src Source, m Mapper, l Ledger, r Remote, opts Options, logger *slog.Logger) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.KindConcurrency <= 0 {
		opts.KindConcurrency = DefaultKindConcurrency
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		src:    src,
		mapper: m,
		ledger: l,
		remote: r,
		opts:   opts,
		log:    logger,
		now:    time.Now,

		tracer:     tracer,
		cntCreated: mustCounter(metricCreated, "Number of documents created"),
		cntUpdated: mustCounter(metricUpdated, "Number of documents updated"),
		cntDeleted: mustCounter(metricDeleted, "Number of documents deleted"),
		cntSkipped: mustCounter(metricSkipped, "Number of unchanged entities skipped"),
		cntFailed:  mustCounter(metricFailed, "Number of failed entity operations"),
	}
}

// LastReport returns the report of the most recent finished pass, or nil.
func (e *Engine) LastReport() *model.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run performs a pass immediately and then one every interval until ctx is
// cancelled. Pass failures are logged and do not stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", e.opts.Interval)
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	if _, err := e.RunOnce(ctx, RunOptions{}); err != nil {
		e.log.Error("initial sync pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx, RunOptions{}); err != nil {
				e.log.Error("sync pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass and returns its report.
//
// Per-entity failures are recorded in the report and never abort the pass.
// The returned error is non-nil only when the pass could not start
// ([ErrRunInProgress], [ErrUnknownKind]) or the ledger became unavailable;
// in the latter case the partial report is returned alongside it.
func (e *Engine) RunOnce(ctx context.Context, ro RunOptions) (*model.Report, error) {
	kinds, err := e.resolveKinds(ro.Kinds)
	if err != nil {
		return nil, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	if ro.Deadline <= 0 {
		ro.Deadline = e.opts.Deadline
	}
	if ro.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ro.Deadline)
		defer cancel()
	}

	runID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("sync.run_id", runID),
		attribute.StringSlice("sync.kinds", kinds),
	))
	defer span.End()

	log := e.log.With("run_id", runID)
	log.Info("sync pass starting", "kinds", kinds)
	t := newTally(runID, kinds, e.now().UTC())

	if err := e.ledger.Ping(ctx); err != nil {
		err = fmt.Errorf("ledger pre-flight: %w", err)
		report := t.finish(e.now().UTC(), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger unavailable")
		log.Error("sync pass aborted", "error", err)
		e.remember(report)
		return report, err
	}

	// Shared across kinds so the bound holds for the whole pass.
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.KindConcurrency)
	for _, kind := range kinds {
		g.Go(func() error {
			return e.syncKind(gctx, log, kind, sem, t)
		})
	}
	fatal := g.Wait()

	report := t.finish(e.now().UTC(), ctx.Err() != nil)
	e.record(ctx, span, report)

	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "ledger unavailable")
		log.Error("sync pass stopped", "error", fatal)
	} else {
		e.archive(ctx, log, report)
	}

	log.Info("sync pass complete",
		"created", report.Created,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"failed", report.FailedCount,
		"cancelled", report.Cancelled,
	)
	e.remember(report)
	return report, fatal
}

// resolveKinds validates requested kinds against the source and defaults to
// all of them.
func (e *Engine) resolveKinds(requested []string) ([]string, error) {
	known := e.src.Kinds()
	if len(requested) == 0 {
		return known, nil
	}
	out := make([]string, 0, len(requested))
	for _, k := range requested {
		if !slices.Contains(known, k) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
		}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// syncKind diffs one kind against the ledger and dispatches its operations.
// It returns an error only when the ledger fails.
func (e *Engine) syncKind(ctx context.Context, log *slog.Logger, kind string, sem *semaphore.Weighted, t *tally) error {
	ctx, span := e.tracer.Start(ctx, spanKind, trace.WithAttributes(attribute.String("sync.kind", kind)))
	defer span.End()

	if ctx.Err() != nil {
		return nil
	}
	log = log.With("kind", kind)

	records, err := e.ledger.List(ctx, kind)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		err = fmt.Errorf("loading ledger for %q: %w", kind, err)
		t.failed(kind, "", err)
		return err
	}
	pending := make(map[string]*ledger.Record, len(records))
	for _, rec := range records {
		pending[rec.ID] = rec
	}

	// A ledger write failure cancels kctx: scheduling stops, in-flight
	// operations finish on their detached contexts.
	kctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	d := &dispatcher{engine: e, log: log, sem: sem, tally: t, stop: stop}
	seen := make(map[string]bool)
	// Remote paths held by entities still in the source, mapped to their ids.
	claimed := make(map[string]string)
	sourceFailed := false

	for ent, err := range e.src.Fetch(kctx, kind) {
		if kctx.Err() != nil {
			break
		}
		if err != nil {
			if errors.Is(err, model.ErrSourceUnavailable) {
				sourceFailed = true
				log.Error("source read failed", "error", err)
			} else {
				log.Warn("entity skipped", "id", ent.ID, "error", err)
				// The row still exists; its document must not be deleted.
				if ent.ID != "" {
					seen[ent.ID] = true
					claimRecorded(claimed, pending[ent.ID])
					delete(pending, ent.ID)
				}
			}
			t.failed(kind, ent.ID, err)
			continue
		}

		if seen[ent.ID] {
			err := fmt.Errorf("duplicate id %q in %s stream: %w", ent.ID, kind, model.ErrMapping)
			log.Warn("entity skipped", "id", ent.ID, "error", err)
			t.failed(kind, ent.ID, err)
			continue
		}
		seen[ent.ID] = true
		rec := pending[ent.ID]
		delete(pending, ent.ID)

		doc, err := e.mapper.Map(ent)
		if err != nil {
			log.Warn("entity skipped", "id", ent.ID, "error", err)
			t.failed(kind, ent.ID, err)
			claimRecorded(claimed, rec)
			continue
		}
		if owner, taken := claimed[doc.Path]; taken {
			err := fmt.Errorf("path %q of %s %q is already used by %q: %w", doc.Path, kind, ent.ID, owner, model.ErrMapping)
			log.Warn("entity skipped", "id", ent.ID, "error", err)
			t.failed(kind, ent.ID, err)
			continue
		}
		claimed[doc.Path] = ent.ID

		op, changed := plan(doc, rec)
		if !changed {
			t.skipped(kind)
			continue
		}
		if !d.dispatch(kctx, op) {
			break
		}
	}

	// Every write lands before anything is removed, so a path one entity
	// vacates and another takes over in the same pass survives.
	d.wait()

	// Without the full source set, missing ids prove nothing.
	if sourceFailed {
		if len(pending) > 0 {
			log.Warn("deletes not planned after source failure", "tracked", len(pending))
		}
	} else if kctx.Err() == nil {
		d.removeStale(kctx, pending, claimed)
	}

	d.wait()

	if err := d.fatal(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// claimRecorded marks the path an existing entity was last written to, unless
// a mapped document holds it already.
func claimRecorded(claimed map[string]string, rec *ledger.Record) {
	if rec == nil || rec.RemotePath == "" {
		return
	}
	if _, taken := claimed[rec.RemotePath]; !taken {
		claimed[rec.RemotePath] = rec.ID
	}
}

// record emits counters and span attributes for a finished report.
func (e *Engine) record(ctx context.Context, span trace.Span, r *model.Report) {
	for kind, c := range r.PerKind {
		attrs := metric.WithAttributes(attribute.String("kind", kind))
		if c.Created > 0 {
			e.cntCreated.Add(ctx, int64(c.Created), attrs)
		}
		if c.Updated > 0 {
			e.cntUpdated.Add(ctx, int64(c.Updated), attrs)
		}
		if c.Deleted > 0 {
			e.cntDeleted.Add(ctx, int64(c.Deleted), attrs)
		}
		if c.Skipped > 0 {
			e.cntSkipped.Add(ctx, int64(c.Skipped), attrs)
		}
		if c.Failed > 0 {
			e.cntFailed.Add(ctx, int64(c.Failed), attrs)
		}
	}

	span.SetAttributes(
		attribute.Int("sync.created", r.Created),
		attribute.Int("sync.updated", r.Updated),
		attribute.Int("sync.deleted", r.Deleted),
		attribute.Int("sync.skipped", r.Skipped),
		attribute.Int("sync.failed", r.FailedCount),
		attribute.Bool("sync.cancelled", r.Cancelled),
	)
}

// archive pushes the report under the configured report path.
func (e *Engine) archive(ctx context.Context, log *slog.Logger, r *model.Report) {
	if e.opts.ReportPath == "" {
		return
	}
	key, err := e.remote.Push(context.WithoutCancel(ctx), e.opts.ReportPath, r)
	if err != nil {
		log.Warn("archiving sync report failed", "path", e.opts.ReportPath, "error", err)
		return
	}
	log.Debug("sync report archived", "path", e.opts.ReportPath, "key", key)
}

func (e *Engine) remember(r *model.Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = r
}
