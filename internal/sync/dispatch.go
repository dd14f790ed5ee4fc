package sync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/njoerd114/rowsync/internal/ledger"
)

// dispatcher executes one kind's operations concurrently, bounded by the
// run-wide semaphore.
type dispatcher struct {
	engine *Engine
	log    *slog.Logger
	sem    *semaphore.Weighted
	tally  *tally
	stop   context.CancelCauseFunc

	wg       sync.WaitGroup
	mu       sync.Mutex
	fatalErr error
	moves    []Operation // committed updates that changed path
}

// dispatch schedules op. It returns false once ctx is done, meaning no
// further operations should be scheduled.
func (d *dispatcher) dispatch(ctx context.Context, op Operation) bool {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	// Started operations run to completion even if the pass is cancelled;
	// the client's per-attempt timeout still bounds them.
	opCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.execute(opCtx, op)
	}()
	return true
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}

func (d *dispatcher) fatal() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

// removeStale runs once all writes have finished. It clears the paths moved
// documents left behind and deletes entities no longer in the source. Paths in
// claimed belong to current entities and are never deleted.
func (d *dispatcher) removeStale(ctx context.Context, pending map[string]*ledger.Record, claimed map[string]string) {
	d.mu.Lock()
	moves := slices.Clone(d.moves)
	d.mu.Unlock()
	slices.SortFunc(moves, func(a, b Operation) int { return cmp.Compare(a.ID, b.ID) })

	for _, op := range moves {
		if owner, taken := claimed[op.PreviousPath]; taken {
			d.log.Debug("previous path taken over", "id", op.ID, "path", op.PreviousPath, "owner", owner)
			continue
		}
		if !d.dispatch(ctx, prune(op)) {
			return
		}
	}

	ids := slices.Sorted(maps.Keys(pending))
	for _, id := range ids {
		op := Delete(pending[id])
		if _, taken := claimed[op.PreviousPath]; taken {
			op.retain = true
		}
		if !d.dispatch(ctx, op) {
			return
		}
	}
}

func (d *dispatcher) ledgerFailed(op Operation, err error) {
	err = fmt.Errorf("%s %s/%s: committing to ledger: %w", op.typ, op.Kind, op.ID, err)
	d.tally.failed(op.Kind, op.ID, err)
	d.log.Error("ledger write failed, stopping", "id", op.ID, "error", err)

	d.mu.Lock()
	if d.fatalErr == nil {
		d.fatalErr = err
	}
	d.mu.Unlock()
	d.stop(err)
}

// execute performs the remote mutation and, only after it succeeds, commits
// the ledger.
func (d *dispatcher) execute(ctx context.Context, op Operation) {
	e := d.engine

	switch op.typ {
	case opCreate, opUpdate:
		var err error
		if e.opts.Modes[op.Kind] == ModeMerge {
			err = e.remote.Update(ctx, op.Doc.Path, op.Doc.Payload)
		} else {
			err = e.remote.Write(ctx, op.Doc.Path, op.Doc.Payload)
		}
		if err != nil {
			d.log.Warn("document write failed", "op", op.typ, "id", op.ID, "path", op.Doc.Path, "error", err)
			d.tally.failed(op.Kind, op.ID, err)
			return
		}

		rec := &ledger.Record{
			Kind:         op.Kind,
			ID:           op.ID,
			Fingerprint:  op.Doc.Fingerprint,
			RemotePath:   op.Doc.Path,
			LastSyncedAt: e.now().UTC(),
		}
		if err := e.ledger.Upsert(ctx, rec); err != nil {
			d.ledgerFailed(op, err)
			return
		}

		// The document moved (its path template uses a changed field).
		if op.typ == opUpdate && op.PreviousPath != "" && op.PreviousPath != op.Doc.Path {
			d.mu.Lock()
			d.moves = append(d.moves, op)
			d.mu.Unlock()
		}

	case opDelete:
		if op.retain {
			d.log.Debug("path reused by another entity, keeping document", "id", op.ID, "path", op.PreviousPath)
		} else if err := e.remote.Delete(ctx, op.PreviousPath); err != nil {
			d.log.Warn("document delete failed", "id", op.ID, "path", op.PreviousPath, "error", err)
			d.tally.failed(op.Kind, op.ID, err)
			return
		}
		if err := e.ledger.Remove(ctx, op.Kind, op.ID); err != nil {
			d.ledgerFailed(op, err)
			return
		}

	case opPrune:
		if err := e.remote.Delete(ctx, op.PreviousPath); err != nil {
			d.log.Warn("removing document at previous path failed",
				"id", op.ID, "path", op.PreviousPath, "error", err)
			return
		}
	}

	d.log.Debug("operation applied", "op", op.typ, "id", op.ID)
	d.tally.succeeded(op.typ, op.Kind)
}
