package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/njoerd114/rowsync/internal/docstore"
	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/mapper"
	"github.com/njoerd114/rowsync/internal/model"
)

var testLogger = slog.Default()

func f(name string, v any) model.Field { return model.Field{Name: name, Value: v} }

type fixture struct {
	src    *mockSource
	ledger *mockLedger
	remote *mockRemote
	engine *Engine
}

func newFixture(opts Options, rules ...mapper.Rule) *fixture {
	fx := &fixture{
		src:    newMockSource("room", "professor"),
		ledger: newMockLedger(),
		remote: newMockRemote(),
	}
	fx.engine = NewEngine(fx.src, mapper.New(rules...), fx.ledger, fx.remote, opts, testLogger)
	return fx
}

func (fx *fixture) run(t *testing.T, ro RunOptions) *model.Report {
	t.Helper()
	rep, err := fx.engine.RunOnce(context.Background(), ro)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return rep
}

func wantCounts(t *testing.T, r *model.Report, want model.Counts) {
	t.Helper()
	if got := r.Totals(); got != want {
		t.Errorf("counts = %+v, want %+v (failures: %+v)", got, want, r.Failed)
	}
}

// ---------------------------------------------------------------------------
// Scenario: first run creates the document and the ledger record
// ---------------------------------------------------------------------------

func TestRunOnce_FirstRun(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))

	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Created: 1})

	doc := fx.remote.doc("room/1")
	if len(doc) != 1 || doc["name"] != "101" {
		t.Errorf("room/1 = %v, want {name: 101}", doc)
	}

	rec := fx.ledger.get("room", "1")
	if rec == nil {
		t.Fatal("no ledger record for room/1")
	}
	want, _ := mapper.Fingerprint(map[string]any{"name": "101"})
	if rec.Fingerprint != want {
		t.Errorf("fingerprint = %s, want %s", rec.Fingerprint, want)
	}
	if rec.RemotePath != "room/1" {
		t.Errorf("RemotePath = %s, want room/1", rec.RemotePath)
	}
	if r.RunID == "" || r.FinishedAt.Before(r.StartedAt) {
		t.Errorf("report metadata = %q %v..%v", r.RunID, r.StartedAt, r.FinishedAt)
	}
	if got := r.PerKind["room"]; got.Created != 1 {
		t.Errorf("PerKind[room] = %+v, want Created 1", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario: unchanged source is a no-op (idempotence)
// ---------------------------------------------------------------------------

func TestRunOnce_NoOpSecondRun(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("professor", "P-1", f("first_name", "Ada"))

	fx.run(t, RunOptions{})
	before := fx.ledger.get("room", "1")
	fx.remote.resetCalls()

	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Skipped: 2})

	if n := fx.remote.callCount("PUT") + fx.remote.callCount("DELETE"); n != 0 {
		t.Errorf("remote mutations on no-op run = %d, want 0", n)
	}
	after := fx.ledger.get("room", "1")
	if !after.LastSyncedAt.Equal(before.LastSyncedAt) {
		t.Error("ledger record touched on no-op run")
	}
}

// ---------------------------------------------------------------------------
// Scenario: a changed row is rewritten with a new fingerprint
// ---------------------------------------------------------------------------

func TestRunOnce_Update(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.run(t, RunOptions{})
	old := fx.ledger.get("room", "1").Fingerprint

	fx.src.set("room", "1", f("name", "101A"))
	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Updated: 1})

	if doc := fx.remote.doc("room/1"); doc["name"] != "101A" {
		t.Errorf("room/1 = %v, want name 101A", doc)
	}
	if fp := fx.ledger.get("room", "1").Fingerprint; fp == old {
		t.Error("fingerprint unchanged after update")
	}
}

func TestRunOnce_FieldOrderDoesNotCauseUpdate(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"), f("capacity", int64(30)))
	fx.run(t, RunOptions{})

	fx.src.set("room", "1", f("capacity", int64(30)), f("name", "101"))
	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Skipped: 1})
}

// ---------------------------------------------------------------------------
// Scenario: remote outage exhausts retries and leaves the ledger untouched
// ---------------------------------------------------------------------------

func TestRunOnce_RemoteOutage(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := docstore.New(docstore.Options{
		BaseURL:   srv.URL,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	}, testLogger)
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}

	src := newMockSource("room")
	src.add("room", "1", f("name", "101"))
	led := newMockLedger()
	eng := NewEngine(src, mapper.New(), led, client, Options{}, testLogger)

	r, err := eng.RunOnce(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wantCounts(t, r, model.Counts{Failed: 1})
	if calls.Load() != docstore.DefaultMaxAttempts {
		t.Errorf("HTTP attempts = %d, want %d", calls.Load(), docstore.DefaultMaxAttempts)
	}
	if len(r.Failed) != 1 || r.Failed[0].ErrorKind != model.KindRemoteWriteFailed || r.Failed[0].ID != "1" {
		t.Errorf("failures = %+v, want one RemoteWriteFailed for room/1", r.Failed)
	}
	if led.count() != 0 {
		t.Errorf("ledger records = %d, want 0 after failed write", led.count())
	}

	// The entity is retried on the next run.
	healthy.Store(true)
	r, err = eng.RunOnce(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	wantCounts(t, r, model.Counts{Created: 1})
	if led.get("room", "1") == nil {
		t.Error("ledger record missing after recovery")
	}
}

// ---------------------------------------------------------------------------
// Deletion detection
// ---------------------------------------------------------------------------

func TestRunOnce_DeletesVanishedEntities(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("room", "2", f("name", "102"))
	fx.run(t, RunOptions{})

	fx.src.remove("room", "2")
	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Skipped: 1, Deleted: 1})

	if fx.remote.doc("room/2") != nil {
		t.Error("room/2 still present remotely")
	}
	if fx.ledger.get("room", "2") != nil {
		t.Error("room/2 still in ledger")
	}
	if fx.ledger.get("room", "1") == nil {
		t.Error("room/1 dropped from ledger")
	}
}

func TestRunOnce_FailedDeleteKeepsRecord(t *testing.T) {
	fx := newFixture(Options{})
	fx.ledger.seed(&ledger.Record{Kind: "room", ID: "9", Fingerprint: "x", RemotePath: "room/9"})
	fx.remote.failPath("room/9", fmt.Errorf("DELETE room/9: %w", model.ErrRemoteWriteFailed))

	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Failed: 1})
	if fx.ledger.get("room", "9") == nil {
		t.Error("ledger record removed although the remote delete failed")
	}
}

// ---------------------------------------------------------------------------
// Failure isolation
// ---------------------------------------------------------------------------

func TestRunOnce_FailureIsolation(t *testing.T) {
	fx := newFixture(Options{})
	for i := 1; i <= 5; i++ {
		fx.src.add("room", fmt.Sprint(i), f("name", fmt.Sprintf("10%d", i)))
	}
	fx.remote.failPath("room/3", fmt.Errorf("PUT room/3: %w", model.ErrRemoteRejected))

	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Created: 4, Failed: 1})

	if len(r.Failed) != 1 {
		t.Fatalf("failures = %+v, want 1", r.Failed)
	}
	got := r.Failed[0]
	if got.Kind != "room" || got.ID != "3" || got.ErrorKind != model.KindRemoteRejected {
		t.Errorf("failure = %+v, want room/3 RemoteRejected", got)
	}
	if fx.ledger.get("room", "3") != nil {
		t.Error("failed entity committed to ledger")
	}
}

func TestRunOnce_MappingErrorIsolated(t *testing.T) {
	fx := newFixture(Options{}, mapper.Rule{Kind: "room", Required: []string{"name"}})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("room", "2", f("name", nil))
	fx.src.rowErrs["room/3"] = fmt.Errorf("row 3: null id: %w", model.ErrMapping)
	fx.src.add("room", "3")

	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Created: 1, Failed: 2})
	for _, fl := range r.Failed {
		if fl.ErrorKind != model.KindMappingError {
			t.Errorf("failure %+v, want MappingError", fl)
		}
	}
}

func TestRunOnce_MappingErrorDoesNotDelete(t *testing.T) {
	fx := newFixture(Options{}, mapper.Rule{Kind: "room", Required: []string{"name"}})
	fx.src.add("room", "1", f("name", "101"))
	fx.run(t, RunOptions{})

	fx.src.set("room", "1", f("name", nil))
	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Failed: 1})
	if fx.remote.doc("room/1") == nil {
		t.Error("room/1 deleted although the entity still exists")
	}
}

func TestRunOnce_DuplicateID(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("room", "1", f("name", "duplicate"))

	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Created: 1, Failed: 1})
	if r.Failed[0].ErrorKind != model.KindMappingError {
		t.Errorf("failure = %+v, want MappingError", r.Failed[0])
	}
	if doc := fx.remote.doc("room/1"); doc["name"] != "101" {
		t.Errorf("room/1 = %v, want the first row", doc)
	}
}

// ---------------------------------------------------------------------------
// Source failure aborts only its kind and plans no deletes
// ---------------------------------------------------------------------------

func TestRunOnce_SourceFailure(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("room", "2", f("name", "102"))
	fx.src.add("professor", "P-1", f("first_name", "Ada"))
	fx.ledger.seed(&ledger.Record{Kind: "room", ID: "9", Fingerprint: "x", RemotePath: "room/9"})
	fx.src.failAt["room"] = 1

	r := fx.run(t, RunOptions{})

	room := r.PerKind["room"]
	if room.Created != 1 || room.Deleted != 0 || room.Failed != 1 {
		t.Errorf("PerKind[room] = %+v, want 1 created, 0 deleted, 1 failed", room)
	}
	if prof := r.PerKind["professor"]; prof.Created != 1 {
		t.Errorf("PerKind[professor] = %+v, want 1 created", prof)
	}
	if fx.remote.callCount("DELETE") != 0 {
		t.Error("delete issued after source failure")
	}
	if fx.ledger.get("room", "9") == nil {
		t.Error("room/9 dropped from ledger after source failure")
	}

	var found bool
	for _, fl := range r.Failed {
		if fl.Kind == "room" && fl.ErrorKind == model.KindSourceUnavailable {
			found = true
		}
	}
	if !found {
		t.Errorf("failures = %+v, want a SourceUnavailable for room", r.Failed)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestRunOnce_CancelStopsScheduling(t *testing.T) {
	fx := newFixture(Options{KindConcurrency: 1})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("room", "2", f("name", "102"))
	fx.ledger.seed(&ledger.Record{Kind: "room", ID: "9", Fingerprint: "x", RemotePath: "room/9"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.src.beforeYield = func(e model.Entity) {
		if e.ID == "2" {
			cancel()
		}
	}

	r, err := fx.engine.RunOnce(ctx, RunOptions{Kinds: []string{"room"}})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !r.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	wantCounts(t, r, model.Counts{Created: 1})
	if fx.remote.doc("room/2") != nil {
		t.Error("room/2 written after cancellation")
	}
	if fx.remote.callCount("DELETE") != 0 {
		t.Error("delete scheduled after cancellation")
	}
}

func TestRunOnce_InFlightCompletesAfterCancel(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeCtxErr atomic.Value
	fx.remote.onWrite = func(wctx context.Context, _ string) {
		cancel()
		writeCtxErr.Store(fmt.Sprint(wctx.Err()))
	}

	r, err := fx.engine.RunOnce(ctx, RunOptions{Kinds: []string{"room"}})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !r.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if got := writeCtxErr.Load(); got != "<nil>" {
		t.Errorf("in-flight write context error = %v, want nil", got)
	}
	if r.Created != 1 || fx.ledger.get("room", "1") == nil {
		t.Errorf("in-flight write not committed: created=%d", r.Created)
	}
}

func TestRunOnce_Deadline(t *testing.T) {
	fx := newFixture(Options{Concurrency: 1})
	fx.remote.delay = 20 * time.Millisecond
	for i := range 20 {
		fx.src.add("room", fmt.Sprint(i), f("name", fmt.Sprint(i)))
	}

	r := fx.run(t, RunOptions{Kinds: []string{"room"}, Deadline: 50 * time.Millisecond})
	if !r.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if r.Created == 0 || r.Created == 20 {
		t.Errorf("Created = %d, want a partial run", r.Created)
	}
	if fx.ledger.count() != r.Created {
		t.Errorf("ledger records = %d, want %d (one per acknowledged write)", fx.ledger.count(), r.Created)
	}
}

func TestRunOnce_DefaultDeadline(t *testing.T) {
	fx := newFixture(Options{Concurrency: 1, Deadline: 50 * time.Millisecond})
	fx.remote.delay = 20 * time.Millisecond
	for i := range 20 {
		fx.src.add("room", fmt.Sprint(i), f("name", fmt.Sprint(i)))
	}

	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	if !r.Cancelled {
		t.Error("Cancelled = false, want the configured deadline to apply")
	}
}

// ---------------------------------------------------------------------------
// Ledger unavailability is fatal
// ---------------------------------------------------------------------------

func TestRunOnce_LedgerPreflight(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.ledger.pingErr = fmt.Errorf("ping: %w", model.ErrLedgerUnavailable)

	r, err := fx.engine.RunOnce(context.Background(), RunOptions{})
	if !errors.Is(err, model.ErrLedgerUnavailable) {
		t.Fatalf("error = %v, want ErrLedgerUnavailable", err)
	}
	if r == nil {
		t.Fatal("report = nil, want zero-progress report")
	}
	wantCounts(t, r, model.Counts{})
	if fx.remote.callCount("PUT") != 0 {
		t.Error("remote written despite ledger pre-flight failure")
	}
}

func TestRunOnce_LedgerFailsMidRun(t *testing.T) {
	fx := newFixture(Options{Concurrency: 1})
	for i := range 10 {
		fx.src.add("room", fmt.Sprint(i), f("name", fmt.Sprint(i)))
	}
	fx.ledger.upsertErr = fmt.Errorf("disk I/O error: %w", model.ErrLedgerUnavailable)

	r, err := fx.engine.RunOnce(context.Background(), RunOptions{Kinds: []string{"room"}})
	if !errors.Is(err, model.ErrLedgerUnavailable) {
		t.Fatalf("error = %v, want ErrLedgerUnavailable", err)
	}
	if r == nil || r.FailedCount == 0 {
		t.Fatalf("report = %+v, want recorded failure", r)
	}
	if r.Failed[0].ErrorKind != model.KindLedgerUnavailable {
		t.Errorf("failure = %+v, want LedgerUnavailable", r.Failed[0])
	}
	if n := fx.remote.callCount("PUT"); n >= 10 {
		t.Errorf("remote writes = %d, want scheduling to stop early", n)
	}
	if r.Cancelled {
		t.Error("Cancelled = true, want false for a ledger failure")
	}
}

// ---------------------------------------------------------------------------
// Options and run control
// ---------------------------------------------------------------------------

func TestRunOnce_MergeMode(t *testing.T) {
	fx := newFixture(Options{Modes: map[string]Mode{"room": ModeMerge}})
	fx.remote.setDoc("room/1", `{"booked_by":"app"}`)
	fx.src.add("room", "1", f("name", "101"))

	fx.run(t, RunOptions{Kinds: []string{"room"}})
	if fx.remote.callCount("PATCH") != 1 || fx.remote.callCount("PUT") != 0 {
		t.Errorf("calls PATCH=%d PUT=%d, want 1/0", fx.remote.callCount("PATCH"), fx.remote.callCount("PUT"))
	}
	doc := fx.remote.doc("room/1")
	if doc["booked_by"] != "app" || doc["name"] != "101" {
		t.Errorf("room/1 = %v, want merged document", doc)
	}
}

func TestRunOnce_PathChangeMovesDocument(t *testing.T) {
	fx := newFixture(Options{}, mapper.Rule{Kind: "room", PathTemplate: "rooms/{building}/{id}"})
	fx.src.add("room", "1", f("building", "A"), f("name", "101"))
	fx.run(t, RunOptions{Kinds: []string{"room"}})

	fx.src.set("room", "1", f("building", "B"), f("name", "101"))
	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Updated: 1})

	if fx.remote.doc("rooms/A/1") != nil {
		t.Error("document left at previous path")
	}
	if fx.remote.doc("rooms/B/1") == nil {
		t.Error("document missing at new path")
	}
	if got := fx.ledger.get("room", "1").RemotePath; got != "rooms/B/1" {
		t.Errorf("RemotePath = %s, want rooms/B/1", got)
	}
}

func TestRunOnce_PathSwapKeepsBothDocuments(t *testing.T) {
	fx := newFixture(Options{Concurrency: 1}, mapper.Rule{Kind: "room", PathTemplate: "rooms/{name}"})
	fx.src.add("room", "1", f("name", "101"), f("floor", int64(1)))
	fx.src.add("room", "2", f("name", "102"), f("floor", int64(2)))
	fx.run(t, RunOptions{Kinds: []string{"room"}})

	fx.src.set("room", "1", f("name", "102"), f("floor", int64(1)))
	fx.src.set("room", "2", f("name", "101"), f("floor", int64(2)))
	fx.remote.resetCalls()
	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Updated: 2})

	if n := fx.remote.callCount("DELETE"); n != 0 {
		t.Errorf("deletes = %d, want 0 (both paths are still in use)", n)
	}
	if doc := fx.remote.doc("rooms/101"); doc["floor"] != float64(2) {
		t.Errorf("rooms/101 = %v, want room 2", doc)
	}
	if doc := fx.remote.doc("rooms/102"); doc["floor"] != float64(1) {
		t.Errorf("rooms/102 = %v, want room 1", doc)
	}

	r = fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Skipped: 2})
}

func TestRunOnce_DeleteKeepsReusedPath(t *testing.T) {
	fx := newFixture(Options{}, mapper.Rule{Kind: "room", PathTemplate: "rooms/{name}"})
	fx.src.add("room", "1", f("name", "101"), f("floor", int64(1)))
	fx.run(t, RunOptions{Kinds: []string{"room"}})

	fx.src.remove("room", "1")
	fx.src.add("room", "3", f("name", "101"), f("floor", int64(3)))
	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Created: 1, Deleted: 1})

	if doc := fx.remote.doc("rooms/101"); doc["floor"] != float64(3) {
		t.Errorf("rooms/101 = %v, want room 3", doc)
	}
	if fx.ledger.get("room", "1") != nil {
		t.Error("room/1 still in ledger")
	}
	if rec := fx.ledger.get("room", "3"); rec == nil || rec.RemotePath != "rooms/101" {
		t.Errorf("room/3 record = %+v, want path rooms/101", rec)
	}
}

func TestRunOnce_MoveKeepsPathOfFailedEntity(t *testing.T) {
	fx := newFixture(Options{}, mapper.Rule{Kind: "room", PathTemplate: "rooms/{name}"})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("room", "2", f("name", "102"))
	fx.run(t, RunOptions{Kinds: []string{"room"}})

	// Room 2 still exists but cannot be read; room 1 moves away from 101.
	fx.src.rowErrs["room/2"] = fmt.Errorf("row 2: bad value: %w", model.ErrMapping)
	fx.src.set("room", "1", f("name", "103"))
	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Updated: 1, Failed: 1})

	if fx.remote.doc("rooms/101") != nil {
		t.Error("document left at previous path")
	}
	if fx.remote.doc("rooms/102") == nil {
		t.Error("rooms/102 deleted although room 2 still exists")
	}
}

func TestRunOnce_PathCollision(t *testing.T) {
	fx := newFixture(Options{}, mapper.Rule{Kind: "room", PathTemplate: "rooms/{name}"})
	fx.src.add("room", "1", f("name", "101"), f("floor", int64(1)))
	fx.src.add("room", "2", f("name", "101"), f("floor", int64(2)))

	r := fx.run(t, RunOptions{Kinds: []string{"room"}})
	wantCounts(t, r, model.Counts{Created: 1, Failed: 1})
	if r.Failed[0].ID != "2" || r.Failed[0].ErrorKind != model.KindMappingError {
		t.Errorf("failure = %+v, want room 2 MappingError", r.Failed[0])
	}
	if doc := fx.remote.doc("rooms/101"); doc["floor"] != float64(1) {
		t.Errorf("rooms/101 = %v, want room 1", doc)
	}
	if fx.ledger.get("room", "2") != nil {
		t.Error("colliding entity committed to ledger")
	}
}

func TestRunOnce_ConcurrencyBound(t *testing.T) {
	fx := newFixture(Options{Concurrency: 3, KindConcurrency: 2})
	fx.remote.delay = 5 * time.Millisecond
	for i := range 15 {
		fx.src.add("room", fmt.Sprint(i), f("name", fmt.Sprint(i)))
		fx.src.add("professor", fmt.Sprint(i), f("name", fmt.Sprint(i)))
	}

	r := fx.run(t, RunOptions{})
	wantCounts(t, r, model.Counts{Created: 30})
	if got := fx.remote.maxSeen.Load(); got > 3 {
		t.Errorf("max in-flight remote calls = %d, want <= 3", got)
	}
}

func TestRunOnce_KindsFilter(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))
	fx.src.add("professor", "P-1", f("first_name", "Ada"))

	r := fx.run(t, RunOptions{Kinds: []string{"professor"}})
	if len(r.Kinds) != 1 || r.Kinds[0] != "professor" {
		t.Errorf("Kinds = %v, want [professor]", r.Kinds)
	}
	if fx.remote.doc("room/1") != nil {
		t.Error("room synced although not requested")
	}
}

func TestRunOnce_UnknownKind(t *testing.T) {
	fx := newFixture(Options{})
	_, err := fx.engine.RunOnce(context.Background(), RunOptions{Kinds: []string{"subject"}})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("error = %v, want ErrUnknownKind", err)
	}
}

func TestRunOnce_RejectsConcurrentRun(t *testing.T) {
	fx := newFixture(Options{})
	fx.src.add("room", "1", f("name", "101"))

	started := make(chan struct{})
	release := make(chan struct{})
	fx.remote.onWrite = func(context.Context, string) {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := fx.engine.RunOnce(context.Background(), RunOptions{Kinds: []string{"room"}})
		done <- err
	}()

	<-started
	if _, err := fx.engine.RunOnce(context.Background(), RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent RunOnce error = %v, want ErrRunInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if fx.engine.LastReport() == nil {
		t.Error("LastReport = nil after a finished run")
	}
}

func TestRunOnce_ArchivesReport(t *testing.T) {
	fx := newFixture(Options{ReportPath: "_rowsync/reports"})
	fx.src.add("room", "1", f("name", "101"))

	r := fx.run(t, RunOptions{})
	if fx.remote.callCount("POST") != 1 {
		t.Fatalf("POST calls = %d, want 1", fx.remote.callCount("POST"))
	}
	doc := fx.remote.doc("_rowsync/reports/-key1")
	if doc["run_id"] != r.RunID || doc["created"] != float64(1) {
		t.Errorf("archived report = %v", doc)
	}
}

func TestRun_Scheduler(t *testing.T) {
	fx := newFixture(Options{Interval: 10 * time.Millisecond})
	fx.src.add("room", "1", f("name", "101"))

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	if err := fx.engine.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want DeadlineExceeded", err)
	}
	// Two kinds per pass; at least the immediate pass plus one tick.
	if got := fx.src.fetches.Load(); got < 4 {
		t.Errorf("fetches = %d, want at least 4", got)
	}
}

func TestRun_RequiresInterval(t *testing.T) {
	fx := newFixture(Options{})
	if err := fx.engine.Run(context.Background()); err == nil {
		t.Error("Run with zero interval succeeded, want error")
	}
}
