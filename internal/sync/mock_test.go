package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/model"
)

// --- Mock Source ---------------------------------------------------------------

type mockSource struct {
	mu      sync.Mutex
	kinds   []string
	rows    map[string][]model.Entity
	failAt  map[string]int   // kind → yield ErrSourceUnavailable after this many rows
	rowErrs map[string]error // kind/id → row-level error yielded instead of the entity
	fetches atomic.Int32

	// beforeYield, when set, runs before each row is yielded.
	beforeYield func(e model.Entity)
}

func newMockSource(kinds ...string) *mockSource {
	return &mockSource{
		kinds:   kinds,
		rows:    make(map[string][]model.Entity),
		failAt:  make(map[string]int),
		rowErrs: make(map[string]error),
	}
}

func (m *mockSource) add(kind, id string, fields ...model.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[kind] = append(m.rows[kind], model.Entity{Kind: kind, ID: id, Fields: fields})
}

func (m *mockSource) set(kind, id string, fields ...model.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.rows[kind] {
		if e.ID == id {
			m.rows[kind][i].Fields = fields
			return
		}
	}
	m.rows[kind] = append(m.rows[kind], model.Entity{Kind: kind, ID: id, Fields: fields})
}

func (m *mockSource) remove(kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[kind] = slices.DeleteFunc(m.rows[kind], func(e model.Entity) bool { return e.ID == id })
}

func (m *mockSource) Kinds() []string {
	return slices.Clone(m.kinds)
}

func (m *mockSource) Fetch(ctx context.Context, kind string) iter.Seq2[model.Entity, error] {
	return func(yield func(model.Entity, error) bool) {
		m.fetches.Add(1)
		m.mu.Lock()
		rows := slices.Clone(m.rows[kind])
		failAt, fails := m.failAt[kind]
		m.mu.Unlock()

		for i, e := range rows {
			if fails && i == failAt {
				yield(model.Entity{Kind: kind}, fmt.Errorf("kind %q: connection reset: %w", kind, model.ErrSourceUnavailable))
				return
			}
			if m.beforeYield != nil {
				m.beforeYield(e)
			}
			if err := ctx.Err(); err != nil {
				yield(model.Entity{Kind: kind}, fmt.Errorf("kind %q: %w: %w", kind, model.ErrSourceUnavailable, err))
				return
			}
			if err, ok := m.rowErrs[e.Key()]; ok {
				if !yield(model.Entity{Kind: kind, ID: e.ID}, err) {
					return
				}
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
		if fails && failAt >= len(rows) {
			yield(model.Entity{Kind: kind}, fmt.Errorf("kind %q: connection reset: %w", kind, model.ErrSourceUnavailable))
		}
	}
}

// --- Mock Ledger -----------------------------------------------------------------

type mockLedger struct {
	mu        sync.Mutex
	records   map[string]*ledger.Record // kind/id → record
	pingErr   error
	upsertErr error
	removeErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{records: make(map[string]*ledger.Record)}
}

func key(kind, id string) string { return kind + "/" + id }

func (m *mockLedger) seed(recs ...*ledger.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		cp := *r
		m.records[key(r.Kind, r.ID)] = &cp
	}
}

func (m *mockLedger) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *mockLedger) Get(_ context.Context, kind, id string) (*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key(kind, id)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockLedger) List(_ context.Context, kind string) ([]*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Record
	for _, r := range m.records {
		if r.Kind == kind {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockLedger) Upsert(_ context.Context, rec *ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	cp := *rec
	m.records[key(rec.Kind, rec.ID)] = &cp
	return nil
}

func (m *mockLedger) Remove(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.records, key(kind, id))
	return nil
}

func (m *mockLedger) get(kind, id string) *ledger.Record {
	r, _ := m.Get(context.Background(), kind, id)
	return r
}

func (m *mockLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Mock Remote -----------------------------------------------------------------

type mockRemote struct {
	mu       sync.Mutex
	docs     map[string]json.RawMessage // path → document
	errs     map[string]error           // path → error for mutating calls
	calls    []string                   // "METHOD path"
	pushes   int
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	// onWrite, when set, runs at the start of every PUT and PATCH with the
	// context the engine passed in.
	onWrite func(ctx context.Context, path string)
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		docs: make(map[string]json.RawMessage),
		errs: make(map[string]error),
	}
}

func (m *mockRemote) enter() func() {
	n := m.inFlight.Add(1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *mockRemote) record(method, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method+" "+path)
	return m.errs[path]
}

func (m *mockRemote) Read(_ context.Context, path string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[path]; err != nil {
		return nil, false, err
	}
	doc, ok := m.docs[path]
	return doc, ok, nil
}

func (m *mockRemote) Write(ctx context.Context, path string, payload any) error {
	if m.onWrite != nil {
		m.onWrite(ctx, path)
	}
	defer m.enter()()
	if err := m.record("PUT", path); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = b
	return nil
}

func (m *mockRemote) Update(ctx context.Context, path string, payload any) error {
	if m.onWrite != nil {
		m.onWrite(ctx, path)
	}
	defer m.enter()()
	if err := m.record("PATCH", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := map[string]any{}
	if old, ok := m.docs[path]; ok {
		_ = json.Unmarshal(old, &merged)
	}
	if p, ok := payload.(map[string]any); ok {
		maps.Copy(merged, p)
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	m.docs[path] = b
	return nil
}

func (m *mockRemote) Push(_ context.Context, path string, payload any) (string, error) {
	if err := m.record("POST", path); err != nil {
		return "", err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	name := fmt.Sprintf("-key%d", m.pushes)
	m.docs[path+"/"+name] = b
	return name, nil
}

func (m *mockRemote) Delete(_ context.Context, path string) error {
	defer m.enter()()
	if err := m.record("DELETE", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
	return nil
}

func (m *mockRemote) doc(path string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[path]
	if !ok {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func (m *mockRemote) setDoc(path, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = json.RawMessage(raw)
}

func (m *mockRemote) failPath(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, path)
		return
	}
	m.errs[path] = err
}

func (m *mockRemote) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if len(c) > len(method) && c[:len(method)+1] == method+" " {
			n++
		}
	}
	return n
}

func (m *mockRemote) resetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
