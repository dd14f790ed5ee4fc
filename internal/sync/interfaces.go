// Package sync implements the one-way synchronization engine for rowsync. It
// streams entities from the relational source, maps them to documents,
// compares their fingerprints against the ledger, and dispatches creates,
// updates, and deletes to the document store.
//
// The package contains two main components:
//
//   - [Engine] runs sync passes, on demand or on a fixed interval.
//   - [Verifier] checks ledger records against the remote documents and can
//     repair drift by forgetting stale records.
package sync

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/mapper"
	"github.com/njoerd114/rowsync/internal/model"
)

// Source provides the current entities of each kind.
// Implemented by [source.Reader].
type Source interface {
	Kinds() []string
	Fetch(ctx context.Context, kind string) iter.Seq2[model.Entity, error]
}

// Mapper converts entities into documents.
// Implemented by [mapper.Mapper].
type Mapper interface {
	Map(e model.Entity) (mapper.Document, error)
}

// Ledger provides access to the last-synced fingerprints.
// Implemented by [ledger.Store].
type Ledger interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, kind, id string) (*ledger.Record, error)
	List(ctx context.Context, kind string) ([]*ledger.Record, error)
	Upsert(ctx context.Context, rec *ledger.Record) error
	Remove(ctx context.Context, kind, id string) error
}

// Remote provides read/write access to the document store.
// Implemented by [docstore.Client].
type Remote interface {
	Read(ctx context.Context, path string) (json.RawMessage, bool, error)
	Write(ctx context.Context, path string, payload any) error
	Update(ctx context.Context, path string, payload any) error
	Push(ctx context.Context, path string, payload any) (string, error)
	Delete(ctx context.Context, path string) error
}
