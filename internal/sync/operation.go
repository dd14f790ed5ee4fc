package sync

import (
	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/mapper"
)

// opType describes the mutation an [Operation] performs.
type opType int

const (
	opCreate opType = iota // no ledger record → write the document
	opUpdate               // fingerprint or path differs → rewrite the document
	opDelete               // ledger record without a source entity → remove the document
	opPrune                // document left at a previous path → remove it
)

func (t opType) String() string {
	switch t {
	case opCreate:
		return "create"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	case opPrune:
		return "prune"
	}
	return "unknown"
}

// Operation is one planned mutation for a single (kind, id).
type Operation struct {
	typ  opType
	Kind string
	ID   string

	// Doc is the mapped document for creates and updates.
	Doc mapper.Document

	// PreviousFingerprint and PreviousPath come from the ledger record for
	// updates and deletes.
	PreviousFingerprint string
	PreviousPath        string

	// retain keeps the remote document of a delete because another entity
	// now owns its path. Only the ledger record is dropped.
	retain bool
}

// Create plans the first write of doc.
func Create(doc mapper.Document) Operation {
	return Operation{typ: opCreate, Kind: doc.Kind, ID: doc.ID, Doc: doc}
}

// Update plans a rewrite of doc over the previously synced version.
func Update(doc mapper.Document, prev *ledger.Record) Operation {
	return Operation{
		typ:                 opUpdate,
		Kind:                doc.Kind,
		ID:                  doc.ID,
		Doc:                 doc,
		PreviousFingerprint: prev.Fingerprint,
		PreviousPath:        prev.RemotePath,
	}
}

// Delete plans the removal of the document recorded by rec.
func Delete(rec *ledger.Record) Operation {
	return Operation{
		typ:                 opDelete,
		Kind:                rec.Kind,
		ID:                  rec.ID,
		PreviousFingerprint: rec.Fingerprint,
		PreviousPath:        rec.RemotePath,
	}
}

// prune plans the removal of the copy a moved document left at its previous
// path.
func prune(moved Operation) Operation {
	return Operation{typ: opPrune, Kind: moved.Kind, ID: moved.ID, PreviousPath: moved.PreviousPath}
}

// plan decides the operation for a mapped document given its ledger record.
// ok is false when the document is unchanged.
func plan(doc mapper.Document, rec *ledger.Record) (op Operation, ok bool) {
	switch {
	case rec == nil:
		return Create(doc), true
	case rec.Fingerprint == doc.Fingerprint && rec.RemotePath == doc.Path:
		return Operation{}, false
	default:
		return Update(doc, rec), true
	}
}
