package model

import "errors"

// ErrorKind tags a failure in a [Report]. The string values are part of the
// report's JSON contract.
type ErrorKind string

const (
	// KindSourceUnavailable means the relational read for a kind failed.
	KindSourceUnavailable ErrorKind = "SourceUnavailable"
	// KindMappingError means a single entity could not be mapped to a document.
	KindMappingError ErrorKind = "MappingError"
	// KindRemoteRejected means the document store refused a request (4xx).
	KindRemoteRejected ErrorKind = "RemoteRejected"
	// KindRemoteWriteFailed means retries against the document store ran out.
	KindRemoteWriteFailed ErrorKind = "RemoteWriteFailed"
	// KindLedgerUnavailable means the ledger could not be read or written.
	KindLedgerUnavailable ErrorKind = "LedgerUnavailable"
	// KindUnknown is used for errors outside the taxonomy.
	KindUnknown ErrorKind = "Unknown"
)

// Sentinel errors for the taxonomy. Components wrap these with %w so callers
// can classify with [errors.Is] or [KindOf].
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrMapping           = errors.New("mapping error")
	ErrRemoteRejected    = errors.New("remote rejected")
	ErrRemoteWriteFailed = errors.New("remote write failed")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// KindOf classifies err into an [ErrorKind].
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedgerUnavailable):
		return KindLedgerUnavailable
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrMapping):
		return KindMappingError
	case errors.Is(err, ErrRemoteRejected):
		return KindRemoteRejected
	case errors.Is(err, ErrRemoteWriteFailed):
		return KindRemoteWriteFailed
	default:
		return KindUnknown
	}
}
