package sync

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/mapper"
)

// defaultVerifyConcurrency bounds concurrent remote reads during a check.
const defaultVerifyConcurrency = 8

// Status is the outcome of checking one ledger record.
type Status string

const (
	StatusOK      Status = "ok"
	StatusMissing Status = "missing" // no document at the recorded path
	StatusDrifted Status = "drifted" // document content no longer matches the fingerprint
	StatusError   Status = "error"   // the remote read failed
)

// Finding describes one ledger record whose remote document is not ok.
type Finding struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Path   string `json:"path"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// VerifyResult summarises a verification pass.
type VerifyResult struct {
	Checked  int       `json:"checked"`
	OK       int       `json:"ok"`
	Missing  int       `json:"missing"`
	Drifted  int       `json:"drifted"`
	Errors   int       `json:"errors"`
	Repaired int       `json:"repaired"`
	Findings []Finding `json:"findings"`
}

// Verifier compares ledger records with the documents actually stored
// remotely. Documents edited or removed outside rowsync show up as drifted or
// missing; repairing forgets their ledger records so the next sync pass
// rewrites them.
type Verifier struct {
	ledger Ledger
	remote Remote
	modes  map[string]Mode
	log    *slog.Logger
}

// NewVerifier creates a Verifier. Kinds written in [ModeMerge] are only
// checked for presence, since their documents may carry keys rowsync does not
// own.
func NewVerifier(l Ledger, r Remote, modes map[string]Mode, logger *slog.Logger) *Verifier {
	return &Verifier{ledger: l, remote: r, modes: modes, log: logger}
}

// Run checks every ledger record of kinds. With repair, records of missing or
// drifted documents are removed from the ledger.
func (v *Verifier) Run(ctx context.Context, kinds []string, repair bool) (*VerifyResult, error) {
	var records []*ledger.Record
	for _, kind := range kinds {
		recs, err := v.ledger.List(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("listing ledger records for %q: %w", kind, err)
		}
		records = append(records, recs...)
	}

	res := &VerifyResult{Findings: []Finding{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultVerifyConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			status, err := v.check(gctx, rec)

			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			switch status {
			case StatusOK:
				res.OK++
				return nil
			case StatusMissing:
				res.Missing++
			case StatusDrifted:
				res.Drifted++
			case StatusError:
				res.Errors++
			}
			f := Finding{Kind: rec.Kind, ID: rec.ID, Path: rec.RemotePath, Status: status}
			if err != nil {
				f.Error = err.Error()
			}
			res.Findings = append(res.Findings, f)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(res.Findings, func(a, b Finding) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.ID, b.ID))
	})

	if repair {
		for _, f := range res.Findings {
			if f.Status != StatusMissing && f.Status != StatusDrifted {
				continue
			}
			if err := v.ledger.Remove(ctx, f.Kind, f.ID); err != nil {
				return res, fmt.Errorf("repairing %s/%s: %w", f.Kind, f.ID, err)
			}
			res.Repaired++
			v.log.Info("forgot ledger record", "kind", f.Kind, "id", f.ID, "status", f.Status)
		}
	}

	v.log.Info("verification complete",
		"checked", res.Checked,
		"ok", res.OK,
		"missing", res.Missing,
		"drifted", res.Drifted,
		"errors", res.Errors,
		"repaired", res.Repaired,
	)
	return res, nil
}

// check reads the remote document for rec and compares fingerprints.
func (v *Verifier) check(ctx context.Context, rec *ledger.Record) (Status, error) {
	raw, found, err := v.remote.Read(ctx, rec.RemotePath)
	if err != nil {
		return StatusError, err
	}
	if !found {
		return StatusMissing, nil
	}
	if v.modes[rec.Kind] == ModeMerge {
		return StatusOK, nil
	}

	// Numbers stay exact so integers beyond 2^53 hash like the mapped int64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return StatusDrifted, fmt.Errorf("decoding remote document: %w", err)
	}
	fp, err := mapper.Fingerprint(doc)
	if err != nil {
		return StatusDrifted, err
	}
	if fp != rec.Fingerprint {
		v.log.Debug("remote document drifted", "kind", rec.Kind, "id", rec.ID, "path", rec.RemotePath)
		return StatusDrifted, nil
	}
	return StatusOK, nil
}

// WriteSummary writes a human-readable summary of the result.
func (r *VerifyResult) WriteSummary(w io.Writer) {
	_, _ = fmt.Fprintf(w, "\n--- Verification Summary ---\n\n")
	for _, f := range r.Findings {
		_, _ = fmt.Fprintf(w, "  %-8s %s/%s (%s)", f.Status, f.Kind, f.ID, f.Path)
		if f.Error != "" {
			_, _ = fmt.Fprintf(w, ": %s", f.Error)
		}
		_, _ = fmt.Fprintln(w)
	}
	if len(r.Findings) > 0 {
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintf(w, "Total: %d checked, %d ok, %d missing, %d drifted, %d errors, %d repaired\n",
		r.Checked, r.OK, r.Missing, r.Drifted, r.Errors, r.Repaired)
}
