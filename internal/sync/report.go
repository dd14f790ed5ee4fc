package sync

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/rowsync/internal/model"
)

// tally accumulates a [model.Report] from concurrent operations.
type tally struct {
	mu      sync.Mutex
	report  *model.Report
	perKind map[string]*model.Counts
}

func newTally(runID string, kinds []string, started time.Time) *tally {
	t := &tally{
		report: &model.Report{
			RunID:     runID,
			StartedAt: started,
			Kinds:     slices.Clone(kinds),
			Failed:    []model.Failure{},
			PerKind:   make(map[string]model.Counts, len(kinds)),
		},
		perKind: make(map[string]*model.Counts, len(kinds)),
	}
	for _, k := range kinds {
		t.perKind[k] = &model.Counts{}
	}
	return t
}

func (t *tally) counts(kind string) *model.Counts {
	c, ok := t.perKind[kind]
	if !ok {
		c = &model.Counts{}
		t.perKind[kind] = c
	}
	return c
}

func (t *tally) succeeded(op opType, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counts(kind)
	switch op {
	case opCreate:
		c.Created++
	case opUpdate:
		c.Updated++
	case opDelete:
		c.Deleted++
	}
}

func (t *tally) skipped(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts(kind).Skipped++
}

func (t *tally) failed(kind, id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts(kind).Failed++
	t.report.Failed = append(t.report.Failed, model.Failure{
		Kind:      kind,
		ID:        id,
		ErrorKind: model.KindOf(err),
		Message:   err.Error(),
	})
}

// finish stamps the report and folds per-kind counts into the totals. The
// failure list is sorted so reports of equal runs compare equal.
func (t *tally) finish(finished time.Time, cancelled bool) *model.Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.report
	r.FinishedAt = finished
	r.Cancelled = cancelled

	var total model.Counts
	for kind, c := range t.perKind {
		r.PerKind[kind] = *c
		total.Add(*c)
	}
	r.Created = total.Created
	r.Updated = total.Updated
	r.Deleted = total.Deleted
	r.Skipped = total.Skipped
	r.FailedCount = total.Failed

	slices.SortStableFunc(r.Failed, func(a, b model.Failure) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.ID, b.ID))
	})
	return r
}
