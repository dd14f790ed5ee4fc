package model

import "time"

// Counts tallies the outcome of the operations for one kind or one run.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Deleted += o.Deleted
	c.Skipped += o.Skipped
	c.Failed += o.Failed
}

// Changed reports whether any remote mutation happened.
func (c Counts) Changed() int {
	return c.Created + c.Updated + c.Deleted
}

// Failure describes one failed operation. ID is empty for kind-level failures
// such as [KindSourceUnavailable].
type Failure struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
}

// Report is the outcome of one sync run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Kinds      []string  `json:"kinds"`

	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`

	Failed      []Failure `json:"failed"`
	FailedCount int       `json:"failed_count"`

	PerKind map[string]Counts `json:"per_kind"`

	// Cancelled is true when the run stopped scheduling new operations because
	// its context was cancelled or its deadline passed.
	Cancelled bool `json:"cancelled"`
}

// Totals returns the run-wide counts.
func (r *Report) Totals() Counts {
	return Counts{
		Created: r.Created,
		Updated: r.Updated,
		Deleted: r.Deleted,
		Skipped: r.Skipped,
		Failed:  r.FailedCount,
	}
}
