package reconcile

import (
	"time"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// Utility-level statuses.
const (
	StatusOK              = "ok"
	StatusPartial         = "partial"
	StatusDiscoveryFailed = "discovery_failed"
	StatusSelectionFailed = "selection_failed"
	StatusCanceled        = "canceled"
)

// Seed is one utility's entry point.
type Seed struct {
	URL string `mapstructure:"url" json:"url"`
	// Utility overrides the name derived from the seed host.
	Utility string `mapstructure:"utility" json:"utility,omitempty"`
}

// CandidateReport is the per-candidate detail of a utility report.
type CandidateReport struct {
	URL          string         `json:"url"`
	FetchURL     string         `json:"fetch_url,omitempty"`
	LinkText     string         `json:"link_text,omitempty"`
	Rationale    string         `json:"rationale,omitempty"`
	Outcome      tariff.Outcome `json:"outcome"`
	Decision     string         `json:"decision,omitempty"`
	DocumentID   int64          `json:"document_id,omitempty"`
	ContentHash  string         `json:"content_hash,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	Match        string         `json:"match,omitempty"`
	Superseded   int64          `json:"superseded,omitempty"`
	BlobURI      string         `json:"blob_uri,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// UtilityReport aggregates one utility's reconciliation.
type UtilityReport struct {
	UtilityName        string            `json:"utility_name"`
	SeedURL            string            `json:"seed_url"`
	Status             string            `json:"status"`
	CandidatesFound    int               `json:"candidates_found"`
	Selections         []string          `json:"selections"`
	SelectionRationale string            `json:"selection_rationale,omitempty"`
	Added              int               `json:"added"`
	Updated            int               `json:"updated"`
	Unchanged          int               `json:"unchanged"`
	Skipped            int               `json:"skipped"`
	Errors             int               `json:"errors"`
	Retired            int64             `json:"retired"`
	ErrorKind          string            `json:"error_kind,omitempty"`
	Error              string            `json:"error,omitempty"`
	Candidates         []CandidateReport `json:"candidates"`
}

func (r *UtilityReport) record(c CandidateReport) {
	switch c.Outcome {
	case tariff.OutcomeAdded:
		r.Added++
	case tariff.OutcomeUpdated:
		r.Updated++
	case tariff.OutcomeUnchanged:
		r.Unchanged++
	case tariff.OutcomeNoChange:
		r.Skipped++
	case tariff.OutcomeError:
		r.Errors++
	}
	r.Candidates = append(r.Candidates, c)
}

// Succeeded counts candidates that reached a non-error outcome.
func (r UtilityReport) Succeeded() int {
	return r.Added + r.Updated + r.Unchanged + r.Skipped
}

// RunReport is the structured output of one run over all seeds.
type RunReport struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Utilities  []UtilityReport `json:"utilities"`
}

// Totals are run-wide counters.
type Totals struct {
	Utilities int `json:"utilities"`
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Totals sums the per-utility counters.
func (r RunReport) Totals() Totals {
	t := Totals{Utilities: len(r.Utilities)}
	for _, u := range r.Utilities {
		t.Added += u.Added
		t.Updated += u.Updated
		t.Unchanged += u.Unchanged
		t.Skipped += u.Skipped
		t.Errors += u.Errors
	}
	return t
}

// Duration is the wall time of the run.
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
