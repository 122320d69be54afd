package tariff

import (
	"time"
)

// Status represents the lifecycle state of a tracked document.
type Status string

// Ledger row status values.
const (
	StatusActive   Status = "ACTIVE"
	StatusObsolete Status = "OBSOLETE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusObsolete
}

// TrackedDocument is one ledger row: the current record of a logical tariff
// document for a utility.
type TrackedDocument struct {
	ID                int64      `json:"id"`
	UtilityName       string     `json:"utility_name"`
	URL               string     `json:"url"`
	DocumentName      string     `json:"document_name"`
	ContentHash       string     `json:"content_hash,omitempty"`
	LinkText          string     `json:"link_text,omitempty"`
	LastCheckedAt     time.Time  `json:"last_checked_at"`
	TariffEffectiveAt *time.Time `json:"tariff_effective_at,omitempty"`
	Status            Status     `json:"status"`
}

// Active reports whether the row is still authoritative.
func (d TrackedDocument) Active() bool {
	return d.Status == StatusActive
}

// Link is a raw anchor discovered on a seed page.
type Link struct {
	URL     string `json:"url"`
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// Identity carries the fields used to decide whether an observation refers to
// an already tracked document. ContentHash is empty until the bytes are known.
type Identity struct {
	URL         string
	LinkText    string
	ContentHash string
}

// Candidate is a normalized, oracle-selected link ready for reconciliation.
type Candidate struct {
	// URL is the canonical identity key.
	URL string `json:"url"`
	// FetchURL is the absolute URL to retrieve; volatile parameters are kept
	// because some servers require them.
	FetchURL  string `json:"fetch_url"`
	LinkText  string `json:"link_text,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Identity returns the candidate's identity without a content hash.
func (c Candidate) Identity() Identity {
	return Identity{URL: c.URL, LinkText: c.LinkText}
}

// UpsertOutcome is the ledger's verdict for one upsert.
type UpsertOutcome string

// Upsert outcomes.
const (
	UpsertAdded     UpsertOutcome = "ADDED"
	UpsertUpdated   UpsertOutcome = "UPDATED"
	UpsertUnchanged UpsertOutcome = "UNCHANGED"
)

// Outcome is the per-candidate result of a reconciliation.
type Outcome string

// Reconciliation outcomes.
const (
	OutcomeAdded     Outcome = "ADDED"
	OutcomeUpdated   Outcome = "UPDATED"
	OutcomeUnchanged Outcome = "UNCHANGED"
	OutcomeNoChange  Outcome = "NO_CHANGE"
	OutcomeError     Outcome = "ERROR"
)

// OutcomeFor maps a ledger verdict to a reconciliation outcome.
func OutcomeFor(u UpsertOutcome) Outcome {
	switch u {
	case UpsertAdded:
		return OutcomeAdded
	case UpsertUpdated:
		return OutcomeUpdated
	default:
		return OutcomeUnchanged
	}
}

// Document is the result of a full fetch.
type Document struct {
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	LastModified *time.Time
	Duration     time.Duration
}

// Metadata is the result of a cheap remote probe.
type Metadata struct {
	URL           string
	StatusCode    int
	ContentType   string
	ContentLength int64
	LastModified  *time.Time
}
