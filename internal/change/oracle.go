// Package change decides whether a tracked document needs a full re-download.
//
// The cheap tier compares the calendar date of the remote Last-Modified header
// against the stored effective date. Anything the cheap tier cannot answer
// falls through to a full fetch, where the content hash settles it.
package change

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// Action is the oracle's verdict.
type Action string

const (
	// ActionSkip means the stored record is current; only last_checked_at moves.
	ActionSkip Action = "SKIP"
	// ActionFetch means the document must be downloaded and hashed.
	ActionFetch Action = "FETCH"
)

// Reason explains a Decision.
type Reason string

// Reasons reported with a Decision.
const (
	ReasonFirstSighting     Reason = "first_sighting"
	ReasonNoBaseline        Reason = "no_baseline"
	ReasonProbeDisabled     Reason = "probe_disabled"
	ReasonProbeFailed       Reason = "probe_failed"
	ReasonNoRemoteTimestamp Reason = "no_remote_timestamp"
	ReasonSameDate          Reason = "same_date"
	ReasonRemoteChanged     Reason = "remote_changed"
)

// Decision is the result of Oracle.Decide.
type Decision struct {
	Action Action
	Reason Reason
	// Existing is the matched ACTIVE row, if any.
	Existing *tariff.TrackedDocument
	// RemoteModified is the probed Last-Modified value, if any.
	RemoteModified *time.Time
}

// Skip reports whether the full fetch can be avoided.
func (d Decision) Skip() bool {
	return d.Action == ActionSkip
}

// Finder looks up the ACTIVE row for an identity.
type Finder interface {
	FindActive(ctx context.Context, utility string, id tariff.Identity) (*tariff.TrackedDocument, error)
}

// Config tunes the cheap tier.
type Config struct {
	// ProbeEnabled turns the metadata probe on. When off every candidate is fetched.
	ProbeEnabled bool
	// Location is the timezone in which calendar dates are compared. Nil means UTC.
	Location *time.Location
}

// Oracle implements the two-tier check.
type Oracle struct {
	finder Finder
	prober tariff.Prober
	cfg    Config
	logger *zap.Logger
}

// New constructs an Oracle.
func New(finder Finder, prober tariff.Prober, cfg Config, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if prober == nil {
		cfg.ProbeEnabled = false
	}
	return &Oracle{finder: finder, prober: prober, cfg: cfg, logger: logger}
}

// Decide returns SKIP only when an ACTIVE row exists, it carries an effective
// date, and the remote Last-Modified falls on the same calendar date. Probe
// problems never produce SKIP. A ledger read failure is returned as an error
// wrapping tariff.ErrPersistence.
func (o *Oracle) Decide(ctx context.Context, utility string, c tariff.Candidate) (Decision, error) {
	existing, err := o.finder.FindActive(ctx, utility, c.Identity())
	if err != nil {
		if tariff.Classify(err) != tariff.KindPersistence {
			err = fmt.Errorf("%w: %w", tariff.ErrPersistence, err)
		}
		return Decision{}, fmt.Errorf("change oracle lookup %q: %w", c.URL, err)
	}
	if existing == nil {
		return fetch(ReasonFirstSighting, nil, nil), nil
	}
	if existing.TariffEffectiveAt == nil {
		return fetch(ReasonNoBaseline, existing, nil), nil
	}
	if !o.cfg.ProbeEnabled {
		return fetch(ReasonProbeDisabled, existing, nil), nil
	}

	target := c.FetchURL
	if target == "" {
		target = c.URL
	}
	meta, err := o.prober.Probe(ctx, target)
	if err != nil {
		o.logger.Debug("metadata probe failed; falling back to fetch",
			zap.String("utility", utility),
			zap.String("url", target),
			zap.Error(err),
		)
		return fetch(ReasonProbeFailed, existing, nil), nil
	}
	if meta.LastModified == nil {
		return fetch(ReasonNoRemoteTimestamp, existing, nil), nil
	}

	remote := *meta.LastModified
	if SameDate(remote, *existing.TariffEffectiveAt, o.cfg.Location) {
		return Decision{Action: ActionSkip, Reason: ReasonSameDate, Existing: existing, RemoteModified: &remote}, nil
	}
	return fetch(ReasonRemoteChanged, existing, &remote), nil
}

// SameDate reports whether a and b fall on the same calendar date in loc.
func SameDate(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func fetch(reason Reason, existing *tariff.TrackedDocument, remote *time.Time) Decision {
	return Decision{Action: ActionFetch, Reason: reason, Existing: existing, RemoteModified: remote}
}
