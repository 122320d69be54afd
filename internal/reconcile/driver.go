// Package reconcile drives one run: for every seed it discovers links, asks the
// selector for candidates, and folds each candidate through the change oracle
// and the ledger, collecting a structured report.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/change"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	"github.com/JakeFAU/utility-tariff-monitor/internal/logging"
	"github.com/JakeFAU/utility-tariff-monitor/internal/metrics"
	"github.com/JakeFAU/utility-tariff-monitor/internal/selector"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// DefaultAcceptedContentTypes lists the media types treated as documents.
var DefaultAcceptedContentTypes = []string{"application/pdf"}

// Ledger is the subset of *ledger.Ledger the driver needs.
type Ledger interface {
	change.Finder
	Upsert(ctx context.Context, req ledger.UpsertRequest) (ledger.UpsertResult, error)
	TouchLastChecked(ctx context.Context, utility string, id tariff.Identity, at time.Time) (tariff.TrackedDocument, error)
	RetireUnmatched(ctx context.Context, utility string, keep []int64) (int64, error)
}

// Decider is the change oracle.
type Decider interface {
	Decide(ctx context.Context, utility string, c tariff.Candidate) (change.Decision, error)
}

// Config controls the driver.
type Config struct {
	// AcceptedContentTypes are the media types a full fetch may return.
	AcceptedContentTypes []string
	// RetireUnmatched marks ACTIVE rows missing from a clean batch OBSOLETE.
	RetireUnmatched bool
	// ArchivePrefix is the blob path prefix for fetched documents.
	ArchivePrefix string
	// Topic receives change notifications. Empty disables publishing.
	Topic string
}

// Dependencies are the collaborators of a Driver. BlobStore and Publisher
// are optional.
type Dependencies struct {
	Discoverer tariff.Discoverer
	Selector   selector.Selector
	Normalizer *tariff.Normalizer
	Oracle     Decider
	Fetcher    tariff.Fetcher
	Hasher     tariff.Hasher
	Ledger     Ledger
	BlobStore  tariff.BlobStore
	Publisher  tariff.Publisher
	Clock      tariff.Clock
	IDs        tariff.IDGenerator
}

// Driver reconciles seeds sequentially.
type Driver struct {
	deps     Dependencies
	cfg      Config
	accepted map[string]struct{}
	logger   *zap.Logger
}

// New validates deps and constructs a Driver.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Driver, error) {
	switch {
	case deps.Discoverer == nil:
		return nil, fmt.Errorf("discoverer is required")
	case deps.Selector == nil:
		return nil, fmt.Errorf("selector is required")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("normalizer is required")
	case deps.Oracle == nil:
		return nil, fmt.Errorf("change oracle is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	types := cfg.AcceptedContentTypes
	if len(types) == 0 {
		types = DefaultAcceptedContentTypes
	}
	accepted := make(map[string]struct{}, len(types))
	for _, t := range types {
		accepted[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Driver{deps: deps, cfg: cfg, accepted: accepted, logger: logger}, nil
}

// Run reconciles every seed in order. It never fails; per-utility problems
// are recorded in the report.
func (d *Driver) Run(ctx context.Context, seeds []Seed) RunReport {
	report := RunReport{StartedAt: d.deps.Clock.Now()}
	if d.deps.IDs != nil {
		id, err := d.deps.IDs.NewID()
		if err != nil {
			d.logger.Warn("run id generation failed", zap.Error(err))
		}
		report.RunID = id
	}
	logger := d.logger.With(zap.String("run_id", report.RunID))
	logger.Info("run started", zap.Int("seeds", len(seeds)))

	for _, seed := range seeds {
		if ctx.Err() != nil {
			report.Utilities = append(report.Utilities, UtilityReport{
				UtilityName: d.utilityName(seed),
				SeedURL:     seed.URL,
				Status:      StatusCanceled,
				Error:       ctx.Err().Error(),
			})
			continue
		}
		report.Utilities = append(report.Utilities, d.reconcile(ctx, seed, report.RunID))
	}

	report.FinishedAt = d.deps.Clock.Now()
	metrics.ObserveRun(report.Duration(), report.FinishedAt)
	totals := report.Totals()
	logger.Info("run finished",
		zap.Int("utilities", totals.Utilities),
		zap.Int("added", totals.Added),
		zap.Int("updated", totals.Updated),
		zap.Int("unchanged", totals.Unchanged),
		zap.Int("skipped", totals.Skipped),
		zap.Int("errors", totals.Errors),
		zap.Duration("duration", report.Duration()),
	)
	return report
}

// ReconcileUtility processes one seed outside of a run.
func (d *Driver) ReconcileUtility(ctx context.Context, seed Seed) UtilityReport {
	return d.reconcile(ctx, seed, "")
}

func (d *Driver) utilityName(seed Seed) string {
	if name := strings.TrimSpace(seed.Utility); name != "" {
		return name
	}
	name, err := tariff.UtilityName(seed.URL)
	if err != nil {
		return seed.URL
	}
	return name
}

func (d *Driver) reconcile(ctx context.Context, seed Seed, runID string) UtilityReport {
	utility := d.utilityName(seed)
	rep := UtilityReport{UtilityName: utility, SeedURL: seed.URL, Selections: []string{}, Candidates: []CandidateReport{}}
	logger := logging.ForUtility(d.logger, runID, utility).With(zap.String("seed", seed.URL))

	links, err := d.deps.Discoverer.Discover(ctx, seed.URL)
	if err == nil && len(links) == 0 {
		err = fmt.Errorf("%w: no candidate links on %s", tariff.ErrDiscovery, seed.URL)
	}
	if err != nil {
		if !errors.Is(err, tariff.ErrDiscovery) {
			err = fmt.Errorf("%w: %w", tariff.ErrDiscovery, err)
		}
		logger.Warn("discovery failed; skipping utility", zap.Error(err))
		rep.Status = StatusDiscoveryFailed
		rep.ErrorKind, rep.Error = tariff.KindDiscovery, err.Error()
		metrics.ObserveUtility(rep.Status)
		return rep
	}
	rep.CandidatesFound = len(links)

	candidates, rationale, err := d.selectCandidates(ctx, seed, links, logger)
	rep.SelectionRationale = rationale
	if err != nil {
		logger.Warn("selection failed; skipping utility", zap.Error(err))
		rep.Status = StatusSelectionFailed
		rep.Errors = 1
		rep.ErrorKind, rep.Error = tariff.KindSelection, err.Error()
		rep.SelectionRationale = err.Error()
		metrics.ObserveUtility(rep.Status)
		return rep
	}
	for _, c := range candidates {
		rep.Selections = append(rep.Selections, c.URL)
	}

	// Rows already tracked for this candidate set must survive an ADDED
	// outcome for a sibling candidate.
	preserve := d.preResolve(ctx, utility, candidates, logger)
	var keep []int64
	for _, c := range candidates {
		cr := d.reconcileCandidate(ctx, utility, runID, c, preserve, logger)
		if cr.DocumentID != 0 {
			keep = append(keep, cr.DocumentID)
			preserve = appendUnique(preserve, cr.DocumentID)
		}
		metrics.ObserveCandidate(utility, string(cr.Outcome), cr.ErrorKind)
		rep.record(cr)
	}

	if d.cfg.RetireUnmatched && rep.Errors == 0 && rep.Succeeded() > 0 {
		retired, err := d.deps.Ledger.RetireUnmatched(ctx, utility, keep)
		if err != nil {
			logger.Error("retiring unmatched documents failed", zap.Error(err))
		} else {
			rep.Retired = retired
			metrics.ObserveSuperseded(utility, retired)
		}
	}

	rep.Status = StatusOK
	if rep.Errors > 0 {
		rep.Status = StatusPartial
	}
	metrics.ObserveUtility(rep.Status)
	logger.Info("utility reconciled",
		zap.Int("candidates_found", rep.CandidatesFound),
		zap.Int("selected", len(candidates)),
		zap.Int("added", rep.Added),
		zap.Int("updated", rep.Updated),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("skipped", rep.Skipped),
		zap.Int("errors", rep.Errors),
		zap.Int64("retired", rep.Retired),
	)
	return rep
}

func (d *Driver) selectCandidates(
	ctx context.Context,
	seed Seed,
	links []tariff.Link,
	logger *zap.Logger,
) ([]tariff.Candidate, string, error) {
	res, err := d.deps.Selector.Select(ctx, links)
	if err != nil {
		if !errors.Is(err, tariff.ErrSelection) {
			err = fmt.Errorf("%w: %w", tariff.ErrSelection, err)
		}
		return nil, "", err
	}
	if res.Failed() {
		return nil, res.Rationale, res.Err()
	}

	var (
		out  []tariff.Candidate
		seen = make(map[string]struct{})
	)
	for _, link := range res.Choices {
		c, err := d.deps.Normalizer.Normalize(link.URL, link.Text, seed.URL)
		if err != nil {
			logger.Warn("dropping selected link", zap.String("href", link.URL), zap.Error(err))
			continue
		}
		if _, dup := seen[c.URL]; dup {
			continue
		}
		seen[c.URL] = struct{}{}
		c.Rationale = res.Rationale
		out = append(out, c)
	}
	if len(out) == 0 {
		logger.Info("no tariff document selected", zap.String("rationale", res.Rationale))
	}
	return out, res.Rationale, nil
}

func (d *Driver) preResolve(ctx context.Context, utility string, candidates []tariff.Candidate, logger *zap.Logger) []int64 {
	var ids []int64
	for _, c := range candidates {
		doc, err := d.deps.Ledger.FindActive(ctx, utility, c.Identity())
		if err != nil {
			logger.Warn("pre-resolving candidate failed", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if doc != nil {
			ids = appendUnique(ids, doc.ID)
		}
	}
	return ids
}

func (d *Driver) reconcileCandidate(
	ctx context.Context,
	utility string,
	runID string,
	c tariff.Candidate,
	preserve []int64,
	logger *zap.Logger,
) CandidateReport {
	cr := CandidateReport{URL: c.URL, FetchURL: c.FetchURL, LinkText: c.LinkText, Rationale: c.Rationale}
	logger = logger.With(zap.String("url", c.URL))
	fail := func(err error) CandidateReport {
		cr.Outcome = tariff.OutcomeError
		cr.ErrorKind = tariff.Classify(err)
		cr.Error = err.Error()
		logger.Warn("candidate failed", zap.String("kind", cr.ErrorKind), zap.Error(err))
		return cr
	}

	decision, err := d.deps.Oracle.Decide(ctx, utility, c)
	if err != nil {
		return fail(err)
	}
	cr.Decision = string(decision.Reason)
	metrics.ObserveDecision(string(decision.Action), string(decision.Reason))

	checkedAt := d.deps.Clock.Now()
	if decision.Skip() {
		doc, err := d.deps.Ledger.TouchLastChecked(ctx, utility, c.Identity(), checkedAt)
		if err != nil {
			return fail(err)
		}
		cr.Outcome = tariff.OutcomeNoChange
		cr.DocumentID = doc.ID
		cr.ContentHash = doc.ContentHash
		logger.Debug("remote unchanged; fetch skipped", zap.String("reason", cr.Decision))
		return cr
	}

	doc, err := d.deps.Fetcher.Fetch(ctx, c.FetchURL)
	if err != nil {
		if !errors.Is(err, tariff.ErrFetch) {
			err = fmt.Errorf("%w: %w", tariff.ErrFetch, err)
		}
		return fail(err)
	}
	if err := d.checkContentType(doc.ContentType); err != nil {
		return fail(fmt.Errorf("%w: %s: %w", tariff.ErrFetch, c.FetchURL, err))
	}
	hash, err := d.deps.Hasher.Hash(doc.Body)
	if err != nil {
		return fail(fmt.Errorf("%w: hash %s: %w", tariff.ErrFetch, c.FetchURL, err))
	}

	effective := decision.RemoteModified
	if effective == nil {
		effective = doc.LastModified
	}
	id := c.Identity()
	id.ContentHash = hash
	res, err := d.deps.Ledger.Upsert(ctx, ledger.UpsertRequest{
		Utility:      utility,
		Identity:     id,
		DocumentName: tariff.DocumentName(c.URL),
		EffectiveAt:  effective,
		CheckedAt:    checkedAt,
		Preserve:     preserve,
	})
	if err != nil {
		return fail(err)
	}

	cr.Outcome = tariff.OutcomeFor(res.Outcome)
	cr.DocumentID = res.Document.ID
	cr.ContentHash = hash
	cr.Match = res.Match.String()
	cr.Superseded = res.Superseded
	if res.Previous != nil {
		cr.PreviousHash = res.Previous.ContentHash
	}
	if res.Superseded > 0 {
		metrics.ObserveSuperseded(utility, res.Superseded)
	}
	if cr.Outcome == tariff.OutcomeAdded || cr.Outcome == tariff.OutcomeUpdated {
		cr.BlobURI = d.archive(ctx, utility, hash, doc, logger)
		d.notify(ctx, runID, cr, res, logger)
	}
	logger.Info("candidate reconciled",
		zap.String("outcome", string(cr.Outcome)),
		zap.String("reason", cr.Decision),
		zap.Int64("document_id", cr.DocumentID),
		zap.String("match", cr.Match),
	)
	return cr
}

func (d *Driver) checkContentType(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: missing content type", tariff.ErrNotDocument)
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", tariff.ErrNotDocument, raw, err)
	}
	if _, ok := d.accepted[mediaType]; !ok {
		return fmt.Errorf("%w: %s", tariff.ErrNotDocument, mediaType)
	}
	return nil
}

// ArchivePath returns the blob path for a document's bytes.
func ArchivePath(prefix, utility, hash string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.pdf", tariff.Slug(utility), hash)
	}
	return fmt.Sprintf("%s/%s/%s.pdf", prefix, tariff.Slug(utility), hash)
}

func (d *Driver) archive(ctx context.Context, utility, hash string, doc tariff.Document, logger *zap.Logger) string {
	if d.deps.BlobStore == nil {
		return ""
	}
	uri, err := d.deps.BlobStore.PutObject(ctx, ArchivePath(d.cfg.ArchivePrefix, utility, hash), doc.ContentType, bytes.NewReader(doc.Body))
	metrics.ObserveSideEffect("archive", err)
	if err != nil {
		logger.Warn("archiving document failed", zap.Error(err))
		return ""
	}
	return uri
}

// Notification is the payload published for ADDED and UPDATED outcomes.
type Notification struct {
	RunID        string     `json:"run_id,omitempty"`
	Utility      string     `json:"utility"`
	URL          string     `json:"url"`
	DocumentName string     `json:"document_name"`
	ContentHash  string     `json:"content_hash"`
	PreviousHash string     `json:"previous_hash,omitempty"`
	Outcome      string     `json:"outcome"`
	EffectiveAt  *time.Time `json:"effective_at,omitempty"`
	BlobURI      string     `json:"blob_uri,omitempty"`
}

func (d *Driver) notify(ctx context.Context, runID string, cr CandidateReport, res ledger.UpsertResult, logger *zap.Logger) {
	if d.deps.Publisher == nil || d.cfg.Topic == "" {
		return
	}
	payload := Notification{
		RunID:        runID,
		Utility:      res.Document.UtilityName,
		URL:          res.Document.URL,
		DocumentName: res.Document.DocumentName,
		ContentHash:  res.Document.ContentHash,
		PreviousHash: cr.PreviousHash,
		Outcome:      string(cr.Outcome),
		EffectiveAt:  res.Document.TariffEffectiveAt,
		BlobURI:      cr.BlobURI,
	}
	id, err := d.deps.Publisher.Publish(ctx, d.cfg.Topic, payload)
	metrics.ObserveSideEffect("publish", err)
	if err != nil {
		logger.Warn("publishing change notification failed", zap.Error(err))
		return
	}
	logger.Debug("change notification published", zap.String("message_id", id))
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
