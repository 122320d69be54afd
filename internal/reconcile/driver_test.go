package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/change"
	"github.com/JakeFAU/utility-tariff-monitor/internal/hash/sha256"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	ledgermem "github.com/JakeFAU/utility-tariff-monitor/internal/ledger/memory"
	pubmem "github.com/JakeFAU/utility-tariff-monitor/internal/publisher/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/selector"
	blobmem "github.com/JakeFAU/utility-tariff-monitor/internal/storage/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

const (
	utility = "Example Energy"
	seedURL = "https://www.example-energy.com/rates"
	docA    = "https://www.example-energy.com/docs/a.pdf"
	docB    = "https://www.example-energy.com/docs/b.pdf"
	docC    = "https://www.example-energy.com/docs/c.pdf"
)

var march1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	driver    *Driver
	ledger    *ledger.Ledger
	discover  *stubDiscoverer
	selector  *stubSelector
	fetcher   *stubFetcher
	prober    *stubProber
	blobs     *blobmem.BlobStore
	publisher *pubmem.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &stepClock{now: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(ledgermem.New(), clk, zap.NewNop())
	h := &harness{
		ledger:    l,
		discover:  &stubDiscoverer{},
		selector:  &stubSelector{},
		fetcher:   newStubFetcher(),
		prober:    &stubProber{},
		blobs:     blobmem.NewBlobStore(),
		publisher: pubmem.New(),
	}
	d, err := New(Dependencies{
		Discoverer: h.discover,
		Selector:   h.selector,
		Normalizer: tariff.NewNormalizer(tariff.NormalizerConfig{}),
		Oracle:     change.New(l, h.prober, change.Config{ProbeEnabled: true}, nil),
		Fetcher:    h.fetcher,
		Hasher:     sha256.New(),
		Ledger:     l,
		BlobStore:  h.blobs,
		Publisher:  h.publisher,
		Clock:      clk,
		IDs:        fixedIDs{},
	}, Config{RetireUnmatched: true, ArchivePrefix: "tariffs", Topic: "tariff-changes"}, zap.NewNop())
	require.NoError(t, err)
	h.driver = d
	return h
}

// choose makes discovery return the given URLs and the selector pick all of them.
func (h *harness) choose(urls ...string) {
	links := make([]tariff.Link, 0, len(urls))
	for _, u := range urls {
		links = append(links, tariff.Link{URL: u, Text: "Tariff " + u[len(u)-5:]})
	}
	h.discover.links = links
	h.selector.res = selector.Result{Choices: links, Rationale: "all of them"}
}

func (h *harness) active(t *testing.T) []tariff.TrackedDocument {
	t.Helper()
	docs, err := h.ledger.List(context.Background(), ledger.Filter{Utility: utility, Status: tariff.StatusActive})
	require.NoError(t, err)
	return docs
}

func outcomes(rep UtilityReport) []tariff.Outcome {
	out := make([]tariff.Outcome, 0, len(rep.Candidates))
	for _, c := range rep.Candidates {
		out = append(out, c.Outcome)
	}
	return out
}

func TestPartialFailureIsolation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA, docB, docC)
	h.fetcher.pdf(docA, "A1", nil)
	h.fetcher.errs[docB] = errors.New("connection reset")
	h.fetcher.pdf(docC, "C1", nil)

	rep := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, StatusPartial, rep.Status)
	require.Equal(t, []tariff.Outcome{tariff.OutcomeAdded, tariff.OutcomeError, tariff.OutcomeAdded}, outcomes(rep))
	require.Equal(t, 2, rep.Added)
	require.Equal(t, 1, rep.Errors)
	require.Equal(t, tariff.KindFetch, rep.Candidates[1].ErrorKind)
	require.Equal(t, []string{docA, docB, docC}, rep.Selections)
	require.Equal(t, 3, rep.CandidatesFound)
	require.Zero(t, rep.Retired)

	// The second ADDED kept the first candidate's row.
	active := h.active(t)
	require.Len(t, active, 2)
	require.Equal(t, docA, active[0].URL)
	require.Equal(t, docC, active[1].URL)
}

func TestSkipTouchesLedgerWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA)
	h.fetcher.pdf(docA, "A1", &march1)

	first := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, []tariff.Outcome{tariff.OutcomeAdded}, outcomes(first))
	require.Equal(t, string(change.ReasonFirstSighting), first.Candidates[0].Decision)
	before := h.active(t)[0]
	require.True(t, march1.Equal(*before.TariffEffectiveAt))

	late := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	h.prober.meta = tariff.Metadata{LastModified: &late}
	second := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, StatusOK, second.Status)
	require.Equal(t, []tariff.Outcome{tariff.OutcomeNoChange}, outcomes(second))
	require.Equal(t, 1, second.Skipped)
	require.Equal(t, string(change.ReasonSameDate), second.Candidates[0].Decision)
	require.Equal(t, 1, h.fetcher.count(docA))

	after := h.active(t)[0]
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, before.ContentHash, after.ContentHash)
	require.True(t, after.LastCheckedAt.After(before.LastCheckedAt))
	require.True(t, before.TariffEffectiveAt.Equal(*after.TariffEffectiveAt))
}

func TestRemoteChangeUpdatesInPlace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA)
	h.fetcher.pdf(docA, "A1", &march1)
	_ = h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})

	april := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	h.prober.meta = tariff.Metadata{LastModified: &april}
	h.fetcher.pdf(docA, "A2", nil)
	rep := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, []tariff.Outcome{tariff.OutcomeUpdated}, outcomes(rep))
	require.Equal(t, string(change.ReasonRemoteChanged), rep.Candidates[0].Decision)
	require.NotEmpty(t, rep.Candidates[0].PreviousHash)
	require.NotEqual(t, rep.Candidates[0].PreviousHash, rep.Candidates[0].ContentHash)

	active := h.active(t)
	require.Len(t, active, 1)
	require.True(t, april.Equal(*active[0].TariffEffectiveAt))

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	note, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "UPDATED", note.Outcome)
	require.Equal(t, rep.Candidates[0].PreviousHash, note.PreviousHash)
	require.Empty(t, note.RunID)
}

func TestNonDocumentContentTypeLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA)
	h.fetcher.docs[docA] = tariff.Document{URL: docA, StatusCode: 200, ContentType: "text/html; charset=utf-8", Body: []byte("<html>")}

	rep := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, []tariff.Outcome{tariff.OutcomeError}, outcomes(rep))
	require.Equal(t, tariff.KindFetch, rep.Candidates[0].ErrorKind)
	require.Contains(t, rep.Candidates[0].Error, "text/html")
	require.Empty(t, h.active(t))
	require.Empty(t, h.blobs.Paths())
	require.Empty(t, h.publisher.Messages())
}

func TestUnmatchedRowRetiredAfterCleanBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA, docB)
	h.fetcher.pdf(docA, "A1", nil)
	h.fetcher.pdf(docB, "B1", nil)
	first := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, 2, first.Added)
	require.Len(t, h.active(t), 2)

	h.choose(docA)
	second := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, []tariff.Outcome{tariff.OutcomeUnchanged}, outcomes(second))
	require.EqualValues(t, 1, second.Retired)

	active := h.active(t)
	require.Len(t, active, 1)
	require.Equal(t, docA, active[0].URL)
	obsolete, err := h.ledger.List(context.Background(), ledger.Filter{Utility: utility, Status: tariff.StatusObsolete})
	require.NoError(t, err)
	require.Len(t, obsolete, 1)
	require.Equal(t, docB, obsolete[0].URL)
}

func TestErrorsBlockRetirement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA, docB)
	h.fetcher.pdf(docA, "A1", nil)
	h.fetcher.pdf(docB, "B1", nil)
	_ = h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})

	h.choose(docA, docC)
	h.fetcher.errs[docC] = errors.New("timeout")
	rep := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, 1, rep.Errors)
	require.Zero(t, rep.Retired)
	require.Len(t, h.active(t), 2)
}

func TestArchiveAndNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA)
	h.fetcher.pdf(docA, "A1", nil)
	rep := h.driver.Run(context.Background(), []Seed{{URL: seedURL, Utility: utility}})
	require.Equal(t, "run-1", rep.RunID)
	require.Len(t, rep.Utilities, 1)

	cand := rep.Utilities[0].Candidates[0]
	path := "tariffs/example-energy/" + cand.ContentHash + ".pdf"
	require.Equal(t, []string{path}, h.blobs.Paths())
	require.Equal(t, "memory://"+path, cand.BlobURI)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "tariff-changes", msgs[0].Topic)
	note := msgs[0].Payload.(Notification)
	require.Equal(t, "run-1", note.RunID)
	require.Equal(t, "ADDED", note.Outcome)
	require.Equal(t, utility, note.Utility)
	require.Equal(t, "a.pdf", note.DocumentName)
	require.Equal(t, cand.BlobURI, note.BlobURI)

	// Side-effect failures never fail the candidate.
	h.publisher.FailWith(errors.New("pubsub down"))
	h.fetcher.pdf(docA, "A2", nil)
	second := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, []tariff.Outcome{tariff.OutcomeUpdated}, outcomes(second))
	require.Zero(t, second.Errors)
}

func TestDiscoveryAndSelectionFailuresSkipUtility(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rep := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL})
	require.Equal(t, StatusDiscoveryFailed, rep.Status)
	require.Equal(t, tariff.KindDiscovery, rep.ErrorKind)
	require.Equal(t, "Example-Energy Com", rep.UtilityName)
	require.Zero(t, rep.Errors)

	h.discover.err = errors.New("dns failure")
	rep = h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL})
	require.Equal(t, StatusDiscoveryFailed, rep.Status)
	require.Contains(t, rep.Error, "dns failure")

	h.discover.err = nil
	h.discover.links = []tariff.Link{{URL: docA, Text: "A"}}
	h.selector.res = selector.Result{Failure: "no url in reply"}
	rep = h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL})
	require.Equal(t, StatusSelectionFailed, rep.Status)
	require.Equal(t, 1, rep.Errors)
	require.Equal(t, 1, rep.CandidatesFound)
	require.Contains(t, rep.SelectionRationale, "no url in reply")

	h.selector.err = errors.New("rate limited")
	rep = h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL})
	require.Equal(t, StatusSelectionFailed, rep.Status)
	require.Equal(t, tariff.KindSelection, rep.ErrorKind)
	require.Empty(t, h.active(t))
}

func TestEmptySelectionIsACleanEmptyBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA)
	h.fetcher.pdf(docA, "A1", nil)
	_ = h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Len(t, h.active(t), 1)

	tests := []struct {
		name string
		res  selector.Result
	}{
		{"nothing chosen", selector.Result{Rationale: "nothing tariff-relevant"}},
		{"every choice dropped", selector.Result{
			Choices:   []tariff.Link{{URL: "mailto:rates@example-energy.com"}},
			Rationale: "nothing tariff-relevant",
		}},
	}
	for _, tt := range tests {
		h.selector.res = tt.res
		rep := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
		require.Equal(t, StatusOK, rep.Status, tt.name)
		require.Zero(t, rep.Errors, tt.name)
		require.Empty(t, rep.ErrorKind, tt.name)
		require.Equal(t, "nothing tariff-relevant", rep.SelectionRationale, tt.name)
		require.Equal(t, 1, rep.CandidatesFound, tt.name)
		require.Empty(t, rep.Selections, tt.name)
		require.Empty(t, rep.Candidates, tt.name)
		require.Zero(t, rep.Retired, tt.name)
	}

	// Tracked rows survive a batch that selected nothing.
	require.Len(t, h.active(t), 1)
	require.Equal(t, 1, h.fetcher.count(docA))
}

func TestRehostedIdenticalDocumentMatchesByHash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.choose(docA)
	h.fetcher.pdf(docA, "A1", nil)
	first := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, []tariff.Outcome{tariff.OutcomeAdded}, outcomes(first))
	before := h.active(t)[0]

	// Same bytes under a new URL and new link text.
	moved := tariff.Link{URL: docB, Text: "Commercial Rate Schedule (2024)"}
	h.discover.links = []tariff.Link{moved}
	h.selector.res = selector.Result{Choices: []tariff.Link{moved}, Rationale: "moved"}
	h.fetcher.pdf(docB, "A1", nil)

	second := h.driver.ReconcileUtility(context.Background(), Seed{URL: seedURL, Utility: utility})
	require.Equal(t, StatusOK, second.Status)
	require.Equal(t, []tariff.Outcome{tariff.OutcomeUnchanged}, outcomes(second))
	cand := second.Candidates[0]
	require.Equal(t, string(change.ReasonFirstSighting), cand.Decision)
	require.Equal(t, "hash", cand.Match)
	require.Equal(t, before.ID, cand.DocumentID)
	require.Equal(t, before.ContentHash, cand.ContentHash)
	require.Equal(t, 1, h.fetcher.count(docB))
	require.Zero(t, second.Retired)

	active := h.active(t)
	require.Len(t, active, 1)
	require.Equal(t, before.ID, active[0].ID)
	require.Equal(t, docA, active[0].URL)
	require.Equal(t, before.LinkText, active[0].LinkText)
	require.True(t, active[0].LastCheckedAt.After(before.LastCheckedAt))

	// UNCHANGED is neither archived nor announced again.
	require.Len(t, h.blobs.Paths(), 1)
	require.Len(t, h.publisher.Messages(), 1)
}

func TestRunMarksRemainingSeedsCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := h.driver.Run(ctx, []Seed{{URL: seedURL, Utility: utility}, {URL: "https://other.example/"}})
	require.Len(t, rep.Utilities, 2)
	require.Equal(t, StatusCanceled, rep.Utilities[0].Status)
	require.Equal(t, "Other Example", rep.Utilities[1].UtilityName)
	require.False(t, rep.FinishedAt.Before(rep.StartedAt))
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{}, Config{}, nil)
	require.Error(t, err)
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "tariffs/austin-energy/abc.pdf", ArchivePath("/tariffs/", "Austin Energy", "abc"))
	require.Equal(t, "austin-energy/abc.pdf", ArchivePath("", "Austin Energy", "abc"))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

type stubDiscoverer struct {
	links []tariff.Link
	err   error
}

func (s *stubDiscoverer) Discover(context.Context, string) ([]tariff.Link, error) {
	return s.links, s.err
}

type stubSelector struct {
	res selector.Result
	err error
}

func (s *stubSelector) Select(context.Context, []tariff.Link) (selector.Result, error) {
	return s.res, s.err
}

type stubProber struct {
	meta tariff.Metadata
	err  error
}

func (s *stubProber) Probe(context.Context, string) (tariff.Metadata, error) {
	return s.meta, s.err
}

type stubFetcher struct {
	docs  map[string]tariff.Document
	errs  map[string]error
	calls map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		docs:  make(map[string]tariff.Document),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (s *stubFetcher) pdf(url, body string, modified *time.Time) {
	s.docs[url] = tariff.Document{
		URL:          url,
		StatusCode:   200,
		ContentType:  "application/pdf",
		Body:         []byte("%PDF-1.7 " + body),
		LastModified: modified,
	}
}

func (s *stubFetcher) count(url string) int {
	return s.calls[url]
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (tariff.Document, error) {
	s.calls[url]++
	if err, ok := s.errs[url]; ok {
		return tariff.Document{}, err
	}
	doc, ok := s.docs[url]
	if !ok {
		return tariff.Document{}, errors.New("status 404: Not Found")
	}
	return doc, nil
}
