package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/app"
	"github.com/JakeFAU/utility-tariff-monitor/internal/config"
	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	memoryledger "github.com/JakeFAU/utility-tariff-monitor/internal/ledger/memory"
	memorypublisher "github.com/JakeFAU/utility-tariff-monitor/internal/publisher/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
	memorystorage "github.com/JakeFAU/utility-tariff-monitor/internal/storage/memory"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

var lastModified = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newUtilitySite(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rates", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>
<p>Business: <a href="/docs/commercial-tariff.pdf?rev=9">Commercial Tariff</a></p>
<p><a href="/docs/lighting.pdf">Street lighting</a></p>
</body></html>`)
	})
	mux.HandleFunc("/docs/commercial-tariff.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		fmt.Fprint(w, "%PDF-1.7 commercial")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &gets
}

func testConfig(t *testing.T, seedURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Seeds = []reconcile.Seed{{URL: seedURL, Utility: "Acme Power"}}
	cfg.Crawler.RespectRobots = false
	cfg.HTTP.RatePerHost = 0
	cfg.Selector.Provider = config.SelectorKeyword
	cfg.Ledger.Provider = config.LedgerMemory
	cfg.PubSub.Provider = config.ProviderMemory
	cfg.Storage.Provider = config.ProviderMemory
	return cfg
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func TestAppRunEndToEnd(t *testing.T) {
	t.Parallel()

	srv, gets := newUtilitySite(t)
	cfg := testConfig(t, srv.URL+"/rates")
	blobs := memorystorage.NewBlobStore()
	pub := memorypublisher.New()

	a, err := app.New(context.Background(), cfg, zap.NewNop(),
		app.WithLedgerBackend(memoryledger.New()),
		app.WithBlobStore(blobs),
		app.WithPublisher(pub),
		app.WithIDs(fixedIDs{id: "run-1"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	_, ok := a.Latest()
	require.False(t, ok)

	first := a.Run(context.Background())
	require.Equal(t, "run-1", first.RunID)
	require.Len(t, first.Utilities, 1)
	u := first.Utilities[0]
	require.Equal(t, reconcile.StatusOK, u.Status, u.Error)
	require.Equal(t, 2, u.CandidatesFound)
	require.Equal(t, 1, u.Added)
	require.Equal(t, int32(1), gets.Load())

	docs, err := a.Ledger().List(context.Background(), ledger.Filter{Utility: "Acme Power"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, srv.URL+"/docs/commercial-tariff.pdf", docs[0].URL)
	require.Equal(t, "commercial-tariff.pdf", docs[0].DocumentName)
	require.Equal(t, tariff.StatusActive, docs[0].Status)
	require.NotNil(t, docs[0].TariffEffectiveAt)
	require.True(t, docs[0].TariffEffectiveAt.Equal(lastModified))

	require.Len(t, blobs.Paths(), 1)
	require.Len(t, pub.Messages(), 1)
	require.Equal(t, "tariff-changes", pub.Messages()[0].Topic)

	// Same Last-Modified date: the probe short-circuits the download.
	second := a.Run(context.Background())
	require.Equal(t, 1, second.Utilities[0].Skipped)
	require.Equal(t, int32(1), gets.Load())

	latest, ok := a.Latest()
	require.True(t, ok)
	require.Equal(t, second.Utilities[0].Skipped, latest.Utilities[0].Skipped)
}

func TestAppRejectsMissingAPIKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://power.example/rates")
	cfg.Selector.Provider = config.SelectorAnthropic
	cfg.Selector.APIKey = ""

	_, err := app.New(context.Background(), cfg, nil, app.WithLedgerBackend(memoryledger.New()))
	require.ErrorContains(t, err, "anthropic")
}

func TestOpenLedgerSQLite(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Ledger.DSN = t.TempDir() + "/ledger.db"

	led, err := app.OpenLedger(context.Background(), cfg, nil)
	require.NoError(t, err)
	docs, err := led.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Empty(t, docs)
	require.NoError(t, led.Close())
}

func TestOpenLedgerUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Ledger.Provider = "mongo"

	_, err = app.OpenLedger(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown ledger provider")
}
