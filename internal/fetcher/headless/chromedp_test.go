package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 2, cap(r.limiter))
	require.Equal(t, defaultNavigationTimeout, r.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, r.cfg.Settle)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	r, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.acquire(ctx)
	require.ErrorIs(t, err, tariff.ErrFetch)
	r.release()
	require.NoError(t, r.acquire(context.Background()))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://rates.example/tariffs",
			Headers: network.Headers{"Content-Type": "text/html; charset=utf-8"},
		},
	})
	// An iframe document arriving later does not replace the page.
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://rates.example/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "text/html; charset=utf-8", headers.Get("Content-Type"))
	require.Equal(t, "https://rates.example/tariffs", url)

	empty := newResponseMeta()
	status, headers, url = empty.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = empty.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}
