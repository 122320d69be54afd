package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsTransport{base: base, backoff: []time.Duration{time.Millisecond, time.Millisecond}}

	req := httptest.NewRequest(http.MethodGet, "https://rates.example/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, 3, base.calls)
}

func TestRobotsTransportStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := &robotsTransport{base: base, backoff: []time.Duration{time.Millisecond, time.Millisecond}}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://rates.example/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
}

func TestRobotsTransportPassesThroughOtherRequests(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	base := &stubRoundTripper{results: []roundTripResult{{err: boom}}}
	transport := newRobotsTransport(base)

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://rates.example/tariff.pdf", nil))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, base.calls)

	_, err = transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://rates.example/robots.txt", nil))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, base.calls)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
