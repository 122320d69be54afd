// Package collyfetcher downloads tariff documents and probes their metadata using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/utility-tariff-monitor/internal/metrics"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultProbeTimeout = 15 * time.Second
	defaultMaxBodyBytes = 50 << 20
	defaultAccept       = "application/pdf,*/*;q=0.8"
)

// ErrTooLarge is returned when a document exceeds the configured size cap.
var ErrTooLarge = errors.New("document exceeds size limit")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	FetchTimeout  time.Duration
	ProbeTimeout  time.Duration
	// MaxBodyBytes caps a downloaded document. Larger documents fail the fetch.
	MaxBodyBytes int
	Accept       string
}

// Waiter throttles outbound requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements tariff.Fetcher and tariff.Prober on a Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Accept == "" {
		cfg.Accept = defaultAccept
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// One extra byte distinguishes "exactly at the cap" from "truncated".
	c.MaxBodySize = cfg.MaxBodyBytes + 1
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newRobotsTransport(newHTTPTransport()))
	// Per-call deadlines come from the context; the client timeout is a backstop.
	c.SetRequestTimeout(max(cfg.FetchTimeout, cfg.ProbeTimeout))

	return &Fetcher{cfg: cfg, limiter: limiter, baseCollector: c}
}

// Fetch downloads url with GET.
func (f *Fetcher) Fetch(ctx context.Context, url string) (tariff.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()
	if err := f.wait(ctx, url); err != nil {
		return tariff.Document{}, err
	}

	var (
		resp     *colly.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, &resp, &fetchErr)
	if err := runCollector(ctx, func() error { return collector.Visit(url) }, &fetchErr); err != nil {
		return tariff.Document{}, fmt.Errorf("%w: get %s: %w", tariff.ErrFetch, url, err)
	}
	if resp == nil {
		return tariff.Document{}, fmt.Errorf("%w: get %s: no response", tariff.ErrFetch, url)
	}
	if len(resp.Body) > f.cfg.MaxBodyBytes {
		return tariff.Document{}, fmt.Errorf("%w: get %s: %w (%d bytes)", tariff.ErrFetch, url, ErrTooLarge, f.cfg.MaxBodyBytes)
	}

	doc := tariff.Document{
		URL:          resp.Request.URL.String(),
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Headers.Get("Content-Type"),
		Body:         append([]byte(nil), resp.Body...),
		LastModified: lastModified(*resp.Headers),
		Duration:     time.Since(start),
	}
	metrics.ObserveFetch(url, len(doc.Body), doc.Duration)
	return doc, nil
}

// Probe issues a HEAD request and reports the response metadata.
func (f *Fetcher) Probe(ctx context.Context, url string) (tariff.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	if err := f.wait(ctx, url); err != nil {
		return tariff.Metadata{}, err
	}

	var (
		resp     *colly.Response
		probeErr error
	)
	collector := f.buildCollector(ctx, &resp, &probeErr)
	if err := runCollector(ctx, func() error { return collector.Head(url) }, &probeErr); err != nil {
		return tariff.Metadata{}, fmt.Errorf("%w: head %s: %w", tariff.ErrFetch, url, err)
	}
	if resp == nil {
		return tariff.Metadata{}, fmt.Errorf("%w: head %s: no response", tariff.ErrFetch, url)
	}
	meta := tariff.Metadata{
		URL:           resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Headers.Get("Content-Type"),
		ContentLength: -1,
		LastModified:  lastModified(*resp.Headers),
	}
	if n := resp.Headers.Get("Content-Length"); n != "" {
		if length, err := strconv.ParseInt(n, 10, 64); err == nil {
			meta.ContentLength = length
		}
	}
	return meta, nil
}

func (f *Fetcher) wait(ctx context.Context, url string) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx, url); err != nil {
		return fmt.Errorf("%w: %s: %w", tariff.ErrFetch, url, err)
	}
	return nil
}

func (f *Fetcher) buildCollector(ctx context.Context, resp **colly.Response, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, resp, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, resp **colly.Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*resp = r
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return err
		}
		return nil
	}
}

func lastModified(h http.Header) *time.Time {
	raw := h.Get("Last-Modified")
	if raw == "" {
		return nil
	}
	ts, err := http.ParseTime(raw)
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
