// Package discovery lists the candidate document links published on a seed page.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// DefaultLinkPattern keeps anchors whose href mentions a PDF.
const DefaultLinkPattern = `(?i)\.pdf`

const maxContextRunes = 200

// Config controls link extraction.
type Config struct {
	// LinkPattern is matched against each raw href. Empty means DefaultLinkPattern.
	LinkPattern string
	// MaxLinks truncates the result. Zero means no limit.
	MaxLinks int
}

// Discoverer implements tariff.Discoverer on top of a page source, either the
// static colly fetcher or the headless renderer.
type Discoverer struct {
	source   tariff.Fetcher
	pattern  *regexp.Regexp
	maxLinks int
	logger   *zap.Logger

	renderer tariff.Fetcher
	promoter Promoter
}

// Promoter decides whether a statically fetched page must be rendered.
type Promoter interface {
	ShouldPromote(doc tariff.Document) (bool, string)
}

// WithRenderer re-reads a seed page through renderer when the static fetch
// yields no links or promoter flags the page as client-rendered. A nil
// promoter promotes only on zero links.
func (d *Discoverer) WithRenderer(renderer tariff.Fetcher, promoter Promoter) *Discoverer {
	d.renderer = renderer
	d.promoter = promoter
	return d
}

// New constructs a Discoverer.
func New(source tariff.Fetcher, cfg Config, logger *zap.Logger) (*Discoverer, error) {
	if source == nil {
		return nil, fmt.Errorf("page source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	raw := cfg.LinkPattern
	if raw == "" {
		raw = DefaultLinkPattern
	}
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile link pattern %q: %w", raw, err)
	}
	return &Discoverer{source: source, pattern: pattern, maxLinks: cfg.MaxLinks, logger: logger}, nil
}

// Discover fetches seedURL and returns the matching anchors in document order.
func (d *Discoverer) Discover(ctx context.Context, seedURL string) ([]tariff.Link, error) {
	page, err := d.source.Fetch(ctx, seedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tariff.ErrDiscovery, err)
	}
	base := page.URL
	if base == "" {
		base = seedURL
	}
	links, err := Extract(bytes.NewReader(page.Body), base, d.pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", tariff.ErrDiscovery, seedURL, err)
	}
	if reason := d.promotion(page, links); reason != "" {
		page, links = d.render(ctx, seedURL, reason, page, links)
	}
	if d.maxLinks > 0 && len(links) > d.maxLinks {
		d.logger.Warn("truncating discovered links",
			zap.String("seed", seedURL),
			zap.Int("found", len(links)),
			zap.Int("max_links", d.maxLinks),
		)
		links = links[:d.maxLinks]
	}
	d.logger.Info("links discovered",
		zap.String("seed", seedURL),
		zap.Int("count", len(links)),
		zap.Int("page_bytes", len(page.Body)),
	)
	return links, nil
}

func (d *Discoverer) promotion(page tariff.Document, links []tariff.Link) string {
	if d.renderer == nil {
		return ""
	}
	if len(links) == 0 {
		return "no_links"
	}
	if d.promoter != nil {
		if ok, reason := d.promoter.ShouldPromote(page); ok {
			return reason
		}
	}
	return ""
}

// render retries the page headless. Failures keep the static result.
func (d *Discoverer) render(
	ctx context.Context,
	seedURL, reason string,
	static tariff.Document,
	staticLinks []tariff.Link,
) (tariff.Document, []tariff.Link) {
	logger := d.logger.With(zap.String("seed", seedURL), zap.String("reason", reason))
	page, err := d.renderer.Fetch(ctx, seedURL)
	if err != nil {
		logger.Warn("headless render failed; keeping static page", zap.Error(err))
		return static, staticLinks
	}
	base := page.URL
	if base == "" {
		base = seedURL
	}
	links, err := Extract(bytes.NewReader(page.Body), base, d.pattern)
	if err != nil || len(links) < len(staticLinks) {
		logger.Warn("rendered page yielded fewer links; keeping static page", zap.Error(err))
		return static, staticLinks
	}
	logger.Info("seed page promoted to headless render",
		zap.Int("static_links", len(staticLinks)),
		zap.Int("rendered_links", len(links)),
	)
	return page, links
}

// Extract parses an HTML page and returns anchors whose href matches pattern,
// resolved against pageURL (or the page's <base href>). Duplicate URLs keep
// their first occurrence.
func Extract(r io.Reader, pageURL string, pattern *regexp.Regexp) ([]tariff.Link, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	var (
		links []tariff.Link
		seen  = make(map[string]int)
	)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if pattern != nil && !pattern.MatchString(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		text := tariff.NormalizeText(s.Text())
		if text == "" {
			text = tariff.NormalizeText(s.AttrOr("title", ""))
		}
		if i, dup := seen[abs]; dup {
			if links[i].Text == "" {
				links[i].Text = text
			}
			return
		}
		seen[abs] = len(links)
		links = append(links, tariff.Link{
			URL:     abs,
			Text:    text,
			Context: truncate(tariff.NormalizeText(s.Parent().Text()), maxContextRunes),
		})
	})
	return links, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
