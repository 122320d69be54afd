package tariff

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultVolatileParams lists query parameters that never contribute to a
// document's identity.
var DefaultVolatileParams = []string{
	"rev", "v", "ver", "version", "t", "ts", "timestamp", "cb", "cachebuster", "_", "utm_*",
}

// DefaultSchemes lists the URL schemes accepted for candidates.
var DefaultSchemes = []string{"http", "https"}

const unknownDocumentName = "unknown.pdf"

// NormalizerConfig controls canonicalization.
type NormalizerConfig struct {
	// VolatileParams are query parameter names stripped from identity keys.
	// A trailing "*" matches by prefix. Matching is case-insensitive.
	VolatileParams []string
	// Schemes are the accepted URL schemes.
	Schemes []string
}

// Normalizer canonicalizes discovered links into identity keys.
type Normalizer struct {
	exact    map[string]struct{}
	prefixes []string
	schemes  map[string]struct{}
}

// NewNormalizer builds a Normalizer. Empty config slices fall back to defaults.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	params := cfg.VolatileParams
	if params == nil {
		params = DefaultVolatileParams
	}
	schemes := cfg.Schemes
	if len(schemes) == 0 {
		schemes = DefaultSchemes
	}
	n := &Normalizer{
		exact:   make(map[string]struct{}),
		schemes: make(map[string]struct{}),
	}
	for _, raw := range params {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if strings.HasSuffix(value, "*") {
			if prefix := strings.TrimSuffix(value, "*"); prefix != "" {
				n.prefixes = append(n.prefixes, prefix)
			}
			continue
		}
		n.exact[value] = struct{}{}
	}
	for _, s := range schemes {
		n.schemes[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return n
}

// Normalize resolves href against baseURL and returns a candidate whose URL is
// the canonical identity key.
func (n *Normalizer) Normalize(href, linkText, baseURL string) (Candidate, error) {
	abs, err := n.resolve(href, baseURL)
	if err != nil {
		return Candidate{}, err
	}
	canonical := n.canonicalize(abs)
	fetch := *abs
	fetch.Fragment = ""
	fetch.RawFragment = ""
	return Candidate{
		URL:      canonical,
		FetchURL: fetch.String(),
		LinkText: NormalizeText(linkText),
	}, nil
}

// IsVolatile reports whether a query parameter is stripped from identity keys.
func (n *Normalizer) IsVolatile(name string) bool {
	name = strings.ToLower(name)
	if _, ok := n.exact[name]; ok {
		return true
	}
	for _, prefix := range n.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (n *Normalizer) resolve(href, baseURL string) (*url.URL, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, fmt.Errorf("%w: empty href", ErrInvalidURL)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if !ref.IsAbs() {
		if strings.TrimSpace(baseURL) == "" {
			return nil, fmt.Errorf("%w: relative href %q without base", ErrInvalidURL, href)
		}
		base, err := url.Parse(strings.TrimSpace(baseURL))
		if err != nil {
			return nil, fmt.Errorf("%w: base: %w", ErrInvalidURL, err)
		}
		ref = base.ResolveReference(ref)
	}
	scheme := strings.ToLower(ref.Scheme)
	if _, ok := n.schemes[scheme]; !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, ref.Scheme)
	}
	if ref.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, href)
	}
	return ref, nil
}

func (n *Normalizer) canonicalize(u *url.URL) string {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(out.Host)
	out.User = nil
	if out.Scheme == "http" && strings.HasSuffix(out.Host, ":80") {
		out.Host = strings.TrimSuffix(out.Host, ":80")
	}
	if out.Scheme == "https" && strings.HasSuffix(out.Host, ":443") {
		out.Host = strings.TrimSuffix(out.Host, ":443")
	}
	out.Fragment = ""
	out.RawFragment = ""
	if out.Path == "" {
		out.Path = "/"
		out.RawPath = ""
	}

	out.RawQuery = n.canonicalQuery(out.RawQuery)
	out.ForceQuery = false
	return out.String()
}

type queryPair struct{ name, value string }

// canonicalQuery drops volatile parameters and sorts the rest. Both "&" and
// ";" separate pairs; undecodable escapes are kept as written.
func (n *Normalizer) canonicalQuery(raw string) string {
	var pairs []queryPair
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == '&' || r == ';' }) {
		name, value, _ := strings.Cut(part, "=")
		name, value = unescapeQuery(name), unescapeQuery(value)
		if n.IsVolatile(name) {
			continue
		}
		pairs = append(pairs, queryPair{name: name, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})
	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, url.QueryEscape(p.name)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(encoded, "&")
}

func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DocumentName returns the filename component of a URL path.
func DocumentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownDocumentName
	}
	base := path.Base(u.Path)
	switch base {
	case "", ".", "/":
		return unknownDocumentName
	}
	return base
}

// UtilityName derives a display name from a seed URL's host: a leading "www."
// is dropped and each dot-separated label is title-cased.
func UtilityName(seedURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(seedURL))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, seedURL)
	}
	host = strings.TrimPrefix(host, "www.")
	caser := cases.Title(language.Und)
	labels := strings.Split(host, ".")
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if label == "" {
			continue
		}
		out = append(out, caser.String(label))
	}
	return strings.Join(out, " "), nil
}

// Slug renders a utility name as a lowercase path segment.
func Slug(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.Join(fields, "-")
}
