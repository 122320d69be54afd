// Package detector decides when a statically fetched seed page has to be
// rendered in a browser before its links can be read.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// Promotion reasons.
const (
	ReasonEmptyBody     = "empty_body"
	ReasonScriptDensity = "script_density"
	ReasonSPAMarker     = "spa_marker"
)

const defaultBodyThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// BodyLengthThreshold is the size below which a script-heavy page counts
	// as a client-rendered shell.
	BodyLengthThreshold int
	markers             [][]byte
}

// NewHeuristic creates a new detector. Extra markers are matched
// case-sensitively in addition to the built-in ones.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	markers := append([][]byte(nil), spaMarkers...)
	for _, m := range extraMarkers {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, []byte(m))
		}
	}
	return &Heuristic{BodyLengthThreshold: threshold, markers: markers}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldPromote reports whether the page needs a headless render and why.
// Only successful responses are promoted.
func (h *Heuristic) ShouldPromote(doc tariff.Document) (bool, string) {
	if doc.StatusCode != 0 && doc.StatusCode != http.StatusOK {
		return false, ""
	}
	body := doc.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true, ReasonEmptyBody
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true, ReasonScriptDensity
	}
	for _, marker := range h.markers {
		if bytes.Contains(body, marker) {
			return true, ReasonSPAMarker
		}
	}
	return false, ""
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the page.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	for pos := 0; pos < total; {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag: the rest of the page is script.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}
