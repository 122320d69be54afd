package tariff

import (
	"sort"
	"strings"
)

// MatchField flags which identity field tied a candidate to a ledger row.
type MatchField uint8

// Identity fields, combinable as a bit set.
const (
	MatchHash MatchField = 1 << iota
	MatchURL
	MatchLinkText
)

// MatchResult records which fields matched. The zero value is "no match".
type MatchResult struct {
	Fields MatchField
}

// Matched reports whether any field matched.
func (m MatchResult) Matched() bool {
	return m.Fields != 0
}

// Has reports whether f is among the matched fields.
func (m MatchResult) Has(f MatchField) bool {
	return m.Fields&f != 0
}

func (m MatchResult) String() string {
	if !m.Matched() {
		return "none"
	}
	parts := make([]string, 0, 3)
	if m.Has(MatchHash) {
		parts = append(parts, "hash")
	}
	if m.Has(MatchURL) {
		parts = append(parts, "url")
	}
	if m.Has(MatchLinkText) {
		parts = append(parts, "link_text")
	}
	return strings.Join(parts, "+")
}

// Match applies the fuzzy identity rule: a candidate is the same logical
// document as a row when the content hash, canonical URL, or link text is
// equal. Empty values never match.
func Match(id Identity, row TrackedDocument) MatchResult {
	var res MatchResult
	if id.ContentHash != "" && row.ContentHash != "" && strings.EqualFold(id.ContentHash, row.ContentHash) {
		res.Fields |= MatchHash
	}
	if id.URL != "" && id.URL == row.URL {
		res.Fields |= MatchURL
	}
	a, b := NormalizeText(id.LinkText), NormalizeText(row.LinkText)
	if a != "" && b != "" && strings.EqualFold(a, b) {
		res.Fields |= MatchLinkText
	}
	return res
}

// Resolution is the outcome of matching one identity against a set of rows.
type Resolution struct {
	Document *TrackedDocument
	Match    MatchResult
	// MatchedIDs lists every active row that matched, lowest first.
	MatchedIDs []int64
}

// Ambiguous reports whether more than one row matched.
func (r Resolution) Ambiguous() bool {
	return len(r.MatchedIDs) > 1
}

// Resolve matches id against the active rows and picks the lowest row ID when
// several match.
func Resolve(id Identity, rows []TrackedDocument) Resolution {
	sorted := make([]TrackedDocument, 0, len(rows))
	for _, row := range rows {
		if row.Active() {
			sorted = append(sorted, row)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var res Resolution
	for i := range sorted {
		m := Match(id, sorted[i])
		if !m.Matched() {
			continue
		}
		res.MatchedIDs = append(res.MatchedIDs, sorted[i].ID)
		if res.Document == nil {
			doc := sorted[i]
			res.Document = &doc
			res.Match = m
		}
	}
	return res
}
