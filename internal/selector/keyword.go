package selector

import (
	"context"
	"sort"
	"strings"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// DefaultKeywords weights the words that usually name a commercial tariff.
var DefaultKeywords = map[string]int{
	"commercial": 5,
	"tariff":     3,
	"rate":       2,
	"schedule":   2,
	"electric":   1,
}

// Keyword scores links locally without any remote call. Text matches count
// twice as much as URL or context matches.
type Keyword struct {
	weights    map[string]int
	maxChoices int
}

// NewKeyword builds a Keyword selector. Nil weights use DefaultKeywords.
func NewKeyword(weights map[string]int, maxChoices int) *Keyword {
	if len(weights) == 0 {
		weights = DefaultKeywords
	}
	if maxChoices <= 0 {
		maxChoices = 1
	}
	normalized := make(map[string]int, len(weights))
	for k, w := range weights {
		normalized[strings.ToLower(k)] = w
	}
	return &Keyword{weights: normalized, maxChoices: maxChoices}
}

// Select implements Selector.
func (k *Keyword) Select(_ context.Context, links []tariff.Link) (Result, error) {
	if len(links) == 0 {
		return Result{Rationale: "no links to select from"}, nil
	}
	type scored struct {
		link  tariff.Link
		score int
	}
	var ranked []scored
	for _, l := range links {
		if s := k.Score(l); s > 0 {
			ranked = append(ranked, scored{link: l, score: s})
		}
	}
	if len(ranked) == 0 {
		return Result{Rationale: "no link matched any keyword"}, nil
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > k.maxChoices {
		ranked = ranked[:k.maxChoices]
	}
	res := Result{Rationale: "keyword score"}
	for _, r := range ranked {
		res.Choices = append(res.Choices, r.link)
	}
	return res, nil
}

// Score returns the weighted keyword count for one link.
func (k *Keyword) Score(l tariff.Link) int {
	text := strings.ToLower(l.Text)
	rest := strings.ToLower(l.URL + " " + l.Context)
	score := 0
	for word, w := range k.weights {
		if strings.Contains(text, word) {
			score += 2 * w
		}
		if strings.Contains(rest, word) {
			score += w
		}
	}
	return score
}
