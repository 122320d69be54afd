// Package selector narrows the links discovered on a seed page to the tariff
// document(s) worth tracking.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// DefaultTarget describes the document a selector looks for.
const DefaultTarget = "Electric Utility Commercial Tariff Rates"

// Result is the tagged outcome of a selection: either Choices, possibly
// empty, or a Failure explaining why the oracle's answer was unusable.
type Result struct {
	Choices   []tariff.Link
	Rationale string
	Failure   string
}

// Failed reports whether the oracle's answer could not be interpreted. An
// empty selection is not a failure.
func (r Result) Failed() bool {
	return r.Failure != ""
}

// Err converts a failed result into a selection error.
func (r Result) Err() error {
	if !r.Failed() {
		return nil
	}
	return fmt.Errorf("%w: %s", tariff.ErrSelection, r.Failure)
}

func failure(format string, args ...any) Result {
	return Result{Failure: fmt.Sprintf(format, args...)}
}

// Selector picks candidate links.
type Selector interface {
	Select(ctx context.Context, links []tariff.Link) (Result, error)
}

// Completer sends one prompt to a language model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMConfig controls prompting.
type LLMConfig struct {
	Target string
	// MaxChoices caps the number of links kept from the reply. Zero means one.
	MaxChoices int
}

// LLM asks a language model to choose among the discovered links.
type LLM struct {
	completer  Completer
	target     string
	maxChoices int
	logger     *zap.Logger
}

// NewLLM builds an LLM selector.
func NewLLM(completer Completer, cfg LLMConfig, logger *zap.Logger) (*LLM, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	if cfg.MaxChoices <= 0 {
		cfg.MaxChoices = 1
	}
	return &LLM{completer: completer, target: cfg.Target, maxChoices: cfg.MaxChoices, logger: logger}, nil
}

const systemPrompt = "You classify links found on utility company websites. " +
	"Answer with a single JSON object and nothing else."

// Select implements Selector. Transport errors are returned; replies that
// cannot be interpreted become a Failure.
func (s *LLM) Select(ctx context.Context, links []tariff.Link) (Result, error) {
	if len(links) == 0 {
		return Result{Rationale: "no links to select from"}, nil
	}
	reply, err := s.completer.Complete(ctx, systemPrompt, BuildPrompt(s.target, links, s.maxChoices))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", tariff.ErrSelection, err)
	}
	urls, rationale, ok := ParseReply(reply)
	if !ok {
		s.logger.Warn("selector reply had no url", zap.String("reply", truncate(reply, 200)))
		return failure("no url in reply"), nil
	}

	byURL := make(map[string]tariff.Link, len(links))
	for _, l := range links {
		if _, ok := byURL[l.URL]; !ok {
			byURL[l.URL] = l
		}
	}
	res := Result{Rationale: rationale}
	seen := make(map[string]struct{})
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			s.logger.Warn("dropping selection without http scheme", zap.String("url", raw))
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		link, ok := byURL[raw]
		if !ok {
			s.logger.Warn("selected url was not among discovered links", zap.String("url", raw))
			link = tariff.Link{URL: raw}
		}
		res.Choices = append(res.Choices, link)
		if len(res.Choices) == s.maxChoices {
			break
		}
	}
	if len(res.Choices) == 0 {
		s.logger.Info("selector chose no document", zap.String("rationale", rationale))
	}
	return res, nil
}

// BuildPrompt renders the numbered link list and the answer format.
func BuildPrompt(target string, links []tariff.Link, maxChoices int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Below are links found on a utility website. Identify the URL(s) most likely to be the %s document.\n", target)
	b.WriteString("Look for words like \"commercial\", \"tariff\", \"rates\" and \"schedule\".\n")
	fmt.Fprintf(&b, "Choose at most %d.\n\nLinks:\n", maxChoices)
	for i, l := range links {
		fmt.Fprintf(&b, "%d. Text: %s\n   URL: %s\n", i+1, l.Text, l.URL)
		if l.Context != "" && l.Context != l.Text {
			fmt.Fprintf(&b, "   Context: %s\n", l.Context)
		}
	}
	b.WriteString("\nRespond with JSON: {\"urls\": [\"<url>\"], \"rationale\": \"<one sentence>\"}\n")
	return b.String()
}

type reply struct {
	URLs      []string `json:"urls"`
	URL       string   `json:"url"`
	Rationale string   `json:"rationale"`
}

// ParseReply extracts URLs from a model reply. It looks for a JSON object
// anywhere in the text first, then falls back to one URL per line. ok is
// false when the reply is neither; a JSON object with no URL is a valid
// empty answer.
func ParseReply(text string) (urls []string, rationale string, ok bool) {
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		var r reply
		if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil {
			urls = make([]string, 0, len(r.URLs)+1)
			for _, u := range append(r.URLs, r.URL) {
				if u = strings.TrimSpace(u); u != "" {
					urls = append(urls, u)
				}
			}
			return urls, strings.TrimSpace(r.Rationale), true
		}
	}

	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, "-*•`\"'<>()[],;")
		u, err := url.Parse(field)
		if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
			continue
		}
		urls = append(urls, field)
	}
	return urls, "", len(urls) > 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
