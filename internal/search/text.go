// Package search provides the small, deterministic text utilities shared by
// attribute full-text filters and document text extraction:
//
//   - Unicode-aware tokenization with optional stop-word removal
//   - Case folding via golang.org/x/text/cases (not plain ToLower)
//   - Deterministic term lists (sorted, de-duplicated)
//   - Whitespace and paragraph normalization for extracted text
//
// No logging in the library; callers decide how/what to log.
package search

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	stopwords map[string]struct{}
	minRunes  int
	maxTerms  int
}

func defaultConfig() config {
	return config{
		stopwords: defaultStopwords,
		minRunes:  2,
		maxTerms:  0,
	}
}

// WithStopwords replaces the default stop-word list. An empty list disables
// stop-word removal.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = Fold(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		c.stopwords = m
	}
}

// WithMinRunes drops tokens shorter than n runes.
func WithMinRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

// WithMaxTerms caps the number of returned terms (after sorting).
func WithMaxTerms(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxTerms = n
		}
	}
}

var defaultStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}

// ----------------------------------------------------------------------------
// Tokenization

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Fold returns the case-folded form of s, suitable for case-insensitive
// comparison.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// Terms tokenizes s and returns its distinct terms in sorted order. Identical
// input always yields the identical slice.
func Terms(s string, opts ...Option) []string {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	words := wordRE.FindAllString(Fold(s), -1)
	if len(words) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if cfg.minRunes > 0 && len([]rune(w)) < cfg.minRunes {
			continue
		}
		if _, skip := cfg.stopwords[w]; skip {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	if cfg.maxTerms > 0 && len(out) > cfg.maxTerms {
		out = out[:cfg.maxTerms]
	}
	return out
}

// Slug converts a display name into a stable key: folded, with every run of
// non-alphanumerics collapsed to a single underscore. "Applicant Name" and
// "applicant-name" both become "applicant_name".
func Slug(name string) string {
	words := wordRE.FindAllString(Fold(name), -1)
	return strings.Join(words, "_")
}

// ----------------------------------------------------------------------------
// Normalization

// NormalizeWhitespace collapses runs of spaces/tabs/CR inside each line,
// trims every line, and drops blank-line runs to a single paragraph break.
func NormalizeWhitespace(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	paras := SplitParagraphs(s)
	for i, p := range paras {
		lines := strings.Split(p, "\n")
		kept := lines[:0]
		for _, ln := range lines {
			if f := strings.Fields(ln); len(f) > 0 {
				kept = append(kept, strings.Join(f, " "))
			}
		}
		paras[i] = strings.Join(kept, "\n")
	}
	return strings.Join(paras, "\n\n")
}

var paraSplitRE = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits text on blank lines, dropping empty chunks.
func SplitParagraphs(raw string) []string {
	chunks := paraSplitRE.Split(raw, -1)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}
