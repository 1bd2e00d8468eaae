// Package normalize canonicalizes raw captured text before it enters the
// pipeline. Normalization is what makes exact-equality duplicate detection
// viable: two captures of the same visual message must normalize to the
// same string even when the page pads them with zero-width runes or
// irregular whitespace.
package normalize

import (
	"regexp"
	"strings"
)

// urlRE matches absolute http(s) URLs. URLs are tokenized out before
// whitespace collapsing so their paths are never mangled.
var urlRE = regexp.MustCompile(`https?://[^\s<>"]+`)

// urlToken is the placeholder substituted for each URL during collapsing.
// NUL bytes cannot appear in captured page text, so the token is safe.
const urlToken = "\x00url\x00"

// zeroWidth strips the invisible runes pages commonly inject into
// rendered text (ZWSP, ZWNJ, ZWJ, BOM, word joiner, soft hyphen).
var zeroWidth = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\u2060", "", // word joiner
	"\ufeff", "", // BOM / zero-width no-break space
	"\u00ad", "", // soft hyphen
)

// Normalize canonicalizes raw text: strips zero-width runes, collapses
// whitespace runs to single spaces, trims the ends, and preserves embedded
// absolute URLs verbatim. Empty input yields empty output.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := zeroWidth.Replace(raw)

	urls := urlRE.FindAllString(s, -1)
	if len(urls) > 0 {
		s = urlRE.ReplaceAllString(s, urlToken)
	}

	s = strings.Join(strings.Fields(s), " ")

	for _, u := range urls {
		s = strings.Replace(s, urlToken, u, 1)
	}

	return strings.TrimSpace(s)
}

// ExtractURLs returns the absolute URLs embedded in text, in order of
// appearance. Duplicates are kept; callers that need a set can dedup.
func ExtractURLs(text string) []string {
	return urlRE.FindAllString(text, -1)
}
