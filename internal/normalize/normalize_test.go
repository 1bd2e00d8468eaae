package normalize

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"collapse runs", "hello   \t world", "hello world"},
		{"trim ends", "  hello world \n", "hello world"},
		{"newlines collapse", "line one\nline two\n\nline three", "line one line two line three"},
		{"zero-width space", "hel\u200blo", "hello"},
		{"zero-width joiners", "a\u200c\u200db", "ab"},
		{"bom and word joiner", "\ufeffstart\u2060end", "startend"},
		{"soft hyphen", "re\u00adsend", "resend"},
		{"whitespace only", " \t\n ", ""},
		{
			"url preserved",
			"see https://example.com/a/b?q=1  for details",
			"see https://example.com/a/b?q=1 for details",
		},
		{
			"two urls",
			"https://a.example/x   and\nhttps://b.example/y",
			"https://a.example/x and https://b.example/y",
		},
		{
			"url with zero-width noise around",
			"\u200bhttps://example.com/path\u200b done",
			"https://example.com/path done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"hello   world",
		"see https://example.com/a/b for details",
		"\u200bspaced\u200b  out\u200b",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"none", "no links here", nil},
		{"one", "see https://example.com/page now", []string{"https://example.com/page"}},
		{
			"ordered",
			"first http://a.example/1 then https://b.example/2",
			[]string{"http://a.example/1", "https://b.example/2"},
		},
		{"query and fragment", "go to https://x.example/p?a=1#frag", []string{"https://x.example/p?a=1#frag"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractURLs(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractURLs(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
