package lang

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAcceptLanguage(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   Languages
	}{
		{"empty", "", nil},
		{"single", "de", Languages{"de"}},
		{"ordered by quality", "en;q=0.5, de-CH, fr;q=0.8", Languages{"de-CH", "fr", "en"}},
		{"stable for equal quality", "de, fr, en", Languages{"de", "fr", "en"}},
		{"wildcard dropped", "*, de;q=0.9", Languages{"de"}},
		{"malformed skipped", "de, !!!, fr", Languages{"de", "fr"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.header)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.header, diff)
			}
		})
	}
}

func TestNewSkipsMalformedTags(t *testing.T) {
	got := New("de", "", "not a tag!", "fr-CA")
	want := Languages{"de", "fr-CA"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("New mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandAddsFallbackChain(t *testing.T) {
	got := New("de-CH", "fr").Expand()
	want := Languages{"de-CH", "de", "fr"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandDeduplicates(t *testing.T) {
	got := New("de-CH", "de").Expand()
	want := Languages{"de-CH", "de"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		prefs     Languages
		candidate string
		want      bool
	}{
		{New("de"), "de", true},
		{New("de"), "de-CH", true},          // bare preference takes any variant
		{New("de-CH"), "de", true},          // regioned preference accepts bare candidate
		{New("de-CH"), "de-CH", true},
		{New("de-CH"), "de-AT", false},      // region disagreement
		{New("de"), "fr", false},
		{New("de", "fr"), "fr", true},
		{New("de"), "", false},
		{New("de"), "not a tag!", false},
	}
	for _, tc := range cases {
		if got := tc.prefs.Matches(tc.candidate); got != tc.want {
			t.Errorf("%v.Matches(%q) = %v, want %v", tc.prefs, tc.candidate, got, tc.want)
		}
	}
}

func TestIsEmpty(t *testing.T) {
	if !Parse("").IsEmpty() {
		t.Error("empty header should parse to an empty list")
	}
	if New("de").IsEmpty() {
		t.Error("non-empty list misreported as empty")
	}
}
