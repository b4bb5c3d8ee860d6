package store

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseListing(t *testing.T) {
	const out = `
loose/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
loose/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
julia-1_10_0-DEV_123:cccccccccccccccccccccccccccccccccccccccc
julia-1_10_0-DEV_123:dddddddddddddddddddddddddddddddddddddddd	4.2 MiB
this line has no separator
julia-1_11_0-DEV_7:eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee
`
	got := parseListing(out)
	want := &Listing{
		Loose: []string{
			strings.Repeat("a", 40),
			strings.Repeat("b", 40),
		},
		Packed: map[string][]string{
			"julia-1_10_0-DEV_123": {strings.Repeat("c", 40), strings.Repeat("d", 40)},
			"julia-1_11_0-DEV_7":   {strings.Repeat("e", 40)},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseListing: diff (-want +got):\n%s", diff)
	}
}

func TestListingContains(t *testing.T) {
	l := &Listing{
		Loose:  []string{"aaaa"},
		Packed: map[string][]string{"p": {"bbbb"}},
	}
	for rev, want := range map[string]bool{
		"aaaa": true,
		"bbbb": true,
		"cccc": false,
	} {
		if got := l.Contains(rev); got != want {
			t.Errorf("Contains(%q) = %v, want %v", rev, got, want)
		}
	}
}

func TestSafeName(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want string
	}{
		{"julia-1.10.0-DEV.123", "julia-1_10_0-DEV_123"},
		{"already_safe/OK-123", "already_safe/OK-123"},
		{"spaces and+plus", "spaces_and_plus"},
		{"", ""},
	} {
		got := SafeName(tt.in)
		if got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		// SafeName is a projection: applying it twice changes nothing.
		if again := SafeName(got); again != got {
			t.Errorf("SafeName(SafeName(%q)) = %q, not idempotent", tt.in, again)
		}
	}
}
