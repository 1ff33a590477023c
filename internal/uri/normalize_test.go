package uri

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in             string
		allowBackslash bool
		want           string
		ok             bool
	}{
		{"/a/./b/../c", false, "/a/c", true},
		{"/", false, "/", true},
		{"*", false, "*", true},
		{"", false, "", false},
		{"a/b", false, "", false},
		{`/a\b`, false, "", false},
		{`/a\b`, true, "/a/b", true},
		{"/a\x00b", false, "", false},
		{"//a///b", false, "/a/b", true},
		{"/a/.", false, "/a/", true},
		{"/a/..", false, "/", true},
		{"/a/b/..", false, "/a/", true},
		{"/..", false, "", false},
		{"/../a", false, "", false},
		{"/a/../../b", false, "", false},
		{"/a/...", false, "/a/...", true},
		{"/a/.b/c", false, "/a/.b/c", true},
		{"/./", false, "/", true},
		{"/a/./../b", false, "/b", true},
		{"/a/./././b", false, "/a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			buf := make([]byte, len(tt.in), len(tt.in)+1)
			copy(buf, tt.in)
			got, ok := Normalize(buf, tt.allowBackslash)
			if ok != tt.ok {
				t.Fatalf("Normalize(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && string(got) != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"/a/./b/../c", "//x//y/", "/a/.", "/a/b/..", "/", "*", "/a/..."}
	for _, in := range inputs {
		once, ok := Normalize([]byte(in), false)
		if !ok {
			t.Fatalf("Normalize(%q) rejected", in)
		}
		first := string(once)
		twice, ok := Normalize(once, false)
		if !ok {
			t.Fatalf("second Normalize(%q) rejected", first)
		}
		if string(twice) != first {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, first, twice)
		}
	}
}

func TestNormalizeNoAllocationWithSpareCapacity(t *testing.T) {
	buf := make([]byte, 4, 5)
	copy(buf, "/a/.")
	got, ok := Normalize(buf, false)
	if !ok {
		t.Fatal("Normalize rejected /a/.")
	}
	if &got[0] != &buf[0] {
		t.Error("Normalize reallocated despite spare capacity")
	}
}

func TestNormalizedOutputPassesCheck(t *testing.T) {
	for _, in := range []string{"/a/./b/../c", "//a//", "/x/y/..", "/a/b/."} {
		got, ok := Normalize([]byte(in), false)
		if !ok {
			t.Fatalf("Normalize(%q) rejected", in)
		}
		if !CheckNormalize(string(got)) {
			t.Errorf("CheckNormalize(%q) = false for normalized output of %q", got, in)
		}
	}
}

func TestCheckNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/a/b", true},
		{"*", true},
		{"/", true},
		{"/a/...", true},
		{"", false},
		{"/a//b", false},
		{"/a/.", false},
		{"/a/..", false},
		{"/a/./b", false},
		{"/a/../b", false},
		{`/a\b`, false},
		{"/a\x00", false},
	}
	for _, tt := range tests {
		if got := CheckNormalize(tt.in); got != tt.want {
			t.Errorf("CheckNormalize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
