package uri

import (
	"strings"
	"testing"
)

func TestConverter(t *testing.T) {
	tests := []struct {
		encoding string
		in       string
		want     string
	}{
		{"", "/caf\xc3\xa9", "/café"},
		{"UTF-8", "/plain", "/plain"},
		{"ISO-8859-1", "/caf\xe9", "/café"},
		{"windows-1252", "/\x80", "/€"},
	}
	for _, tt := range tests {
		c, err := NewConverter(tt.encoding)
		if err != nil {
			t.Fatalf("NewConverter(%q): %v", tt.encoding, err)
		}
		got, err := c.Convert([]byte(tt.in))
		if err != nil {
			t.Fatalf("Convert(%q) with %q: %v", tt.in, tt.encoding, err)
		}
		if got != tt.want {
			t.Errorf("Convert(%q) with %q = %q, want %q", tt.in, tt.encoding, got, tt.want)
		}
	}
}

func TestConverterReplacesInvalidUTF8(t *testing.T) {
	c, err := NewConverter("UTF-8")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Convert([]byte("/a\xffb"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.ContainsRune(got, '�') {
		t.Errorf("Convert = %q, want replacement character", got)
	}
}

func TestConverterUnknownEncoding(t *testing.T) {
	if _, err := NewConverter("no-such-charset"); err == nil {
		t.Error("expected error for unknown charset")
	}
}
