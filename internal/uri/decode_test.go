package uri

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		in        string
		slash     bool
		want      string
		wantError error
	}{
		{"/plain", false, "/plain", nil},
		{"/a%20b", false, "/a b", nil},
		{"/%41%42", false, "/AB", nil},
		{"/a+b", false, "/a+b", nil},
		{"/a%2fb", false, "", ErrEncodedSlash},
		{"/a%2Fb", true, "/a/b", nil},
		{"/a%4", false, "", ErrTruncatedEscape},
		{"/a%", false, "", ErrTruncatedEscape},
		{"/a%zz", false, "", ErrInvalidEscape},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Decode([]byte(tt.in), tt.slash)
			if tt.wantError != nil {
				if !errors.Is(err, tt.wantError) {
					t.Fatalf("Decode(%q) error = %v, want %v", tt.in, err, tt.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) unexpected error: %v", tt.in, err)
			}
			if string(got) != tt.want {
				t.Errorf("Decode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
